package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultURLTTL is how long a resolved attachment URL stays valid
const DefaultURLTTL = time.Hour

var (
	ErrInvalidObjectName = errors.New("invalid object name")
	ErrInvalidSignature  = errors.New("invalid or expired signature")
)

// Storage defines the interface for media storage backends
type Storage interface {
	PresignGet(ctx context.Context, objectName string, expiresIn time.Duration) (string, error)
	Put(ctx context.Context, objectName string, reader io.Reader) (int64, error)
	Get(ctx context.Context, objectName string) (io.ReadCloser, error)
}

// LocalStorage implements Storage using the local filesystem. GET URLs are
// signed so the bot provider can fetch media without credentials.
type LocalStorage struct {
	baseDir string
	baseURL string
	secret  []byte
	now     func() time.Time
}

// NewLocalStorage creates a new local filesystem storage backend
func NewLocalStorage(baseDir, baseURL, secret string) (*LocalStorage, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &LocalStorage{
		baseDir: baseDir,
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  []byte(secret),
		now:     time.Now,
	}, nil
}

// CleanObjectName normalizes an object name and rejects paths that would
// escape the storage root.
func CleanObjectName(objectName string) (string, error) {
	for _, seg := range strings.Split(objectName, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidObjectName, objectName)
		}
	}
	name := strings.TrimPrefix(path.Clean("/"+strings.TrimSpace(objectName)), "/")
	if name == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidObjectName, objectName)
	}
	return name, nil
}

func (s *LocalStorage) sign(objectName string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(objectName))
	mac.Write([]byte{0})
	mac.Write([]byte(strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *LocalStorage) PresignGet(ctx context.Context, objectName string, expiresIn time.Duration) (string, error) {
	name, err := CleanObjectName(objectName)
	if err != nil {
		return "", err
	}
	expires := s.now().Add(expiresIn).Unix()

	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", s.sign(name, expires))
	return fmt.Sprintf("%s/files/%s?%s", s.baseURL, (&url.URL{Path: name}).EscapedPath(), q.Encode()), nil
}

// Verify checks a signature produced by PresignGet
func (s *LocalStorage) Verify(objectName, expires, sig string) error {
	name, err := CleanObjectName(objectName)
	if err != nil {
		return err
	}
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil || s.now().Unix() > exp {
		return ErrInvalidSignature
	}
	if !hmac.Equal([]byte(s.sign(name, exp)), []byte(sig)) {
		return ErrInvalidSignature
	}
	return nil
}

func (s *LocalStorage) Put(ctx context.Context, objectName string, reader io.Reader) (int64, error) {
	name, err := CleanObjectName(objectName)
	if err != nil {
		return 0, err
	}
	fullPath := filepath.Join(s.baseDir, filepath.FromSlash(name))

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return 0, fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.Create(fullPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	n, err := io.Copy(file, reader)
	if err != nil {
		return n, fmt.Errorf("failed to write file: %w", err)
	}
	return n, nil
}

func (s *LocalStorage) Get(ctx context.Context, objectName string) (io.ReadCloser, error) {
	name, err := CleanObjectName(objectName)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(filepath.Join(s.baseDir, filepath.FromSlash(name)))
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

// URLResolver turns stored object names into signed, fetchable URLs
type URLResolver struct {
	store Storage
	ttl   time.Duration
}

// NewURLResolver creates a resolver; a non-positive ttl uses DefaultURLTTL
func NewURLResolver(store Storage, ttl time.Duration) *URLResolver {
	if ttl <= 0 {
		ttl = DefaultURLTTL
	}
	return &URLResolver{store: store, ttl: ttl}
}

func (r *URLResolver) ResolveURL(ctx context.Context, objectName string) (string, error) {
	return r.store.PresignGet(ctx, objectName, r.ttl)
}
