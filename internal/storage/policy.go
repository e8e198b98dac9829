package storage

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"
)

// MediaPolicy constrains media uploaded for hand-off to the bot provider
type MediaPolicy struct {
	MaxFileMB  float64
	MimeTypes  []string
	Extensions []string
}

// DefaultMediaPolicy matches what the WhatsApp gateway can carry
var DefaultMediaPolicy = &MediaPolicy{
	MaxFileMB: 16,
	MimeTypes: []string{"image/*", "audio/*", "video/*", "application/pdf", "text/plain"},
}

// Validate checks a file against the policy. A nil policy allows everything.
func (p *MediaPolicy) Validate(fileName, contentType string, sizeBytes int64) error {
	if p == nil {
		return nil
	}

	if p.MaxFileMB > 0 {
		maxBytes := int64(p.MaxFileMB * 1024 * 1024)
		if sizeBytes > maxBytes {
			return fmt.Errorf("file size %d bytes exceeds maximum %d bytes", sizeBytes, maxBytes)
		}
	}

	if len(p.MimeTypes) > 0 && !p.allowsMimeType(contentType) {
		return fmt.Errorf("content type %q is not allowed", contentType)
	}

	if len(p.Extensions) > 0 && !p.allowsExtension(fileName) {
		return fmt.Errorf("file extension of %q is not allowed", fileName)
	}
	return nil
}

// allowsMimeType supports wildcard patterns like "image/*"
func (p *MediaPolicy) allowsMimeType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = contentType
	}

	for _, allowed := range p.MimeTypes {
		if prefix, ok := strings.CutSuffix(allowed, "/*"); ok {
			if strings.HasPrefix(mediaType, prefix+"/") {
				return true
			}
		} else if mediaType == allowed {
			return true
		}
	}
	return false
}

func (p *MediaPolicy) allowsExtension(fileName string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(fileName), "."))
	if ext == "" {
		return false
	}
	for _, allowed := range p.Extensions {
		if strings.TrimPrefix(strings.ToLower(allowed), ".") == ext {
			return true
		}
	}
	return false
}
