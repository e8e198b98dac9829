package api

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"botbridge/internal/storage"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const uploadURLTTL = 24 * time.Hour

// putFile stores media uploaded by the gateway so it can be handed to the
// bot provider as an attachment.
func (d Dependencies) putFile(w http.ResponseWriter, r *http.Request) {
	name, err := storage.CleanObjectName(chi.URLParam(r, "*"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid object name", d.Log)
		return
	}

	contentType := r.Header.Get("Content-Type")
	policy := storage.DefaultMediaPolicy
	if err := policy.Validate(name, contentType, max(r.ContentLength, 0)); err != nil {
		WriteError(w, http.StatusBadRequest, "policy_violation", err.Error(), d.Log)
		return
	}

	body := http.MaxBytesReader(w, r.Body, int64(policy.MaxFileMB*1024*1024))
	size, err := d.Files.Put(r.Context(), name, body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, http.StatusRequestEntityTooLarge, "policy_violation", "File too large", d.Log)
			return
		}
		d.Log.Error("Failed to store file", zap.String("object", name), zap.Error(err))
		WriteError(w, http.StatusInternalServerError, "storage_failed", "Failed to store file", d.Log)
		return
	}

	getURL, err := d.Files.PresignGet(r.Context(), name, uploadURLTTL)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "url_generation_failed", "Failed to generate URL", d.Log)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"objectName": name,
		"size":       size,
		"getUrl":     getURL,
	})
}

// getFile serves media behind a signed URL
func (d Dependencies) getFile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")
	q := r.URL.Query()
	if err := d.Files.Verify(name, q.Get("expires"), q.Get("sig")); err != nil {
		WriteError(w, http.StatusForbidden, "forbidden", "Invalid or expired link", d.Log)
		return
	}

	rc, err := d.Files.Get(r.Context(), name)
	if err != nil {
		WriteError(w, http.StatusNotFound, "not_found", "File not found", d.Log)
		return
	}
	defer rc.Close()

	if ct := mime.TypeByExtension(strings.ToLower(path.Ext(name))); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		d.Log.Debug("File download interrupted", zap.String("object", name), zap.Error(err))
	}
}
