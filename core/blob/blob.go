// Package blob stores evidence objects under owner-prefixed keys in a single
// private bucket. Backends: filesystem, S3, MinIO, memory; any of them can be
// wrapped with age encryption at rest.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"time"

	"incidentdesk/core/apperr"
)

var (
	ErrNotFound = errors.New("blob not found")
	// ErrExists is returned by Put when the key is already taken. Objects are
	// never overwritten.
	ErrExists = errors.New("blob already exists")
)

type Object struct {
	Key         string
	Size        int64
	ContentType string
	ModTime     time.Time
}

// Opener returns the object content from its first byte. It may be called
// once per upload attempt.
type Opener func() (io.ReadCloser, error)

// BytesOpener serves data held in memory.
func BytesOpener(data []byte) Opener {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
}

type Store interface {
	// Put creates the object at key, failing with ErrExists when it is taken.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, *Object, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]Object, error)
}

// BuildKey returns "<owner>/<incident>/<unix millis>.<ext>".
func BuildKey(ownerID, incidentID string, at time.Time, fileName, contentType string) string {
	return fmt.Sprintf("%s/%s/%d.%s", ownerID, incidentID, at.UnixMilli(), extensionFor(fileName, contentType))
}

func extensionFor(fileName, contentType string) string {
	ext := strings.TrimPrefix(path.Ext(strings.TrimSpace(fileName)), ".")
	if ext != "" && isSafeExt(ext) {
		return ext
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return strings.TrimPrefix(exts[0], ".")
	}
	return "bin"
}

func isSafeExt(ext string) bool {
	if len(ext) > 10 {
		return false
	}
	for _, r := range ext {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// ValidKey rejects keys that could escape the bucket layout.
func ValidKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return false
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}

// NormalizeContentType lowercases and strips parameters.
func NormalizeContentType(ct string) string {
	ct = strings.TrimSpace(ct)
	if mediaType, _, err := mime.ParseMediaType(ct); err == nil {
		return strings.ToLower(mediaType)
	}
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

type Validator struct {
	maxBytes int64
	allowed  map[string]struct{}
}

func NewValidator(maxBytes int64, allowed []string) *Validator {
	v := &Validator{maxBytes: maxBytes, allowed: map[string]struct{}{}}
	for _, ct := range allowed {
		v.allowed[NormalizeContentType(ct)] = struct{}{}
	}
	return v
}

func (v *Validator) MaxBytes() int64 {
	return v.maxBytes
}

func (v *Validator) Validate(contentType string, size int64) error {
	ct := NormalizeContentType(contentType)
	if _, ok := v.allowed[ct]; !ok {
		return apperr.Invalid("file_type", fmt.Sprintf("content type %q not allowed", ct))
	}
	if size <= 0 {
		return apperr.Invalid("file_size", "empty file")
	}
	if v.maxBytes > 0 && size > v.maxBytes {
		return apperr.Invalid("file_size", fmt.Sprintf("exceeds %d bytes", v.maxBytes))
	}
	return nil
}
