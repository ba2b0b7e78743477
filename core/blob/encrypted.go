package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
)

const ciphertextContentType = "application/octet-stream"

// Encrypted wraps a Store with age X25519 encryption. Listing and deletes pass
// through; object content never reaches the backend in plaintext.
type Encrypted struct {
	inner     Store
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// NewEncrypted accepts an AGE-SECRET-KEY string or a path to a file holding one.
func NewEncrypted(inner Store, identitySource string) (*Encrypted, error) {
	text := strings.TrimSpace(identitySource)
	if !strings.HasPrefix(text, "AGE-SECRET-KEY-") {
		data, err := os.ReadFile(text)
		if err != nil {
			return nil, fmt.Errorf("read age identity: %w", err)
		}
		text = string(data)
	}
	ids, err := age.ParseIdentities(strings.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("parse age identity: %w", err)
	}
	for _, id := range ids {
		if x, ok := id.(*age.X25519Identity); ok {
			return &Encrypted{inner: inner, identity: x, recipient: x.Recipient()}, nil
		}
	}
	return nil, fmt.Errorf("no X25519 identity found")
}

func (e *Encrypted) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, e.recipient)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	n, err := io.Copy(w, r)
	if err != nil {
		return fmt.Errorf("encrypting data: %w", err)
	}
	if size >= 0 && n != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, n)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing encryption: %w", err)
	}
	return e.inner.Put(ctx, key, &buf, int64(buf.Len()), ciphertextContentType)
}

func (e *Encrypted) Get(ctx context.Context, key string) (io.ReadCloser, *Object, error) {
	rc, obj, err := e.inner.Get(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	plain, err := age.Decrypt(rc, e.identity)
	if err != nil {
		rc.Close()
		return nil, nil, fmt.Errorf("decrypting %s: %w", key, err)
	}
	out := *obj
	out.Size = -1
	out.ContentType = ""
	return &readCloser{Reader: plain, closer: rc}, &out, nil
}

func (e *Encrypted) Delete(ctx context.Context, key string) error {
	return e.inner.Delete(ctx, key)
}

func (e *Encrypted) List(ctx context.Context, prefix string) ([]Object, error) {
	return e.inner.List(ctx, prefix)
}

type readCloser struct {
	io.Reader
	closer io.Closer
}

func (r *readCloser) Close() error {
	return r.closer.Close()
}
