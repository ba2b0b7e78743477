package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"incidentdesk/config"
	"incidentdesk/core/apperr"
	"incidentdesk/core/utils"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildKey(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	assert.Equal(t, "u1/i1/1700000000123.PNG", BuildKey("u1", "i1", at, "Photo.PNG", "image/png"))
	assert.Equal(t, "u1/i1/1700000000123.png", BuildKey("u1", "i1", at, "photo.png", "image/png"))
	assert.Equal(t, "u1/i1/1700000000123.pdf", BuildKey("u1", "i1", at, "report", "application/pdf"))
	assert.Equal(t, "u1/i1/1700000000123.bin", BuildKey("u1", "i1", at, "x.../..", "application/x-unknown-thing"))
}

func TestValidKey(t *testing.T) {
	assert.True(t, ValidKey("a/b/c.png"))
	for _, k := range []string{"", "/a/b", "a/../b", "a//b", "a\\b", "./a"} {
		assert.False(t, ValidKey(k), k)
	}
}

func TestValidator(t *testing.T) {
	v := NewValidator(10, config.DefaultEvidenceTypes)
	assert.NoError(t, v.Validate("image/png", 5))
	assert.NoError(t, v.Validate("Text/Plain; charset=utf-8", 5))
	assert.True(t, apperr.IsValidation(v.Validate("application/x-msdownload", 5)))
	assert.True(t, apperr.IsValidation(v.Validate("image/png", 11)))
	assert.True(t, apperr.IsValidation(v.Validate("image/png", 0)))
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "owner/inc/1.txt", strings.NewReader("hello"), 5, "text/plain"))
	require.NoError(t, s.Put(ctx, "other/inc/2.txt", strings.NewReader("bye"), 3, "text/plain"))
	err := s.Put(ctx, "owner/inc/1.txt", strings.NewReader("later"), 5, "text/plain")
	assert.ErrorIs(t, err, ErrExists)

	rc, obj, err := s.Get(ctx, "owner/inc/1.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data), "a taken key keeps its first object")
	assert.Equal(t, "owner/inc/1.txt", obj.Key)

	items, err := s.List(ctx, "owner/")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "owner/inc/1.txt", items[0].Key)

	require.NoError(t, s.Delete(ctx, "owner/inc/1.txt"))
	_, _, err = s.Get(ctx, "owner/inc/1.txt")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Error(t, s.Put(ctx, "../escape", strings.NewReader("x"), 1, "text/plain"))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestFileSystemStore(t *testing.T) {
	s, err := NewFileSystemStore(t.TempDir(), "incident-evidence")
	require.NoError(t, err)
	exerciseStore(t, s)
}

func TestFileSystemSizeMismatch(t *testing.T) {
	s, err := NewFileSystemStore(t.TempDir(), "b")
	require.NoError(t, err)
	err = s.Put(context.Background(), "a/b/c.txt", strings.NewReader("abc"), 10, "text/plain")
	assert.Error(t, err)
	items, err := s.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestEncryptedStore(t *testing.T) {
	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	inner := NewMemoryStore()
	enc, err := NewEncrypted(inner, id.String())
	require.NoError(t, err)
	exerciseStore(t, enc)

	ctx := context.Background()
	require.NoError(t, enc.Put(ctx, "o/i/3.txt", strings.NewReader("secret"), 6, "text/plain"))
	rc, _, err := inner.Get(ctx, "o/i/3.txt")
	require.NoError(t, err)
	raw, _ := io.ReadAll(rc)
	assert.False(t, bytes.Contains(raw, []byte("secret")), "backend must hold ciphertext")
}

func TestPutWithRetry(t *testing.T) {
	s := NewMemoryStore()
	failures := 2
	s.FailPut = func(string) error {
		if failures > 0 {
			failures--
			return errors.New("transient")
		}
		return nil
	}
	attempts, err := PutWithRetry(context.Background(), s, "a/b/1.txt", BytesOpener([]byte("x")), 1, "text/plain", RetryPolicy{Retries: 2, Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)

	s.FailPut = func(string) error { return errors.New("down") }
	attempts, err = PutWithRetry(context.Background(), s, "a/b/2.txt", BytesOpener([]byte("x")), 1, "text/plain", RetryPolicy{Retries: 1})
	assert.Error(t, err)
	assert.Equal(t, 2, attempts)
}

func TestPutWithRetryReopensAndStopsOnTakenKey(t *testing.T) {
	s := NewMemoryStore()
	opened := 0
	open := func() (io.ReadCloser, error) {
		opened++
		return io.NopCloser(strings.NewReader("xy")), nil
	}
	failed := false
	s.FailPut = func(string) error {
		if !failed {
			failed = true
			return errors.New("transient")
		}
		return nil
	}
	_, err := PutWithRetry(context.Background(), s, "a/b/1.txt", open, 2, "text/plain", RetryPolicy{Retries: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, opened, "each attempt reopens the content")

	attempts, err := PutWithRetry(context.Background(), s, "a/b/1.txt", open, 2, "text/plain", RetryPolicy{Retries: 2})
	assert.ErrorIs(t, err, ErrExists)
	assert.Equal(t, 1, attempts)
}

func TestPutWithRetryStopsOnCancel(t *testing.T) {
	s := NewMemoryStore()
	s.FailPut = func(string) error { return errors.New("down") }
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := PutWithRetry(ctx, s, "a/b/1.txt", BytesOpener([]byte("x")), 1, "text/plain", RetryPolicy{Retries: 3, Backoff: time.Millisecond})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewFromConfig(t *testing.T) {
	s, err := NewFromConfig(context.Background(), config.EvidenceConfig{Backend: "filesystem", StorageDir: t.TempDir(), Bucket: "b"}, utils.NewNopLogger())
	require.NoError(t, err)
	_, ok := s.(*FileSystemStore)
	assert.True(t, ok)
	_, err = NewFromConfig(context.Background(), config.EvidenceConfig{Backend: "tape"}, nil)
	assert.Error(t, err)
}
