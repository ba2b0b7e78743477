package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	data        []byte
	contentType string
	modTime     time.Time
}

// MemoryStore keeps objects in a map. Safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryEntry
	// FailPut, when set, is consulted before each Put.
	FailPut func(key string) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: map[string]memoryEntry{}}
}

func (m *MemoryStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	if !ValidKey(key) {
		return fmt.Errorf("invalid key %q", key)
	}
	if m.FailPut != nil {
		if err := m.FailPut(key); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read content: %w", err)
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.objects[key]; taken {
		return ErrExists
	}
	m.objects[key] = memoryEntry{data: data, contentType: contentType, modTime: time.Now().UTC()}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, *Object, error) {
	m.mu.RLock()
	e, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, ErrNotFound
	}
	obj := &Object{Key: key, Size: int64(len(e.data)), ContentType: e.contentType, ModTime: e.modTime}
	return io.NopCloser(bytes.NewReader(e.data)), obj, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) List(ctx context.Context, prefix string) ([]Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Object
	for k, e := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, Object{Key: k, Size: int64(len(e.data)), ContentType: e.contentType, ModTime: e.modTime})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// SetModTime backdates an object; used by maintenance tests.
func (m *MemoryStore) SetModTime(key string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.objects[key]; ok {
		e.modTime = t
		m.objects[key] = e
	}
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
