package remoteclient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/neondatabase/pageserver-go/internal/errs"
)

type memObject struct {
	data []byte
	etag string
}

// MemStore is an in-memory Backend used by tests in place of a real
// object store (S3/Azure), matching the original implementation's
// own in-process test remote storage.
type MemStore struct {
	mu      sync.RWMutex
	objects map[string]memObject
}

// NewMemStore creates an empty in-memory backend.
func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string]memObject)}
}

func etagOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

func (m *MemStore) Put(_ context.Context, key string, body io.Reader, size int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return errs.Wrap(errs.KindOther, "memstore: read body", err)
	}
	if int64(len(data)) != size {
		return errs.Wrap(errs.KindCorruption, "memstore: body size mismatch", nil)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memObject{data: data, etag: etagOf(data)}
	return nil
}

func (m *MemStore) Get(_ context.Context, key string, rng *ByteRange, ifNoneMatch string) (*Object, error) {
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, errs.ErrNotFound
	}
	if ifNoneMatch != "" && ifNoneMatch == obj.etag {
		return nil, errs.ErrUnmodified
	}

	data := obj.data
	if rng != nil {
		start := rng.Start
		end := int64(len(data))
		if rng.End != nil && *rng.End < end {
			end = *rng.End
		}
		if start < 0 || start > end {
			return nil, errs.Wrap(errs.KindBadInput, "memstore: invalid range", nil)
		}
		data = data[start:end]
	}

	return &Object{
		Body: io.NopCloser(strings.NewReader(string(data))),
		ETag: obj.etag,
		Size: int64(len(data)),
	}, nil
}

func (m *MemStore) Head(_ context.Context, key string) (Meta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return Meta{}, errs.ErrNotFound
	}
	return Meta{ETag: obj.etag, Size: int64(len(obj.data))}, nil
}

func (m *MemStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemStore) DeleteObjects(_ context.Context, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.objects, k)
	}
	return nil
}

func (m *MemStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Has reports whether key is present, for test assertions.
func (m *MemStore) Has(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok
}
