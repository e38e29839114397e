package blob

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

type memoryObject struct {
	body        []byte
	contentType string
	metadata    map[string]string
}

// MemoryStore is a mutex-guarded in-memory Store. It backs the test suite
// and the development fallback when no bucket is configured. Listing is
// deterministic: lexicographic key order, cursors resume strictly after the
// last returned entry.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]memoryObject
}

// NewMemoryStore creates an empty in-memory object store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

func (m *MemoryStore) Put(_ context.Context, key string, body io.Reader, _ int64, contentType string, metadata map[string]string) (int64, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return 0, fmt.Errorf("failed to read body for %q: %w", key, err)
	}

	copied := make(map[string]string, len(metadata))
	for k, v := range metadata {
		copied[strings.ToLower(k)] = v
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memoryObject{body: data, contentType: contentType, metadata: copied}
	return int64(len(data)), nil
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, nil, fmt.Errorf("%q: %w", key, ErrNotExist)
	}
	body := make([]byte, len(obj.body))
	copy(body, obj.body)
	return body, copyMetadata(obj.metadata), nil
}

func (m *MemoryStore) Head(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%q: %w", key, ErrNotExist)
	}
	return copyMetadata(obj.metadata), nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemoryStore) List(_ context.Context, in ListInput) (*ListOutput, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = 1000
	}

	m.mu.Lock()
	entries := make([]string, 0, len(m.objects))
	isPrefix := make(map[string]bool)
	seen := make(map[string]bool)
	for key := range m.objects {
		if !strings.HasPrefix(key, in.Prefix) {
			continue
		}
		entry := key
		if in.Delimiter != "" {
			rest := key[len(in.Prefix):]
			if i := strings.Index(rest, in.Delimiter); i >= 0 {
				entry = in.Prefix + rest[:i+len(in.Delimiter)]
				isPrefix[entry] = true
			}
		}
		if !seen[entry] {
			seen[entry] = true
			entries = append(entries, entry)
		}
	}
	m.mu.Unlock()

	sort.Strings(entries)

	out := &ListOutput{}
	for _, entry := range entries {
		if in.Cursor != "" && entry <= in.Cursor {
			continue
		}
		if int32(len(out.Keys)+len(out.CommonPrefixes)) >= limit {
			out.Cursor = lastEntry(out)
			break
		}
		if isPrefix[entry] {
			out.CommonPrefixes = append(out.CommonPrefixes, entry)
		} else {
			out.Keys = append(out.Keys, entry)
		}
	}
	return out, nil
}

func lastEntry(out *ListOutput) string {
	last := ""
	if n := len(out.Keys); n > 0 {
		last = out.Keys[n-1]
	}
	if n := len(out.CommonPrefixes); n > 0 && out.CommonPrefixes[n-1] > last {
		last = out.CommonPrefixes[n-1]
	}
	return last
}

func copyMetadata(metadata map[string]string) map[string]string {
	copied := make(map[string]string, len(metadata))
	for k, v := range metadata {
		copied[k] = v
	}
	return copied
}
