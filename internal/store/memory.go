package store

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"

	ordererrors "github.com/abgdnv/farmorders/internal/errors"
	"github.com/google/uuid"
)

// MemoryTree implements Tree in process memory. It is used for local runs and tests.
type MemoryTree struct {
	mu       sync.RWMutex
	nodes    map[string][]byte
	watchers map[string]map[*memoryWatcher]struct{}
}

type memoryWatcher struct {
	ch chan map[string][]byte
}

// NewMemoryTree creates an empty MemoryTree.
func NewMemoryTree() *MemoryTree {
	return &MemoryTree{
		nodes:    make(map[string][]byte),
		watchers: make(map[string]map[*memoryWatcher]struct{}),
	}
}

func (m *MemoryTree) Read(_ context.Context, path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.nodes[path]
	if !ok {
		return nil, ordererrors.ErrNodeNotFound
	}
	return clone(v), nil
}

func (m *MemoryTree) ReadChildren(_ context.Context, path string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.children(path), nil
}

func (m *MemoryTree) ListKeys(_ context.Context, path string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	prefix := path + "/"
	for p := range m.nodes {
		rest, ok := strings.CutPrefix(p, prefix)
		if !ok {
			continue
		}
		key, _, _ := strings.Cut(rest, "/")
		seen[key] = struct{}{}
	}
	return slices.Sorted(maps.Keys(seen)), nil
}

func (m *MemoryTree) Write(_ context.Context, path string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[path] = clone(value)
	parent, _ := split(path)
	m.notify(parent)
	return nil
}

func (m *MemoryTree) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	parents := make(map[string]struct{})
	prefix := path + "/"
	for p := range m.nodes {
		if p == path || strings.HasPrefix(p, prefix) {
			delete(m.nodes, p)
			parent, _ := split(p)
			parents[parent] = struct{}{}
		}
	}
	for parent := range parents {
		m.notify(parent)
	}
	return nil
}

func (m *MemoryTree) WatchChildren(ctx context.Context, path string) (<-chan map[string][]byte, error) {
	w := &memoryWatcher{ch: make(chan map[string][]byte, 1)}

	m.mu.Lock()
	if m.watchers[path] == nil {
		m.watchers[path] = make(map[*memoryWatcher]struct{})
	}
	m.watchers[path][w] = struct{}{}
	w.ch <- m.children(path)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.watchers[path], w)
		if len(m.watchers[path]) == 0 {
			delete(m.watchers, path)
		}
		close(w.ch)
	}()
	return w.ch, nil
}

func (m *MemoryTree) NewKey() string {
	return uuid.Must(uuid.NewV7()).String()
}

// children must be called with mu held.
func (m *MemoryTree) children(path string) map[string][]byte {
	out := make(map[string][]byte)
	prefix := path + "/"
	for p, v := range m.nodes {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		key := p[len(prefix):]
		if strings.Contains(key, "/") {
			continue
		}
		out[key] = clone(v)
	}
	return out
}

// notify pushes the latest snapshot of path to its watchers, replacing an unread one.
// It must be called with mu held for writing.
func (m *MemoryTree) notify(path string) {
	ws := m.watchers[path]
	if len(ws) == 0 {
		return
	}
	for w := range ws {
		select {
		case <-w.ch:
		default:
		}
		w.ch <- m.children(path)
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
