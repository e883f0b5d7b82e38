// Package session implements the generic per-key connection table used
// on both sides of the tunnel (spec §4.3): server keyed by
// (peer_identity, client_addr), client keyed by client_addr alone.
package session

import (
	"io"
	"sync"
)

// Entry is one live socket pair tracked by a Table.
type Entry struct {
	Reader io.ReadCloser
	Writer io.Writer
	Closer io.Closer

	mu     sync.Mutex
	closed bool
}

// Close runs the teardown hook exactly once; safe to call concurrently
// and repeatedly (spec §4.3: remove is idempotent).
func (e *Entry) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.Closer != nil {
		return e.Closer.Close()
	}
	return nil
}

// Table is a concurrency-safe key -> *Entry map with at-most-one
// in-flight factory call per key.
type Table[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*Entry
}

// New creates an empty Table.
func New[K comparable]() *Table[K] {
	return &Table[K]{entries: make(map[K]*Entry)}
}

// GetOrCreate returns the existing entry for key, or calls factory to
// build one and installs it. factory runs with the table lock held, so
// at most one concurrent factory call happens per key; factory must not
// itself call back into the table.
func (t *Table[K]) GetOrCreate(key K, factory func() (*Entry, error)) (*Entry, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[key]; ok {
		return e, false, nil
	}
	e, err := factory()
	if err != nil {
		return nil, false, err
	}
	t.entries[key] = e
	return e, true, nil
}

// Get returns the entry for key without creating one.
func (t *Table[K]) Get(key K) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	return e, ok
}

// Remove closes and deletes the entry for key. Idempotent.
func (t *Table[K]) Remove(key K) {
	t.mu.Lock()
	e, ok := t.entries[key]
	if ok {
		delete(t.entries, key)
	}
	t.mu.Unlock()
	if ok {
		e.Close()
	}
}

// Len reports the number of live entries, used to enforce the
// per-peer session cap (spec §9, default 1024).
func (t *Table[K]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// DrainFunc removes and closes every entry for which match returns
// true. Used server-side to tear down all sessions of an evicted peer
// (spec §4.3 "drain(peer)").
func (t *Table[K]) DrainFunc(match func(K) bool) {
	t.mu.Lock()
	var toClose []*Entry
	for k, e := range t.entries {
		if match(k) {
			toClose = append(toClose, e)
			delete(t.entries, k)
		}
	}
	t.mu.Unlock()
	for _, e := range toClose {
		e.Close()
	}
}
