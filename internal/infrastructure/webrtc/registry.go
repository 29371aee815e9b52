package webrtc

import (
	"sync"
)

// Disconnecter is anything the registry can tear down.
type Disconnecter interface {
	Disconnect()
}

// PeerKey identifies one shared peer connection.
type PeerKey struct {
	RemoteConnectionID string
	StreamID           string
}

type registryEntry[T Disconnecter] struct {
	count int
	peer  T
}

// Registry shares one peer connection per (remote connection, stream) pair
// between every local actor that needs it. Each Acquire must be paired with
// one Release; the last Release disconnects the peer.
type Registry[T Disconnecter] struct {
	mu      sync.Mutex
	entries map[PeerKey]*registryEntry[T]
}

func NewRegistry[T Disconnecter]() *Registry[T] {
	return &Registry[T]{entries: make(map[PeerKey]*registryEntry[T])}
}

// Acquire returns the peer for key, calling create when there is none yet.
func (r *Registry[T]) Acquire(key PeerKey, create func() (T, error)) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok {
		e.count++
		return e.peer, nil
	}

	peer, err := create()
	if err != nil {
		var zero T
		return zero, err
	}
	r.entries[key] = &registryEntry[T]{count: 1, peer: peer}
	return peer, nil
}

// Release drops one reference and disconnects the peer when none remain.
// It reports whether the peer was disconnected.
func (r *Registry[T]) Release(key PeerKey) bool {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return false
	}
	e.count--
	if e.count > 0 {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, key)
	r.mu.Unlock()

	e.peer.Disconnect()
	return true
}

// Get returns the peer for key without taking a reference.
func (r *Registry[T]) Get(key PeerKey) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		var zero T
		return zero, false
	}
	return e.peer, true
}

// Count returns the number of references held on key.
func (r *Registry[T]) Count(key PeerKey) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		return e.count
	}
	return 0
}

// Len returns the number of live peers.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// DisconnectAll tears down every peer regardless of reference counts.
func (r *Registry[T]) DisconnectAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[PeerKey]*registryEntry[T])
	r.mu.Unlock()

	for _, e := range entries {
		e.peer.Disconnect()
	}
}
