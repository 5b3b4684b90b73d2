package rpc

import "sync"

// mailbox holds the latest value only. Every value sent downstream is a
// full snapshot, so a slow reader skips to the newest one.
type mailbox[T any] struct {
	mu    sync.Mutex
	v     T
	full  bool
	ready chan struct{}
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{ready: make(chan struct{}, 1)}
}

func (m *mailbox[T]) put(v T) {
	m.mu.Lock()
	m.v, m.full = v, true
	m.mu.Unlock()
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

func (m *mailbox[T]) take() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var zero T
	v, ok := m.v, m.full
	m.v, m.full = zero, false
	return v, ok
}
