package session

import (
	"context"
	"sync"
)

// Store maps session identifiers to their ordered message history.
//
// Implementations are safe for concurrent use across identifiers. Appends
// to a single identifier from concurrent callers land in whatever order the
// callers reach the store.
type Store interface {
	// Get returns a copy of the history for id, creating an empty one if
	// the id is unknown.
	Get(ctx context.Context, id string) ([]Message, error)

	// Append adds msg to the end of the history for id.
	Append(ctx context.Context, id string, msg Message) error

	// Clear empties the history for id in place. The id stays known.
	Clear(ctx context.Context, id string) error

	// Delete forgets id and its history. Unknown ids are ignored.
	Delete(ctx context.Context, id string) error

	// Close releases the store. The store must not be used afterwards.
	Close() error
}

// StoreOption configures a store
type StoreOption func(*storeOptions)

type storeOptions struct {
	maxMessages int
}

// WithMaxMessages bounds each history to the newest n messages.
// Zero, the default, leaves histories unbounded.
func WithMaxMessages(n int) StoreOption {
	return func(o *storeOptions) {
		if n > 0 {
			o.maxMessages = n
		}
	}
}

func applyOptions(opts []StoreOption) storeOptions {
	var o storeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// MemoryStore keeps histories in a process-local map
type MemoryStore struct {
	mu          sync.RWMutex
	histories   map[string][]Message
	maxMessages int
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(opts ...StoreOption) *MemoryStore {
	o := applyOptions(opts)
	return &MemoryStore{
		histories:   make(map[string][]Message),
		maxMessages: o.maxMessages,
	}
}

// Get returns a copy of the history for id
func (s *MemoryStore) Get(_ context.Context, id string) ([]Message, error) {
	s.mu.RLock()
	history, ok := s.histories[id]
	if ok {
		out := make([]Message, len(history))
		copy(out, history)
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.histories[id]; !ok {
		s.histories[id] = []Message{}
	}
	out := make([]Message, len(s.histories[id]))
	copy(out, s.histories[id])
	return out, nil
}

// Append adds a message to the history for id
func (s *MemoryStore) Append(_ context.Context, id string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := append(s.histories[id], msg)
	if s.maxMessages > 0 && len(history) > s.maxMessages {
		history = append([]Message(nil), history[len(history)-s.maxMessages:]...)
	}
	s.histories[id] = history
	return nil
}

// Clear empties the history for id without forgetting the id
func (s *MemoryStore) Clear(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.histories[id] = []Message{}
	return nil
}

// Delete forgets id entirely
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.histories, id)
	return nil
}

// Len reports how many session ids the store knows about
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.histories)
}

// Close drops every history
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.histories = make(map[string][]Message)
	return nil
}
