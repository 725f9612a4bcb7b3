package store

import (
	"context"
	"sync"
	"time"

	"github.com/ghiac/questmind/model"
)

// MemoryStore is an in-memory implementation of ThreadStore.
// Threads live for the lifetime of the process.
type MemoryStore struct {
	threads     map[string]*model.Thread
	mu          sync.RWMutex
	locks       *ThreadLocks
	maxMessages int
}

// NewMemoryStore creates a new in-memory thread store.
// maxMessages <= 0 selects DefaultMaxMessages.
func NewMemoryStore(maxMessages int) *MemoryStore {
	return &MemoryStore{
		threads:     make(map[string]*model.Thread),
		locks:       NewThreadLocks(),
		maxMessages: maxMessagesOrDefault(maxMessages),
	}
}

// thread returns the live thread for id, creating it if needed.
// Callers must hold the thread's lock before touching its contents.
func (s *MemoryStore) thread(id string) *model.Thread {
	s.mu.RLock()
	t, ok := s.threads[id]
	s.mu.RUnlock()
	if ok {
		return t
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok = s.threads[id]; ok {
		return t
	}
	t = model.NewThread(id)
	s.threads[id] = t
	return t
}

// Get retrieves a copy of the thread, creating it when absent
func (s *MemoryStore) Get(ctx context.Context, threadID string) (*model.Thread, error) {
	threadID = model.ResolveThreadID(threadID)
	unlock := s.locks.Lock(threadID)
	defer unlock()

	return s.thread(threadID).Clone(), nil
}

// Append adds a message and trims the oldest beyond the limit
func (s *MemoryStore) Append(ctx context.Context, threadID string, msg model.Message) error {
	threadID = model.ResolveThreadID(threadID)
	unlock := s.locks.Lock(threadID)
	defer unlock()

	t := s.thread(threadID)
	t.Messages = append(t.Messages, msg)
	if over := len(t.Messages) - s.maxMessages; over > 0 {
		t.Messages = append([]model.Message(nil), t.Messages[over:]...)
	}
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// AddLearning stores a learning unless its normalized text is already present
func (s *MemoryStore) AddLearning(ctx context.Context, threadID string, text string) (bool, error) {
	text, ok := cleanLearning(text)
	if !ok {
		return false, nil
	}
	threadID = model.ResolveThreadID(threadID)
	unlock := s.locks.Lock(threadID)
	defer unlock()

	t := s.thread(threadID)
	if t.HasLearning(text) {
		return false, nil
	}
	t.Learnings = append(t.Learnings, model.NewLearning(text))
	t.UpdatedAt = time.Now().UTC()
	return true, nil
}

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error {
	return nil
}
