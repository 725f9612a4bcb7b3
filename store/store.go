package store

import (
	"context"
	"strings"
	"sync"

	"github.com/ghiac/questmind/model"
)

// DefaultMaxMessages bounds a thread's history when no limit is configured
const DefaultMaxMessages = 200

// ThreadStore persists conversation threads keyed by thread id.
// Implementations serialize writes per thread; distinct threads never share state.
type ThreadStore interface {
	// Get returns a copy of the thread, creating an empty one when the id is unseen
	Get(ctx context.Context, threadID string) (*model.Thread, error)

	// Append adds msg at the end of the thread, dropping the oldest messages
	// beyond the store's limit. Learnings are never dropped.
	Append(ctx context.Context, threadID string, msg model.Message) error

	// AddLearning stores text unless a learning with the same normalized
	// text already exists; added reports whether it was stored.
	AddLearning(ctx context.Context, threadID string, text string) (added bool, err error)

	Close() error
}

// ThreadLocks hands out one mutex per thread id. An entry lives only while
// some caller holds or waits for it.
type ThreadLocks struct {
	mu    sync.Mutex
	locks map[string]*threadLock
}

type threadLock struct {
	mu   sync.Mutex
	refs int
}

// NewThreadLocks creates an empty lock table
func NewThreadLocks() *ThreadLocks {
	return &ThreadLocks{locks: make(map[string]*threadLock)}
}

// Lock acquires the thread's mutex and returns its unlock function
func (l *ThreadLocks) Lock(threadID string) func() {
	l.mu.Lock()
	tl, ok := l.locks[threadID]
	if !ok {
		tl = &threadLock{}
		l.locks[threadID] = tl
	}
	tl.refs++
	l.mu.Unlock()

	tl.mu.Lock()
	return func() {
		tl.mu.Unlock()
		l.release(threadID, tl)
	}
}

func (l *ThreadLocks) release(threadID string, tl *threadLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tl.refs--
	if tl.refs == 0 {
		delete(l.locks, threadID)
	}
}

// Len returns how many thread ids currently have a live entry
func (l *ThreadLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// cleanLearning trims text and reports whether anything is left to store
func cleanLearning(text string) (string, bool) {
	text = strings.TrimSpace(text)
	return text, model.NormalizeLearning(text) != ""
}

func maxMessagesOrDefault(n int) int {
	if n <= 0 {
		return DefaultMaxMessages
	}
	return n
}
