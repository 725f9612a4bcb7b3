package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ghiac/questmind/model"
)

// runThreadStoreSuite checks the behaviour every ThreadStore must share.
// newStore must return an empty store bounded to maxMessages.
func runThreadStoreSuite(t *testing.T, newStore func(t *testing.T, maxMessages int) ThreadStore) {
	ctx := context.Background()

	t.Run("GetCreatesEmptyThread", func(t *testing.T) {
		s := newStore(t, 10)
		thread, err := s.Get(ctx, "fresh")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if thread.ID != "fresh" {
			t.Errorf("ID = %q, want fresh", thread.ID)
		}
		if len(thread.Messages) != 0 || len(thread.Learnings) != 0 {
			t.Errorf("New thread should be empty, got %d messages %d learnings", len(thread.Messages), len(thread.Learnings))
		}
	})

	t.Run("EmptyIDUsesDefault", func(t *testing.T) {
		s := newStore(t, 10)
		if err := s.Append(ctx, "", model.NewUserMessage("hello", nil)); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		thread, err := s.Get(ctx, model.DefaultThreadID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if len(thread.Messages) != 1 {
			t.Errorf("Default thread should hold the message, got %d", len(thread.Messages))
		}
	})

	t.Run("AppendKeepsOrderAndAttachments", func(t *testing.T) {
		s := newStore(t, 10)
		img := model.Image{Data: []byte{0x89, 'P', 'N', 'G'}, MimeType: "image/png"}
		msgs := []model.Message{
			model.NewUserMessage("first", []model.Image{img}),
			model.NewAgentMessage("second"),
			model.NewUserMessage("third", nil),
		}
		for _, m := range msgs {
			if err := s.Append(ctx, "t1", m); err != nil {
				t.Fatalf("Append failed: %v", err)
			}
		}
		thread, _ := s.Get(ctx, "t1")
		if len(thread.Messages) != 3 {
			t.Fatalf("Expected 3 messages, got %d", len(thread.Messages))
		}
		for i, m := range msgs {
			if thread.Messages[i].ID != m.ID || thread.Messages[i].Text != m.Text || thread.Messages[i].Role != m.Role {
				t.Errorf("Message %d = %+v, want %+v", i, thread.Messages[i], m)
			}
		}
		got := thread.Messages[0].Attachments
		if len(got) != 1 || string(got[0].Data) != string(img.Data) || got[0].MimeType != "image/png" {
			t.Errorf("Attachment not preserved: %+v", got)
		}
	})

	t.Run("TruncatesOldestButKeepsLearnings", func(t *testing.T) {
		s := newStore(t, 3)
		if _, err := s.AddLearning(ctx, "t2", "User prefers mornings"); err != nil {
			t.Fatalf("AddLearning failed: %v", err)
		}
		for i := 0; i < 5; i++ {
			if err := s.Append(ctx, "t2", model.NewUserMessage(fmt.Sprintf("m%d", i), nil)); err != nil {
				t.Fatalf("Append failed: %v", err)
			}
		}
		thread, _ := s.Get(ctx, "t2")
		if len(thread.Messages) != 3 {
			t.Fatalf("Expected 3 messages after truncation, got %d", len(thread.Messages))
		}
		if thread.Messages[0].Text != "m2" || thread.Messages[2].Text != "m4" {
			t.Errorf("Oldest messages should be dropped, got %q..%q", thread.Messages[0].Text, thread.Messages[2].Text)
		}
		if len(thread.Learnings) != 1 {
			t.Errorf("Learnings must survive truncation, got %d", len(thread.Learnings))
		}
	})

	t.Run("AddLearningIsIdempotent", func(t *testing.T) {
		s := newStore(t, 10)
		added, err := s.AddLearning(ctx, "t3", "Likes short replies")
		if err != nil || !added {
			t.Fatalf("First AddLearning = %v, %v", added, err)
		}
		for _, dup := range []string{"likes short replies", "  Likes   SHORT replies. ", "Likes short replies"} {
			added, err := s.AddLearning(ctx, "t3", dup)
			if err != nil {
				t.Fatalf("AddLearning failed: %v", err)
			}
			if added {
				t.Errorf("Duplicate %q should not be added", dup)
			}
		}
		if added, _ := s.AddLearning(ctx, "t3", "   "); added {
			t.Error("Blank learning should not be added")
		}
		if added, _ := s.AddLearning(ctx, "t3", "Works night shifts"); !added {
			t.Error("Distinct learning should be added")
		}
		thread, _ := s.Get(ctx, "t3")
		if len(thread.Learnings) != 2 {
			t.Errorf("Expected 2 learnings, got %d: %+v", len(thread.Learnings), thread.Learnings)
		}
		if thread.Learnings[0].Text != "Likes short replies" {
			t.Errorf("First learning text = %q", thread.Learnings[0].Text)
		}
	})

	t.Run("ThreadsAreIsolated", func(t *testing.T) {
		s := newStore(t, 10)
		s.Append(ctx, "a", model.NewUserMessage("for a", nil))
		s.AddLearning(ctx, "a", "only a knows")
		b, _ := s.Get(ctx, "b")
		if len(b.Messages) != 0 || len(b.Learnings) != 0 {
			t.Errorf("Thread b leaked state from a: %+v", b)
		}
	})

	t.Run("ConcurrentAppendsKeepPerThreadOrder", func(t *testing.T) {
		s := newStore(t, 1000)
		const perThread = 25
		var wg sync.WaitGroup
		for _, id := range []string{"x", "y", "z"} {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				for i := 0; i < perThread; i++ {
					if err := s.Append(ctx, id, model.NewUserMessage(fmt.Sprintf("%s-%d", id, i), nil)); err != nil {
						t.Errorf("Append failed: %v", err)
						return
					}
				}
			}(id)
		}
		wg.Wait()

		for _, id := range []string{"x", "y", "z"} {
			thread, err := s.Get(ctx, id)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if len(thread.Messages) != perThread {
				t.Fatalf("Thread %s has %d messages, want %d", id, len(thread.Messages), perThread)
			}
			for i, m := range thread.Messages {
				if want := fmt.Sprintf("%s-%d", id, i); m.Text != want {
					t.Errorf("Thread %s message %d = %q, want %q", id, i, m.Text, want)
				}
			}
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runThreadStoreSuite(t, func(t *testing.T, maxMessages int) ThreadStore {
		return NewMemoryStore(maxMessages)
	})
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	s := NewMemoryStore(10)
	ctx := context.Background()
	s.Append(ctx, "c", model.NewUserMessage("original", nil))

	thread, _ := s.Get(ctx, "c")
	thread.Messages[0].Text = "mutated"
	thread.Messages = append(thread.Messages, model.NewAgentMessage("sneaky"))

	again, _ := s.Get(ctx, "c")
	if len(again.Messages) != 1 || again.Messages[0].Text != "original" {
		t.Errorf("Store state changed through returned thread: %+v", again.Messages)
	}
}

func TestSQLiteStore(t *testing.T) {
	runThreadStoreSuite(t, func(t *testing.T, maxMessages int) ThreadStore {
		s, err := NewSQLiteStore(":memory:", maxMessages)
		if err != nil {
			t.Fatalf("Failed to create SQLiteStore: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "threads.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(dbPath, 10)
	if err != nil {
		t.Fatalf("Failed to create SQLiteStore: %v", err)
	}
	s.Append(ctx, "p", model.NewUserMessage("remember me", nil))
	s.AddLearning(ctx, "p", "Prefers metric units")
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewSQLiteStore(dbPath, 10)
	if err != nil {
		t.Fatalf("Failed to reopen SQLiteStore: %v", err)
	}
	defer reopened.Close()

	thread, err := reopened.Get(ctx, "p")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(thread.Messages) != 1 || thread.Messages[0].Text != "remember me" {
		t.Errorf("Messages not persisted: %+v", thread.Messages)
	}
	if len(thread.Learnings) != 1 {
		t.Errorf("Learnings not persisted: %+v", thread.Learnings)
	}
	if added, _ := reopened.AddLearning(ctx, "p", "prefers METRIC units"); added {
		t.Error("Dedup should hold across reopen")
	}
}

func TestThreadLocks_SerializesAndEvicts(t *testing.T) {
	locks := NewThreadLocks()

	var (
		wg      sync.WaitGroup
		inside  = make(map[string]int)
		insideM sync.Mutex
		overlap bool
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("thread-%d", i%5)
			unlock := locks.Lock(id)
			defer unlock()

			insideM.Lock()
			inside[id]++
			if inside[id] > 1 {
				overlap = true
			}
			insideM.Unlock()

			insideM.Lock()
			inside[id]--
			insideM.Unlock()
		}(i)
	}
	wg.Wait()

	if overlap {
		t.Error("Two holders of the same thread lock ran at once")
	}
	if n := locks.Len(); n != 0 {
		t.Errorf("Released locks should be evicted, %d entries remain", n)
	}
}

func TestThreadLocks_KeepsEntryWhileHeld(t *testing.T) {
	locks := NewThreadLocks()
	unlockA := locks.Lock("a")
	unlockB := locks.Lock("b")
	if n := locks.Len(); n != 2 {
		t.Fatalf("Len = %d, want 2 while both are held", n)
	}
	unlockA()
	if n := locks.Len(); n != 1 {
		t.Errorf("Len = %d, want 1 after releasing a", n)
	}
	unlockB()
	if n := locks.Len(); n != 0 {
		t.Errorf("Len = %d, want 0 after releasing b", n)
	}
}

func TestMemoryStore_DropsLocksForIdleThreads(t *testing.T) {
	s := NewMemoryStore(10)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("t%d", i)
		if err := s.Append(ctx, id, model.NewUserMessage("hi", nil)); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if _, err := s.AddLearning(ctx, id, "Likes tea"); err != nil {
			t.Fatalf("AddLearning failed: %v", err)
		}
	}
	if n := s.locks.Len(); n != 0 {
		t.Errorf("Lock table should be empty between calls, has %d entries", n)
	}
}
