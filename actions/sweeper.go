package actions

import (
	"context"
	"sync"
	"time"

	"github.com/ghiac/questmind/log"
)

// Sweeper periodically drops proposals nobody confirmed in time
type Sweeper struct {
	executor *Executor
	interval time.Duration
	stopChan chan struct{}
	done     chan struct{}
	running  bool
	mu       sync.Mutex
}

// NewSweeper creates a sweeper; interval defaults to one minute
func NewSweeper(executor *Executor, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		executor: executor,
		interval: interval,
	}
}

// Start runs the sweep loop in a background goroutine
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		log.Log.Warnf("[Sweeper] ⚠️  Sweeper is already running")
		return
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(ctx, s.stopChan, s.done)
}

// Stop stops the loop and waits for it to exit
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	done := s.done
	s.mu.Unlock()

	<-done
}

func (s *Sweeper) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.executor.PruneExpired(); n > 0 {
				log.Log.Infof("[Sweeper] 🧹 Dropped %d expired proposals", n)
			}
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}
