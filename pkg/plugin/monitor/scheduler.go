package monitor

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Scheduler runs periodic tasks. The returned cancel stops the task and
// waits for an in-flight run to finish.
type Scheduler interface {
	Every(interval time.Duration, fn func(ctx context.Context)) (cancel func())
}

// TickerScheduler runs each task on its own ticker goroutine, so runs of
// one task never overlap.
type TickerScheduler struct{}

// Every implements Scheduler.
func (TickerScheduler) Every(interval time.Duration, fn func(ctx context.Context)) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// ManualScheduler fires tasks only when Tick is called.
type ManualScheduler struct {
	mu     sync.Mutex
	nextID int
	tasks  map[int]manualTask
}

type manualTask struct {
	interval time.Duration
	fn       func(ctx context.Context)
}

// NewManualScheduler returns an empty manual scheduler.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{tasks: make(map[int]manualTask)}
}

// Every implements Scheduler.
func (s *ManualScheduler) Every(interval time.Duration, fn func(ctx context.Context)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.tasks[id] = manualTask{interval: interval, fn: fn}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.tasks, id)
		s.mu.Unlock()
	}
}

// Tick runs every registered task once, in registration order.
func (s *ManualScheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	ids := make([]int, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	slices.Sort(ids)
	for _, id := range ids {
		s.mu.Lock()
		task, ok := s.tasks[id]
		s.mu.Unlock()
		if ok {
			task.fn(ctx)
		}
	}
}

// Active returns the number of registered tasks.
func (s *ManualScheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}
