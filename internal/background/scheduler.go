// Package background stands in for the platform's background-execution
// facility: periodic wake-ups and app-foreground notifications.
package background

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultMinInterval mirrors the floor mobile platforms impose on background fetch.
const DefaultMinInterval = 15 * time.Second

// Task is invoked on each periodic wake-up or foreground event
type Task func(ctx context.Context)

// Scheduler invokes registered tasks roughly every MinInterval. The interval
// is advisory: a slow task delays the next tick rather than overlapping it.
type Scheduler struct {
	MinInterval time.Duration

	logger *slog.Logger

	mu         sync.Mutex
	nextID     int
	periodic   map[int]Task
	foreground map[int]Task
}

// NewScheduler creates a scheduler. interval <= 0 uses DefaultMinInterval.
func NewScheduler(interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultMinInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		MinInterval: interval,
		logger:      logger,
		periodic:    make(map[int]Task),
		foreground:  make(map[int]Task),
	}
}

// Register adds a periodic task and returns its unregister handle.
func (s *Scheduler) Register(task Task) (unregister func()) {
	return s.add(s.periodic, task)
}

// OnForeground adds a foreground listener and returns its unregister handle.
func (s *Scheduler) OnForeground(task Task) (unregister func()) {
	return s.add(s.foreground, task)
}

// Foreground signals that the app came to the foreground.
func (s *Scheduler) Foreground(ctx context.Context) {
	s.logger.Debug("app foregrounded")
	for _, task := range s.snapshot(s.foreground) {
		task(ctx)
	}
}

// Tick runs every periodic task once
func (s *Scheduler) Tick(ctx context.Context) {
	for _, task := range s.snapshot(s.periodic) {
		task(ctx)
	}
}

// Run ticks every MinInterval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.MinInterval)
	defer ticker.Stop()

	s.logger.Info("background scheduler started", "interval", s.MinInterval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("background scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Registered returns the number of periodic and foreground tasks
func (s *Scheduler) Registered() (periodic, foreground int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.periodic), len(s.foreground)
}

func (s *Scheduler) add(set map[int]Task, task Task) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	set[id] = task
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(set, id)
			s.mu.Unlock()
		})
	}
}

func (s *Scheduler) snapshot(set map[int]Task) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := make([]Task, 0, len(set))
	for _, t := range set {
		tasks = append(tasks, t)
	}
	return tasks
}
