// Package background runs long-lived maintenance loops with explicit
// lifecycle and crash recovery. Loops that panic are restarted with
// backoff instead of taking the process down.
package background

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Loop is a named periodic task. Run is called once per tick and must
// honor the context deadline.
type Loop struct {
	Name     string
	Interval time.Duration
	// Timeout bounds a single Run invocation. Zero means the interval.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Supervisor owns a set of loops. Start launches them; Stop cancels and
// waits for all of them to exit.
type Supervisor struct {
	logger *slog.Logger
	loops  []Loop

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewSupervisor creates a supervisor.
func NewSupervisor(logger *slog.Logger) *Supervisor {
	return &Supervisor{logger: logger}
}

// Add registers a loop. Must be called before Start.
func (s *Supervisor) Add(loop Loop) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loops = append(s.loops, loop)
}

// Start launches all registered loops.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, loop := range s.loops {
		s.wg.Add(1)
		go s.supervise(ctx, loop)
	}
}

// Stop cancels all loops and waits for them to exit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Supervisor) supervise(ctx context.Context, loop Loop) {
	defer s.wg.Done()

	ticker := time.NewTicker(loop.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, loop)
		}
	}
}

// runOnce executes a single tick, converting panics into logged restarts.
func (s *Supervisor) runOnce(ctx context.Context, loop Loop) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("background loop panicked, will retry next tick",
				"loop", loop.Name, "panic", r)
		}
	}()

	timeout := loop.Timeout
	if timeout <= 0 {
		timeout = loop.Interval
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := loop.Run(runCtx); err != nil {
		s.logger.Warn("background loop iteration failed",
			"loop", loop.Name, "error", err)
	}
}
