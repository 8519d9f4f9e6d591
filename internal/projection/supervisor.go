package projection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felixgeelhaar/fortify/retry"

	"github.com/PratikDhanave/event-projection-service/internal/metrics"
)

// Runner is a single-use ingestion loop. *Loop[T] implements it.
type Runner interface {
	Status
	Run(ctx context.Context) error
	Stop()
}

// Factory builds a fresh Runner for each attempt.
type Factory func() (Runner, error)

// SupervisorConfig controls restart backoff.
type SupervisorConfig struct {
	Name         string
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Logger       *slog.Logger
}

// Supervisor recreates a loop that failed with a transport or store error,
// backing off exponentially between attempts. A clean stop ends supervision.
type Supervisor struct {
	name         string
	factory      Factory
	initialDelay time.Duration
	retrier      retry.Retry[struct{}]
	logger       *slog.Logger

	mu      sync.Mutex
	current Runner
	stopped bool
	cancel  context.CancelFunc

	started atomic.Bool
}

func NewSupervisor(cfg SupervisorConfig, factory Factory) *Supervisor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Supervisor{
		name:         cfg.Name,
		factory:      factory,
		initialDelay: cfg.InitialDelay,
		logger:       logger.With("projection", cfg.Name),
		retrier: retry.New[struct{}](retry.Config{
			MaxAttempts:   cfg.MaxAttempts,
			InitialDelay:  cfg.InitialDelay,
			MaxDelay:      cfg.MaxDelay,
			BackoffPolicy: retry.BackoffExponential,
			Multiplier:    2.0,
			Jitter:        true,
			IsRetryable:   isRestartable,
		}),
	}
}

func isRestartable(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrBackingStore)
}

// Run blocks until a loop stops cleanly, attempts are exhausted, or a
// non-restartable error occurs. It returns the last loop error. The attempt
// budget covers consecutive failures: a loop that reached RUNNING before
// failing starts a fresh budget.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.cancel = cancel
	s.mu.Unlock()

	var (
		attempt int
		lastErr error
	)
	for {
		recovered := false
		_, err := s.retrier.Do(ctx, func(ctx context.Context) (struct{}, error) {
			s.mu.Lock()
			if s.stopped {
				s.mu.Unlock()
				return struct{}{}, nil
			}
			attempt++
			if attempt > 1 {
				metrics.RestartsTotal.WithLabelValues(s.name).Inc()
				s.logger.Warn("recreating failed projection loop", "attempt", attempt, "error", lastErr)
			}
			r, err := s.factory()
			if err != nil {
				s.mu.Unlock()
				lastErr = err
				return struct{}{}, err
			}
			s.current = r
			s.mu.Unlock()

			lastErr = r.Run(ctx)
			if r.Started() {
				s.started.Store(true)
				if lastErr != nil && isRestartable(lastErr) {
					recovered = true
					return struct{}{}, nil
				}
			}
			return struct{}{}, lastErr
		})

		switch {
		case ctx.Err() != nil:
			return nil
		case recovered:
			if !s.pause(ctx) {
				return nil
			}
			continue
		case err == nil:
			return nil
		case lastErr != nil:
			return lastErr
		default:
			return err
		}
	}
}

// pause waits the initial backoff before a fresh budget starts.
func (s *Supervisor) pause(ctx context.Context) bool {
	t := time.NewTimer(s.initialDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Stop stops the current loop and prevents further attempts.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
	}
	if s.current != nil {
		s.current.Stop()
	}
}

func (s *Supervisor) runner() Runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Started is sticky across attempts.
func (s *Supervisor) Started() bool {
	if s.started.Load() {
		return true
	}
	r := s.runner()
	return r != nil && r.Started()
}

func (s *Supervisor) Running() bool {
	r := s.runner()
	return r != nil && r.Running()
}

func (s *Supervisor) CaughtUp() bool {
	r := s.runner()
	return r != nil && r.CaughtUp()
}
