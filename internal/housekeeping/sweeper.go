package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/shellgate/internal/events"
	"github.com/mattjoyce/shellgate/internal/queue"
)

// Sweeper evicts expired job records, at most one per tick. Result files on
// disk are left alone.
type Sweeper struct {
	store     JobStore
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	events    *events.Hub
	logger    *slog.Logger
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// New creates a new Sweeper.
func New(store JobStore, retention, interval time.Duration, hub *events.Hub, logger *slog.Logger, opts ...Option) *Sweeper {
	if hub == nil {
		hub = events.NewHub(128)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{
		store:     store,
		retention: retention,
		interval:  interval,
		now:       time.Now,
		events:    hub,
		logger:    logger.With("component", "housekeeping"),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the sweep loop in the background. Call Stop to end it.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("Starting housekeeping", "interval", s.interval, "retention", s.retention)
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop ends the sweep loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.logger.Info("Housekeeping stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("Sweep failed", "error", err)
			}
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// SweepOnce deletes the oldest job created strictly before now minus the
// retention window. It reports whether a job was deleted.
func (s *Sweeper) SweepOnce(ctx context.Context) (bool, error) {
	cutoff := s.now().Add(-s.retention)

	job, err := s.store.OldestCreatedBefore(ctx, cutoff)
	if err != nil {
		return false, fmt.Errorf("find expired job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := s.store.Delete(ctx, job.ID); err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("delete job %s: %w", job.ID, err)
	}

	s.logger.Info("Evicted expired job", "job_id", job.ID, "status", job.Status, "created_at", job.CreatedAt)
	s.events.Publish(events.JobEvicted, events.JobEvent{JobID: job.ID, Status: string(job.Status)})
	return true, nil
}
