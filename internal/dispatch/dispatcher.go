package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/shellgate/internal/command"
	"github.com/mattjoyce/shellgate/internal/config"
	"github.com/mattjoyce/shellgate/internal/events"
	"github.com/mattjoyce/shellgate/internal/log"
	"github.com/mattjoyce/shellgate/internal/process"
	"github.com/mattjoyce/shellgate/internal/queue"
)

const (
	// InterruptedMessage is appended to jobs found IN_PROGRESS at startup.
	InterruptedMessage = "interrupted: scheduler restarted while job was running"

	// completionTimeout bounds the final store writes for a job, which run
	// even when the dispatch context has been cancelled.
	completionTimeout = 5 * time.Second
)

// Dispatcher claims NEW jobs one per tick and runs them.
type Dispatcher struct {
	cfg      *config.Config
	store    JobStore
	registry *command.Registry
	layout   Layout
	runner   Runner
	events   *events.Hub
	logger   *slog.Logger
}

// New creates a new Dispatcher.
func New(cfg *config.Config, store JobStore, reg *command.Registry, layout Layout, runner Runner, hub *events.Hub, logger *slog.Logger) *Dispatcher {
	if hub == nil {
		hub = events.NewHub(128)
	}
	if logger == nil {
		logger = log.Get()
	}
	return &Dispatcher{
		cfg:      cfg,
		store:    store,
		registry: reg,
		layout:   layout,
		runner:   runner,
		events:   hub,
		logger:   logger.With("component", "dispatch"),
	}
}

// Start recovers orphaned jobs, then runs the dispatch loop until ctx is
// cancelled. Ticks run inline on this goroutine, so they never overlap.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("Starting dispatcher", "interval", d.cfg.Scheduler.JobInterval)

	if err := d.recoverOrphanedJobs(ctx); err != nil {
		return fmt.Errorf("dispatcher crash recovery failed: %w", err)
	}

	ticker := time.NewTicker(d.cfg.Scheduler.JobInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Dispatcher stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := d.RunOnce(ctx); err != nil {
				d.logger.Error("Failed to process job", "error", err)
			}
		}
	}
}

// RunOnce performs a single tick: claim the oldest NEW job, if any, and run
// it to a terminal status. A job that disappears or is claimed elsewhere
// between lookup and claim is skipped.
func (d *Dispatcher) RunOnce(ctx context.Context) error {
	job, err := d.store.OldestByStatus(ctx, queue.StatusNew)
	if err != nil {
		return fmt.Errorf("find new job: %w", err)
	}
	if job == nil {
		return nil
	}

	if err := d.store.UpdateStatus(ctx, job.ID, queue.StatusNew, queue.StatusInProgress); err != nil {
		if errors.Is(err, queue.ErrJobNotFound) || errors.Is(err, queue.ErrStatusConflict) {
			d.logger.Debug("Job no longer claimable", "job_id", job.ID, "error", err)
			return nil
		}
		return fmt.Errorf("claim job %s: %w", job.ID, err)
	}

	d.executeJob(ctx, job)
	return nil
}

func (d *Dispatcher) executeJob(ctx context.Context, job *queue.Job) {
	jobLogger := d.logger.With("job_id", job.ID)
	started := time.Now()

	name, runErr := d.runJob(ctx, job, jobLogger)

	elapsed := time.Since(started)
	if name != "" {
		jobLogger = jobLogger.With("command", name)
	}
	d.completeJob(ctx, job.ID, name, runErr, elapsed, jobLogger)
}

// runJob decodes, binds and executes a claimed job. It returns the requested
// command name (empty if the request could not be decoded) and the failure,
// if any.
func (d *Dispatcher) runJob(ctx context.Context, job *queue.Job, logger *slog.Logger) (name string, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic while running job", "panic", r)
			err = fmt.Errorf("unexpected error in command preparation: %v", r)
		}
	}()

	req, err := command.ParseRequest(job.Request)
	if err != nil {
		return "", err
	}
	name = req.Command.Name

	def, argv, err := d.registry.Bind(name, req.Command.Options, d.layout.InputPath(job.ID))
	if err != nil {
		return name, err
	}

	d.events.Publish(events.JobStarted, events.JobEvent{JobID: job.ID, Command: name, Status: string(queue.StatusInProgress)})

	stdout, stderr, err := d.layout.CreateOutputs(job.ID)
	if err != nil {
		return name, fmt.Errorf("prepare output files: %w", err)
	}

	timeout := d.cfg.TimeoutFor(def)
	logger.Info("Executing job", "command", name, "argv", argv, "timeout", timeout)
	return name, d.runner.Run(ctx, argv, timeout, stdout, stderr)
}

// completeJob records the outcome. The writes use a context detached from
// ctx so a shutdown mid-run still leaves the job terminal.
func (d *Dispatcher) completeJob(ctx context.Context, jobID, name string, runErr error, elapsed time.Duration, logger *slog.Logger) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completionTimeout)
	defer cancel()

	status := queue.StatusSuccess
	eventType := events.JobSucceeded
	var message string
	if runErr != nil {
		status = queue.StatusFailed
		eventType = events.JobFailed
		message = runErr.Error()
		logFailure(logger, runErr)
	}

	if message != "" {
		if err := d.store.AppendMessage(wctx, jobID, message); err != nil {
			if errors.Is(err, queue.ErrJobNotFound) {
				logger.Info("Job vanished before completion")
				return
			}
			logger.Error("Failed to append job message", "error", err)
		}
	}

	if err := d.store.UpdateStatus(wctx, jobID, queue.StatusInProgress, status); err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			logger.Info("Job vanished before completion")
			return
		}
		logger.Error("Failed to update job status", "status", status, "error", err)
		return
	}

	if status == queue.StatusSuccess {
		logger.Info("Job completed successfully", "duration_ms", elapsed.Milliseconds())
	}
	d.events.Publish(eventType, events.JobEvent{
		JobID:      jobID,
		Command:    name,
		Status:     string(status),
		Message:    message,
		DurationMS: elapsed.Milliseconds(),
	})
}

func logFailure(logger *slog.Logger, err error) {
	var (
		verr *command.ValidationError
		xerr *process.ExecutionError
	)
	switch {
	case errors.As(err, &verr):
		logger.Warn("Job rejected", "kind", verr.Kind, "error", err)
	case errors.As(err, &xerr):
		logger.Warn("Job execution failed", "kind", xerr.Kind, "exit_code", xerr.ExitCode, "error", err)
	default:
		logger.Error("Job failed", "error", err)
	}
}

// recoverOrphanedJobs fails jobs a previous process left IN_PROGRESS.
func (d *Dispatcher) recoverOrphanedJobs(ctx context.Context) error {
	running, err := d.store.ListByStatus(ctx, queue.StatusInProgress)
	if err != nil {
		return fmt.Errorf("failed to find running jobs for recovery: %w", err)
	}
	if len(running) == 0 {
		d.logger.Debug("No orphaned jobs found")
		return nil
	}

	d.logger.Warn("Found orphaned jobs, failing them", "count", len(running))
	for _, job := range running {
		if err := d.store.AppendMessage(ctx, job.ID, InterruptedMessage); err != nil && !errors.Is(err, queue.ErrJobNotFound) {
			return fmt.Errorf("recover job %s: %w", job.ID, err)
		}
		err := d.store.UpdateStatus(ctx, job.ID, queue.StatusInProgress, queue.StatusFailed)
		if err != nil && !errors.Is(err, queue.ErrJobNotFound) && !errors.Is(err, queue.ErrStatusConflict) {
			return fmt.Errorf("recover job %s: %w", job.ID, err)
		}
		d.events.Publish(events.JobRecovered, events.JobEvent{
			JobID:   job.ID,
			Status:  string(queue.StatusFailed),
			Message: InterruptedMessage,
		})
	}
	return nil
}
