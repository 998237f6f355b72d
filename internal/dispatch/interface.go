package dispatch

import (
	"context"
	"io"
	"time"

	"github.com/mattjoyce/shellgate/internal/queue"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks github.com/mattjoyce/shellgate/internal/dispatch JobStore

// JobStore is the subset of the job store the dispatcher needs.
type JobStore interface {
	OldestByStatus(ctx context.Context, status queue.Status) (*queue.Job, error)
	ListByStatus(ctx context.Context, status queue.Status) ([]*queue.Job, error)
	UpdateStatus(ctx context.Context, id string, from, to queue.Status) error
	AppendMessage(ctx context.Context, id, text string) error
}

// Runner executes a bound argv.
type Runner interface {
	Run(ctx context.Context, argv []string, timeout time.Duration, stdout, stderr io.WriteCloser) error
}

// Layout locates a job's files.
type Layout interface {
	InputPath(jobID string) string
	CreateOutputs(jobID string) (stdout, stderr io.WriteCloser, err error)
}
