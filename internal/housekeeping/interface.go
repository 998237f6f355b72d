package housekeeping

import (
	"context"
	"time"

	"github.com/mattjoyce/shellgate/internal/queue"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks github.com/mattjoyce/shellgate/internal/housekeeping JobStore

// JobStore defines the store operations used by the sweeper.
type JobStore interface {
	OldestCreatedBefore(ctx context.Context, cutoff time.Time) (*queue.Job, error)
	Delete(ctx context.Context, id string) error
}
