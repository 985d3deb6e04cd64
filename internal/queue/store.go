package queue

import (
	"context"
	"errors"

	"jobdispatch/internal/domain"
)

var ErrNotFound = errors.New("job not found")

// JobStore owns every submitted job. Reads return copies; callers change a stored job only
// through Save or UpdateStatus.
type JobStore interface {
	// Save inserts or replaces the job with the same id.
	Save(ctx context.Context, j domain.Job) error
	// UpdateStatus sets status and bumps the update time. Unknown ids are ignored.
	UpdateStatus(ctx context.Context, id string, status domain.JobStatus) error
	// FindByID returns ErrNotFound for unknown ids.
	FindByID(ctx context.Context, id string) (domain.Job, error)
	FindAll(ctx context.Context) ([]domain.Job, error)
	// PendingJobs returns every QUEUED or RETRY job, in no particular order.
	PendingJobs(ctx context.Context) ([]domain.Job, error)
	Close() error
}
