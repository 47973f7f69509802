package store

import (
	"context"
	"errors"

	"github.com/seantiz/flotilla/internal/model"
)

// ErrNotFound is returned when a job is not in the store.
var ErrNotFound = errors.New("job not found")

// Store persists the job submission history. The in-memory registry remains
// the reaper's source of truth; this is the durable audit surface the API
// serves.
type Store interface {
	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, jobKey string) (*model.Job, error)
	ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error)
	MarkJobDone(ctx context.Context, jobKey string) error
	Close() error
}
