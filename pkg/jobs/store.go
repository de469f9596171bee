package jobs

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no job matches the lookup.
	ErrNotFound = errors.New("job not found")
	// ErrDuplicate is returned by Create when a job with the same Key exists.
	ErrDuplicate = errors.New("job already exists")
	// ErrTerminal is returned by Update when the job is completed or failed.
	ErrTerminal = errors.New("job is in a terminal state")
)

// Store defines the persistence operations the orchestrator and API need.
// Implementations must be safe for concurrent use.
type Store interface {
	Create(ctx context.Context, job Job) error
	Get(ctx context.Context, key Key) (Job, error)
	GetByID(ctx context.Context, id string) (Job, error)
	LatestForTask(ctx context.Context, task string) (Job, error)
	Update(ctx context.Context, id string, fn func(j *Job) error) (Job, error)
	List(ctx context.Context, filter ListFilter) ([]Job, int, error)
	Stats(ctx context.Context) (Stats, error)
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*MemStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*RedisStore)(nil)
)

// applyUpdate runs fn against a copy of current and returns the mutated copy.
// The identity fields are restored afterwards so callers cannot rekey a job.
func applyUpdate(current Job, fn func(j *Job) error) (Job, error) {
	if current.Status.Terminal() {
		return Job{}, ErrTerminal
	}
	next := current.clone()
	if err := fn(&next); err != nil {
		return Job{}, err
	}
	next.ID = current.ID
	next.Key = current.Key
	next.CreatedAt = current.CreatedAt
	return next, nil
}
