package deadletter

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/joao-fontenele/courier-dispatch/internal/jobs"
)

var (
	ErrAlreadyRequeued = errors.New("dead letter already requeued")
	ErrNotRequeueable  = errors.New("dead letter envelope cannot be decoded")
)

type store interface {
	Get(ctx context.Context, id uuid.UUID) (Record, error)
	MarkRequeued(ctx context.Context, id uuid.UUID) (bool, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, p jobs.Payload) error
}

// Requeuer puts a dead-lettered job back on its queue as a fresh job.
type Requeuer struct {
	store    store
	enqueuer Enqueuer
}

func NewRequeuer(s store, enqueuer Enqueuer) *Requeuer {
	return &Requeuer{store: s, enqueuer: enqueuer}
}

func (r *Requeuer) Requeue(ctx context.Context, id uuid.UUID) (jobs.Job, error) {
	rec, err := r.store.Get(ctx, id)
	if err != nil {
		return jobs.Job{}, err
	}
	if rec.RequeuedAt != nil {
		return jobs.Job{}, ErrAlreadyRequeued
	}

	job, err := jobs.Decode(rec.Envelope)
	if err != nil {
		return jobs.Job{}, fmt.Errorf("%w: %v", ErrNotRequeueable, err)
	}

	// Mark first: a crash after this point loses the requeue but never doubles it.
	ok, err := r.store.MarkRequeued(ctx, id)
	if err != nil {
		return jobs.Job{}, err
	}
	if !ok {
		return jobs.Job{}, ErrAlreadyRequeued
	}

	if err := r.enqueuer.Enqueue(ctx, job.Payload); err != nil {
		return jobs.Job{}, fmt.Errorf("requeue %s: %w", job.Kind, err)
	}
	return job, nil
}
