package critical

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ResultRepository interface {
	Create(ctx context.Context, r *Result) error
	GetByID(ctx context.Context, id uuid.UUID) (*Result, error)
	List(ctx context.Context, status Status, limit, offset int) ([]*Result, int, error)
	// ListPending returns results still awaiting their first successful
	// notification, oldest first.
	ListPending(ctx context.Context, limit int) ([]*Result, error)
	// ListStale returns notified results whose last notification is at or
	// before the cutoff, oldest first.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Result, error)
	// Update persists r's mutable fields only when the stored status still
	// equals expect, returning ErrConflict otherwise. This is the guard that
	// keeps a concurrent sweep and a provider acknowledgement from both
	// winning.
	Update(ctx context.Context, r *Result, expect Status) error
}

type AttemptRepository interface {
	Create(ctx context.Context, a *NotificationAttempt) error
	ListByResult(ctx context.Context, resultID uuid.UUID) ([]*NotificationAttempt, error)
}
