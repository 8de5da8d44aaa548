package qc

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type TargetRepository interface {
	Create(ctx context.Context, t *AnalyteTarget) error
	GetByID(ctx context.Context, id uuid.UUID) (*AnalyteTarget, error)
	// GetActive returns the active target for the key, or ErrNotFound.
	GetActive(ctx context.Context, testCode, controlLevel string) (*AnalyteTarget, error)
	List(ctx context.Context, limit, offset int) ([]*AnalyteTarget, int, error)
	Deactivate(ctx context.Context, id uuid.UUID) error
}

type MeasurementRepository interface {
	Create(ctx context.Context, m *Measurement) error
	GetByID(ctx context.Context, id uuid.UUID) (*Measurement, error)
	// ListRecent returns the newest n measurements for the key ordered
	// oldest to newest.
	ListRecent(ctx context.Context, testCode, controlLevel string, n int) ([]*Measurement, error)
	ListByKey(ctx context.Context, testCode, controlLevel string, limit, offset int) ([]*Measurement, int, error)
}

type EvaluationRepository interface {
	Create(ctx context.Context, e *Evaluation) error
	GetByMeasurement(ctx context.Context, measurementID uuid.UUID) (*Evaluation, error)
	ListByKey(ctx context.Context, testCode, controlLevel string, limit, offset int) ([]*Evaluation, int, error)
}

type StatisticsRepository interface {
	// Record increments the key's counters for one evaluated measurement.
	// Implementations must be idempotent per measurement id: redelivery of an
	// already-counted measurement returns counted=false without incrementing.
	Record(ctx context.Context, testCode, controlLevel string, measurementID uuid.UUID, status Status, at time.Time) (counted bool, err error)
	Get(ctx context.Context, testCode, controlLevel string) (*RunningStatistics, error)
	List(ctx context.Context, limit, offset int) ([]*RunningStatistics, int, error)
}
