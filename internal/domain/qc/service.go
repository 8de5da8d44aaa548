package qc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Common errors returned by the QC service.
var (
	ErrNotFound = errors.New("not found")
	ErrNoTarget = errors.New("no active analyte target for key")
)

// AlertSink receives QC-failure alerts for delivery to quality-control
// staff. Delivery is best-effort and must never fail the evaluation.
type AlertSink interface {
	QCFailure(ctx context.Context, eval *Evaluation, m *Measurement)
}

type Service struct {
	targets      TargetRepository
	measurements MeasurementRepository
	evaluations  EvaluationRepository
	stats        StatisticsRepository
	alerts       AlertSink
	windowSize   int
	logger       zerolog.Logger
}

func NewService(targets TargetRepository, measurements MeasurementRepository, evaluations EvaluationRepository, stats StatisticsRepository, windowSize int, logger zerolog.Logger) *Service {
	if windowSize < 10 {
		windowSize = 20
	}
	return &Service{
		targets:      targets,
		measurements: measurements,
		evaluations:  evaluations,
		stats:        stats,
		windowSize:   windowSize,
		logger:       logger,
	}
}

// SetAlertSink attaches an optional AlertSink to the service.
func (s *Service) SetAlertSink(a AlertSink) { s.alerts = a }

// -- Analyte targets --

// ActivateTarget validates and persists a new analyte target, deactivating
// any currently active target for the same (test, level) key. Targets are
// immutable per lot; this is the only way to change one.
func (s *Service) ActivateTarget(ctx context.Context, t *AnalyteTarget) error {
	if t.TestCode == "" {
		return fmt.Errorf("test_code is required")
	}
	if t.ControlLevel == "" {
		return fmt.Errorf("control_level is required")
	}
	if t.TargetSD <= 0 || math.IsNaN(t.TargetSD) || math.IsInf(t.TargetSD, 0) {
		return fmt.Errorf("target_sd must be a positive number")
	}
	if math.IsNaN(t.TargetMean) || math.IsInf(t.TargetMean, 0) {
		return fmt.Errorf("target_mean must be a finite number")
	}
	if len(t.EnabledRules) == 0 {
		t.EnabledRules = DefaultRules()
	}
	for _, r := range t.EnabledRules {
		if !r.Valid() {
			return fmt.Errorf("unknown rule: %s", r)
		}
	}

	prev, err := s.targets.GetActive(ctx, t.TestCode, t.ControlLevel)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("lookup active target: %w", err)
	}
	if prev != nil {
		if err := s.targets.Deactivate(ctx, prev.ID); err != nil {
			return fmt.Errorf("deactivate previous target: %w", err)
		}
	}

	t.Active = true
	if t.ActivatedAt.IsZero() {
		t.ActivatedAt = time.Now().UTC()
	}
	return s.targets.Create(ctx, t)
}

func (s *Service) GetTarget(ctx context.Context, id uuid.UUID) (*AnalyteTarget, error) {
	return s.targets.GetByID(ctx, id)
}

func (s *Service) GetActiveTarget(ctx context.Context, testCode, controlLevel string) (*AnalyteTarget, error) {
	return s.targets.GetActive(ctx, testCode, controlLevel)
}

func (s *Service) ListTargets(ctx context.Context, limit, offset int) ([]*AnalyteTarget, int, error) {
	return s.targets.List(ctx, limit, offset)
}

func (s *Service) DeactivateTarget(ctx context.Context, id uuid.UUID) error {
	return s.targets.Deactivate(ctx, id)
}

// -- Run evaluation --

// EvaluateMeasurement persists the measurement, runs the enabled Westgard
// rules against the rolling window for its key, persists the immutable
// evaluation, updates the running statistics exactly once, and raises a
// QC-failure alert when the run is rejected.
func (s *Service) EvaluateMeasurement(ctx context.Context, m *Measurement) (*Evaluation, error) {
	if m.TestCode == "" {
		return nil, fmt.Errorf("test_code is required")
	}
	if m.ControlLevel == "" {
		return nil, fmt.Errorf("control_level is required")
	}
	if math.IsNaN(m.Value) || math.IsInf(m.Value, 0) {
		return nil, fmt.Errorf("value must be a finite number")
	}
	if m.MeasuredAt.IsZero() {
		m.MeasuredAt = time.Now().UTC()
	}

	target, err := s.targets.GetActive(ctx, m.TestCode, m.ControlLevel)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNoTarget, m.TestCode, m.ControlLevel)
		}
		return nil, fmt.Errorf("lookup active target: %w", err)
	}

	if err := s.measurements.Create(ctx, m); err != nil {
		return nil, fmt.Errorf("persist measurement: %w", err)
	}

	recent, err := s.measurements.ListRecent(ctx, m.TestCode, m.ControlLevel, s.windowSize)
	if err != nil {
		return nil, fmt.Errorf("load window: %w", err)
	}
	window := NewWindow(s.windowSize, nil)
	for _, r := range recent {
		window = window.Append(r.Value)
	}

	var zScore float64
	violations, err := EvaluateRules(target, window.Values())
	switch {
	case errors.Is(err, ErrZeroSD):
		// Configuration error: skip the rules, keep the measurement.
		s.logger.Warn().
			Str("test_code", m.TestCode).
			Str("control_level", m.ControlLevel).
			Str("lot_number", target.LotNumber).
			Msg("analyte target has non-positive SD, skipping rule evaluation")
		violations = nil
	case err != nil:
		return nil, fmt.Errorf("evaluate rules: %w", err)
	default:
		zScore = ZScore(m.Value, target.TargetMean, target.TargetSD)
	}

	eval := &Evaluation{
		MeasurementID: m.ID,
		TestCode:      m.TestCode,
		ControlLevel:  m.ControlLevel,
		ZScore:        zScore,
		Violations:    violations,
		Status:        StatusFromViolations(violations),
		EvaluatedAt:   time.Now().UTC(),
	}
	if err := s.evaluations.Create(ctx, eval); err != nil {
		return nil, fmt.Errorf("persist evaluation: %w", err)
	}

	counted, err := s.stats.Record(ctx, m.TestCode, m.ControlLevel, m.ID, eval.Status, eval.EvaluatedAt)
	if err != nil {
		return eval, fmt.Errorf("update running statistics: %w", err)
	}
	if !counted {
		s.logger.Debug().
			Str("measurement_id", m.ID.String()).
			Msg("measurement already counted in running statistics")
	}

	if eval.Status == StatusFail && s.alerts != nil {
		s.alerts.QCFailure(ctx, eval, m)
	}

	return eval, nil
}

func (s *Service) GetEvaluation(ctx context.Context, measurementID uuid.UUID) (*Evaluation, error) {
	return s.evaluations.GetByMeasurement(ctx, measurementID)
}

func (s *Service) ListEvaluations(ctx context.Context, testCode, controlLevel string, limit, offset int) ([]*Evaluation, int, error) {
	return s.evaluations.ListByKey(ctx, testCode, controlLevel, limit, offset)
}

func (s *Service) ListMeasurements(ctx context.Context, testCode, controlLevel string, limit, offset int) ([]*Measurement, int, error) {
	return s.measurements.ListByKey(ctx, testCode, controlLevel, limit, offset)
}

// -- Statistics --

func (s *Service) GetStatistics(ctx context.Context, testCode, controlLevel string) (*RunningStatistics, error) {
	return s.stats.Get(ctx, testCode, controlLevel)
}

func (s *Service) ListStatistics(ctx context.Context, limit, offset int) ([]*RunningStatistics, int, error) {
	return s.stats.List(ctx, limit, offset)
}
