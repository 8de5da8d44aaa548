package qc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labops/labops/internal/platform/db"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// -- Target Repository --

type targetRepoPG struct {
	pool *pgxpool.Pool
}

func NewTargetRepo(pool *pgxpool.Pool) TargetRepository {
	return &targetRepoPG{pool: pool}
}

func (r *targetRepoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const targetCols = `id, test_code, control_level, target_mean, target_sd, range_low, range_high,
	enabled_rules, lot_number, active, activated_at, created_at`

func (r *targetRepoPG) Create(ctx context.Context, t *AnalyteTarget) error {
	t.ID = uuid.New()
	rules := make([]string, len(t.EnabledRules))
	for i, rl := range t.EnabledRules {
		rules[i] = string(rl)
	}

	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO qc_analyte_target (
			id, test_code, control_level, target_mean, target_sd, range_low, range_high,
			enabled_rules, lot_number, active, activated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		t.ID, t.TestCode, t.ControlLevel, t.TargetMean, t.TargetSD, t.RangeLow, t.RangeHigh,
		rules, t.LotNumber, t.Active, t.ActivatedAt,
	)
	return err
}

func (r *targetRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*AnalyteTarget, error) {
	return scanTarget(r.conn(ctx).QueryRow(ctx,
		`SELECT `+targetCols+` FROM qc_analyte_target WHERE id = $1`, id))
}

func (r *targetRepoPG) GetActive(ctx context.Context, testCode, controlLevel string) (*AnalyteTarget, error) {
	return scanTarget(r.conn(ctx).QueryRow(ctx,
		`SELECT `+targetCols+` FROM qc_analyte_target
		 WHERE test_code = $1 AND control_level = $2 AND active
		 ORDER BY activated_at DESC LIMIT 1`,
		testCode, controlLevel))
}

func (r *targetRepoPG) List(ctx context.Context, limit, offset int) ([]*AnalyteTarget, int, error) {
	q := r.conn(ctx)

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM qc_analyte_target`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := q.Query(ctx, `
		SELECT `+targetCols+` FROM qc_analyte_target
		ORDER BY test_code, control_level, activated_at DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var targets []*AnalyteTarget
	for rows.Next() {
		t, err := scanTargetRows(rows)
		if err != nil {
			return nil, 0, err
		}
		targets = append(targets, t)
	}
	return targets, total, rows.Err()
}

func (r *targetRepoPG) Deactivate(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE qc_analyte_target SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTarget(row pgx.Row) (*AnalyteTarget, error) {
	var t AnalyteTarget
	var rules []string
	err := row.Scan(
		&t.ID, &t.TestCode, &t.ControlLevel, &t.TargetMean, &t.TargetSD, &t.RangeLow, &t.RangeHigh,
		&rules, &t.LotNumber, &t.Active, &t.ActivatedAt, &t.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.EnabledRules = rulesFromStrings(rules)
	return &t, nil
}

func scanTargetRows(rows pgx.Rows) (*AnalyteTarget, error) {
	var t AnalyteTarget
	var rules []string
	err := rows.Scan(
		&t.ID, &t.TestCode, &t.ControlLevel, &t.TargetMean, &t.TargetSD, &t.RangeLow, &t.RangeHigh,
		&rules, &t.LotNumber, &t.Active, &t.ActivatedAt, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.EnabledRules = rulesFromStrings(rules)
	return &t, nil
}

func rulesFromStrings(ss []string) []Rule {
	rules := make([]Rule, len(ss))
	for i, s := range ss {
		rules[i] = Rule(s)
	}
	return rules
}

// -- Measurement Repository --

type measurementRepoPG struct {
	pool *pgxpool.Pool
}

func NewMeasurementRepo(pool *pgxpool.Pool) MeasurementRepository {
	return &measurementRepoPG{pool: pool}
}

func (r *measurementRepoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const measurementCols = `id, test_code, control_level, value, unit, operator_id, measured_at, created_at`

func (r *measurementRepoPG) Create(ctx context.Context, m *Measurement) error {
	// Instruments may redeliver with their own id; keep it for idempotence.
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO qc_measurement (id, test_code, control_level, value, unit, operator_id, measured_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		m.ID, m.TestCode, m.ControlLevel, m.Value, m.Unit, m.OperatorID, m.MeasuredAt,
	)
	return err
}

func (r *measurementRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Measurement, error) {
	return scanMeasurement(r.conn(ctx).QueryRow(ctx,
		`SELECT `+measurementCols+` FROM qc_measurement WHERE id = $1`, id))
}

func (r *measurementRepoPG) ListRecent(ctx context.Context, testCode, controlLevel string, n int) ([]*Measurement, error) {
	// Newest n rows, returned oldest first so callers can replay them in order.
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+measurementCols+` FROM (
			SELECT `+measurementCols+` FROM qc_measurement
			WHERE test_code = $1 AND control_level = $2
			ORDER BY measured_at DESC, created_at DESC
			LIMIT $3
		) recent ORDER BY measured_at ASC, created_at ASC`,
		testCode, controlLevel, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var measurements []*Measurement
	for rows.Next() {
		m, err := scanMeasurementRows(rows)
		if err != nil {
			return nil, err
		}
		measurements = append(measurements, m)
	}
	return measurements, rows.Err()
}

func (r *measurementRepoPG) ListByKey(ctx context.Context, testCode, controlLevel string, limit, offset int) ([]*Measurement, int, error) {
	q := r.conn(ctx)

	var total int
	if err := q.QueryRow(ctx,
		`SELECT COUNT(*) FROM qc_measurement WHERE test_code = $1 AND control_level = $2`,
		testCode, controlLevel).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := q.Query(ctx, `
		SELECT `+measurementCols+` FROM qc_measurement
		WHERE test_code = $1 AND control_level = $2
		ORDER BY measured_at DESC, created_at DESC
		LIMIT $3 OFFSET $4`,
		testCode, controlLevel, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var measurements []*Measurement
	for rows.Next() {
		m, err := scanMeasurementRows(rows)
		if err != nil {
			return nil, 0, err
		}
		measurements = append(measurements, m)
	}
	return measurements, total, rows.Err()
}

func scanMeasurement(row pgx.Row) (*Measurement, error) {
	var m Measurement
	err := row.Scan(&m.ID, &m.TestCode, &m.ControlLevel, &m.Value, &m.Unit, &m.OperatorID, &m.MeasuredAt, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func scanMeasurementRows(rows pgx.Rows) (*Measurement, error) {
	var m Measurement
	err := rows.Scan(&m.ID, &m.TestCode, &m.ControlLevel, &m.Value, &m.Unit, &m.OperatorID, &m.MeasuredAt, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// -- Evaluation Repository --

type evaluationRepoPG struct {
	pool *pgxpool.Pool
}

func NewEvaluationRepo(pool *pgxpool.Pool) EvaluationRepository {
	return &evaluationRepoPG{pool: pool}
}

func (r *evaluationRepoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const evaluationCols = `id, measurement_id, test_code, control_level, z_score, violations, status, evaluated_at`

func (r *evaluationRepoPG) Create(ctx context.Context, e *Evaluation) error {
	e.ID = uuid.New()
	violations, err := json.Marshal(e.Violations)
	if err != nil {
		return fmt.Errorf("marshal violations: %w", err)
	}

	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO qc_evaluation (id, measurement_id, test_code, control_level, z_score, violations, status, evaluated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ID, e.MeasurementID, e.TestCode, e.ControlLevel, e.ZScore, violations, e.Status, e.EvaluatedAt,
	)
	return err
}

func (r *evaluationRepoPG) GetByMeasurement(ctx context.Context, measurementID uuid.UUID) (*Evaluation, error) {
	return scanEvaluation(r.conn(ctx).QueryRow(ctx,
		`SELECT `+evaluationCols+` FROM qc_evaluation WHERE measurement_id = $1`, measurementID))
}

func (r *evaluationRepoPG) ListByKey(ctx context.Context, testCode, controlLevel string, limit, offset int) ([]*Evaluation, int, error) {
	q := r.conn(ctx)

	var total int
	if err := q.QueryRow(ctx,
		`SELECT COUNT(*) FROM qc_evaluation WHERE test_code = $1 AND control_level = $2`,
		testCode, controlLevel).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := q.Query(ctx, `
		SELECT `+evaluationCols+` FROM qc_evaluation
		WHERE test_code = $1 AND control_level = $2
		ORDER BY evaluated_at DESC
		LIMIT $3 OFFSET $4`,
		testCode, controlLevel, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var evaluations []*Evaluation
	for rows.Next() {
		e, err := scanEvaluationRows(rows)
		if err != nil {
			return nil, 0, err
		}
		evaluations = append(evaluations, e)
	}
	return evaluations, total, rows.Err()
}

func scanEvaluation(row pgx.Row) (*Evaluation, error) {
	var e Evaluation
	var violations []byte
	err := row.Scan(&e.ID, &e.MeasurementID, &e.TestCode, &e.ControlLevel, &e.ZScore, &violations, &e.Status, &e.EvaluatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := unmarshalViolations(violations, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func scanEvaluationRows(rows pgx.Rows) (*Evaluation, error) {
	var e Evaluation
	var violations []byte
	err := rows.Scan(&e.ID, &e.MeasurementID, &e.TestCode, &e.ControlLevel, &e.ZScore, &violations, &e.Status, &e.EvaluatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalViolations(violations, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func unmarshalViolations(raw []byte, e *Evaluation) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &e.Violations); err != nil {
		return fmt.Errorf("unmarshal violations: %w", err)
	}
	return nil
}

// -- Statistics Repository --

type statisticsRepoPG struct {
	pool *pgxpool.Pool
}

func NewStatisticsRepo(pool *pgxpool.Pool) StatisticsRepository {
	return &statisticsRepoPG{pool: pool}
}

func (r *statisticsRepoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const statisticsCols = `test_code, control_level, total_runs, pass_count, warning_count, fail_count, last_run_at`

// Record marks the measurement as counted and increments the key's counters
// in one transaction. The seen-table insert is the idempotence guard: a
// redelivered measurement conflicts on its primary key and nothing changes.
func (r *statisticsRepoPG) Record(ctx context.Context, testCode, controlLevel string, measurementID uuid.UUID, status Status, at time.Time) (bool, error) {
	if tx := db.TxFromContext(ctx); tx != nil {
		return r.record(ctx, tx, testCode, controlLevel, measurementID, status, at)
	}

	var b beginner = r.pool
	if c := db.ConnFromContext(ctx); c != nil {
		b = c
	}
	tx, err := b.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin statistics transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	counted, err := r.record(ctx, tx, testCode, controlLevel, measurementID, status, at)
	if err != nil {
		return false, err
	}
	return counted, tx.Commit(ctx)
}

func (r *statisticsRepoPG) record(ctx context.Context, q querier, testCode, controlLevel string, measurementID uuid.UUID, status Status, at time.Time) (bool, error) {
	tag, err := q.Exec(ctx, `
		INSERT INTO qc_statistics_seen (measurement_id, test_code, control_level, counted_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (measurement_id) DO NOTHING`,
		measurementID, testCode, controlLevel, at)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	var pass, warn, fail int
	switch status {
	case StatusPass:
		pass = 1
	case StatusWarning:
		warn = 1
	case StatusFail:
		fail = 1
	default:
		return false, fmt.Errorf("unknown evaluation status: %s", status)
	}

	_, err = q.Exec(ctx, `
		INSERT INTO qc_statistics (test_code, control_level, total_runs, pass_count, warning_count, fail_count, last_run_at)
		VALUES ($1,$2,1,$3,$4,$5,$6)
		ON CONFLICT (test_code, control_level) DO UPDATE SET
			total_runs    = qc_statistics.total_runs + 1,
			pass_count    = qc_statistics.pass_count + EXCLUDED.pass_count,
			warning_count = qc_statistics.warning_count + EXCLUDED.warning_count,
			fail_count    = qc_statistics.fail_count + EXCLUDED.fail_count,
			last_run_at   = GREATEST(qc_statistics.last_run_at, EXCLUDED.last_run_at)`,
		testCode, controlLevel, pass, warn, fail, at)
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *statisticsRepoPG) Get(ctx context.Context, testCode, controlLevel string) (*RunningStatistics, error) {
	var s RunningStatistics
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT `+statisticsCols+` FROM qc_statistics WHERE test_code = $1 AND control_level = $2`,
		testCode, controlLevel).Scan(
		&s.TestCode, &s.ControlLevel, &s.TotalRuns, &s.PassCount, &s.WarningCount, &s.FailCount, &s.LastRunAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *statisticsRepoPG) List(ctx context.Context, limit, offset int) ([]*RunningStatistics, int, error) {
	q := r.conn(ctx)

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM qc_statistics`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := q.Query(ctx, `
		SELECT `+statisticsCols+` FROM qc_statistics
		ORDER BY test_code, control_level
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var stats []*RunningStatistics
	for rows.Next() {
		var s RunningStatistics
		if err := rows.Scan(&s.TestCode, &s.ControlLevel, &s.TotalRuns, &s.PassCount, &s.WarningCount, &s.FailCount, &s.LastRunAt); err != nil {
			return nil, 0, err
		}
		stats = append(stats, &s)
	}
	return stats, total, rows.Err()
}
