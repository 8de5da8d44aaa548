package critical

import (
	"context"
	"errors"
	"strconv"
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

// -- Result Repository --

type resultRepoPG struct {
	pool *pgxpool.Pool
}

func NewResultRepo(pool *pgxpool.Pool) ResultRepository {
	return &resultRepoPG{pool: pool}
}

func (r *resultRepoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const resultCols = `id, patient_id, test_code, value, unit, reference_range, ordering_provider_id, resulted_at,
	status, attempts, last_notification_at, notification_error,
	acknowledged_by, acknowledged_at, escalated_at, created_at, updated_at`

func (r *resultRepoPG) Create(ctx context.Context, res *Result) error {
	res.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO critical_result (
			id, patient_id, test_code, value, unit, reference_range, ordering_provider_id, resulted_at, status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		res.ID, res.PatientID, res.TestCode, res.Value, res.Unit, res.ReferenceRange, res.OrderingProviderID, res.ResultedAt, res.Status,
	)
	return err
}

func (r *resultRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Result, error) {
	return scanResult(r.conn(ctx).QueryRow(ctx,
		`SELECT `+resultCols+` FROM critical_result WHERE id = $1`, id))
}

func (r *resultRepoPG) List(ctx context.Context, status Status, limit, offset int) ([]*Result, int, error) {
	q := r.conn(ctx)

	where, args := "", []interface{}{}
	if status != "" {
		where = " WHERE status = $1"
		args = append(args, status)
	}

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM critical_result`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	query := `SELECT ` + resultCols + ` FROM critical_result` + where +
		` ORDER BY resulted_at DESC LIMIT $` + strconv.Itoa(n+1) + ` OFFSET $` + strconv.Itoa(n+2)
	args = append(args, limit, offset)

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var results []*Result
	for rows.Next() {
		res, err := scanResultRows(rows)
		if err != nil {
			return nil, 0, err
		}
		results = append(results, res)
	}
	return results, total, rows.Err()
}

func (r *resultRepoPG) ListPending(ctx context.Context, limit int) ([]*Result, error) {
	return r.listByQuery(ctx, `
		SELECT `+resultCols+` FROM critical_result
		WHERE status = 'pending'
		ORDER BY resulted_at ASC
		LIMIT $1`, limit)
}

func (r *resultRepoPG) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Result, error) {
	return r.listByQuery(ctx, `
		SELECT `+resultCols+` FROM critical_result
		WHERE status = 'notified' AND last_notification_at <= $1
		ORDER BY last_notification_at ASC
		LIMIT $2`, cutoff, limit)
}

func (r *resultRepoPG) listByQuery(ctx context.Context, query string, args ...interface{}) ([]*Result, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*Result
	for rows.Next() {
		res, err := scanResultRows(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

// Update writes the notification fields guarded by the expected status. Zero
// rows affected means someone else moved the record first.
func (r *resultRepoPG) Update(ctx context.Context, res *Result, expect Status) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE critical_result SET
			status = $2, attempts = $3, last_notification_at = $4, notification_error = $5,
			acknowledged_by = $6, acknowledged_at = $7, escalated_at = $8, updated_at = NOW()
		WHERE id = $1 AND status = $9`,
		res.ID, res.Status, res.Attempts, res.LastNotificationAt, res.NotificationError,
		res.AcknowledgedBy, res.AcknowledgedAt, res.EscalatedAt, expect,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func scanResult(row pgx.Row) (*Result, error) {
	var res Result
	err := row.Scan(
		&res.ID, &res.PatientID, &res.TestCode, &res.Value, &res.Unit, &res.ReferenceRange, &res.OrderingProviderID, &res.ResultedAt,
		&res.Status, &res.Attempts, &res.LastNotificationAt, &res.NotificationError,
		&res.AcknowledgedBy, &res.AcknowledgedAt, &res.EscalatedAt, &res.CreatedAt, &res.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func scanResultRows(rows pgx.Rows) (*Result, error) {
	var res Result
	err := rows.Scan(
		&res.ID, &res.PatientID, &res.TestCode, &res.Value, &res.Unit, &res.ReferenceRange, &res.OrderingProviderID, &res.ResultedAt,
		&res.Status, &res.Attempts, &res.LastNotificationAt, &res.NotificationError,
		&res.AcknowledgedBy, &res.AcknowledgedAt, &res.EscalatedAt, &res.CreatedAt, &res.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// -- Attempt Repository --

type attemptRepoPG struct {
	pool *pgxpool.Pool
}

func NewAttemptRepo(pool *pgxpool.Pool) AttemptRepository {
	return &attemptRepoPG{pool: pool}
}

func (r *attemptRepoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *attemptRepoPG) Create(ctx context.Context, a *NotificationAttempt) error {
	a.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO critical_notification_attempt (id, result_id, attempt, kind, delivered, error, attempted_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		a.ID, a.ResultID, a.Attempt, a.Kind, a.Delivered, a.Error, a.AttemptedAt,
	)
	return err
}

func (r *attemptRepoPG) ListByResult(ctx context.Context, resultID uuid.UUID) ([]*NotificationAttempt, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, result_id, attempt, kind, delivered, error, attempted_at
		FROM critical_notification_attempt
		WHERE result_id = $1
		ORDER BY attempted_at ASC`, resultID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*NotificationAttempt
	for rows.Next() {
		var a NotificationAttempt
		if err := rows.Scan(&a.ID, &a.ResultID, &a.Attempt, &a.Kind, &a.Delivered, &a.Error, &a.AttemptedAt); err != nil {
			return nil, err
		}
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}
