package notification

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labops/labops/internal/platform/db"
)

// ErrRecipientNotFound is returned when no roster entry matches.
var ErrRecipientNotFound = errors.New("recipient not found")

// RosterResolver answers "who gets this alert". Capabilities are roles on
// the notification roster, such as ordering_provider or qc_manager.
type RosterResolver interface {
	ResolveCapability(ctx context.Context, capability string) ([]Recipient, error)
	ResolveUser(ctx context.Context, userID string) (*Recipient, error)
}

// -- Postgres roster --

type rosterPG struct {
	pool *pgxpool.Pool
}

func NewRosterPG(pool *pgxpool.Pool) RosterResolver {
	return &rosterPG{pool: pool}
}

func (r *rosterPG) conn(ctx context.Context) interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
} {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const rosterCols = `user_id, name, capability, email, phone, push_token, active`

func (r *rosterPG) ResolveCapability(ctx context.Context, capability string) ([]Recipient, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+rosterCols+` FROM notification_roster WHERE capability = $1 AND active`, capability)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recipients []Recipient
	for rows.Next() {
		var rcpt Recipient
		if err := rows.Scan(&rcpt.UserID, &rcpt.Name, &rcpt.Capability, &rcpt.Email, &rcpt.Phone, &rcpt.PushToken, &rcpt.Active); err != nil {
			return nil, err
		}
		recipients = append(recipients, rcpt)
	}
	return recipients, rows.Err()
}

func (r *rosterPG) ResolveUser(ctx context.Context, userID string) (*Recipient, error) {
	var rcpt Recipient
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT `+rosterCols+` FROM notification_roster WHERE user_id = $1 AND active`, userID).
		Scan(&rcpt.UserID, &rcpt.Name, &rcpt.Capability, &rcpt.Email, &rcpt.Phone, &rcpt.PushToken, &rcpt.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecipientNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rcpt, nil
}

// -- Static roster --

// StaticRoster is a fixed in-memory roster for development and tests.
type StaticRoster struct {
	Recipients []Recipient
}

func (s *StaticRoster) ResolveCapability(_ context.Context, capability string) ([]Recipient, error) {
	var matched []Recipient
	for _, r := range s.Recipients {
		if r.Active && r.Capability == capability {
			matched = append(matched, r)
		}
	}
	return matched, nil
}

func (s *StaticRoster) ResolveUser(_ context.Context, userID string) (*Recipient, error) {
	for _, r := range s.Recipients {
		if r.Active && r.UserID == userID {
			rcpt := r
			return &rcpt, nil
		}
	}
	return nil, ErrRecipientNotFound
}
