// Package critical tracks life-threatening lab results from entry through
// provider acknowledgement or escalation.
package critical

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a critical result.
//
// pending -> notified -> acknowledged
//                     -> escalated
//
// acknowledged and escalated are terminal.
type Status string

const (
	StatusPending      Status = "pending"
	StatusNotified     Status = "notified"
	StatusAcknowledged Status = "acknowledged"
	StatusEscalated    Status = "escalated"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusAcknowledged || s == StatusEscalated
}

// CanTransitionTo reports whether the state machine allows moving from s to
// next.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusNotified
	case StatusNotified:
		return next == StatusAcknowledged || next == StatusEscalated
	}
	return false
}

// Result is one critical lab result and its notification state. The value
// itself is immutable; only the notification fields change.
type Result struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	PatientID          string     `db:"patient_id" json:"patient_id"`
	TestCode           string     `db:"test_code" json:"test_code"`
	Value              float64    `db:"value" json:"value"`
	Unit               string     `db:"unit" json:"unit"`
	ReferenceRange     string     `db:"reference_range" json:"reference_range,omitempty"`
	OrderingProviderID string     `db:"ordering_provider_id" json:"ordering_provider_id"`
	ResultedAt         time.Time  `db:"resulted_at" json:"resulted_at"`
	Status             Status     `db:"status" json:"status"`
	Attempts           int        `db:"attempts" json:"attempts"`
	LastNotificationAt *time.Time `db:"last_notification_at" json:"last_notification_at,omitempty"`
	NotificationError  string     `db:"notification_error" json:"notification_error,omitempty"`
	AcknowledgedBy     string     `db:"acknowledged_by" json:"acknowledged_by,omitempty"`
	AcknowledgedAt     *time.Time `db:"acknowledged_at" json:"acknowledged_at,omitempty"`
	EscalatedAt        *time.Time `db:"escalated_at" json:"escalated_at,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
}

// StaleAt reports whether the result has sat unacknowledged long enough to
// escalate: it is notified and the threshold has fully elapsed since the
// last notification.
func (r *Result) StaleAt(now time.Time, threshold time.Duration) bool {
	if r.Status != StatusNotified || r.LastNotificationAt == nil {
		return false
	}
	return now.Sub(*r.LastNotificationAt) >= threshold
}

// NotificationAttempt is one audit record of a fan-out for a result.
type NotificationAttempt struct {
	ID          uuid.UUID `db:"id" json:"id"`
	ResultID    uuid.UUID `db:"result_id" json:"result_id"`
	Attempt     int       `db:"attempt" json:"attempt"`
	Kind        string    `db:"kind" json:"kind"` // initial or escalation
	Delivered   bool      `db:"delivered" json:"delivered"`
	Error       string    `db:"error" json:"error,omitempty"`
	AttemptedAt time.Time `db:"attempted_at" json:"attempted_at"`
}

const (
	AttemptKindInitial    = "initial"
	AttemptKindEscalation = "escalation"
)
