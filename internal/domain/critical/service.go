package critical

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labops/labops/internal/platform/notification"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means another writer moved the result first; reload and
	// re-check before retrying.
	ErrConflict = errors.New("result was modified concurrently")
	// ErrFinal means the result is acknowledged or escalated and can no
	// longer change.
	ErrFinal = errors.New("result is in a terminal state")
)

// DefaultEscalationThreshold is how long a notified result may sit
// unacknowledged before it escalates.
const DefaultEscalationThreshold = 30 * time.Minute

// Capabilities looked up on the notification roster.
const (
	CapabilityOrderingProvider = "ordering_provider"
	CapabilitySupervisor       = "lab_supervisor"
)

// Tracker owns the critical-result state machine: it records new results,
// fans out notifications, accepts acknowledgements, and escalates results
// nobody acknowledged in time.
type Tracker struct {
	results    ResultRepository
	attempts   AttemptRepository
	dispatcher *notification.Dispatcher
	roster     notification.RosterResolver
	templates  *notification.TemplateEngine
	threshold  time.Duration
	logger     zerolog.Logger
	now        func() time.Time
}

func NewTracker(results ResultRepository, attempts AttemptRepository, dispatcher *notification.Dispatcher, roster notification.RosterResolver, templates *notification.TemplateEngine, threshold time.Duration, logger zerolog.Logger) *Tracker {
	if threshold <= 0 {
		threshold = DefaultEscalationThreshold
	}
	return &Tracker{
		results:    results,
		attempts:   attempts,
		dispatcher: dispatcher,
		roster:     roster,
		templates:  templates,
		threshold:  threshold,
		logger:     logger,
		now:        time.Now,
	}
}

// Threshold returns the configured escalation threshold.
func (t *Tracker) Threshold() time.Duration { return t.threshold }

// Create validates and stores a new critical result, then immediately tries
// to notify the ordering provider. A failed notification does not fail the
// create: the result stays pending and the sweeper retries it.
func (t *Tracker) Create(ctx context.Context, r *Result) error {
	if r.PatientID == "" {
		return fmt.Errorf("patient_id is required")
	}
	if r.TestCode == "" {
		return fmt.Errorf("test_code is required")
	}
	if r.OrderingProviderID == "" {
		return fmt.Errorf("ordering_provider_id is required")
	}
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return fmt.Errorf("value must be a finite number")
	}
	if r.ResultedAt.IsZero() {
		r.ResultedAt = t.now().UTC()
	}
	r.Status = StatusPending
	r.Attempts = 0

	if err := t.results.Create(ctx, r); err != nil {
		return fmt.Errorf("persist critical result: %w", err)
	}

	if err := t.Notify(ctx, r); err != nil {
		t.logger.Warn().
			Str("result_id", r.ID.String()).
			Err(err).
			Msg("initial critical-result notification failed, sweeper will retry")
	}
	return nil
}

// Notify fans the critical alert out to the ordering provider. When at least
// one channel was attempted the result advances to notified, its attempt
// counter increments, and the notification timestamp resets. The delivery
// error field reflects only the latest attempt: cleared when any channel
// delivered, set to the failure summary otherwise.
func (t *Tracker) Notify(ctx context.Context, r *Result) error {
	if r.Status.Terminal() {
		return ErrFinal
	}

	recipients, err := t.resolveProvider(ctx, r.OrderingProviderID)
	if err != nil {
		return fmt.Errorf("resolve recipients: %w", err)
	}

	refRange := r.ReferenceRange
	if refRange == "" {
		refRange = "n/a"
	}
	subject, body, err := t.templates.Render("critical-result", map[string]string{
		"test_code":       r.TestCode,
		"patient_id":      r.PatientID,
		"value":           strconv.FormatFloat(r.Value, 'g', -1, 64),
		"unit":            r.Unit,
		"reference_range": refRange,
	})
	if err != nil {
		return fmt.Errorf("render alert: %w", err)
	}

	prev := r.Status
	res := t.dispatcher.Dispatch(ctx, notification.Alert{Subject: subject, Body: body}, recipients)

	t.recordAttempt(ctx, r, AttemptKindInitial, res)

	if !res.Attempted() {
		r.NotificationError = "no reachable recipients"
		if err := t.results.Update(ctx, r, prev); err != nil {
			return err
		}
		return fmt.Errorf("no reachable recipients for provider %s", r.OrderingProviderID)
	}

	now := t.now().UTC()
	r.Attempts++
	r.LastNotificationAt = &now
	if res.Delivered() {
		r.NotificationError = ""
	} else {
		r.NotificationError = res.ErrorSummary()
	}
	if r.Status == StatusPending {
		r.Status = StatusNotified
	}
	return t.results.Update(ctx, r, prev)
}

// Acknowledge moves a notified result to acknowledged. Acknowledgement is
// final: it wins against any concurrent escalation and cannot be repeated.
func (t *Tracker) Acknowledge(ctx context.Context, id uuid.UUID, userID string) (*Result, error) {
	if userID == "" {
		return nil, fmt.Errorf("acknowledging user is required")
	}

	r, err := t.results.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		return nil, ErrFinal
	}
	if !r.Status.CanTransitionTo(StatusAcknowledged) {
		return nil, fmt.Errorf("cannot acknowledge a %s result", r.Status)
	}

	now := t.now().UTC()
	prev := r.Status
	r.Status = StatusAcknowledged
	r.AcknowledgedBy = userID
	r.AcknowledgedAt = &now
	if err := t.results.Update(ctx, r, prev); err != nil {
		return nil, err
	}

	t.logger.Info().
		Str("result_id", r.ID.String()).
		Str("acknowledged_by", userID).
		Int("attempts", r.Attempts).
		Msg("critical result acknowledged")
	return r, nil
}

// Escalate moves a stale notified result to escalated and alerts the
// supervisor roster. The status is flipped first under the conditional
// update so a concurrent acknowledgement cleanly wins or loses; the
// supervisor alert follows only when this sweep won.
func (t *Tracker) Escalate(ctx context.Context, r *Result) error {
	if r.Status.Terminal() {
		return ErrFinal
	}
	if !r.Status.CanTransitionTo(StatusEscalated) {
		return fmt.Errorf("cannot escalate a %s result", r.Status)
	}

	now := t.now().UTC()
	prev := r.Status
	r.Status = StatusEscalated
	r.EscalatedAt = &now
	if err := t.results.Update(ctx, r, prev); err != nil {
		return err
	}

	subject, body, err := t.templates.Render("critical-escalation", map[string]string{
		"test_code":  r.TestCode,
		"patient_id": r.PatientID,
		"attempts":   strconv.Itoa(r.Attempts),
	})
	if err != nil {
		return fmt.Errorf("render escalation alert: %w", err)
	}

	supervisors, err := t.roster.ResolveCapability(ctx, CapabilitySupervisor)
	if err != nil {
		return fmt.Errorf("resolve supervisors: %w", err)
	}
	res := t.dispatcher.Dispatch(ctx, notification.Alert{Subject: subject, Body: body}, supervisors)
	t.recordAttempt(ctx, r, AttemptKindEscalation, res)

	t.logger.Warn().
		Str("result_id", r.ID.String()).
		Str("patient_id", r.PatientID).
		Int("attempts", r.Attempts).
		Msg("critical result escalated")
	return nil
}

func (t *Tracker) resolveProvider(ctx context.Context, providerID string) ([]notification.Recipient, error) {
	provider, err := t.roster.ResolveUser(ctx, providerID)
	if err == nil {
		return []notification.Recipient{*provider}, nil
	}
	if !errors.Is(err, notification.ErrRecipientNotFound) {
		return nil, err
	}
	// Provider not on the roster: page whoever covers ordering providers.
	return t.roster.ResolveCapability(ctx, CapabilityOrderingProvider)
}

func (t *Tracker) recordAttempt(ctx context.Context, r *Result, kind string, res notification.DispatchResult) {
	a := &NotificationAttempt{
		ResultID:    r.ID,
		Attempt:     r.Attempts + 1,
		Kind:        kind,
		Delivered:   res.Delivered(),
		Error:       res.ErrorSummary(),
		AttemptedAt: t.now().UTC(),
	}
	if kind == AttemptKindEscalation {
		a.Attempt = r.Attempts
	}
	if err := t.attempts.Create(ctx, a); err != nil {
		t.logger.Error().Err(err).Str("result_id", r.ID.String()).Msg("record notification attempt")
	}
}

// -- Queries --

func (t *Tracker) GetResult(ctx context.Context, id uuid.UUID) (*Result, error) {
	return t.results.GetByID(ctx, id)
}

func (t *Tracker) ListResults(ctx context.Context, status Status, limit, offset int) ([]*Result, int, error) {
	return t.results.List(ctx, status, limit, offset)
}

func (t *Tracker) ListAttempts(ctx context.Context, resultID uuid.UUID) ([]*NotificationAttempt, error) {
	return t.attempts.ListByResult(ctx, resultID)
}
