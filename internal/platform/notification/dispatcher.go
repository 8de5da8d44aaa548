package notification

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Recipient is one person on the notification roster with per-channel
// addresses. A missing address simply skips that channel.
type Recipient struct {
	UserID     string `db:"user_id" json:"user_id"`
	Name       string `db:"name" json:"name"`
	Capability string `db:"capability" json:"capability"`
	Email      string `db:"email" json:"email,omitempty"`
	Phone      string `db:"phone" json:"phone,omitempty"`
	PushToken  string `db:"push_token" json:"push_token,omitempty"`
	Active     bool   `db:"active" json:"active"`
}

// Address returns the recipient's address for a channel, or "" when the
// channel is not configured for them.
func (r Recipient) Address(ch Channel) string {
	switch ch {
	case ChannelEmail:
		return r.Email
	case ChannelSMS:
		return r.Phone
	case ChannelPush:
		return r.PushToken
	}
	return ""
}

// Alert is one message fanned out across channels and recipients.
type Alert struct {
	Subject  string
	Body     string
	Channels []Channel
}

// ChannelResult is the outcome of one send attempt.
type ChannelResult struct {
	Channel   Channel
	Recipient string
	Err       error
}

// DispatchResult aggregates the outcome of a fan-out.
type DispatchResult struct {
	Results []ChannelResult
}

// Attempted reports whether at least one channel send was attempted.
func (d DispatchResult) Attempted() bool { return len(d.Results) > 0 }

// Delivered reports whether at least one channel send succeeded.
func (d DispatchResult) Delivered() bool {
	for _, r := range d.Results {
		if r.Err == nil {
			return true
		}
	}
	return false
}

// ErrorSummary joins the per-channel failures into one line for audit
// records. Empty when every attempt succeeded.
func (d DispatchResult) ErrorSummary() string {
	var parts []string
	for _, r := range d.Results {
		if r.Err != nil {
			parts = append(parts, fmt.Sprintf("%s to %s: %v", r.Channel, r.Recipient, r.Err))
		}
	}
	return strings.Join(parts, "; ")
}

// Dispatcher fans an alert out to every configured channel of every
// recipient concurrently. Sends are best-effort: failures are collected in
// the result and logged, never returned as an error, and one slow channel
// cannot stall the rest past the per-send timeout.
type Dispatcher struct {
	email   EmailSender
	sms     SMSSender
	push    PushSender
	timeout time.Duration
	logger  zerolog.Logger
}

func NewDispatcher(email EmailSender, sms SMSSender, push PushSender, timeout time.Duration, logger zerolog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		email:   email,
		sms:     sms,
		push:    push,
		timeout: timeout,
		logger:  logger,
	}
}

// Dispatch sends the alert to every recipient over every requested channel
// they have an address for. It blocks until every attempt finishes or times
// out and returns the per-attempt outcomes.
func (d *Dispatcher) Dispatch(ctx context.Context, alert Alert, recipients []Recipient) DispatchResult {
	channels := alert.Channels
	if len(channels) == 0 {
		channels = AllChannels()
	}

	type attempt struct {
		channel Channel
		to      string
	}
	var attempts []attempt
	for _, rcpt := range recipients {
		if !rcpt.Active {
			continue
		}
		for _, ch := range channels {
			if !d.configured(ch) {
				continue
			}
			if to := rcpt.Address(ch); to != "" {
				attempts = append(attempts, attempt{channel: ch, to: to})
			}
		}
	}

	results := make([]ChannelResult, len(attempts))
	var wg sync.WaitGroup
	for i, a := range attempts {
		wg.Add(1)
		go func(i int, a attempt) {
			defer wg.Done()
			err := d.send(ctx, a.channel, a.to, alert)
			if err != nil {
				d.logger.Warn().
					Str("channel", string(a.channel)).
					Str("recipient", a.to).
					Err(err).
					Msg("alert delivery failed")
			}
			results[i] = ChannelResult{Channel: a.channel, Recipient: a.to, Err: err}
		}(i, a)
	}
	wg.Wait()

	return DispatchResult{Results: results}
}

func (d *Dispatcher) configured(ch Channel) bool {
	switch ch {
	case ChannelEmail:
		return d.email != nil
	case ChannelSMS:
		return d.sms != nil
	case ChannelPush:
		return d.push != nil
	}
	return false
}

// send runs one channel delivery under the dispatcher timeout. A sender that
// ignores cancellation is abandoned rather than waited on.
func (d *Dispatcher) send(ctx context.Context, ch Channel, to string, alert Alert) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		switch ch {
		case ChannelEmail:
			done <- d.email.SendEmail(ctx, to, alert.Subject, alert.Body)
		case ChannelSMS:
			done <- d.sms.SendSMS(ctx, to, alert.Body)
		case ChannelPush:
			done <- d.push.SendPush(ctx, to, alert.Subject, alert.Body)
		default:
			done <- fmt.Errorf("unsupported channel: %s", ch)
		}
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%s delivery timed out after %s", ch, d.timeout)
	}
}

// ---------------------------------------------------------------------------
// Development senders
// ---------------------------------------------------------------------------

// LogSender implements every sender interface by logging the message. Used in
// development where no gateway credentials exist.
type LogSender struct {
	Logger zerolog.Logger
}

func (s *LogSender) SendEmail(_ context.Context, to, subject, _ string) error {
	s.Logger.Info().Str("channel", "email").Str("to", to).Str("subject", subject).Msg("notification sent")
	return nil
}

func (s *LogSender) SendSMS(_ context.Context, to, body string) error {
	s.Logger.Info().Str("channel", "sms").Str("to", to).Str("body", body).Msg("notification sent")
	return nil
}

func (s *LogSender) SendPush(_ context.Context, token, title, _ string) error {
	s.Logger.Info().Str("channel", "push").Str("to", token).Str("title", title).Msg("notification sent")
	return nil
}
