// Package delivery implements the mail dispatcher: it walks the transport
// chain, retrying transient failures with capped exponential backoff and
// falling back to the next transport when one gives up.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/ceotr/form-relay/internal/logger"
	"github.com/ceotr/form-relay/internal/mail"
	"github.com/ceotr/form-relay/internal/metrics"
)

// ErrNoTransport is returned when the dispatcher has nothing to send with.
var ErrNoTransport = errors.New("no mail transport configured")

var errNoReceipt = errors.New("transport returned no receipt")

// State is the terminal state of a single attempt.
type State string

const (
	StateDelivered        State = "delivered"
	StateTransientFailure State = "transient_failure"
	StatePermanentFailure State = "permanent_failure"
)

// Attempt records one Send call.
type Attempt struct {
	// Number counts attempts on the same transport, starting at 1.
	Number    int           `json:"number"`
	Transport string        `json:"transport"`
	State     State         `json:"state"`
	Class     mail.Class    `json:"class,omitempty"`
	Err       error         `json:"-"`
	Error     string        `json:"error,omitempty"`
	Delay     time.Duration `json:"delay"`
	Duration  time.Duration `json:"duration"`
}

// Outcome is the result of a successful dispatch.
type Outcome struct {
	Receipt  *mail.Receipt
	Attempts []Attempt
}

// Failure is returned when every transport gave up. Err is the last
// underlying transport error.
type Failure struct {
	Attempts []Attempt
	Err      error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("delivery failed after %d attempts: %v", len(f.Attempts), f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Class returns the classification of the last error.
func (f *Failure) Class() mail.Class {
	return mail.ClassOf(f.Err)
}

// Dispatcher delivers messages through an ordered transport chain.
type Dispatcher struct {
	transports []mail.Transport
	policy     Policy
	log        zerolog.Logger
}

// NewDispatcher creates a Dispatcher. Transports are tried in the given order.
func NewDispatcher(transports []mail.Transport, policy Policy, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		transports: transports,
		policy:     policy.withDefaults(),
		log:        log,
	}
}

// Transports returns the names of the configured transports in order.
func (d *Dispatcher) Transports() []string {
	names := make([]string, len(d.transports))
	for i, t := range d.transports {
		names[i] = t.Name()
	}
	return names
}

// Policy returns the effective retry policy.
func (d *Dispatcher) Policy() Policy {
	return d.policy
}

// Dispatch delivers msg. Each transport gets up to MaxAttempts attempts;
// a permanent error ends that transport at once. The next transport is tried
// unless the recipient itself was refused. The returned error is always a
// *Failure.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *mail.Message) (*Outcome, error) {
	lc := d.log.With().
		Str("message_id", msg.ID).
		Str("to", msg.Recipients())
	if id := logger.CorrelationIDFromContext(ctx); id != "" {
		lc = lc.Str("correlation_id", id)
	}
	log := lc.Logger()

	if len(d.transports) == 0 {
		metrics.DeliveriesTotal.WithLabelValues("failed").Inc()
		log.Error().Msg("no mail transport configured")
		return nil, &Failure{Err: ErrNoTransport}
	}

	var attempts []Attempt
	var lastErr error

	for i, t := range d.transports {
		receipt, tried, err := d.tryTransport(ctx, t, msg, log)
		attempts = append(attempts, tried...)

		if err == nil {
			metrics.DeliveriesTotal.WithLabelValues("delivered").Inc()
			log.Info().
				Str("transport", t.Name()).
				Str("transport_message_id", receipt.MessageID).
				Int("attempts", len(attempts)).
				Msg("message delivered")
			return &Outcome{Receipt: receipt, Attempts: attempts}, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if mail.ClassOf(err) == mail.ClassRecipient {
			log.Warn().Err(err).Str("transport", t.Name()).Msg("recipient refused, not trying other transports")
			break
		}
		if i < len(d.transports)-1 {
			log.Warn().Err(err).
				Str("transport", t.Name()).
				Str("next_transport", d.transports[i+1].Name()).
				Msg("transport gave up, falling back")
		}
	}

	metrics.DeliveriesTotal.WithLabelValues("failed").Inc()
	log.Error().Err(lastErr).
		Int("attempts", len(attempts)).
		Str("class", string(mail.ClassOf(lastErr))).
		Msg("message delivery failed")

	return nil, &Failure{Attempts: attempts, Err: lastErr}
}

// tryTransport runs the retry loop for a single transport.
func (d *Dispatcher) tryTransport(ctx context.Context, t mail.Transport, msg *mail.Message, log zerolog.Logger) (*mail.Receipt, []Attempt, error) {
	var (
		attempts []Attempt
		receipt  *mail.Receipt
		delay    time.Duration
	)

	backoff := d.policy.Backoff()
	recorded := retry.BackoffFunc(func() (time.Duration, bool) {
		next, stop := backoff.Next()
		delay = next
		return next, stop
	})

	err := retry.Do(ctx, recorded, func(ctx context.Context) error {
		a := Attempt{
			Number:    len(attempts) + 1,
			Transport: t.Name(),
			Delay:     delay,
		}

		attemptCtx, cancel := context.WithTimeout(ctx, d.policy.AttemptTimeout)
		start := time.Now()
		r, err := t.Send(attemptCtx, msg)
		a.Duration = time.Since(start)
		cancel()
		if err == nil && r == nil {
			err = &mail.DeliveryError{Transport: t.Name(), Class: mail.ClassTransient, Err: errNoReceipt}
		}

		if err == nil {
			a.State = StateDelivered
			receipt = r
		} else {
			a.Err = err
			a.Error = err.Error()
			a.Class = mail.ClassOf(err)
			a.State = StatePermanentFailure
			if a.Class == mail.ClassTransient {
				a.State = StateTransientFailure
			}
		}

		attempts = append(attempts, a)
		d.observe(log, a)

		switch a.State {
		case StateDelivered:
			return nil
		case StateTransientFailure:
			return retry.RetryableError(err)
		}
		return err
	})

	if err != nil && len(attempts) > 0 {
		// Report the transport error, not a context error from the wait.
		err = attempts[len(attempts)-1].Err
	}
	return receipt, attempts, err
}

func (d *Dispatcher) observe(log zerolog.Logger, a Attempt) {
	metrics.DeliveryAttemptsTotal.WithLabelValues(a.Transport, string(a.State)).Inc()
	metrics.DeliveryAttemptDuration.WithLabelValues(a.Transport).Observe(a.Duration.Seconds())

	ev := log.Debug()
	if a.State != StateDelivered {
		ev = log.Warn().Err(a.Err).Str("class", string(a.Class))
	}
	ev.Str("transport", a.Transport).
		Int("attempt", a.Number).
		Int("max_attempts", d.policy.MaxAttempts).
		Str("state", string(a.State)).
		Dur("delay", a.Delay).
		Dur("duration", a.Duration).
		Msg("delivery attempt")
}
