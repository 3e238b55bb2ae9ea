package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/patternops/patternops/pkg/domainerr"
	"github.com/patternops/patternops/pkg/envelope"
)

// Publisher emits envelopes to the bus. Quarantined messages go to the
// dead-letter sink.
type Publisher interface {
	Publish(ctx context.Context, env *envelope.Envelope) error
	PublishDeadLetter(ctx context.Context, env *envelope.Envelope, reason string) error
}

// Decision is the delivery verdict for one dispatch.
type Decision struct {
	Ack     bool
	Requeue bool
	Backoff time.Duration
}

var (
	ackDecision = Decision{Ack: true}

	// FailureThreshold consecutive Reject/TransientIO outcomes inside the
	// rolling window trip a handler's breaker.
	FailureThreshold uint32 = 5

	// DisableWindow is how long a tripped handler stays disabled before a
	// probe delivery is allowed through.
	DisableWindow = 60 * time.Second
)

// Dispatcher routes envelopes through the registry, enforces per-handler
// failure budgets, and guarantees that every accepted message yields a
// success event, a failure event, or a quarantine record.
type Dispatcher struct {
	registry   *Registry
	publisher  Publisher
	producerID string
	now        func() time.Time

	mu       sync.Mutex
	breakers map[handlerKey]*gobreaker.CircuitBreaker
}

// NewDispatcher creates a dispatcher over a built registry.
func NewDispatcher(registry *Registry, publisher Publisher, producerID string) *Dispatcher {
	return &Dispatcher{
		registry:   registry,
		publisher:  publisher,
		producerID: producerID,
		now:        time.Now,
		breakers:   make(map[handlerKey]*gobreaker.CircuitBreaker),
	}
}

// WithClock overrides the clock, for tests.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Dispatch routes one envelope. Produced events are published before the
// returned decision acks the inbound delivery; on a crash between the two
// the handler re-runs, and its message_id idempotency collapses the rerun.
func (d *Dispatcher) Dispatch(ctx context.Context, env *envelope.Envelope) Decision {
	key := handlerKey{kind: env.Kind, version: env.SchemaVersion}
	handler, ok := d.registry.Lookup(env.Kind, env.SchemaVersion)
	if !ok {
		return d.quarantine(ctx, env, fmt.Sprintf("no handler for %s", key))
	}

	breaker := d.breakerFor(key)
	result, err := breaker.Execute(func() (any, error) {
		outcome := d.invoke(ctx, handler, env)
		switch outcome.Kind {
		case OutcomeOk:
			return outcome, nil
		case OutcomeRetry:
			return outcome, fmt.Errorf("retry: %s", outcome.Reason)
		default:
			return outcome, fmt.Errorf("reject: %s", outcome.Reason)
		}
	})
	if err != nil {
		if result == nil {
			// Breaker refused the call: handler is disabled. Let bus lag
			// apply pressure upstream; never drop silently.
			return Decision{Requeue: true, Backoff: DisableWindow}
		}
		outcome := result.(Outcome)
		switch outcome.Kind {
		case OutcomeRetry:
			slog.Warn("Handler asked for redelivery",
				"kind", env.Kind, "message_id", env.MessageID,
				"reason", outcome.Reason, "correlation_id", env.CorrelationID)
			return Decision{Requeue: true, Backoff: outcome.Backoff}
		default:
			return d.rejected(ctx, env, outcome.Reason)
		}
	}

	outcome := result.(Outcome)
	for _, produced := range outcome.Events {
		if pubErr := d.publisher.Publish(ctx, produced); pubErr != nil {
			// The inbound delivery stays unacked so the handler re-runs.
			slog.Error("Publishing produced event failed",
				"kind", produced.Kind, "message_id", produced.MessageID,
				"error", pubErr, "correlation_id", env.CorrelationID)
			return Decision{Requeue: true}
		}
	}
	return ackDecision
}

// invoke runs the handler with a panic guard. A panicking handler is a
// programming bug reported as Reject, not a crashed worker.
func (d *Dispatcher) invoke(ctx context.Context, handler Handler, env *envelope.Envelope) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Handler panicked",
				"kind", env.Kind, "message_id", env.MessageID,
				"panic", r, "correlation_id", env.CorrelationID)
			outcome = Reject(fmt.Sprintf("handler panic: %v", r))
		}
	}()
	return handler.Handle(ctx, env)
}

// OutcomeFromError maps a domain error onto a handler outcome, honoring
// the taxonomy's retryability and any backoff hint.
func OutcomeFromError(err error, produced ...*envelope.Envelope) Outcome {
	if err == nil {
		return Ok(produced...)
	}
	kind := domainerr.KindOf(err)
	switch kind {
	case domainerr.KindStaleLease, domainerr.KindConflict, domainerr.KindTransientIO:
		var backoff time.Duration
		var derr *domainerr.Error
		if errors.As(err, &derr) {
			backoff = derr.BackoffHint
		}
		return Retry(err.Error(), backoff)
	default:
		return Reject(err.Error())
	}
}

// quarantine records an unroutable message: dead-letter publish plus a
// log line against the correlation id. The delivery is acked; redelivery
// cannot fix an unknown kind.
func (d *Dispatcher) quarantine(ctx context.Context, env *envelope.Envelope, reason string) Decision {
	slog.Error("Message quarantined",
		"kind", env.Kind, "schema_version", env.SchemaVersion,
		"message_id", env.MessageID, "reason", reason,
		"correlation_id", env.CorrelationID)
	if err := d.publisher.PublishDeadLetter(ctx, env, reason); err != nil {
		slog.Error("Dead-letter publish failed",
			"message_id", env.MessageID, "error", err,
			"correlation_id", env.CorrelationID)
		return Decision{Requeue: true}
	}
	return ackDecision
}

// rejected emits the failure half of the success-or-failure guarantee and
// acks the delivery.
func (d *Dispatcher) rejected(ctx context.Context, env *envelope.Envelope, reason string) Decision {
	now := d.now().UTC()
	failure, err := envelope.New(envelope.KindHandlerFailure, env.CorrelationID, d.producerID, now,
		envelope.HandlerFailurePayload{
			Kind:       env.Kind,
			MessageID:  env.MessageID,
			ErrorKind:  string(domainerr.KindQuarantined),
			Reason:     reason,
			OccurredAt: envelope.FormatTime(now),
		})
	if err == nil {
		err = d.publisher.Publish(ctx, failure)
	}
	if err != nil {
		slog.Error("Failure event emission failed",
			"message_id", env.MessageID, "error", err,
			"correlation_id", env.CorrelationID)
		return Decision{Requeue: true}
	}
	slog.Warn("Handler rejected message",
		"kind", env.Kind, "message_id", env.MessageID,
		"reason", reason, "correlation_id", env.CorrelationID)
	return ackDecision
}

func (d *Dispatcher) breakerFor(key handlerKey) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.breakers[key]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    key.String(),
		Timeout: DisableWindow,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				d.handlerDisabled(key)
			}
			slog.Warn("Handler breaker state changed",
				"handler", name, "from", from.String(), "to", to.String())
		},
	})
	d.breakers[key] = b
	return b
}

// handlerDisabled emits the human-visible event when a failure budget
// trips.
func (d *Dispatcher) handlerDisabled(key handlerKey) {
	now := d.now().UTC()
	evt, err := envelope.New(envelope.KindHandlerDisabled, uuid.NewString(), d.producerID, now,
		envelope.HandlerDisabledPayload{
			Kind:          key.kind,
			SchemaVersion: key.version,
			Failures:      int(FailureThreshold),
			WindowSeconds: int(DisableWindow.Seconds()),
			OccurredAt:    envelope.FormatTime(now),
		})
	if err != nil {
		slog.Error("Building handler_disabled event failed", "handler", key.String(), "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.publisher.Publish(ctx, evt); err != nil {
		slog.Error("Publishing handler_disabled failed", "handler", key.String(), "error", err)
	}
}

// DisabledHandlers lists handlers whose breaker is currently open, for
// the health surface.
func (d *Dispatcher) DisabledHandlers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for key, b := range d.breakers {
		if b.State() == gobreaker.StateOpen {
			out = append(out, key.String())
		}
	}
	return out
}

// Degraded reports whether any handler is disabled.
func (d *Dispatcher) Degraded() bool {
	return len(d.DisabledHandlers()) > 0
}
