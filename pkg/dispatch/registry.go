// Package dispatch routes envelopes to handlers by (kind, schema_version)
// and converts handler outcomes into delivery decisions: ack, redeliver,
// or quarantine.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/patternops/patternops/pkg/envelope"
)

// Outcome kinds.
type OutcomeKind int

const (
	OutcomeOk OutcomeKind = iota
	OutcomeRetry
	OutcomeReject
)

// Outcome is what a handler returns. Handlers never panic across this
// boundary; domain errors travel inside Reject and Retry reasons.
type Outcome struct {
	Kind    OutcomeKind
	Events  []*envelope.Envelope
	Reason  string
	Backoff time.Duration
}

// Ok reports success with zero or more produced events.
func Ok(events ...*envelope.Envelope) Outcome {
	return Outcome{Kind: OutcomeOk, Events: events}
}

// Retry asks for redelivery after the hinted backoff.
func Retry(reason string, backoff time.Duration) Outcome {
	return Outcome{Kind: OutcomeRetry, Reason: reason, Backoff: backoff}
}

// Reject refuses the message permanently.
func Reject(reason string) Outcome {
	return Outcome{Kind: OutcomeReject, Reason: reason}
}

// Handler processes one envelope.
type Handler interface {
	Handle(ctx context.Context, env *envelope.Envelope) Outcome
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env *envelope.Envelope) Outcome

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, env *envelope.Envelope) Outcome {
	return f(ctx, env)
}

type handlerKey struct {
	kind    string
	version int
}

func (k handlerKey) String() string {
	return fmt.Sprintf("%s.v%d", k.kind, k.version)
}

// Registry maps (kind, schema_version) to handlers. Built once at
// startup, read-only afterwards.
type Registry struct {
	handlers map[handlerKey]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[handlerKey]Handler)}
}

// Register binds a handler. Re-registering an exact (kind, version) pair
// is an error: silent overrides hide wiring bugs.
func (r *Registry) Register(kind string, version int, h Handler) error {
	if h == nil {
		return fmt.Errorf("handler for %s.v%d is nil", kind, version)
	}
	key := handlerKey{kind: kind, version: version}
	if _, dup := r.handlers[key]; dup {
		return fmt.Errorf("handler for %s already registered", key)
	}
	r.handlers[key] = h
	return nil
}

// Lookup returns the handler for (kind, version).
func (r *Registry) Lookup(kind string, version int) (Handler, bool) {
	h, ok := r.handlers[handlerKey{kind: kind, version: version}]
	return h, ok
}

// Kinds returns every registered (kind, version) as "kind.vN", sorted.
func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k.String())
	}
	sort.Strings(out)
	return out
}
