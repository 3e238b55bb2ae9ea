package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"github.com/patternops/patternops/pkg/dispatch"
	"github.com/patternops/patternops/pkg/envelope"
)

// DefaultPrefetch bounds unacknowledged deliveries per worker. Workers
// process serially, so prefetch is the in-flight buffer: when it fills
// the broker stops sending and backpressure applies upstream.
const DefaultPrefetch = 8

// LeaseExpiryHeader optionally carries the producer-side lease expiry.
// The handler deadline shrinks to the remaining lease when present.
const LeaseExpiryHeader = "x-lease-expires-at"

// requeueDelayCap bounds how long a worker sleeps before nacking a
// delivery the dispatcher asked to requeue.
const requeueDelayCap = 5 * time.Second

// Dispatcher turns one envelope into a delivery verdict.
type Dispatcher interface {
	Dispatch(ctx context.Context, env *envelope.Envelope) dispatch.Decision
}

// DeadLetterer quarantines bodies that never parsed into an envelope.
type DeadLetterer interface {
	PublishDeadLetterRaw(ctx context.Context, body []byte, reason string) error
}

// WorkerHealth is one worker's snapshot for the health surface.
type WorkerHealth struct {
	Topic          string    `json:"topic"`
	Running        bool      `json:"running"`
	Processed      uint64    `json:"processed"`
	Requeued       uint64    `json:"requeued"`
	Quarantined    uint64    `json:"quarantined"`
	LastDeliveryAt time.Time `json:"last_delivery_at,omitempty"`
}

type worker struct {
	topic string
	ch    AMQPChannel
	tag   string

	mu             sync.Mutex
	running        bool
	processed      uint64
	requeued       uint64
	quarantined    uint64
	lastDeliveryAt time.Time
}

func (w *worker) health() WorkerHealth {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkerHealth{
		Topic:          w.topic,
		Running:        w.running,
		Processed:      w.processed,
		Requeued:       w.requeued,
		Quarantined:    w.quarantined,
		LastDeliveryAt: w.lastDeliveryAt,
	}
}

// Fleet runs one consumer worker per contract topic. A configured but
// unreachable broker leaves the fleet in degraded mode: no consumer
// work happens and health reports it, but the process stays up to serve
// reads.
type Fleet struct {
	dialer         AMQPDialer
	url            string
	dispatcher     Dispatcher
	deadLetters    DeadLetterer
	handlerTimeout time.Duration
	prefetch       int
	now            func() time.Time

	mu       sync.Mutex
	conn     AMQPConnection
	workers  map[string]*worker
	degraded bool
	started  bool

	wg sync.WaitGroup
}

// NewFleet creates an unstarted fleet.
func NewFleet(dialer AMQPDialer, url string, dispatcher Dispatcher, handlerTimeout time.Duration) *Fleet {
	return &Fleet{
		dialer:         dialer,
		url:            url,
		dispatcher:     dispatcher,
		handlerTimeout: handlerTimeout,
		prefetch:       DefaultPrefetch,
		now:            time.Now,
		workers:        make(map[string]*worker),
	}
}

// WithPrefetch overrides the per-worker in-flight bound.
func (f *Fleet) WithPrefetch(n int) *Fleet {
	if n > 0 {
		f.prefetch = n
	}
	return f
}

// WithClock overrides the clock, for tests.
func (f *Fleet) WithClock(now func() time.Time) *Fleet {
	f.now = now
	return f
}

// WithDeadLetterer wires the quarantine sink for unparseable bodies.
// Without one they are nack-dropped with only a log line.
func (f *Fleet) WithDeadLetterer(dl DeadLetterer) *Fleet {
	f.deadLetters = dl
	return f
}

// Start validates every topic, connects, and launches one worker per
// topic. A malformed topic fails fast; an unreachable broker degrades
// instead of failing so a bus outage cannot take down the health
// surface.
func (f *Fleet) Start(ctx context.Context, topics []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return fmt.Errorf("fleet already started")
	}

	for _, raw := range topics {
		if _, err := envelope.ParseTopic(raw); err != nil {
			return fmt.Errorf("unresolvable topic: %w", err)
		}
	}

	// A fleet without a dispatcher cannot do work; the caller wires one
	// only when the producer side came up.
	if f.dispatcher == nil {
		f.degraded = true
		f.started = true
		slog.Error("No dispatcher wired, consumer fleet degraded")
		return nil
	}

	conn, err := f.dialer.Dial(f.url)
	if err != nil {
		f.degraded = true
		f.started = true
		slog.Error("Bus unreachable, consumer fleet degraded",
			"url", f.url, "error", err)
		return nil
	}
	f.conn = conn

	for _, topic := range topics {
		w := &worker{topic: topic, tag: "patternops." + topic, running: true}
		deliveries, ch, err := f.subscribe(topic, w.tag)
		if err != nil {
			conn.Close()
			f.conn = nil
			return fmt.Errorf("subscribing %s: %w", topic, err)
		}
		w.ch = ch
		f.workers[topic] = w
		f.wg.Add(1)
		go f.run(ctx, w, deliveries)
	}
	f.started = true
	slog.Info("Consumer fleet started", "workers", len(topics))
	return nil
}

func (f *Fleet) subscribe(topic, tag string) (<-chan amqp.Delivery, AMQPChannel, error) {
	ch, err := f.conn.Channel()
	if err != nil {
		return nil, nil, err
	}
	if _, err := ch.QueueDeclare(topic, true, false, false, false, nil); err != nil {
		return nil, nil, err
	}
	if err := ch.Qos(f.prefetch, 0, false); err != nil {
		return nil, nil, err
	}
	deliveries, err := ch.Consume(topic, tag, false, false, false, false, nil)
	if err != nil {
		return nil, nil, err
	}
	return deliveries, ch, nil
}

func (f *Fleet) run(ctx context.Context, w *worker, deliveries <-chan amqp.Delivery) {
	defer f.wg.Done()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()
	for d := range deliveries {
		f.handle(ctx, w, d)
	}
}

func (f *Fleet) handle(ctx context.Context, w *worker, d amqp.Delivery) {
	w.mu.Lock()
	w.lastDeliveryAt = f.now().UTC()
	w.mu.Unlock()

	env, err := envelope.Parse(d.Body)
	if err != nil {
		// A body that does not parse cannot improve on redelivery, so it
		// goes to the dead-letter queue for inspection instead of back on
		// the topic.
		f.quarantineRaw(ctx, w, d, err)
		return
	}

	deadline := f.deliveryDeadline(d)
	hctx, cancel := context.WithTimeout(ctx, deadline)
	dec := f.dispatcher.Dispatch(hctx, env)
	cancel()

	switch {
	case dec.Ack:
		w.mu.Lock()
		w.processed++
		w.mu.Unlock()
		d.Ack(false)
	default:
		w.mu.Lock()
		w.requeued++
		w.mu.Unlock()
		f.requeueDelay(ctx, dec.Backoff)
		d.Nack(false, true)
	}
}

// quarantineRaw dead-letters an unparseable body and acks it off the
// topic. Without a dead-letterer, or when the quarantine publish fails,
// the body must not be silently lost: no sink means a nack-drop with a
// log line, a failed publish means a requeue so the next attempt can
// quarantine it.
func (f *Fleet) quarantineRaw(ctx context.Context, w *worker, d amqp.Delivery, cause error) {
	w.mu.Lock()
	w.quarantined++
	w.mu.Unlock()

	if f.deadLetters == nil {
		slog.Error("Unparseable delivery dropped, no dead-letter sink",
			"topic", w.topic, "bytes", len(d.Body), "error", cause)
		d.Nack(false, false)
		return
	}
	reason := fmt.Sprintf("unparseable body from %s: %v", w.topic, cause)
	if err := f.deadLetters.PublishDeadLetterRaw(ctx, d.Body, reason); err != nil {
		slog.Error("Dead-letter publish failed, requeueing delivery",
			"topic", w.topic, "bytes", len(d.Body), "error", err)
		d.Nack(false, true)
		return
	}
	slog.Warn("Unparseable delivery quarantined",
		"topic", w.topic, "bytes", len(d.Body), "error", cause)
	d.Ack(false)
}

// deliveryDeadline is min(handler timeout, remaining lease). An already
// expired lease still gets a short deadline so the handler can observe
// the stale lease and report it.
func (f *Fleet) deliveryDeadline(d amqp.Delivery) time.Duration {
	deadline := f.handlerTimeout
	raw, ok := d.Headers[LeaseExpiryHeader]
	if !ok {
		return deadline
	}
	s, ok := raw.(string)
	if !ok {
		return deadline
	}
	expiry, err := envelope.ParseTime(s)
	if err != nil {
		return deadline
	}
	remaining := expiry.Sub(f.now())
	if remaining <= 0 {
		return time.Second
	}
	if remaining < deadline {
		return remaining
	}
	return deadline
}

func (f *Fleet) requeueDelay(ctx context.Context, backoff time.Duration) {
	if backoff <= 0 {
		return
	}
	if backoff > requeueDelayCap {
		backoff = requeueDelayCap
	}
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
	}
}

// Drain stops consuming and waits for in-flight handlers to settle.
// Consumers are cancelled first and the connection closed only after
// the workers finish, so the final acks still have a live channel to
// go out on. Anything unacked at the deadline redelivers after restart.
func (f *Fleet) Drain(deadline time.Time) error {
	f.mu.Lock()
	conn := f.conn
	f.conn = nil
	workers := make([]*worker, 0, len(f.workers))
	for _, w := range f.workers {
		workers = append(workers, w)
	}
	f.mu.Unlock()

	for _, w := range workers {
		if w.ch == nil {
			continue
		}
		if err := w.ch.Cancel(w.tag, false); err != nil {
			slog.Warn("Consumer cancel failed", "topic", w.topic, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	var drainErr error
	select {
	case <-done:
		slog.Info("Consumer fleet drained")
	case <-time.After(time.Until(deadline)):
		drainErr = fmt.Errorf("fleet drain deadline exceeded")
	}

	if conn != nil {
		conn.Close()
	}
	return drainErr
}

// Degraded reports whether the fleet is configured but not consuming.
func (f *Fleet) Degraded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.degraded
}

// Health snapshots every worker, sorted by topic.
func (f *Fleet) Health() []WorkerHealth {
	f.mu.Lock()
	workers := make([]*worker, 0, len(f.workers))
	for _, w := range f.workers {
		workers = append(workers, w)
	}
	f.mu.Unlock()

	out := make([]WorkerHealth, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.health())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}
