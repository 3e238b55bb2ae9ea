package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patternops/patternops/pkg/dispatch"
	"github.com/patternops/patternops/pkg/envelope"
)

const learnTopic = "prod.patternops.cmd.learning.learn_patterns.v1"

type fakeBusDispatcher struct {
	mu       sync.Mutex
	decision dispatch.Decision
	seen     []*envelope.Envelope
	deadline time.Time
}

func (f *fakeBusDispatcher) Dispatch(ctx context.Context, env *envelope.Envelope) dispatch.Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, env)
	if dl, ok := ctx.Deadline(); ok {
		f.deadline = dl
	}
	return f.decision
}

func (f *fakeBusDispatcher) dispatched() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

type fakeDeadLetterer struct {
	mu      sync.Mutex
	err     error
	bodies  [][]byte
	reasons []string
}

func (f *fakeDeadLetterer) PublishDeadLetterRaw(ctx context.Context, body []byte, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.bodies = append(f.bodies, append([]byte(nil), body...))
	f.reasons = append(f.reasons, reason)
	return nil
}

func (f *fakeDeadLetterer) quarantined() ([][]byte, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies, f.reasons
}

func marshaledEnvelope(t *testing.T, kind string) []byte {
	t.Helper()
	env, err := envelope.New(kind, busCorrID, "patternops-test", busNow, map[string]string{})
	require.NoError(t, err)
	body, err := env.Marshal()
	require.NoError(t, err)
	return body
}

func startTestFleet(t *testing.T, disp Dispatcher, topics ...string) (*Fleet, *MockAMQPChannel) {
	t.Helper()
	return startQuarantiningFleet(t, disp, nil, topics...)
}

func startQuarantiningFleet(t *testing.T, disp Dispatcher, dl DeadLetterer, topics ...string) (*Fleet, *MockAMQPChannel) {
	t.Helper()
	dialer, ch := NewMockAMQPDialer()
	f := NewFleet(dialer, "amqp://bus:5672", disp, time.Minute).
		WithClock(func() time.Time { return busNow }).
		WithDeadLetterer(dl)
	require.NoError(t, f.Start(context.Background(), topics))
	t.Cleanup(func() { f.Drain(time.Now().Add(time.Second)) })
	return f, ch
}

func TestStartFailsFastOnMalformedTopic(t *testing.T) {
	dialer, _ := NewMockAMQPDialer()
	f := NewFleet(dialer, "amqp://bus:5672", &fakeBusDispatcher{}, time.Minute)

	err := f.Start(context.Background(), []string{"not-a-topic"})
	require.Error(t, err)
	assert.False(t, dialer.DialCalled, "topic validation precedes dialing")
}

func TestStartDegradesWhenBrokerUnreachable(t *testing.T) {
	dialer := &MockAMQPDialer{DialErr: assert.AnError}
	f := NewFleet(dialer, "amqp://bus:5672", &fakeBusDispatcher{}, time.Minute)

	require.NoError(t, f.Start(context.Background(), []string{learnTopic}))
	assert.True(t, f.Degraded())
	assert.Empty(t, f.Health())
}

func TestFleetSubscribesEveryContractTopic(t *testing.T) {
	_, ch := startTestFleet(t, &fakeBusDispatcher{}, learnTopic, pairTopic)

	assert.ElementsMatch(t, []string{learnTopic, pairTopic}, ch.ConsumedQueues)
	assert.Equal(t, DefaultPrefetch, ch.PrefetchCount)
}

func TestDeliveryAckedOnSuccess(t *testing.T) {
	disp := &fakeBusDispatcher{decision: dispatch.Decision{Ack: true}}
	f, ch := startTestFleet(t, disp, learnTopic)

	ack := NewMockAcknowledger()
	ch.Deliver(learnTopic, amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  1,
		Body:         marshaledEnvelope(t, envelope.KindLearnPatterns),
	})

	select {
	case <-ack.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never settled")
	}
	acks, nacks, _ := ack.Verdict()
	assert.Equal(t, 1, acks)
	assert.Zero(t, nacks)
	assert.Equal(t, 1, disp.dispatched())

	health := f.Health()
	require.Len(t, health, 1)
	assert.Equal(t, uint64(1), health[0].Processed)
	assert.True(t, health[0].Running)
}

func TestDeliveryRequeuedOnRetry(t *testing.T) {
	disp := &fakeBusDispatcher{decision: dispatch.Decision{Requeue: true}}
	f, ch := startTestFleet(t, disp, learnTopic)

	ack := NewMockAcknowledger()
	ch.Deliver(learnTopic, amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  7,
		Body:         marshaledEnvelope(t, envelope.KindLearnPatterns),
	})

	select {
	case <-ack.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never settled")
	}
	acks, nacks, requeued := ack.Verdict()
	assert.Zero(t, acks)
	assert.Equal(t, 1, nacks)
	assert.True(t, requeued)

	health := f.Health()
	require.Len(t, health, 1)
	assert.Equal(t, uint64(1), health[0].Requeued)
}

func TestUnparseableDeliveryDeadLetteredAndAcked(t *testing.T) {
	disp := &fakeBusDispatcher{decision: dispatch.Decision{Ack: true}}
	dl := &fakeDeadLetterer{}
	f, ch := startQuarantiningFleet(t, disp, dl, learnTopic)

	ack := NewMockAcknowledger()
	ch.Deliver(learnTopic, amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  2,
		Body:         []byte("{broken json"),
	})

	select {
	case <-ack.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never settled")
	}
	acks, nacks, _ := ack.Verdict()
	assert.Equal(t, 1, acks, "quarantined body is acked off the topic")
	assert.Zero(t, nacks)
	assert.Zero(t, disp.dispatched())

	bodies, reasons := dl.quarantined()
	require.Len(t, bodies, 1)
	assert.Equal(t, []byte("{broken json"), bodies[0])
	require.Len(t, reasons, 1)
	assert.Contains(t, reasons[0], learnTopic)

	health := f.Health()
	require.Len(t, health, 1)
	assert.Equal(t, uint64(1), health[0].Quarantined)
}

func TestUnparseableDeliveryRequeuedWhenQuarantineFails(t *testing.T) {
	disp := &fakeBusDispatcher{decision: dispatch.Decision{Ack: true}}
	dl := &fakeDeadLetterer{err: assert.AnError}
	_, ch := startQuarantiningFleet(t, disp, dl, learnTopic)

	ack := NewMockAcknowledger()
	ch.Deliver(learnTopic, amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  4,
		Body:         []byte("{broken json"),
	})

	select {
	case <-ack.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never settled")
	}
	acks, nacks, requeued := ack.Verdict()
	assert.Zero(t, acks)
	assert.Equal(t, 1, nacks)
	assert.True(t, requeued, "the body is not lost while the quarantine sink is down")
}

func TestUnparseableDeliveryDroppedWithoutSink(t *testing.T) {
	disp := &fakeBusDispatcher{decision: dispatch.Decision{Ack: true}}
	f, ch := startTestFleet(t, disp, learnTopic)

	ack := NewMockAcknowledger()
	ch.Deliver(learnTopic, amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  2,
		Body:         []byte("{broken json"),
	})

	select {
	case <-ack.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never settled")
	}
	acks, nacks, requeued := ack.Verdict()
	assert.Zero(t, acks)
	assert.Equal(t, 1, nacks)
	assert.False(t, requeued, "a body that does not parse cannot improve on redelivery")
	assert.Zero(t, disp.dispatched())

	health := f.Health()
	require.Len(t, health, 1)
	assert.Equal(t, uint64(1), health[0].Quarantined)
}

func TestDeliveryDeadlineShrinksToRemainingLease(t *testing.T) {
	dialer, _ := NewMockAMQPDialer()
	f := NewFleet(dialer, "amqp://bus:5672", &fakeBusDispatcher{}, time.Minute).
		WithClock(func() time.Time { return busNow })

	// No lease header: the configured handler timeout applies.
	assert.Equal(t, time.Minute, f.deliveryDeadline(amqp.Delivery{}))

	// Lease outlives the timeout: timeout still applies.
	far := amqp.Delivery{Headers: amqp.Table{
		LeaseExpiryHeader: envelope.FormatTime(busNow.Add(time.Hour)),
	}}
	assert.Equal(t, time.Minute, f.deliveryDeadline(far))

	// Lease expires first: deadline shrinks to the remaining lease.
	near := amqp.Delivery{Headers: amqp.Table{
		LeaseExpiryHeader: envelope.FormatTime(busNow.Add(10 * time.Second)),
	}}
	assert.Equal(t, 10*time.Second, f.deliveryDeadline(near))

	// Expired lease: a short deadline lets the handler observe staleness.
	expired := amqp.Delivery{Headers: amqp.Table{
		LeaseExpiryHeader: envelope.FormatTime(busNow.Add(-time.Second)),
	}}
	assert.Equal(t, time.Second, f.deliveryDeadline(expired))
}

func TestDrainStopsWorkers(t *testing.T) {
	disp := &fakeBusDispatcher{decision: dispatch.Decision{Ack: true}}
	dialer, ch := NewMockAMQPDialer()
	f := NewFleet(dialer, "amqp://bus:5672", disp, time.Minute)
	require.NoError(t, f.Start(context.Background(), []string{learnTopic}))

	require.NoError(t, f.Drain(time.Now().Add(2*time.Second)))
	health := f.Health()
	require.Len(t, health, 1)
	assert.False(t, health[0].Running)
	assert.Equal(t, []string{"patternops." + learnTopic}, ch.Cancelled())
}

// gatedDispatcher blocks in Dispatch until released, to hold one
// delivery in flight across a drain.
type gatedDispatcher struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedDispatcher) Dispatch(ctx context.Context, env *envelope.Envelope) dispatch.Decision {
	close(g.entered)
	<-g.release
	return dispatch.Decision{Ack: true}
}

func TestDrainWaitsForInFlightAck(t *testing.T) {
	disp := &gatedDispatcher{entered: make(chan struct{}), release: make(chan struct{})}
	dialer, ch := NewMockAMQPDialer()
	f := NewFleet(dialer, "amqp://bus:5672", disp, time.Minute)
	require.NoError(t, f.Start(context.Background(), []string{learnTopic}))

	ack := NewMockAcknowledger()
	ch.Deliver(learnTopic, amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  3,
		Body:         marshaledEnvelope(t, envelope.KindLearnPatterns),
	})
	select {
	case <-disp.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	drained := make(chan error, 1)
	go func() { drained <- f.Drain(time.Now().Add(2 * time.Second)) }()

	conn := dialer.MockConnection.(*MockAMQPConnection)
	require.Eventually(t, func() bool { return len(ch.Cancelled()) == 1 },
		time.Second, 10*time.Millisecond, "consumer cancelled while the handler runs")
	assert.False(t, conn.CloseCalled, "connection stays open until workers finish")

	close(disp.release)
	select {
	case err := <-drained:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("drain never returned")
	}
	acks, nacks, _ := ack.Verdict()
	assert.Equal(t, 1, acks, "the in-flight ack lands before the connection closes")
	assert.Zero(t, nacks)
	assert.True(t, conn.CloseCalled)
}

func TestStartTwiceRejected(t *testing.T) {
	f, _ := startTestFleet(t, &fakeBusDispatcher{}, learnTopic)
	assert.Error(t, f.Start(context.Background(), []string{pairTopic}))
}
