package bus

import (
	"sync"

	"github.com/streadway/amqp"
)

// MockAMQPConnection implements AMQPConnection for tests.
type MockAMQPConnection struct {
	MockChannel AMQPChannel
	ChannelErr  error
	CloseErr    error

	ChannelCalled bool
	CloseCalled   bool
}

// Channel returns the mock channel.
func (m *MockAMQPConnection) Channel() (AMQPChannel, error) {
	m.ChannelCalled = true
	if m.ChannelErr != nil {
		return nil, m.ChannelErr
	}
	return m.MockChannel, nil
}

// Close records the close.
func (m *MockAMQPConnection) Close() error {
	m.CloseCalled = true
	if ch, ok := m.MockChannel.(*MockAMQPChannel); ok {
		ch.closeDeliveries()
	}
	return m.CloseErr
}

// MockAMQPChannel implements AMQPChannel for tests. Published messages
// are recorded for verification and deliveries are fed through Deliver.
type MockAMQPChannel struct {
	mu sync.Mutex

	PublishedMessages []amqp.Publishing
	PublishedKeys     []string

	QueueDeclareErr error
	QosErr          error
	PublishErr      error
	ConsumeErr      error
	CloseErr        error

	DeclaredQueues     []string
	PrefetchCount      int
	ConsumedQueues     []string
	CancelledConsumers []string

	deliveries   map[string]chan amqp.Delivery
	consumers    map[string]string
	closedQueues map[string]bool
	closed       bool
}

// NewMockAMQPChannel creates an empty mock channel.
func NewMockAMQPChannel() *MockAMQPChannel {
	return &MockAMQPChannel{
		deliveries:   make(map[string]chan amqp.Delivery),
		consumers:    make(map[string]string),
		closedQueues: make(map[string]bool),
	}
}

func (m *MockAMQPChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.QueueDeclareErr != nil {
		return amqp.Queue{}, m.QueueDeclareErr
	}
	m.DeclaredQueues = append(m.DeclaredQueues, name)
	return amqp.Queue{Name: name}, nil
}

func (m *MockAMQPChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PrefetchCount = prefetchCount
	return m.QosErr
}

func (m *MockAMQPChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.PublishedMessages = append(m.PublishedMessages, msg)
	m.PublishedKeys = append(m.PublishedKeys, key)
	return nil
}

func (m *MockAMQPChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConsumeErr != nil {
		return nil, m.ConsumeErr
	}
	m.ConsumedQueues = append(m.ConsumedQueues, queue)
	m.consumers[consumer] = queue
	ch, ok := m.deliveries[queue]
	if !ok {
		ch = make(chan amqp.Delivery, 16)
		m.deliveries[queue] = ch
	}
	return ch, nil
}

// Cancel ends the named consumer's delivery stream, as a broker-side
// basic.cancel would. The channel stays open for acks.
func (m *MockAMQPChannel) Cancel(consumer string, noWait bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CancelledConsumers = append(m.CancelledConsumers, consumer)
	queue, ok := m.consumers[consumer]
	if !ok {
		return nil
	}
	if ch, ok := m.deliveries[queue]; ok && !m.closedQueues[queue] {
		m.closedQueues[queue] = true
		close(ch)
	}
	return nil
}

func (m *MockAMQPChannel) Close() error {
	m.closeDeliveries()
	return m.CloseErr
}

// Deliver feeds one delivery into a queue's consumer stream.
func (m *MockAMQPChannel) Deliver(queue string, d amqp.Delivery) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.closedQueues[queue] {
		return
	}
	ch, ok := m.deliveries[queue]
	if !ok {
		ch = make(chan amqp.Delivery, 16)
		m.deliveries[queue] = ch
	}
	ch <- d
}

// closeDeliveries ends every consumer stream, as a closing broker
// connection would.
func (m *MockAMQPChannel) closeDeliveries() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for queue, ch := range m.deliveries {
		if m.closedQueues[queue] {
			continue
		}
		m.closedQueues[queue] = true
		close(ch)
	}
}

// Cancelled returns a snapshot of recorded consumer cancels.
func (m *MockAMQPChannel) Cancelled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.CancelledConsumers))
	copy(out, m.CancelledConsumers)
	return out
}

// Published returns a snapshot of recorded publishes.
func (m *MockAMQPChannel) Published() ([]amqp.Publishing, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := make([]amqp.Publishing, len(m.PublishedMessages))
	copy(msgs, m.PublishedMessages)
	keys := make([]string, len(m.PublishedKeys))
	copy(keys, m.PublishedKeys)
	return msgs, keys
}

// MockAMQPDialer implements AMQPDialer for tests.
type MockAMQPDialer struct {
	MockConnection AMQPConnection
	DialErr        error

	DialCalled bool
	LastURL    string
}

// Dial returns the mock connection.
func (m *MockAMQPDialer) Dial(url string) (AMQPConnection, error) {
	m.DialCalled = true
	m.LastURL = url
	if m.DialErr != nil {
		return nil, m.DialErr
	}
	return m.MockConnection, nil
}

// NewMockAMQPDialer wires a dialer, connection, and channel for tests.
func NewMockAMQPDialer() (*MockAMQPDialer, *MockAMQPChannel) {
	ch := NewMockAMQPChannel()
	conn := &MockAMQPConnection{MockChannel: ch}
	return &MockAMQPDialer{MockConnection: conn}, ch
}

// MockAcknowledger records ack/nack verdicts for injected deliveries.
type MockAcknowledger struct {
	mu      sync.Mutex
	Acks    []uint64
	Nacks   []uint64
	Requeue []bool
	done    chan struct{}
}

// NewMockAcknowledger creates an acknowledger whose Done channel closes
// on the first verdict.
func NewMockAcknowledger() *MockAcknowledger {
	return &MockAcknowledger{done: make(chan struct{})}
}

// Done closes once the delivery is acked or nacked.
func (a *MockAcknowledger) Done() <-chan struct{} { return a.done }

func (a *MockAcknowledger) settle() {
	select {
	case <-a.done:
	default:
		close(a.done)
	}
}

func (a *MockAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Acks = append(a.Acks, tag)
	a.settle()
	return nil
}

func (a *MockAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Nacks = append(a.Nacks, tag)
	a.Requeue = append(a.Requeue, requeue)
	a.settle()
	return nil
}

func (a *MockAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

// Verdict returns the recorded counts.
func (a *MockAcknowledger) Verdict() (acks, nacks int, requeued bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	acks = len(a.Acks)
	nacks = len(a.Nacks)
	for _, r := range a.Requeue {
		requeued = requeued || r
	}
	return acks, nacks, requeued
}
