// Package bus connects the service to the message bus: a consumer fleet
// with one worker per contract topic, and a producer that publishes
// envelopes idempotently. The AMQP surface sits behind small interfaces
// so handlers are exercisable without a broker.
package bus

import (
	"github.com/streadway/amqp"
)

// AMQPConnection abstracts the broker connection for dependency
// injection and testing.
type AMQPConnection interface {
	// Channel opens a channel on the connection.
	Channel() (AMQPChannel, error)

	// Close closes the connection.
	Close() error
}

// AMQPChannel abstracts the broker channel.
type AMQPChannel interface {
	// QueueDeclare declares a queue.
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)

	// Qos bounds the number of unacknowledged deliveries on the channel.
	Qos(prefetchCount, prefetchSize int, global bool) error

	// Publish publishes a message to the given exchange.
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error

	// Consume starts consuming deliveries from a queue.
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)

	// Cancel stops the named consumer; its delivery channel closes after
	// any buffered deliveries, while the channel itself stays usable for
	// acks.
	Cancel(consumer string, noWait bool) error

	// Close closes the channel.
	Close() error
}

// AMQPDialer dials broker connections.
type AMQPDialer interface {
	Dial(url string) (AMQPConnection, error)
}

// RealAMQPConnection wraps an amqp.Connection.
type RealAMQPConnection struct {
	conn *amqp.Connection
}

// Channel opens a channel on the real connection.
func (r *RealAMQPConnection) Channel() (AMQPChannel, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, err
	}
	return &RealAMQPChannel{ch: ch}, nil
}

// Close closes the real connection.
func (r *RealAMQPConnection) Close() error {
	return r.conn.Close()
}

// RealAMQPChannel wraps an amqp.Channel.
type RealAMQPChannel struct {
	ch *amqp.Channel
}

func (r *RealAMQPChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return r.ch.QueueDeclare(name, durable, autoDelete, exclusive, noWait, args)
}

func (r *RealAMQPChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return r.ch.Qos(prefetchCount, prefetchSize, global)
}

func (r *RealAMQPChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return r.ch.Publish(exchange, key, mandatory, immediate, msg)
}

func (r *RealAMQPChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return r.ch.Consume(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
}

func (r *RealAMQPChannel) Cancel(consumer string, noWait bool) error {
	return r.ch.Cancel(consumer, noWait)
}

func (r *RealAMQPChannel) Close() error {
	return r.ch.Close()
}

// RealAMQPDialer dials with the real AMQP library.
type RealAMQPDialer struct{}

// Dial connects to the broker.
func (r *RealAMQPDialer) Dial(url string) (AMQPConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &RealAMQPConnection{conn: conn}, nil
}
