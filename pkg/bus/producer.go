package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"github.com/patternops/patternops/pkg/domainerr"
	"github.com/patternops/patternops/pkg/envelope"
)

// DefaultDeadLetterQueue receives quarantined messages.
const DefaultDeadLetterQueue = "patternops.dead_letter"

// RoutesFromTopics maps (event name, version) onto topic strings. Topics
// come from contract files only; a produced kind with no declared topic
// is a wiring error surfaced at publish time.
func RoutesFromTopics(topics []string) (map[string]string, error) {
	routes := make(map[string]string, len(topics))
	for _, raw := range topics {
		t, err := envelope.ParseTopic(raw)
		if err != nil {
			return nil, err
		}
		key := routeKey(t.EventName, t.Version)
		if prev, dup := routes[key]; dup && prev != raw {
			return nil, fmt.Errorf("event %s routed by both %s and %s", key, prev, raw)
		}
		routes[key] = raw
	}
	return routes, nil
}

func routeKey(kind string, version int) string {
	return fmt.Sprintf("%s.v%d", kind, version)
}

// Producer publishes envelopes to the bus. Messages carry message_id as
// the MessageId property so consumers can collapse redeliveries.
type Producer struct {
	routes          map[string]string
	deadLetterQueue string

	mu       sync.Mutex
	channel  AMQPChannel
	declared map[string]bool
}

// NewProducer opens a channel on conn and declares the dead-letter queue.
func NewProducer(conn AMQPConnection, routes map[string]string, deadLetterQueue string) (*Producer, error) {
	if deadLetterQueue == "" {
		deadLetterQueue = DefaultDeadLetterQueue
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("opening producer channel: %w", err)
	}
	p := &Producer{
		routes:          routes,
		deadLetterQueue: deadLetterQueue,
		channel:         ch,
		declared:        make(map[string]bool),
	}
	if err := p.ensureQueue(deadLetterQueue); err != nil {
		ch.Close()
		return nil, err
	}
	return p, nil
}

// Publish routes one envelope to its declared topic.
func (p *Producer) Publish(ctx context.Context, env *envelope.Envelope) error {
	topic, ok := p.routes[routeKey(env.Kind, env.SchemaVersion)]
	if !ok {
		return domainerr.SchemaViolation(env.CorrelationID,
			"no contract topic routes %s.v%d", env.Kind, env.SchemaVersion)
	}
	body, err := env.Marshal()
	if err != nil {
		return err
	}
	if err := p.publish(topic, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.MessageID,
		CorrelationId: env.CorrelationID,
		Timestamp:     time.Now().UTC(),
		Body:          body,
	}); err != nil {
		return domainerr.TransientIO(env.CorrelationID, err, "publishing %s to %s", env.Kind, topic)
	}
	slog.Debug("Published envelope",
		"kind", env.Kind, "topic", topic,
		"message_id", env.MessageID, "correlation_id", env.CorrelationID)
	return nil
}

// PublishDeadLetter quarantines an unprocessable message with its reason
// preserved in headers.
func (p *Producer) PublishDeadLetter(ctx context.Context, env *envelope.Envelope, reason string) error {
	body, err := env.Marshal()
	if err != nil {
		return err
	}
	if err := p.publish(p.deadLetterQueue, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.MessageID,
		CorrelationId: env.CorrelationID,
		Timestamp:     time.Now().UTC(),
		Headers: amqp.Table{
			"x-quarantine-reason": reason,
			"x-original-kind":     env.Kind,
		},
		Body: body,
	}); err != nil {
		return domainerr.TransientIO(env.CorrelationID, err, "dead-lettering %s", env.Kind)
	}
	return nil
}

// PublishDeadLetterRaw quarantines a body that never parsed into an
// envelope. There is no message id to collapse on, so the raw bytes go
// to the dead-letter queue as-is with the reason in headers.
func (p *Producer) PublishDeadLetterRaw(ctx context.Context, body []byte, reason string) error {
	if err := p.publish(p.deadLetterQueue, amqp.Publishing{
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers: amqp.Table{
			"x-quarantine-reason": reason,
		},
		Body: body,
	}); err != nil {
		return fmt.Errorf("dead-lettering raw body (%d bytes): %w", len(body), err)
	}
	return nil
}

// publish declares the target queue once, then publishes on the default
// exchange with the queue name as routing key.
func (p *Producer) publish(queue string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureQueueLocked(queue); err != nil {
		return err
	}
	return p.channel.Publish("", queue, false, false, msg)
}

func (p *Producer) ensureQueue(queue string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ensureQueueLocked(queue)
}

func (p *Producer) ensureQueueLocked(queue string) error {
	if p.declared[queue] {
		return nil
	}
	if _, err := p.channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring queue %s: %w", queue, err)
	}
	p.declared[queue] = true
	return nil
}

// Close releases the producer channel.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel.Close()
}
