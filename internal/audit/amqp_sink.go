package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/config"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/models"
)

var errSinkClosed = errors.New("amqp sink closed")

// Publisher is the part of an AMQP channel the sink publishes through.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSink publishes audit events as JSON to a topic exchange.
type AMQPSink struct {
	conn       *amqp.Connection
	publisher  Publisher
	exchange   string
	routingKey string
	salt       string

	mu     sync.Mutex
	closed bool
}

// NewAMQPSink dials the broker and declares the durable topic exchange.
func NewAMQPSink(cfg *config.AuditConfig) (*AMQPSink, error) {
	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to audit broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open audit channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		cfg.Exchange, // name
		"topic",      // kind
		true,         // durable
		false,        // auto-delete
		false,        // internal
		false,        // no-wait
		nil,          // args
	)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare audit exchange: %w", err)
	}

	sink := NewAMQPSinkWithPublisher(ch, cfg.Exchange, cfg.RoutingKey, cfg.HashSalt)
	sink.conn = conn
	return sink, nil
}

// NewAMQPSinkWithPublisher creates a sink over an existing publisher.
func NewAMQPSinkWithPublisher(publisher Publisher, exchange, routingKey, salt string) *AMQPSink {
	return &AMQPSink{
		publisher:  publisher,
		exchange:   exchange,
		routingKey: routingKey,
		salt:       salt,
	}
}

// Name identifies the sink in failure logs.
func (s *AMQPSink) Name() string {
	return "amqp"
}

// Emit publishes the event with the user ID replaced by its hash.
func (s *AMQPSink) Emit(ctx context.Context, event models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSinkClosed
	}

	event.UserID = HashIdentifier(s.salt, event.UserID)
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	return s.publisher.PublishWithContext(ctx,
		s.exchange,
		s.routingKey+"."+string(event.Type),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    event.Timestamp,
			Type:         string(event.Type),
			Body:         body,
		},
	)
}

// Close closes the broker connection. Later Emit calls fail.
func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
