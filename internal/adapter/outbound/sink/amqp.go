package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Sentinel-Gate/posguard/internal/domain/securitylog"
)

// DefaultExchange is the topic exchange security events are published to.
const DefaultExchange = "posguard.security"

// Publisher is the subset of *amqp.Channel the sink uses.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSink publishes events to a topic exchange with routing keys of the
// form security.<kind>.<type>, e.g. security.threat.sql_injection_attempt.
type AMQPSink struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	pub      Publisher
	exchange string
	logger   *slog.Logger
}

// DialAMQP connects to url, declares the exchange and returns a sink.
func DialAMQP(url, exchange string, logger *slog.Logger) (*AMQPSink, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	logger.Info("amqp sink ready", "exchange", exchange)
	return &AMQPSink{conn: conn, channel: ch, pub: ch, exchange: exchange, logger: logger}, nil
}

// NewAMQPSink builds a sink on an existing publisher.
func NewAMQPSink(pub Publisher, exchange string, logger *slog.Logger) *AMQPSink {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPSink{pub: pub, exchange: exchange, logger: logger}
}

// RoutingKey returns the routing key for ev.
func RoutingKey(ev securitylog.Event) string {
	var typ string
	switch {
	case ev.Threat != nil:
		typ = string(ev.Threat.Type)
	case ev.Log != nil:
		typ = string(ev.Log.Type)
	}
	if typ == "" {
		typ = "unknown"
	}
	return "security." + ev.Kind() + "." + strings.ToLower(typ)
}

// Send publishes ev as a persistent JSON message.
func (s *AMQPSink) Send(ctx context.Context, ev securitylog.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Type:         ev.Kind(),
	}
	if ev.Threat != nil {
		msg.MessageId = ev.Threat.ID
		msg.Priority = priorityOf(ev.Threat.Severity)
	} else if ev.Log != nil {
		msg.MessageId = ev.Log.ID
	}

	key := RoutingKey(ev)
	if err := s.pub.PublishWithContext(ctx, s.exchange, key, false, false, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	s.logger.Debug("published security event", "routing_key", key)
	return nil
}

func priorityOf(sev securitylog.Severity) uint8 {
	switch sev {
	case securitylog.SeverityCritical:
		return 9
	case securitylog.SeverityHigh:
		return 6
	case securitylog.SeverityMedium:
		return 3
	default:
		return 0
	}
}

// Close closes the channel and connection opened by DialAMQP.
func (s *AMQPSink) Close() error {
	if s.channel != nil {
		_ = s.channel.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

var _ securitylog.Sink = (*AMQPSink)(nil)
