package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"crewline/internal/config"
	"crewline/internal/domain"
)

const defaultPublishTimeout = 5 * time.Second

// AMQPSink publishes committed events to a topic exchange. Routing keys
// are "<routing_key>.<entity_type>.<event type>".
type AMQPSink struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	exchange   string
	routingKey string
	logger     *slog.Logger
	mu         sync.Mutex
}

// NewAMQPSink dials the broker and declares a durable topic exchange.
func NewAMQPSink(cfg config.AMQPConfig, logger *slog.Logger) (*AMQPSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	key := cfg.RoutingKey
	if key == "" {
		key = "state_change"
	}
	return &AMQPSink{conn: conn, ch: ch, exchange: cfg.Exchange, routingKey: key, logger: logger}, nil
}

func (s *AMQPSink) Publish(ctx context.Context, evts []domain.StateChangeEvent) {
	if s == nil || s.ch == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range evts {
		body, err := json.Marshal(evt)
		if err != nil {
			s.logger.Warn("amqp: marshal event", slog.Int64("event_id", evt.ID), slog.Any("error", err))
			continue
		}
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultPublishTimeout)
		err = s.ch.PublishWithContext(pubCtx, s.exchange, s.routingKeyFor(evt), false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    strconv.FormatInt(evt.ID, 10),
			Type:         evt.Type,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		})
		cancel()
		if err != nil {
			s.logger.Warn("amqp: publish event", slog.Int64("event_id", evt.ID), slog.Any("error", err))
		}
	}
}

func (s *AMQPSink) routingKeyFor(evt domain.StateChangeEvent) string {
	return s.routingKey + "." + evt.EntityType + "." + evt.Type
}

// Close closes the channel and connection.
func (s *AMQPSink) Close() error {
	if s == nil {
		return nil
	}
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
