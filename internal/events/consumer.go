package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streadway/amqp"
)

// ConsumerConfig contains AMQP consumer settings
type ConsumerConfig struct {
	URL            string
	Queue          string
	Prefetch       int
	ReconnectDelay time.Duration
}

// Consumer reads domain events from a durable AMQP queue and forwards them
// to a Sink. Deliveries are acked only after the sink accepted the event.
type Consumer struct {
	cfg    ConsumerConfig
	sink   Sink
	logger *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewConsumer creates a new AMQP event consumer
func NewConsumer(cfg ConsumerConfig, sink Sink, logger *slog.Logger) *Consumer {
	if cfg.Queue == "" {
		cfg.Queue = "cadence.events"
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 16
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}

	return &Consumer{
		cfg:    cfg,
		sink:   sink,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Start runs the consume loop until ctx is done or Stop is called
func (c *Consumer) Start(ctx context.Context) {
	c.logger.Info("starting event consumer", "queue", c.cfg.Queue)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			if err := c.consume(ctx); err != nil {
				c.logger.Warn("event consumer disconnected", "error", err, "retry_in", c.cfg.ReconnectDelay)
			}

			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-time.After(c.cfg.ReconnectDelay):
			}
		}
	}()
}

// Stop stops the consumer and waits for the loop to exit
func (c *Consumer) Stop() {
	c.logger.Info("stopping event consumer")
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Consumer) consume(ctx context.Context) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.stopCh:
			return nil
		case amqpErr := <-closed:
			if amqpErr == nil {
				return fmt.Errorf("connection closed")
			}
			return amqpErr
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	ev, err := Decode(d.Body)
	if err != nil {
		// A malformed event will never parse; drop it.
		c.logger.Warn("dropping invalid event", "error", err)
		d.Nack(false, false)
		return
	}

	if err := c.sink.OnEvent(ctx, ev); err != nil {
		c.logger.Error("failed to handle event", "type", ev.Type, "contact_id", ev.ContactID, "error", err)
		d.Nack(false, !d.Redelivered)
		return
	}

	d.Ack(false)
}

// Decode parses and validates a JSON event body
func Decode(body []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, fmt.Errorf("failed to parse event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	return ev, nil
}
