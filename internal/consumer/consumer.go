package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	reconnectDelay       = 5 * time.Second
	maxReconnectAttempts = 10
	messageTimeout       = 30 * time.Second
)

// Config holds the broker settings for the settlement queue.
type Config struct {
	URL      string
	Queue    string
	Prefetch int
	Workers  int
}

func (c Config) withDefaults() Config {
	if c.Prefetch <= 0 {
		c.Prefetch = 10
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	return c
}

// Consumer reads verified-transaction messages from RabbitMQ and feeds them to
// a Dispatcher. Deliveries are acknowledged manually after the wallet unit
// commits, so a crash mid-settlement redelivers the message.
type Consumer struct {
	cfg        Config
	dispatcher *Dispatcher
	logger     *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// New builds a consumer. Call Run to connect and start the workers.
func New(cfg Config, dispatcher *Dispatcher, logger *slog.Logger) *Consumer {
	return &Consumer{cfg: cfg.withDefaults(), dispatcher: dispatcher, logger: logger}
}

func (c *Consumer) connect() (<-chan amqp.Delivery, error) {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("start consuming: %w", err)
	}

	c.mu.Lock()
	c.conn, c.ch = conn, ch
	c.mu.Unlock()
	c.logger.Info("connected to rabbitmq", "queue", c.cfg.Queue, "workers", c.cfg.Workers)
	return deliveries, nil
}

// Run consumes until ctx is cancelled, reconnecting with a linear backoff when
// the broker drops the connection.
func (c *Consumer) Run(ctx context.Context) error {
	attempt := 0
	for {
		deliveries, err := c.connect()
		if err != nil {
			attempt++
			if attempt > maxReconnectAttempts {
				return fmt.Errorf("rabbitmq unavailable after %d attempts: %w", maxReconnectAttempts, err)
			}
			delay := reconnectDelay * time.Duration(attempt)
			c.logger.Warn("rabbitmq connect failed, retrying", "attempt", attempt, "delay", delay, "error", err)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		attempt = 0

		c.consume(ctx, deliveries)
		c.close()
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Error("rabbitmq connection lost, reconnecting")
	}
}

// consume runs the worker pool until ctx is done or the delivery channel is
// closed by the broker.
func (c *Consumer) consume(ctx context.Context, deliveries <-chan amqp.Delivery) {
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					c.process(ctx, d.Body, d)
				}
			}
		}()
	}
	wg.Wait()
}

type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func (c *Consumer) process(ctx context.Context, body []byte, ack acknowledger) {
	msgCtx, cancel := context.WithTimeout(ctx, messageTimeout)
	defer cancel()

	outcome := c.dispatcher.Handle(msgCtx, body)
	if outcome != Ack && ctx.Err() != nil {
		outcome = Requeue
	}
	if err := settle(ack, outcome); err != nil {
		c.logger.Error("acknowledge delivery", "outcome", outcome.String(), "error", err)
	}
}

func settle(ack acknowledger, outcome Outcome) error {
	switch outcome {
	case Ack:
		return ack.Ack(false)
	case Requeue:
		return ack.Nack(false, true)
	default:
		return ack.Nack(false, false)
	}
}

func (c *Consumer) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	if c.ch != nil {
		errs = append(errs, c.ch.Close())
		c.ch = nil
	}
	if c.conn != nil && !c.conn.IsClosed() {
		errs = append(errs, c.conn.Close())
	}
	c.conn = nil
	if err := errors.Join(errs...); err != nil && !errors.Is(err, amqp.ErrClosed) {
		c.logger.Warn("close rabbitmq", "error", err)
	}
}
