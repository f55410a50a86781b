package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/example/ambulance-dispatch/internal/models"
)

const (
	KeyRideStarted   = "ride.started"
	KeyRideCompleted = "ride.completed"
)

// Publisher announces ride milestones to downstream consumers.
type Publisher interface {
	PublishRide(ctx context.Context, r models.Ride) error
	Close() error
}

// RoutingKey maps a ride to its milestone key.
func RoutingKey(r models.Ride) string {
	if r.Status == models.RideCompleted {
		return KeyRideCompleted
	}
	return KeyRideStarted
}

type Nop struct{}

func (Nop) PublishRide(context.Context, models.Ride) error { return nil }
func (Nop) Close() error { return nil }

var ErrConnClosed = errors.New("events: connection is closed")

// RabbitPublisher publishes JSON ride records to a topic exchange and
// reconnects in the background when the broker drops it.
type RabbitPublisher struct {
	url      string
	exchange string
	logger   *slog.Logger

	mu           sync.Mutex
	conn         *amqp.Connection
	ch           *amqp.Channel
	reconnecting bool
	done         chan struct{}
	closeOnce    sync.Once
}

func NewRabbitPublisher(url, exchange string, logger *slog.Logger) (*RabbitPublisher, error) {
	p := &RabbitPublisher{url: url, exchange: exchange, logger: logger, done: make(chan struct{})}
	if err := p.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	return p, nil
}

func (p *RabbitPublisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return err
	}
	p.mu.Lock()
	p.conn = conn
	p.ch = ch
	p.mu.Unlock()
	return nil
}

func (p *RabbitPublisher) PublishRide(ctx context.Context, r models.Ride) error {
	p.mu.Lock()
	conn, ch := p.conn, p.ch
	p.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		go p.reconnect()
		return ErrConnClosed
	}
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx, p.exchange, RoutingKey(r), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		MessageId:    r.ID,
		Body:         body,
	})
}

func (p *RabbitPublisher) reconnect() {
	p.mu.Lock()
	if p.reconnecting {
		p.mu.Unlock()
		return
	}
	p.reconnecting = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.reconnecting = false
		p.mu.Unlock()
	}()

	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-t.C:
			if err := p.connect(); err != nil {
				p.logger.Warn("rabbitmq reconnect failed", "error", err)
				continue
			}
			p.logger.Info("rabbitmq reconnected")
			return
		}
	}
}

// IsAlive reports whether the connection and channel are open.
func (p *RabbitPublisher) IsAlive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil && !p.conn.IsClosed() && p.ch != nil && !p.ch.IsClosed()
}

func (p *RabbitPublisher) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil && !p.ch.IsClosed() {
		if err := p.ch.Close(); err != nil {
			return fmt.Errorf("close rabbitmq channel: %w", err)
		}
	}
	if p.conn != nil && !p.conn.IsClosed() {
		if err := p.conn.Close(); err != nil {
			return fmt.Errorf("close rabbitmq connection: %w", err)
		}
	}
	return nil
}
