// Package relay mirrors broadcast change notifications onto a RabbitMQ topic exchange so
// back-office consumers can follow the change stream without a live socket.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/tillsync/internal/outbox"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	routingKeyPrefix = "tillsync"
	sinkName         = "amqp"
	confirmTimeout   = 10 * time.Second
)

var (
	// ErrUnavailable indicates the broker connection is down and could not be restored.
	ErrUnavailable = errors.New("relay: amqp connection unavailable")
	// ErrNack indicates the broker refused to persist the message.
	ErrNack = errors.New("relay: amqp nack")
)

// Config describes the AMQP connection.
type Config struct {
	URL      string
	Exchange string
	Logger   *zap.Logger
}

// Publisher publishes with publisher confirms and redials lazily after the connection drops.
type Publisher struct {
	url      string
	exchange string
	logger   *zap.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	healthy atomic.Bool
}

// NewPublisher connects, declares the topic exchange and enables confirms.
func NewPublisher(cfg Config) (*Publisher, error) {
	if strings.TrimSpace(cfg.URL) == "" || strings.TrimSpace(cfg.Exchange) == "" {
		return nil, fmt.Errorf("relay: url and exchange are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	publisher := &Publisher{url: cfg.URL, exchange: cfg.Exchange, logger: logger}
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	if err := publisher.connectLocked(); err != nil {
		return nil, err
	}
	return publisher, nil
}

func (p *Publisher) connectLocked() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("relay: dial: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("relay: open channel: %w", err)
	}
	if err := channel.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("relay: declare exchange: %w", err)
	}
	if err := channel.Confirm(false); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("relay: enable confirms: %w", err)
	}

	p.conn = conn
	p.channel = channel
	p.healthy.Store(true)

	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chanClosed := channel.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		var closeErr *amqp.Error
		select {
		case closeErr = <-connClosed:
		case closeErr = <-chanClosed:
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		// A redial may already have replaced this connection.
		if p.conn == conn {
			p.healthy.Store(false)
			p.logger.Warn("amqp connection lost", zap.Any("error", closeErr))
		}
	}()

	p.logger.Info("amqp relay connected", zap.String("exchange", p.exchange))
	return nil
}

// Name identifies the sink in metrics and logs.
func (p *Publisher) Name() string {
	return sinkName
}

// Healthy reports whether the connection and channel are open.
func (p *Publisher) Healthy() bool {
	return p.healthy.Load()
}

// Publish sends the broadcast message and waits for the broker confirm.
func (p *Publisher) Publish(ctx context.Context, entry outbox.Entry, message []byte) error {
	channel, err := p.currentChannel()
	if err != nil {
		return err
	}

	deferred, err := channel.PublishWithDeferredConfirmWithContext(
		ctx,
		p.exchange,
		RoutingKey(entry),
		false,
		false,
		amqp.Publishing{
			Headers: amqp.Table{
				"outbox_id": entry.ID,
				"device_id": entry.DeviceID,
			},
			MessageId:    entry.ID,
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    entry.CreatedAt(),
			Body:         message,
		},
	)
	if err != nil {
		return fmt.Errorf("relay: publish: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-deferred.Done():
		if !deferred.Acked() {
			return ErrNack
		}
		return nil
	case <-time.After(confirmTimeout):
		return fmt.Errorf("relay: publisher confirm timeout")
	}
}

func (p *Publisher) currentChannel() (*amqp.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.healthy.Load() && p.channel != nil {
		return p.channel, nil
	}
	p.closeLocked()
	if err := p.connectLocked(); err != nil {
		p.logger.Warn("amqp reconnect failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return p.channel, nil
}

// Close shuts the channel and connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	return nil
}

func (p *Publisher) closeLocked() {
	p.healthy.Store(false)
	if p.channel != nil {
		_ = p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// RoutingKey returns tillsync.<client>.<branch>.<table>.<operation>. Segments are
// sanitized so identifiers cannot inject topic separators or wildcards.
func RoutingKey(entry outbox.Entry) string {
	return strings.Join([]string{
		routingKeyPrefix,
		sanitizeSegment(entry.ClientID),
		sanitizeSegment(entry.BranchID),
		sanitizeSegment(entry.EntityType),
		sanitizeSegment(entry.Operation),
	}, ".")
}

var segmentReplacer = strings.NewReplacer(".", "_", "*", "_", "#", "_", " ", "_")

func sanitizeSegment(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "_"
	}
	return segmentReplacer.Replace(trimmed)
}
