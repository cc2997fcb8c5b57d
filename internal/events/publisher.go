// Package events publishes alert and digest events to RabbitMQ so other
// services can react to them. Publishing is optional: with no broker
// configured a no-op publisher is used.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Routing keys.
const (
	KeyAlertTriggered = "alert.triggered"
	KeyDigestSent     = "digest.sent"
)

// AlertTriggered is published once per coin excursion.
type AlertTriggered struct {
	Coin       string    `json:"coin"`
	Change24h  float64   `json:"change_24h"`
	PriceUSD   float64   `json:"price_usd"`
	Recipients []string  `json:"recipients"`
	At         time.Time `json:"at"`
}

// DigestSent is published after a digest was dispatched.
type DigestSent struct {
	SubscriberID string    `json:"subscriber_id"`
	Coins        []string  `json:"coins"`
	At           time.Time `json:"at"`
}

// Publisher sends events.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body any) error
	Close()
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, any) error { return nil }
func (Nop) Close()                                     {}

// AMQPPublisher publishes JSON events to a topic exchange.
type AMQPPublisher struct {
	exchange string
	log      *zap.Logger

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	if !strings.HasSuffix(clean, "/") {
		clean += "/"
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewAMQPPublisher connects and declares the exchange.
func NewAMQPPublisher(amqpURL, exchange string, log *zap.Logger) (*AMQPPublisher, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.Dial(cleanURL)
	if err != nil {
		return nil, err
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	err = channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, err
	}

	return &AMQPPublisher{
		exchange: exchange,
		log:      log,
		conn:     conn,
		channel:  channel,
	}, nil
}

// Publish marshals body to JSON and sends it with routingKey.
func (p *AMQPPublisher) Publish(ctx context.Context, routingKey string, body any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return err
	}

	// amqp091 channels are not safe for concurrent publishing.
	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx,
		p.exchange, // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp091.Publishing{
			ContentType: "application/json",
			MessageId:   uuid.NewString(),
			Timestamp:   time.Now(),
			Body:        jsonBody,
		})
	if err != nil {
		return err
	}

	p.log.Debug("published event", zap.String("exchange", p.exchange), zap.String("routing_key", routingKey))
	return nil
}

// Close closes the channel and connection.
func (p *AMQPPublisher) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
