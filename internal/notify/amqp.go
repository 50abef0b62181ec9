package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher is the subset of *amqp.Channel used here.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPNotifier hands alerts to a notification worker fleet through a
// RabbitMQ topic exchange. Routing keys are "alert.<kind>".
type AMQPNotifier struct {
	ch       Publisher
	exchange string
}

func NewAMQPNotifier(ch Publisher, exchange string) *AMQPNotifier {
	return &AMQPNotifier{ch: ch, exchange: exchange}
}

type alertJob struct {
	Contact string    `json:"contact"`
	Message Message   `json:"message"`
	SentAt  time.Time `json:"sentAt"`
}

func (n *AMQPNotifier) Notify(ctx context.Context, contact string, msg Message) error {
	body, err := json.Marshal(alertJob{Contact: contact, Message: msg, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	err = n.ch.PublishWithContext(ctx,
		n.exchange,
		"alert."+string(msg.Kind),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		})
	if err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	return nil
}

// DialAMQP connects to RabbitMQ, retrying while the broker starts up, and
// declares the alert exchange.
func DialAMQP(ctx context.Context, url, exchange string, logger *slog.Logger) (*amqp.Connection, *amqp.Channel, error) {
	var (
		conn *amqp.Connection
		ch   *amqp.Channel
		err  error
	)
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for i := 0; i < 10; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			ch, err = conn.Channel()
			if err == nil {
				err = ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil)
				if err == nil {
					return conn, ch, nil
				}
				_ = ch.Close()
			}
			_ = conn.Close()
		}
		logger.Warn("rabbitmq not ready, retrying", "attempt", i+1, "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
}
