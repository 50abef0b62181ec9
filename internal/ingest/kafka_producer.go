package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-watch/internal/models"
)

// StreamEvent is the record written to the ride event topic. Records are
// keyed by ride id so one ride's history stays on one partition.
type StreamEvent struct {
	Type      StreamType          `json:"type"`
	RideID    string              `json:"rideId"`
	Sample    *models.Sample      `json:"sample,omitempty"`
	Verdict   *models.Verdict     `json:"verdict,omitempty"`
	Alert     *models.AlertRecord `json:"alert,omitempty"`
	EmittedAt time.Time           `json:"emittedAt"`
}

type StreamType string

const (
	StreamSample StreamType = "sample"
	StreamAlert  StreamType = "alert"
	StreamEnded  StreamType = "ended"
)

// EventPublisher is what the dispatcher needs from the stream.
type EventPublisher interface {
	Publish(ctx context.Context, ev StreamEvent) error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer messageWriter
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) Publish(ctx context.Context, ev StreamEvent) error {
	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.RideID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// DecodeStreamEvent parses one record value from the ride event topic.
func DecodeStreamEvent(b []byte) (StreamEvent, error) {
	var ev StreamEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return ev, err
	}
	if ev.RideID == "" {
		return ev, models.ErrInvalidInput
	}
	return ev, nil
}
