package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ambulance-dispatch/internal/models"
)

// KafkaProducer publishes relayed location samples keyed by request and
// role, so every party's fixes land in one partition in order.
type KafkaProducer struct {
	writer  *kafka.Writer
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, s models.LocationSample) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: MessageKey(s), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

func MessageKey(s models.LocationSample) []byte {
	return []byte(s.RequestID + ":" + string(s.Role))
}

var ErrInvalidSample = errors.New("ingest: invalid location sample")

// DecodeLocation parses a consumed message value.
func DecodeLocation(value []byte) (models.LocationSample, error) {
	var s models.LocationSample
	if err := json.Unmarshal(value, &s); err != nil {
		return models.LocationSample{}, fmt.Errorf("%w: %v", ErrInvalidSample, err)
	}
	if s.RequestID == "" || !s.Role.Valid() || !s.Coord().Valid() {
		return models.LocationSample{}, fmt.Errorf("%w: request %q role %q", ErrInvalidSample, s.RequestID, s.Role)
	}
	return s, nil
}
