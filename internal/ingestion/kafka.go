package ingestion

import (
	"StakeFlow/internal/event"
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// KafkaSink publishes lifecycle events to a Kafka topic, keyed by account
// so one account's events stay ordered within a partition.
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		},
	}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Publish(ctx context.Context, evt event.OperationEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.Account),
		Value: data,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(evt.TypeName)},
			{Key: "request_id", Value: []byte(evt.RequestID)},
		},
	})
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
