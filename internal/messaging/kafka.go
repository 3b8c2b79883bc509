package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

type KafkaPublisher struct {
	writer *kafka.Writer
	topic  string
}

// NewKafkaPublisher writes record events to topic, keyed by submission id so
// that the records of one submission land on the same partition.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("kafka publisher requires both brokers and topic")
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 100 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  5 * time.Second,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			slog.Error("kafka writer error", "error", fmt.Sprintf(msg, args...))
		}),
	}

	slog.Info("kafka publisher created", "brokers", brokers, "topic", topic)

	return &KafkaPublisher{writer: w, topic: topic}, nil
}

func (p *KafkaPublisher) PublishRecord(ctx context.Context, payload RecordPayload) error {
	msg, err := kafkaMessage(payload)
	if err != nil {
		return err
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		slog.Error("error writing kafka message", "topic", p.topic, "submission_id", payload.SubmissionId, "error", err)
		return fmt.Errorf("error writing record to kafka: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() {
	if err := p.writer.Close(); err != nil {
		slog.Error("error closing kafka writer", "error", err)
	}
}

func kafkaMessage(payload RecordPayload) (kafka.Message, error) {
	data, err := encodeRecord(payload)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:     []byte(payload.SubmissionId.String()),
		Value:   data,
		Headers: []kafka.Header{{Key: "type", Value: []byte(RecordMessageType)}},
		Time:    payload.Timestamp,
	}, nil
}

var _ Publisher = (*KafkaPublisher)(nil)
