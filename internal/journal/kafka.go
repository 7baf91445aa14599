package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Kafka writes entries to a topic keyed by thread, so each thread's events
// stay ordered within one partition.
type Kafka struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafka returns an asynchronous producer for topic.
func NewKafka(brokers []string, topic string, logger *zap.Logger) *Kafka {
	if logger == nil {
		logger = zap.NewNop()
	}
	k := &Kafka{logger: logger}
	k.writer = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
		Async:        true,
		Completion:   k.completion,
	}
	return k
}

func message(e Entry) (kafka.Message, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode journal entry: %w", err)
	}
	return kafka.Message{
		Key:   []byte(e.ThreadID),
		Value: value,
		Time:  e.At,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(e.Type)},
		},
	}, nil
}

// Publish implements Publisher.
func (k *Kafka) Publish(ctx context.Context, e Entry) error {
	msg, err := message(e)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, msg)
}

func (k *Kafka) completion(messages []kafka.Message, err error) {
	if err != nil {
		k.logger.Warn("journal_write_failed", zap.Int("messages", len(messages)), zap.Error(err))
	}
}

// Close flushes pending messages.
func (k *Kafka) Close() error {
	return k.writer.Close()
}
