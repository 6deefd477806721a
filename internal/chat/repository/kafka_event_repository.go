package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"community_chat/internal/chat/domain"

	"github.com/segmentio/kafka-go"
)

// KafkaWriter subset of *kafka.Writer used here
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaEventLog write lifecycle events to a topic keyed by channel id
type KafkaEventLog struct {
	writer KafkaWriter
}

// NewKafkaEventLog create KafkaEventLog
func NewKafkaEventLog(w KafkaWriter) *KafkaEventLog {
	return &KafkaEventLog{writer: w}
}

// Emit 同 channel 同 key, 下游可依 partition 保序
func (k *KafkaEventLog) Emit(ctx context.Context, ev domain.LifecycleEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal lifecycle event: %w", err)
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.ChannelID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
		},
	})
	if err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// Close flush and close the writer
func (k *KafkaEventLog) Close() error {
	return k.writer.Close()
}
