package publish

import (
	"context"
	"fmt"

	"github.com/quillhq/quill/cfg"
	"github.com/quillhq/quill/encoding"
	"github.com/segmentio/kafka-go"
)

func init() {
	Register("kafka", func(config cfg.PublisherConfiguration) (Publisher, error) {
		if len(config.KafkaBrokers) == 0 {
			return nil, fmt.Errorf("kafka publisher requires at least one broker address")
		}
		return NewKafkaPublisher(config.KafkaBrokers, config.KafkaTopic), nil
	})
}

// KafkaPublisher appends records to a Kafka topic keyed by entity id, so a
// compacted topic converges to the latest accepted version per entity.
// Writes are synchronous with full-ISR acks; the write being acked is the
// external service accepting the record.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{}, // Same entity lands on the same partition
		RequiredAcks:           kafka.RequireAll,
		Async:                  false,
		AllowAutoTopicCreation: true,
	}

	return &KafkaPublisher{writer: writer}
}

func (k *KafkaPublisher) Publish(ctx context.Context, rec Record) (Result, error) {
	// Deletes become tombstones so topic compaction drops the entity.
	var value []byte
	if !rec.Deleted {
		var err error
		value, err = encoding.Marshal(rec)
		if err != nil {
			return Result{}, fmt.Errorf("failed to encode record: %w", err)
		}
	}

	msg := kafka.Message{
		Key:   []byte(rec.EntityID),
		Value: value,
	}

	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return Result{}, fmt.Errorf("kafka write failed: %w", err)
	}

	return Result{Success: true}, nil
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
