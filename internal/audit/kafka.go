package audit

import (
	"context"
	"encoding/json"
	"time"

	skafka "github.com/segmentio/kafka-go"

	"scriptgate.org/internal/model"
)

// Writer is the subset of kafka.Writer the sink needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...skafka.Message) error
	Close() error
}

// KafkaSink publishes entries as JSON messages keyed by external identity so
// all changes for one identity land on the same partition.
type KafkaSink struct {
	writer Writer
}

// NewKafkaSink writes to topic on the given brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	w := &skafka.Writer{
		Addr:         skafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &skafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: skafka.RequireOne,
	}
	return &KafkaSink{writer: w}
}

// NewKafkaSinkWithWriter allows injecting a test writer.
func NewKafkaSinkWithWriter(w Writer) *KafkaSink {
	return &KafkaSink{writer: w}
}

func (k *KafkaSink) Publish(ctx context.Context, e model.AuditEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	msg := skafka.Message{
		Key:   []byte(e.ExternalIdentity),
		Value: b,
		Time:  e.OccurredAt,
		Headers: []skafka.Header{
			{Key: "action", Value: []byte(e.Action)},
			{Key: "outcome", Value: []byte(e.Outcome)},
		},
	}
	return k.writer.WriteMessages(ctx, msg)
}

// Close closes the underlying writer.
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
