package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	ce "lakesink/internal/cloudevents"
	"lakesink/internal/store"

	"github.com/go-logr/logr"
	"github.com/segmentio/kafka-go"
)

// Notifier announces a landed delivery to downstream consumers.
type Notifier interface {
	Notify(ctx context.Context, d store.Delivery) error
}

type Nop struct{}

func (Nop) Notify(context.Context, store.Delivery) error { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaOptions struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

type KafkaNotifier struct {
	writer messageWriter
	logger logr.Logger
}

func NewKafkaNotifier(opts KafkaOptions, logger logr.Logger) (*KafkaNotifier, error) {
	brokers := make([]string, 0, len(opts.Brokers))
	for _, b := range opts.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if strings.TrimSpace(opts.Topic) == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	batchTimeout := opts.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  opts.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           batchTimeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return newKafkaNotifier(w, logger), nil
}

func newKafkaNotifier(w messageWriter, logger logr.Logger) *KafkaNotifier {
	return &KafkaNotifier{writer: w, logger: logger.WithName("kafka-notifier")}
}

// Notify publishes a lakesink.file.landed CloudEvent keyed by the change identifier.
func (k *KafkaNotifier) Notify(ctx context.Context, d store.Delivery) error {
	evt, err := ce.NewLandedEvent(d.ID, d.FileName, d.ReceivedAt, d)
	if err != nil {
		return fmt.Errorf("build landed event: %w", err)
	}
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode landed event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(d.Identifier),
		Value: value,
		Headers: []kafka.Header{
			{Key: "ce_type", Value: []byte(evt.Type())},
			{Key: "content-type", Value: []byte("application/cloudevents+json")},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", d.ID, err)
	}
	k.logger.V(1).Info("published landed event", "delivery_id", d.ID, "file", d.FileName)
	return nil
}

func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}
