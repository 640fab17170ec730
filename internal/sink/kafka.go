package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaWriter produces each message as one Kafka record.
type KafkaWriter struct {
	brokers  []string
	clientID string
	client   *kgo.Client
}

func NewKafkaWriter(brokers []string, clientID string) *KafkaWriter {
	return &KafkaWriter{brokers: brokers, clientID: clientID}
}

func (w *KafkaWriter) Open(ctx context.Context) error {
	if len(w.brokers) == 0 {
		return errors.New("kafka: at least one broker is required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(w.brokers...),
		kgo.ClientID(w.clientID),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return fmt.Errorf("kafka client: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return fmt.Errorf("kafka ping: %w", err)
	}
	w.client = client
	return nil
}

func (w *KafkaWriter) Write(ctx context.Context, msg Message) error {
	if w.client == nil {
		return ErrClosed
	}
	record := &kgo.Record{Topic: msg.Topic, Key: msg.Key, Value: msg.Value}
	if err := w.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", msg.Topic, err)
	}
	return nil
}

func (w *KafkaWriter) Flush(ctx context.Context) error {
	if w.client == nil {
		return nil
	}
	return w.client.Flush(ctx)
}

func (w *KafkaWriter) Close() error {
	if w.client != nil {
		w.client.Close()
		w.client = nil
	}
	return nil
}
