package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"buildrelay/internal/logger"
)

const produceTimeout = 10 * time.Second

// KafkaForwarder republishes bus events to a Kafka topic
type KafkaForwarder struct {
	client *kgo.Client
	topic  string
	mu     sync.RWMutex
	closed bool
	log    *slog.Logger
}

// NewKafkaForwarder creates a forwarder producing to topic on the given brokers
func NewKafkaForwarder(brokers []string, topic string) (*KafkaForwarder, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one broker address is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka client: %w", err)
	}

	return &KafkaForwarder{
		client: client,
		topic:  topic,
		log:    logger.With("component", "kafka_forwarder", "topic", topic),
	}, nil
}

// Run forwards every event emitted on bus until ctx is done
func (f *KafkaForwarder) Run(ctx context.Context, bus *Bus) {
	sub := bus.SubscribeBuffered(Filter{}, 4*DefaultBuffer)
	defer bus.Unsubscribe(sub)

	f.log.Info("Forwarding lifecycle events to Kafka")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := f.Forward(ctx, ev); err != nil {
				f.log.Error("Failed to forward event", "error", err, "type", ev.Type, "tracking_id", ev.TrackingID)
			}
		}
	}
}

// Forward produces a single event synchronously
func (f *KafkaForwarder) Forward(ctx context.Context, ev Event) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return fmt.Errorf("forwarder is closed")
	}

	record, err := newRecord(f.topic, ev)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, produceTimeout)
	defer cancel()

	if err := f.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}
	return nil
}

// Close flushes and closes the Kafka client
func (f *KafkaForwarder) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	f.client.Close()
}

// newRecord encodes ev as JSON keyed by build so per-build ordering survives partitioning
func newRecord(topic string, ev Event) (*kgo.Record, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}

	return &kgo.Record{
		Topic: topic,
		Key:   []byte(recordKey(ev)),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "type", Value: []byte(ev.Type)},
		},
		Timestamp: ev.Time,
	}, nil
}

func recordKey(ev Event) string {
	if h := ev.Handle(); h != nil {
		return h.Key()
	}
	if ev.JobName != "" {
		return ev.JobName
	}
	return ev.TrackingID
}
