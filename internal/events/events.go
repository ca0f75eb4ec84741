// Package events publishes booking outcomes for downstream consumers
// (notifications, analytics). Publishing happens after the coordinator has
// committed; a failed publish is logged and never undoes work.
//
// The Kafka publisher writes asynchronously so a request never waits on the
// broker. Delivery failures are reported through the writer's completion
// callback, and Close flushes whatever is still buffered.
package events

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Event kinds.
const (
	BookingScheduled    = "booking.scheduled"
	BookingCancelled    = "booking.cancelled"
	BookingUpdated      = "booking.updated"
	AvailabilityCreated = "availability.created"
	TransactionRolled   = "transaction.rolled_back"
)

// DefaultBatchTimeout bounds how long a buffered event waits for more
// events before the batch is sent.
const DefaultBatchTimeout = 10 * time.Millisecond

// Config selects the broker. An empty Brokers list disables publishing.
type Config struct {
	Brokers string `yaml:"brokers"` // comma separated host:port list
	Topic   string `yaml:"topic"`
}

// Event is one published outcome.
type Event struct {
	Kind          string    `json:"kind"`
	TransactionID string    `json:"transaction_id"`
	Key           string    `json:"key"`
	Payload       any       `json:"payload,omitempty"`
	At            time.Time `json:"at"`
}

// Publisher sends events somewhere.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// New returns a Kafka publisher when brokers are configured and a no-op
// publisher otherwise.
func New(cfg Config, logger *zap.Logger) Publisher {
	brokers := splitBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		return Noop{}
	}
	topic := cfg.Topic
	if topic == "" {
		topic = "photobook.bookings"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("Kafka publisher configured", zap.Strings("brokers", brokers), zap.String("topic", topic))
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: DefaultBatchTimeout,
			Async:        true,
			Completion:   deliveryReporter(logger),
		},
	}
}

// deliveryReporter logs batches the async writer failed to deliver.
func deliveryReporter(logger *zap.Logger) func([]kafka.Message, error) {
	return func(msgs []kafka.Message, err error) {
		if err == nil {
			return
		}
		keys := make([]string, len(msgs))
		for i, m := range msgs {
			keys[i] = string(m.Key)
		}
		logger.Error("Failed to deliver booking events",
			zap.Int("messages", len(msgs)),
			zap.Strings("keys", keys),
			zap.Error(err),
		)
	}
}

func splitBrokers(csv string) []string {
	brokers := []string{}
	for _, b := range strings.Split(csv, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events as JSON messages keyed by Event.Key, so all
// events about one record land on one partition in order.
type KafkaPublisher struct {
	writer messageWriter
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.Key), Value: data, Time: ev.At})
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of what has been published.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
