// Package notify publishes user-facing events (one-time codes, welcome
// messages) to downstream delivery. Publishing never fails a request.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Event types
const (
	EventOTP     = "otp"
	EventWelcome = "welcome"
)

// Event is a notification addressed to one recipient
type Event struct {
	Type      string            `json:"type"`
	Recipient string            `json:"recipient"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Notifier delivers events without blocking the caller on failure
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// KafkaNotifier writes events as JSON messages keyed by recipient. Each event
// is published on its own goroutine, so Notify returns before the broker acks.
type KafkaNotifier struct {
	writer  *kafka.Writer
	topic   string
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewKafkaNotifier creates a producer for topic on the given brokers
func NewKafkaNotifier(brokers []string, topic string, logger *zap.Logger) *KafkaNotifier {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		MaxAttempts:  3,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}

	logger.Info("Kafka notifier initialized", zap.Strings("brokers", brokers), zap.String("topic", topic))

	return &KafkaNotifier{
		writer:  writer,
		topic:   topic,
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

// Notify hands event to a background publish. Errors are logged, never returned.
func (n *KafkaNotifier) Notify(ctx context.Context, event Event) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		n.logger.Warn("notifier closed, dropping notification",
			zap.String("type", event.Type),
			zap.String("recipient", event.Recipient),
		)
		return
	}
	n.wg.Add(1)
	n.mu.Unlock()

	// Detached from the request so a finished response does not cancel delivery
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer n.wg.Done()
		if err := n.publish(ctx, event); err != nil {
			n.logger.Error("failed to publish notification",
				zap.String("type", event.Type),
				zap.String("recipient", event.Recipient),
				zap.Error(err),
			)
		}
	}()
}

func (n *KafkaNotifier) publish(ctx context.Context, event Event) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(event.Recipient),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
		},
	}
	if err := n.writer.WriteMessages(writeCtx, msg); err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}

	n.logger.Debug("Produced notification",
		zap.String("topic", n.topic),
		zap.String("type", event.Type),
		zap.Int("value_size", len(value)),
	)
	return nil
}

// Close waits for in-flight publishes, then closes the producer
func (n *KafkaNotifier) Close() error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.wg.Wait()

	if err := n.writer.Close(); err != nil {
		n.logger.Error("failed to close Kafka notifier", zap.Error(err))
		return err
	}
	n.logger.Info("Kafka notifier closed")
	return nil
}

// LogNotifier logs events instead of delivering them. Used when no brokers
// are configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, event Event) {
	n.logger.Info("notification",
		zap.String("type", event.Type),
		zap.String("recipient", event.Recipient),
		zap.Any("data", redact(event.Data)),
	)
}

// secretFields never reach the logs
var secretFields = map[string]bool{
	"otp": true,
}

func redact(data map[string]string) map[string]string {
	if len(data) == 0 {
		return data
	}
	out := make(map[string]string, len(data))
	for k, v := range data {
		if secretFields[k] {
			v = "[redacted]"
		}
		out[k] = v
	}
	return out
}

// Recorder keeps every event in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Notify(ctx context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Last returns the most recent event of the given type sent to recipient
func (r *Recorder) Last(eventType, recipient string) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		e := r.events[i]
		if e.Type == eventType && e.Recipient == recipient {
			return e, true
		}
	}
	return Event{}, false
}
