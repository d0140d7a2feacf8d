// Package bus publishes engine events to the internal pub/sub fabric.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

const (
	BackendNone  = "none"
	BackendRedis = "redis"
	BackendKafka = "kafka"
)

var ErrClosed = errors.New("publisher closed")

// Publisher delivers a JSON-encoded value on a named channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, v any) error
	Close() error
}

type Config struct {
	Backend      string
	RedisAddr    string
	RedisDB      int
	KafkaBrokers []string
	KafkaTopic   string
	WriteTimeout time.Duration
	// OnAsyncError is told about batches an asynchronous backend failed to
	// deliver after Publish returned.
	OnAsyncError func(err error)
}

// New builds the publisher selected by cfg.Backend.
func New(cfg Config, logger *logrus.Logger) (Publisher, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", BackendNone:
		return Nop{}, nil
	case BackendRedis:
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("redis backend requires an address")
		}
		return NewRedisPublisher(cfg), nil
	case BackendKafka:
		if len(cfg.KafkaBrokers) == 0 || cfg.KafkaTopic == "" {
			return nil, fmt.Errorf("kafka backend requires brokers and a topic")
		}
		return NewKafkaPublisher(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown bus backend %q", cfg.Backend)
	}
}

// RedisPublisher uses Redis PUBLISH; subscribers pick channels by pattern.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(cfg Config) *RedisPublisher {
	return &RedisPublisher{
		client: redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			DB:           cfg.RedisDB,
			WriteTimeout: cfg.WriteTimeout,
		}),
	}
}

func (r *RedisPublisher) Publish(ctx context.Context, channel string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", channel, err)
	}
	return r.client.Publish(ctx, channel, data).Err()
}

func (r *RedisPublisher) Close() error {
	return r.client.Close()
}

// KafkaPublisher writes every channel to one topic with the channel as the
// message key, so one instrument always lands on one partition. Writes are
// asynchronous and batched; delivery failures surface through OnAsyncError.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(cfg Config, logger *logrus.Logger) *KafkaPublisher {
	log := logger.WithField("component", "bus")
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.KafkaBrokers...),
			Topic:        cfg.KafkaTopic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 5 * time.Millisecond,
			WriteTimeout: cfg.WriteTimeout,
			RequiredAcks: kafka.RequireOne,
			Async:        true,
			Completion: func(messages []kafka.Message, err error) {
				if err == nil {
					return
				}
				log.WithError(err).WithField("messages", len(messages)).Warn("Kafka batch not delivered")
				if cfg.OnAsyncError != nil {
					cfg.OnAsyncError(err)
				}
			},
			ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
				log.Errorf(msg, args...)
			}),
		},
	}
}

func (k *KafkaPublisher) Publish(ctx context.Context, channel string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", channel, err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(channel), Value: data})
}

func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(context.Context, string, any) error { return nil }
func (Nop) Close() error                               { return nil }

// Message is a publish captured by Memory.
type Message struct {
	Channel string
	Payload []byte
}

// Memory keeps published messages in process. Useful in tests and dry runs.
type Memory struct {
	mu       sync.Mutex
	messages []Message
	closed   bool
	fail     error
}

func (m *Memory) Publish(ctx context.Context, channel string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.fail != nil {
		return m.fail
	}
	m.messages = append(m.messages, Message{Channel: channel, Payload: data})
	return nil
}

// FailWith makes subsequent publishes return err (nil to recover).
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

func (m *Memory) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages...)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
