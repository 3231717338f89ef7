package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"go.uber.org/zap"
)

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers      []string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
	Retries      int
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Kafka publishes status events to Kafka topics named after the subject.
type Kafka struct {
	writer  messageWriter
	logger  *zap.Logger
	retries int

	mu     sync.RWMutex
	closed bool
}

// NewKafka creates a Kafka publisher writing to cfg.Brokers.
func NewKafka(cfg KafkaConfig, logger *zap.Logger) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	writer := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.Brokers...),
		Balancer:               &kafkago.LeastBytes{},
		BatchTimeout:           cfg.BatchTimeout,
		WriteTimeout:           cfg.WriteTimeout,
		RequiredAcks:           kafkago.RequireOne,
		AllowAutoTopicCreation: true,
		ErrorLogger: kafkago.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error("kafka writer: " + fmt.Sprintf(msg, args...))
		}),
	}

	logger.Info("Kafka publisher initialized", zap.Strings("brokers", cfg.Brokers))
	return newKafka(writer, cfg.Retries, logger), nil
}

func newKafka(w messageWriter, retries int, logger *zap.Logger) *Kafka {
	if retries <= 0 {
		retries = 3
	}
	return &Kafka{writer: w, logger: logger, retries: retries}
}

// Publish writes data to the topic named subject, retrying with linear backoff.
func (k *Kafka) Publish(ctx context.Context, subject string, data []byte) error {
	if subject == "" {
		return sdkerrors.NewValidationError("INVALID_SUBJECT", "subject cannot be empty", sdkerrors.ErrInvalidSubject)
	}
	k.mu.RLock()
	closed := k.closed
	k.mu.RUnlock()
	if closed {
		return sdkerrors.NewTransportError("PUBLISHER_CLOSED", "kafka publisher is closed", sdkerrors.ErrPublishFailed)
	}

	msg := kafkago.Message{Topic: subject, Value: data, Time: time.Now()}
	var lastErr error
	for attempt := 1; attempt <= k.retries; attempt++ {
		if lastErr = k.writer.WriteMessages(ctx, msg); lastErr == nil {
			return nil
		}
		if attempt < k.retries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}
	}
	return sdkerrors.NewTransportError("PUBLISH_FAILED",
		fmt.Sprintf("write to %s after %d attempts", subject, k.retries), lastErr)
}

// Close flushes and closes the writer.
func (k *Kafka) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true
	return k.writer.Close()
}
