package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"go.uber.org/zap"
)

// JSContext defines the subset of JetStream operations the bus depends on.
// This allows tests to provide a mock without requiring a running NATS server.
type JSContext interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
	PullSubscribe(subj, durable string, opts ...nats.SubOpt) (JSSubscription, error)
	StreamInfo(stream string) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error)
}

// JSSubscription abstracts the pull subscription operations used by the bus.
type JSSubscription interface {
	Unsubscribe() error
	IsValid() bool
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
}

// WrapNATSJetStream adapts a nats.JetStreamContext to the JSContext interface.
func WrapNATSJetStream(js nats.JetStreamContext) JSContext {
	return &natsJSAdapter{js: js}
}

type natsJSAdapter struct {
	js nats.JetStreamContext
}

func (a *natsJSAdapter) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	return a.js.Publish(subj, data, opts...)
}

func (a *natsJSAdapter) PullSubscribe(subj, durable string, opts ...nats.SubOpt) (JSSubscription, error) {
	sub, err := a.js.PullSubscribe(subj, durable, opts...)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (a *natsJSAdapter) StreamInfo(stream string) (*nats.StreamInfo, error) {
	return a.js.StreamInfo(stream)
}

func (a *natsJSAdapter) AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error) {
	return a.js.AddStream(cfg)
}

// JetStream is a Publisher and Subscriber backed by NATS JetStream.
// Streams are created on demand, one per subject namespace.
type JetStream struct {
	js         JSContext
	logger     *zap.Logger
	maxAge     time.Duration
	fetchWait  time.Duration
	fetchBatch int

	mu      sync.Mutex
	streams map[string]bool
}

// NewJetStream creates a JetStream bus.
func NewJetStream(js JSContext, logger *zap.Logger) (*JetStream, error) {
	if js == nil {
		return nil, fmt.Errorf("JetStream context cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JetStream{
		js:         js,
		logger:     logger,
		maxAge:     24 * time.Hour,
		fetchWait:  2 * time.Second,
		fetchBatch: 10,
		streams:    make(map[string]bool),
	}, nil
}

// SetFetchWait bounds how long a pull waits for messages.
func (b *JetStream) SetFetchWait(d time.Duration) {
	if d > 0 {
		b.fetchWait = d
	}
}

// EnsureStream creates the stream holding subject if it does not exist.
// The stream is named after the first subject segment and captures "<name>.>".
func (b *JetStream) EnsureStream(subject string) error {
	streamName := subject
	if i := strings.IndexByte(subject, '.'); i > 0 {
		streamName = subject[:i]
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.streams[streamName] {
		return nil
	}

	_, err := b.js.StreamInfo(streamName)
	if err == nats.ErrStreamNotFound {
		cfg := &nats.StreamConfig{
			Name:     streamName,
			Subjects: []string{streamName + ".>"},
			Storage:  nats.FileStorage,
			MaxAge:   b.maxAge,
			MaxMsgs:  100000,
			Replicas: 1,
		}
		if _, err = b.js.AddStream(cfg); err != nil {
			return fmt.Errorf("failed to create stream '%s' for subject '%s': %w", streamName, subject, err)
		}
		b.logger.Info("Created JetStream stream",
			zap.String("stream", streamName),
			zap.Strings("subjects", cfg.Subjects))
	} else if err != nil {
		return fmt.Errorf("failed to get stream info for '%s': %w", streamName, err)
	}

	b.streams[streamName] = true
	return nil
}

// Publish persists data on subject.
func (b *JetStream) Publish(ctx context.Context, subject string, data []byte) error {
	if subject == "" {
		return sdkerrors.NewValidationError("INVALID_SUBJECT", "subject cannot be empty", sdkerrors.ErrInvalidSubject)
	}
	if err := b.EnsureStream(subject); err != nil {
		return sdkerrors.NewTransportError("STREAM_ENSURE_FAILED", "failed to ensure stream exists", err)
	}

	resultCh := make(chan error, 1)
	go func() {
		_, err := b.js.Publish(subject, data)
		resultCh <- err
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("publish cancelled: %w", ctx.Err())
	case err := <-resultCh:
		if err != nil {
			return sdkerrors.NewTransportError("PUBLISH_FAILED", "failed to publish message to JetStream", err)
		}
		b.logger.Debug("Message published",
			zap.String("subject", subject),
			zap.Int("bytes", len(data)))
		return nil
	}
}

// Subscribe pulls messages of subject through a durable consumer and hands
// them to handler until ctx is done or the subscription is closed.
// Handler errors nak the message for redelivery.
func (b *JetStream) Subscribe(ctx context.Context, subject string, handler Handler) (Subscription, error) {
	if subject == "" {
		return nil, sdkerrors.NewValidationError("INVALID_SUBJECT", "subject cannot be empty", sdkerrors.ErrInvalidSubject)
	}
	if err := b.EnsureStream(subject); err != nil {
		return nil, sdkerrors.NewTransportError("STREAM_ENSURE_FAILED", "failed to ensure stream exists", err)
	}

	durable := strings.NewReplacer(".", "_", "*", "all", ">", "rest").Replace(subject)
	sub, err := b.js.PullSubscribe(subject, durable, nats.AckExplicit())
	if err != nil {
		return nil, sdkerrors.NewTransportError("SUBSCRIBE_FAILED", "failed to create pull subscription", fmt.Errorf("%w: %v", sdkerrors.ErrSubscriptionFailed, err))
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &jsSubscription{sub: sub, cancel: cancel, done: make(chan struct{})}
	go b.pull(ctx, subject, sub, handler, s.done)

	b.logger.Info("Subscribed to subject",
		zap.String("subject", subject),
		zap.String("durable", durable))
	return s, nil
}

func (b *JetStream) pull(ctx context.Context, subject string, sub JSSubscription, handler Handler, done chan struct{}) {
	defer close(done)
	for {
		if ctx.Err() != nil || !sub.IsValid() {
			return
		}
		msgs, err := sub.Fetch(b.fetchBatch, nats.MaxWait(b.fetchWait))
		if err != nil {
			if err == nats.ErrTimeout {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("Failed to fetch messages",
				zap.String("subject", subject),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.fetchWait):
			}
			continue
		}

		for _, m := range msgs {
			if err := handler(ctx, &Msg{Subject: m.Subject, Data: m.Data}); err != nil {
				b.logger.Warn("Message handler failed",
					zap.String("subject", subject),
					zap.Error(err))
				if m.Reply != "" {
					_ = m.Nak()
				}
				continue
			}
			if m.Reply != "" {
				_ = m.Ack()
			}
		}
	}
}

type jsSubscription struct {
	sub    JSSubscription
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

func (s *jsSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.err = s.sub.Unsubscribe()
	})
	return s.err
}
