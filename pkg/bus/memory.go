package bus

import (
	"context"
	"sync"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// Memory is an in-process bus. Every published message is recorded and
// delivered to the subscribers of its exact subject.
type Memory struct {
	mu        sync.Mutex
	published []Msg
	subs      map[string][]*memorySubscription
}

// NewMemory creates an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string][]*memorySubscription)}
}

// Publish records data and queues it for the subscribers of subject.
func (m *Memory) Publish(ctx context.Context, subject string, data []byte) error {
	if subject == "" {
		return sdkerrors.NewValidationError("INVALID_SUBJECT", "subject cannot be empty", sdkerrors.ErrInvalidSubject)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := Msg{Subject: subject, Data: append([]byte(nil), data...)}

	m.mu.Lock()
	m.published = append(m.published, msg)
	subs := append([]*memorySubscription(nil), m.subs[subject]...)
	m.mu.Unlock()

	for _, s := range subs {
		s.deliver(msg)
	}
	return nil
}

// Subscribe delivers messages of subject to handler in publication order.
func (m *Memory) Subscribe(ctx context.Context, subject string, handler Handler) (Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &memorySubscription{
		owner:   m,
		subject: subject,
		queue:   make(chan Msg, 256),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	m.subs[subject] = append(m.subs[subject], s)
	m.mu.Unlock()

	go func() {
		defer close(s.done)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-s.queue:
				_ = handler(ctx, &msg)
			}
		}
	}()
	return s, nil
}

// Messages returns the messages published on subject so far.
func (m *Memory) Messages(subject string) []Msg {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Msg
	for _, msg := range m.published {
		if msg.Subject == subject {
			out = append(out, msg)
		}
	}
	return out
}

type memorySubscription struct {
	owner   *Memory
	subject string
	queue   chan Msg
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

func (s *memorySubscription) deliver(msg Msg) {
	select {
	case s.queue <- msg:
	case <-s.done:
	}
}

func (s *memorySubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.owner.mu.Lock()
		subs := s.owner.subs[s.subject]
		for i, other := range subs {
			if other == s {
				s.owner.subs[s.subject] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		s.owner.mu.Unlock()
		s.cancel()
		<-s.done
	})
	return nil
}
