package bus

import (
	"sync"

	nats "github.com/nats-io/nats.go"
)

// MockJS is a lightweight in-memory implementation of JSContext
// suitable for unit tests without a running NATS server.
type MockJS struct {
	mu          sync.Mutex
	allMessages []*nats.Msg
	streams     map[string]*nats.StreamInfo
	publishErr  error
	cursors     map[string]int
}

func NewMockJS() *MockJS {
	return &MockJS{
		streams: make(map[string]*nats.StreamInfo),
		cursors: make(map[string]int),
	}
}

func (m *MockJS) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return nil, m.publishErr
	}
	m.allMessages = append(m.allMessages, &nats.Msg{Subject: subj, Data: data})
	return &nats.PubAck{Stream: "MOCK", Sequence: uint64(len(m.allMessages))}, nil
}

func (m *MockJS) PullSubscribe(subj, durable string, opts ...nats.SubOpt) (JSSubscription, error) {
	return &mockPullSubscription{owner: m, subject: subj, durable: durable, valid: true}, nil
}

func (m *MockJS) StreamInfo(stream string) (*nats.StreamInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, exists := m.streams[stream]; exists {
		return info, nil
	}
	return nil, nats.ErrStreamNotFound
}

func (m *MockJS) AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := &nats.StreamInfo{Config: *cfg, State: nats.StreamState{FirstSeq: 1}}
	m.streams[cfg.Name] = info
	return info, nil
}

func (m *MockJS) Messages() []*nats.Msg {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*nats.Msg(nil), m.allMessages...)
}

type mockPullSubscription struct {
	owner   *MockJS
	subject string
	durable string

	mu    sync.Mutex
	valid bool
}

func (s *mockPullSubscription) Unsubscribe() error {
	s.mu.Lock()
	s.valid = false
	s.mu.Unlock()
	return nil
}

func (s *mockPullSubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valid
}

// Fetch returns the messages of the subscribed subject not yet seen by this durable.
func (s *mockPullSubscription) Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error) {
	s.owner.mu.Lock()
	var out []*nats.Msg
	cursor := s.owner.cursors[s.durable]
	for cursor < len(s.owner.allMessages) && len(out) < batch {
		msg := s.owner.allMessages[cursor]
		cursor++
		if msg.Subject == s.subject {
			out = append(out, &nats.Msg{Subject: msg.Subject, Data: msg.Data})
		}
	}
	s.owner.cursors[s.durable] = cursor
	s.owner.mu.Unlock()

	if len(out) == 0 {
		return nil, nats.ErrTimeout
	}
	return out, nil
}
