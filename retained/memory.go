package retained

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store. It is safe for concurrent use.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Packet
	now  func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Packet),
		now:  time.Now,
	}
}

func (s *MemoryStore) StoreRetained(ctx context.Context, p Packet) error {
	act, err := classify(p)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch act {
	case actionDelete:
		delete(s.data, p.Topic)
	case actionUpsert:
		s.data[p.Topic] = Packet{
			Topic:     p.Topic,
			Payload:   slices.Clone(p.Payload),
			Retain:    true,
			UpdatedAt: s.now(),
		}
	}
	return nil
}

func (s *MemoryStore) LookupRetained(ctx context.Context, topic string) (Packet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.data[topic]
	if !ok {
		return Packet{}, ErrNotFound
	}
	p.Payload = slices.Clone(p.Payload)
	return p, nil
}

func (s *MemoryStore) Topics(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	topics := make([]string, 0, len(s.data))
	for topic := range s.data {
		if strings.HasPrefix(topic, prefix) {
			topics = append(topics, topic)
		}
	}
	slices.Sort(topics)
	return topics, nil
}

func (s *MemoryStore) Delete(ctx context.Context, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, topic)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
