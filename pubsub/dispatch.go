package pubsub

import (
	"context"
	"sync"
)

// defaultQueueSize is the per-subscription buffer between the publisher and
// the handler goroutine. Publishers block once it is full.
const defaultQueueSize = 64

// dispatcher runs one subscription's handler on its own goroutine so that
// deliveries stay ordered and slow handlers don't stall unrelated topics.
type dispatcher struct {
	id      uint64
	topic   string
	handler Handler
	queue   chan []byte
	done    chan struct{}
	exited  chan struct{}
	stopped sync.Once
}

func newDispatcher(id uint64, topic string, handler Handler) *dispatcher {
	d := &dispatcher{
		id:      id,
		topic:   topic,
		handler: handler,
		queue:   make(chan []byte, defaultQueueSize),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) run() {
	defer close(d.exited)

	for {
		select {
		case <-d.done:
			return
		case payload := <-d.queue:
			// Prefer stopping over a delivery that raced with it.
			select {
			case <-d.done:
				return
			default:
			}
			d.handler(d.topic, payload)
		}
	}
}

// deliver queues payload for the handler. It returns nil without delivering
// if the dispatcher was stopped in the meantime.
func (d *dispatcher) deliver(ctx context.Context, payload []byte) error {
	select {
	case d.queue <- payload:
		return nil
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *dispatcher) stop() {
	d.stopped.Do(func() { close(d.done) })
}

// topicTable indexes dispatchers by topic. Callers provide the locking.
type topicTable struct {
	next uint64
	subs map[string]map[uint64]*dispatcher
}

func newTopicTable() *topicTable {
	return &topicTable{subs: make(map[string]map[uint64]*dispatcher)}
}

func (t *topicTable) add(topic string, handler Handler) *dispatcher {
	t.next++
	d := newDispatcher(t.next, topic, handler)

	byID, ok := t.subs[topic]
	if !ok {
		byID = make(map[uint64]*dispatcher)
		t.subs[topic] = byID
	}
	byID[d.id] = d
	return d
}

// remove drops the dispatcher and reports whether it was present and
// whether it was the last one for its topic.
func (t *topicTable) remove(topic string, id uint64) (removed, last bool) {
	byID, ok := t.subs[topic]
	if !ok {
		return false, false
	}
	if _, ok := byID[id]; !ok {
		return false, false
	}
	delete(byID, id)
	if len(byID) == 0 {
		delete(t.subs, topic)
		return true, true
	}
	return true, false
}

func (t *topicTable) get(topic string) []*dispatcher {
	byID := t.subs[topic]
	out := make([]*dispatcher, 0, len(byID))
	for _, d := range byID {
		out = append(out, d)
	}
	return out
}

func (t *topicTable) count(topic string) int {
	return len(t.subs[topic])
}

func (t *topicTable) drain() []*dispatcher {
	var out []*dispatcher
	for _, byID := range t.subs {
		for _, d := range byID {
			out = append(out, d)
		}
	}
	t.subs = make(map[string]map[uint64]*dispatcher)
	return out
}
