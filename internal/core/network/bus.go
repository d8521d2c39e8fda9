package network

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"
)

const DefaultQueueSize = 1024

// MemoryBus is an in-process Bus with one bounded FIFO queue per topic. Each
// message is received by exactly one Receive call.
type MemoryBus struct {
	size   int
	queues *xsync.MapOf[string, *queue]
}

func NewMemoryBus(size int) *MemoryBus {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &MemoryBus{size: size, queues: xsync.NewMapOf[string, *queue]()}
}

func (b *MemoryBus) Endpoint(topic string) Endpoint {
	q, _ := b.queues.LoadOrCompute(topic, func() *queue {
		return &queue{topic: topic, c: make(chan any, b.size)}
	})
	return q
}

// Pending returns how many messages wait on topic.
func (b *MemoryBus) Pending(topic string) int {
	q, ok := b.queues.Load(topic)
	if !ok {
		return 0
	}
	return len(q.c)
}

// Topics returns every topic that has been referenced.
func (b *MemoryBus) Topics() []string {
	out := make([]string, 0, b.queues.Size())
	b.queues.Range(func(topic string, _ *queue) bool {
		out = append(out, topic)
		return true
	})
	return out
}

type queue struct {
	topic string
	c     chan any
}

func (q *queue) Receive(ctx context.Context) (any, error) {
	if q.topic == "" {
		return nil, ErrTopicEmpty
	}
	select {
	case m := <-q.c:
		return m, nil
	default:
	}
	select {
	case m := <-q.c:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *queue) Send(ctx context.Context, m any) error {
	if q.topic == "" {
		return ErrTopicEmpty
	}
	select {
	case q.c <- m:
		return nil
	default:
	}
	select {
	case q.c <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
