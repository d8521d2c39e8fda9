package registry

import (
	"context"
	"errors"
	"sync"

	"nonobvious/internal/node"
)

// ErrClosed is returned by blocking channel operations once the owning node
// has been deregistered.
var ErrClosed = errors.New("channel closed")

// Channel is a bounded queue between one node task and one pump. Enqueue and
// close are serialised, so once close returns nothing more is queued.
type Channel struct {
	c    chan node.Message
	room chan struct{}
	gone chan struct{}

	mu     sync.Mutex
	closed bool
}

func newChannel(size int) *Channel {
	return &Channel{
		c:    make(chan node.Message, size),
		room: make(chan struct{}, 1),
		gone: make(chan struct{}),
	}
}

// Send blocks until m is queued, the channel is closed, or ctx is done.
func (ch *Channel) Send(ctx context.Context, m node.Message) error {
	waited := false
	for {
		sent, closed := ch.offer(m)
		if sent {
			if waited && ch.Len() < cap(ch.c) {
				ch.wake()
			}
			return nil
		}
		if closed {
			return ErrClosed
		}
		waited = true
		select {
		case <-ch.room:
		case <-ch.gone:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// TrySend queues m only if there is room and the channel is open.
func (ch *Channel) TrySend(m node.Message) bool {
	sent, _ := ch.offer(m)
	return sent
}

func (ch *Channel) offer(m node.Message) (sent, closed bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return false, true
	}
	select {
	case ch.c <- m:
		return true, false
	default:
		return false, false
	}
}

// wake lets one blocked sender retry.
func (ch *Channel) wake() {
	select {
	case ch.room <- struct{}{}:
	default:
	}
}

// Receive blocks until a message is available, the channel is closed, or
// ctx is done. Messages already queued are still handed out after close.
func (ch *Channel) Receive(ctx context.Context) (node.Message, error) {
	if m, ok := ch.TryReceive(); ok {
		return m, nil
	}
	select {
	case m := <-ch.c:
		ch.wake()
		return m, nil
	case <-ch.gone:
		if m, ok := ch.TryReceive(); ok {
			return m, nil
		}
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (ch *Channel) TryReceive() (node.Message, bool) {
	select {
	case m := <-ch.c:
		ch.wake()
		return m, true
	default:
		return nil, false
	}
}

func (ch *Channel) Len() int { return len(ch.c) }

// Closed reports whether the channel's node has been deregistered.
func (ch *Channel) Closed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// Done is closed when the channel's node is deregistered.
func (ch *Channel) Done() <-chan struct{} { return ch.gone }

func (ch *Channel) close() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if !ch.closed {
		ch.closed = true
		close(ch.gone)
	}
}
