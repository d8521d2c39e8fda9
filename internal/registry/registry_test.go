package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nonobvious/internal/node"
)

var topics = node.Topics{Receiving: "integers", Sending: "sums"}

func TestChannelsForIsIdempotent(t *testing.T) {
	r := New(Options{})
	rx1, tx1 := r.ChannelsFor(topics, "foo")
	rx2, tx2 := r.ChannelsFor(topics, "foo")

	assert.Same(t, rx1, rx2)
	assert.Same(t, tx1, tx2)
	assert.NotSame(t, rx1, tx1)
	assert.Equal(t, []*Channel{rx1}, r.Receivers("integers"))
	assert.Equal(t, []*Channel{tx1}, r.Senders("sums"))
}

func TestDeregisterRemovesBothSides(t *testing.T) {
	r := New(Options{})
	rx, tx := r.ChannelsFor(topics, "foo")

	r.Deregister(topics, "foo")

	assert.Empty(t, r.Receivers("integers"))
	assert.Empty(t, r.Senders("sums"))
	_, _, ok := r.Lookup(topics, "foo")
	assert.False(t, ok)

	_, err := rx.Receive(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, tx.Send(context.Background(), 1), ErrClosed)

	// topics stay known after their last listener leaves
	assert.Equal(t, []string{"integers"}, r.ReceiveTopics())
	assert.Equal(t, []string{"sums"}, r.SendTopics())
}

func TestDeregisterTwiceIsNoop(t *testing.T) {
	r := New(Options{})
	r.ChannelsFor(topics, "foo")
	require.NotPanics(t, func() {
		r.Deregister(topics, "foo")
		r.Deregister(topics, "foo")
		r.Deregister(node.Topics{Receiving: "never", Sending: "seen"}, "bar")
	})
}

func TestDeregisterRetiresPendingResults(t *testing.T) {
	r := New(Options{})
	_, tx := r.ChannelsFor(topics, "foo")
	require.NoError(t, tx.Send(context.Background(), 7))

	r.Deregister(topics, "foo")

	retired := r.TakeRetired()
	require.Len(t, retired, 1)
	assert.Equal(t, "sums", retired[0].Topic)
	m, ok := retired[0].Channel.TryReceive()
	require.True(t, ok)
	assert.Equal(t, 7, m)
	assert.Empty(t, r.TakeRetired())
}

func TestEmptySenderIsNotRetired(t *testing.T) {
	r := New(Options{})
	r.ChannelsFor(topics, "foo")
	r.Deregister(topics, "foo")
	assert.Empty(t, r.TakeRetired())
}

func TestReceiveDrainsQueuedAfterClose(t *testing.T) {
	r := New(Options{Buffer: 2})
	rx, _ := r.ChannelsFor(topics, "foo")
	require.True(t, rx.TrySend("a"))
	require.True(t, rx.TrySend("b"))
	assert.False(t, rx.TrySend("c"), "buffer is bounded")

	r.Deregister(topics, "foo")

	for _, want := range []string{"a", "b"} {
		got, err := rx.Receive(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := rx.Receive(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSendHonoursContext(t *testing.T) {
	r := New(Options{Buffer: 1})
	rx, _ := r.ChannelsFor(topics, "foo")
	require.NoError(t, rx.Send(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, rx.Send(ctx, 2), context.DeadlineExceeded)
}

func TestSendUnblocksOnDeregister(t *testing.T) {
	r := New(Options{Buffer: 1})
	rx, _ := r.ChannelsFor(topics, "foo")
	require.NoError(t, rx.Send(context.Background(), 1))

	errCh := make(chan error, 1)
	go func() { errCh <- rx.Send(context.Background(), 2) }()

	time.Sleep(10 * time.Millisecond)
	r.Deregister(topics, "foo")

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("send did not unblock after deregister")
	}
}

func TestSendRacingDeregisterIsNeverLost(t *testing.T) {
	for i := 0; i < 500; i++ {
		r := New(Options{Buffer: 4})
		_, tx := r.ChannelsFor(topics, "foo")

		errCh := make(chan error, 1)
		go func() { errCh <- tx.Send(context.Background(), i) }()
		r.Deregister(topics, "foo")
		err := <-errCh

		retired := r.TakeRetired()
		if err == nil {
			require.Len(t, retired, 1, "queued result must be retired (iteration %d)", i)
			m, ok := retired[0].Channel.TryReceive()
			require.True(t, ok)
			assert.Equal(t, i, m)
		} else {
			require.ErrorIs(t, err, ErrClosed)
			require.Empty(t, retired)
			assert.Zero(t, tx.Len())
		}
	}
}

func TestSendAfterCloseQueuesNothing(t *testing.T) {
	r := New(Options{Buffer: 2})
	rx, tx := r.ChannelsFor(topics, "foo")
	r.Deregister(topics, "foo")

	assert.True(t, tx.Closed())
	assert.ErrorIs(t, tx.Send(context.Background(), 1), ErrClosed)
	assert.False(t, rx.TrySend(1))
	assert.Zero(t, tx.Len())
	assert.Zero(t, rx.Len())
}

func TestBlockedSendersAllProgress(t *testing.T) {
	r := New(Options{Buffer: 1})
	rx, _ := r.ChannelsFor(topics, "foo")
	require.NoError(t, rx.Send(context.Background(), 0))

	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			assert.NoError(t, rx.Send(context.Background(), v))
		}(i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got := 0
	for got < 4 {
		_, err := rx.Receive(ctx)
		require.NoError(t, err)
		got++
	}
	wg.Wait()
}

func TestOrphanIsRetired(t *testing.T) {
	r := New(Options{})
	r.Orphan("sums", 7)

	retired := r.TakeRetired()
	require.Len(t, retired, 1)
	assert.Equal(t, "sums", retired[0].Topic)
	assert.True(t, retired[0].Channel.Closed())
	m, ok := retired[0].Channel.TryReceive()
	require.True(t, ok)
	assert.Equal(t, 7, m)
}

func TestSnapshotAndNodeIDs(t *testing.T) {
	r := New(Options{})
	r.ChannelsFor(topics, "b")
	r.ChannelsFor(topics, "a")
	r.ChannelsFor(node.Topics{Receiving: "words", Sending: "sums"}, "c")

	assert.Equal(t, []node.ID{"a", "b"}, r.NodeIDs("integers"))
	assert.Len(t, r.AllReceivers(), 3)

	s := r.Snapshot()
	assert.Equal(t, []node.ID{"a", "b"}, s.Receiving["integers"])
	assert.Equal(t, []node.ID{"c"}, s.Receiving["words"])
	assert.Equal(t, []node.ID{"a", "b", "c"}, s.Sending["sums"])
}

func TestConcurrentMutationAndIteration(t *testing.T) {
	r := New(Options{})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tp := node.Topics{Receiving: fmt.Sprintf("in-%d", i%4), Sending: "out"}
			for j := 0; j < 100; j++ {
				id := node.ID(fmt.Sprintf("%d-%d", i, j))
				r.ChannelsFor(tp, id)
				r.Deregister(tp, id)
			}
		}(i)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for k := 0; k < 200; k++ {
			for _, topic := range r.ReceiveTopics() {
				_ = r.Receivers(topic)
			}
			_ = r.Senders("out")
		}
	}()
	wg.Wait()
	<-done

	for _, topic := range r.ReceiveTopics() {
		assert.Empty(t, r.Receivers(topic))
	}
	assert.Empty(t, r.Senders("out"))
}
