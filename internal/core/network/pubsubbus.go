package network

import (
	"context"
	"fmt"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/puzpuzpuz/xsync/v3"
)

// Codec turns bus messages into PubSub payloads and back.
type Codec interface {
	Marshal(m any) ([]byte, error)
	Unmarshal(b []byte) (any, error)
}

// JSONCodec encodes messages as JSON. Decoded numbers come back as float64.
type JSONCodec struct{}

func (JSONCodec) Marshal(m any) ([]byte, error) {
	return sonic.Marshal(m)
}

func (JSONCodec) Unmarshal(b []byte) (any, error) {
	var m any
	if err := sonic.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// PubSubBus exposes a PubSub transport as a Bus. Each topic is subscribed on
// first use; messages published before that are not seen.
type PubSubBus struct {
	ps        PubSub
	codec     Codec
	endpoints *xsync.MapOf[string, *pubsubEndpoint]
}

func NewPubSubBus(ps PubSub, codec Codec) *PubSubBus {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &PubSubBus{
		ps:        ps,
		codec:     codec,
		endpoints: xsync.NewMapOf[string, *pubsubEndpoint](),
	}
}

func (b *PubSubBus) Endpoint(topic string) Endpoint {
	return b.endpoint(topic)
}

func (b *PubSubBus) endpoint(topic string) *pubsubEndpoint {
	e, _ := b.endpoints.LoadOrCompute(topic, func() *pubsubEndpoint {
		return &pubsubEndpoint{bus: b, topic: topic}
	})
	return e
}

// Watch subscribes to topic ahead of the first Receive.
func (b *PubSubBus) Watch(topic string) error {
	return b.endpoint(topic).subscribe()
}

// Close cancels every subscription the bus opened.
func (b *PubSubBus) Close() {
	b.endpoints.Range(func(_ string, e *pubsubEndpoint) bool {
		e.close()
		return true
	})
}

type pubsubEndpoint struct {
	bus   *PubSubBus
	topic string

	once   sync.Once
	ch     <-chan Message
	cancel func()
	err    error
}

func (e *pubsubEndpoint) subscribe() error {
	e.once.Do(func() {
		e.ch, e.cancel, e.err = e.bus.ps.Subscribe(e.topic)
	})
	return e.err
}

func (e *pubsubEndpoint) close() {
	if e.subscribe() == nil && e.cancel != nil {
		e.cancel()
	}
}

func (e *pubsubEndpoint) Receive(ctx context.Context) (any, error) {
	if err := e.subscribe(); err != nil {
		return nil, fmt.Errorf("subscribe %q: %w", e.topic, err)
	}
	for {
		select {
		case msg, ok := <-e.ch:
			if !ok {
				return nil, ErrBusClosed
			}
			m, err := e.bus.codec.Unmarshal(msg.Payload)
			if err != nil {
				// undecodable payloads are skipped
				continue
			}
			return m, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (e *pubsubEndpoint) Send(ctx context.Context, m any) error {
	b, err := e.bus.codec.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message for %q: %w", e.topic, err)
	}
	return e.bus.ps.Publish(e.topic, b)
}
