// Package network is the message bus the scheduler multiplexes.
//
// Two shapes live here. PubSub is a broadcast transport (in-process or
// libp2p gossipsub) that moves raw payloads. Bus is the keyed duplex view the
// scheduler consumes: one Endpoint per topic with a blocking Receive and Send.
// MemoryBus implements Bus directly; PubSubBus adapts any PubSub to it.
package network

import (
	"context"
	"errors"
)

var (
	ErrTopicEmpty = errors.New("topic cannot be empty")
	ErrBusClosed  = errors.New("message bus is closed")
)

// Message is the transport envelope used by PubSub implementations.
type Message struct {
	Topic   string
	Payload []byte
}

// PubSub is a minimal interface for broadcast-style communication.
type PubSub interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string) (<-chan Message, func(), error)
}

// Endpoint is one topic's side of the bus.
type Endpoint interface {
	// Receive blocks until a message arrives on the topic or ctx is done.
	Receive(ctx context.Context) (any, error)
	// Send publishes m on the topic.
	Send(ctx context.Context, m any) error
}

// Bus resolves topic names to endpoints.
type Bus interface {
	Endpoint(topic string) Endpoint
}
