// Package node defines the unit of computation the scheduler runs: a step
// function wired between one receiving topic and one sending topic.
//
// A node is driven through an explicit state machine. The first activation
// (Declare) hands the scheduler the node's Topics; every later activation
// (Receive) feeds one message through the step function, until the Stop
// sentinel arrives.
package node

import (
	"errors"
	"fmt"
)

var (
	// ErrStopped is returned by Receive when the node consumed Stop. It is
	// the normal end of a node's life, not a fault.
	ErrStopped = errors.New("node stopped")
	// ErrProtocol marks activations that break the node protocol.
	ErrProtocol = errors.New("node protocol violation")
)

// Message is an opaque value travelling between the bus and nodes.
type Message = any

type stopSignal struct{}

func (stopSignal) String() string { return "STOP" }

// Stop is the sentinel that terminates a node.
var Stop Message = stopSignal{}

// IsStop reports whether m is the Stop sentinel.
func IsStop(m Message) bool {
	_, ok := m.(stopSignal)
	return ok
}

// ID identifies a scheduled node. It carries no meaning beyond being unique.
type ID string

// Topics is the (receiving, sending) pair a node is wired to.
type Topics struct {
	Receiving string `json:"receiving"`
	Sending   string `json:"sending"`
}

func (t Topics) String() string {
	return t.Receiving + "->" + t.Sending
}

type State int

const (
	StateAwaitingTopics State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateAwaitingTopics:
		return "awaiting-topics"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Node is the contract the scheduler drives. Implementations are used by a
// single goroutine and need no locking.
type Node interface {
	// Declare is the first activation. It returns the topics to wire the
	// node to and performs no other work.
	Declare() (Topics, error)
	// Receive feeds one message to the node and returns its result.
	Receive(msg Message) (Message, error)
	State() State
}

// Step transforms one input message into one output message.
type Step func(Message) (Message, error)

// Pure lifts an infallible function into a Step.
func Pure(fn func(Message) Message) Step {
	return func(m Message) (Message, error) {
		return fn(m), nil
	}
}

// Func is a Node backed by a Step.
type Func struct {
	topics Topics
	step   Step
	state  State
}

// New returns a node wired to topics that applies step to each message.
func New(topics Topics, step Step) *Func {
	return &Func{topics: topics, step: step}
}

// Curried builds a node once its step function is known.
type Curried func(Step) *Func

// Partial fixes a node's topics and defers binding its step.
func Partial(topics Topics) Curried {
	return func(step Step) *Func {
		return New(topics, step)
	}
}

// Bind attaches step to a node constructed without one.
func (f *Func) Bind(step Step) *Func {
	f.step = step
	return f
}

func (f *Func) Topics() Topics { return f.topics }

func (f *Func) State() State { return f.state }

func (f *Func) Declare() (Topics, error) {
	if f.state != StateAwaitingTopics {
		return Topics{}, fmt.Errorf("%w: declare in state %s", ErrProtocol, f.state)
	}
	f.state = StateRunning
	return f.topics, nil
}

func (f *Func) Receive(msg Message) (Message, error) {
	switch f.state {
	case StateAwaitingTopics:
		return nil, fmt.Errorf("%w: message before topics were declared", ErrProtocol)
	case StateStopped:
		return nil, fmt.Errorf("%w: activated after stop", ErrProtocol)
	}
	if IsStop(msg) {
		f.state = StateStopped
		return nil, ErrStopped
	}
	if f.step == nil {
		return nil, fmt.Errorf("%w: no step bound", ErrProtocol)
	}
	return f.step(msg)
}
