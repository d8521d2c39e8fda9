// Package scheduler runs nodes and moves messages between them and the bus.
//
// Every scheduled node gets its own goroutine that pulls from a receiving
// channel, activates the node and pushes the result to a sending channel.
// Exactly two pump goroutines connect those channels to the bus: ingress
// fans each bus message out to every node listening on its topic, egress
// publishes every node's results under the node's sending topic.
//
// Shutdown is cooperative. Stop queues the STOP sentinel behind whatever each
// node already has buffered, and Start returns once every node task has
// exited and the egress pump has flushed the last results. A node whose step
// never returns blocks that shutdown indefinitely.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"nonobvious/internal/core/network"
	"nonobvious/internal/metrics"
	"nonobvious/internal/node"
	"nonobvious/internal/registry"
)

var (
	ErrAlreadyStarted = errors.New("scheduler already started; reset before starting again")
	ErrNodePanic      = errors.New("node panicked")
)

// Policy decides what ingress does with known topics nobody listens to.
type Policy int

const (
	// PolicyDrain keeps reading such topics and discards their messages so
	// the bus never backs up.
	PolicyDrain Policy = iota
	// PolicySkip leaves them unread on the bus.
	PolicySkip
)

// Overflow decides what ingress does when a node's receiving channel is full.
type Overflow int

const (
	// OverflowBlock waits for room, holding back the rest of the fan-out.
	OverflowBlock Overflow = iota
	// OverflowDrop discards the message for that node only.
	OverflowDrop
)

const (
	DefaultPollInterval = 10 * time.Millisecond
	DefaultFlushTimeout = 5 * time.Second
)

// Info describes a live node.
type Info struct {
	ID node.ID `json:"id"`
	node.Topics
}

type Option func(*Scheduler)

func WithLogger(l *zap.Logger) Option { return func(s *Scheduler) { s.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }

// WithBuffer sets the capacity of every per-node channel.
func WithBuffer(n int) Option { return func(s *Scheduler) { s.buffer = n } }

func WithIngressPolicy(p Policy) Option { return func(s *Scheduler) { s.policy = p } }

func WithOverflow(o Overflow) Option { return func(s *Scheduler) { s.overflow = o } }

// WithPollInterval bounds each bus receive and the idle wait of both pumps.
func WithPollInterval(d time.Duration) Option { return func(s *Scheduler) { s.poll = d } }

// WithFlushTimeout bounds the final egress flush during shutdown.
func WithFlushTimeout(d time.Duration) Option { return func(s *Scheduler) { s.flushTimeout = d } }

func WithIDGenerator(fn func() node.ID) Option { return func(s *Scheduler) { s.newID = fn } }

type Scheduler struct {
	bus          network.Bus
	log          *zap.Logger
	metrics      *metrics.Metrics
	buffer       int
	policy       Policy
	overflow     Overflow
	poll         time.Duration
	flushTimeout time.Duration
	newID        func() node.ID

	mu sync.Mutex
	st *runState
}

// runState is everything Reset reinitialises.
type runState struct {
	registry *registry.Registry
	nodes    *xsync.MapOf[node.ID, node.Topics]
	tasks    sync.WaitGroup

	running atomic.Bool
	started atomic.Bool
	stop    chan struct{}
	done    chan struct{}
	// draining is set under Scheduler.mu once Start waits for node tasks;
	// no task may be added after that.
	draining bool

	// halt is cancelled once running goes false; node tasks then only drain
	// what is already queued for them.
	halt       context.Context
	haltCancel context.CancelFunc
	// ctx lives until the next Reset.
	ctx    context.Context
	cancel context.CancelFunc
}

func New(bus network.Bus, opts ...Option) *Scheduler {
	s := &Scheduler{
		bus:          bus,
		log:          zap.NewNop(),
		buffer:       registry.DefaultBuffer,
		poll:         DefaultPollInterval,
		flushTimeout: DefaultFlushTimeout,
		newID:        NewID,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	s.log = s.log.Named("scheduler")
	if s.poll <= 0 {
		s.poll = DefaultPollInterval
	}
	s.st = s.newRunState()
	return s
}

func (s *Scheduler) newRunState() *runState {
	st := &runState{
		registry: registry.New(registry.Options{Buffer: s.buffer}),
		nodes:    xsync.NewMapOf[node.ID, node.Topics](),
		stop:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	st.halt, st.haltCancel = context.WithCancel(context.Background())
	st.ctx, st.cancel = context.WithCancel(context.Background())
	st.running.Store(true)
	return st
}

func (s *Scheduler) current() *runState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

// Reset reinitialises the registry and run state. The scheduler must be
// fully stopped first: no Start in progress and no node task still running.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	old := s.st
	s.st = s.newRunState()
	s.mu.Unlock()
	old.haltCancel()
	old.cancel()
}

func (s *Scheduler) Registry() *registry.Registry {
	return s.current().registry
}

// Running reports whether Start is active and has not begun shutting down.
func (s *Scheduler) Running() bool {
	st := s.current()
	return st.started.Load() && st.running.Load()
}

// Done is closed when the current Start call has finished shutting down.
func (s *Scheduler) Done() <-chan struct{} {
	return s.current().done
}

// Schedule launches n on its own goroutine and returns its ID without
// waiting for the node to declare its topics. A node scheduled while the
// scheduler is shutting down is never started.
func (s *Scheduler) Schedule(n node.Node) node.ID {
	id := s.newID()
	s.mu.Lock()
	st := s.st
	if st.draining {
		s.mu.Unlock()
		s.log.Debug("node scheduled during shutdown, not started", zap.String("node_id", string(id)))
		return id
	}
	st.tasks.Add(1)
	s.mu.Unlock()
	go s.runNode(st, n, id)
	return id
}

// Deschedule removes a node from both topic maps. The node's task notices
// its closed channels and exits. Calling it again is a no-op.
func (s *Scheduler) Deschedule(topics node.Topics, id node.ID) {
	s.current().registry.Deregister(topics, id)
}

// DescheduleID deschedules a live node by ID alone.
func (s *Scheduler) DescheduleID(id node.ID) bool {
	st := s.current()
	topics, ok := st.nodes.Load(id)
	if !ok {
		return false
	}
	st.registry.Deregister(topics, id)
	return true
}

// Nodes lists live nodes ordered by ID.
func (s *Scheduler) Nodes() []Info {
	st := s.current()
	out := make([]Info, 0, st.nodes.Size())
	st.nodes.Range(func(id node.ID, topics node.Topics) bool {
		out = append(out, Info{ID: id, Topics: topics})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Start launches the two pumps and blocks until Stop is called or ctx is
// done, then shuts down: node tasks drain and exit, egress flushes, and the
// pumps end before Start returns.
func (s *Scheduler) Start(ctx context.Context) error {
	st := s.current()
	if !st.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer close(st.done)

	pumpCtx, cancelPumps := context.WithCancel(st.ctx)
	defer cancelPumps()
	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		s.ingress(pumpCtx, st)
	}()
	go func() {
		defer pumps.Done()
		s.egress(pumpCtx, st)
	}()
	st.running.Store(true)
	s.log.Info("scheduler started")

	select {
	case <-st.stop:
		s.log.Info("stop requested")
	case <-ctx.Done():
		s.log.Info("context done, shutting down", zap.Error(ctx.Err()))
	}
	st.running.Store(false)
	s.mu.Lock()
	st.draining = true
	s.mu.Unlock()
	st.haltCancel()

	st.tasks.Wait()
	cancelPumps()
	pumps.Wait()
	s.log.Info("scheduler stopped")
	return nil
}

// Stop sends STOP to every registered receiving channel, then signals Start
// to shut down. A STOP is queued behind messages the node already holds.
func (s *Scheduler) Stop(ctx context.Context) error {
	st := s.current()
	for _, ch := range st.registry.AllReceivers() {
		if err := ch.Send(ctx, node.Stop); err != nil && !errors.Is(err, registry.ErrClosed) {
			return fmt.Errorf("send stop: %w", err)
		}
	}
	select {
	case st.stop <- struct{}{}:
	default:
	}
	return nil
}

func (s *Scheduler) runNode(st *runState, n node.Node, id node.ID) {
	defer st.tasks.Done()
	log := s.log.With(zap.String("node_id", string(id)))

	topics, err := declare(n)
	if err != nil {
		log.Error("node failed to declare topics", zap.Error(err))
		return
	}
	log = log.With(zap.String("receiving", topics.Receiving), zap.String("sending", topics.Sending))

	s.metrics.NodeStarted()
	rx, tx := st.registry.ChannelsFor(topics, id)
	st.nodes.Store(id, topics)
	log.Debug("node running")

	faulted := false
	defer func() {
		st.nodes.Delete(id)
		s.metrics.NodeFinished(faulted)
		st.registry.Deregister(topics, id)
	}()

	for {
		msg, err := rx.Receive(st.halt)
		if err != nil {
			log.Debug("node leaving", zap.Error(err))
			return
		}
		if rx.Closed() {
			log.Debug("node descheduled")
			return
		}
		out, err := activate(n, msg)
		if errors.Is(err, node.ErrStopped) {
			log.Debug("node stopped")
			return
		}
		if err != nil {
			faulted = true
			log.Error("node fault", zap.Error(err))
			return
		}
		if err := tx.Send(st.ctx, out); err != nil {
			if errors.Is(err, registry.ErrClosed) {
				// descheduled mid-step: the result is still published
				st.registry.Orphan(topics.Sending, out)
				log.Debug("node descheduled, last result retired")
			} else {
				log.Debug("node result not queued", zap.Error(err))
			}
			return
		}
	}
}

func declare(n node.Node) (topics node.Topics, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrNodePanic, r)
		}
	}()
	return n.Declare()
}

func activate(n node.Node, msg node.Message) (out node.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrNodePanic, r)
		}
	}()
	return n.Receive(msg)
}

// idle waits one poll interval; false means ctx ended.
func (s *Scheduler) idle(ctx context.Context) bool {
	t := time.NewTimer(s.poll)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
