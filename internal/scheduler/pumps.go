package scheduler

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"nonobvious/internal/metrics"
	"nonobvious/internal/node"
	"nonobvious/internal/registry"
)

// ingress reads one bus message per known receiving topic per round and
// broadcasts it to every node registered under that topic.
//
// Under PolicySkip a topic without listeners is not read. A message that was
// already being received when the last listener left is held, one per topic,
// and delivered before that topic is read again.
func (s *Scheduler) ingress(ctx context.Context, st *runState) {
	log := s.log.Named("ingress")
	held := make(map[string]node.Message)
	defer func() {
		if len(held) > 0 {
			log.Debug("held messages discarded at shutdown", zap.Int("topics", len(held)))
		}
	}()
	for st.running.Load() {
		waited := false
		for _, topic := range st.registry.ReceiveTopics() {
			if !st.running.Load() || ctx.Err() != nil {
				return
			}
			if s.policy == PolicySkip {
				if len(st.registry.Receivers(topic)) == 0 {
					continue
				}
				if msg, ok := held[topic]; ok {
					waited = true
					if s.deliver(ctx, log, st, topic, msg) {
						delete(held, topic)
					}
					continue
				}
			}
			waited = true
			msg, ok := s.receive(ctx, log, topic)
			if !ok {
				continue
			}
			s.metrics.Received(topic)
			if !s.deliver(ctx, log, st, topic, msg) {
				held[topic] = msg
			}
		}
		if !waited && !s.idle(ctx) {
			return
		}
	}
}

// deliver fans msg out to the current listeners of topic. It returns false
// only under PolicySkip when no listener was reached, leaving msg to the
// caller to hold.
func (s *Scheduler) deliver(ctx context.Context, log *zap.Logger, st *runState, topic string, msg node.Message) bool {
	if s.fanOut(ctx, st.registry.Receivers(topic), topic, msg) > 0 || ctx.Err() != nil {
		return true
	}
	if s.policy == PolicySkip {
		log.Debug("listener left, message held", zap.String("topic", topic))
		return false
	}
	s.metrics.Drop(topic, metrics.DropNoListener)
	log.Debug("no listener, message discarded", zap.String("topic", topic))
	return true
}

func (s *Scheduler) receive(ctx context.Context, log *zap.Logger, topic string) (node.Message, bool) {
	rctx, cancel := context.WithTimeout(ctx, s.poll)
	defer cancel()
	msg, err := s.bus.Endpoint(topic).Receive(rctx)
	switch {
	case err == nil:
		return msg, true
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return nil, false
	default:
		log.Warn("bus receive failed", zap.String("topic", topic), zap.Error(err))
		s.idle(ctx)
		return nil, false
	}
}

// fanOut offers msg to every target and returns how many were still
// registered. Nodes that leave mid fan-out are skipped; a message dropped on
// overflow still counts its target as reached.
func (s *Scheduler) fanOut(ctx context.Context, targets []*registry.Channel, topic string, msg node.Message) int {
	reached := 0
	for _, ch := range targets {
		if s.overflow == OverflowDrop {
			if ch.TrySend(msg) {
				reached++
			} else if !ch.Closed() {
				reached++
				s.metrics.Drop(topic, metrics.DropOverflow)
			}
			continue
		}
		err := ch.Send(ctx, msg)
		switch {
		case err == nil:
			reached++
		case errors.Is(err, registry.ErrClosed):
		default:
			return reached
		}
	}
	return reached
}

// egress publishes what nodes have produced. After ctx ends it makes one
// last bounded flush so results queued before shutdown still reach the bus.
func (s *Scheduler) egress(ctx context.Context, st *runState) {
	log := s.log.Named("egress")
	for {
		moved := s.flush(ctx, log, st)
		if ctx.Err() != nil {
			break
		}
		if moved == 0 && !s.idle(ctx) {
			break
		}
	}
	fctx, cancel := context.WithTimeout(context.Background(), s.flushTimeout)
	defer cancel()
	s.flush(fctx, log, st)
}

func (s *Scheduler) flush(ctx context.Context, log *zap.Logger, st *runState) int {
	moved := 0
	if ctx.Err() != nil {
		return moved
	}
	for _, r := range st.registry.TakeRetired() {
		moved += s.drain(ctx, log, r.Topic, r.Channel)
		if r.Channel.Len() > 0 {
			st.registry.Retire(r)
		}
	}
	for _, topic := range st.registry.SendTopics() {
		for _, ch := range st.registry.Senders(topic) {
			moved += s.drain(ctx, log, topic, ch)
		}
	}
	return moved
}

// drain publishes at most what ch held when called, so one busy node cannot
// monopolise the pump.
func (s *Scheduler) drain(ctx context.Context, log *zap.Logger, topic string, ch *registry.Channel) int {
	n := ch.Len()
	moved := 0
	for i := 0; i < n && ctx.Err() == nil; i++ {
		msg, ok := ch.TryReceive()
		if !ok {
			break
		}
		moved++
		if err := s.bus.Endpoint(topic).Send(ctx, msg); err != nil {
			s.metrics.Drop(topic, metrics.DropPublish)
			log.Warn("bus send failed", zap.String("topic", topic), zap.Error(err))
			continue
		}
		s.metrics.Published(topic)
	}
	return moved
}
