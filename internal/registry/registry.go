// Package registry maps topics to the per-node channels wired to them.
//
// Each scheduled node owns one receiving channel (bus -> node) keyed by its
// receiving topic and one sending channel (node -> bus) keyed by its sending
// topic. All map access goes through a single RWMutex; readers get copies.
package registry

import (
	"sort"
	"sync"

	"nonobvious/internal/node"
)

const DefaultBuffer = 64

type Options struct {
	// Buffer is the capacity of every per-node channel.
	Buffer int
}

// Retired is a sending channel removed from the registry while it still held
// results that have not been published yet.
type Retired struct {
	Topic   string
	Channel *Channel
}

// Snapshot lists node IDs per topic on each side of the registry.
type Snapshot struct {
	Receiving map[string][]node.ID `json:"receiving"`
	Sending   map[string][]node.ID `json:"sending"`
}

type Registry struct {
	mu        sync.RWMutex
	buffer    int
	receivers map[string]map[node.ID]*Channel
	senders   map[string]map[node.ID]*Channel
	retired   []Retired
}

func New(opts Options) *Registry {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	return &Registry{
		buffer:    opts.Buffer,
		receivers: make(map[string]map[node.ID]*Channel),
		senders:   make(map[string]map[node.ID]*Channel),
	}
}

// ChannelsFor returns the receiving and sending channels for id, creating
// them on first use. Repeated calls return the same channels.
func (r *Registry) ChannelsFor(topics node.Topics, id node.ID) (rx, tx *Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rx = r.lookupLocked(r.receivers, topics.Receiving, id)
	tx = r.lookupLocked(r.senders, topics.Sending, id)
	return rx, tx
}

func (r *Registry) lookupLocked(side map[string]map[node.ID]*Channel, topic string, id node.ID) *Channel {
	byID, ok := side[topic]
	if !ok {
		byID = make(map[node.ID]*Channel)
		side[topic] = byID
	}
	ch, ok := byID[id]
	if !ok {
		ch = newChannel(r.buffer)
		byID[id] = ch
	}
	return ch
}

// Deregister removes id from both sides using its declared topics. Removing
// an absent entry is a no-op. The topic keys stay known.
func (r *Registry) Deregister(topics node.Topics, id node.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.receivers[topics.Receiving][id]; ok {
		delete(r.receivers[topics.Receiving], id)
		ch.close()
	}
	if ch, ok := r.senders[topics.Sending][id]; ok {
		delete(r.senders[topics.Sending], id)
		ch.close()
		if ch.Len() > 0 {
			r.retired = append(r.retired, Retired{Topic: topics.Sending, Channel: ch})
		}
	}
}

// TakeRetired hands over every retired sending channel and forgets them.
func (r *Registry) TakeRetired() []Retired {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.retired
	r.retired = nil
	return out
}

// Orphan retires a single result whose node was deregistered before the
// result could be queued on its sending channel.
func (r *Registry) Orphan(topic string, m node.Message) {
	ch := newChannel(1)
	ch.c <- m
	ch.close()
	r.Retire(Retired{Topic: topic, Channel: ch})
}

// Retire hands a partially drained channel back to the drain list.
func (r *Registry) Retire(ret Retired) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retired = append(r.retired, ret)
}

func (r *Registry) ReceiveTopics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.receivers)
}

func (r *Registry) SendTopics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.senders)
}

// Receivers returns the receiving channels registered under topic.
func (r *Registry) Receivers(topic string) []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return channels(r.receivers[topic])
}

// Senders returns the sending channels registered under topic.
func (r *Registry) Senders(topic string) []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return channels(r.senders[topic])
}

// AllReceivers returns every receiving channel across all topics.
func (r *Registry) AllReceivers() []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Channel
	for _, byID := range r.receivers {
		out = append(out, channels(byID)...)
	}
	return out
}

// NodeIDs returns the IDs registered to receive topic.
func (r *Registry) NodeIDs(topic string) []node.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return ids(r.receivers[topic])
}

// Lookup returns id's channels and whether either side still holds it.
func (r *Registry) Lookup(topics node.Topics, id node.ID) (rx, tx *Channel, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rx, rok := r.receivers[topics.Receiving][id]
	tx, tok := r.senders[topics.Sending][id]
	return rx, tx, rok || tok
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Snapshot{
		Receiving: make(map[string][]node.ID, len(r.receivers)),
		Sending:   make(map[string][]node.ID, len(r.senders)),
	}
	for topic, byID := range r.receivers {
		s.Receiving[topic] = ids(byID)
	}
	for topic, byID := range r.senders {
		s.Sending[topic] = ids(byID)
	}
	return s
}

func sortedKeys(m map[string]map[node.ID]*Channel) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func channels(byID map[node.ID]*Channel) []*Channel {
	out := make([]*Channel, 0, len(byID))
	for _, ch := range byID {
		out = append(out, ch)
	}
	return out
}

func ids(byID map[node.ID]*Channel) []node.ID {
	out := make([]node.ID, 0, len(byID))
	for id := range byID {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
