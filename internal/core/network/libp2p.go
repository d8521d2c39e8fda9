package network

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

const defaultListenAddr = "/ip4/0.0.0.0/tcp/0"

// Libp2pOptions configures the gossipsub transport.
type Libp2pOptions struct {
	ListenAddrs []string
	Bootstrap   []string
	// Rendezvous names the mDNS service kernels discover each other by.
	Rendezvous string
	EnableMDNS bool
	// Namespace prefixes every gossipsub topic so unrelated kernels sharing
	// a network do not see each other's bus traffic.
	Namespace       string
	IdentityKeyFile string
	Logger          *zap.Logger
}

// Libp2pPubSub carries bus traffic between kernels over libp2p gossipsub.
type Libp2pPubSub struct {
	ctx       context.Context
	cancel    context.CancelFunc
	log       *zap.Logger
	namespace string

	host host.Host
	ps   *pubsub.PubSub

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

func NewLibp2pPubSub(parent context.Context, opts Libp2pOptions) (*Libp2pPubSub, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("libp2p")

	h, err := newHost(opts)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(parent)
	gossip, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}

	p := &Libp2pPubSub{
		ctx:       ctx,
		cancel:    cancel,
		log:       log,
		namespace: strings.Trim(opts.Namespace, "/"),
		host:      h,
		ps:        gossip,
		topics:    make(map[string]*pubsub.Topic),
	}
	if opts.EnableMDNS {
		svc := mdns.NewMdnsService(h, opts.Rendezvous, &mdnsNotifee{host: h, log: log})
		if err := svc.Start(); err != nil {
			log.Warn("mdns start failed", zap.Error(err))
		}
	}
	p.connectBootstrap(opts.Bootstrap)
	log.Info("gossipsub transport ready", zap.Stringer("peer", h.ID()), zap.String("namespace", p.namespace))
	return p, nil
}

func newHost(opts Libp2pOptions) (host.Host, error) {
	addrs, err := parseMultiaddrs(opts.ListenAddrs)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		addrs = append(addrs, ma.StringCast(defaultListenAddr))
	}
	hostOpts := []libp2p.Option{libp2p.ListenAddrs(addrs...)}
	if opts.IdentityKeyFile != "" {
		key, err := loadOrCreateIdentityKey(opts.IdentityKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load identity key: %w", err)
		}
		hostOpts = append(hostOpts, libp2p.Identity(key))
	}
	h, err := libp2p.New(hostOpts...)
	if err != nil {
		return nil, fmt.Errorf("create host: %w", err)
	}
	return h, nil
}

func parseMultiaddrs(raw []string) ([]ma.Multiaddr, error) {
	out := make([]ma.Multiaddr, 0, len(raw))
	for _, s := range raw {
		if s == "" {
			continue
		}
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid listen multiaddr %q: %w", s, err)
		}
		out = append(out, a)
	}
	return out, nil
}

func (p *Libp2pPubSub) connectBootstrap(addrs []string) {
	for _, raw := range addrs {
		if raw == "" {
			continue
		}
		info, err := peer.AddrInfoFromString(raw)
		if err != nil {
			p.log.Warn("skip bootstrap addr", zap.String("addr", raw), zap.Error(err))
			continue
		}
		if err := p.host.Connect(p.ctx, *info); err != nil {
			p.log.Warn("bootstrap connect failed", zap.Stringer("peer", info.ID), zap.Error(err))
			continue
		}
		p.log.Info("connected bootstrap peer", zap.Stringer("peer", info.ID))
	}
}

// wireTopic maps a bus topic to its gossipsub topic name.
func (p *Libp2pPubSub) wireTopic(topic string) string {
	if p.namespace == "" {
		return topic
	}
	return p.namespace + "/" + topic
}

func (p *Libp2pPubSub) Publish(topic string, payload []byte) error {
	if topic == "" {
		return ErrTopicEmpty
	}
	t, err := p.join(topic)
	if err != nil {
		return err
	}
	if err := t.Publish(p.ctx, payload); err != nil {
		return fmt.Errorf("publish %q: %w", topic, err)
	}
	return nil
}

// Subscribe delivers every message on topic, including this host's own
// publications. Messages arrive with the bus topic, not the namespaced one.
func (p *Libp2pPubSub) Subscribe(topic string) (<-chan Message, func(), error) {
	if topic == "" {
		return nil, nil, ErrTopicEmpty
	}
	t, err := p.join(topic)
	if err != nil {
		return nil, nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe %q: %w", topic, err)
	}

	out := make(chan Message, subscriberBuffer)
	ctx, cancel := context.WithCancel(p.ctx)
	go p.forward(ctx, sub, topic, out)

	return out, func() {
		cancel()
		sub.Cancel()
	}, nil
}

func (p *Libp2pPubSub) forward(ctx context.Context, sub *pubsub.Subscription, topic string, out chan<- Message) {
	defer close(out)
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			p.log.Debug("subscription ended", zap.String("topic", topic), zap.Error(err))
			return
		}
		select {
		case out <- Message{Topic: topic, Payload: append([]byte(nil), msg.Data...)}:
		default:
			p.log.Debug("subscriber full, message dropped", zap.String("topic", topic))
		}
	}
}

func (p *Libp2pPubSub) join(topic string) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.topics[topic]; ok {
		return t, nil
	}
	t, err := p.ps.Join(p.wireTopic(topic))
	if err != nil {
		return nil, fmt.Errorf("join topic %q: %w", topic, err)
	}
	p.topics[topic] = t
	return t, nil
}

func (p *Libp2pPubSub) Close() error {
	p.cancel()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.topics {
		_ = t.Close()
	}
	return p.host.Close()
}

func (p *Libp2pPubSub) PeerID() string {
	return p.host.ID().String()
}

// Peers returns how many peers the host is connected to.
func (p *Libp2pPubSub) Peers() int {
	return len(p.host.Network().Peers())
}

// ListenAddrs returns dialable addresses including the /p2p peer suffix.
func (p *Libp2pPubSub) ListenAddrs() []string {
	addrs := p.host.Addrs()
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String()+"/p2p/"+p.host.ID().String())
	}
	return out
}

type mdnsNotifee struct {
	host host.Host
	log  *zap.Logger
}

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	if err := n.host.Connect(context.Background(), info); err != nil {
		n.log.Debug("mdns connect failed", zap.Stringer("peer", info.ID), zap.Error(err))
		return
	}
	n.log.Info("mdns peer connected", zap.Stringer("peer", info.ID))
}

// loadOrCreateIdentityKey keeps a kernel's peer ID stable across restarts.
func loadOrCreateIdentityKey(path string) (crypto.PrivKey, error) {
	raw, err := os.ReadFile(path)
	switch {
	case err == nil && len(raw) > 0:
		key, err := crypto.UnmarshalPrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("unmarshal identity key %s: %w", path, err)
		}
		return key, nil
	case err != nil && !os.IsNotExist(err):
		return nil, fmt.Errorf("read identity key %s: %w", path, err)
	}

	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	if raw, err = crypto.MarshalPrivateKey(key); err != nil {
		return nil, fmt.Errorf("marshal identity key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create identity key dir: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("write identity key %s: %w", path, err)
	}
	return key, nil
}
