// Package config loads kernel settings from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	TransportMemory = "memory"
	TransportPubSub = "pubsub"
	TransportLibp2p = "libp2p"

	PolicyDrain = "drain"
	PolicySkip  = "skip"

	OverflowBlock = "block"
	OverflowDrop  = "drop"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Server  ServerConfig
	Kernel  KernelConfig
	P2P     P2PConfig
	Logging LogConfig
}

type ServerConfig struct {
	Addr string `envconfig:"KERNEL_ADDR" default:":8090"`
}

type KernelConfig struct {
	// Buffer is the capacity of each per-node channel.
	Buffer        int           `envconfig:"KERNEL_BUFFER" default:"64"`
	BusQueue      int           `envconfig:"KERNEL_BUS_QUEUE" default:"1024"`
	IngressPolicy string        `envconfig:"KERNEL_INGRESS_POLICY" default:"drain"`
	Overflow      string        `envconfig:"KERNEL_OVERFLOW" default:"block"`
	PollInterval  time.Duration `envconfig:"KERNEL_POLL_INTERVAL" default:"10ms"`
	Transport     string        `envconfig:"KERNEL_TRANSPORT" default:"memory"`
	Demo          bool          `envconfig:"KERNEL_DEMO" default:"false"`
}

type P2PConfig struct {
	Listen     []string `envconfig:"KERNEL_P2P_LISTEN"`
	Bootstrap  []string `envconfig:"KERNEL_P2P_BOOTSTRAP"`
	Rendezvous string   `envconfig:"KERNEL_P2P_RENDEZVOUS" default:"nonobvious"`
	MDNS       bool     `envconfig:"KERNEL_P2P_MDNS" default:"false"`
	Identity   string   `envconfig:"KERNEL_P2P_IDENTITY"`
}

type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8090"},
		Kernel: KernelConfig{
			Buffer:        64,
			BusQueue:      1024,
			IngressPolicy: PolicyDrain,
			Overflow:      OverflowBlock,
			PollInterval:  10 * time.Millisecond,
			Transport:     TransportMemory,
		},
		P2P:     P2PConfig{Rendezvous: "nonobvious"},
		Logging: LogConfig{Level: "info"},
	}
}

func (c *Config) Validate() error {
	k := c.Kernel
	switch {
	case k.Buffer <= 0:
		return fmt.Errorf("%w: KERNEL_BUFFER must be positive, got %d", ErrInvalid, k.Buffer)
	case k.BusQueue <= 0:
		return fmt.Errorf("%w: KERNEL_BUS_QUEUE must be positive, got %d", ErrInvalid, k.BusQueue)
	case k.PollInterval <= 0:
		return fmt.Errorf("%w: KERNEL_POLL_INTERVAL must be positive", ErrInvalid)
	}
	if k.IngressPolicy != PolicyDrain && k.IngressPolicy != PolicySkip {
		return fmt.Errorf("%w: unknown ingress policy %q", ErrInvalid, k.IngressPolicy)
	}
	if k.Overflow != OverflowBlock && k.Overflow != OverflowDrop {
		return fmt.Errorf("%w: unknown overflow policy %q", ErrInvalid, k.Overflow)
	}
	switch k.Transport {
	case TransportMemory, TransportPubSub, TransportLibp2p:
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalid, k.Transport)
	}
	return nil
}
