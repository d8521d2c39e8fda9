package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"nonobvious/internal/config"
	"nonobvious/internal/core/network"
	"nonobvious/internal/kernelapi"
	"nonobvious/internal/logging"
	"nonobvious/internal/metrics"
	"nonobvious/internal/node"
	"nonobvious/internal/scheduler"
)

func main() {
	addr := flag.String("addr", "", "http listen address (overrides KERNEL_ADDR)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.Development = cfg.Logging.Development
	log, err := logging.New(logCfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("kernel exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus, closeBus, err := openBus(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeBus()

	m := metrics.New()
	k := scheduler.New(bus, schedulerOptions(cfg, log, m)...)

	if cfg.Kernel.Demo {
		id := k.Schedule(node.New(node.Topics{Receiving: "integers", Sending: "sums"}, addTwo))
		log.Info("demo adder scheduled", zap.String("node_id", string(id)))
	}

	mux := http.NewServeMux()
	kernelapi.NewServer(k, bus, m, log).Register(mux)
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("kernel listening", zap.String("addr", cfg.Server.Addr), zap.String("transport", cfg.Kernel.Transport))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return k.Start(context.Background())
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := k.Stop(shutdownCtx); err != nil {
			log.Warn("stop failed", zap.Error(err))
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown failed", zap.Error(err))
		}
		return nil
	})
	return g.Wait()
}

func openBus(ctx context.Context, cfg *config.Config, log *zap.Logger) (network.Bus, func(), error) {
	switch cfg.Kernel.Transport {
	case config.TransportPubSub:
		bus := network.NewPubSubBus(network.NewMemoryPubSub(), network.JSONCodec{})
		return bus, bus.Close, nil
	case config.TransportLibp2p:
		ps, err := network.NewLibp2pPubSub(ctx, network.Libp2pOptions{
			ListenAddrs:     cfg.P2P.Listen,
			Bootstrap:       cfg.P2P.Bootstrap,
			Rendezvous:      cfg.P2P.Rendezvous,
			Namespace:       cfg.P2P.Rendezvous,
			EnableMDNS:      cfg.P2P.MDNS,
			IdentityKeyFile: cfg.P2P.Identity,
			Logger:          log,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("start libp2p transport: %w", err)
		}
		log.Info("libp2p transport up", zap.String("peer_id", ps.PeerID()), zap.Strings("addrs", ps.ListenAddrs()))
		bus := network.NewPubSubBus(ps, network.JSONCodec{})
		return bus, func() {
			bus.Close()
			_ = ps.Close()
		}, nil
	default:
		return network.NewMemoryBus(cfg.Kernel.BusQueue), func() {}, nil
	}
}

func schedulerOptions(cfg *config.Config, log *zap.Logger, m *metrics.Metrics) []scheduler.Option {
	opts := []scheduler.Option{
		scheduler.WithLogger(log),
		scheduler.WithMetrics(m),
		scheduler.WithBuffer(cfg.Kernel.Buffer),
		scheduler.WithPollInterval(cfg.Kernel.PollInterval),
	}
	if cfg.Kernel.IngressPolicy == config.PolicySkip {
		opts = append(opts, scheduler.WithIngressPolicy(scheduler.PolicySkip))
	}
	if cfg.Kernel.Overflow == config.OverflowDrop {
		opts = append(opts, scheduler.WithOverflow(scheduler.OverflowDrop))
	}
	return opts
}

// addTwo accepts ints locally and float64 from JSON transports.
func addTwo(m node.Message) (node.Message, error) {
	switch v := m.(type) {
	case int:
		return v + 2, nil
	case float64:
		return v + 2, nil
	default:
		return nil, fmt.Errorf("adder: unsupported message %T", m)
	}
}
