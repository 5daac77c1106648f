package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"arxlink/pkg/config"
	"arxlink/pkg/crypto/sign"
	"arxlink/pkg/engine"
	"arxlink/pkg/observability"
	"arxlink/pkg/peercache"
	"arxlink/pkg/protocol/codec"
	"arxlink/pkg/transport"
	"arxlink/pkg/transport/mem"
	"arxlink/pkg/transport/quic"
	"arxlink/pkg/transport/udp"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}
	if opts.NodeID != "" {
		cfg.NodeID = opts.NodeID
	}
	if opts.Listen != "" {
		cfg.Transport.Listen = opts.Listen
	}

	logger, err := observability.NewLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("arxlink-node started", zap.String("app", cfg.AppName), zap.String("node_id", cfg.NodeID))
	logger.Info("effective configuration", zap.Any("config", cfg))

	tr, err := buildTransport(cfg)
	if err != nil {
		logger.Error("failed to start transport", zap.Error(err))
		return 1
	}
	defer func() { _ = tr.Close() }()

	wire, err := buildCodec(cfg.Protocol.Codec)
	if err != nil {
		logger.Error("failed to select wire codec", zap.Error(err))
		return 1
	}
	engOpts := []engine.Option{engine.WithCodec(wire)}

	if cfg.Security.NetworkKey != "" {
		key, err := sign.DeriveSessionKey([]byte(cfg.Security.NetworkKey), "sync")
		if err != nil {
			logger.Error("failed to derive session key", zap.Error(err))
			return 1
		}
		engOpts = append(engOpts, engine.WithSessionKey(key))
	} else {
		logger.Warn("no network key configured, running unsigned")
	}

	if cfg.PeerCache.Enable {
		cache, err := peercache.Open(cfg.PeerCache.Path)
		if err != nil {
			logger.Warn("peer cache unavailable", zap.Error(err))
		} else {
			defer func() { _ = cache.Close() }()
			engOpts = append(engOpts, engine.WithPeerCache(cache))
		}
	}

	eng := engine.New(engine.Config{
		NodeID:            cfg.NodeID,
		Address:           cfg.Address,
		Capabilities:      cfg.Capabilities,
		HeartbeatInterval: cfg.Protocol.HeartbeatInterval,
		SyncInterval:      cfg.Protocol.SyncInterval,
		CleanupInterval:   cfg.Protocol.CleanupInterval,
		DiscoveryWindow:   cfg.Protocol.DiscoveryWindow,
		ResponseTimeout:   cfg.Protocol.ResponseTimeout,
		StaleTimeout:      cfg.Protocol.StaleTimeout,
		RouteTimeout:      cfg.Protocol.RouteTimeout,
		MaxHops:           cfg.Protocol.MaxHops,
		ChildCapacity:     cfg.Protocol.ChildCapacity,
		MessageTTL:        cfg.Protocol.MessageTTL,
		SeedMaxAge:        cfg.PeerCache.MaxAge,
	}, tr, logger, engOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng.Start(ctx)
	logger.Info("node is running; press Ctrl+C to exit")

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			eng.Stop()
			return 0
		case <-ticker.C:
			st := eng.Status()
			logger.Info("node status",
				zap.String("state", string(st.State)),
				zap.Int("peers", st.KnownPeers),
				zap.Int("routes", st.Routes),
				zap.Bool("gateway", st.IsGateway),
				zap.Int("hop_count", st.HopCount),
				zap.Int("children", st.ChildCount))
		}
	}
}

// buildTransport starts the wire transport selected in config. The mem kind
// joins a process-local bus and only talks to itself; it exists for dry runs.
func buildTransport(cfg *config.Config) (transport.Transport, error) {
	switch cfg.Transport.Kind {
	case "mem":
		return mem.NewBus(64).Join(cfg.NodeID)
	case "quic":
		return quic.New(quic.Config{
			Listen: cfg.Transport.Listen,
			Peers:  cfg.Transport.Peers,
		})
	default:
		return udp.New(udp.Config{
			Listen:    cfg.Transport.Listen,
			Broadcast: cfg.Transport.Broadcast,
		})
	}
}

// buildCodec resolves the configured wire format through the codec registry.
func buildCodec(name string) (codec.Codec, error) {
	reg := codec.NewRegistry()
	reg.Register(codec.MustCBOR())

	contentType := codec.ContentTypeCBOR
	if name == "json" {
		contentType = codec.ContentTypeJSON
	}
	c := reg.Get(contentType)
	if c == nil {
		return nil, fmt.Errorf("no codec registered for %s", contentType)
	}
	return c, nil
}
