package main

import (
    "encoding/hex"
    "os"
    "os/signal"
    "path/filepath"
    "syscall"
    "time"

    "go.uber.org/zap"

    "lxmesh/pkg/config"
    "lxmesh/pkg/identity"
    "lxmesh/pkg/lxm"
    "lxmesh/pkg/observability"
    "lxmesh/pkg/router"
    "lxmesh/pkg/transport/mem"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
    cfg, err := config.Load(opts.ConfigPath)
    if err != nil {
        _, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
        return 1
    }

    logger, err := observability.SetupLogger(cfg.Log)
    if err != nil {
        _, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
        return 1
    }
    defer func() { _ = logger.Sync() }()

    zap.L().Info("lxmesh-node started", zap.String("display_name", cfg.DisplayName))
    zap.L().Info("effective configuration", zap.Any("config", cfg))

    id, err := identity.LoadOrGenerate(cfg.Identity.PrivateKey, cfg.Identity.PrivateKeyFile)
    if err != nil {
        zap.L().Error("failed to init identity", zap.Error(err))
        return 1
    }
    zap.L().Info("node identity ready",
        zap.String("hash", hex.EncodeToString(id.Hash())))

    if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
        zap.L().Error("failed to create data dir", zap.Error(err))
        return 1
    }

    mesh := mem.New()
    mesh.AutoEstablish = true
    directory := router.NewDirectory(cfg.Router.LinkCapacity)

    rtr, err := router.New(router.Config{
        DisplayName:           cfg.DisplayName,
        StampCost:             cfg.Router.StampCost,
        EnforceStamps:         cfg.Router.EnforceStamps,
        PropagationOnly:       cfg.Router.PropagationOnly,
        FallbackToPropagation: cfg.Router.FallbackToPropagation,
        QueueCapacity:         cfg.Router.QueueCapacity,
        FailedCapacity:        cfg.Router.FailedCapacity,
        TableCapacity:         cfg.Router.TableCapacity,
        LinkCapacity:          cfg.Router.LinkCapacity,
        StatePath:             filepath.Join(cfg.DataDir, "router.state"),
    }, mesh, id, directory)
    if err != nil {
        zap.L().Error("failed to create router", zap.Error(err))
        return 1
    }

    if cfg.Router.PropagationNode != "" {
        node, err := hex.DecodeString(cfg.Router.PropagationNode)
        if err != nil || len(node) != lxm.DestinationLength {
            zap.L().Error("invalid router.propagation_node")
            return 1
        }
        rtr.SetOutboundPropagationNode(node)
    }

    rtr.RegisterDeliveryCallback(func(m *lxm.Message) {
        zap.L().Info("message delivered",
            zap.String("message", m.String()),
            zap.Int("content_bytes", len(m.Content)))
    })
    rtr.Announce(nil, false)

    ticker := time.NewTicker(router.ProcessingInterval)
    defer ticker.Stop()
    var announce <-chan time.Time
    if cfg.Router.AnnounceIntervalS > 0 {
        at := time.NewTicker(time.Duration(cfg.Router.AnnounceIntervalS) * time.Second)
        defer at.Stop()
        announce = at.C
    }

    stop := make(chan os.Signal, 1)
    signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

    zap.L().Info("node is running; press Ctrl+C to exit")
    for {
        select {
        case <-ticker.C:
            rtr.ProcessOutbound()
            rtr.ProcessInbound()
        case <-announce:
            rtr.Announce(nil, false)
        case sig := <-stop:
            zap.L().Info("shutting down", zap.String("signal", sig.String()))
            return 0
        }
    }
}
