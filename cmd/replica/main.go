package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/devrev/pairdb/replication/internal/config"
	"github.com/devrev/pairdb/replication/internal/csn"
	"github.com/devrev/pairdb/replication/internal/health"
	"github.com/devrev/pairdb/replication/internal/metrics"
	"github.com/devrev/pairdb/replication/internal/notify"
	"github.com/devrev/pairdb/replication/internal/server"
	"github.com/devrev/pairdb/replication/internal/service"
	"github.com/devrev/pairdb/replication/internal/storage/boltstore"
	"github.com/devrev/pairdb/replication/internal/storage/memdir"
	"github.com/devrev/pairdb/replication/internal/transport"
)

func main() {
	cfg, err := config.LoadConfig(config.PathFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.Uint32("replica_id", cfg.Server.ReplicaID),
		zap.String("base_dn", cfg.Server.BaseDN),
		zap.String("listen_addr", cfg.Transport.ListenAddr))

	if err := os.MkdirAll(cfg.Server.DataDir, 0755); err != nil {
		logger.Fatal("Failed to create data directory", zap.Error(err))
	}

	store, err := boltstore.Open(filepath.Join(cfg.Server.DataDir, "replication.db"), logger)
	if err != nil {
		logger.Fatal("Failed to open replication store", zap.Error(err))
	}
	defer store.Close()

	state, err := store.LoadServerState(context.Background())
	if err != nil {
		logger.Fatal("Failed to load server state", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(strconv.FormatUint(uint64(cfg.Server.ReplicaID), 10), registry)

	schema := cfg.BuildSchema()
	backend := memdir.New(schema, logger.Named("directory"))
	alerter := notify.NewAlerter(cfg.Alerts.RatePerSecond, cfg.Alerts.Burst, logger.Named("alerts"),
		notify.WithHook(m.AlertsTotal.Inc))

	broadcaster, err := transport.NewBroadcaster(&transport.BroadcasterConfig{
		Peers:          cfg.Transport.Peers,
		QueueSize:      cfg.Transport.SendQueueSize,
		PublishTimeout: cfg.Transport.PublishTimeout,
		Changes:        store,
		Logger:         logger.Named("broadcaster"),
	})
	if err != nil {
		logger.Fatal("Failed to initialize broadcaster", zap.Error(err))
	}

	domain := service.NewReplicationDomain(
		service.DomainConfig{
			ReplicaID:           cfg.Server.ReplicaID,
			BaseDN:              cfg.BaseDN(),
			Schema:              schema,
			Workers:             cfg.Replay.Workers,
			QueueSize:           cfg.Replay.QueueSize,
			PollInterval:        cfg.Replay.PollInterval,
			MaxAttempts:         cfg.Replay.MaxAttempts,
			MaxTransientRetries: cfg.Replay.MaxTransientRetries,
			UnavailableBackoff:  cfg.Replay.UnavailableBackoff,
			PurgeDelay:          cfg.Historical.PurgeDelay,
			AppliedTTL:          cfg.Replay.AppliedTTL,
			FractionalExclude:   cfg.Fractional.Exclude,
		},
		state,
		backend,
		broadcaster,
		store,
		alerter,
		m,
		logger.Named("replication"),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Gossip spreads server states; a peer that lags behind triggers recovery
	var gossipSvc *service.GossipService
	if cfg.Gossip.Enabled {
		gossipSvc, err = service.NewGossipService(
			&service.GossipConfig{
				BindPort:       cfg.Gossip.BindPort,
				SeedNodes:      cfg.Gossip.SeedNodes,
				GossipInterval: cfg.Gossip.GossipInterval,
				ProbeTimeout:   cfg.Gossip.ProbeTimeout,
				ProbeInterval:  cfg.Gossip.ProbeInterval,
				OnPeerState: func(_ string, peerState *csn.ServerState) {
					domain.SessionInitiated(ctx, peerState)
				},
			},
			cfg.Server.ReplicaID,
			domain.ServerState(),
			m,
			logger.Named("gossip"),
		)
		if err != nil {
			logger.Error("Failed to initialize gossip service", zap.Error(err))
			gossipSvc = nil
		} else {
			logger.Info("Gossip service initialized")
		}
	}

	stateCfg := service.StateServiceConfig{FlushInterval: cfg.State.FlushInterval}
	if gossipSvc != nil {
		stateCfg.Purger = store
		stateCfg.LowWater = gossipSvc.LowWater
	}
	stateSvc := service.NewStateService(stateCfg, domain.ServerState(), store, m, logger.Named("state"))

	checker := health.NewHealthChecker(health.HealthCheckConfig{
		DataDir:                cfg.Server.DataDir,
		ReplayQueueUtilization: domain.ReplayQueueUtilization,
		Recovering:             domain.IsRecovering,
	}, logger.Named("health"))
	go checker.Start(ctx)

	var metricsSrv *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsSrv = server.NewMetricsServer(
			&server.MetricsServerConfig{
				Port:    cfg.Metrics.Port,
				Path:    cfg.Metrics.Path,
				DataDir: cfg.Server.DataDir,
			},
			m,
			registry,
			checker.Readiness,
			logger.Named("metrics"),
		)
		if err := metricsSrv.Start(); err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}

	transportSrv := transport.NewServer(domain, logger.Named("transport"))
	listener, err := net.Listen("tcp", cfg.Transport.ListenAddr)
	if err != nil {
		logger.Fatal("Failed to listen", zap.Error(err))
	}

	// Resend whatever the reachable peers missed while this replica was down
	for addr, peerState := range broadcaster.PeerStates(ctx) {
		if domain.SessionInitiated(ctx, peerState) {
			logger.Info("Recovery started for peer", zap.String("peer", addr))
			break
		}
	}

	logger.Info("Replication service starting",
		zap.Uint32("replica_id", cfg.Server.ReplicaID),
		zap.String("address", listener.Addr().String()))

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down gracefully...")
		transportSrv.Stop()
	}()

	if err := transportSrv.Serve(listener); err != nil {
		logger.Error("Transport server stopped", zap.Error(err))
	}

	cancel()
	if err := domain.Stop(cfg.Server.ShutdownTimeout); err != nil {
		logger.Warn("Replay workers did not stop in time", zap.Error(err))
	}
	if err := broadcaster.Close(); err != nil {
		logger.Warn("Failed to close broadcaster", zap.Error(err))
	}
	if gossipSvc != nil {
		if err := gossipSvc.Shutdown(); err != nil {
			logger.Warn("Failed to shut down gossip", zap.Error(err))
		}
	}
	if err := stateSvc.Stop(); err != nil {
		logger.Error("Failed to flush server state", zap.Error(err))
	}
	if metricsSrv != nil {
		if err := metricsSrv.Stop(); err != nil {
			logger.Warn("Failed to stop metrics server", zap.Error(err))
		}
	}
	logger.Info("Replication service stopped")
}

// initLogger builds the production logger at the configured level
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	if cfg.Format != "" {
		zc.Encoding = cfg.Format
	}
	return zc.Build()
}
