package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/execution-hub/ledger-node/internal/config"
	"github.com/execution-hub/ledger-node/internal/domain/ledger"
	"github.com/execution-hub/ledger-node/internal/infrastructure/bolt"
	"github.com/execution-hub/ledger-node/internal/infrastructure/memory"
	"github.com/execution-hub/ledger-node/internal/infrastructure/postgres"
	"github.com/execution-hub/ledger-node/internal/infrastructure/sse"
	p2papi "github.com/execution-hub/ledger-node/internal/p2p/api"
	"github.com/execution-hub/ledger-node/internal/p2p/consensus"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := Command().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func Command() *cobra.Command {
	c := &cobra.Command{
		Use:          "p2pnode",
		Short:        "Runs a ledger consensus node",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         run,
	}
	AddFlags(c.Flags())
	return c
}

func run(c *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := ApplyFlags(c.Flags(), cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	ctx := c.Context()

	l, closeLedger, err := openLedger(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Str("ledger", cfg.Ledger).Msg("failed to open ledger")
		return err
	}
	defer closeLedger()

	network := consensus.NewNetwork(consensus.NetworkConfig{
		MaxElectionsTime:   cfg.MaxElectionsTime,
		RequeryPause:       cfg.RequeryPause,
		DeclinedExpiration: cfg.DeclinedExpiration,
		ArchiveExpiration:  cfg.ArchiveExpiration,
		ApprovedExpiration: cfg.ApprovedExpiration,
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := consensus.NewMetrics(registry)
	if err != nil {
		return err
	}

	hub := sse.NewHub(cfg.NodeID, logger)
	defer hub.Stop()

	node, err := consensus.NewLocalNode(consensus.Config{NodeID: cfg.NodeID, PoolSize: cfg.PoolSize}, network, l, logger,
		consensus.WithMetrics(metrics),
		consensus.WithPublisher(hub),
	)
	if err != nil {
		return err
	}
	if err := network.RegisterNode(node); err != nil {
		return err
	}
	peerClient := &http.Client{Timeout: cfg.PeerTimeout}
	for _, p := range cfg.Peers {
		if err := network.RegisterNode(p2papi.NewRemoteNode(p.ID, p.URL, peerClient)); err != nil {
			return err
		}
	}
	if cfg.PositiveConsensus > 0 {
		err = network.SetConsensus(cfg.PositiveConsensus, cfg.NegativeConsensus)
	} else {
		err = network.DeriveConsensus(cfg.PositiveRatio)
	}
	if err != nil {
		return err
	}

	apiServer := p2papi.NewServer(node, hub, registry, logger)
	httpServer := &http.Server{
		Addr:        cfg.HTTPAddr,
		Handler:     apiServer.Router(),
		ReadTimeout: 15 * time.Second,
		// no WriteTimeout: item streams stay open
		IdleTimeout: 60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.HTTPAddr).
			Str("node_id", cfg.NodeID).
			Str("ledger", cfg.Ledger).
			Int("nodes", len(network.AllNodes())).
			Int("positive_consensus", network.PositiveConsensus()).
			Int("negative_consensus", network.NegativeConsensus()).
			Msg("ledger node listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error().Err(err).Msg("http server failed")
			node.Shutdown()
			return err
		}
	}

	logger.Info().Msg("shutting down")
	// closing the hub ends open streams so Shutdown can drain
	hub.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	node.Shutdown()
	return nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
}

func openLedger(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (ledger.Ledger, func(), error) {
	switch cfg.Ledger {
	case config.LedgerBolt:
		l, err := bolt.Open(cfg.DataDir, logger)
		if err != nil {
			return nil, nil, err
		}
		return l, func() { _ = l.Close() }, nil
	case config.LedgerPostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, int32(cfg.DBMaxConns))
		if err != nil {
			return nil, nil, err
		}
		if err := postgres.RunMigrations(ctx, pool, cfg.MigrationsDir); err != nil {
			pool.Close()
			return nil, nil, err
		}
		repo, err := postgres.NewLedgerRepository(pool, cfg.NodeID, cfg.LedgerCacheSize, logger)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return repo, func() {
			_ = repo.Close()
			pool.Close()
		}, nil
	default:
		return memory.NewLedger(), func() {}, nil
	}
}
