package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/meshpath/meshpath-relay/internal/config"
	"github.com/meshpath/meshpath-relay/internal/httpserver"
	"github.com/meshpath/meshpath-relay/internal/metrics"
	"github.com/meshpath/meshpath-relay/internal/pool"
	"github.com/meshpath/meshpath-relay/internal/signaling"
	"github.com/meshpath/meshpath-relay/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildVersion = ""
	buildCommit  = ""
	buildTime    = ""
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting meshpath-relay",
		"listen_addr", cfg.ListenAddr,
		"pool_dir", cfg.PoolDir,
		"pool_ttl", cfg.PoolTTL,
		"peer_relays", len(cfg.PeerRelays),
		"ice_servers", len(cfg.ICEServers),
	)

	m := metrics.New()

	store, err := pool.NewStore(pool.StoreConfig{
		Dir:          cfg.PoolDir,
		TTL:          cfg.PoolTTL,
		MaxDataBytes: cfg.MaxPoolDataBytes,
		Logger:       logger,
		Metrics:      m,
	})
	if err != nil {
		logger.Error("failed to open message pool", "err", err)
		os.Exit(2)
	}

	var replicator *pool.Replicator
	if len(cfg.PeerRelays) > 0 {
		replicator = pool.NewReplicator(cfg.PeerRelays, nil, logger, m)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	srv := httpserver.New(cfg, logger, m, httpserver.BuildInfo{
		Version:   buildVersion,
		Commit:    resolveCommit(buildCommit),
		BuildTime: buildTime,
	})
	if cfg.TURNRestSecret != "" {
		gen, err := turnrest.NewGenerator(turnrest.GeneratorConfig{
			Secret: cfg.TURNRestSecret,
			TTL:    cfg.TURNRestTTL,
		})
		if err != nil {
			logger.Error("failed to configure TURN REST credentials", "err", err)
			os.Exit(2)
		}
		srv.SetTURNRest(gen, cfg.TURNRestURLs)
	}

	sig := signaling.NewServer(signaling.Config{
		Logger:               logger,
		Metrics:              m,
		ChallengeTTL:         cfg.ChallengeTTL,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
	})
	sig.RegisterRoutes(srv.Mux())
	pool.NewHandlers(store, replicator, logger).RegisterRoutes(srv.Mux())

	sweepStop := make(chan struct{})
	go store.RunSweeper(cfg.PoolSweepEvery, sweepStop)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		close(sweepStop)
		sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	sig.Close()
	close(sweepStop)
	if replicator != nil {
		replicator.Close()
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveCommit(commit string) string {
	// Prefer the ldflags-injected value but fall back to Go build info,
	// which covers `go run` and dev builds.
	if commit != "" {
		return commit
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			if s.Key == "vcs.revision" {
				return s.Value
			}
		}
	}
	return ""
}
