package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/haukened/rr-hostdb/internal/hostdb/common/clock"
	"github.com/haukened/rr-hostdb/internal/hostdb/common/log"
	"github.com/haukened/rr-hostdb/internal/hostdb/config"
	"github.com/haukened/rr-hostdb/internal/hostdb/gateways/admin"
	"github.com/haukened/rr-hostdb/internal/hostdb/gateways/cluster"
	"github.com/haukened/rr-hostdb/internal/hostdb/gateways/upstream"
	"github.com/haukened/rr-hostdb/internal/hostdb/repos/entrystore"
	"github.com/haukened/rr-hostdb/internal/hostdb/repos/ghost"
	"github.com/haukened/rr-hostdb/internal/hostdb/repos/hostsfile"
	"github.com/haukened/rr-hostdb/internal/hostdb/repos/snapshot"
	"github.com/haukened/rr-hostdb/internal/hostdb/services/coordinator"
	"github.com/haukened/rr-hostdb/internal/hostdb/services/selector"
)

const (
	version = "0.1.0-dev"
	appName = "hostdbd"

	defaultShutdownTimeout = 10 * time.Second
	ghostFalsePositiveRate = 0.01
)

// Application holds the wired components of the daemon.
type Application struct {
	config      *config.AppConfig
	clock       clock.Clock
	store       *entrystore.Store
	coordinator *coordinator.Coordinator
	snapshots   *snapshot.Store
	cluster     *cluster.Cluster
	admin       *http.Server
	listener    net.Listener
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	err = log.Configure(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Logging configuration error: %v\n", err)
		os.Exit(1)
	}

	log.Info(map[string]any{
		"version":    version,
		"env":        cfg.Env,
		"log_level":  cfg.LogLevel,
		"size":       cfg.Size,
		"buckets":    cfg.Buckets,
		"partitions": cfg.Partitions,
		"strategy":   cfg.Strategy,
		"servers":    cfg.Servers,
		"cluster":    cfg.ClusterEnabled,
	}, "Starting "+appName)

	app, err := buildApplication(cfg)
	if err != nil {
		log.Fatal(map[string]any{"error": err.Error()}, "Failed to build application")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx); err != nil {
		log.Fatal(map[string]any{"error": err.Error()}, "Server failed")
	}

	log.Info(nil, appName+" stopped gracefully")
}

// buildApplication constructs all components and wires them together.
func buildApplication(cfg *config.AppConfig) (*Application, error) {
	clk := clock.RealClock{}
	logger := log.GetLogger()

	store, err := entrystore.New(entrystore.Options{
		Size:       cfg.Size,
		Buckets:    cfg.Buckets,
		Partitions: cfg.Partitions,
		Ghost:      ghost.New(uint64(cfg.Size), ghostFalsePositiveRate),
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build entry store: %w", err)
	}

	app := &Application{config: cfg, clock: clk, store: store}

	if cfg.SnapshotPath != "" {
		app.snapshots, err = snapshot.Open(cfg.SnapshotPath, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open snapshot: %w", err)
		}
		recs, err := app.snapshots.Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load snapshot: %w", err)
		}
		info := app.snapshots.Info()
		log.Info(map[string]any{
			"path":     cfg.SnapshotPath,
			"restored": store.Restore(recs),
			"version":  fmt.Sprintf("%d.%d", info.Major, info.Minor),
			"rebuilt":  info.Rebuilt,
		}, "Snapshot loaded")
	}

	hosts, err := hostsfile.Load(cfg.HostsFile, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load hosts file: %w", err)
	}

	resolver, err := upstream.NewResolver(upstream.Options{
		Servers: cfg.Servers,
		Timeout: cfg.LookupTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream client: %w", err)
	}
	log.Info(map[string]any{
		"servers": cfg.Servers,
		"timeout": cfg.LookupTimeout.String(),
	}, "Upstream DNS client configured")

	opts := coordinator.Options{
		Store:          store,
		Engine:         selector.NewEngine(cfg.SelectorOptions()),
		Resolver:       resolver,
		Static:         hosts,
		Policy:         cfg.TTLPolicy(),
		Clock:          clk,
		Logger:         logger,
		LookupTimeout:  cfg.LookupTimeout,
		ClusterTimeout: cfg.ClusterTimeout,
		RetryBackoff:   cfg.RetryBackoff,
		RetryBudget:    cfg.RetryBudget,
		StaleWindow:    cfg.StaleWindow,
		Refresh:        refreshLimiter(cfg.RefreshRate),
		Workers:        cfg.Workers,
	}
	if cfg.ClusterEnabled {
		app.cluster, err = cluster.New(cluster.Options{
			NodeID:  cfg.NodeID,
			Peers:   cfg.Peers,
			Timeout: cfg.ClusterTimeout,
			Logger:  logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build cluster gateway: %w", err)
		}
		opts.Peer = app.cluster
		log.Info(map[string]any{"node": cfg.NodeID, "peers": cfg.Peers}, "Cluster mode enabled")
	}
	app.coordinator = coordinator.New(opts)

	app.admin = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.AdminPort),
		Handler:           admin.New(app.coordinator, logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return app, nil
}

// refreshLimiter turns a per-second budget into a limiter. Zero disables
// background refreshes.
func refreshLimiter(perSecond float64) *rate.Limiter {
	burst := int(perSecond)
	if burst < 1 && perSecond > 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Run serves until ctx ends, then shuts down and writes a final snapshot.
func (app *Application) Run(ctx context.Context) error {
	ln := app.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", app.admin.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", app.admin.Addr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	app.coordinator.Start(gctx)

	g.Go(func() error {
		log.Info(map[string]any{"address": ln.Addr().String()}, "Admin server started")
		if err := app.admin.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})

	if app.snapshots != nil && app.config.SyncInterval > 0 {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-app.clock.After(app.config.SyncInterval):
					app.sync()
				}
			}
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info(nil, "Shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if err := app.admin.Shutdown(shutdownCtx); err != nil {
			log.Warn(map[string]any{"error": err.Error()}, "Error during admin shutdown")
		}
		return nil
	})

	err := g.Wait()
	app.close()
	return err
}

// sync writes the current store image.
func (app *Application) sync() {
	recs := app.store.Snapshot()
	if err := app.snapshots.Save(recs, app.clock.Now()); err != nil {
		log.Error(map[string]any{"error": err.Error()}, "Snapshot sync failed")
		return
	}
	log.Debug(map[string]any{"records": len(recs)}, "Snapshot synced")
}

func (app *Application) close() {
	if err := app.coordinator.Close(); err != nil {
		log.Warn(map[string]any{"error": err.Error()}, "Error stopping coordinator")
	}
	if app.snapshots != nil {
		app.sync()
		if err := app.snapshots.Close(); err != nil {
			log.Warn(map[string]any{"error": err.Error()}, "Error closing snapshot")
		}
	}
	if app.cluster != nil {
		if err := app.cluster.Close(); err != nil {
			log.Warn(map[string]any{"error": err.Error()}, "Error closing cluster client")
		}
	}
}
