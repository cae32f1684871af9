// Command clapshot-server is the entry point: it parses flags, opens the
// store, wires the ingestion pipeline, session hub and notification relay,
// optionally negotiates with an Organizer plugin, and serves the HTTP/WS
// API until terminated. Grounded on the teacher's cmd/webui and
// cmd/noisefs-webui mains (flag parsing, component construction in main,
// graceful net/http.Server shutdown), generalized to this server's
// component graph.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/clapshot/clapshot-server/internal/api"
	"github.com/clapshot/clapshot-server/internal/config"
	"github.com/clapshot/clapshot-server/internal/hub"
	"github.com/clapshot/clapshot-server/internal/logging"
	"github.com/clapshot/clapshot-server/internal/migrate"
	"github.com/clapshot/clapshot-server/internal/model"
	"github.com/clapshot/clapshot-server/internal/notify"
	"github.com/clapshot/clapshot-server/internal/organizer"
	"github.com/clapshot/clapshot-server/internal/pipeline"
	"github.com/clapshot/clapshot-server/internal/store"
	"github.com/clapshot/clapshot-server/internal/workers"
)

// coreDBVersion is reported to the Organizer as this server's current
// schema state in the check_migrations handshake (spec §4.L).
const coreDBVersion = "20240101000000_init"

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	layout := cfg.Layout()
	if err := layout.EnsureLayout(); err != nil {
		logger.Errorf("failed to set up data directory: %v", err)
		os.Exit(1)
	}

	st, err := store.Open(store.Config{Path: layout.StorePath, MigrationsPath: migrationsSourceURL()}, logger)
	if err != nil {
		logger.Errorf("failed to open store: %v", err)
		os.Exit(1)
	}
	defer st.Close()

	pending, err := st.PendingMigration()
	if err != nil {
		logger.Errorf("failed to check migration state: %v", err)
		os.Exit(1)
	}
	if pending {
		if !cfg.Migrate {
			fmt.Fprintln(os.Stderr, "database schema is behind; re-run with --migrate to apply pending migrations")
			os.Exit(1)
		}
		if err := st.Migrate(); err != nil {
			logger.Errorf("migration failed: %v", err)
			os.Exit(1)
		}
		logger.Info("schema migrations applied")
	}

	h := hub.New()

	relay := notify.New(st, h, logger)
	stop := make(chan struct{})
	go relay.Run(stop)

	probePool := pipeline.NewProbePool(cfg.Workers, logger)
	encodePool := workers.NewPool(workers.Config{WorkerCount: cfg.Workers})
	encodePool.Start()

	uploadsIn := make(chan pipeline.Submission, 16)
	watcherOut := make(chan pipeline.IncomingFile, 16)

	orch := pipeline.NewOrchestrator(pipeline.OrchestratorConfig{
		DataDir:              cfg.DataDir,
		ConfiguredMaxBitrate: cfg.BitrateBps(),
		ThumbCols:            4,
		ThumbRows:            4,
		TileW:                160,
		TileH:                90,
		ProbePool:            probePool,
		EncodePool:           encodePool,
		Store:                st,
		Notify:               relay.Enqueue,
		Logger:               logger,
	})
	go orch.Run(stop, uploadsIn, watcherOut)

	pollInterval := time.Duration(cfg.PollSeconds * float64(time.Second))
	watcher := pipeline.NewWatcher(layout.Incoming, pollInterval, watcherOut, logger)
	go watcher.Run(stop)

	org := dialOrganizer(layout.Root, logger)
	if org != nil {
		defer org.Close()
		go negotiateOrganizer(org, layout.Root, logger)
	}

	srv := api.NewServer(api.Config{
		UrlBase:   cfg.UrlBase,
		DataDir:   cfg.DataDir,
		VideosDir: layout.Videos,
		Store:     st,
		Hub:       h,
		Notify:    relay,
		Organizer: org,
		Submit:    func(s pipeline.Submission) { uploadsIn <- s },
		Logger:    logger,
	})

	httpSrv := &http.Server{
		Addr:    net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
		Handler: srv,
	}

	go func() {
		logger.Infof("listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("http server error: %v", err)
		}
	}()

	awaitTermination(logger)
	close(stop)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Errorf("graceful shutdown error: %v", err)
	}

	probePool.Shutdown()
	encodePool.Shutdown()
}

// migrationsSourceURL resolves the golang-migrate "file://" source for the
// schema this binary ships with.
func migrationsSourceURL() string {
	if dir := os.Getenv("CLAPSHOT_MIGRATIONS_DIR"); dir != "" {
		return "file://" + dir
	}
	return "file://migrations/server"
}

// organizerSocketName is the default Unix socket the Organizer plugin is
// expected to listen on under --data-dir, per spec §4.L.
const organizerSocketName = "grpc-srv-to-org.sock"

// dialOrganizer attempts a best-effort connection to an Organizer plugin.
// Absence of a socket is not an error: the server runs with Organizer
// authorization and migrations disabled and every dispatch command falls
// back to its built-in default (see internal/api/dispatch.go's authorize).
func dialOrganizer(dataDir string, logger *logging.Logger) *organizer.Bridge {
	sockPath := filepath.Join(dataDir, organizerSocketName)
	if _, err := os.Stat(sockPath); err != nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bridge, err := organizer.Dial(ctx, organizer.Config{SocketPath: sockPath}, logger)
	if err != nil {
		logger.Warnf("organizer socket present but dial failed: %v", err)
		return nil
	}
	return bridge
}

// negotiateOrganizer runs the handshake and migration-negotiation sequence
// of spec §4.L once a connection to the Organizer is established. The solver
// sees two modules: "core", at this server's core schema version with no
// migrations of its own, and "organizer", with no current version and the
// migrations from its CheckMigrations response.
func negotiateOrganizer(org *organizer.Bridge, dataDir string, logger *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := organizer.Handshake(ctx, org, organizer.HandshakeRequest{
		CoreVersion: coreDBVersion,
		DataDir:     dataDir,
	}); err != nil {
		logger.Warnf("organizer handshake failed: %v", err)
		return
	}

	resp, err := organizer.CheckMigrations(ctx, org, coreDBVersion)
	if err != nil {
		logger.Warnf("organizer migration check failed: %v", err)
		return
	}
	if resp.NotImplemented || len(resp.Pending) == 0 {
		return
	}

	migrations := make([]model.Migration, 0, len(resp.Pending))
	for _, spec := range resp.Pending {
		deps := make([]model.Dependency, 0, len(spec.Dependencies))
		for _, d := range spec.Dependencies {
			deps = append(deps, model.Dependency{Module: d.Module, MinVer: d.MinVer, MaxVer: d.MaxVer})
		}
		migrations = append(migrations, model.Migration{
			UUID:         spec.UUID,
			Version:      spec.Version,
			Description:  spec.Description,
			Dependencies: deps,
		})
	}

	core := coreDBVersion
	plan, solvable, err := migrate.Solve([]migrate.Module{
		{Name: "core", CurVersion: &core},
		{Name: "organizer", CurVersion: nil, Migrations: migrations},
	})
	if err != nil {
		logger.Errorf("organizer migration plan is malformed: %v", err)
		return
	}
	if !solvable {
		logger.Warnf("organizer reports migrations with no solvable order; skipping")
		return
	}

	for _, mig := range plan {
		if err := organizer.ApplyMigration(ctx, org, mig.UUID); err != nil {
			logger.Errorf("organizer migration %s failed: %v", mig.UUID, err)
			return
		}
	}
	if err := organizer.AfterMigrations(ctx, org); err != nil {
		logger.Warnf("organizer after-migrations hook failed: %v", err)
	}
}

// awaitTermination blocks until SIGINT/SIGTERM.
func awaitTermination(logger *logging.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")
}
