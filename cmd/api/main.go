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

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"rumord.dev/internal/config"
	"rumord.dev/internal/httpapi"
	"rumord.dev/internal/migrate"
	"rumord.dev/internal/obs"
	"rumord.dev/internal/store/kv"
	"rumord.dev/internal/store/pg"
	"rumord.dev/internal/stream"
	"rumord.dev/internal/trust"
)

// Set via -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		obs.Logger().Error("rumord exited", "error", err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:           "rumord",
		Short:         "Anonymous rumor trust-scoring service",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.ReadFile(v, cfgFile); err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "YAML config file")
	flags.String("http-addr", ":8080", "HTTP listen address")
	flags.String("grpc-addr", ":9090", "gRPC health listen address (empty disables)")
	flags.String("store", config.DriverMemory, "store driver: memory, postgres or badger")
	flags.String("dsn", "", "PostgreSQL DSN")
	flags.String("data-dir", "", "BadgerDB directory")
	flags.String("snapshot", "", "JSON snapshot file for the memory store")
	flags.Bool("migrate", true, "apply pending migrations on startup (postgres)")
	flags.Duration("sweep-interval", 0, "minimum time between lifecycle sweeps (0 sweeps on every listing)")
	flags.String("log-level", "info", "debug, info, warn or error")

	cobra.CheckErr(config.BindFlags(v, flags, map[string]string{
		"http-addr":      "http.addr",
		"grpc-addr":      "grpc.addr",
		"store":          "store.driver",
		"dsn":            "store.dsn",
		"data-dir":       "store.path",
		"snapshot":       "store.snapshot",
		"migrate":        "store.migrate",
		"sweep-interval": "lifecycle.sweep_interval",
		"log-level":      "log.level",
	}))

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rumord %s (%s)\n", version, commit)
		},
	})
	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	if err := obs.SetLevel(cfg.LogLevel); err != nil {
		return err
	}
	obs.InitBuildInfo(version, commit)
	logger := obs.Logger()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("close store", "error", err.Error())
		}
	}()

	engine := trust.NewEngine(store,
		trust.WithPolicy(cfg.TrustPolicy()),
		trust.WithClock(clockwork.NewRealClock()),
		trust.WithSweepInterval(cfg.SweepInterval),
	)
	probe := httpapi.ReadyProbe{Store: engine}
	api := httpapi.New(engine, probe, version, stream.New())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		// WriteTimeout stays unset: /events holds connections open.
	}

	errc := make(chan error, 2)
	var gs *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		gs = grpc.NewServer()
		health := httpapi.NewHealthService(probe, 10*time.Second)
		health.Register(gs)
		go health.Run(ctx)
		go func() {
			logger.Info("grpc listening", "addr", cfg.GRPCAddr)
			if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errc <- fmt.Errorf("grpc serve: %w", err)
			}
		}()
	}

	go func() {
		logger.Info("http listening", "addr", srv.Addr, "version", version, "store", cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http listen: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errc:
		logger.Error("server failed", "error", err.Error())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if gs != nil {
		gs.GracefulStop()
	}
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Error("http shutdown", "error", serr.Error())
	}
	logger.Info("stopped")
	return err
}

func openStore(ctx context.Context, cfg config.Config) (trust.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		s, err := pg.Open(cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		if cfg.Store.Migrate {
			if err := migrate.NewManager(s.DB(), pg.Migrations()).Up(ctx); err != nil {
				_ = s.Close()
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		return s, nil
	case config.DriverBadger:
		kc := kv.DefaultConfig(cfg.Store.Path)
		kc.Logger = obs.Logger()
		return kv.Open(kc)
	default:
		if cfg.Store.Snapshot != "" {
			return trust.OpenSnapshotStore(cfg.Store.Snapshot)
		}
		return trust.NewMemoryStore(), nil
	}
}
