package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/relaydesk/internal/config"
	"github.com/nextlevelbuilder/relaydesk/internal/deployment"
	"github.com/nextlevelbuilder/relaydesk/internal/dispatch"
	"github.com/nextlevelbuilder/relaydesk/internal/handoff"
	"github.com/nextlevelbuilder/relaydesk/internal/housekeeping"
	httpapi "github.com/nextlevelbuilder/relaydesk/internal/http"
	"github.com/nextlevelbuilder/relaydesk/internal/routing"
	"github.com/nextlevelbuilder/relaydesk/internal/tracing"
)

var serveWorkers bool

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, worker pools and housekeeping",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
	cmd.Flags().BoolVar(&serveWorkers, "workers", true, "run worker pools in this process")
	return cmd
}

func runServe() {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := serve(cfgPath, cfg); err != nil {
		slog.Error("relaydesk stopped with error", "error", err)
		os.Exit(1)
	}
}

func serve(cfgPath string, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}()

	sb, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer sb.close()

	// Standalone data follows the config file.
	if sb.seed != nil {
		sb.seed(cfg.SeedSnapshot())
		if err := config.Watch(ctx, cfgPath, cfg, func(c *config.Config) { sb.seed(c.SeedSnapshot()) }); err != nil {
			slog.Warn("config watcher unavailable", "error", err)
		}
	}

	q, ledger, err := openQueue(cfg, false)
	if err != nil {
		return err
	}
	defer q.Close()

	registry := deployment.NewRegistry(sb.stores.Deployments, sb.stores.Access)
	tracker := handoff.NewTracker(sb.stores.Handoff)
	router := routing.NewRouter(routing.Deps{
		Deployments: registry,
		Triggers:    sb.stores.Triggers,
		Campaigns:   sb.stores.Campaigns,
		Handoff:     tracker,
		Queue:       q,
	})

	g, gctx := errgroup.WithContext(ctx)

	if serveWorkers {
		set, err := dispatch.Build(cfg.Dispatch)
		if err != nil {
			return err
		}
		defer set.Close()
		for _, p := range buildPools(cfg, q, ledger, set) {
			g.Go(func() error { return p.Run(gctx) })
		}
	}

	janitor, err := housekeeping.New(q, cfg.Housekeeping.Cron, cfg.Housekeeping.StreamMaxLen)
	if err != nil {
		return err
	}
	g.Go(func() error { return janitor.Run(gctx) })

	gw := cfg.Gateway
	srv := &http.Server{
		Addr: net.JoinHostPort(gw.Host, strconv.Itoa(gw.Port)),
		Handler: httpapi.NewServeMux(httpapi.Deps{
			Router:       router,
			Registry:     registry,
			Handoff:      tracker,
			Queue:        q,
			Token:        gw.Token,
			MaxBodyBytes: gw.MaxBodyBytes,
			RateLimitRPM: gw.RateLimitRPM,
			Version:      Version,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if gw.Token == "" {
		slog.Warn("RELAYDESK_GATEWAY_TOKEN is not set; the API accepts unauthenticated requests")
	}

	g.Go(func() error {
		slog.Info("relaydesk starting",
			"version", Version,
			"addr", srv.Addr,
			"mode", cfg.Database.Mode,
			"queue", cfg.Queue.Backend,
			"workers", serveWorkers,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("graceful shutdown initiated")
		sctx, cancel := context.WithTimeout(context.Background(), gw.ShutdownTimeout.Std())
		defer cancel()
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}
