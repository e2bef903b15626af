package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/relaydesk/internal/config"
	"github.com/nextlevelbuilder/relaydesk/internal/dispatch"
	"github.com/nextlevelbuilder/relaydesk/internal/queue"
)

func workerCmd() *cobra.Command {
	var groups []string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume queue streams without serving the API",
		Long:  "Runs worker pools against the shared Redis streams. Use --group to consume a subset; the default is every stream with a configured downstream.",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, g := range groups {
				if !slices.Contains(queue.Streams(), g) {
					return fmt.Errorf("unknown group %q (known: %v)", g, queue.Streams())
				}
			}
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runWorkers(cmd.Context(), cfg, groups)
		},
	}
	cmd.Flags().StringSliceVar(&groups, "group", nil, "consumer group to run (repeatable)")
	return cmd
}

func runWorkers(parent context.Context, cfg *config.Config, groups []string) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	q, ledger, err := openQueue(cfg, true)
	if err != nil {
		return err
	}
	defer q.Close()

	set, err := dispatch.Build(cfg.Dispatch, groups...)
	if err != nil {
		return err
	}
	defer set.Close()

	pools := buildPools(cfg, q, ledger, set)
	if len(pools) == 0 {
		return fmt.Errorf("no stream has a configured downstream")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range pools {
		slog.Info("worker pool starting", "stream", p.Stream(), "concurrency", cfg.Pool(p.Stream()).Concurrency)
		g.Go(func() error { return p.Run(gctx) })
	}
	return g.Wait()
}
