package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/nextlevelbuilder/relaydesk/internal/config"
	"github.com/nextlevelbuilder/relaydesk/internal/dispatch"
	"github.com/nextlevelbuilder/relaydesk/internal/queue"
	"github.com/nextlevelbuilder/relaydesk/internal/store"
	"github.com/nextlevelbuilder/relaydesk/internal/store/memory"
	"github.com/nextlevelbuilder/relaydesk/internal/store/pg"
	"github.com/nextlevelbuilder/relaydesk/internal/upgrade"
	"github.com/nextlevelbuilder/relaydesk/internal/worker"
)

// storeBackend bundles the stores with their lifecycle hooks. seed is nil
// in managed mode, where collaborator data comes from Postgres.
type storeBackend struct {
	stores *store.Stores
	seed   func(config.SeedConfig)
	close  func() error
}

// openStores selects Postgres in managed mode and in-memory stores otherwise.
func openStores(cfg *config.Config) (*storeBackend, error) {
	if cfg.Database.Mode == "managed" {
		if cfg.Database.PostgresDSN == "" {
			return nil, fmt.Errorf("managed mode requires RELAYDESK_POSTGRES_DSN")
		}
		stores, db, err := pg.NewPGStores(store.StoreConfig{
			PostgresDSN:  cfg.Database.PostgresDSN,
			MaxOpenConns: cfg.Database.MaxOpenConns,
		})
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		status, err := upgrade.CheckSchema(ctx, db)
		cancel()
		if err == nil {
			err = status.Err()
		}
		if err != nil {
			db.Close()
			return nil, err
		}
		slog.Info("stores ready", "mode", "managed", "schema_version", status.CurrentVersion)
		return &storeBackend{stores: stores, close: db.Close}, nil
	}

	deployments := memory.NewDeploymentStore()
	triggers := memory.NewTriggerStore()
	campaigns := memory.NewCampaignStore()
	b := &storeBackend{
		stores: &store.Stores{
			Deployments: deployments,
			Access:      memory.NewAccessStore(),
			Triggers:    triggers,
			Campaigns:   campaigns,
			Handoff:     memory.NewHandoffStore(),
		},
		close: func() error { return nil },
	}
	b.seed = func(s config.SeedConfig) {
		res := deployments.Seed(s.DeploymentData())
		triggers.Replace(s.Triggers)
		campaigns.Replace(s.Campaigns)
		slog.Info("seed data applied",
			"deployments", res.Applied,
			"deployments_kept", res.Kept,
			"deployments_removed", res.Removed,
			"triggers", len(s.Triggers),
			"campaigns", len(s.Campaigns),
		)
	}
	slog.Info("stores ready", "mode", "standalone")
	return b, nil
}

// openQueue builds the configured queue and processed-message ledger.
// shared rejects the in-process backend for commands that must see the
// streams of another process.
func openQueue(cfg *config.Config, shared bool) (queue.Queue, queue.Ledger, error) {
	qc := cfg.Queue
	switch strings.ToLower(qc.Backend) {
	case "redis":
		if qc.RedisURL == "" {
			return nil, nil, fmt.Errorf("redis backend requires RELAYDESK_REDIS_URL")
		}
		client, err := queue.NewRedisClient(queue.RedisConfig{
			URL:       qc.RedisURL,
			PoolSize:  qc.PoolSize,
			KeyPrefix: qc.KeyPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return queue.NewRedis(client, qc.KeyPrefix), queue.NewRedisLedger(client, qc.KeyPrefix, qc.LedgerTTL.Std()), nil
	case "", "memory":
		if shared {
			return nil, nil, fmt.Errorf("the memory queue is private to the serving process; configure the redis backend")
		}
		return queue.NewMemory(), queue.NewMemoryLedger(qc.LedgerTTL.Std()), nil
	default:
		return nil, nil, fmt.Errorf("unknown queue backend %q", qc.Backend)
	}
}

// buildPools creates one pool per dispatcher, tuned by the group's settings.
func buildPools(cfg *config.Config, q queue.Queue, ledger queue.Ledger, set *dispatch.Set) []*worker.Pool {
	consumer := consumerName()
	pools := make([]*worker.Pool, 0, len(set.Dispatchers))
	for _, stream := range queue.Streams() {
		d, ok := set.Dispatchers[stream]
		if !ok {
			continue
		}
		pc := cfg.Pool(stream)
		pools = append(pools, worker.NewPool(stream, q, ledger, d, worker.Options{
			Concurrency:     pc.Concurrency,
			MaxAttempts:     pc.MaxAttempts,
			ClaimIdle:       pc.ClaimIdle.Std(),
			ClaimInterval:   pc.ClaimInterval.Std(),
			ReadBlock:       pc.ReadBlock.Std(),
			DispatchTimeout: pc.DispatchTimeout.Std(),
			ShutdownTimeout: pc.ShutdownTimeout.Std(),
			RatePerSecond:   pc.RatePerSecond,
			Burst:           pc.Burst,
			Consumer:        consumer,
		}))
	}
	return pools
}

// consumerName identifies this process within a consumer group.
func consumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "relaydesk"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
