package main

import (
	"context"
	"fmt"

	"github.com/golem-project/worker-executor/internal/activeset"
	"github.com/golem-project/worker-executor/internal/componentstore"
	"github.com/golem-project/worker-executor/internal/config"
	"github.com/golem-project/worker-executor/internal/core"
	"github.com/golem-project/worker-executor/internal/logging"
	"github.com/golem-project/worker-executor/internal/metrics"
	"github.com/golem-project/worker-executor/internal/oplog"
	"github.com/golem-project/worker-executor/internal/runtime"
	"github.com/golem-project/worker-executor/internal/telemetry"

	"github.com/redis/go-redis/v9"
)

// wired holds every long-lived collaborator an Executor needs, so the CLI
// can close them cleanly after a single command runs, matching
// cmd/nova/main.go's getStore()-builds-fresh-per-invocation pattern rather
// than a long-lived daemon.
type wired struct {
	executor    *core.Executor
	boltStore   *oplog.BoltStore
	searchIndex *oplog.PostgresIndex
	telemetry   *telemetry.Provider
	metrics     *metrics.Metrics
}

func (w *wired) Close() {
	if w.boltStore != nil {
		w.boltStore.Close()
	}
	if w.searchIndex != nil {
		w.searchIndex.Close()
	}
	if w.telemetry != nil {
		w.telemetry.Shutdown(context.Background())
	}
}

// loadConfig applies the three-layer config pattern: defaults, then an
// optional --config file, then GOLEM_* environment overrides.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if configFile != "" {
		loaded, err := config.LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}

// buildExecutor wires a fully functional core.Executor from cfg.
func buildExecutor(cfg *config.Config) (*wired, error) {
	logging.Configure(cfg.Logging.Format, cfg.Logging.Level)

	var boltOpts []oplog.BoltStoreOption
	if cfg.Oplog.RetentionKeep > 0 {
		boltOpts = append(boltOpts, oplog.WithRetentionPolicy(oplog.KeepLastN{N: cfg.Oplog.RetentionKeep}))
	}

	var searchIndex *oplog.PostgresIndex
	if cfg.Oplog.PostgresDSN != "" {
		index, err := oplog.NewPostgresIndex(context.Background(), cfg.Oplog.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("configure postgres search index: %w", err)
		}
		boltOpts = append(boltOpts, oplog.WithSearchIndex(index))
		searchIndex = index
	}

	if cfg.Oplog.RedisAddr != "" {
		boltOpts = append(boltOpts, oplog.WithNotifier(oplog.NewRedisNotifier(redis.NewClient(&redis.Options{
			Addr: cfg.Oplog.RedisAddr,
		}))))
	}

	store, err := oplog.NewBoltStore(cfg.Oplog.BoltPath, boltOpts...)
	if err != nil {
		return nil, fmt.Errorf("open oplog store: %w", err)
	}

	set := activeset.NewSet(cfg.ActiveSet.MaxActive,
		activeset.WithIdleTTL(cfg.ActiveSet.IdleTTL),
		activeset.WithCleanupInterval(cfg.ActiveSet.CleanupInterval),
	)

	var blobs componentstore.Store
	switch cfg.ComponentStore.Backend {
	case "s3":
		s3Store, err := componentstore.NewS3Store(context.Background(), componentstore.S3Config{
			Bucket:       cfg.ComponentStore.S3Bucket,
			Prefix:       cfg.ComponentStore.S3Prefix,
			Region:       cfg.ComponentStore.S3Region,
			Endpoint:     cfg.ComponentStore.S3Endpoint,
			UsePathStyle: cfg.ComponentStore.S3PathStyle,
		})
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("configure S3 component store: %w", err)
		}
		blobs = s3Store
	default:
		blobs = componentstore.NewFilesystemStore(cfg.ComponentStore.FilesystemDir)
	}

	mgr := runtime.NewManager(cfg.Runtime.AgentBinary, cfg.Runtime.BaseDir, cfg.Runtime.BasePort)

	tp, err := telemetry.Init(context.Background(), telemetry.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Namespace)
	}

	executorOpts := []core.Option{
		core.WithComponentStore(blobs),
		core.WithRuntimeManager(mgr),
		core.WithLogger(logging.CoreAdapter{}),
		core.WithDurableSpanStarter(tp),
	}
	if searchIndex != nil {
		executorOpts = append(executorOpts, core.WithSearchIndex(searchIndex))
	}
	if m != nil {
		executorOpts = append(executorOpts, core.WithDurableRecorder(m))
	}
	executor := core.New(store, set, cfg.Invocation.MaxInFlightPerWorker, executorOpts...)

	return &wired{executor: executor, boltStore: store, searchIndex: searchIndex, telemetry: tp, metrics: m}, nil
}

// recordInvocation records status ("ok", "trap" or "error") against the wired
// metrics, a no-op if metrics are disabled.
func (w *wired) recordInvocation(status string) {
	if w.metrics != nil {
		w.metrics.RecordInvocation(status)
	}
}
