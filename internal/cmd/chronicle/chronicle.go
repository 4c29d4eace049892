// Package chronicle parses daemon flags and starts the event-sourcing
// runtime: the event store, the accounts read model projection, and the
// provisioning saga coordinator.
package chronicle

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/louisbranch/chronicle/internal/accounts"
	"github.com/louisbranch/chronicle/internal/chronicle/index"
	"github.com/louisbranch/chronicle/internal/chronicle/index/bboltidx"
	"github.com/louisbranch/chronicle/internal/chronicle/index/memidx"
	"github.com/louisbranch/chronicle/internal/chronicle/index/redisidx"
	"github.com/louisbranch/chronicle/internal/chronicle/projection"
	"github.com/louisbranch/chronicle/internal/chronicle/saga"
	"github.com/louisbranch/chronicle/internal/chronicle/storage/sqlite"
	"github.com/louisbranch/chronicle/internal/platform/config"
	"github.com/louisbranch/chronicle/internal/platform/otel"
)

// Index backend names accepted by CHRONICLE_INDEX_BACKEND.
const (
	BackendBBolt  = "bbolt"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config holds chronicle daemon configuration.
type Config struct {
	DBPath           string        `env:"CHRONICLE_DB_PATH" envDefault:"chronicle.db"`
	IndexBackend     string        `env:"CHRONICLE_INDEX_BACKEND" envDefault:"bbolt"`
	IndexPath        string        `env:"CHRONICLE_INDEX_PATH" envDefault:"chronicle-index.db"`
	ReservationsPath string        `env:"CHRONICLE_RESERVATIONS_PATH" envDefault:"chronicle-reservations.db"`
	RedisAddr        string        `env:"CHRONICLE_REDIS_ADDR" envDefault:"localhost:6379"`
	SnapshotInterval uint64        `env:"CHRONICLE_SNAPSHOT_INTERVAL" envDefault:"64"`
	SagaStepTimeout  time.Duration `env:"CHRONICLE_SAGA_STEP_TIMEOUT" envDefault:"30s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Path to the sqlite event store")
	fs.StringVar(&cfg.IndexBackend, "index-backend", cfg.IndexBackend, "Index backend: bbolt, redis, or memory")
	fs.StringVar(&cfg.IndexPath, "index-path", cfg.IndexPath, "Path to the bbolt index database")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for the redis index backend")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// openIndex opens the configured secondary index backend.
func openIndex(cfg Config, path string) (index.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.IndexBackend)) {
	case BackendBBolt:
		return bboltidx.Open(path)
	case BackendRedis:
		return redisidx.Open(cfg.RedisAddr)
	case BackendMemory:
		return memidx.NewStore(), nil
	default:
		return nil, fmt.Errorf("unknown index backend %q", cfg.IndexBackend)
	}
}

// Run starts the chronicle runtime and blocks until ctx is canceled.
func Run(ctx context.Context, cfg Config) error {
	shutdown, err := otel.Setup(ctx, "chronicle")
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Printf("telemetry shutdown: %v", err)
		}
	}()

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("close event store: %v", err)
		}
	}()

	idx, err := openIndex(cfg, cfg.IndexPath)
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	defer func() {
		if err := idx.Close(); err != nil {
			log.Printf("close index: %v", err)
		}
	}()

	// Reservations live in their own store so saga compensation never
	// releases read-model keys. The redis backend shares one server but
	// bbolt needs a second file.
	var reservations index.Store
	switch strings.ToLower(strings.TrimSpace(cfg.IndexBackend)) {
	case BackendBBolt:
		reservations, err = bboltidx.Open(cfg.ReservationsPath)
	default:
		reservations, err = openIndex(cfg, cfg.ReservationsPath)
	}
	if err != nil {
		return fmt.Errorf("open reservations index: %w", err)
	}
	defer func() {
		if err := reservations.Close(); err != nil {
			log.Printf("close reservations index: %v", err)
		}
	}()

	svc, err := accounts.NewService(accounts.ServiceConfig{
		Events:           store,
		Snapshots:        store,
		Index:            idx,
		SnapshotInterval: cfg.SnapshotInterval,
	})
	if err != nil {
		return fmt.Errorf("build accounts service: %w", err)
	}

	// The read model projection replays the feed into the same index the
	// service writes through. Index writes are idempotent upserts, so the
	// projection doubles as catch-up repair after a crash between an append
	// and its inline index write.
	engine, err := projection.NewEngine(projection.EngineConfig{
		Events:      store,
		Checkpoints: store,
		Watcher:     store,
	})
	if err != nil {
		return fmt.Errorf("build projection engine: %w", err)
	}
	handler, err := accounts.NewIndexHandler(svc.Registry(), idx)
	if err != nil {
		return err
	}
	if err := engine.Subscribe(accounts.ReadModelName, accounts.AggregateType, handler); err != nil {
		return err
	}

	def, err := accounts.NewProvisioningSaga(reservations, store)
	if err != nil {
		return fmt.Errorf("build provisioning saga: %w", err)
	}
	coordinator, err := saga.NewCoordinator(saga.CoordinatorConfig{
		Definition:  def,
		Events:      store,
		Checkpoints: store,
		Sagas:       store,
		Watcher:     store,
		StepTimeout: cfg.SagaStepTimeout,
	})
	if err != nil {
		return fmt.Errorf("build saga coordinator: %w", err)
	}

	log.Printf("chronicle runtime started db=%s index=%s", cfg.DBPath, cfg.IndexBackend)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(ctx) })
	g.Go(func() error { return coordinator.Run(ctx) })
	return g.Wait()
}
