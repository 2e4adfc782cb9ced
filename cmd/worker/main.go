package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/automaxprocs/maxprocs"

	execapp "github.com/patrolshift/taskcore/internal/app/execution"
	idemapp "github.com/patrolshift/taskcore/internal/app/idempotency"
	"github.com/patrolshift/taskcore/internal/app/maintenance"
	sagaapp "github.com/patrolshift/taskcore/internal/app/saga"
	"github.com/patrolshift/taskcore/internal/config"
	"github.com/patrolshift/taskcore/internal/domain/idempotency"
	"github.com/patrolshift/taskcore/internal/infra/locking"
	idemPostgres "github.com/patrolshift/taskcore/internal/infra/storage/idempotency/postgres"
	idemRedis "github.com/patrolshift/taskcore/internal/infra/storage/idempotency/redis"
	sagaPostgres "github.com/patrolshift/taskcore/internal/infra/storage/saga/postgres"
	"github.com/patrolshift/taskcore/pkg/common"
	"github.com/patrolshift/taskcore/pkg/common/logger"
	"github.com/patrolshift/taskcore/pkg/common/otel"
)

const serviceType = "worker"

func main() {
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}

			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n",
				r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("WORKER-%s", hostname)
	metadata := map[string]string{
		"service":  svcName,
		"hostname": hostname,
		"pod":      os.Getenv("POD_NAME"),
		"app":      serviceType,
	}

	logg := logger.NewWithMetadata(os.Stdout, logger.LevelInfo, svcName, traceIDFn, logEvents, metadata)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.NewFileLoader(os.Getenv("TASKCORE_CONFIG")).Load(ctx)
	if err != nil {
		logg.Error(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	tp, telemetryTeardown, err := otel.InitTelemetry(logg, otel.Config{
		ServiceName:      svcName,
		ExporterEndpoint: cfg.Telemetry.Endpoint,
		Probability:      cfg.Telemetry.SampleRate,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"host.name":        hostname,
		},
	})
	if err != nil {
		logg.Error(ctx, "failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer telemetryTeardown(ctx)

	tracer := tp.Tracer("taskcore-worker")

	ready := &atomic.Bool{}
	healthServer := common.NewHealthServer(ready)
	defer func() {
		if err := healthServer.Server().Shutdown(ctx); err != nil {
			logg.Error(ctx, "error shutting down health server", "error", err)
		}
	}()

	pool, err := common.ConnectPostgresWithRetry(ctx, cfg.Postgres.URL, cfg.Postgres.MaxConns, logg)
	if err != nil {
		logg.Error(ctx, "failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool); err != nil {
		logg.Error(ctx, "failed to run migrations", "error", err)
		os.Exit(1)
	}
	logg.Info(ctx, "migrations applied; starting worker")

	rdb, err := common.ConnectRedisWithRetry(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logg)
	if err != nil {
		logg.Error(ctx, "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	mp := otel.GetMeterProvider()

	idemMetrics, err := idemapp.NewServiceMetrics(mp)
	if err != nil {
		logg.Error(ctx, "failed to create idempotency metrics", "error", err)
		os.Exit(1)
	}
	execMetrics, err := execapp.NewExecutorMetrics(mp)
	if err != nil {
		logg.Error(ctx, "failed to create executor metrics", "error", err)
		os.Exit(1)
	}
	sagaMetrics, err := sagaapp.NewCoordinatorMetrics(mp)
	if err != nil {
		logg.Error(ctx, "failed to create saga metrics", "error", err)
		os.Exit(1)
	}

	recordStore := idemPostgres.NewRecordStore(pool, tracer)
	recordCache := idemRedis.NewRecordCache(rdb, tracer)
	sagaStore := sagaPostgres.NewSagaStore(pool, tracer)

	locker := locking.NewLocker(logg,
		locking.NewRedisStrategy(rdb, logg),
		locking.NewPostgresStrategy(pool, logg),
	)

	idemService := idemapp.NewService(recordCache, recordStore, locker, idemMetrics, logg, tracer)
	keys := idempotency.NewKeyGenerator(logg)
	breaker := execapp.NewCircuitBreaker(logg)
	executor := execapp.NewExecutor(idemService, keys, breaker, execMetrics, logg, tracer)
	coordinator := sagaapp.NewCoordinator(sagaStore, sagaMetrics, logg, tracer)

	if cfg.Maintenance.Enabled {
		scheduler := maintenance.NewScheduler(executor, recordStore, coordinator, logg)
		if err := scheduler.Start(); err != nil {
			logg.Error(ctx, "failed to start maintenance scheduler", "error", err)
			os.Exit(1)
		}
		defer func() {
			drained := scheduler.Stop()
			select {
			case <-drained.Done():
			case <-time.After(30 * time.Second):
				logg.Warn(ctx, "maintenance jobs did not drain before timeout")
			}
		}()
	}

	ready.Store(true)
	logg.Info(ctx, "worker ready",
		"lock_timeout", cfg.Lock.DefaultTimeout.String(),
		"maintenance_enabled", cfg.Maintenance.Enabled)

	sig := <-sigCh
	logg.Info(ctx, "received shutdown signal", "signal", sig.String())
	cancel()
}

// runMigrations uses golang-migrate to apply all up migrations from
// db/migrations. It acquires a single pgx connection from the pool, runs the
// migrations, and releases the connection back to the pool.
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("could not acquire connection: %w", err)
	}
	defer conn.Release()

	db := stdlib.OpenDBFromPool(pool)

	driver, err := pgx.WithInstance(db, &pgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}

	migrationsPath := os.Getenv("MIGRATIONS_PATH")
	if migrationsPath == "" {
		migrationsPath = "file://db/migrations"
	}

	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up failed: %w", err)
	}

	return nil
}
