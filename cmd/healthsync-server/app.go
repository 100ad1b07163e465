package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/healthsync/healthsync/internal/config"
	"github.com/healthsync/healthsync/internal/domain/reconcile"
	"github.com/healthsync/healthsync/internal/domain/records"
	"github.com/healthsync/healthsync/internal/platform/blobstore"
	"github.com/healthsync/healthsync/internal/platform/db"
	"github.com/healthsync/healthsync/internal/platform/logging"
	"github.com/healthsync/healthsync/internal/platform/middleware"
	"github.com/healthsync/healthsync/internal/platform/queue"
	"github.com/healthsync/healthsync/internal/platform/websocket"
)

const version = "0.1.0"

// app holds the long-lived components shared by the serve and worker commands.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	pool   *pgxpool.Pool

	hub       *websocket.Hub
	queue     queue.Queue
	processor *reconcile.Processor
	feed      *reconcile.DeltaFeed
	recorder  *reconcile.ConflictRecorder
	mapper    *reconcile.Mapper
	archiver  reconcile.Archiver
}

func newLogger(cfg *config.Config) (zerolog.Logger, io.Closer) {
	return logging.Stdout(logging.Options{
		Level:      cfg.LogLevel,
		Console:    cfg.IsDev(),
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, pool *pgxpool.Pool) (*app, error) {
	q, err := newQueue(cfg, pool, logger)
	if err != nil {
		return nil, err
	}
	archiver, err := newArchiver(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	tx := db.NewTxRunner(pool)
	patients := records.NewPatientRepo(pool)
	recs := records.NewRecordRepo(pool)

	mapper := reconcile.NewMapper(reconcile.NewMappingRepo(pool), tx, logger)
	recorder := reconcile.NewConflictRecorder(reconcile.NewConflictRepo(pool))
	applicator := reconcile.NewApplicator(patients, recs, mapper, recorder, reconcile.SystemClock)
	hub := websocket.NewHub(logger)

	processor := reconcile.NewProcessor(reconcile.ProcessorDeps{
		Batches:    reconcile.NewBatchRepo(pool),
		Patients:   patients,
		Records:    recs,
		Applicator: applicator,
		Mapper:     mapper,
		Tx:         tx,
		Enqueuer:   q,
		Publisher:  hub,
		Archiver:   archiver,
		Logger:     logger,
	})

	return &app{
		cfg:       cfg,
		logger:    logger,
		pool:      pool,
		hub:       hub,
		queue:     q,
		processor: processor,
		feed:      reconcile.NewDeltaFeed(recs, reconcile.SystemClock),
		recorder:  recorder,
		mapper:    mapper,
		archiver:  archiver,
	}, nil
}

func queueOptions(cfg *config.Config) queue.Options {
	return queue.Options{
		MaxAttempts:  cfg.QueueMaxAttempts,
		PollInterval: cfg.QueuePollInterval,
	}
}

func newQueue(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (queue.Queue, error) {
	switch cfg.QueueBackend {
	case "memory":
		return queue.NewMemoryQueue(1024, queueOptions(cfg), logger), nil
	case "postgres":
		return queue.NewPostgresQueue(pool, queueOptions(cfg), logger), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}
}

func newArchiver(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (reconcile.Archiver, error) {
	switch cfg.ArchiveBackend {
	case "", "none":
		return reconcile.NopArchiver{}, nil
	case "memory":
		return reconcile.NewBlobArchiver(blobstore.NewInMemoryBlobStore(), "", logger), nil
	case "s3":
		store, err := blobstore.NewS3BlobStore(ctx, blobstore.S3Config{
			Bucket:   cfg.ArchiveS3Bucket,
			Region:   cfg.ArchiveS3Region,
			Endpoint: cfg.ArchiveS3Endpoint,
			Prefix:   cfg.ArchiveS3Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("archive store: %w", err)
		}
		return reconcile.NewBlobArchiver(store, "", logger), nil
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.ArchiveBackend)
	}
}

// tenantScope binds work to a tenant's schema outside the HTTP middleware.
func (a *app) tenantScope() reconcile.TenantScope {
	return func(ctx context.Context, tenant string, fn func(ctx context.Context) error) error {
		return db.WithTenantConn(ctx, a.pool, tenant, fn)
	}
}

func (a *app) listTenants(ctx context.Context) ([]string, error) {
	return db.ListTenants(ctx, a.pool)
}

// runWorkers consumes the queue until ctx is done. It also runs the periodic
// maintenance: the stuck batch scan and, for the Postgres queue, returning
// jobs of dead workers to the queue.
func (a *app) runWorkers(ctx context.Context) {
	scan := reconcile.StuckScan(a.processor, a.tenantScope(), a.listTenants, a.cfg.StuckBatchAfter, a.logger)
	go queue.Every(ctx, scanInterval(a.cfg.StuckBatchAfter), func(ctx context.Context) {
		scan(ctx)
		if pq, ok := a.queue.(*queue.PostgresQueue); ok {
			n, err := pq.RequeueStale(ctx, a.cfg.StuckBatchAfter)
			if err != nil {
				a.logger.Error().Err(err).Msg("requeue stale jobs")
			} else if n > 0 {
				a.logger.Warn().Int64("jobs", n).Msg("requeued stale jobs")
			}
		}
	})

	handler := reconcile.JobHandler(a.processor, a.tenantScope(), a.logger)
	queue.NewPool(a.queue, handler, a.cfg.WorkerCount, a.logger).
		WithDrainTimeout(a.cfg.WorkerDrain).
		Run(ctx)
}

func scanInterval(stuckAfter time.Duration) time.Duration {
	interval := stuckAfter / 3
	if interval < 10*time.Second {
		interval = 10 * time.Second
	}
	return interval
}

func (a *app) close() {
	if mq, ok := a.queue.(*queue.MemoryQueue); ok {
		mq.Close()
	}
}

// newEcho builds the HTTP server with the middleware chain and all routes.
func newEcho(a *app) *echo.Echo {
	cfg := a.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Content-Type", middleware.RequestIDHeader, db.TenantHeader, middleware.DeviceHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":      "ok",
			"version":     version,
			"ws_clients":  a.hub.ClientCount(),
			"queue":       cfg.QueueBackend,
			"environment": cfg.Env,
		})
	})
	e.GET("/health/db", db.HealthHandler(a.pool))

	rateLimit := middleware.RateLimitConfig{RequestsPerSecond: cfg.RateLimitRPS, BurstSize: cfg.RateLimitBurst}
	if rateLimit.RequestsPerSecond <= 0 {
		rateLimit = middleware.DefaultRateLimitConfig()
	}

	apiV1 := e.Group("/api/v1", db.TenantMiddleware(a.pool, cfg.DefaultTenant), middleware.RateLimit(rateLimit))
	syncGroup := apiV1.Group("/sync")
	reconcile.NewHandler(a.processor, a.feed, a.recorder, a.mapper).RegisterRoutes(syncGroup)
	websocket.NewHandler(a.hub, cfg.DefaultTenant).RegisterRoutes(syncGroup)

	return e
}
