package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ericvolp12/feedgen/pkg/analytics"
	"github.com/ericvolp12/feedgen/pkg/api"
	"github.com/ericvolp12/feedgen/pkg/bq"
	"github.com/ericvolp12/feedgen/pkg/changes"
	"github.com/ericvolp12/feedgen/pkg/content"
	"github.com/ericvolp12/feedgen/pkg/cursor"
	"github.com/ericvolp12/feedgen/pkg/feed"
	"github.com/ericvolp12/feedgen/pkg/jobs"
	"github.com/ericvolp12/feedgen/pkg/materializer"
	"github.com/ericvolp12/feedgen/pkg/parq"
	"github.com/ericvolp12/feedgen/pkg/prefs"
	"github.com/ericvolp12/feedgen/pkg/queue"
	"github.com/ericvolp12/feedgen/pkg/ranking"
	"github.com/ericvolp12/feedgen/pkg/reader"
	"github.com/ericvolp12/feedgen/pkg/store"
	"github.com/ericvolp12/feedgen/pkg/tracing"
	"github.com/ericvolp12/feedgen/pkg/worker"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	slogecho "github.com/samber/slog-echo"
	echopprof "github.com/sevenNt/echo-pprof"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.App{
		Name:    "feedd",
		Usage:   "feed generation and ranking service",
		Version: "0.1.0",
	}

	app.Flags = []cli.Flag{
		&cli.IntFlag{
			Name:    "port",
			Usage:   "port to serve the http server on",
			Value:   8080,
			EnvVars: []string{"FEEDGEN_PORT"},
		},
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "enable debug logging",
			EnvVars: []string{"FEEDGEN_DEBUG"},
		},
		&cli.StringFlag{
			Name:    "db-driver",
			Usage:   "database driver (sqlite or postgres)",
			Value:   "sqlite",
			EnvVars: []string{"FEEDGEN_DB_DRIVER"},
		},
		&cli.StringFlag{
			Name:    "db-dsn",
			Usage:   "sqlite file path or postgres connection string",
			Value:   "/data/feedgen.db",
			EnvVars: []string{"FEEDGEN_DB_DSN"},
		},
		&cli.BoolFlag{
			Name:    "migrate-db",
			Usage:   "run database migrations",
			Value:   true,
			EnvVars: []string{"FEEDGEN_MIGRATE_DB"},
		},
		&cli.IntFlag{
			Name:    "db-max-open-conns",
			Usage:   "maximum open database connections (0 for the driver default)",
			EnvVars: []string{"FEEDGEN_DB_MAX_OPEN_CONNS"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis url for the preference cache, leave empty to disable caching",
			EnvVars: []string{"FEEDGEN_REDIS_URL"},
		},
		&cli.DurationFlag{
			Name:    "prefs-cache-ttl",
			Usage:   "time to live for cached preferences",
			Value:   10 * time.Minute,
			EnvVars: []string{"FEEDGEN_PREFS_CACHE_TTL"},
		},
		&cli.StringFlag{
			Name:    "cursor-secret",
			Usage:   "secret used to sign pagination cursors, a random one is generated when empty",
			EnvVars: []string{"FEEDGEN_CURSOR_SECRET"},
		},
		&cli.StringFlag{
			Name:    "admin-token",
			Usage:   "bearer token for the job and event routes, leave empty to disable them",
			EnvVars: []string{"FEEDGEN_ADMIN_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "content-host",
			Usage:   "base url of the content service, used for posts, connections and privacy checks",
			EnvVars: []string{"FEEDGEN_CONTENT_HOST"},
		},
		&cli.StringFlag{
			Name:    "content-fixtures",
			Usage:   "YAML fixture file served from memory when no content host is set",
			EnvVars: []string{"FEEDGEN_CONTENT_FIXTURES"},
		},
		&cli.Float64Flag{
			Name:    "content-rate-limit",
			Usage:   "rate limit for content service requests in requests per second (0 for unlimited)",
			Value:   50,
			EnvVars: []string{"FEEDGEN_CONTENT_RATE_LIMIT"},
		},
		&cli.DurationFlag{
			Name:    "content-timeout",
			Usage:   "timeout for content service requests",
			Value:   10 * time.Second,
			EnvVars: []string{"FEEDGEN_CONTENT_TIMEOUT"},
		},
		&cli.StringFlag{
			Name:    "ranking-config",
			Usage:   "YAML file with ranking weights, defaults are used when empty",
			EnvVars: []string{"FEEDGEN_RANKING_CONFIG"},
		},
		&cli.StringSliceFlag{
			Name:    "disabled-feed-types",
			Usage:   "feed types switched off for this deployment",
			EnvVars: []string{"FEEDGEN_DISABLED_FEED_TYPES"},
		},
		&cli.DurationFlag{
			Name:    "trending-ttl",
			Usage:   "lifetime of trending feed entries",
			Value:   24 * time.Hour,
			EnvVars: []string{"FEEDGEN_TRENDING_TTL"},
		},
		&cli.IntFlag{
			Name:    "workers",
			Usage:   "number of feed generation workers",
			Value:   4,
			EnvVars: []string{"FEEDGEN_WORKERS"},
		},
		&cli.DurationFlag{
			Name:    "poll-interval",
			Usage:   "how often idle workers poll for jobs",
			Value:   time.Second,
			EnvVars: []string{"FEEDGEN_POLL_INTERVAL"},
		},
		&cli.IntFlag{
			Name:    "max-attempts",
			Usage:   "default maximum attempts per job",
			Value:   queue.DefaultMaxAttempts,
			EnvVars: []string{"FEEDGEN_MAX_ATTEMPTS"},
		},
		&cli.DurationFlag{
			Name:    "visibility-timeout",
			Usage:   "how long a job may stay processing before it is retried",
			Value:   5 * time.Minute,
			EnvVars: []string{"FEEDGEN_VISIBILITY_TIMEOUT"},
		},
		&cli.DurationFlag{
			Name:    "cleanup-interval",
			Usage:   "how often to enqueue a cleanup job (0 to disable)",
			Value:   time.Hour,
			EnvVars: []string{"FEEDGEN_CLEANUP_INTERVAL"},
		},
		&cli.DurationFlag{
			Name:    "job-retention",
			Usage:   "how long finished jobs are kept",
			Value:   72 * time.Hour,
			EnvVars: []string{"FEEDGEN_JOB_RETENTION"},
		},
		&cli.DurationFlag{
			Name:    "invisible-retention",
			Usage:   "how long hidden feed entries are kept before cleanup deletes them",
			Value:   7 * 24 * time.Hour,
			EnvVars: []string{"FEEDGEN_INVISIBLE_RETENTION"},
		},
		&cli.StringFlag{
			Name:    "changes-ws-url",
			Usage:   "websocket url of the change event stream",
			EnvVars: []string{"FEEDGEN_CHANGES_WS_URL"},
		},
		&cli.StringFlag{
			Name:    "nats-url",
			Usage:   "NATS server url for change events",
			EnvVars: []string{"FEEDGEN_NATS_URL"},
		},
		&cli.StringFlag{
			Name:    "nats-subject",
			Usage:   "NATS subject carrying change events",
			Value:   "feedgen.changes",
			EnvVars: []string{"FEEDGEN_NATS_SUBJECT"},
		},
		&cli.StringFlag{
			Name:    "nats-queue-group",
			Usage:   "NATS queue group shared by feedd instances",
			Value:   "feedd",
			EnvVars: []string{"FEEDGEN_NATS_QUEUE_GROUP"},
		},
		&cli.StringFlag{
			Name:    "bigquery-project-id",
			Usage:   "Google Cloud project ID for BigQuery",
			EnvVars: []string{"FEEDGEN_BIGQUERY_PROJECT_ID"},
		},
		&cli.StringFlag{
			Name:    "bigquery-dataset",
			Usage:   "BigQuery dataset name",
			EnvVars: []string{"FEEDGEN_BIGQUERY_DATASET"},
		},
		&cli.StringFlag{
			Name:    "bigquery-table-prefix",
			Usage:   "BigQuery table name prefix",
			Value:   "feed_events",
			EnvVars: []string{"FEEDGEN_BIGQUERY_TABLE_PREFIX"},
		},
		&cli.StringFlag{
			Name:    "parquet-dir",
			Usage:   "directory for analytics parquet files, leave empty to disable",
			EnvVars: []string{"FEEDGEN_PARQUET_DIR"},
		},
		&cli.IntFlag{
			Name:    "parquet-batch-size",
			Usage:   "analytics events per parquet file",
			Value:   10_000,
			EnvVars: []string{"FEEDGEN_PARQUET_BATCH_SIZE"},
		},
		&cli.DurationFlag{
			Name:    "parquet-max-batch-wait",
			Usage:   "maximum time before a partial parquet file is written",
			Value:   time.Minute,
			EnvVars: []string{"FEEDGEN_PARQUET_MAX_BATCH_WAIT"},
		},
	}

	app.Action = FeedD

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

// FeedD is the main function for the feed service
func FeedD(cctx *cli.Context) error {
	ctx, cancel := context.WithCancel(cctx.Context)
	defer cancel()

	// Logging
	logLevel := slog.LevelInfo
	if cctx.Bool("debug") {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel, AddSource: true}))
	slog.SetDefault(slog.New(logger.Handler()))

	logger.Info("starting up")

	// Registers a tracer Provider globally if the exporter endpoint is set
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		logger.Info("registering global tracer provider")
		shutdown, err := tracing.InstallExportPipeline(ctx, "feedd", 1)
		if err != nil {
			logger.Error("failed to install export pipeline", "err", err)
			return err
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("failed to shutdown export pipeline", "err", err)
			}
		}()
	}

	db, err := store.Open(logger, store.Config{
		Driver:       cctx.String("db-driver"),
		DSN:          cctx.String("db-dsn"),
		Migrate:      cctx.Bool("migrate-db"),
		MaxOpenConns: cctx.Int("db-max-open-conns"),
		Models: []any{
			&feed.Entry{},
			&feed.Partition{},
			&prefs.UserFeedPreference{},
			&queue.Job{},
			&reader.CursorState{},
			&analytics.Daily{},
		},
	})
	if err != nil {
		logger.Error("failed to open database", "err", err)
		return err
	}

	// Preference cache
	var cache prefs.Cache
	if cctx.String("redis-url") != "" {
		opts, err := redis.ParseURL(cctx.String("redis-url"))
		if err != nil {
			return fmt.Errorf("failed to parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		if err := redisotel.InstrumentTracing(rdb); err != nil {
			return fmt.Errorf("failed to instrument redis with tracing: %w", err)
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Error("failed to ping redis", "err", err)
			return err
		}
		defer rdb.Close()
		cache = prefs.NewRedisCache(rdb, "feedprefs", cctx.Duration("prefs-cache-ttl"))
		logger.Info("preference cache enabled", "addr", opts.Addr)
	}
	prefStore := prefs.NewStore(logger, db, cache)

	// Content store and privacy oracle
	var contentStore content.Store
	var oracle content.PrivacyOracle
	switch {
	case cctx.String("content-host") != "":
		host := cctx.String("content-host")
		contentStore = content.NewHTTPStore(logger, host, cctx.Float64("content-rate-limit"), cctx.Duration("content-timeout"))
		oracle = content.NewHTTPOracle(logger, host, cctx.Float64("content-rate-limit"), cctx.Duration("content-timeout"), 5)
	case cctx.String("content-fixtures") != "":
		mem, err := content.LoadFixtures(cctx.String("content-fixtures"))
		if err != nil {
			logger.Error("failed to load content fixtures", "err", err)
			return err
		}
		contentStore = mem
		oracle = content.NewRuleOracle(mem)
	default:
		logger.Warn("no content host or fixtures configured, serving an empty content store")
		mem := content.NewMemoryStore()
		contentStore = mem
		oracle = content.NewRuleOracle(mem)
	}

	rankCfg, err := ranking.LoadConfig(cctx.String("ranking-config"))
	if err != nil {
		logger.Error("failed to load ranking config", "err", err)
		return err
	}

	disabled, err := feed.ParseTypes(cctx.StringSlice("disabled-feed-types"))
	if err != nil {
		logger.Error("invalid disabled feed types", "err", err)
		return err
	}
	activation := feed.NewActivation(disabled)

	secret := []byte(cctx.String("cursor-secret"))
	if len(secret) == 0 {
		logger.Warn("no cursor secret set, cursors will not survive a restart")
		if secret, err = cursor.RandomKey(); err != nil {
			return fmt.Errorf("failed to generate cursor secret: %w", err)
		}
	}
	codec, err := cursor.NewCodec(secret)
	if err != nil {
		logger.Error("failed to create cursor codec", "err", err)
		return err
	}

	// Analytics sinks
	var sinks []analytics.Sink
	if cctx.String("bigquery-project-id") != "" {
		logger.Info("bigquery project id set, starting bigquery client")
		bqInstance, err := bq.NewBQ(
			ctx,
			cctx.String("bigquery-project-id"),
			cctx.String("bigquery-dataset"),
			cctx.String("bigquery-table-prefix"),
			logger,
		)
		if err != nil {
			logger.Error("failed to create bigquery client", "err", err)
			return err
		}
		defer func() {
			if err := bqInstance.Close(); err != nil {
				logger.Error("failed to close bigquery client", "err", err)
			}
		}()
		sinks = append(sinks, bqInstance)
	}
	if cctx.String("parquet-dir") != "" {
		pq, err := parq.NewParq(logger, cctx.String("parquet-dir"), "feed_events",
			cctx.Int("parquet-batch-size"), cctx.Duration("parquet-max-batch-wait"))
		if err != nil {
			logger.Error("failed to create parquet writer", "err", err)
			return err
		}
		pq.StartWriter()
		defer pq.Shutdown()
		sinks = append(sinks, pq)
	}
	recorder := analytics.NewRecorder(logger, db, sinks...)

	// Feed generation
	matCfg := materializer.DefaultConfig()
	matCfg.TTL = map[feed.Type]time.Duration{feed.Trending: cctx.Duration("trending-ttl")}
	mat := materializer.New(logger, db, contentStore, oracle, prefStore, rankCfg.Policy(), activation, matCfg)

	qCfg := queue.DefaultConfig()
	qCfg.MaxAttempts = cctx.Int("max-attempts")
	qCfg.VisibilityTimeout = cctx.Duration("visibility-timeout")
	q := queue.New(logger, db, qCfg)

	procCfg := jobs.DefaultConfig()
	procCfg.InvisibleRetention = cctx.Duration("invisible-retention")
	proc := jobs.NewProcessor(logger, mat, contentStore, procCfg)

	poolCfg := worker.DefaultConfig()
	poolCfg.Workers = cctx.Int("workers")
	poolCfg.PollInterval = cctx.Duration("poll-interval")
	pool := worker.NewPool(logger, q, proc, poolCfg)

	source := changes.NewSource(logger, q)
	rdr := reader.New(logger, db, codec, prefStore, activation, recorder)

	// Change event subscribers
	if cctx.String("nats-url") != "" {
		nc, err := nats.Connect(cctx.String("nats-url"), nats.Name("feedd"))
		if err != nil {
			logger.Error("failed to connect to nats", "err", err)
			return err
		}
		sub := changes.NewNATSSubscriber(logger, nc, cctx.String("nats-subject"), cctx.String("nats-queue-group"), source)
		if err := sub.Start(); err != nil {
			nc.Close()
			logger.Error("failed to subscribe to change events", "err", err)
			return err
		}
		defer func() {
			if err := sub.Close(); err != nil {
				logger.Error("failed to close nats subscriber", "err", err)
			}
			nc.Close()
		}()
	}

	// Stops the process when a critical routine fails
	kill := make(chan struct{})

	subscriberShutdown := make(chan struct{})
	if cctx.String("changes-ws-url") != "" {
		wsSub, err := changes.NewWebsocketSubscriber(logger, cctx.String("changes-ws-url"), source)
		if err != nil {
			logger.Error("failed to create websocket subscriber", "err", err)
			return err
		}
		go func() {
			defer close(subscriberShutdown)
			logger := logger.With("source", "changes_websocket")
			logger.Info("starting change stream subscriber")
			if err := wsSub.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("change stream subscriber returned an error", "err", err)
				close(kill)
			}
			logger.Info("change stream subscriber shut down", "last_seq", wsSub.GetSeq())
		}()
	} else {
		close(subscriberShutdown)
	}

	// Worker pool
	poolShutdown := make(chan struct{})
	go func() {
		defer close(poolShutdown)
		if err := pool.Run(ctx); err != nil {
			logger.Error("worker pool returned an error", "err", err)
		}
	}()

	// Periodic cleanup
	schedulerShutdown := make(chan struct{})
	go func() {
		defer close(schedulerShutdown)
		interval := cctx.Duration("cleanup-interval")
		if interval <= 0 {
			return
		}
		logger := logger.With("source", "cleanup_scheduler")
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				job, err := q.Enqueue(ctx, queue.Spec{JobType: queue.JobCleanup})
				if err != nil {
					logger.Error("failed to enqueue cleanup job", "err", err)
					continue
				}
				purged, err := q.PurgeFinished(ctx, cctx.Duration("job-retention"))
				if err != nil {
					logger.Error("failed to purge finished jobs", "err", err)
				}
				logger.Info("scheduled cleanup", "job_id", job.ID, "purged_jobs", purged)
			}
		}
	}()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, api.ViewerHeader},
	}))
	e.Use(slogecho.New(logger))
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Namespace: "feedgen",
		HistogramOptsFunc: func(opts prometheus.HistogramOpts) prometheus.HistogramOpts {
			opts.Buckets = prometheus.ExponentialBuckets(0.0001, 2, 18)
			return opts
		},
	}))
	e.Use(middleware.Recover())

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "feedgen")
	})
	api.New(logger, api.Deps{
		Reader:     rdr,
		Prefs:      prefStore,
		Recorder:   recorder,
		Queue:      q,
		Pool:       pool,
		Source:     source,
		AdminToken: cctx.String("admin-token"),
	}).Register(e)
	echopprof.Wrap(e)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cctx.Int("port")),
		Handler: e,
	}

	// Startup HTTP server
	shutdownHTTPServer := make(chan struct{})
	httpServerShutdown := make(chan struct{})
	go func() {
		logger := logger.With("source", "http_server")

		logger.Info("http server listening on port", "port", cctx.Int("port"))

		go func() {
			if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
				logger.Error("failed to start http server", "err", err)
			}
		}()
		<-shutdownHTTPServer
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down http server", "err", err)
		}
		logger.Info("http server shut down")
		close(httpServerShutdown)
	}()

	// Trap SIGINT to trigger a shutdown.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-signals:
		logger.Info("received signal, shutting down")
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	case <-kill:
		logger.Info("shutting down due to change stream error")
	}

	logger.Info("shutting down, waiting for routines to finish")
	close(shutdownHTTPServer)
	<-httpServerShutdown
	cancel()

	<-subscriberShutdown
	<-poolShutdown
	<-schedulerShutdown
	logger.Info("shutdown complete")

	return nil
}
