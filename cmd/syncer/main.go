package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pricesync/internal/alert"
	"pricesync/internal/api"
	"pricesync/internal/catalog"
	"pricesync/internal/config"
	"pricesync/internal/fetch"
	"pricesync/internal/model"
	"pricesync/internal/pkg/lease"
	"pricesync/internal/pkg/logger"
	"pricesync/internal/pkg/notify"
	"pricesync/internal/pkg/ratelimit"
	"pricesync/internal/pkg/syncqueue"
	"pricesync/internal/pkg/workpool"
	"pricesync/internal/ranking"
	"pricesync/internal/refresher"
	"pricesync/internal/source/sources"
	"pricesync/internal/syncer"

	"github.com/redis/go-redis/v9"
)

const shutdownTimeout = 30 * time.Second

// main 是同步服务的入口。
//
// 带 -query 时执行一次同步并把结果（含排序）以 JSON 输出到 stdout；
// 否则以常驻模式运行: HTTP 服务、收藏搜索定时刷新、Redis Stream 同步请求消费。
func main() {
	os.Exit(run())
}

// run 返回进程退出码，defer 的清理在退出前全部执行。
func run() int {
	configPath := flag.String("config", "", "config file path (json or yaml)")
	query := flag.String("query", "", "run a single sync for this query and exit")
	force := flag.Bool("force", false, "ignore cached data and refetch every source")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("load config: %v", err)
		return 1
	}
	appLogger := logger.New(os.Stderr, cfg.App.LogLevel, cfg.App.LogFormat)

	app, err := newApp(cfg, appLogger)
	if err != nil {
		appLogger.Error("init syncer failed", slog.String("error", err.Error()))
		return 1
	}
	defer app.close()

	if *query != "" {
		if err := app.runOnce(*query, *force); err != nil {
			appLogger.Error("sync failed", slog.String("query", *query), slog.String("error", err.Error()))
			return 1
		}
		return 0
	}
	app.serve()
	return 0
}

type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store   catalog.Store
	closeDB func() error
	rdb     *redis.Client
	alerts  *alert.Service
	syncer  *syncer.Service
	queue   *syncqueue.Queue
}

func newApp(cfg *config.Config, appLogger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: appLogger, closeDB: func() error { return nil }}

	switch cfg.Catalog.Driver {
	case config.DriverMemory:
		a.store = catalog.NewMemoryStore()
		appLogger.Warn("using in-memory catalog, data is lost on exit")
	default:
		gs, err := catalog.Open(cfg.Catalog.Driver, cfg.Catalog.DSN, cfg.Catalog.AutoMigrate)
		if err != nil {
			return nil, fmt.Errorf("open catalog: %w", err)
		}
		a.store, a.closeDB = gs, gs.Close
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			// Redis 只提供跨进程协调，不可用时降级为单进程模式
			appLogger.Warn("redis unavailable, running without leases, shared rate limits and sync queue",
				slog.String("addr", cfg.Redis.Addr),
				slog.String("error", err.Error()))
			_ = rdb.Close()
		} else {
			a.rdb = rdb
			a.queue = syncqueue.New(rdb, appLogger, cfg.Refresher.Stream)
		}
	}

	pipelines, err := buildPipelines(cfg, a.rdb, appLogger)
	if err != nil {
		a.close()
		return nil, err
	}

	a.alerts = alert.New(a.store, notify.NewEmailNotifier(cfg.Email, appLogger), appLogger)
	reconciler := catalog.NewReconciler(a.store, appLogger, a.alerts)
	a.syncer, err = syncer.New(a.store, reconciler, lease.NewLocker(a.rdb, cfg.Sync.LeaseTTL), syncer.Config{
		FreshnessWindow: cfg.Sync.FreshnessWindow,
		QueryTimeout:    cfg.Sync.QueryTimeout,
	}, appLogger, pipelines...)
	if err != nil {
		a.close()
		return nil, err
	}
	appLogger.Info("syncer initialized",
		slog.String("catalog", cfg.Catalog.Driver),
		slog.Bool("redis", a.rdb != nil),
		slog.Any("sources", a.syncer.Sources()))
	return a, nil
}

func buildPipelines(cfg *config.Config, rdb *redis.Client, appLogger *slog.Logger) ([]syncer.Pipeline, error) {
	registry, err := sources.NewRegistry()
	if err != nil {
		return nil, err
	}
	appLogger.Debug("source registry ready", slog.Any("sources", registry.Names()))

	var pipelines []syncer.Pipeline
	for _, sc := range cfg.EnabledSources() {
		adapter, err := registry.Build(sc.Name, sc.BaseURL, sc.MaxResults)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", sc.Name, err)
		}

		var launcher fetch.Launcher = &fetch.RodLauncher{Browser: cfg.Browser, Logger: appLogger}
		if sc.Fetcher == config.FetcherHTTP {
			launcher = &fetch.HTTPLauncher{}
		}

		var limiter fetch.Limiter
		if sc.RateLimit > 0 && sc.RateBurst > 0 {
			limiter = ratelimit.NewSourceBucket(rdb, sc.Name, sc.RateLimit, sc.RateBurst, appLogger)
		}

		pipelines = append(pipelines, syncer.Pipeline{
			Adapter:  adapter,
			Launcher: launcher,
			Options: fetch.Options{
				MinInterval: sc.MinInterval,
				Timeout:     sc.Timeout,
				MaxRetries:  sc.MaxRetries,
				BackoffBase: sc.BackoffBase,
				BackoffMax:  sc.BackoffMax,
			},
			Limiter:     limiter,
			DetailLimit: sc.DetailLimit,
		})
	}
	return pipelines, nil
}

type rankedProduct struct {
	model.Product
	Ranking []ranking.Scored `json:"ranking,omitempty"`
}

func (a *app) runOnce(query string, force bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	products, err := a.syncer.Sync(ctx, query, syncer.Options{Force: force})
	if err != nil {
		return err
	}
	out := make([]rankedProduct, 0, len(products))
	for _, p := range products {
		rp := rankedProduct{Product: p}
		if scored, err := ranking.Rank(p.Listings); err == nil {
			rp.Ranking = scored
		}
		out = append(out, rp)
	}

	a.alerts.Wait()
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func (a *app) serve() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool := workpool.New(a.logger, a.cfg.Refresher.Workers, a.cfg.Refresher.QueueCapacity)
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	pool.Start(workerCtx)

	var ref *refresher.Refresher
	if a.cfg.Refresher.Enabled {
		ref = refresher.New(a.store, a.syncer, pool, a.cfg.Refresher.Schedule, a.logger)
		if err := ref.Start(ctx); err != nil {
			a.logger.Error("start refresher failed", slog.String("error", err.Error()))
			ref = nil
		}
	}

	consumerDone := make(chan struct{})
	if a.cfg.Refresher.EnableStream && a.queue != nil {
		go func() {
			defer close(consumerDone)
			defer func() {
				if r := recover(); r != nil {
					a.logger.Error("PANIC in sync request consumer", slog.Any("panic", r))
				}
			}()
			sc, err := syncqueue.NewConsumer(ctx, a.queue, a.cfg.Refresher.Group)
			if err != nil {
				a.logger.Error("create sync request consumer failed", slog.String("error", err.Error()))
				return
			}
			_ = refresher.NewConsumer(sc, a.syncer, a.logger).Run(ctx)
		}()
	} else {
		close(consumerDone)
	}

	deps := api.Deps{
		Syncer: a.syncer,
		Store:  a.store,
		Alerts: a.alerts,
		Redis:  api.RedisPinger(a.rdb),
	}
	if a.queue != nil {
		deps.Queue = a.queue
	}
	server := &http.Server{
		Addr:              a.cfg.App.OpsAddr,
		Handler:           api.NewServer(deps, a.logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		a.logger.Info("http server listening", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server stopped with error", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutting down syncer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// 1. 停止接收新请求
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
	}
	// 2. 停止定时提交与 Stream 消费
	if ref != nil {
		ref.Stop()
	}
	<-consumerDone
	// 3. 等待已提交的刷新任务
	if err := pool.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("workpool shutdown error", slog.String("error", err.Error()))
	}
	// 4. 等待未发完的提醒邮件
	a.alerts.Wait()

	a.logger.Info("syncer stopped gracefully", slog.String("workpool", pool.String()))
}

func (a *app) close() {
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.logger.Warn("close redis failed", slog.String("error", err.Error()))
		}
	}
	if err := a.closeDB(); err != nil {
		a.logger.Warn("close catalog failed", slog.String("error", err.Error()))
	}
}
