// Package refresher 定期刷新收藏的搜索，并消费 Redis Stream 中的异步同步请求。
package refresher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"pricesync/internal/model"
	"pricesync/internal/pkg/workpool"
	"pricesync/internal/syncer"

	"github.com/robfig/cron/v3"
)

// Syncer 执行一次查询同步。
type Syncer interface {
	Sync(ctx context.Context, query string, opts syncer.Options) ([]model.Product, error)
}

// SearchStore 收藏搜索的读写。
type SearchStore interface {
	ListActiveSearches(ctx context.Context) ([]model.SavedSearch, error)
	MarkSearchRun(ctx context.Context, id uint, at time.Time) error
}

// Refresher 按 cron 周期把所有启用的收藏搜索提交到任务池，强制重新同步。
type Refresher struct {
	cron     *cron.Cron
	schedule string
	store    SearchStore
	syncer   Syncer
	pool     *workpool.Pool
	logger   *slog.Logger
	now      func() time.Time
}

// New 创建 Refresher。schedule 为 cron 表达式，支持 "@every 6h" 这样的描述符。
func New(store SearchStore, s Syncer, pool *workpool.Pool, schedule string, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		schedule: schedule,
		store:    store,
		syncer:   s,
		pool:     pool,
		logger:   logger,
		now:      time.Now,
	}
}

// Start 注册定时任务并启动，同时立即执行一轮。
func (r *Refresher) Start(ctx context.Context) error {
	if _, err := r.cron.AddFunc(r.schedule, func() { r.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("register refresh schedule %q: %w", r.schedule, err)
	}
	r.cron.Start()
	r.logger.Info("saved search refresher started", slog.String("schedule", r.schedule))

	go r.RunOnce(ctx)
	return nil
}

// Stop 停止调度并等待正在执行的一轮提交结束。已提交的同步由任务池负责收尾。
func (r *Refresher) Stop() {
	<-r.cron.Stop().Done()
	r.logger.Info("saved search refresher stopped")
}

// RunOnce 提交一轮刷新，返回成功入队的搜索数。仍在排队或执行中的同一搜索会被跳过。
func (r *Refresher) RunOnce(ctx context.Context) int {
	searches, err := r.store.ListActiveSearches(ctx)
	if err != nil {
		r.logger.Error("list saved searches failed", slog.String("error", err.Error()))
		return 0
	}
	if len(searches) == 0 {
		r.logger.Debug("no saved searches to refresh")
		return 0
	}

	submitted := 0
	for _, search := range searches {
		err := r.pool.Submit(workpool.Task{
			Name: "saved_search:" + strconv.FormatUint(uint64(search.ID), 10),
			Run:  func(ctx context.Context) error { return r.refresh(ctx, search) },
		})
		switch {
		case err == nil:
			submitted++
		case errors.Is(err, workpool.ErrDuplicate):
			r.logger.Debug("saved search still pending, skipping", slog.Uint64("search_id", uint64(search.ID)))
		default:
			r.logger.Warn("submit saved search refresh failed",
				slog.Uint64("search_id", uint64(search.ID)),
				slog.String("error", err.Error()))
		}
	}
	r.logger.Info("saved search refresh dispatched",
		slog.Int("searches", len(searches)),
		slog.Int("submitted", submitted))
	return submitted
}

func (r *Refresher) refresh(ctx context.Context, search model.SavedSearch) error {
	products, err := r.syncer.Sync(ctx, search.Query, syncer.Options{Force: true})
	if err != nil {
		return fmt.Errorf("refresh %q: %w", search.Query, err)
	}
	if err := r.store.MarkSearchRun(ctx, search.ID, r.now()); err != nil {
		return fmt.Errorf("mark search %d run: %w", search.ID, err)
	}
	r.logger.Info("saved search refreshed",
		slog.String("query", search.Query),
		slog.Int("products", len(products)))
	return nil
}
