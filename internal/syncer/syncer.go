// Package syncer 编排一次查询的多来源同步。
//
// 流程: 检查缓存 → (全部新鲜 | 需要抓取) → 并发分发各来源流水线 → 对账 → 返回合并后的商品集合。
// 每个来源的流水线相互隔离，单个来源失败只记录为降级，不影响其他来源。
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"pricesync/internal/catalog"
	"pricesync/internal/fetch"
	"pricesync/internal/freshness"
	"pricesync/internal/model"
	"pricesync/internal/pkg/lease"
	"pricesync/internal/pkg/metrics"
	"pricesync/internal/ranking"
	"pricesync/internal/source"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	leaseReleaseTimeout = 5 * time.Second // 释放租约的超时（不受查询上下文取消影响）
	defaultQueryTimeout = 90 * time.Second
)

var (
	// ErrEmptyQuery 查询词为空。
	ErrEmptyQuery = errors.New("syncer: empty query")
	// ErrDuplicatePipeline 同一来源配置了多条流水线。
	ErrDuplicatePipeline = errors.New("syncer: duplicate pipeline")
)

// Pipeline 单个来源的抓取配置。
type Pipeline struct {
	Adapter  source.Adapter
	Launcher fetch.Launcher
	Options  fetch.Options
	Limiter  fetch.Limiter // 跨进程限流，可为 nil
	// DetailLimit 每次同步最多补抓的详情页数量，0 表示不抓详情页。
	DetailLimit int
}

// Config 同步编排参数。
type Config struct {
	FreshnessWindow time.Duration
	QueryTimeout    time.Duration
}

// Options 单次 Sync 的选项。
type Options struct {
	// Force 忽略新鲜度，所有来源都重新抓取。
	Force bool
}

// Service 同步编排服务。
type Service struct {
	store      catalog.Store
	reconciler *catalog.Reconciler
	leases     *lease.Locker
	cfg        Config
	logger     *slog.Logger

	pipelines map[string]Pipeline
	names     []string

	group singleflight.Group
	now   func() time.Time
}

// New 创建服务。leases 为 nil 时不做跨进程互斥。
func New(store catalog.Store, reconciler *catalog.Reconciler, leases *lease.Locker, cfg Config, logger *slog.Logger, pipelines ...Pipeline) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = defaultQueryTimeout
	}
	s := &Service{
		store:      store,
		reconciler: reconciler,
		leases:     leases,
		cfg:        cfg,
		logger:     logger,
		pipelines:  make(map[string]Pipeline, len(pipelines)),
		now:        time.Now,
	}
	for _, p := range pipelines {
		name := p.Adapter.Name()
		if _, ok := s.pipelines[name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePipeline, name)
		}
		s.pipelines[name] = p
		s.names = append(s.names, name)
	}
	sort.Strings(s.names)
	return s, nil
}

// Sources 返回已配置的来源名称（升序）。
func (s *Service) Sources() []string {
	return append([]string(nil), s.names...)
}

// Sync 返回与查询匹配的商品，必要时先从过期的来源抓取。
//
// 同一进程内相同的并发查询只执行一次。所有来源都失败时返回已缓存的（可能过期的）商品，
// 没有缓存时返回空集合，两种情况都不返回错误。
func (s *Service) Sync(ctx context.Context, query string, opts Options) ([]model.Product, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	key := strings.ToLower(query) + "|" + strconv.FormatBool(opts.Force)

	for {
		ch := s.group.DoChan(key, func() (interface{}, error) {
			return s.sync(ctx, query, opts)
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			// 共享的执行被发起者取消，而自己的上下文仍然有效：重新发起
			if res.Err != nil && res.Shared && errors.Is(res.Err, context.Canceled) && ctx.Err() == nil {
				continue
			}
			if res.Err != nil {
				return nil, res.Err
			}
			products := res.Val.([]model.Product)
			return append([]model.Product(nil), products...), nil
		}
	}
}

func (s *Service) sync(ctx context.Context, query string, opts Options) ([]model.Product, error) {
	start := time.Now()
	outcome := "error"
	defer func() {
		metrics.SyncTotal.WithLabelValues(outcome).Inc()
		metrics.SyncDuration.Observe(time.Since(start).Seconds())
	}()
	logger := s.logger.With(slog.String("query", query))

	cached, err := s.store.SearchProducts(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("check cache: %w", err)
	}

	stale := s.names
	if !opts.Force {
		stale = freshness.StaleSources(cached, s.cfg.FreshnessWindow, s.names, s.now())
	}
	if len(stale) == 0 {
		outcome = "cache_hit"
		logger.Debug("all sources fresh, serving cache", slog.Int("products", len(cached)))
		return cached, nil
	}

	logger.Info("dispatching source pipelines",
		slog.Any("sources", stale),
		slog.Bool("force", opts.Force),
		slog.Int("cached", len(cached)))

	pctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	results := s.dispatch(pctx, query, stale)
	cancel()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	touched := make(map[uint]struct{})
	succeeded := 0
	for _, r := range results {
		if len(r.products) > 0 {
			succeeded++
		}
		for _, id := range r.products {
			touched[id] = struct{}{}
		}
	}

	if succeeded == 0 {
		if len(cached) > 0 {
			outcome = "stale_fallback"
			logger.Warn("no source returned data, serving cached products", slog.Int("products", len(cached)))
			return cached, nil
		}
		outcome = "empty"
		logger.Warn("no source returned data and nothing cached")
		return []model.Product{}, nil
	}

	merged, err := s.collect(ctx, query, touched)
	if err != nil {
		return nil, err
	}
	outcome = "fetched"
	if succeeded < len(stale) {
		outcome = "partial"
	}
	logger.Info("sync finished",
		slog.String("outcome", outcome),
		slog.Int("sources", succeeded),
		slog.Int("products", len(merged)),
		slog.Duration("elapsed", time.Since(start)))
	return merged, nil
}

// collect 合并查询命中的商品与本次对账涉及的商品，按 ID 升序。
func (s *Service) collect(ctx context.Context, query string, touched map[uint]struct{}) ([]model.Product, error) {
	products, err := s.store.SearchProducts(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("reload products: %w", err)
	}
	seen := make(map[uint]struct{}, len(products))
	for _, p := range products {
		seen[p.ID] = struct{}{}
	}
	for id := range touched {
		if _, ok := seen[id]; ok {
			continue
		}
		p, err := s.store.GetProduct(ctx, id)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("load product %d: %w", id, err)
		}
		products = append(products, *p)
		seen[id] = struct{}{}
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products, nil
}

// dispatch 为每个来源启动一条流水线并等待全部结束，不会因为某条失败而取消其他流水线。
func (s *Service) dispatch(ctx context.Context, query string, sources []string) []pipelineResult {
	results := make([]pipelineResult, len(sources))
	var g errgroup.Group
	for i, name := range sources {
		p, ok := s.pipelines[name]
		if !ok {
			results[i] = pipelineResult{source: name, err: source.ErrUnknownSource}
			continue
		}
		g.Go(func() error {
			results[i] = s.runPipeline(ctx, query, p)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

type pipelineResult struct {
	source   string
	products []uint
	failed   int
	skipped  bool
	err      error
}

func (r pipelineResult) outcome() string {
	switch {
	case r.skipped:
		return "skipped"
	case r.err != nil:
		return "failed"
	case len(r.products) == 0:
		return "empty"
	default:
		return "success"
	}
}

func (s *Service) runPipeline(ctx context.Context, query string, p Pipeline) (res pipelineResult) {
	name := p.Adapter.Name()
	res.source = name
	logger := s.logger.With(slog.String("source", name), slog.String("query", query))

	metrics.ActivePipelines.Inc()
	defer metrics.ActivePipelines.Dec()
	defer func() {
		if r := recover(); r != nil {
			res.err = fmt.Errorf("pipeline panic: %v", r)
			logger.Error("source pipeline panic recovered", slog.Any("panic", r))
		}
		metrics.PipelineTotal.WithLabelValues(name, res.outcome()).Inc()
	}()

	held, ok, err := s.leases.TryAcquire(ctx, lease.Key(name, strings.ToLower(query)))
	switch {
	case err != nil:
		logger.Warn("acquire sync lease failed, continuing without lease", slog.String("error", err.Error()))
	case !ok:
		metrics.LeaseSkippedTotal.WithLabelValues(name).Inc()
		logger.Info("source is being synced by another instance, skipping")
		res.skipped = true
		return res
	default:
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaseReleaseTimeout)
			defer cancel()
			if err := held.Release(releaseCtx); err != nil {
				logger.Warn("release sync lease failed", slog.String("error", err.Error()))
			}
		}()
	}

	opts := p.Options
	opts.Source = name
	if opts.Validate == nil {
		opts.Validate = source.CheckPage
	}
	client := fetch.NewClient(p.Launcher, opts, p.Limiter, s.logger)

	var records []source.Record
	err = fetch.Run(ctx, client, func(ctx context.Context, c *fetch.Client) error {
		page, err := c.Fetch(ctx, p.Adapter.BuildSearchTarget(query))
		if err != nil {
			return fmt.Errorf("fetch search page: %w", err)
		}
		records, err = p.Adapter.Parse(page)
		if err != nil {
			return fmt.Errorf("parse search page: %w", err)
		}
		s.enrich(ctx, c, p, records, logger)
		return nil
	})
	if err != nil {
		res.err = err
		logger.Warn("source pipeline degraded",
			slog.String("error_type", fetch.ErrorType(err)),
			slog.String("error", err.Error()))
		return res
	}

	for _, rec := range records {
		if rec.Source == "" {
			rec.Source = name
		}
		r, err := s.reconciler.Reconcile(ctx, rec, p.Adapter.BaseURL())
		if err != nil {
			res.failed++
			logger.Warn("reconcile record failed",
				slog.String("native_id", rec.NativeID),
				slog.String("name", rec.Name),
				slog.String("error", err.Error()))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		res.products = append(res.products, r.ProductID)
	}

	logger.Info("source pipeline finished",
		slog.Int("records", len(records)),
		slog.Int("reconciled", len(res.products)),
		slog.Int("failed", res.failed))
	return res
}

// enrich 为缺少价格或评分的记录补抓详情页。失败只记录日志，保留搜索页的数据。
func (s *Service) enrich(ctx context.Context, c *fetch.Client, p Pipeline, records []source.Record, logger *slog.Logger) {
	linker, ok := p.Adapter.(source.DetailLinker)
	if !ok || p.DetailLimit <= 0 {
		return
	}
	fetched := 0
	for i := range records {
		if fetched >= p.DetailLimit || ctx.Err() != nil {
			return
		}
		if !records[i].NeedsDetail() {
			continue
		}
		target, ok := linker.DetailTarget(records[i])
		if !ok {
			continue
		}
		fetched++
		page, err := c.Fetch(ctx, target)
		if err != nil {
			logger.Warn("fetch detail page failed", slog.String("url", target.URL), slog.String("error", err.Error()))
			continue
		}
		detail, err := p.Adapter.Parse(page)
		if err != nil || len(detail) == 0 {
			logger.Debug("detail page yielded no record", slog.String("url", target.URL))
			continue
		}
		records[i].Merge(detail[0])
	}
}

// Rank 对商品的全部报价打分排序。
func (s *Service) Rank(ctx context.Context, productID uint) ([]ranking.Scored, error) {
	p, err := s.store.GetProduct(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("load product %d: %w", productID, err)
	}
	return ranking.Rank(p.Listings)
}

// BestDeal 返回商品价格最低的报价。
func (s *Service) BestDeal(ctx context.Context, productID uint) (model.Listing, error) {
	p, err := s.store.GetProduct(ctx, productID)
	if err != nil {
		return model.Listing{}, fmt.Errorf("load product %d: %w", productID, err)
	}
	return ranking.BestDeal(p.Listings)
}
