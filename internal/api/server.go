// Package api 暴露同步服务的 HTTP 入口：健康检查、指标、查询与排序、收藏搜索、降价提醒和异步同步请求。
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pricesync/internal/alert"
	"pricesync/internal/api/middleware"
	"pricesync/internal/catalog"
	"pricesync/internal/model"
	"pricesync/internal/pkg/syncqueue"
	"pricesync/internal/ranking"
	"pricesync/internal/syncer"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

const healthTimeout = 2 * time.Second

// Syncer 同步与排序。
type Syncer interface {
	Sync(ctx context.Context, query string, opts syncer.Options) ([]model.Product, error)
	Rank(ctx context.Context, productID uint) ([]ranking.Scored, error)
	BestDeal(ctx context.Context, productID uint) (model.Listing, error)
}

// Store 是 HTTP 层用到的目录操作。
type Store interface {
	Ping(ctx context.Context) error
	ListHistory(ctx context.Context, listingID uint) ([]model.PriceHistory, error)
	SaveSearch(ctx context.Context, query string) (*model.SavedSearch, error)
	ListActiveSearches(ctx context.Context) ([]model.SavedSearch, error)
}

// AlertCreator 创建降价提醒。
type AlertCreator interface {
	Create(ctx context.Context, productID uint, email string, target float64) (*model.PriceAlert, error)
}

// Publisher 发布异步同步请求。
type Publisher interface {
	Publish(ctx context.Context, req *syncqueue.SyncRequest) error
}

// Pinger 可选依赖的健康检查（如 Redis）。
type Pinger interface {
	Ping(ctx context.Context) error
}

type redisPinger struct{ rdb *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }

// RedisPinger 把 Redis 客户端包装为 Pinger，rdb 为 nil 时返回 nil。
func RedisPinger(rdb *redis.Client) Pinger {
	if rdb == nil {
		return nil
	}
	return redisPinger{rdb: rdb}
}

// Deps 是 Server 的依赖。Alerts、Queue、Redis 可以为 nil，对应的路由返回 503 或跳过检查。
type Deps struct {
	Syncer Syncer
	Store  Store
	Alerts AlertCreator
	Queue  Publisher
	Redis  Pinger
}

// Server 封装路由与依赖。
type Server struct {
	deps   Deps
	logger *slog.Logger
	router *gin.Engine
}

// NewServer 创建服务并注册路由。
func NewServer(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	s := &Server{deps: deps, logger: logger, router: r}
	s.registerRoutes()
	return s
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)

	s.router.GET("/products", s.handleSearch)
	s.router.GET("/products/:id/rank", s.handleRank)
	s.router.GET("/products/:id/best", s.handleBestDeal)
	s.router.GET("/listings/:id/history", s.handleHistory)

	s.router.GET("/searches", s.handleListSearches)
	s.router.POST("/searches", s.handleSaveSearch)
	s.router.POST("/alerts", s.handleCreateAlert)
	s.router.POST("/sync-requests", s.handleEnqueueSync)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	if err := s.deps.Store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "component": "catalog"})
		return
	}
	if s.deps.Redis != nil {
		if err := s.deps.Redis.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "component": "redis"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleSearch GET /products?q=...&force=true
func (s *Server) handleSearch(c *gin.Context) {
	query := strings.TrimSpace(c.Query("q"))
	force, _ := strconv.ParseBool(c.Query("force"))

	products, err := s.deps.Syncer.Sync(c.Request.Context(), query, syncer.Options{Force: force})
	if err != nil {
		if errors.Is(err, syncer.ErrEmptyQuery) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
			return
		}
		s.fail(c, "sync failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"query": query, "products": products})
}

func (s *Server) handleRank(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	scored, err := s.deps.Syncer.Rank(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, catalog.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "product not found"})
		case errors.Is(err, ranking.ErrNoListings):
			c.JSON(http.StatusOK, gin.H{"product_id": id, "listings": []ranking.Scored{}})
		default:
			s.fail(c, "rank failed", err)
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"product_id": id, "listings": scored})
}

func (s *Server) handleBestDeal(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	best, err := s.deps.Syncer.BestDeal(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, catalog.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "product not found"})
		case errors.Is(err, ranking.ErrNoListings):
			c.JSON(http.StatusNotFound, gin.H{"error": "no priced listing"})
		default:
			s.fail(c, "best deal failed", err)
		}
		return
	}
	c.JSON(http.StatusOK, best)
}

func (s *Server) handleHistory(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	history, err := s.deps.Store.ListHistory(c.Request.Context(), id)
	if err != nil {
		s.fail(c, "load history failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing_id": id, "history": history})
}

type saveSearchRequest struct {
	Query string `json:"query" binding:"required"`
}

func (s *Server) handleSaveSearch(c *gin.Context) {
	var req saveSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Query) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}
	search, err := s.deps.Store.SaveSearch(c.Request.Context(), req.Query)
	if err != nil {
		s.fail(c, "save search failed", err)
		return
	}
	c.JSON(http.StatusCreated, search)
}

func (s *Server) handleListSearches(c *gin.Context) {
	searches, err := s.deps.Store.ListActiveSearches(c.Request.Context())
	if err != nil {
		s.fail(c, "list searches failed", err)
		return
	}
	c.JSON(http.StatusOK, searches)
}

type createAlertRequest struct {
	ProductID   uint    `json:"product_id" binding:"required"`
	Email       string  `json:"email" binding:"required"`
	TargetPrice float64 `json:"target_price" binding:"required"`
}

func (s *Server) handleCreateAlert(c *gin.Context) {
	if s.deps.Alerts == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "alerts disabled"})
		return
	}
	var req createAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a, err := s.deps.Alerts.Create(c.Request.Context(), req.ProductID, req.Email, req.TargetPrice)
	if err != nil {
		switch {
		case errors.Is(err, alert.ErrInvalidAlert):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, catalog.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "product not found"})
		default:
			s.fail(c, "create alert failed", err)
		}
		return
	}
	c.JSON(http.StatusCreated, a)
}

type syncRequest struct {
	Query string `json:"query" binding:"required"`
	Force bool   `json:"force"`
}

func (s *Server) handleEnqueueSync(c *gin.Context) {
	if s.deps.Queue == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sync queue disabled"})
		return
	}
	var body syncRequest
	if err := c.ShouldBindJSON(&body); err != nil || strings.TrimSpace(body.Query) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}
	req := syncqueue.NewSyncRequest(body.Query, body.Force, syncqueue.OriginManual)
	if err := s.deps.Queue.Publish(c.Request.Context(), req); err != nil {
		s.fail(c, "enqueue sync failed", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": req.ID, "query": req.Query, "force": req.Force})
}

func (s *Server) fail(c *gin.Context, msg string, err error) {
	_ = c.Error(err)
	s.logger.Error(msg, slog.String("path", c.Request.URL.Path), slog.String("error", err.Error()))
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return uint(id), true
}
