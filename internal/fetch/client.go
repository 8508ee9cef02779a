// Package fetch 实现带限速、超时与重试的页面抓取客户端。
//
// 每条同步流水线为每个来源创建一个 Client：Open 打开底层会话（浏览器或 HTTP），
// Fetch 按来源的最小请求间隔逐个抓取，Close 释放会话。Run 保证任何退出路径都会 Close。
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"pricesync/internal/pkg/metrics"
	"pricesync/internal/source"

	"golang.org/x/time/rate"
)

// Session 是一次抓取会话持有的底层资源。
type Session interface {
	Fetch(ctx context.Context, target source.Target) (source.Page, error)
	Close() error
}

// Launcher 负责创建会话。
type Launcher interface {
	Launch(ctx context.Context) (Session, error)
	Kind() string
}

// Limiter 跨进程限流器（例如 Redis 令牌桶）。
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Options 单个来源的抓取参数。
type Options struct {
	Source      string
	MinInterval time.Duration
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Validate 在每次成功抓取后检查页面，返回的错误按 Classify 决定是否重试。
	Validate func(source.Page) error
}

func (o *Options) applyDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 15 * time.Second
	}
	if o.BackoffMax < o.BackoffBase {
		o.BackoffMax = o.BackoffBase
	}
}

// Client 单来源抓取客户端，不在来源之间共享，也不支持并发 Fetch。
type Client struct {
	opts     Options
	launcher Launcher
	shared   Limiter
	pacer    *rate.Limiter
	logger   *slog.Logger

	mu          sync.Mutex
	session     Session
	closed      bool
	lastRequest time.Time

	// 测试中替换为不真正等待的实现
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewClient 创建客户端。shared 可以为 nil。
func NewClient(launcher Launcher, opts Options, shared Limiter, logger *slog.Logger) *Client {
	opts.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if opts.MinInterval > 0 {
		limit = rate.Every(opts.MinInterval)
	}
	return &Client{
		opts:     opts,
		launcher: launcher,
		shared:   shared,
		pacer:    rate.NewLimiter(limit, 1),
		logger:   logger.With(slog.String("source", opts.Source)),
		sleep:    sleepContext,
		now:      time.Now,
	}
}

// Open 打开底层会话。重复调用是安全的。
func (c *Client) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.session != nil {
		return nil
	}
	session, err := c.launcher.Launch(ctx)
	if err != nil {
		return fmt.Errorf("open %s session: %w", c.launcher.Kind(), err)
	}
	c.session = session
	metrics.SessionsActive.WithLabelValues(c.launcher.Kind()).Inc()
	c.logger.Debug("fetch session opened", slog.String("kind", c.launcher.Kind()))
	return nil
}

// Close 释放底层会话。重复调用是安全的。
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	metrics.SessionsActive.WithLabelValues(c.launcher.Kind()).Dec()
	if err != nil {
		c.logger.Warn("close fetch session failed", slog.String("error", err.Error()))
		return fmt.Errorf("close session: %w", err)
	}
	c.logger.Debug("fetch session closed")
	return nil
}

// LastRequest 返回最近一次发起请求的时间（包括失败的请求）。
func (c *Client) LastRequest() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRequest
}

// Fetch 抓取一个页面。
//
// 每次尝试前先等待来源的最小间隔（失败也计入），临时错误按指数退避重试，
// 致命错误立即返回。返回的错误是 *TransientError 或 *FatalError。
func (c *Client) Fetch(ctx context.Context, target source.Target) (source.Page, error) {
	session, err := c.currentSession()
	if err != nil {
		return source.Page{}, &FatalError{Err: err}
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := c.pace(ctx); err != nil {
			lastErr = err
			break
		}

		page, err := c.attempt(ctx, session, target)
		if err == nil {
			metrics.FetchRequestsTotal.WithLabelValues(c.opts.Source, "success").Inc()
			metrics.FetchDuration.WithLabelValues(c.opts.Source).Observe(time.Since(start).Seconds())
			return page, nil
		}
		lastErr = err
		metrics.FetchErrorsTotal.WithLabelValues(c.opts.Source, ErrorType(err)).Inc()

		class := Classify(err)
		if class == ClassFatal || ctx.Err() != nil || attempt >= c.opts.MaxRetries {
			break
		}

		wait := c.backoff(attempt)
		metrics.FetchRetriesTotal.WithLabelValues(c.opts.Source).Inc()
		c.logger.Warn("fetch attempt failed, retrying",
			slog.String("url", target.URL),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()))
		if err := c.sleep(ctx, wait); err != nil {
			lastErr = err
			break
		}
	}

	metrics.FetchRequestsTotal.WithLabelValues(c.opts.Source, "error").Inc()
	metrics.FetchDuration.WithLabelValues(c.opts.Source).Observe(time.Since(start).Seconds())
	return source.Page{}, wrapFinal(lastErr)
}

func (c *Client) currentSession() (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.session == nil {
		return nil, errors.New("fetch session not opened")
	}
	return c.session, nil
}

// pace 等待本地最小间隔与跨进程令牌，并推进 lastRequest。
func (c *Client) pace(ctx context.Context) error {
	if err := c.pacer.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	if c.shared != nil {
		if err := c.shared.Acquire(ctx); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.lastRequest = c.now()
	c.mu.Unlock()
	return nil
}

func (c *Client) attempt(ctx context.Context, session Session, target source.Target) (page source.Page, err error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	// 会话实现中的 panic 不应拖垮整条流水线
	defer func() {
		if r := recover(); r != nil {
			err = &TransientError{Err: fmt.Errorf("session panic: %v", r)}
		}
	}()

	page, err = session.Fetch(attemptCtx, target)
	if err != nil {
		return source.Page{}, err
	}
	if c.opts.Validate != nil {
		if err := c.opts.Validate(page); err != nil {
			return source.Page{}, err
		}
	}
	return page, nil
}

// backoff 返回第 attempt 次失败后的等待时间：base*2^attempt，封顶后加入最多 50% 的随机抖动。
func (c *Client) backoff(attempt int) time.Duration {
	d := c.opts.BackoffBase
	for i := 0; i < attempt && d < c.opts.BackoffMax; i++ {
		d *= 2
	}
	if d > c.opts.BackoffMax {
		d = c.opts.BackoffMax
	}
	half := int64(d / 2)
	if half <= 0 {
		return d
	}
	return time.Duration(half + rand.Int63n(half+1))
}

func wrapFinal(err error) error {
	switch Classify(err) {
	case ClassTransient:
		var transient *TransientError
		if errors.As(err, &transient) {
			return err
		}
		return &TransientError{Err: err}
	default:
		var fatal *FatalError
		if errors.As(err, &fatal) {
			return err
		}
		return &FatalError{Err: err}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run 打开客户端、执行 fn，并在所有退出路径（成功、错误、panic、取消）上关闭客户端。
// fn 中的 panic 会被转换为错误返回。
func Run(ctx context.Context, c *Client, fn func(ctx context.Context, c *Client) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetch pipeline panic: %v", r)
		}
		if closeErr := c.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	if err := c.Open(ctx); err != nil {
		return err
	}
	return fn(ctx, c)
}
