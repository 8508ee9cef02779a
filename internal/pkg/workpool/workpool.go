// Package workpool 提供固定 worker 数的内存任务池。
//
// 同名任务在排队或执行期间不会被重复提交，用于避免定时刷新时同一个查询堆积。
package workpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"pricesync/internal/pkg/metrics"
)

var (
	ErrClosed    = errors.New("workpool: closed")
	ErrFull      = errors.New("workpool: queue full")
	ErrDuplicate = errors.New("workpool: task already pending")
)

// Task 一个具名任务。Name 为空时不做去重。
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Pool 任务池。
type Pool struct {
	logger  *slog.Logger
	workers int
	tasks   chan Task

	mu      sync.Mutex
	pending map[string]struct{}

	// 提交方持读锁发送，Shutdown 持写锁关闭通道
	closeMu sync.RWMutex
	closed  bool
	wg      sync.WaitGroup

	stats poolStats
}

type poolStats struct {
	submitted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
	panics    atomic.Int64
}

// Stats 统计快照。
type Stats struct {
	Submitted int64 // 成功入队数
	Succeeded int64 // 成功执行数
	Failed    int64 // 执行失败数（含 panic）
	Rejected  int64 // 因满、重复或关闭被拒绝的次数
	Panics    int64 // panic 次数
}

// New 创建任务池，workers 与 capacity 至少为 1。
func New(logger *slog.Logger, workers, capacity int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		logger:  logger,
		workers: workers,
		tasks:   make(chan Task, capacity),
		pending: make(map[string]struct{}),
	}
}

// Start 启动 worker，直到 ctx 取消或调用 Shutdown。
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("workpool worker stopped", slog.Int("worker_id", id))
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			metrics.WorkpoolDepth.Set(float64(len(p.tasks)))
			p.execute(ctx, task, id)
		}
	}
}

func (p *Pool) execute(ctx context.Context, task Task, workerID int) {
	defer p.release(task.Name)
	defer func() {
		if r := recover(); r != nil {
			p.stats.panics.Add(1)
			p.stats.failed.Add(1)
			metrics.WorkpoolTasksTotal.WithLabelValues("panic").Inc()
			p.logger.Error("task panic recovered",
				slog.Int("worker_id", workerID),
				slog.String("task", task.Name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	if err := task.Run(ctx); err != nil {
		p.stats.failed.Add(1)
		metrics.WorkpoolTasksTotal.WithLabelValues("failed").Inc()
		p.logger.Warn("task failed",
			slog.Int("worker_id", workerID),
			slog.String("task", task.Name),
			slog.String("error", err.Error()))
		return
	}
	p.stats.succeeded.Add(1)
	metrics.WorkpoolTasksTotal.WithLabelValues("succeeded").Inc()
}

// Submit 非阻塞提交。
func (p *Pool) Submit(task Task) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if err := p.reserve(task); err != nil {
		return err
	}
	select {
	case p.tasks <- task:
		p.accepted()
		return nil
	default:
		p.release(task.Name)
		p.reject("full")
		p.logger.Warn("workpool full, drop task",
			slog.String("task", task.Name),
			slog.Int("capacity", cap(p.tasks)))
		return ErrFull
	}
}

// SubmitWait 阻塞提交，直到入队或 ctx 取消。
func (p *Pool) SubmitWait(ctx context.Context, task Task) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if err := p.reserve(task); err != nil {
		return err
	}
	select {
	case p.tasks <- task:
		p.accepted()
		return nil
	case <-ctx.Done():
		p.release(task.Name)
		p.reject("timeout")
		return ctx.Err()
	}
}

func (p *Pool) reserve(task Task) error {
	if task.Run == nil {
		return fmt.Errorf("workpool: task %q has no Run func", task.Name)
	}
	if p.closed {
		p.reject("closed")
		return ErrClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if task.Name != "" {
		if _, ok := p.pending[task.Name]; ok {
			p.reject("duplicate")
			return ErrDuplicate
		}
		p.pending[task.Name] = struct{}{}
	}
	return nil
}

func (p *Pool) release(name string) {
	if name == "" {
		return
	}
	p.mu.Lock()
	delete(p.pending, name)
	p.mu.Unlock()
}

func (p *Pool) accepted() {
	p.stats.submitted.Add(1)
	metrics.WorkpoolTasksTotal.WithLabelValues("submitted").Inc()
	metrics.WorkpoolDepth.Set(float64(len(p.tasks)))
}

func (p *Pool) reject(reason string) {
	p.stats.rejected.Add(1)
	metrics.WorkpoolTasksTotal.WithLabelValues("rejected_" + reason).Inc()
}

// Shutdown 拒绝新任务，等待已入队任务执行完毕或 ctx 超时。
func (p *Pool) Shutdown(ctx context.Context) error {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return nil
	}
	p.closed = true
	close(p.tasks)
	p.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("workpool shutdown completed")
		return nil
	case <-ctx.Done():
		p.logger.Error("workpool shutdown timeout", slog.Int("pending", len(p.tasks)))
		return fmt.Errorf("workpool shutdown: %w", ctx.Err())
	}
}

// Stats 返回统计快照。
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.stats.submitted.Load(),
		Succeeded: p.stats.succeeded.Load(),
		Failed:    p.stats.failed.Load(),
		Rejected:  p.stats.rejected.Load(),
		Panics:    p.stats.panics.Load(),
	}
}

// Len 当前排队的任务数。
func (p *Pool) Len() int {
	return len(p.tasks)
}

func (p *Pool) String() string {
	s := p.Stats()
	return fmt.Sprintf("Pool[workers=%d, capacity=%d, pending=%d, submitted=%d, succeeded=%d, failed=%d, rejected=%d, panics=%d]",
		p.workers, cap(p.tasks), p.Len(), s.Submitted, s.Succeeded, s.Failed, s.Rejected, s.Panics)
}
