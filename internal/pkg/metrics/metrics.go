// Package metrics 定义 pricesync 的 Prometheus 指标。
//
// 所有指标通过 promauto 注册到默认 Registry，由 ops 服务的 /metrics 暴露。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pricesync"

var (
	// FetchRequestsTotal 按来源和结果统计的抓取请求数（每次尝试计一次）。
	FetchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetch_requests_total",
		Help:      "Fetch attempts by source and status.",
	}, []string{"source", "status"})

	// FetchDuration 单次抓取尝试耗时。
	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "fetch_duration_seconds",
		Help:      "Duration of a single fetch attempt.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60},
	}, []string{"source"})

	// FetchRetriesTotal 因临时错误触发的重试次数。
	FetchRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetch_retries_total",
		Help:      "Retries caused by transient fetch errors.",
	}, []string{"source"})

	// FetchErrorsTotal 按错误类型统计的抓取失败数。
	FetchErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetch_errors_total",
		Help:      "Fetch failures by source and error type.",
	}, []string{"source", "type"})

	// SessionsActive 当前打开的抓取会话（浏览器或 HTTP）。
	SessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "fetch_sessions_active",
		Help:      "Open fetch sessions by kind.",
	}, []string{"kind"})

	// RateLimitWaitDuration 各来源等待令牌的耗时。
	RateLimitWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ratelimit_wait_seconds",
		Help:      "Time spent waiting for a source rate limit token.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"source"})

	// RateLimitTimeoutTotal 等待令牌超时次数。
	RateLimitTimeoutTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ratelimit_timeout_total",
		Help:      "Rate limit waits abandoned because the context ended.",
	}, []string{"source"})

	// RateLimitFallbackTotal Redis 不可用时改用本地令牌桶的次数。
	RateLimitFallbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ratelimit_fallback_total",
		Help:      "Token requests served by the in-process bucket because Redis failed.",
	}, []string{"source"})

	// ActivePipelines 正在运行的来源抓取流水线。
	ActivePipelines = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sync_active_pipelines",
		Help:      "Source pipelines currently running.",
	})

	// SyncTotal 按结果统计的 Sync 调用。
	// outcome: cache_hit / fetched / partial / stale_fallback / empty
	SyncTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_total",
		Help:      "Sync calls by outcome.",
	}, []string{"outcome"})

	// SyncDuration Sync 调用总耗时。
	SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sync_duration_seconds",
		Help:      "Duration of Sync calls.",
		Buckets:   []float64{0.01, 0.05, 0.25, 1, 5, 15, 30, 60, 120},
	})

	// PipelineTotal 按来源与结果统计的流水线执行。
	PipelineTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_pipeline_total",
		Help:      "Source pipeline runs by source and outcome.",
	}, []string{"source", "outcome"})

	// LeaseSkippedTotal 因其他实例持有租约而跳过的来源。
	LeaseSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_lease_skipped_total",
		Help:      "Sources skipped because another instance holds the sync lease.",
	}, []string{"source"})

	// ReconcileTotal 记录调和结果: created / updated / failed。
	ReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_total",
		Help:      "Reconciled records by source and result.",
	}, []string{"source", "result"})

	// ReconcileConflictsTotal 自然键写冲突次数。
	ReconcileConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_conflicts_total",
		Help:      "Natural key write conflicts during reconciliation.",
	}, []string{"source"})

	// AlertsTotal 价格提醒发送结果。
	AlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "price_alerts_total",
		Help:      "Price alert notifications by status.",
	}, []string{"status"})

	// WorkpoolTasksTotal worker 池任务结果。
	WorkpoolTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workpool_tasks_total",
		Help:      "Worker pool tasks by status.",
	}, []string{"status"})

	// WorkpoolDepth worker 池待处理任务数。
	WorkpoolDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "workpool_depth",
		Help:      "Tasks waiting in the worker pool.",
	})

	// SyncQueueMessagesTotal Redis Stream 消息处理结果。
	SyncQueueMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "syncqueue_messages_total",
		Help:      "Sync request stream messages by status.",
	}, []string{"status"})
)
