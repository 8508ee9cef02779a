// Package syncqueue 通过 Redis Streams 传递异步同步请求。
//
// 生产者 XADD 一条 JSON 消息，消费者组用 XREADGROUP 读取，处理成功后 XACK；
// 失败的消息重新入队，超过重试上限进入死信 Stream。
package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"pricesync/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

// DefaultStream 默认 Stream 名称。
const DefaultStream = "pricesync:sync:requests"

const maxStreamLen = 100000

// Queue 封装 Stream 的基础操作。
type Queue struct {
	rdb    *redis.Client
	logger *slog.Logger
	stream string
}

// New 创建队列。
func New(rdb *redis.Client, logger *slog.Logger, stream string) *Queue {
	if stream == "" {
		stream = DefaultStream
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		rdb:    rdb,
		logger: logger,
		stream: stream,
	}
}

// Stream 返回 Stream 名称。
func (q *Queue) Stream() string {
	return q.stream
}

// Publish 发布一条同步请求。
func (q *Queue) Publish(ctx context.Context, req *SyncRequest) error {
	if req == nil || req.Query == "" {
		return errors.New("sync request requires a query")
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal sync request: %w", err)
	}
	if err := q.publishRaw(ctx, q.stream, map[string]interface{}{"data": string(data)}); err != nil {
		metrics.SyncQueueMessagesTotal.WithLabelValues("publish_failed").Inc()
		return err
	}
	metrics.SyncQueueMessagesTotal.WithLabelValues("published").Inc()
	q.logger.Info("sync request published",
		slog.String("request_id", req.ID),
		slog.String("query", req.Query),
		slog.Bool("force", req.Force),
		slog.Int("retry", req.Retry))
	return nil
}

func (q *Queue) publishRaw(ctx context.Context, stream string, values map[string]interface{}) error {
	msgID, err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd failed: %w", err)
	}
	q.logger.Debug("stream message added",
		slog.String("stream", stream),
		slog.String("msg_id", msgID))
	return nil
}

// CreateGroup 创建消费者组，已存在时忽略。
func (q *Queue) CreateGroup(ctx context.Context, group string) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Len 返回 Stream 中的消息数。
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.rdb.XLen(ctx, q.stream).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen failed: %w", err)
	}
	return n, nil
}

func parseRequest(data string) (*SyncRequest, error) {
	var req SyncRequest
	if err := json.Unmarshal([]byte(data), &req); err != nil {
		return nil, fmt.Errorf("unmarshal sync request: %w", err)
	}
	if strings.TrimSpace(req.Query) == "" {
		return nil, errors.New("sync request without query")
	}
	return &req, nil
}
