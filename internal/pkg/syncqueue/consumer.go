package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pricesync/internal/pkg/metrics"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// FailureAction 失败消息的处理方式。
type FailureAction string

const (
	FailureActionRetry FailureAction = "retry"
	FailureActionDLQ   FailureAction = "dlq"
)

// Message 带 Stream ID 的同步请求。
type Message struct {
	ID      string
	Request *SyncRequest
}

// Consumer 消费者组中的一个消费者。
type Consumer struct {
	queue        *Queue
	logger       *slog.Logger
	group        string
	consumerID   string
	blockTime    time.Duration
	batchSize    int64
	pendingIdle  time.Duration
	pendingStart string
	deadLetter   string
	maxRetry     int
}

// ConsumerOption 消费者配置选项。
type ConsumerOption func(*Consumer)

// WithBlockTime 设置 XREADGROUP 的阻塞时间。
func WithBlockTime(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.blockTime = d }
}

// WithBatchSize 设置每次读取的消息数。
func WithBatchSize(n int64) ConsumerOption {
	return func(c *Consumer) { c.batchSize = n }
}

// WithPendingIdle 设置认领其他消费者未确认消息的最小空闲时间。
func WithPendingIdle(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.pendingIdle = d }
}

// WithMaxRetry 设置最大重试次数。
func WithMaxRetry(n int) ConsumerOption {
	return func(c *Consumer) { c.maxRetry = n }
}

// WithConsumerID 指定消费者标识，默认随机生成。
func WithConsumerID(id string) ConsumerOption {
	return func(c *Consumer) { c.consumerID = id }
}

// NewConsumer 创建消费者并确保消费者组存在。
func NewConsumer(ctx context.Context, q *Queue, group string, opts ...ConsumerOption) (*Consumer, error) {
	if group == "" {
		return nil, errors.New("group name is required")
	}
	c := &Consumer{
		queue:        q,
		logger:       q.logger,
		group:        group,
		consumerID:   "syncer-" + uuid.NewString(),
		blockTime:    time.Second,
		batchSize:    10,
		pendingIdle:  time.Minute,
		pendingStart: "0-0",
		deadLetter:   q.stream + ":dlq",
		maxRetry:     3,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := q.CreateGroup(ctx, group); err != nil {
		return nil, err
	}
	c.logger.Info("sync consumer ready",
		slog.String("stream", q.stream),
		slog.String("group", group),
		slog.String("consumer_id", c.consumerID))
	return c, nil
}

// DeadLetterStream 返回死信 Stream 名称。
func (c *Consumer) DeadLetterStream() string {
	return c.deadLetter
}

// Read 优先认领超时未确认的消息，没有时读取新消息。
func (c *Consumer) Read(ctx context.Context) ([]Message, error) {
	pending, err := c.readPending(ctx)
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		return pending, nil
	}
	return c.readNew(ctx)
}

func (c *Consumer) readPending(ctx context.Context) ([]Message, error) {
	messages, next, err := c.queue.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.queue.stream,
		Group:    c.group,
		Consumer: c.consumerID,
		MinIdle:  c.pendingIdle,
		Start:    c.pendingStart,
		Count:    c.batchSize,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xautoclaim failed: %w", err)
	}
	if next != "" {
		c.pendingStart = next
	}
	if len(messages) > 0 {
		metrics.SyncQueueMessagesTotal.WithLabelValues("claimed").Add(float64(len(messages)))
	}
	return c.parse(ctx, messages), nil
}

func (c *Consumer) readNew(ctx context.Context) ([]Message, error) {
	streams, err := c.queue.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumerID,
		Streams:  []string{c.queue.stream, ">"},
		Count:    c.batchSize,
		Block:    c.blockTime,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup failed: %w", err)
	}
	var messages []redis.XMessage
	for _, s := range streams {
		messages = append(messages, s.Messages...)
	}
	return c.parse(ctx, messages), nil
}

// parse 解析消息，无法解析的消息直接进入死信并确认。
func (c *Consumer) parse(ctx context.Context, messages []redis.XMessage) []Message {
	if len(messages) == 0 {
		return nil
	}
	out := make([]Message, 0, len(messages))
	for _, msg := range messages {
		data, _ := msg.Values["data"].(string)
		req, err := parseRequest(data)
		if err != nil {
			c.logger.Warn("invalid sync request",
				slog.String("msg_id", msg.ID),
				slog.String("error", err.Error()))
			c.poison(ctx, msg.ID, data, err)
			continue
		}
		out = append(out, Message{ID: msg.ID, Request: req})
	}
	return out
}

// Ack 确认消息已处理。
func (c *Consumer) Ack(ctx context.Context, msgID string) error {
	if err := c.queue.rdb.XAck(ctx, c.queue.stream, c.group, msgID).Err(); err != nil {
		return fmt.Errorf("xack failed: %w", err)
	}
	metrics.SyncQueueMessagesTotal.WithLabelValues("acked").Inc()
	return nil
}

// HandleFailure 未超过重试上限时重新入队，否则写入死信；两种情况都会确认原消息。
func (c *Consumer) HandleFailure(ctx context.Context, msg Message, cause error) (FailureAction, error) {
	if msg.Request == nil {
		return "", errors.New("message without request")
	}
	msg.Request.Retry++
	if msg.Request.Retry > c.maxRetry {
		data, _ := json.Marshal(msg.Request)
		if err := c.publishDeadLetter(ctx, msg.ID, string(data), cause); err != nil {
			return FailureActionDLQ, err
		}
		metrics.SyncQueueMessagesTotal.WithLabelValues("dead_lettered").Inc()
		return FailureActionDLQ, c.Ack(ctx, msg.ID)
	}
	if err := c.queue.Publish(ctx, msg.Request); err != nil {
		return FailureActionRetry, err
	}
	metrics.SyncQueueMessagesTotal.WithLabelValues("retried").Inc()
	return FailureActionRetry, c.Ack(ctx, msg.ID)
}

func (c *Consumer) poison(ctx context.Context, msgID, payload string, cause error) {
	if err := c.publishDeadLetter(ctx, msgID, payload, cause); err != nil {
		c.logger.Error("publish dead letter failed", slog.String("msg_id", msgID), slog.String("error", err.Error()))
	}
	metrics.SyncQueueMessagesTotal.WithLabelValues("poison").Inc()
	if err := c.Ack(ctx, msgID); err != nil {
		c.logger.Error("ack poison message failed", slog.String("msg_id", msgID), slog.String("error", err.Error()))
	}
}

func (c *Consumer) publishDeadLetter(ctx context.Context, msgID, payload string, cause error) error {
	return c.queue.publishRaw(ctx, c.deadLetter, map[string]interface{}{
		"original_id": msgID,
		"payload":     payload,
		"reason":      cause.Error(),
		"failed_at":   time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// Pending 返回消费者组中已读未确认的消息数。
func (c *Consumer) Pending(ctx context.Context) (int64, error) {
	info, err := c.queue.rdb.XPending(ctx, c.queue.stream, c.group).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending failed: %w", err)
	}
	return info.Count, nil
}
