package refresher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"pricesync/internal/pkg/syncqueue"
	"pricesync/internal/syncer"
)

const readErrorBackoff = time.Second

// Consumer 从 Redis Stream 读取同步请求并逐条执行。
//
// 执行成功后确认消息；失败时交给 syncqueue 重新入队或写入死信。
type Consumer struct {
	consumer *syncqueue.Consumer
	syncer   Syncer
	logger   *slog.Logger
}

// NewConsumer 创建消费者。
func NewConsumer(c *syncqueue.Consumer, s Syncer, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{consumer: c, syncer: s, logger: logger}
}

// Run 持续消费直到 ctx 取消。ctx 取消属于正常退出，返回 nil。
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("sync request consumer started")
	for {
		if ctx.Err() != nil {
			c.logger.Info("sync request consumer stopped")
			return nil
		}

		msgs, err := c.consumer.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.logger.Warn("read sync requests failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
			case <-time.After(readErrorBackoff):
			}
			continue
		}

		for _, msg := range msgs {
			c.handle(ctx, msg)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg syncqueue.Message) {
	req := msg.Request
	logger := c.logger.With(
		slog.String("msg_id", msg.ID),
		slog.String("request_id", req.ID),
		slog.String("query", req.Query))

	products, err := c.syncer.Sync(ctx, req.Query, syncer.Options{Force: req.Force})
	if err != nil {
		// 关闭过程中被取消的请求保持未确认，由其他消费者认领
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return
		}
		action, ferr := c.consumer.HandleFailure(ctx, msg, err)
		if ferr != nil {
			logger.Error("handle sync request failure", slog.String("error", ferr.Error()))
			return
		}
		logger.Warn("sync request failed",
			slog.String("action", string(action)),
			slog.Int("retry", req.Retry),
			slog.String("error", err.Error()))
		return
	}

	if err := c.consumer.Ack(ctx, msg.ID); err != nil {
		logger.Error("ack sync request failed", slog.String("error", err.Error()))
		return
	}
	logger.Info("sync request completed",
		slog.String("origin", req.Origin),
		slog.Int("products", len(products)))
}
