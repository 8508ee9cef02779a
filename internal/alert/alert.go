// Package alert 在报价更新后检查降价提醒并发送通知。
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"sync"
	"time"

	"pricesync/internal/catalog"
	"pricesync/internal/model"
	"pricesync/internal/pkg/metrics"
	"pricesync/internal/pkg/notify"
)

// ErrInvalidAlert 提醒参数不合法。
var ErrInvalidAlert = errors.New("alert: invalid alert")

// Store 是提醒相关的目录操作。
type Store interface {
	GetProduct(ctx context.Context, id uint) (*model.Product, error)
	CreateAlert(ctx context.Context, alert *model.PriceAlert) error
	ActiveAlerts(ctx context.Context, productID uint) ([]model.PriceAlert, error)
	MarkAlertTriggered(ctx context.Context, id uint, at time.Time) error
}

// Service 实现 catalog.Observer。
//
// 报价价格不高于目标价时，先把提醒标记为已触发（每条提醒只触发一次），再异步发送通知。
type Service struct {
	store    Store
	notifier notify.Notifier
	logger   *slog.Logger
	timeout  time.Duration

	wg sync.WaitGroup
}

// New 创建提醒服务。
func New(store Store, notifier notify.Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		notifier: notifier,
		logger:   logger,
		timeout:  30 * time.Second,
	}
}

// Create 创建一条降价提醒。
func (s *Service) Create(ctx context.Context, productID uint, email string, target float64) (*model.PriceAlert, error) {
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("%w: email %q: %v", ErrInvalidAlert, email, err)
	}
	if target <= 0 {
		return nil, fmt.Errorf("%w: target price must be positive, got %v", ErrInvalidAlert, target)
	}
	if _, err := s.store.GetProduct(ctx, productID); err != nil {
		return nil, fmt.Errorf("product %d: %w", productID, err)
	}
	a := &model.PriceAlert{ProductID: productID, Email: email, TargetPrice: target}
	if err := s.store.CreateAlert(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// ListingReconciled 检查商品上的有效提醒。
func (s *Service) ListingReconciled(ctx context.Context, res catalog.Result) {
	if res.Price == nil {
		return
	}
	alerts, err := s.store.ActiveAlerts(ctx, res.ProductID)
	if err != nil {
		s.logger.Warn("load price alerts failed",
			slog.Uint64("product_id", uint64(res.ProductID)),
			slog.String("error", err.Error()))
		return
	}
	price := *res.Price

	for _, a := range alerts {
		if price > a.TargetPrice {
			continue
		}
		if err := s.store.MarkAlertTriggered(ctx, a.ID, res.SyncedAt); err != nil {
			if !errors.Is(err, catalog.ErrNotFound) {
				s.logger.Warn("mark alert triggered failed",
					slog.Uint64("alert_id", uint64(a.ID)),
					slog.String("error", err.Error()))
			}
			continue
		}
		metrics.AlertsTotal.WithLabelValues("triggered").Inc()
		s.logger.Info("price alert triggered",
			slog.Uint64("alert_id", uint64(a.ID)),
			slog.Uint64("product_id", uint64(res.ProductID)),
			slog.String("source", res.Source),
			slog.Float64("price", price),
			slog.Float64("target", a.TargetPrice))

		s.wg.Add(1)
		go s.send(a, res, price)
	}
}

// send 在独立的 context 中发送，调用方的同步请求结束不影响通知。
func (s *Service) send(a model.PriceAlert, res catalog.Result, price float64) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			metrics.AlertsTotal.WithLabelValues("failed").Inc()
			s.logger.Error("alert notifier panic", slog.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	notice := notify.PriceAlert{
		To:          a.Email,
		Source:      res.Source,
		Price:       price,
		TargetPrice: a.TargetPrice,
	}
	if p, err := s.store.GetProduct(ctx, res.ProductID); err == nil {
		notice.ProductName = p.Name
		notice.ImageURL = p.ImageURL
		for _, l := range p.Listings {
			if l.ID == res.ListingID {
				notice.URL = l.URL
				notice.Currency = l.Currency
			}
		}
	}

	if err := s.notifier.SendPriceAlert(ctx, notice); err != nil {
		metrics.AlertsTotal.WithLabelValues("failed").Inc()
		s.logger.Error("send price alert failed",
			slog.Uint64("alert_id", uint64(a.ID)),
			slog.String("error", err.Error()))
		return
	}
	metrics.AlertsTotal.WithLabelValues("sent").Inc()
}

// Wait 等待已发出的通知完成。
func (s *Service) Wait() {
	s.wg.Wait()
}
