package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"pricesync/internal/model"
	"pricesync/internal/pkg/metrics"
	"pricesync/internal/source"
)

// ErrInvalidRecord 记录既没有原生 ID 也没有名称，无法对账。
var ErrInvalidRecord = errors.New("catalog: record cannot be reconciled")

// Outcome 单条记录的对账结果。
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
)

// Result 描述一次已提交的对账。
type Result struct {
	Source    string
	ProductID uint
	ListingID uint
	Outcome   Outcome
	Price     *float64
	SyncedAt  time.Time
}

// Observer 在对账提交后收到通知（例如降价提醒）。
type Observer interface {
	ListingReconciled(ctx context.Context, res Result)
}

// Reconciler 把来源记录写入目录。
//
// 匹配规则：
//  1. 按 (来源, 原生 ID) 找到报价则原地更新；
//  2. 否则按名称精确匹配商品（不存在则创建），再按 (商品, 来源) 查找报价，找到更新、找不到创建。
//
// 每条记录在一个事务内完成，报价写入后追加一条价格历史。
// 同一进程内相同自然键的对账串行执行；跨进程的并发写入由唯一索引兜底，冲突时重试一次。
type Reconciler struct {
	store     Store
	logger    *slog.Logger
	locks     *keyLock
	observers []Observer
	now       func() time.Time
}

// NewReconciler 创建对账器。
func NewReconciler(store Store, logger *slog.Logger, observers ...Observer) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:     store,
		logger:    logger,
		locks:     newKeyLock(),
		observers: observers,
		now:       time.Now,
	}
}

// Reconcile 对账一条记录。baseURL 用于首次创建来源。
func (r *Reconciler) Reconcile(ctx context.Context, rec source.Record, baseURL string) (Result, error) {
	rec.Name = strings.TrimSpace(rec.Name)
	rec.NativeID = strings.TrimSpace(rec.NativeID)
	clampRecord(&rec)
	if rec.Source == "" || (rec.NativeID == "" && rec.Name == "") {
		metrics.ReconcileTotal.WithLabelValues(rec.Source, "invalid").Inc()
		return Result{}, ErrInvalidRecord
	}

	unlock := r.locks.Lock(lockKeys(rec)...)
	defer unlock()

	res, err := r.reconcileOnce(ctx, rec, baseURL)
	if errors.Is(err, ErrConflict) {
		metrics.ReconcileConflictsTotal.WithLabelValues(rec.Source).Inc()
		r.logger.Warn("reconcile conflict, retrying with fresh read",
			slog.String("source", rec.Source),
			slog.String("native_id", rec.NativeID),
			slog.String("error", err.Error()))
		res, err = r.reconcileOnce(ctx, rec, baseURL)
		if errors.Is(err, ErrConflict) {
			metrics.ReconcileConflictsTotal.WithLabelValues(rec.Source).Inc()
			r.logger.Error("reconcile conflict persisted, record dropped",
				slog.String("source", rec.Source),
				slog.String("native_id", rec.NativeID),
				slog.String("name", rec.Name))
		}
	}
	if err != nil {
		metrics.ReconcileTotal.WithLabelValues(rec.Source, "failed").Inc()
		return Result{}, err
	}

	metrics.ReconcileTotal.WithLabelValues(rec.Source, string(res.Outcome)).Inc()
	for _, o := range r.observers {
		o.ListingReconciled(ctx, res)
	}
	return res, nil
}

func (r *Reconciler) reconcileOnce(ctx context.Context, rec source.Record, baseURL string) (Result, error) {
	var res Result
	err := r.store.Transaction(ctx, func(tx Tx) error {
		src, err := tx.FindOrCreateSource(rec.Source, baseURL)
		if err != nil {
			return err
		}

		var listing *model.Listing
		if rec.NativeID != "" {
			listing, err = tx.FindListingByNativeID(src.ID, rec.NativeID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return fmt.Errorf("find listing by native id: %w", err)
			}
		}

		var product *model.Product
		if listing != nil {
			if product, err = tx.GetProductByID(listing.ProductID); err != nil {
				return fmt.Errorf("load product %d: %w", listing.ProductID, err)
			}
		} else {
			if rec.Name == "" {
				return fmt.Errorf("%w: unmatched record without name", ErrInvalidRecord)
			}
			if product, err = r.resolveProduct(tx, rec); err != nil {
				return err
			}
			listing, err = tx.FindListingByProductSource(product.ID, src.ID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return fmt.Errorf("find listing by product: %w", err)
			}
		}

		if backfillProduct(product, rec) {
			if err := tx.UpdateProduct(product); err != nil {
				return fmt.Errorf("update product: %w", err)
			}
		}

		now := r.timestamp()
		if listing == nil {
			listing = &model.Listing{ProductID: product.ID, SourceID: src.ID}
			applyRecord(listing, rec, now)
			if err := tx.CreateListing(listing); err != nil {
				return fmt.Errorf("create listing: %w", err)
			}
			res.Outcome = OutcomeCreated
		} else {
			applyRecord(listing, rec, now)
			if err := tx.UpdateListing(listing); err != nil {
				return fmt.Errorf("update listing: %w", err)
			}
			res.Outcome = OutcomeUpdated
		}

		if listing.Price != nil {
			if err := appendHistory(tx, listing.ID, *listing.Price, now); err != nil {
				return err
			}
		}

		res.Source = src.Name
		res.ProductID = product.ID
		res.ListingID = listing.ID
		res.Price = copyFloat(listing.Price)
		res.SyncedAt = now
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func (r *Reconciler) resolveProduct(tx Tx, rec source.Record) (*model.Product, error) {
	product, err := tx.FindProductByName(rec.Name)
	if err == nil {
		return product, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("find product by name: %w", err)
	}
	product = &model.Product{
		Name:        rec.Name,
		Brand:       rec.Brand,
		Category:    rec.Category,
		Description: rec.Description,
		ImageURL:    rec.ImageURL,
	}
	if err := tx.CreateProduct(product); err != nil {
		return nil, fmt.Errorf("create product: %w", err)
	}
	return product, nil
}

// timestamp 精确到毫秒，与 MySQL datetime(3) 保持一致。
func (r *Reconciler) timestamp() time.Time {
	return r.now().UTC().Truncate(time.Millisecond)
}

// appendHistory 追加价格点，时间戳不晚于上一条时顺延 1ms。
func appendHistory(tx Tx, listingID uint, price float64, at time.Time) error {
	last, err := tx.LastHistory(listingID)
	switch {
	case err == nil:
		if !at.After(last.RecordedAt) {
			at = last.RecordedAt.Add(time.Millisecond)
		}
	case !errors.Is(err, ErrNotFound):
		return fmt.Errorf("load last history: %w", err)
	}
	if err := tx.AppendHistory(&model.PriceHistory{ListingID: listingID, Price: price, RecordedAt: at}); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// applyRecord 用记录覆盖报价字段，记录中缺失的字段保留原值。
func applyRecord(l *model.Listing, rec source.Record, now time.Time) {
	if rec.NativeID != "" {
		id := rec.NativeID
		l.NativeID = &id
	}
	if rec.Price != nil {
		l.Price = copyFloat(rec.Price)
	}
	if rec.OriginalPrice != nil {
		l.OriginalPrice = copyFloat(rec.OriginalPrice)
	}
	if rec.DiscountPct != nil {
		l.DiscountPct = copyFloat(rec.DiscountPct)
	}
	if rating := rec.EffectiveRating(); rating != nil {
		l.Rating = copyFloat(rating)
	}
	if rec.RatingCount != nil {
		n := *rec.RatingCount
		l.RatingCount = &n
	}
	if rec.Currency != "" {
		l.Currency = rec.Currency
	}
	if rec.Availability != "" && (rec.Availability != model.AvailabilityUnknown || l.Availability == "") {
		l.Availability = rec.Availability
	}
	if rec.Delivery != "" {
		l.Delivery = rec.Delivery
	}
	if rec.URL != "" {
		l.URL = rec.URL
	}
	l.LastSyncedAt = now
}

// backfillProduct 只补全空字段，返回是否有修改。
func backfillProduct(p *model.Product, rec source.Record) bool {
	changed := false
	fill := func(dst *string, v string) {
		if *dst == "" && v != "" {
			*dst = v
			changed = true
		}
	}
	fill(&p.Brand, rec.Brand)
	fill(&p.Category, rec.Category)
	fill(&p.Description, rec.Description)
	fill(&p.ImageURL, rec.ImageURL)
	return changed
}

func lockKeys(rec source.Record) []string {
	keys := make([]string, 0, 2)
	if rec.NativeID != "" {
		keys = append(keys, "listing|"+rec.Source+"|"+rec.NativeID)
	}
	if rec.Name != "" {
		keys = append(keys, "product|"+rec.Name)
	}
	return keys
}
