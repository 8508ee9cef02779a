package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pricesync/internal/config"
	"pricesync/internal/model"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"
)

// GormStore 基于 gorm 的目录存储，支持 MySQL 与 PostgreSQL。
type GormStore struct {
	db *gorm.DB
}

// Open 按驱动打开数据库连接，autoMigrate 为 true 时同步表结构。
func Open(driver, dsn string, autoMigrate bool) (*GormStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case config.DriverMySQL:
		dialector = mysql.Open(dsn)
	case config.DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported catalog driver: %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormLogger.Default.LogMode(gormLogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}
	if autoMigrate {
		if err := Migrate(db); err != nil {
			return nil, err
		}
	}
	return NewGormStore(db), nil
}

// Migrate 同步目录相关的表结构。
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.Source{},
		&model.Product{},
		&model.Listing{},
		&model.PriceHistory{},
		&model.SavedSearch{},
		&model.PriceAlert{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// NewGormStore 使用已有连接创建存储。
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Ping 检查数据库连通性。
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭底层连接池。
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&gormTx{db: db})
	})
}

func (s *GormStore) SearchProducts(ctx context.Context, query string) ([]model.Product, error) {
	var products []model.Product
	pattern := "%" + escapeLike(strings.ToLower(strings.TrimSpace(query))) + "%"
	err := s.db.WithContext(ctx).
		Preload("Listings", func(db *gorm.DB) *gorm.DB { return db.Order("listings.id ASC") }).
		Preload("Listings.Source").
		Where("LOWER(name) LIKE ?", pattern).
		Order("id ASC").
		Find(&products).Error
	if err != nil {
		return nil, fmt.Errorf("search products: %w", err)
	}
	return products, nil
}

func (s *GormStore) GetProduct(ctx context.Context, id uint) (*model.Product, error) {
	var product model.Product
	err := s.db.WithContext(ctx).
		Preload("Listings", func(db *gorm.DB) *gorm.DB { return db.Order("listings.id ASC") }).
		Preload("Listings.Source").
		First(&product, id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &product, nil
}

func (s *GormStore) ListHistory(ctx context.Context, listingID uint) ([]model.PriceHistory, error) {
	var points []model.PriceHistory
	err := s.db.WithContext(ctx).
		Where("listing_id = ?", listingID).
		Order("recorded_at ASC").
		Order("id ASC").
		Find(&points).Error
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return points, nil
}

func (s *GormStore) SaveSearch(ctx context.Context, query string) (*model.SavedSearch, error) {
	query = strings.TrimSpace(query)
	var search model.SavedSearch
	err := s.db.WithContext(ctx).Where("query = ?", query).First(&search).Error
	switch {
	case err == nil:
		if !search.Active {
			if err := s.db.WithContext(ctx).Model(&search).Update("active", true).Error; err != nil {
				return nil, fmt.Errorf("reactivate search: %w", err)
			}
		}
		return &search, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		search = model.SavedSearch{Query: query, Active: true}
		if err := s.db.WithContext(ctx).Create(&search).Error; err != nil {
			return nil, fmt.Errorf("create search: %w", translate(err))
		}
		return &search, nil
	default:
		return nil, fmt.Errorf("find search: %w", err)
	}
}

func (s *GormStore) ListActiveSearches(ctx context.Context) ([]model.SavedSearch, error) {
	var searches []model.SavedSearch
	if err := s.db.WithContext(ctx).Where("active = ?", true).Order("id ASC").Find(&searches).Error; err != nil {
		return nil, fmt.Errorf("list searches: %w", err)
	}
	return searches, nil
}

func (s *GormStore) MarkSearchRun(ctx context.Context, id uint, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&model.SavedSearch{}).Where("id = ?", id).Update("last_run_at", at)
	if res.Error != nil {
		return fmt.Errorf("mark search run: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) CreateAlert(ctx context.Context, alert *model.PriceAlert) error {
	alert.Active = true
	if err := s.db.WithContext(ctx).Create(alert).Error; err != nil {
		return fmt.Errorf("create alert: %w", translate(err))
	}
	return nil
}

func (s *GormStore) ActiveAlerts(ctx context.Context, productID uint) ([]model.PriceAlert, error) {
	var alerts []model.PriceAlert
	err := s.db.WithContext(ctx).
		Where("product_id = ? AND active = ?", productID, true).
		Order("id ASC").
		Find(&alerts).Error
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return alerts, nil
}

// MarkAlertTriggered 只更新仍然有效的提醒，已触发过的返回 ErrNotFound。
func (s *GormStore) MarkAlertTriggered(ctx context.Context, id uint, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&model.PriceAlert{}).
		Where("id = ? AND active = ?", id, true).
		Updates(map[string]interface{}{"active": false, "triggered_at": at})
	if res.Error != nil {
		return fmt.Errorf("mark alert triggered: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) FindOrCreateSource(name, baseURL string) (*model.Source, error) {
	src := model.Source{Name: name, BaseURL: baseURL}
	// 并发首次创建时依赖唯一索引，冲突后统一回读
	if err := t.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&src).Error; err != nil {
		return nil, fmt.Errorf("create source %s: %w", name, translate(err))
	}
	var out model.Source
	if err := t.db.Where("name = ?", name).First(&out).Error; err != nil {
		return nil, fmt.Errorf("load source %s: %w", name, translate(err))
	}
	return &out, nil
}

func (t *gormTx) FindListingByNativeID(sourceID uint, nativeID string) (*model.Listing, error) {
	var l model.Listing
	if err := t.db.Where("source_id = ? AND native_id = ?", sourceID, nativeID).First(&l).Error; err != nil {
		return nil, translate(err)
	}
	return &l, nil
}

func (t *gormTx) FindListingByProductSource(productID, sourceID uint) (*model.Listing, error) {
	var l model.Listing
	if err := t.db.Where("product_id = ? AND source_id = ?", productID, sourceID).First(&l).Error; err != nil {
		return nil, translate(err)
	}
	return &l, nil
}

func (t *gormTx) CreateListing(l *model.Listing) error {
	if err := t.db.Omit(clause.Associations).Create(l).Error; err != nil {
		return translate(err)
	}
	return nil
}

func (t *gormTx) UpdateListing(l *model.Listing) error {
	if err := t.db.Omit(clause.Associations).Save(l).Error; err != nil {
		return translate(err)
	}
	return nil
}

func (t *gormTx) GetProductByID(id uint) (*model.Product, error) {
	var p model.Product
	if err := t.db.First(&p, id).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

// FindProductByName MySQL 的默认排序规则不区分大小写，因此在内存中再做一次精确比较。
func (t *gormTx) FindProductByName(name string) (*model.Product, error) {
	var candidates []model.Product
	if err := t.db.Where("name = ?", name).Order("id ASC").Find(&candidates).Error; err != nil {
		return nil, translate(err)
	}
	for i := range candidates {
		if candidates[i].Name == name {
			return &candidates[i], nil
		}
	}
	return nil, ErrNotFound
}

func (t *gormTx) CreateProduct(p *model.Product) error {
	if err := t.db.Omit(clause.Associations).Create(p).Error; err != nil {
		return translate(err)
	}
	return nil
}

func (t *gormTx) UpdateProduct(p *model.Product) error {
	if err := t.db.Omit(clause.Associations).Save(p).Error; err != nil {
		return translate(err)
	}
	return nil
}

func (t *gormTx) LastHistory(listingID uint) (*model.PriceHistory, error) {
	var h model.PriceHistory
	err := t.db.Where("listing_id = ?", listingID).
		Order("recorded_at DESC").
		Order("id DESC").
		First(&h).Error
	if err != nil {
		return nil, translate(err)
	}
	return &h, nil
}

func (t *gormTx) AppendHistory(h *model.PriceHistory) error {
	if err := t.db.Create(h).Error; err != nil {
		return translate(err)
	}
	return nil
}

// translate 把 gorm 错误映射为目录包的哨兵错误。
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	default:
		return err
	}
}

// escapeLike 转义 LIKE 模式中的通配符，MySQL 与 PostgreSQL 默认转义符均为反斜杠。
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
