// Package catalog 管理持久化的商品目录，并把抓取到的记录对账写入目录。
//
// Store 提供两类操作：
//   - 只读查询：按查询词模糊搜索商品（大小写不敏感的子串匹配）、按 ID 读取商品
//   - 事务：Transaction 内通过 Tx 完成一条记录的全部读写，要么全部提交，要么全部回滚
//
// Reconciler 在 Tx 之上实现"按 (来源, 原生 ID) 匹配，否则按名称精确匹配商品"的对账规则。
package catalog

import (
	"context"
	"errors"
	"time"

	"pricesync/internal/model"
)

var (
	// ErrNotFound 记录不存在。
	ErrNotFound = errors.New("catalog: not found")
	// ErrConflict 并发写入同一自然键（唯一约束冲突）。
	ErrConflict = errors.New("catalog: reconciliation conflict")
)

// Store 目录存储。
type Store interface {
	// Ping 检查存储是否可用。
	Ping(ctx context.Context) error

	// Transaction 在一个事务中执行 fn。fn 返回错误时回滚。
	Transaction(ctx context.Context, fn func(tx Tx) error) error

	// SearchProducts 返回名称包含 query 的商品（大小写不敏感），预加载 Listings 及其 Source。
	SearchProducts(ctx context.Context, query string) ([]model.Product, error)
	// GetProduct 按 ID 读取商品，预加载 Listings 及其 Source。
	GetProduct(ctx context.Context, id uint) (*model.Product, error)
	// ListHistory 返回报价的价格历史，按记录时间升序。
	ListHistory(ctx context.Context, listingID uint) ([]model.PriceHistory, error)

	// SaveSearch 保存一个需要定期刷新的搜索。
	SaveSearch(ctx context.Context, query string) (*model.SavedSearch, error)
	// ListActiveSearches 返回所有启用的收藏搜索。
	ListActiveSearches(ctx context.Context) ([]model.SavedSearch, error)
	// MarkSearchRun 记录收藏搜索的最近执行时间。
	MarkSearchRun(ctx context.Context, id uint, at time.Time) error

	// CreateAlert 创建降价提醒。
	CreateAlert(ctx context.Context, alert *model.PriceAlert) error
	// ActiveAlerts 返回商品上仍然有效的降价提醒。
	ActiveAlerts(ctx context.Context, productID uint) ([]model.PriceAlert, error)
	// MarkAlertTriggered 标记提醒已触发（同时置为无效）。
	MarkAlertTriggered(ctx context.Context, id uint, at time.Time) error
}

// Tx 是事务内可用的操作。
type Tx interface {
	// FindOrCreateSource 按名称查找来源，不存在时创建。
	FindOrCreateSource(name, baseURL string) (*model.Source, error)

	// FindListingByNativeID 按 (来源, 原生 ID) 查找报价，不存在返回 ErrNotFound。
	FindListingByNativeID(sourceID uint, nativeID string) (*model.Listing, error)
	// FindListingByProductSource 按 (商品, 来源) 查找报价，不存在返回 ErrNotFound。
	FindListingByProductSource(productID, sourceID uint) (*model.Listing, error)
	// CreateListing 创建报价。唯一约束冲突返回 ErrConflict。
	CreateListing(l *model.Listing) error
	// UpdateListing 覆盖写入报价的可变字段。
	UpdateListing(l *model.Listing) error

	// GetProductByID 按 ID 读取商品（不预加载关联）。
	GetProductByID(id uint) (*model.Product, error)
	// FindProductByName 按名称精确（区分大小写）匹配商品，不存在返回 ErrNotFound。
	FindProductByName(name string) (*model.Product, error)
	CreateProduct(p *model.Product) error
	UpdateProduct(p *model.Product) error

	// LastHistory 返回报价最近一条价格历史，不存在返回 ErrNotFound。
	LastHistory(listingID uint) (*model.PriceHistory, error)
	// AppendHistory 追加价格历史。
	AppendHistory(h *model.PriceHistory) error
}
