package model

import (
	"time"
)

// Availability 取值。
const (
	AvailabilityInStock    = "in_stock"
	AvailabilityOutOfStock = "out_of_stock"
	AvailabilityPreOrder   = "pre_order"
	AvailabilityUnknown    = "unknown"
)

// 字符串列的最大长度（按字符计），与下方 gorm 标签一致。
const (
	MaxNameLen     = 255
	MaxBrandLen    = 100
	MaxCategoryLen = 100
	MaxImageURLLen = 500
	MaxNativeIDLen = 191
	MaxCurrencyLen = 8
	MaxDeliveryLen = 255
	MaxURLLen      = 500
)

// Product 表示目录中的一个商品。
//
// 同一商品可以在多个来源上架，每个来源对应一条 Listing。
// 同步流程只会创建或补全商品信息，从不删除。
type Product struct {
	ID        uint      `gorm:"primaryKey"` // 内部 ID
	CreatedAt time.Time // 创建时间
	UpdatedAt time.Time // 更新时间

	Name        string `gorm:"type:varchar(255);not null;index"` // 展示名称（精确匹配键）
	Brand       string `gorm:"type:varchar(100)"`                // 品牌
	Category    string `gorm:"type:varchar(100)"`                // 分类
	Description string `gorm:"type:text"`                        // 描述
	ImageURL    string `gorm:"type:varchar(500)"`                // 主图链接

	Listings []Listing `gorm:"foreignKey:ProductID"` // 各来源的报价
}

// Source 表示一个外部电商来源（如 amazon / flipkart）。
type Source struct {
	ID      uint   `gorm:"primaryKey"`
	Name    string `gorm:"type:varchar(100);uniqueIndex;not null"` // 来源名称（注册表键）
	BaseURL string `gorm:"type:varchar(255)"`                      // 来源站点根地址
}

// Listing 表示某商品在某来源上的一条报价。
//
// 唯一约束:
//   - (ProductID, SourceID): 每个商品在每个来源最多一条
//   - (SourceID, NativeID): 来源原生 ID 用于跨多次抓取识别同一条报价
//
// 数值字段为指针，nil 表示来源未提供该字段。
type Listing struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	ProductID uint     `gorm:"not null;uniqueIndex:idx_listing_product_source"`
	Product   *Product `gorm:"foreignKey:ProductID"`
	SourceID  uint     `gorm:"not null;uniqueIndex:idx_listing_product_source;uniqueIndex:idx_listing_source_native"`
	Source    *Source  `gorm:"foreignKey:SourceID"`
	NativeID  *string  `gorm:"type:varchar(191);uniqueIndex:idx_listing_source_native"` // 来源原生商品 ID（如 ASIN）

	Price         *float64  // 当前价格
	OriginalPrice *float64  // 原价
	DiscountPct   *float64  // 折扣百分比
	Rating        *float64  // 评分 (0-5)
	RatingCount   *int      // 评分人数
	Currency      string    `gorm:"type:varchar(8)"`
	Availability  string    `gorm:"type:varchar(32);default:unknown"` // in_stock / out_of_stock / pre_order / unknown
	Delivery      string    `gorm:"type:varchar(255)"`                // 配送说明
	URL           string    `gorm:"type:varchar(500);not null"`       // 来源商品页
	LastSyncedAt  time.Time `gorm:"index"`                            // 最近一次成功同步时间

	History []PriceHistory `gorm:"foreignKey:ListingID"`
}

// SourceName 返回已预加载的来源名称，未加载时返回空字符串。
func (l *Listing) SourceName() string {
	if l == nil || l.Source == nil {
		return ""
	}
	return l.Source.Name
}

// PriceHistory 是价格历史的只追加记录。
//
// 同一 Listing 的 RecordedAt 严格递增，记录从不修改或删除。
type PriceHistory struct {
	ID         uint      `gorm:"primaryKey"`
	ListingID  uint      `gorm:"not null;index:idx_history_listing_time"`
	Price      float64   `gorm:"not null"`
	RecordedAt time.Time `gorm:"not null;index:idx_history_listing_time"`
}

// TableName 固定历史表名。
func (PriceHistory) TableName() string {
	return "price_history"
}
