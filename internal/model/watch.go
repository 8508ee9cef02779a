package model

import "time"

// SavedSearch 是需要定期刷新的搜索关键词。
//
// refresher 按 cron 周期读取 Active 的记录并触发强制同步。
type SavedSearch struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time // 创建时间
	UpdatedAt time.Time // 更新时间

	Query     string     `gorm:"type:varchar(255);not null"` // 搜索关键词
	Active    bool       `gorm:"default:true"`               // 是否启用
	LastRunAt *time.Time // 上次刷新时间
}

// PriceAlert 表示用户设定的目标价提醒。
//
// 当商品任一来源的价格不高于 TargetPrice 时触发一次邮件通知，随后自动停用。
type PriceAlert struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time // 创建时间

	ProductID   uint       `gorm:"not null;index"`             // 关注的商品
	Email       string     `gorm:"type:varchar(191);not null"` // 通知邮箱
	TargetPrice float64    `gorm:"not null"`                   // 目标价
	Active      bool       `gorm:"default:true;index"`         // 是否仍然有效
	TriggeredAt *time.Time // 触发时间
}
