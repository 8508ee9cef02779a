package notify

import "context"

// PriceAlert 是一条降价提醒通知的内容。
type PriceAlert struct {
	To          string  // 接收邮箱
	ProductName string  // 商品名称
	ImageURL    string  // 商品主图
	Source      string  // 触发提醒的来源
	URL         string  // 来源商品页
	Price       float64 // 当前价格
	TargetPrice float64 // 用户设定的目标价
	Currency    string  // 币种，空时按 INR 展示
}

// Notifier 定义通知接口。
type Notifier interface {
	// SendPriceAlert 发送降价提醒。配置缺失时实现可以选择静默跳过。
	SendPriceAlert(ctx context.Context, alert PriceAlert) error
}
