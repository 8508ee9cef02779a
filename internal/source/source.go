// Package source 定义与具体电商站点无关的抓取契约。
//
// 每个站点实现一个 Adapter：构造搜索请求、把抓到的页面解析成标准化的 Record、
// 并声明站点原生 ID 的提取规则。Adapter 之间互不依赖，统一通过 Registry 按名称查找。
package source

import (
	"errors"
	"fmt"
	"time"

	"pricesync/internal/model"
)

// PageKind 页面类型。
type PageKind int

const (
	KindSearch PageKind = iota // 搜索结果页，解析出多条记录
	KindDetail                 // 商品详情页，解析出一条记录
)

func (k PageKind) String() string {
	switch k {
	case KindSearch:
		return "search"
	case KindDetail:
		return "detail"
	default:
		return "unknown"
	}
}

// Target 描述一次抓取请求。
type Target struct {
	Source       string   // 来源名称
	URL          string   // 目标地址
	Kind         PageKind // 页面类型
	WaitSelector string   // 浏览器模式下等待出现的元素（可选）
}

// Page 是抓取得到的原始页面。
type Page struct {
	Target     Target
	URL        string // 最终地址（可能经过跳转）
	StatusCode int    // HTTP 状态码，浏览器模式下为 0
	Title      string
	HTML       string
	FetchedAt  time.Time
}

// Record 是与站点无关的标准化商品记录。除 Source 外的字段都可能缺失。
type Record struct {
	Source        string
	NativeID      string
	URL           string
	Name          string
	Brand         string
	Category      string
	Description   string
	ImageURL      string
	Price         *float64
	OriginalPrice *float64
	DiscountPct   *float64
	Rating        *float64
	SellerRating  *float64
	RatingCount   *int
	Currency      string
	Availability  string
	Delivery      string
}

// EffectiveRating 返回商品评分；没有商品评分时退回到卖家评分。
func (r Record) EffectiveRating() *float64 {
	if r.Rating != nil {
		return r.Rating
	}
	return r.SellerRating
}

var (
	// ErrParse 页面整体无法解析（不是单个条目缺字段）。
	ErrParse = errors.New("parse page")
	// ErrBlocked 页面是反爬拦截页。抓取层将其视为临时错误。
	ErrBlocked = errors.New("blocked page")
	// ErrUnknownSource 注册表中没有该来源。
	ErrUnknownSource = errors.New("unknown source")
)

// ParseError 页面解析失败。
type ParseError struct {
	Source string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: parse page: %s", e.Source, e.Reason)
}

func (e *ParseError) Unwrap() error { return ErrParse }

// Adapter 是单个来源的抓取能力。
type Adapter interface {
	// Name 返回注册表中的来源名称。
	Name() string
	// BaseURL 返回站点根地址。
	BaseURL() string
	// BuildSearchTarget 根据查询词构造搜索请求。
	BuildSearchTarget(query string) Target
	// Parse 把页面解析为零或多条记录。缺字段的条目被跳过；只有整页不可用时才返回错误。
	Parse(page Page) ([]Record, error)
	// ExtractSourceID 从商品地址中提取站点原生 ID，提取失败返回空串。
	ExtractSourceID(url string) string
}

// DetailLinker 是可选能力：为搜索结果构造详情页请求，用于补全搜索页缺失的字段。
type DetailLinker interface {
	DetailTarget(rec Record) (Target, bool)
}

// NeedsDetail 判断记录是否缺少排序所需的关键字段。
func (r Record) NeedsDetail() bool {
	return r.Price == nil || r.EffectiveRating() == nil
}

// Merge 用详情页记录补全 r 中缺失的字段，已有字段保持不变。
func (r *Record) Merge(detail Record) {
	fillString := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	fillFloat := func(dst **float64, v *float64) {
		if *dst == nil && v != nil {
			x := *v
			*dst = &x
		}
	}
	fillString(&r.NativeID, detail.NativeID)
	fillString(&r.URL, detail.URL)
	fillString(&r.Name, detail.Name)
	fillString(&r.Brand, detail.Brand)
	fillString(&r.Category, detail.Category)
	fillString(&r.Description, detail.Description)
	fillString(&r.ImageURL, detail.ImageURL)
	fillString(&r.Currency, detail.Currency)
	fillString(&r.Delivery, detail.Delivery)
	fillFloat(&r.Price, detail.Price)
	fillFloat(&r.OriginalPrice, detail.OriginalPrice)
	fillFloat(&r.DiscountPct, detail.DiscountPct)
	fillFloat(&r.Rating, detail.Rating)
	fillFloat(&r.SellerRating, detail.SellerRating)
	if r.RatingCount == nil && detail.RatingCount != nil {
		n := *detail.RatingCount
		r.RatingCount = &n
	}
	if (r.Availability == "" || r.Availability == model.AvailabilityUnknown) && detail.Availability != "" {
		r.Availability = detail.Availability
	}
}
