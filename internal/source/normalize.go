package source

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"pricesync/internal/model"

	"github.com/shopspring/decimal"
)

var (
	numberRe = regexp.MustCompile(`\d+(?:\.\d+)?`)
	priceRe  = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)
	spaceRe  = regexp.MustCompile(`\s+`)

	inStockHints    = []string{"in stock", "available", "add to cart", "buy now"}
	outOfStockHints = []string{"out of stock", "unavailable", "sold out"}
	preOrderHints   = []string{"pre-order", "preorder", "coming soon"}

	hundred = decimal.NewFromInt(100)
	ten     = decimal.NewFromInt(10)
	five    = decimal.NewFromInt(5)
)

// ParsePrice 解析价格文本（如 "₹1,23,456.50"），无法解析时返回 nil。
// 区间价（如 "₹999 - ₹1,299"）取第一个价格，即最低价。
func ParsePrice(text string) *float64 {
	m := priceRe.FindString(text)
	if m == "" {
		return nil
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(m, ",", ""))
	if err != nil || d.IsNegative() {
		return nil
	}
	return floatPtr(d.Round(2))
}

// ParseRating 提取文本中的第一个数字作为评分（0-5），大于 5 的按十分制折算。
func ParseRating(text string) *float64 {
	m := numberRe.FindString(text)
	if m == "" {
		return nil
	}
	d, err := decimal.NewFromString(m)
	if err != nil {
		return nil
	}
	if d.GreaterThan(five) {
		d = d.Div(ten)
	}
	return floatPtr(d.Round(2))
}

// ParsePercentage 提取文本中的百分比数值（如 "25% off"）。
func ParsePercentage(text string) *float64 {
	m := numberRe.FindString(text)
	if m == "" {
		return nil
	}
	d, err := decimal.NewFromString(m)
	if err != nil {
		return nil
	}
	return floatPtr(d.Round(2))
}

// ParseCount 解析计数文本（如 "(12,345 ratings)"）。
func ParseCount(text string) *int {
	digits := strings.ReplaceAll(text, ",", "")
	m := numberRe.FindString(digits)
	if m == "" {
		return nil
	}
	if i := strings.IndexByte(m, '.'); i >= 0 {
		m = m[:i]
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return nil
	}
	return &n
}

// DiscountPct 根据现价与原价计算折扣百分比；原价不高于现价时返回 nil。
func DiscountPct(price, original *float64) *float64 {
	if price == nil || original == nil {
		return nil
	}
	p := decimal.NewFromFloat(*price)
	o := decimal.NewFromFloat(*original)
	if !o.GreaterThan(p) || !o.IsPositive() {
		return nil
	}
	return floatPtr(o.Sub(p).Div(o).Mul(hundred).Round(2))
}

// NormalizeAvailability 把站点的库存文案归一化。
func NormalizeAvailability(text string) string {
	lower := strings.ToLower(text)
	if lower == "" {
		return model.AvailabilityUnknown
	}
	// 先判断缺货："unavailable" 包含 "available"
	switch {
	case containsAny(lower, outOfStockHints):
		return model.AvailabilityOutOfStock
	case containsAny(lower, preOrderHints):
		return model.AvailabilityPreOrder
	case containsAny(lower, inStockHints):
		return model.AvailabilityInStock
	default:
		return model.AvailabilityUnknown
	}
}

// CleanText 去除首尾空白并折叠中间空白。
func CleanText(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

// ResolveURL 把相对地址解析为绝对地址；非 http(s) 链接返回空串。
func ResolveURL(base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "javascript:") {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	abs := b.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	return abs.String()
}

// Finalize 补齐可推导的字段。
func Finalize(rec *Record) {
	if rec.DiscountPct == nil {
		rec.DiscountPct = DiscountPct(rec.Price, rec.OriginalPrice)
	}
	if rec.Availability == "" {
		rec.Availability = model.AvailabilityUnknown
	}
	rec.Name = CleanText(rec.Name)
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func floatPtr(d decimal.Decimal) *float64 {
	f := d.InexactFloat64()
	return &f
}
