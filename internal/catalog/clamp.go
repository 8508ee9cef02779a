package catalog

import (
	"strings"
	"unicode/utf8"

	"pricesync/internal/model"
	"pricesync/internal/source"
)

const categorySep = " > "

// clampRecord 把文本字段截断到对应列宽，避免写库时报 Data too long。
// 名称和原生 ID 截断后仍是确定的，重复同步能匹配到同一条记录。
func clampRecord(rec *source.Record) {
	rec.Name = truncate(rec.Name, model.MaxNameLen)
	rec.NativeID = truncate(rec.NativeID, model.MaxNativeIDLen)
	rec.Brand = truncate(rec.Brand, model.MaxBrandLen)
	rec.Category = clampCategory(rec.Category, model.MaxCategoryLen)
	rec.ImageURL = clampURL(rec.ImageURL, model.MaxImageURLLen)
	rec.Currency = truncate(rec.Currency, model.MaxCurrencyLen)
	rec.Delivery = truncate(rec.Delivery, model.MaxDeliveryLen)
	rec.URL = clampURL(rec.URL, model.MaxURLLen)
}

// clampCategory 面包屑过长时从最外层开始丢弃，保留最具体的分类。
func clampCategory(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	parts := strings.Split(s, categorySep)
	for len(parts) > 1 && utf8.RuneCountInString(strings.Join(parts, categorySep)) > n {
		parts = parts[1:]
	}
	return truncate(strings.Join(parts, categorySep), n)
}

// clampURL 先去掉查询参数，仍然过长再截断。
func clampURL(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	if i := strings.IndexAny(s, "?#"); i > 0 {
		s = s[:i]
	}
	return truncate(s, n)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return strings.TrimSpace(s[:i])
		}
		count++
	}
	return s
}
