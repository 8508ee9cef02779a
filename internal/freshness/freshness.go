// Package freshness 判断缓存的报价是否还能直接使用。
package freshness

import (
	"time"

	"pricesync/internal/model"
)

// StaleSources 返回需要重新抓取的来源，顺序与 sources 一致。
//
// 某来源只要有任一候选商品的该来源报价在窗口内同步过（LastSyncedAt >= now-window），
// 就视为新鲜；否则（包括从未抓取过）视为过期。各来源独立判断。
// 报价需要预加载 Source，未加载来源的报价不参与判断。
func StaleSources(products []model.Product, window time.Duration, sources []string, now time.Time) []string {
	latest := LastSynced(products)
	cutoff := now.Add(-window)

	stale := make([]string, 0, len(sources))
	for _, name := range sources {
		at, ok := latest[name]
		if !ok || at.Before(cutoff) {
			stale = append(stale, name)
		}
	}
	return stale
}

// LastSynced 返回每个来源最近一次同步时间。
func LastSynced(products []model.Product) map[string]time.Time {
	latest := make(map[string]time.Time)
	for i := range products {
		for j := range products[i].Listings {
			l := &products[i].Listings[j]
			name := l.SourceName()
			if name == "" || l.LastSyncedAt.IsZero() {
				continue
			}
			if l.LastSyncedAt.After(latest[name]) {
				latest[name] = l.LastSyncedAt
			}
		}
	}
	return latest
}
