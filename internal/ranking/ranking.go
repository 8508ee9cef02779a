// Package ranking 对同一商品的多条报价打分排序。
//
// 综合分 = 0.4*折扣分 + 0.4*价格分 + 0.2*评分分，三个子分都归一化到 [0,1]：
//
//	折扣分 = min(discount / (maxDiscount + ε), 1)          缺失按 0
//	价格分 = 1 - min((price - minPrice) / (maxPrice - minPrice + ε), 1)   缺失按集合最高价
//	评分分 = min(rating / (maxRating + ε), 1)              缺失按 0
//
// 排序：综合分降序，其次价格升序、来源名升序、报价 ID 升序，结果是全序。
package ranking

import (
	"errors"
	"math"
	"sort"

	"pricesync/internal/model"
)

const (
	WeightDiscount = 0.4
	WeightPrice    = 0.4
	WeightRating   = 0.2

	// Epsilon 防止单条报价或取值全部相同时除零。
	Epsilon = 1e-8
)

// ErrNoListings 没有可排序的报价。
var ErrNoListings = errors.New("ranking: no listings")

// Breakdown 归一化后的子分。
type Breakdown struct {
	Discount float64 `json:"discount"`
	Price    float64 `json:"price"`
	Rating   float64 `json:"rating"`
}

// Scored 是带分数的报价。
type Scored struct {
	Listing   model.Listing `json:"listing"`
	Score     float64       `json:"score"`
	Breakdown Breakdown     `json:"breakdown"`
}

type bounds struct {
	maxDiscount float64
	minPrice    float64
	maxPrice    float64
	maxRating   float64
}

// Rank 计算每条报价的综合分并排序，输入不会被修改。
func Rank(listings []model.Listing) ([]Scored, error) {
	if len(listings) == 0 {
		return nil, ErrNoListings
	}
	b := computeBounds(listings)

	out := make([]Scored, len(listings))
	for i, l := range listings {
		bd := Breakdown{
			Discount: clamp01(value(l.DiscountPct, 0) / (b.maxDiscount + Epsilon)),
			Price:    1 - clamp01((effectivePrice(l, b)-b.minPrice)/(b.maxPrice-b.minPrice+Epsilon)),
			Rating:   clamp01(value(l.Rating, 0) / (b.maxRating + Epsilon)),
		}
		out[i] = Scored{
			Listing:   l,
			Score:     WeightDiscount*bd.Discount + WeightPrice*bd.Price + WeightRating*bd.Rating,
			Breakdown: bd,
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, c := out[i], out[j]
		if a.Score != c.Score {
			return a.Score > c.Score
		}
		pa, pc := effectivePrice(a.Listing, b), effectivePrice(c.Listing, b)
		if pa != pc {
			return pa < pc
		}
		if sa, sc := a.Listing.SourceName(), c.Listing.SourceName(); sa != sc {
			return sa < sc
		}
		return a.Listing.ID < c.Listing.ID
	})
	return out, nil
}

// BestDeal 返回价格最低的报价，价格相同时取先出现的；没有价格的报价不参与。
func BestDeal(listings []model.Listing) (model.Listing, error) {
	best := -1
	for i, l := range listings {
		if l.Price == nil {
			continue
		}
		if best < 0 || *l.Price < *listings[best].Price {
			best = i
		}
	}
	if best < 0 {
		return model.Listing{}, ErrNoListings
	}
	return listings[best], nil
}

func computeBounds(listings []model.Listing) bounds {
	var b bounds
	priced := false
	for _, l := range listings {
		if d := value(l.DiscountPct, 0); d > b.maxDiscount {
			b.maxDiscount = d
		}
		if r := value(l.Rating, 0); r > b.maxRating {
			b.maxRating = r
		}
		if l.Price == nil {
			continue
		}
		p := *l.Price
		if !priced {
			b.minPrice, b.maxPrice = p, p
			priced = true
			continue
		}
		b.minPrice = math.Min(b.minPrice, p)
		b.maxPrice = math.Max(b.maxPrice, p)
	}
	return b
}

// effectivePrice 缺失价格按集合最高价处理。
func effectivePrice(l model.Listing, b bounds) float64 {
	return value(l.Price, b.maxPrice)
}

func value(v *float64, fallback float64) float64 {
	if v == nil || math.IsNaN(*v) {
		return fallback
	}
	return *v
}

func clamp01(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
