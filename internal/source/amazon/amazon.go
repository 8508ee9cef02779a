// Package amazon 实现 Amazon India 的抓取适配器。
package amazon

import (
	"net/url"
	"regexp"
	"strings"

	"pricesync/internal/model"
	"pricesync/internal/source"

	"github.com/PuerkitoBio/goquery"
)

const (
	Name           = "amazon"
	DefaultBaseURL = "https://www.amazon.in"
	currency       = "INR"
)

var asinPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/dp/([A-Z0-9]{10})`),
	regexp.MustCompile(`/gp/product/([A-Z0-9]{10})`),
	regexp.MustCompile(`/product/([A-Z0-9]{10})`),
}

// Adapter Amazon 适配器。
type Adapter struct {
	baseURL    string
	maxResults int
}

// New 创建适配器。baseURL 为空时使用默认站点，maxResults<=0 表示不限制。
func New(baseURL string, maxResults int) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Adapter{baseURL: strings.TrimRight(baseURL, "/"), maxResults: maxResults}
}

func (a *Adapter) Name() string    { return Name }
func (a *Adapter) BaseURL() string { return a.baseURL }

// BuildSearchTarget 构造搜索页请求。
func (a *Adapter) BuildSearchTarget(query string) source.Target {
	return source.Target{
		Source:       Name,
		URL:          a.baseURL + "/s?k=" + url.QueryEscape(query),
		Kind:         source.KindSearch,
		WaitSelector: `[data-component-type="s-search-result"]`,
	}
}

// BuildDetailTarget 构造详情页请求。
func (a *Adapter) BuildDetailTarget(asin string) source.Target {
	return source.Target{
		Source:       Name,
		URL:          a.productURL(asin),
		Kind:         source.KindDetail,
		WaitSelector: "#productTitle",
	}
}

// DetailTarget 为搜索结果构造详情页请求，优先使用 ASIN。
func (a *Adapter) DetailTarget(rec source.Record) (source.Target, bool) {
	asin := rec.NativeID
	if asin == "" {
		asin = a.ExtractSourceID(rec.URL)
	}
	if asin == "" {
		return source.Target{}, false
	}
	return a.BuildDetailTarget(asin), true
}

func (a *Adapter) productURL(asin string) string {
	return a.baseURL + "/dp/" + asin
}

// ExtractSourceID 从商品地址中提取 ASIN。
func (a *Adapter) ExtractSourceID(rawURL string) string {
	for _, re := range asinPatterns {
		if m := re.FindStringSubmatch(rawURL); len(m) == 2 {
			return m[1]
		}
	}
	return ""
}

// Parse 解析搜索页或详情页。
func (a *Adapter) Parse(page source.Page) ([]source.Record, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return nil, &source.ParseError{Source: Name, Reason: err.Error()}
	}
	if page.Target.Kind == source.KindDetail {
		return a.parseDetail(doc, page)
	}
	return a.parseSearch(doc), nil
}

func (a *Adapter) parseSearch(doc *goquery.Document) []source.Record {
	containers := doc.Find(`[data-component-type="s-search-result"]`)
	if containers.Length() == 0 {
		containers = doc.Find(`.s-result-item[data-asin]`)
	}

	var records []source.Record
	seen := make(map[string]bool)
	containers.EachWithBreak(func(_ int, item *goquery.Selection) bool {
		if a.maxResults > 0 && len(records) >= a.maxResults {
			return false
		}
		if isSponsored(item) {
			return true
		}
		rec, ok := a.parseSearchItem(item)
		if !ok || seen[rec.NativeID] {
			return true
		}
		seen[rec.NativeID] = true
		records = append(records, rec)
		return true
	})
	return records
}

func (a *Adapter) parseSearchItem(item *goquery.Selection) (source.Record, bool) {
	rec := source.Record{Source: Name, Currency: currency}

	href, _ := item.Find("h2 a, a.s-no-outline, .s-title-instructions-style a").First().Attr("href")
	rec.NativeID = a.ExtractSourceID(source.ResolveURL(a.baseURL, href))
	if rec.NativeID == "" {
		rec.NativeID, _ = item.Attr("data-asin")
	}
	if rec.NativeID == "" {
		return rec, false
	}
	// 搜索结果链接带有很长的跟踪参数，统一保存为 /dp/<ASIN>
	rec.URL = a.productURL(rec.NativeID)

	rec.Name = source.CleanText(item.Find("h2 span, h2").First().Text())
	if rec.Name == "" {
		return rec, false
	}

	if offscreen := item.Find(".a-price:not(.a-text-price) .a-offscreen").First(); offscreen.Length() > 0 {
		rec.Price = source.ParsePrice(offscreen.Text())
	}
	if rec.Price == nil {
		whole := item.Find(".a-price-whole").First().Text()
		if frac := item.Find(".a-price-fraction").First().Text(); whole != "" && frac != "" {
			whole = strings.TrimRight(whole, ".") + "." + frac
		}
		rec.Price = source.ParsePrice(whole)
	}
	rec.OriginalPrice = source.ParsePrice(item.Find(".a-price.a-text-price .a-offscreen").First().Text())
	rec.Rating = source.ParseRating(item.Find(".a-icon-alt").First().Text())
	if label, ok := item.Find(`[aria-label$="ratings"], [aria-label$="rating"]`).First().Attr("aria-label"); ok {
		rec.RatingCount = source.ParseCount(label)
	} else {
		rec.RatingCount = source.ParseCount(item.Find(".s-underline-text").First().Text())
	}
	rec.ImageURL, _ = item.Find("img.s-image").First().Attr("src")
	rec.Delivery = source.CleanText(item.Find(`[data-cy="delivery-recipe"]`).First().Text())
	rec.Availability = model.AvailabilityInStock
	if txt := item.Find(`[data-cy="availability-recipe"]`).First().Text(); txt != "" {
		rec.Availability = source.NormalizeAvailability(txt)
	}

	source.Finalize(&rec)
	return rec, true
}

func (a *Adapter) parseDetail(doc *goquery.Document, page source.Page) ([]source.Record, error) {
	title := source.CleanText(doc.Find("#productTitle").First().Text())
	if title == "" {
		title = source.CleanText(doc.Find("h1").First().Text())
	}
	if title == "" {
		return nil, &source.ParseError{Source: Name, Reason: "product title not found"}
	}

	rec := source.Record{Source: Name, Currency: currency, Name: title}
	pageURL := page.URL
	if pageURL == "" {
		pageURL = page.Target.URL
	}
	rec.NativeID = a.ExtractSourceID(pageURL)
	if rec.NativeID == "" {
		rec.NativeID, _ = doc.Find("#ASIN, input[name='ASIN']").First().Attr("value")
	}
	rec.URL = pageURL
	if rec.NativeID != "" {
		rec.URL = a.productURL(rec.NativeID)
	}

	rec.Brand = parseBrand(doc)
	rec.Category = parseBreadcrumb(doc)
	rec.Description = source.CleanText(firstText(doc, "#productDescription", "#feature-bullets"))
	for _, sel := range []string{"#landingImage", "#imgBlkFront", "#main-image"} {
		img := doc.Find(sel).First()
		if src, ok := img.Attr("src"); ok && src != "" {
			rec.ImageURL = src
			break
		}
		if src, ok := img.Attr("data-old-hires"); ok && src != "" {
			rec.ImageURL = src
			break
		}
	}

	for _, sel := range []string{
		"#corePriceDisplay_desktop_feature_div .a-price:not(.a-text-price) .a-offscreen",
		"#priceblock_dealprice",
		"#priceblock_ourprice",
		".a-price .a-offscreen",
		".a-price-whole",
	} {
		if rec.Price = source.ParsePrice(doc.Find(sel).First().Text()); rec.Price != nil {
			break
		}
	}
	for _, sel := range []string{".basisPrice .a-offscreen", ".a-price.a-text-price .a-offscreen", ".a-text-strike"} {
		if rec.OriginalPrice = source.ParsePrice(doc.Find(sel).First().Text()); rec.OriginalPrice != nil {
			break
		}
	}
	rec.DiscountPct = source.DiscountPct(rec.Price, rec.OriginalPrice)
	if rec.DiscountPct == nil {
		rec.DiscountPct = source.ParsePercentage(doc.Find(".savingsPercentage").First().Text())
	}

	rec.Rating = source.ParseRating(doc.Find("#acrPopover .a-icon-alt").First().Text())
	rec.RatingCount = source.ParseCount(doc.Find("#acrCustomerReviewText").First().Text())
	rec.Availability = source.NormalizeAvailability(source.CleanText(doc.Find("#availability").First().Text()))
	if rec.Availability == model.AvailabilityUnknown {
		buy := strings.ToLower(doc.Find("#buybox").Text())
		switch {
		case strings.Contains(buy, "add to cart"), strings.Contains(buy, "buy now"):
			rec.Availability = model.AvailabilityInStock
		case strings.Contains(buy, "currently unavailable"):
			rec.Availability = model.AvailabilityOutOfStock
		}
	}
	rec.Delivery = source.CleanText(firstText(doc, "#mir-layout-DELIVERY_BLOCK", "#deliveryBlockMessage", "#ddmDeliveryMessage"))

	source.Finalize(&rec)
	return []source.Record{rec}, nil
}

func isSponsored(item *goquery.Selection) bool {
	if _, ok := item.Attr("data-ad-id"); ok {
		return true
	}
	if item.Find(`.s-sponsored-label, [data-component-type="sp-sponsored-result"]`).Length() > 0 {
		return true
	}
	label := strings.ToLower(item.Find(`.puis-sponsored-label-text, [aria-label*="Sponsored"]`).Text())
	return strings.Contains(label, "sponsored")
}

func parseBrand(doc *goquery.Document) string {
	text := source.CleanText(firstText(doc, "#bylineInfo", "#brand", ".po-brand .po-break-word"))
	lower := strings.ToLower(text)
	for _, prefix := range []string{"visit the ", "brand: "} {
		if strings.HasPrefix(lower, prefix) {
			text = text[len(prefix):]
			lower = lower[len(prefix):]
		}
	}
	text = strings.TrimSuffix(text, " Store")
	return strings.TrimSpace(text)
}

func parseBreadcrumb(doc *goquery.Document) string {
	var parts []string
	doc.Find("#wayfinding-breadcrumbs_feature_div a").Each(func(_ int, s *goquery.Selection) {
		t := source.CleanText(s.Text())
		switch strings.ToLower(t) {
		case "", "all", "home", "amazon":
			return
		}
		parts = append(parts, t)
	})
	return strings.Join(parts, " > ")
}

func firstText(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if t := strings.TrimSpace(doc.Find(sel).First().Text()); t != "" {
			return t
		}
	}
	return ""
}
