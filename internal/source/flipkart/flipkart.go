// Package flipkart 实现 Flipkart 的抓取适配器。
//
// Flipkart 的 class 名称经常随发版变化，这里同时保留了新旧两套选择器，
// 价格取不到时退回到容器文本中的 ₹ 金额。
package flipkart

import (
	"net/url"
	"regexp"
	"strings"

	"pricesync/internal/model"
	"pricesync/internal/source"

	"github.com/PuerkitoBio/goquery"
)

const (
	Name           = "flipkart"
	DefaultBaseURL = "https://www.flipkart.com"
	currency       = "INR"
)

const (
	nameSelector     = "._4rR01T, ._2WkVRV, .s1Q9rs, .KzDlHZ, .wjcEIp, .RG5Slk"
	priceSelector    = "._30jeq3, ._1_WHN1, .Nx9bqj"
	origSelector     = "._3I9_wc, .yRaY8j"
	discountSelector = "._3Ay6Sb, .UkUFwK"
	ratingSelector   = "._3LWZlK, .XQDdHH"
	countSelector    = "._2_R_DZ, .Wphh3N"
	imageSelector    = "img._396cs4, img.DByuf4, img._2r_T1I"
)

var (
	idPatterns = []*regexp.Regexp{
		regexp.MustCompile(`/p/([^/?]+)`),
		regexp.MustCompile(`pid=([^&]+)`),
	}
	rupeeRe = regexp.MustCompile(`₹\s*[0-9][0-9,]*`)
)

// Adapter Flipkart 适配器。
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

func (a *Adapter) BuildSearchTarget(query string) source.Target {
	return source.Target{
		Source:       Name,
		URL:          a.baseURL + "/search?q=" + url.QueryEscape(query),
		Kind:         source.KindSearch,
		WaitSelector: `a[href*="/p/"]`,
	}
}

// DetailTarget 详情页地址含有商品 slug，只能沿用搜索结果中的链接。
func (a *Adapter) DetailTarget(rec source.Record) (source.Target, bool) {
	if rec.URL == "" {
		return source.Target{}, false
	}
	return source.Target{
		Source:       Name,
		URL:          rec.URL,
		Kind:         source.KindDetail,
		WaitSelector: "h1",
	}, true
}

func (a *Adapter) ExtractSourceID(rawURL string) string {
	for _, re := range idPatterns {
		if m := re.FindStringSubmatch(rawURL); len(m) == 2 {
			return m[1]
		}
	}
	return ""
}

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
	containers := doc.Find("div[data-id]")
	if containers.Length() == 0 {
		// 没有 data-id 时以商品链接所在的父级块作为容器
		containers = doc.Find(`a[href*="/p/"]`).Parent()
	}

	var records []source.Record
	seen := make(map[string]bool)
	containers.EachWithBreak(func(_ int, item *goquery.Selection) bool {
		if a.maxResults > 0 && len(records) >= a.maxResults {
			return false
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

	link := item.Find(`a[href*="/p/"]`).First()
	if link.Length() == 0 && item.Is(`a[href*="/p/"]`) {
		link = item
	}
	href, _ := link.Attr("href")
	abs := source.ResolveURL(a.baseURL, href)
	if abs == "" {
		return rec, false
	}
	rec.NativeID = a.ExtractSourceID(abs)
	if rec.NativeID == "" {
		rec.NativeID, _ = item.Attr("data-id")
	}
	if rec.NativeID == "" {
		return rec, false
	}
	rec.URL = strings.SplitN(abs, "?", 2)[0]

	rec.Name = source.CleanText(item.Find(nameSelector).First().Text())
	if rec.Name == "" {
		if t, ok := link.Attr("title"); ok {
			rec.Name = source.CleanText(t)
		}
	}
	if rec.Name == "" {
		return rec, false
	}

	rec.Price = source.ParsePrice(item.Find(priceSelector).First().Text())
	rec.OriginalPrice = source.ParsePrice(item.Find(origSelector).First().Text())
	if rec.Price == nil {
		prices := rupeeRe.FindAllString(item.Text(), 2)
		if len(prices) > 0 {
			rec.Price = source.ParsePrice(prices[0])
		}
		if len(prices) > 1 && rec.OriginalPrice == nil {
			rec.OriginalPrice = source.ParsePrice(prices[1])
		}
	}
	rec.DiscountPct = source.ParsePercentage(item.Find(discountSelector).First().Text())
	rec.Rating = source.ParseRating(item.Find(ratingSelector).First().Text())
	rec.RatingCount = source.ParseCount(item.Find(countSelector).First().Text())
	rec.ImageURL, _ = item.Find(imageSelector).First().Attr("src")
	rec.Availability = model.AvailabilityInStock
	if item.Find("._192laR, ._2Tpdn3").Length() > 0 {
		rec.Availability = source.NormalizeAvailability(item.Find("._192laR, ._2Tpdn3").First().Text())
	}

	source.Finalize(&rec)
	return rec, true
}

func (a *Adapter) parseDetail(doc *goquery.Document, page source.Page) ([]source.Record, error) {
	name := source.CleanText(doc.Find("h1.CEn5rD > span.LMizgS, span.B_NuCI, h1.YH7t_4, h1 span").First().Text())
	if name == "" {
		name = source.CleanText(doc.Find("h1").First().Text())
	}
	if name == "" {
		return nil, &source.ParseError{Source: Name, Reason: "product title not found"}
	}

	rec := source.Record{Source: Name, Currency: currency, Name: name}
	rec.URL = page.URL
	if rec.URL == "" {
		rec.URL = page.Target.URL
	}
	rec.NativeID = a.ExtractSourceID(rec.URL)

	rec.Price = source.ParsePrice(doc.Find("div.hZ3P6w.bnqy13, div.Nx9bqj.CxhGGd, div._30jeq3._16Jk6d").First().Text())
	rec.OriginalPrice = source.ParsePrice(doc.Find("div.kRYCnD, div._3I9_wc._2p6lqe").First().Text())
	rec.Rating = source.ParseRating(doc.Find("div.MKiFS6, div.XQDdHH, div._3LWZlK").First().Text())
	rec.RatingCount = source.ParseCount(doc.Find("span.Wphh3N, span._2_R_DZ").First().Text())
	rec.ImageURL, _ = doc.Find("img.DByuf4, img._396cs4, img.q6DClP").First().Attr("src")
	rec.Description = source.CleanText(doc.Find("div._1mXcCf, div._4gvKMe").First().Text())
	rec.Delivery = source.CleanText(doc.Find("div._3XINqE, div.hVvnXm").First().Text())

	rec.Availability = model.AvailabilityUnknown
	if soldOut := doc.Find("div._16FRp0, div.Z8JjpR").First().Text(); soldOut != "" {
		rec.Availability = source.NormalizeAvailability(soldOut)
	} else if strings.Contains(strings.ToLower(doc.Find("button").Text()), "add to cart") {
		rec.Availability = model.AvailabilityInStock
	}

	var crumbs []string
	doc.Find("a._2whKao, a.R0cyWM").Each(func(_ int, s *goquery.Selection) {
		if t := source.CleanText(s.Text()); t != "" && !strings.EqualFold(t, "home") {
			crumbs = append(crumbs, t)
		}
	})
	rec.Category = strings.Join(crumbs, " > ")

	source.Finalize(&rec)
	return []source.Record{rec}, nil
}
