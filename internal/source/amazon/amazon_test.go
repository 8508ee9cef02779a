package amazon

import (
	"errors"
	"strings"
	"testing"

	"pricesync/internal/model"
	"pricesync/internal/source"
)

const searchHTML = `<html><head><title>Amazon.in : iphone</title></head><body>
<div data-component-type="s-search-result" data-asin="B0CHX1W1XY">
  <h2><a href="/Apple-iPhone-15-128-GB/dp/B0CHX1W1XY/ref=sr_1_1"><span>Apple iPhone 15 (128 GB) - Black</span></a></h2>
  <span class="a-icon-alt">4.5 out of 5 stars</span>
  <span aria-label="1,234 ratings">1,234</span>
  <span class="a-price"><span class="a-offscreen">₹69,900</span><span class="a-price-whole">69,900</span></span>
  <span class="a-price a-text-price"><span class="a-offscreen">₹79,900</span></span>
  <img class="s-image" src="https://m.media-amazon.com/images/I/1.jpg">
</div>
<div data-component-type="s-search-result" data-asin="B0SPONSOR1" data-ad-id="ad-1">
  <h2><a href="/dp/B0SPONSOR1"><span>Sponsored phone</span></a></h2>
</div>
<div data-component-type="s-search-result" data-asin="B0CHX2ABCD">
  <h2><a href="/sspa/click?spc=abc"><span>Apple iPhone 15 Plus</span></a></h2>
  <span class="a-price"><span class="a-price-whole">89,900.</span><span class="a-price-fraction">00</span></span>
</div>
<div data-component-type="s-search-result" data-asin="">
  <h2><a href="/gp/help">Help</a></h2>
</div>
</body></html>`

const detailHTML = `<html><head><title>Apple iPhone 15</title></head><body>
<div id="wayfinding-breadcrumbs_feature_div"><a>Electronics</a><a>Mobiles &amp; Accessories</a><a>Smartphones</a></div>
<span id="productTitle">  Apple iPhone 15 (128 GB) - Black </span>
<a id="bylineInfo">Visit the Apple Store</a>
<div id="corePriceDisplay_desktop_feature_div"><span class="a-price"><span class="a-offscreen">₹69,900.00</span></span></div>
<span class="basisPrice"><span class="a-offscreen">₹79,900.00</span></span>
<span id="acrPopover"><span class="a-icon-alt">4.6 out of 5 stars</span></span>
<span id="acrCustomerReviewText">2,345 ratings</span>
<div id="availability"><span>In stock</span></div>
<img id="landingImage" src="https://m.media-amazon.com/images/I/main.jpg">
<div id="mir-layout-DELIVERY_BLOCK">FREE delivery Tuesday</div>
</body></html>`

func TestBuildSearchTarget(t *testing.T) {
	a := New("", 0)
	target := a.BuildSearchTarget("iphone 15")
	if target.URL != "https://www.amazon.in/s?k=iphone+15" {
		t.Fatalf("url = %q", target.URL)
	}
	if target.Kind != source.KindSearch || target.Source != Name {
		t.Fatalf("unexpected target: %+v", target)
	}
}

func TestExtractSourceID(t *testing.T) {
	a := New("", 0)
	tests := map[string]string{
		"https://www.amazon.in/Apple-iPhone/dp/B0CHX1W1XY/ref=sr_1_1": "B0CHX1W1XY",
		"https://www.amazon.in/gp/product/B07XJ8C8F5?th=1":            "B07XJ8C8F5",
		"https://www.amazon.in/product/B012345678":                    "B012345678",
		"https://www.amazon.in/gp/help":                               "",
	}
	for in, want := range tests {
		if got := a.ExtractSourceID(in); got != want {
			t.Fatalf("ExtractSourceID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseSearch(t *testing.T) {
	a := New("https://www.amazon.in/", 0)
	records, err := a.Parse(source.Page{Target: a.BuildSearchTarget("iphone"), HTML: searchHTML})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records (sponsored and invalid skipped), got %d", len(records))
	}

	first := records[0]
	if first.NativeID != "B0CHX1W1XY" || first.Source != Name {
		t.Fatalf("unexpected first record identity: %+v", first)
	}
	if first.Name != "Apple iPhone 15 (128 GB) - Black" {
		t.Fatalf("name = %q", first.Name)
	}
	if first.Price == nil || *first.Price != 69900 {
		t.Fatalf("price = %v", first.Price)
	}
	if first.OriginalPrice == nil || *first.OriginalPrice != 79900 {
		t.Fatalf("original price = %v", first.OriginalPrice)
	}
	if first.DiscountPct == nil || *first.DiscountPct != 12.52 {
		t.Fatalf("discount = %v", first.DiscountPct)
	}
	if first.Rating == nil || *first.Rating != 4.5 {
		t.Fatalf("rating = %v", first.Rating)
	}
	if first.RatingCount == nil || *first.RatingCount != 1234 {
		t.Fatalf("rating count = %v", first.RatingCount)
	}
	if first.URL != "https://www.amazon.in/dp/B0CHX1W1XY" {
		t.Fatalf("url = %q", first.URL)
	}

	second := records[1]
	if second.NativeID != "B0CHX2ABCD" {
		t.Fatalf("expected data-asin fallback, got %q", second.NativeID)
	}
	if second.URL != "https://www.amazon.in/dp/B0CHX2ABCD" {
		t.Fatalf("expected canonical url, got %q", second.URL)
	}
	if second.Price == nil || *second.Price != 89900 {
		t.Fatalf("whole+fraction price = %v", second.Price)
	}
}

func TestParseSearch_TrackingHrefIsCanonical(t *testing.T) {
	href := "/Apple-iPhone-15-128-GB/dp/B0CHX1W1XY/ref=sr_1_1?crid=2M3QX&dib=" + strings.Repeat("eyJ2IjoiMSJ9", 60) + "&keywords=iphone&qid=1712345678&sr=8-1"
	html := `<div data-component-type="s-search-result" data-asin="B0CHX1W1XY">
  <h2><a href="` + href + `"><span>Apple iPhone 15 (128 GB) - Black</span></a></h2>
  <span class="a-price"><span class="a-offscreen">₹69,900</span></span>
</div>`

	a := New("", 0)
	records, err := a.Parse(source.Page{Target: a.BuildSearchTarget("iphone"), HTML: html})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	if got := records[0].URL; got != "https://www.amazon.in/dp/B0CHX1W1XY" {
		t.Fatalf("url = %q (len %d)", got, len(got))
	}
}

func TestParseDetail_PriceRangeUsesLowest(t *testing.T) {
	html := `<html><body>
<span id="productTitle">Acme Charger</span>
<span id="priceblock_ourprice">₹999 - ₹1,299</span>
</body></html>`

	a := New("", 0)
	target := a.BuildDetailTarget("B0ACMECHRG")
	records, err := a.Parse(source.Page{Target: target, URL: target.URL + "?th=1&psc=1", HTML: html})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	rec := records[0]
	if rec.Price == nil || *rec.Price != 999 {
		t.Fatalf("price = %v, want 999", rec.Price)
	}
	if rec.URL != "https://www.amazon.in/dp/B0ACMECHRG" {
		t.Fatalf("url = %q", rec.URL)
	}
}

func TestParseSearch_MaxResults(t *testing.T) {
	a := New("", 1)
	records, err := a.Parse(source.Page{Target: a.BuildSearchTarget("iphone"), HTML: searchHTML})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
}

func TestParseDetail(t *testing.T) {
	a := New("", 0)
	target := a.BuildDetailTarget("B0CHX1W1XY")
	records, err := a.Parse(source.Page{Target: target, URL: target.URL, HTML: detailHTML})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	rec := records[0]
	if rec.NativeID != "B0CHX1W1XY" {
		t.Fatalf("native id = %q", rec.NativeID)
	}
	if rec.Brand != "Apple" {
		t.Fatalf("brand = %q", rec.Brand)
	}
	if rec.Category != "Electronics > Mobiles & Accessories > Smartphones" {
		t.Fatalf("category = %q", rec.Category)
	}
	if rec.Price == nil || *rec.Price != 69900 || rec.DiscountPct == nil || *rec.DiscountPct != 12.52 {
		t.Fatalf("price/discount = %v/%v", rec.Price, rec.DiscountPct)
	}
	if rec.Rating == nil || *rec.Rating != 4.6 || rec.RatingCount == nil || *rec.RatingCount != 2345 {
		t.Fatalf("rating = %v count = %v", rec.Rating, rec.RatingCount)
	}
	if rec.Availability != model.AvailabilityInStock {
		t.Fatalf("availability = %q", rec.Availability)
	}
	if rec.ImageURL != "https://m.media-amazon.com/images/I/main.jpg" {
		t.Fatalf("image = %q", rec.ImageURL)
	}
	if rec.Delivery != "FREE delivery Tuesday" {
		t.Fatalf("delivery = %q", rec.Delivery)
	}
}

func TestParseDetail_MissingTitle(t *testing.T) {
	a := New("", 0)
	target := a.BuildDetailTarget("B0CHX1W1XY")
	_, err := a.Parse(source.Page{Target: target, HTML: "<html><body><div>nothing</div></body></html>"})
	if !errors.Is(err, source.ErrParse) {
		t.Fatalf("expected ErrParse, got %v", err)
	}
}

func TestDetailTarget(t *testing.T) {
	a := New("https://amazon.test/", 0)
	var _ source.DetailLinker = a

	target, ok := a.DetailTarget(source.Record{URL: "https://amazon.test/x/dp/B0CHX1W1XY/ref=1"})
	if !ok || target.URL != "https://amazon.test/dp/B0CHX1W1XY" || target.Kind != source.KindDetail {
		t.Fatalf("unexpected detail target: %+v ok=%v", target, ok)
	}
	if _, ok := a.DetailTarget(source.Record{URL: "https://amazon.test/gp/help"}); ok {
		t.Fatalf("expected no detail target without ASIN")
	}
}
