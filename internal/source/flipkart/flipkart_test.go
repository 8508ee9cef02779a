package flipkart

import (
	"testing"

	"pricesync/internal/model"
	"pricesync/internal/source"
)

const searchHTML = `<html><head><title>Iphone 15- Buy Products Online at Best Price in India</title></head><body>
<div data-id="MOBGTAGPTB3VS24W">
  <a class="CGtC98" href="/apple-iphone-15-black-128-gb/p/itm6ac6485515ae4?pid=MOBGTAGPTB3VS24W&lid=LSTMOB">
    <img class="DByuf4" src="https://rukminim2.flixcart.com/image/1.jpeg">
    <div class="KzDlHZ">Apple iPhone 15 (Black, 128 GB)</div>
    <div class="XQDdHH">4.6</div>
    <span class="Wphh3N">1,23,456 Ratings &amp; 5,678 Reviews</span>
    <div class="Nx9bqj">₹65,999</div>
    <div class="yRaY8j">₹79,900</div>
    <div class="UkUFwK"><span>17% off</span></div>
  </a>
</div>
<div data-id="MOBNOPRICE0001">
  <a href="/some-phone/p/itmnoprice?pid=MOBNOPRICE0001"><div class="wjcEIp">Some Phone</div><span>₹12,499</span><span>₹15,999</span></a>
</div>
<div data-id="BROKEN">
  <a href="/helpcentre">help</a>
</div>
</body></html>`

const detailHTML = `<html><head><title>Apple iPhone 15</title></head><body>
<a class="R0cyWM">Home</a><a class="R0cyWM">Mobiles &amp; Accessories</a><a class="R0cyWM">Mobiles</a>
<h1 class="_6EBuvT"><span class="VU-ZEz">Apple iPhone 15 (Black, 128 GB)</span></h1>
<div class="Nx9bqj CxhGGd">₹65,999</div>
<div class="kRYCnD">₹79,900</div>
<div class="XQDdHH">4.6</div>
<span class="Wphh3N">2,000 Ratings</span>
<img class="DByuf4" src="https://rukminim2.flixcart.com/image/main.jpeg">
<button>ADD TO CART</button>
</body></html>`

func TestBuildSearchTarget(t *testing.T) {
	a := New("", 0)
	target := a.BuildSearchTarget("iphone 15")
	if target.URL != "https://www.flipkart.com/search?q=iphone+15" {
		t.Fatalf("url = %q", target.URL)
	}
	if target.Source != Name || target.Kind != source.KindSearch {
		t.Fatalf("unexpected target: %+v", target)
	}
}

func TestExtractSourceID(t *testing.T) {
	a := New("", 0)
	tests := map[string]string{
		"https://www.flipkart.com/apple-iphone-15/p/itm6ac6485515ae4?pid=MOB1": "itm6ac6485515ae4",
		"https://www.flipkart.com/product?pid=MOBGTAGPTB3VS24W&lid=2":          "MOBGTAGPTB3VS24W",
		"https://www.flipkart.com/helpcentre":                                  "",
	}
	for in, want := range tests {
		if got := a.ExtractSourceID(in); got != want {
			t.Fatalf("ExtractSourceID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseSearch(t *testing.T) {
	a := New("", 0)
	records, err := a.Parse(source.Page{Target: a.BuildSearchTarget("iphone"), HTML: searchHTML})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}

	first := records[0]
	if first.NativeID != "itm6ac6485515ae4" {
		t.Fatalf("native id = %q", first.NativeID)
	}
	if first.URL != "https://www.flipkart.com/apple-iphone-15-black-128-gb/p/itm6ac6485515ae4" {
		t.Fatalf("url = %q", first.URL)
	}
	if first.Name != "Apple iPhone 15 (Black, 128 GB)" {
		t.Fatalf("name = %q", first.Name)
	}
	if first.Price == nil || *first.Price != 65999 || first.OriginalPrice == nil || *first.OriginalPrice != 79900 {
		t.Fatalf("prices = %v / %v", first.Price, first.OriginalPrice)
	}
	if first.DiscountPct == nil || *first.DiscountPct != 17 {
		t.Fatalf("discount badge = %v", first.DiscountPct)
	}
	if first.Rating == nil || *first.Rating != 4.6 {
		t.Fatalf("rating = %v", first.Rating)
	}
	if first.RatingCount == nil || *first.RatingCount != 123456 {
		t.Fatalf("rating count = %v", first.RatingCount)
	}

	second := records[1]
	if second.Price == nil || *second.Price != 12499 || second.OriginalPrice == nil || *second.OriginalPrice != 15999 {
		t.Fatalf("text fallback prices = %v / %v", second.Price, second.OriginalPrice)
	}
	if second.DiscountPct == nil || *second.DiscountPct != 21.88 {
		t.Fatalf("derived discount = %v", second.DiscountPct)
	}
}

func TestParseSearch_WithoutDataID(t *testing.T) {
	a := New("", 0)
	html := `<html><body><div><a href="/x-phone/p/itmx1"><div class="KzDlHZ">X Phone</div></a><div class="Nx9bqj">₹100</div></div></body></html>`
	records, err := a.Parse(source.Page{Target: a.BuildSearchTarget("x"), HTML: html})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(records) != 1 || records[0].NativeID != "itmx1" || *records[0].Price != 100 {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestParseDetail(t *testing.T) {
	a := New("", 0)
	url := "https://www.flipkart.com/apple-iphone-15/p/itm6ac6485515ae4?pid=MOBGTAGPTB3VS24W"
	target := source.Target{Source: Name, URL: url, Kind: source.KindDetail}
	records, err := a.Parse(source.Page{Target: target, URL: url, HTML: detailHTML})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	rec := records[0]
	if rec.NativeID != "itm6ac6485515ae4" || rec.Name != "Apple iPhone 15 (Black, 128 GB)" {
		t.Fatalf("identity = %q / %q", rec.NativeID, rec.Name)
	}
	if rec.DiscountPct == nil || *rec.DiscountPct != 17.4 {
		t.Fatalf("discount = %v", rec.DiscountPct)
	}
	if rec.Availability != model.AvailabilityInStock {
		t.Fatalf("availability = %q", rec.Availability)
	}
	if rec.Category != "Mobiles & Accessories > Mobiles" {
		t.Fatalf("category = %q", rec.Category)
	}
	if rec.RatingCount == nil || *rec.RatingCount != 2000 {
		t.Fatalf("rating count = %v", rec.RatingCount)
	}
}

func TestDetailTarget(t *testing.T) {
	a := New("", 0)
	var _ source.DetailLinker = a

	url := "https://www.flipkart.com/acme-phone/p/itm6ac6485515ae4"
	target, ok := a.DetailTarget(source.Record{URL: url})
	if !ok || target.URL != url || target.Kind != source.KindDetail {
		t.Fatalf("unexpected detail target: %+v ok=%v", target, ok)
	}
	if _, ok := a.DetailTarget(source.Record{}); ok {
		t.Fatalf("expected no detail target without url")
	}
}
