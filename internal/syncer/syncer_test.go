package syncer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pricesync/internal/catalog"
	"pricesync/internal/fetch"
	"pricesync/internal/pkg/lease"
	"pricesync/internal/source"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func fp(v float64) *float64 { return &v }

type fakeAdapter struct {
	name    string
	records []source.Record
	detail  map[string]source.Record
	panics  bool
}

func (a *fakeAdapter) Name() string    { return a.name }
func (a *fakeAdapter) BaseURL() string { return "https://" + a.name + ".test" }

func (a *fakeAdapter) BuildSearchTarget(query string) source.Target {
	return source.Target{Source: a.name, URL: a.BaseURL() + "/search?q=" + query, Kind: source.KindSearch}
}

func (a *fakeAdapter) Parse(page source.Page) ([]source.Record, error) {
	if a.panics {
		panic("parser exploded")
	}
	if page.Target.Kind == source.KindDetail {
		rec, ok := a.detail[page.Target.URL]
		if !ok {
			return nil, nil
		}
		return []source.Record{rec}, nil
	}
	return append([]source.Record(nil), a.records...), nil
}

func (a *fakeAdapter) ExtractSourceID(string) string { return "" }

func (a *fakeAdapter) DetailTarget(rec source.Record) (source.Target, bool) {
	if rec.NativeID == "" {
		return source.Target{}, false
	}
	return source.Target{Source: a.name, URL: a.BaseURL() + "/item/" + rec.NativeID, Kind: source.KindDetail}, true
}

type fakeSession struct {
	err    error
	block  bool
	closed atomic.Bool
	urls   []string
	mu     sync.Mutex
}

func (s *fakeSession) Fetch(ctx context.Context, target source.Target) (source.Page, error) {
	s.mu.Lock()
	s.urls = append(s.urls, target.URL)
	s.mu.Unlock()
	if s.block {
		<-ctx.Done()
		return source.Page{}, ctx.Err()
	}
	if s.err != nil {
		return source.Page{}, s.err
	}
	return source.Page{Target: target, URL: target.URL, HTML: "<html><body>ok</body></html>"}, nil
}

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *fakeSession) fetched() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.urls...)
}

type fakeLauncher struct {
	session  *fakeSession
	launches atomic.Int32
	started  chan struct{}
	gate     chan struct{}
}

func (l *fakeLauncher) Kind() string { return "fake" }

func (l *fakeLauncher) Launch(ctx context.Context) (fetch.Session, error) {
	l.launches.Add(1)
	if l.started != nil {
		select {
		case l.started <- struct{}{}:
		default:
		}
	}
	if l.gate != nil {
		select {
		case <-l.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return l.session, nil
}

func newLauncher() *fakeLauncher {
	return &fakeLauncher{session: &fakeSession{}}
}

func pipeline(a *fakeAdapter, l *fakeLauncher) Pipeline {
	return Pipeline{Adapter: a, Launcher: l, Options: fetch.Options{MaxRetries: 0}}
}

func record(src, nativeID, name string, price float64) source.Record {
	return source.Record{
		Source:   src,
		NativeID: nativeID,
		URL:      "https://" + src + ".test/item/" + nativeID,
		Name:     name,
		Price:    fp(price),
		Rating:   fp(4.2),
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newService(t *testing.T, store catalog.Store, leases *lease.Locker, pipelines ...Pipeline) *Service {
	t.Helper()
	reconciler := catalog.NewReconciler(store, testLogger())
	s, err := New(store, reconciler, leases, Config{FreshnessWindow: 24 * time.Hour, QueryTimeout: 5 * time.Second}, testLogger(), pipelines...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return s
}

func TestSync_FetchesThenServesCache(t *testing.T) {
	ctx := context.Background()
	store := catalog.NewMemoryStore()
	amazon := &fakeAdapter{name: "amazon", records: []source.Record{record("amazon", "A1", "Acme Phone 12", 999)}}
	flipkart := &fakeAdapter{name: "flipkart", records: []source.Record{record("flipkart", "F1", "Acme Phone 12", 949)}}
	la, lf := newLauncher(), newLauncher()
	svc := newService(t, store, nil, pipeline(amazon, la), pipeline(flipkart, lf))

	products, err := svc.Sync(ctx, "acme phone", Options{})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(products) != 1 || len(products[0].Listings) != 2 {
		t.Fatalf("expected one product with two listings, got %+v", products)
	}
	if !la.session.closed.Load() || !lf.session.closed.Load() {
		t.Fatalf("sessions must be closed after the pipeline")
	}

	again, err := svc.Sync(ctx, "ACME PHONE", Options{})
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if len(again) != 1 {
		t.Fatalf("expected cached product, got %d", len(again))
	}
	if la.launches.Load() != 1 || lf.launches.Load() != 1 {
		t.Fatalf("fresh cache must not launch sessions, launches=%d/%d", la.launches.Load(), lf.launches.Load())
	}
}

func TestSync_OnlyStaleSourcesFetched(t *testing.T) {
	ctx := context.Background()
	store := catalog.NewMemoryStore()
	amazon := &fakeAdapter{name: "amazon", records: []source.Record{record("amazon", "A1", "Acme Phone 12", 999)}}
	flipkart := &fakeAdapter{name: "flipkart"}
	la, lf := newLauncher(), newLauncher()
	svc := newService(t, store, nil, pipeline(amazon, la), pipeline(flipkart, lf))

	if _, err := svc.Sync(ctx, "acme", Options{}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	// flipkart 没有返回记录，仍然是过期状态；amazon 已新鲜
	if _, err := svc.Sync(ctx, "acme", Options{}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if la.launches.Load() != 1 {
		t.Fatalf("fresh amazon refetched: %d launches", la.launches.Load())
	}
	if lf.launches.Load() != 2 {
		t.Fatalf("stale flipkart should be fetched again, got %d launches", lf.launches.Load())
	}
}

func TestSync_SourceFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	store := catalog.NewMemoryStore()
	amazon := &fakeAdapter{name: "amazon", records: []source.Record{record("amazon", "A1", "Acme Phone 12", 999)}}
	flipkart := &fakeAdapter{name: "flipkart", records: []source.Record{record("flipkart", "F1", "Acme Phone 12", 949)}}
	broken := &fakeAdapter{name: "croma", panics: true}

	la, lf, lc := newLauncher(), newLauncher(), newLauncher()
	lf.session.err = &fetch.FatalError{Err: errors.New("status 404")}
	svc := newService(t, store, nil, pipeline(amazon, la), pipeline(flipkart, lf), pipeline(broken, lc))

	products, err := svc.Sync(ctx, "acme", Options{})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(products) != 1 || len(products[0].Listings) != 1 || products[0].Listings[0].SourceName() != "amazon" {
		t.Fatalf("expected only the amazon listing, got %+v", products)
	}
	if !lf.session.closed.Load() || !lc.session.closed.Load() {
		t.Fatalf("failed pipelines must still close their sessions")
	}
}

func TestSync_AllSourcesFail(t *testing.T) {
	ctx := context.Background()
	store := catalog.NewMemoryStore()
	amazon := &fakeAdapter{name: "amazon", records: []source.Record{record("amazon", "A1", "Acme Phone 12", 999)}}
	la := newLauncher()
	svc := newService(t, store, nil, pipeline(amazon, la))

	t.Run("nothing cached returns empty", func(t *testing.T) {
		la.session.err = &fetch.FatalError{Err: errors.New("boom")}
		products, err := svc.Sync(ctx, "acme", Options{})
		if err != nil {
			t.Fatalf("sync: %v", err)
		}
		if products == nil || len(products) != 0 {
			t.Fatalf("expected empty non-nil result, got %#v", products)
		}
	})

	t.Run("stale cache served", func(t *testing.T) {
		la.session = &fakeSession{}
		if _, err := svc.Sync(ctx, "acme", Options{}); err != nil {
			t.Fatalf("seed sync: %v", err)
		}

		la.session = &fakeSession{err: &fetch.FatalError{Err: errors.New("boom")}}
		svc.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
		products, err := svc.Sync(ctx, "acme", Options{})
		if err != nil {
			t.Fatalf("sync: %v", err)
		}
		if len(products) != 1 || *products[0].Listings[0].Price != 999 {
			t.Fatalf("expected stale cached product, got %+v", products)
		}
	})
}

func TestSync_ForceIgnoresFreshness(t *testing.T) {
	ctx := context.Background()
	store := catalog.NewMemoryStore()
	amazon := &fakeAdapter{name: "amazon", records: []source.Record{record("amazon", "A1", "Acme Phone 12", 999)}}
	la := newLauncher()
	svc := newService(t, store, nil, pipeline(amazon, la))

	if _, err := svc.Sync(ctx, "acme", Options{}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	amazon.records = []source.Record{record("amazon", "A1", "Acme Phone 12", 899)}
	products, err := svc.Sync(ctx, "acme", Options{Force: true})
	if err != nil {
		t.Fatalf("forced sync: %v", err)
	}
	if la.launches.Load() != 2 {
		t.Fatalf("force should refetch, got %d launches", la.launches.Load())
	}
	if *products[0].Listings[0].Price != 899 {
		t.Fatalf("expected refreshed price 899, got %v", *products[0].Listings[0].Price)
	}
	history, _ := store.ListHistory(ctx, products[0].Listings[0].ID)
	if len(history) != 2 {
		t.Fatalf("expected two history points, got %d", len(history))
	}
}

func TestSync_IncludesReconciledProductsOutsideQuery(t *testing.T) {
	ctx := context.Background()
	store := catalog.NewMemoryStore()
	// 站点返回的名称不包含查询词
	amazon := &fakeAdapter{name: "amazon", records: []source.Record{record("amazon", "A1", "Galaxy S24 Ultra", 1299)}}
	svc := newService(t, store, nil, pipeline(amazon, newLauncher()))

	products, err := svc.Sync(ctx, "samsung flagship", Options{})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(products) != 1 || products[0].Name != "Galaxy S24 Ultra" {
		t.Fatalf("reconciled product missing from result: %+v", products)
	}
}

func TestSync_EmptyQuery(t *testing.T) {
	svc := newService(t, catalog.NewMemoryStore(), nil)
	if _, err := svc.Sync(context.Background(), "   ", Options{}); !errors.Is(err, ErrEmptyQuery) {
		t.Fatalf("expected ErrEmptyQuery, got %v", err)
	}
}

func TestSync_ConcurrentCallsShareOneFetch(t *testing.T) {
	ctx := context.Background()
	store := catalog.NewMemoryStore()
	amazon := &fakeAdapter{name: "amazon", records: []source.Record{record("amazon", "A1", "Acme Phone 12", 999)}}
	la := newLauncher()
	la.started = make(chan struct{}, 1)
	la.gate = make(chan struct{})
	svc := newService(t, store, nil, pipeline(amazon, la))

	var wg sync.WaitGroup
	results := make([]int, 3)
	errs := make([]error, 3)
	call := func(i int) {
		defer wg.Done()
		products, err := svc.Sync(ctx, "acme", Options{})
		results[i], errs[i] = len(products), err
	}

	wg.Add(1)
	go call(0)
	<-la.started
	for i := 1; i < 3; i++ {
		wg.Add(1)
		go call(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(la.gate)
	wg.Wait()

	for i := range results {
		if errs[i] != nil || results[i] != 1 {
			t.Fatalf("call %d: products=%d err=%v", i, results[i], errs[i])
		}
	}
	if la.launches.Load() != 1 {
		t.Fatalf("expected one launch, got %d", la.launches.Load())
	}
}

func TestSync_CancelClosesSession(t *testing.T) {
	store := catalog.NewMemoryStore()
	amazon := &fakeAdapter{name: "amazon"}
	la := newLauncher()
	la.session.block = true
	svc := newService(t, store, nil, pipeline(amazon, la))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := svc.Sync(ctx, "acme", Options{})
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(la.session.fetched()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("fetch never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	for !la.session.closed.Load() {
		if time.Now().After(deadline) {
			t.Fatalf("session not closed after cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSync_LeaseHeldElsewhereSkipsSource(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ctx := context.Background()
	store := catalog.NewMemoryStore()
	amazon := &fakeAdapter{name: "amazon", records: []source.Record{record("amazon", "A1", "Acme Phone 12", 999)}}
	flipkart := &fakeAdapter{name: "flipkart", records: []source.Record{record("flipkart", "F1", "Acme Phone 12", 949)}}
	la, lf := newLauncher(), newLauncher()
	svc := newService(t, store, lease.NewLocker(rdb, time.Minute), pipeline(amazon, la), pipeline(flipkart, lf))

	other := lease.NewLocker(rdb, time.Minute)
	held, ok, err := other.TryAcquire(ctx, lease.Key("amazon", "acme"))
	if err != nil || !ok {
		t.Fatalf("pre-acquire lease: ok=%v err=%v", ok, err)
	}

	products, err := svc.Sync(ctx, "Acme", Options{})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if la.launches.Load() != 0 {
		t.Fatalf("amazon should be skipped while leased elsewhere")
	}
	if len(products) != 1 || products[0].Listings[0].SourceName() != "flipkart" {
		t.Fatalf("expected flipkart listing only, got %+v", products)
	}
	if mr.Exists("pricesync:lease:" + lease.Key("flipkart", "acme")) {
		t.Fatalf("flipkart lease should be released after the pipeline")
	}
	_ = held.Release(ctx)
}

func TestSync_DetailPagesFillMissingFields(t *testing.T) {
	ctx := context.Background()
	store := catalog.NewMemoryStore()
	partial := source.Record{Source: "amazon", NativeID: "A1", URL: "https://amazon.test/item/A1", Name: "Acme Phone 12", Price: fp(999)}
	amazon := &fakeAdapter{
		name:    "amazon",
		records: []source.Record{partial},
		detail: map[string]source.Record{
			"https://amazon.test/item/A1": {Source: "amazon", Rating: fp(4.6), Brand: "Acme", Price: fp(1)},
		},
	}
	la := newLauncher()
	p := pipeline(amazon, la)
	p.DetailLimit = 5
	svc := newService(t, store, nil, p)

	products, err := svc.Sync(ctx, "acme", Options{})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	l := products[0].Listings[0]
	if l.Rating == nil || *l.Rating != 4.6 {
		t.Fatalf("rating not filled from detail page: %+v", l.Rating)
	}
	if *l.Price != 999 {
		t.Fatalf("search page price must win, got %v", *l.Price)
	}
	if products[0].Brand != "Acme" {
		t.Fatalf("brand not filled: %q", products[0].Brand)
	}
	if got := la.session.fetched(); len(got) != 2 {
		t.Fatalf("expected search + detail fetch, got %v", got)
	}
}

func TestRankAndBestDeal(t *testing.T) {
	ctx := context.Background()
	store := catalog.NewMemoryStore()
	amazon := &fakeAdapter{name: "amazon", records: []source.Record{record("amazon", "A1", "Acme Phone 12", 999)}}
	flipkart := &fakeAdapter{name: "flipkart", records: []source.Record{record("flipkart", "F1", "Acme Phone 12", 949)}}
	svc := newService(t, store, nil, pipeline(amazon, newLauncher()), pipeline(flipkart, newLauncher()))

	products, err := svc.Sync(ctx, "acme", Options{})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	scored, err := svc.Rank(ctx, products[0].ID)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if len(scored) != 2 || scored[0].Listing.SourceName() != "flipkart" {
		t.Fatalf("expected cheaper flipkart first, got %+v", scored)
	}
	best, err := svc.BestDeal(ctx, products[0].ID)
	if err != nil {
		t.Fatalf("best deal: %v", err)
	}
	if best.SourceName() != "flipkart" {
		t.Fatalf("best deal = %s, want flipkart", best.SourceName())
	}
	if _, err := svc.Rank(ctx, 9999); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNew_DuplicatePipeline(t *testing.T) {
	a := &fakeAdapter{name: "amazon"}
	_, err := New(catalog.NewMemoryStore(), nil, nil, Config{}, testLogger(), pipeline(a, newLauncher()), pipeline(a, newLauncher()))
	if !errors.Is(err, ErrDuplicatePipeline) {
		t.Fatalf("expected ErrDuplicatePipeline, got %v", err)
	}
}
