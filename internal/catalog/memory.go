package catalog

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"pricesync/internal/model"

	"golang.org/x/text/cases"
)

// MemoryStore 进程内目录存储，用于本地运行与测试。
//
// 事务通过复制整份状态实现：fn 在副本上读写，成功后整体替换，失败则丢弃。
// 唯一约束与 GormStore 使用的索引一致。
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
	fold  cases.Caser
}

type memState struct {
	seq      uint
	sources  map[uint]model.Source
	products map[uint]model.Product
	listings map[uint]model.Listing
	history  []model.PriceHistory
	searches map[uint]model.SavedSearch
	alerts   map[uint]model.PriceAlert
}

// NewMemoryStore 创建空的内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			sources:  make(map[uint]model.Source),
			products: make(map[uint]model.Product),
			listings: make(map[uint]model.Listing),
			searches: make(map[uint]model.SavedSearch),
			alerts:   make(map[uint]model.PriceAlert),
		},
		fold: cases.Fold(),
	}
}

// Ping 始终成功。
func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	draft := s.state.clone()
	if err := fn(&memTx{st: draft}); err != nil {
		return err
	}
	s.state = draft
	return nil
}

func (s *MemoryStore) SearchProducts(ctx context.Context, query string) ([]model.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	needle := s.fold.String(strings.TrimSpace(query))
	var out []model.Product
	for _, id := range sortedKeys(s.state.products) {
		p := s.state.products[id]
		if strings.Contains(s.fold.String(p.Name), needle) {
			out = append(out, s.state.withListings(p))
		}
	}
	return out, nil
}

func (s *MemoryStore) GetProduct(ctx context.Context, id uint) (*model.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.state.products[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := s.state.withListings(p)
	return &out, nil
}

func (s *MemoryStore) ListHistory(ctx context.Context, listingID uint) ([]model.PriceHistory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.PriceHistory
	for _, h := range s.state.history {
		if h.ListingID == listingID {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}

func (s *MemoryStore) SaveSearch(ctx context.Context, query string) (*model.SavedSearch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	query = strings.TrimSpace(query)
	for _, id := range sortedKeys(s.state.searches) {
		search := s.state.searches[id]
		if search.Query == query {
			search.Active = true
			search.UpdatedAt = time.Now()
			s.state.searches[id] = search
			return &search, nil
		}
	}
	now := time.Now()
	search := model.SavedSearch{ID: s.state.nextID(), CreatedAt: now, UpdatedAt: now, Query: query, Active: true}
	s.state.searches[search.ID] = search
	return &search, nil
}

func (s *MemoryStore) ListActiveSearches(ctx context.Context) ([]model.SavedSearch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.SavedSearch
	for _, id := range sortedKeys(s.state.searches) {
		if search := s.state.searches[id]; search.Active {
			out = append(out, search)
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkSearchRun(ctx context.Context, id uint, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	search, ok := s.state.searches[id]
	if !ok {
		return ErrNotFound
	}
	search.LastRunAt = &at
	s.state.searches[id] = search
	return nil
}

func (s *MemoryStore) CreateAlert(ctx context.Context, alert *model.PriceAlert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	alert.ID = s.state.nextID()
	alert.CreatedAt = time.Now()
	alert.Active = true
	alert.TriggeredAt = nil
	s.state.alerts[alert.ID] = *alert
	return nil
}

func (s *MemoryStore) ActiveAlerts(ctx context.Context, productID uint) ([]model.PriceAlert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.PriceAlert
	for _, id := range sortedKeys(s.state.alerts) {
		if a := s.state.alerts[id]; a.Active && a.ProductID == productID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkAlertTriggered(ctx context.Context, id uint, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.state.alerts[id]
	if !ok || !a.Active {
		return ErrNotFound
	}
	a.Active = false
	a.TriggeredAt = &at
	s.state.alerts[id] = a
	return nil
}

func (st *memState) nextID() uint {
	st.seq++
	return st.seq
}

func (st *memState) clone() *memState {
	out := &memState{
		seq:      st.seq,
		sources:  make(map[uint]model.Source, len(st.sources)),
		products: make(map[uint]model.Product, len(st.products)),
		listings: make(map[uint]model.Listing, len(st.listings)),
		history:  append([]model.PriceHistory(nil), st.history...),
		searches: make(map[uint]model.SavedSearch, len(st.searches)),
		alerts:   make(map[uint]model.PriceAlert, len(st.alerts)),
	}
	for k, v := range st.sources {
		out.sources[k] = v
	}
	for k, v := range st.products {
		out.products[k] = v
	}
	for k, v := range st.listings {
		out.listings[k] = v
	}
	for k, v := range st.searches {
		out.searches[k] = v
	}
	for k, v := range st.alerts {
		out.alerts[k] = v
	}
	return out
}

// withListings 返回带报价及来源的商品副本，报价按 ID 升序。
func (st *memState) withListings(p model.Product) model.Product {
	p.Listings = nil
	for _, id := range sortedKeys(st.listings) {
		l := st.listings[id]
		if l.ProductID != p.ID {
			continue
		}
		l = copyListing(l)
		if src, ok := st.sources[l.SourceID]; ok {
			l.Source = &src
		}
		p.Listings = append(p.Listings, l)
	}
	return p
}

type memTx struct {
	st *memState
}

func (t *memTx) FindOrCreateSource(name, baseURL string) (*model.Source, error) {
	for _, id := range sortedKeys(t.st.sources) {
		if src := t.st.sources[id]; src.Name == name {
			return &src, nil
		}
	}
	src := model.Source{ID: t.st.nextID(), Name: name, BaseURL: baseURL}
	t.st.sources[src.ID] = src
	return &src, nil
}

func (t *memTx) FindListingByNativeID(sourceID uint, nativeID string) (*model.Listing, error) {
	for _, id := range sortedKeys(t.st.listings) {
		l := t.st.listings[id]
		if l.SourceID == sourceID && l.NativeID != nil && *l.NativeID == nativeID {
			out := copyListing(l)
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) FindListingByProductSource(productID, sourceID uint) (*model.Listing, error) {
	for _, id := range sortedKeys(t.st.listings) {
		l := t.st.listings[id]
		if l.ProductID == productID && l.SourceID == sourceID {
			out := copyListing(l)
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) CreateListing(l *model.Listing) error {
	if err := t.checkListingUnique(l, 0); err != nil {
		return err
	}
	now := time.Now()
	l.ID = t.st.nextID()
	l.CreatedAt = now
	l.UpdatedAt = now
	if l.Availability == "" {
		l.Availability = model.AvailabilityUnknown
	}
	t.st.listings[l.ID] = copyListing(*l)
	return nil
}

func (t *memTx) UpdateListing(l *model.Listing) error {
	old, ok := t.st.listings[l.ID]
	if !ok {
		return ErrNotFound
	}
	if err := t.checkListingUnique(l, l.ID); err != nil {
		return err
	}
	l.CreatedAt = old.CreatedAt
	l.UpdatedAt = time.Now()
	t.st.listings[l.ID] = copyListing(*l)
	return nil
}

func (t *memTx) checkListingUnique(l *model.Listing, self uint) error {
	for id, other := range t.st.listings {
		if id == self {
			continue
		}
		if other.ProductID == l.ProductID && other.SourceID == l.SourceID {
			return ErrConflict
		}
		if l.NativeID != nil && other.NativeID != nil && other.SourceID == l.SourceID && *other.NativeID == *l.NativeID {
			return ErrConflict
		}
	}
	return nil
}

func (t *memTx) GetProductByID(id uint) (*model.Product, error) {
	p, ok := t.st.products[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (t *memTx) FindProductByName(name string) (*model.Product, error) {
	for _, id := range sortedKeys(t.st.products) {
		if p := t.st.products[id]; p.Name == name {
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) CreateProduct(p *model.Product) error {
	now := time.Now()
	p.ID = t.st.nextID()
	p.CreatedAt = now
	p.UpdatedAt = now
	stored := *p
	stored.Listings = nil
	t.st.products[p.ID] = stored
	return nil
}

func (t *memTx) UpdateProduct(p *model.Product) error {
	old, ok := t.st.products[p.ID]
	if !ok {
		return ErrNotFound
	}
	p.CreatedAt = old.CreatedAt
	p.UpdatedAt = time.Now()
	stored := *p
	stored.Listings = nil
	t.st.products[p.ID] = stored
	return nil
}

func (t *memTx) LastHistory(listingID uint) (*model.PriceHistory, error) {
	var last *model.PriceHistory
	for i := range t.st.history {
		h := t.st.history[i]
		if h.ListingID != listingID {
			continue
		}
		if last == nil || !h.RecordedAt.Before(last.RecordedAt) {
			last = &h
		}
	}
	if last == nil {
		return nil, ErrNotFound
	}
	return last, nil
}

func (t *memTx) AppendHistory(h *model.PriceHistory) error {
	if _, ok := t.st.listings[h.ListingID]; !ok {
		return ErrNotFound
	}
	h.ID = t.st.nextID()
	t.st.history = append(t.st.history, *h)
	return nil
}

// copyListing 复制指针字段，避免调用方修改已保存的数据。
func copyListing(l model.Listing) model.Listing {
	l.Price = copyFloat(l.Price)
	l.OriginalPrice = copyFloat(l.OriginalPrice)
	l.DiscountPct = copyFloat(l.DiscountPct)
	l.Rating = copyFloat(l.Rating)
	if l.RatingCount != nil {
		v := *l.RatingCount
		l.RatingCount = &v
	}
	if l.NativeID != nil {
		v := *l.NativeID
		l.NativeID = &v
	}
	l.Product = nil
	l.Source = nil
	l.History = nil
	return l
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func sortedKeys[V any](m map[uint]V) []uint {
	keys := make([]uint, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
