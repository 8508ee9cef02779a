package alert

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"pricesync/internal/catalog"
	"pricesync/internal/pkg/notify"
	"pricesync/internal/source"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.PriceAlert
}

func (n *recordingNotifier) SendPriceAlert(_ context.Context, a notify.PriceAlert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, a)
	return nil
}

func fp(v float64) *float64 { return &v }

func setup(t *testing.T) (*catalog.MemoryStore, *catalog.Reconciler, *Service, *recordingNotifier, uint) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := catalog.NewMemoryStore()
	notifier := &recordingNotifier{}
	svc := New(store, notifier, logger)
	rec := catalog.NewReconciler(store, logger, svc)

	res, err := rec.Reconcile(context.Background(), source.Record{
		Source:   "amazon",
		NativeID: "B0ALERT001",
		Name:     "Acme Kettle",
		URL:      "https://www.amazon.in/dp/B0ALERT001",
		Price:    fp(2500),
		Currency: "INR",
	}, "")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return store, rec, svc, notifier, res.ProductID
}

func TestService_TriggersOnceWhenPriceDrops(t *testing.T) {
	ctx := context.Background()
	_, rec, svc, notifier, productID := setup(t)

	if _, err := svc.Create(ctx, productID, "buyer@example.com", 2000); err != nil {
		t.Fatalf("create alert: %v", err)
	}

	drop := source.Record{Source: "amazon", NativeID: "B0ALERT001", Price: fp(2100)}
	if _, err := rec.Reconcile(ctx, drop, ""); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	svc.Wait()
	if len(notifier.sent) != 0 {
		t.Fatalf("price above target must not notify")
	}

	drop.Price = fp(1999)
	if _, err := rec.Reconcile(ctx, drop, ""); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	drop.Price = fp(1899)
	if _, err := rec.Reconcile(ctx, drop, ""); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	svc.Wait()

	if len(notifier.sent) != 1 {
		t.Fatalf("expected exactly one notification, got %d", len(notifier.sent))
	}
	got := notifier.sent[0]
	if got.To != "buyer@example.com" || got.Price != 1999 || got.ProductName != "Acme Kettle" {
		t.Fatalf("unexpected notice: %+v", got)
	}
	if got.URL != "https://www.amazon.in/dp/B0ALERT001" || got.Currency != "INR" {
		t.Fatalf("listing details missing: %+v", got)
	}
}

func TestService_CreateValidation(t *testing.T) {
	ctx := context.Background()
	_, _, svc, _, productID := setup(t)

	tests := []struct {
		name      string
		productID uint
		email     string
		target    float64
	}{
		{"bad email", productID, "not-an-email", 100},
		{"zero target", productID, "a@example.com", 0},
		{"unknown product", 9999, "a@example.com", 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Create(ctx, tt.productID, tt.email, tt.target); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestService_IgnoresResultWithoutPrice(t *testing.T) {
	store, _, svc, notifier, productID := setup(t)
	if _, err := svc.Create(context.Background(), productID, "a@example.com", 99999); err != nil {
		t.Fatalf("create: %v", err)
	}
	svc.ListingReconciled(context.Background(), catalog.Result{ProductID: productID})
	svc.Wait()
	if len(notifier.sent) != 0 {
		t.Fatalf("no price means no alert")
	}
	active, _ := store.ActiveAlerts(context.Background(), productID)
	if len(active) != 1 {
		t.Fatalf("alert should stay active")
	}
}
