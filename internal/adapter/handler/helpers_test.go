package handler

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/rl1809/kitchen-stock/internal/adapter/queue"
	"github.com/rl1809/kitchen-stock/internal/adapter/storage/memory"
	"github.com/rl1809/kitchen-stock/internal/core/domain"
	"github.com/rl1809/kitchen-stock/internal/core/service"
	"github.com/rl1809/kitchen-stock/internal/extraction"
)

type testEnv struct {
	store *memory.Store
	queue *queue.ChannelQueue
	svc   Services
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := memory.New()
	q := queue.NewChannelQueue(16)
	t.Cleanup(q.Close)

	catalog := service.NewCatalogService(store)
	ledger := service.NewLedgerService(store, service.WithAlertCache(memory.NewAlertCache(0)))
	ext := extraction.Disabled{}

	return &testEnv{
		store: store,
		queue: q,
		svc: Services{
			Catalog:  catalog,
			Ledger:   ledger,
			Invoices: service.NewInvoiceService(store, catalog, ledger, ext),
			Receipts: service.NewReceiptService(store, catalog, ledger, ext, q),
		},
	}
}

func (e *testEnv) stock(t *testing.T, name, qty string) *domain.Ingredient {
	t.Helper()

	ing, _, err := e.svc.Catalog.EnsureIngredient(context.Background(), name, "g")
	if err != nil {
		t.Fatalf("ensure ingredient: %v", err)
	}
	if _, err := e.svc.Ledger.AddStock(context.Background(), name, decimal.RequireFromString(qty), ""); err != nil {
		t.Fatalf("add stock: %v", err)
	}
	return ing
}
