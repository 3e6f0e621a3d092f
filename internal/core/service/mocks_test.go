package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/kitchen-stock/internal/adapter/storage"
	"github.com/rl1809/kitchen-stock/internal/adapter/storage/memory"
	"github.com/rl1809/kitchen-stock/internal/core/domain"
	"github.com/rl1809/kitchen-stock/internal/port"
)

// Mock AlertCache
type mockAlertCache struct {
	mu      sync.Mutex
	marked  map[string]bool
	marks   int
	cleared int
}

func newMockAlertCache() *mockAlertCache {
	return &mockAlertCache{marked: make(map[string]bool)}
}

func (m *mockAlertCache) MarkLowStock(_ context.Context, ingredientID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.marked[ingredientID] {
		return false, nil
	}
	m.marked[ingredientID] = true
	m.marks++
	return true, nil
}

func (m *mockAlertCache) ClearLowStock(_ context.Context, ingredientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.marked, ingredientID)
	m.cleared++
	return nil
}

// Mock Extractor
type mockExtractor struct {
	mu       sync.Mutex
	invoice  domain.InvoiceExtraction
	receipt  domain.ReceiptExtraction
	err      error
	failures int // calls that fail before succeeding
	calls    int
}

func (m *mockExtractor) ExtractInvoice(context.Context, domain.Document) (domain.InvoiceExtraction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return domain.InvoiceExtraction{}, m.err
	}
	return m.invoice, nil
}

func (m *mockExtractor) ExtractReceipt(context.Context, domain.Document) (domain.ReceiptExtraction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil && (m.failures == 0 || m.calls <= m.failures) {
		return domain.ReceiptExtraction{}, m.err
	}
	return m.receipt, nil
}

// Mock TaskQueue
type mockQueue struct {
	mu    sync.Mutex
	tasks []domain.ReceiptTask
	acked int
	err   error
}

func (m *mockQueue) Enqueue(_ context.Context, task domain.ReceiptTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.tasks = append(m.tasks, task)
	return nil
}

func (m *mockQueue) EnqueueAfter(ctx context.Context, task domain.ReceiptTask, _ time.Duration) error {
	return m.Enqueue(ctx, task)
}

func (m *mockQueue) Dequeue(context.Context) (domain.ReceiptTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task := m.tasks[0]
	m.tasks = m.tasks[1:]
	return task, nil
}

func (m *mockQueue) Ack(context.Context, domain.ReceiptTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked++
	return nil
}

// conflictStore fails the first n transactions with ErrConflict after
// running them, the way a serialization failure surfaces on commit.
type conflictStore struct {
	port.Store
	mu    sync.Mutex
	n     int
	calls int
}

func (s *conflictStore) WithinTx(ctx context.Context, fn func(q port.Queries) error) error {
	s.mu.Lock()
	s.calls++
	fail := s.n > 0
	if fail {
		s.n--
	}
	s.mu.Unlock()

	if !fail {
		return s.Store.WithinTx(ctx, fn)
	}
	boom := errors.New("rolled back")
	err := s.Store.WithinTx(ctx, func(q port.Queries) error {
		if err := fn(q); err != nil {
			return err
		}
		return boom
	})
	if errors.Is(err, boom) {
		return fmt.Errorf("%w: serialization failure", domain.ErrConflict)
	}
	return err
}

// storeCases are the stores the ledger tests run against.
var storeCases = []struct {
	name string
	open func(t *testing.T) port.Store
}{
	{"memory", func(*testing.T) port.Store { return memory.New() }},
	{"sqlite", openSQLite},
}

func openSQLite(t *testing.T) port.Store {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "stock.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	store := storage.NewSQLiteAdapter(db)
	t.Cleanup(func() { store.Close() })

	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func forEachStore(t *testing.T, fn func(t *testing.T, f *fixture)) {
	for _, sc := range storeCases {
		t.Run(sc.name, func(t *testing.T) {
			fn(t, newFixtureOn(t, sc.open(t)))
		})
	}
}

type fixture struct {
	store    port.Store
	catalog  *CatalogService
	ledger   *LedgerService
	alerts   *mockAlertCache
	invoices *InvoiceService
	receipts *ReceiptService
	extract  *mockExtractor
	queue    *mockQueue
}

func newFixture(t *testing.T) *fixture {
	return newFixtureOn(t, memory.New())
}

func newFixtureOn(t *testing.T, store port.Store) *fixture {
	t.Helper()

	f := &fixture{
		store:   store,
		alerts:  newMockAlertCache(),
		extract: &mockExtractor{},
		queue:   &mockQueue{},
	}
	f.catalog = NewCatalogService(f.store)
	f.ledger = NewLedgerService(f.store, WithAlertCache(f.alerts))
	f.invoices = NewInvoiceService(f.store, f.catalog, f.ledger, f.extract)
	f.receipts = NewReceiptService(f.store, f.catalog, f.ledger, f.extract, f.queue)
	return f
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// stock creates an ingredient holding qty base units.
func (f *fixture) stock(t *testing.T, name, qty string) *domain.Ingredient {
	t.Helper()

	ing, _, err := f.catalog.EnsureIngredient(context.Background(), name, "g")
	if err != nil {
		t.Fatalf("ensure ingredient: %v", err)
	}
	if q := dec(qty); q.IsPositive() {
		if _, err := f.ledger.AddStock(context.Background(), name, q, ""); err != nil {
			t.Fatalf("add stock: %v", err)
		}
	}
	return ing
}

func (f *fixture) recipe(t *testing.T, name string, items map[*domain.Ingredient]string) *domain.Recipe {
	t.Helper()

	in := RecipeInput{Name: name}
	for ing, qty := range items {
		in.Items = append(in.Items, domain.RecipeItem{IngredientID: ing.ID, Quantity: dec(qty)})
	}
	r, err := f.catalog.CreateRecipe(context.Background(), in)
	if err != nil {
		t.Fatalf("create recipe: %v", err)
	}
	return r
}

func (f *fixture) quantity(t *testing.T, ingredientID string) decimal.Decimal {
	t.Helper()

	for _, lvl := range f.mustInventory(t) {
		if lvl.Ingredient.ID == ingredientID {
			return lvl.Inventory.Quantity
		}
	}
	t.Fatalf("no inventory for %s", ingredientID)
	return decimal.Zero
}

func (f *fixture) mustInventory(t *testing.T) []domain.StockLevel {
	t.Helper()

	levels, err := f.ledger.Inventory(context.Background())
	if err != nil {
		t.Fatalf("inventory: %v", err)
	}
	return levels
}

func (f *fixture) entries(t *testing.T, ingredientID string) []domain.LedgerEntry {
	t.Helper()

	entries, err := f.ledger.History(context.Background(), ingredientID, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	return entries
}
