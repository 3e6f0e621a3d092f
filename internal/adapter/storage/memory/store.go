// Package memory provides an in-process port.Store. A single mutex
// serializes transactions; each write records how to undo itself, and a
// failed transaction replays those records in reverse.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/kitchen-stock/internal/core/domain"
	"github.com/rl1809/kitchen-stock/internal/port"
)

var _ port.Store = (*Store)(nil)

type state struct {
	ingredients map[string]domain.Ingredient
	inventory   map[string]domain.Inventory // by inventory id
	byIngred    map[string]string           // ingredient id -> inventory id
	entries     []domain.LedgerEntry
	sources     map[string]domain.SourceClaim
	recipes     map[string]domain.Recipe
	invoices    map[string]domain.Invoice
	receipts    map[string]domain.Receipt
}

func newState() *state {
	return &state{
		ingredients: make(map[string]domain.Ingredient),
		inventory:   make(map[string]domain.Inventory),
		byIngred:    make(map[string]string),
		sources:     make(map[string]domain.SourceClaim),
		recipes:     make(map[string]domain.Recipe),
		invoices:    make(map[string]domain.Invoice),
		receipts:    make(map[string]domain.Receipt),
	}
}

type Store struct {
	mu sync.Mutex
	st *state
}

func New() *Store {
	return &Store{st: newState()}
}

func (s *Store) WithinTx(ctx context.Context, fn func(q port.Queries) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &txn{st: s.st}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *Store) Migrate(context.Context) error { return nil }
func (s *Store) Ping(context.Context) error    { return nil }
func (s *Store) Close() error                  { return nil }

// txn implements port.Queries against the live state. The owning Store
// holds its mutex for the txn's whole lifetime.
type txn struct {
	st   *state
	undo []func()
}

func (t *txn) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

// save records the current value of m[k] so rollback can restore it.
// Stored values are never mutated in place, only replaced.
func save[K comparable, V any](t *txn, m map[K]V, k K) {
	old, had := m[k]
	t.undo = append(t.undo, func() {
		if had {
			m[k] = old
		} else {
			delete(m, k)
		}
	})
}

// ==================== Catalog ====================

func (t *txn) CreateIngredient(_ context.Context, ing *domain.Ingredient) error {
	for _, existing := range t.st.ingredients {
		if existing.Name == ing.Name {
			return domain.ErrIngredientExists
		}
	}
	save(t, t.st.ingredients, ing.ID)
	t.st.ingredients[ing.ID] = *ing
	return nil
}

func (t *txn) GetIngredient(_ context.Context, id string) (*domain.Ingredient, error) {
	ing, ok := t.st.ingredients[id]
	if !ok {
		return nil, nil
	}
	return &ing, nil
}

func (t *txn) FindIngredientByName(_ context.Context, name string) (*domain.Ingredient, error) {
	for _, ing := range t.st.ingredients {
		if ing.Name == name {
			return &ing, nil
		}
	}
	return nil, nil
}

func (t *txn) ListIngredients(context.Context) ([]domain.Ingredient, error) {
	out := make([]domain.Ingredient, 0, len(t.st.ingredients))
	for _, ing := range t.st.ingredients {
		out = append(out, ing)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (t *txn) DeleteIngredient(_ context.Context, id string) error {
	save(t, t.st.ingredients, id)
	delete(t.st.ingredients, id)
	return nil
}

func (t *txn) CountRecipeReferences(_ context.Context, ingredientID string) (int, error) {
	n := 0
	for _, r := range t.st.recipes {
		for _, item := range r.Items {
			if item.IngredientID == ingredientID {
				n++
			}
		}
	}
	return n, nil
}

// ==================== Ledger ====================

func (t *txn) GetInventory(_ context.Context, ingredientID string) (*domain.Inventory, error) {
	id, ok := t.st.byIngred[ingredientID]
	if !ok {
		return nil, nil
	}
	inv := t.st.inventory[id]
	return &inv, nil
}

func (t *txn) LockInventory(ctx context.Context, ingredientID string) (*domain.Inventory, error) {
	return t.GetInventory(ctx, ingredientID)
}

func (t *txn) CreateInventory(_ context.Context, inv *domain.Inventory) error {
	if _, exists := t.st.byIngred[inv.IngredientID]; exists {
		return domain.ErrConflict
	}
	save(t, t.st.inventory, inv.ID)
	save(t, t.st.byIngred, inv.IngredientID)
	t.st.inventory[inv.ID] = *inv
	t.st.byIngred[inv.IngredientID] = inv.ID
	return nil
}

func (t *txn) ApplyDelta(_ context.Context, inventoryID string, delta decimal.Decimal, at time.Time) error {
	inv, ok := t.st.inventory[inventoryID]
	if !ok {
		return domain.ErrNoInventory
	}
	next := inv.Quantity.Add(delta)
	if next.IsNegative() {
		return domain.ErrInsufficientStock
	}
	save(t, t.st.inventory, inventoryID)
	inv.Quantity = next
	inv.Version++
	inv.UpdatedAt = at
	t.st.inventory[inventoryID] = inv
	return nil
}

func (t *txn) SetThreshold(_ context.Context, inventoryID string, threshold decimal.NullDecimal, at time.Time) error {
	inv, ok := t.st.inventory[inventoryID]
	if !ok {
		return domain.ErrNoInventory
	}
	save(t, t.st.inventory, inventoryID)
	inv.MinThreshold = threshold
	inv.Version++
	inv.UpdatedAt = at
	t.st.inventory[inventoryID] = inv
	return nil
}

func (t *txn) DeleteInventory(_ context.Context, inventoryID string) error {
	inv, ok := t.st.inventory[inventoryID]
	if !ok {
		return nil
	}
	save(t, t.st.byIngred, inv.IngredientID)
	save(t, t.st.inventory, inventoryID)
	delete(t.st.byIngred, inv.IngredientID)
	delete(t.st.inventory, inventoryID)
	return nil
}

func (t *txn) ClaimSource(_ context.Context, claim domain.SourceClaim) error {
	if _, exists := t.st.sources[claim.SourceLineID]; exists {
		return domain.ErrDuplicateSource
	}
	save(t, t.st.sources, claim.SourceLineID)
	t.st.sources[claim.SourceLineID] = claim
	return nil
}

func (t *txn) SourceClaimed(_ context.Context, sourceLineID string) (bool, error) {
	_, ok := t.st.sources[sourceLineID]
	return ok, nil
}

func (t *txn) AppendEntry(_ context.Context, entry *domain.LedgerEntry) error {
	n := len(t.st.entries)
	t.undo = append(t.undo, func() { t.st.entries = t.st.entries[:n] })
	t.st.entries = append(t.st.entries, *entry)
	return nil
}

func (t *txn) CountEntries(_ context.Context, inventoryID string) (int, error) {
	n := 0
	for _, e := range t.st.entries {
		if e.InventoryID == inventoryID {
			n++
		}
	}
	return n, nil
}

func (t *txn) ListEntries(_ context.Context, inventoryID string, limit int) ([]domain.LedgerEntry, error) {
	out := make([]domain.LedgerEntry, 0)
	for i := len(t.st.entries) - 1; i >= 0; i-- {
		if t.st.entries[i].InventoryID != inventoryID {
			continue
		}
		out = append(out, t.st.entries[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (t *txn) ListStock(context.Context) ([]domain.StockLevel, error) {
	return t.stock(func(domain.Inventory) bool { return true }), nil
}

func (t *txn) LowStock(context.Context) ([]domain.StockLevel, error) {
	return t.stock(domain.Inventory.IsLow), nil
}

func (t *txn) stock(keep func(domain.Inventory) bool) []domain.StockLevel {
	out := make([]domain.StockLevel, 0)
	for _, inv := range t.st.inventory {
		if !keep(inv) {
			continue
		}
		out = append(out, domain.StockLevel{Inventory: inv, Ingredient: t.st.ingredients[inv.IngredientID]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ingredient.Name < out[j].Ingredient.Name })
	return out
}
