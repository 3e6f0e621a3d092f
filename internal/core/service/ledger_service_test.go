package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	"github.com/rl1809/kitchen-stock/internal/adapter/storage/memory"
	"github.com/rl1809/kitchen-stock/internal/core/domain"
	"github.com/rl1809/kitchen-stock/internal/port"
)

func TestAddStock_FlourScenario(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()

		ing, created, err := f.catalog.EnsureIngredient(ctx, "Flour", "g")
		if err != nil || !created {
			t.Fatalf("expected flour to be created, got %v, %v", created, err)
		}
		if ing.Name != "flour" {
			t.Errorf("expected normalized name flour, got %q", ing.Name)
		}

		inv, err := f.ledger.AddStock(ctx, "flour", dec("1000"), "line-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !inv.Quantity.Equal(dec("1000")) {
			t.Errorf("expected 1000, got %s", inv.Quantity)
		}
		if n := len(f.entries(t, ing.ID)); n != 1 {
			t.Errorf("expected 1 entry, got %d", n)
		}

		if _, err := f.ledger.AddStock(ctx, " FLOUR ", dec("500"), "line-2"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if q := f.quantity(t, ing.ID); !q.Equal(dec("1500")) {
			t.Errorf("expected 1500, got %s", q)
		}

		entries := f.entries(t, ing.ID)
		if len(entries) != 2 {
			t.Fatalf("expected 2 entries, got %d", len(entries))
		}
		for _, e := range entries {
			if e.Kind != domain.EntryStockIn || !e.Quantity.IsPositive() {
				t.Errorf("unexpected entry %+v", e)
			}
		}
		if entries[0].SourceLineID != "line-2" {
			t.Errorf("expected newest entry first, got %s", entries[0].SourceLineID)
		}
	})
}

func TestAddStock_InvalidQuantity(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		f.stock(t, "salt", "0")

		for _, qty := range []string{"0", "-1", "-0.5"} {
			_, err := f.ledger.AddStock(context.Background(), "salt", dec(qty), "")
			if !errors.Is(err, domain.ErrInvalidQuantity) {
				t.Errorf("quantity %s: expected ErrInvalidQuantity, got %v", qty, err)
			}
		}
	})
}

func TestAddStock_UnknownIngredient(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {

		_, err := f.ledger.AddStock(context.Background(), "saffron", dec("1"), "line-1")
		if !errors.Is(err, domain.ErrUnknownIngredient) {
			t.Errorf("expected ErrUnknownIngredient, got %v", err)
		}

		// the failed call must not burn the line id
		f.stock(t, "saffron", "0")
		if _, err := f.ledger.AddStock(context.Background(), "saffron", dec("1"), "line-1"); err != nil {
			t.Errorf("expected line to apply after ingredient exists, got %v", err)
		}
	})
}

func TestAddStock_IdempotentLine(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ing := f.stock(t, "rice", "0")
		ctx := context.Background()

		if _, err := f.ledger.AddStock(ctx, "rice", dec("10"), "inv-line-7"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		_, err := f.ledger.AddStock(ctx, "rice", dec("10"), "inv-line-7")
		if !errors.Is(err, domain.ErrAlreadyAdded) {
			t.Errorf("expected ErrAlreadyAdded, got %v", err)
		}
		if q := f.quantity(t, ing.ID); !q.Equal(dec("10")) {
			t.Errorf("expected 10, got %s", q)
		}
	})
}

func TestConsumeForRecipe_MargheritaShortage(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		mozzarella := f.stock(t, "mozzarella", "180")
		sauce := f.stock(t, "sos rosii", "1000")
		margherita := f.recipe(t, "Margherita", map[*domain.Ingredient]string{
			mozzarella: "200",
			sauce:      "100",
		})

		_, err := f.ledger.ConsumeForRecipe(ctx, margherita.ID, "receipt-1", dec("1"))
		if !errors.Is(err, domain.ErrInsufficientStock) {
			t.Fatalf("expected ErrInsufficientStock, got %v", err)
		}

		var shortage *domain.ShortageError
		if !errors.As(err, &shortage) {
			t.Fatalf("expected ShortageError, got %T", err)
		}
		if shortage.Ingredient != "mozzarella" || !shortage.Required.Sub(shortage.Available).Equal(dec("20")) {
			t.Errorf("unexpected shortage %+v", shortage)
		}

		if q := f.quantity(t, mozzarella.ID); !q.Equal(dec("180")) {
			t.Errorf("expected mozzarella 180, got %s", q)
		}
		if q := f.quantity(t, sauce.ID); !q.Equal(dec("1000")) {
			t.Errorf("expected sos rosii 1000, got %s", q)
		}
		for _, id := range []string{mozzarella.ID, sauce.ID} {
			for _, e := range f.entries(t, id) {
				if e.Kind == domain.EntryStockOut {
					t.Errorf("unexpected STOCK_OUT entry %+v", e)
				}
			}
		}

		// the line was not consumed, so it can go through once stock arrives
		f.ledger.AddStock(ctx, "mozzarella", dec("20"), "")
		if _, err := f.ledger.ConsumeForRecipe(ctx, margherita.ID, "receipt-1", dec("1")); err != nil {
			t.Errorf("expected consumption after restock, got %v", err)
		}
	})
}

func TestConsumeForRecipe_AllOrNothing(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		a := f.stock(t, "a", "20")
		b := f.stock(t, "b", "3")
		r := f.recipe(t, "ab", map[*domain.Ingredient]string{a: "10", b: "5"})

		_, err := f.ledger.ConsumeForRecipe(context.Background(), r.ID, "line-1", dec("1"))
		if !errors.Is(err, domain.ErrInsufficientStock) {
			t.Fatalf("expected ErrInsufficientStock, got %v", err)
		}
		if q := f.quantity(t, a.ID); !q.Equal(dec("20")) {
			t.Errorf("expected A to stay at 20, got %s", q)
		}
		if q := f.quantity(t, b.ID); !q.Equal(dec("3")) {
			t.Errorf("expected B to stay at 3, got %s", q)
		}
	})
}

func TestConsumeForRecipe_ExactlyOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		flour := f.stock(t, "flour", "1000")
		r := f.recipe(t, "bread", map[*domain.Ingredient]string{flour: "250"})

		entries, err := f.ledger.ConsumeForRecipe(ctx, r.ID, "receipt-line-1", dec("2"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(entries) != 1 || !entries[0].Quantity.Equal(dec("-500")) {
			t.Errorf("unexpected entries %+v", entries)
		}

		_, err = f.ledger.ConsumeForRecipe(ctx, r.ID, "receipt-line-1", dec("2"))
		if !errors.Is(err, domain.ErrAlreadyConsumed) {
			t.Errorf("expected ErrAlreadyConsumed, got %v", err)
		}
		if q := f.quantity(t, flour.ID); !q.Equal(dec("500")) {
			t.Errorf("expected 500, got %s", q)
		}
	})
}

func TestConsumeForRecipe_Rejections(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		flour := f.stock(t, "flour", "100")
		salt, _, _ := f.catalog.EnsureIngredient(ctx, "salt", "g")
		r := f.recipe(t, "bread", map[*domain.Ingredient]string{flour: "10", salt: "1"})

		tests := []struct {
			name       string
			recipeID   string
			line       string
			multiplier string
			want       error
		}{
			{"missing line id", r.ID, "", "1", domain.ErrMissingSource},
			{"zero multiplier", r.ID, "l1", "0", domain.ErrInvalidQuantity},
			{"negative multiplier", r.ID, "l2", "-1", domain.ErrInvalidQuantity},
			{"unknown recipe", "nope", "l3", "1", domain.ErrRecipeNotFound},
			{"ingredient without stock", r.ID, "l4", "1", domain.ErrNoInventory},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := f.ledger.ConsumeForRecipe(ctx, tt.recipeID, tt.line, dec(tt.multiplier))
				if !errors.Is(err, tt.want) {
					t.Errorf("expected %v, got %v", tt.want, err)
				}
			})
		}

		if q := f.quantity(t, flour.ID); !q.Equal(dec("100")) {
			t.Errorf("expected flour untouched, got %s", q)
		}
	})
}

func TestConsumeForRecipe_PlaceholderConsumesNothing(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()

		r, created, err := f.catalog.ResolveRecipe(ctx, "Mystery Dish")
		if err != nil || !created || !r.Placeholder {
			t.Fatalf("expected placeholder recipe, got %+v, %v, %v", r, created, err)
		}

		entries, err := f.ledger.ConsumeForRecipe(ctx, r.ID, "line-1", dec("3"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(entries) != 0 {
			t.Errorf("expected no entries, got %d", len(entries))
		}

		_, err = f.ledger.ConsumeForRecipe(ctx, r.ID, "line-1", dec("3"))
		if !errors.Is(err, domain.ErrAlreadyConsumed) {
			t.Errorf("expected ErrAlreadyConsumed, got %v", err)
		}
	})
}

func TestConsumeForRecipe_ConcurrentSameLine(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		flour := f.stock(t, "flour", "1000")
		r := f.recipe(t, "bread", map[*domain.Ingredient]string{flour: "10"})

		var successCount, dupCount atomic.Int32
		var wg sync.WaitGroup
		concurrency := 50

		for i := 0; i < concurrency; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.ledger.ConsumeForRecipe(context.Background(), r.ID, "receipt-line-1", dec("1"))
				switch {
				case err == nil:
					successCount.Add(1)
				case errors.Is(err, domain.ErrAlreadyConsumed):
					dupCount.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}

		wg.Wait()

		if successCount.Load() != 1 {
			t.Errorf("expected exactly 1 success, got %d", successCount.Load())
		}
		if dupCount.Load() != int32(concurrency-1) {
			t.Errorf("expected %d duplicates, got %d", concurrency-1, dupCount.Load())
		}
		if q := f.quantity(t, flour.ID); !q.Equal(dec("990")) {
			t.Errorf("expected 990, got %s", q)
		}
	})
}

func TestConsumeForRecipe_ConcurrentNoOversell(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		cheese := f.stock(t, "cheese", "20")
		r := f.recipe(t, "toast", map[*domain.Ingredient]string{cheese: "1"})

		var successCount atomic.Int32
		var wg sync.WaitGroup
		totalRequests := 50

		for i := 0; i < totalRequests; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := f.ledger.ConsumeForRecipe(context.Background(), r.ID, fmt.Sprintf("line-%d", i), dec("1"))
				if err == nil {
					successCount.Add(1)
				} else if !errors.Is(err, domain.ErrInsufficientStock) {
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}

		wg.Wait()

		if successCount.Load() != 20 {
			t.Errorf("expected 20 successes, got %d", successCount.Load())
		}
		if q := f.quantity(t, cheese.ID); !q.IsZero() {
			t.Errorf("expected 0, got %s", q)
		}
	})
}

func TestLowStock_Boundary(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		at := f.stock(t, "at-threshold", "5")
		above := f.stock(t, "above-threshold", "6")
		f.stock(t, "no-threshold", "1")

		for _, ing := range []*domain.Ingredient{at, above} {
			if _, err := f.ledger.UpdateThreshold(ctx, ing.ID, dec("5")); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}

		levels, err := f.ledger.LowStock(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(levels) != 1 || levels[0].Ingredient.ID != at.ID {
			t.Errorf("expected only at-threshold, got %+v", levels)
		}
	})
}

func TestUpdateThreshold(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		oil := f.stock(t, "oil", "10")
		empty, _, _ := f.catalog.EnsureIngredient(ctx, "vinegar", "ml")

		if _, err := f.ledger.UpdateThreshold(ctx, oil.ID, dec("-1")); !errors.Is(err, domain.ErrInvalidQuantity) {
			t.Errorf("expected ErrInvalidQuantity, got %v", err)
		}
		if _, err := f.ledger.UpdateThreshold(ctx, "missing", dec("1")); !errors.Is(err, domain.ErrUnknownIngredient) {
			t.Errorf("expected ErrUnknownIngredient, got %v", err)
		}
		if _, err := f.ledger.UpdateThreshold(ctx, empty.ID, dec("1")); !errors.Is(err, domain.ErrNoInventory) {
			t.Errorf("expected ErrNoInventory, got %v", err)
		}

		inv, err := f.ledger.UpdateThreshold(ctx, oil.ID, dec("12"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !inv.Quantity.Equal(dec("10")) || !inv.IsLow() {
			t.Errorf("threshold must not change quantity, got %+v", inv)
		}
		if f.alerts.marks != 1 {
			t.Errorf("expected 1 alert, got %d", f.alerts.marks)
		}

		inv, err = f.ledger.ClearThreshold(ctx, oil.ID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if inv.MinThreshold.Valid {
			t.Error("expected threshold to be cleared")
		}
		if levels, _ := f.ledger.LowStock(ctx); len(levels) != 0 {
			t.Errorf("expected no low stock, got %d", len(levels))
		}
	})
}

func TestLowStockAlert_OncePerShortage(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		basil := f.stock(t, "basil", "10")
		r := f.recipe(t, "pesto", map[*domain.Ingredient]string{basil: "3"})
		f.ledger.UpdateThreshold(ctx, basil.ID, dec("5"))

		for i := 0; i < 3; i++ {
			if _, err := f.ledger.ConsumeForRecipe(ctx, r.ID, fmt.Sprintf("line-%d", i), dec("1")); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}
		// 7 is above the threshold, 4 and 1 are low
		if f.alerts.marks != 1 {
			t.Errorf("expected 1 alert, got %d", f.alerts.marks)
		}

		f.ledger.AddStock(ctx, "basil", dec("20"), "")
		f.ledger.ConsumeForRecipe(ctx, r.ID, "line-9", dec("6"))
		if f.alerts.marks != 2 {
			t.Errorf("expected a new alert after recovery, got %d", f.alerts.marks)
		}
	})
}

func TestRetireIngredient(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		used := f.stock(t, "used", "0")
		moved := f.stock(t, "moved", "5")
		unused := f.stock(t, "unused", "0")
		f.recipe(t, "dish", map[*domain.Ingredient]string{used: "1"})

		if err := f.ledger.RetireIngredient(ctx, used.ID); !errors.Is(err, domain.ErrIngredientInUse) {
			t.Errorf("expected ErrIngredientInUse, got %v", err)
		}
		if err := f.ledger.RetireIngredient(ctx, moved.ID); !errors.Is(err, domain.ErrHasHistory) {
			t.Errorf("expected ErrHasHistory, got %v", err)
		}
		if err := f.ledger.RetireIngredient(ctx, unused.ID); err != nil {
			t.Errorf("expected unused ingredient to retire, got %v", err)
		}
		if _, err := f.catalog.GetIngredient(ctx, unused.ID); !errors.Is(err, domain.ErrUnknownIngredient) {
			t.Errorf("expected retired ingredient to be gone, got %v", err)
		}
		if err := f.ledger.RetireIngredient(ctx, unused.ID); !errors.Is(err, domain.ErrUnknownIngredient) {
			t.Errorf("expected ErrUnknownIngredient, got %v", err)
		}
	})
}

// Any accepted sequence of additions and consumptions keeps the quantity
// non-negative and equal to the sum of its ledger entries.
func TestLedger_NonNegativeProperty(t *testing.T) {
	for _, sc := range storeCases {
		t.Run(sc.name, func(t *testing.T) {
			nonNegativeProperty(t, sc.open)
		})
	}
}

func nonNegativeProperty(t *testing.T, open func(*testing.T) port.Store) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("stock never negative", prop.ForAll(
		func(ops []int) bool {
			f := newFixtureOn(t, open(t))
			ctx := context.Background()
			ing := f.stock(t, "flour", "1")
			r := f.recipe(t, "unit", map[*domain.Ingredient]string{ing: "1"})

			model := decimal.NewFromInt(1)
			for i, op := range ops {
				qty := decimal.NewFromInt(int64(op))
				switch {
				case op > 0:
					if _, err := f.ledger.AddStock(ctx, "flour", qty, ""); err != nil {
						return false
					}
					model = model.Add(qty)
				case op < 0:
					_, err := f.ledger.ConsumeForRecipe(ctx, r.ID, fmt.Sprintf("line-%d", i), qty.Neg())
					if model.LessThan(qty.Neg()) {
						if !errors.Is(err, domain.ErrInsufficientStock) {
							return false
						}
						continue
					}
					if err != nil {
						return false
					}
					model = model.Add(qty)
				}
			}

			got := f.quantity(t, ing.ID)
			sum := decimal.Zero
			for _, e := range f.entries(t, ing.ID) {
				sum = sum.Add(e.Quantity)
			}
			return !got.IsNegative() && got.Equal(model) && sum.Equal(got)
		},
		gen.SliceOf(gen.IntRange(-40, 40)),
	))

	properties.TestingRun(t)
}

func TestConsumeForRecipe_RetriesConflict(t *testing.T) {
	store := &conflictStore{Store: memory.New()}
	f := newFixtureOn(t, store)
	ctx := context.Background()
	flour := f.stock(t, "flour", "100")
	r := f.recipe(t, "bread", map[*domain.Ingredient]string{flour: "30"})

	store.mu.Lock()
	store.n, store.calls = 1, 0
	store.mu.Unlock()

	entries, err := f.ledger.ConsumeForRecipe(ctx, r.ID, "line-1", dec("1"))
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if len(entries) != 1 || store.calls != 2 {
		t.Errorf("expected 1 entry after 2 attempts, got %d entries, %d attempts", len(entries), store.calls)
	}
	if q := f.quantity(t, flour.ID); !q.Equal(dec("70")) {
		t.Errorf("expected a single deduction to 70, got %s", q)
	}
	if n := len(f.entries(t, flour.ID)); n != 2 {
		t.Errorf("expected stock-in plus one stock-out entry, got %d", n)
	}
}

func TestConsumeForRecipe_ConflictGivesUp(t *testing.T) {
	store := &conflictStore{Store: memory.New()}
	f := newFixtureOn(t, store)
	flour := f.stock(t, "flour", "100")
	r := f.recipe(t, "bread", map[*domain.Ingredient]string{flour: "30"})

	store.mu.Lock()
	store.n = conflictRetries
	store.mu.Unlock()

	_, err := f.ledger.ConsumeForRecipe(context.Background(), r.ID, "line-1", dec("1"))
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if domain.IsValidation(err) {
		t.Error("a conflict must stay retryable")
	}
	if q := f.quantity(t, flour.ID); !q.Equal(dec("100")) {
		t.Errorf("expected no deduction, got %s", q)
	}

	// the rolled back claim leaves the line free
	if _, err := f.ledger.ConsumeForRecipe(context.Background(), r.ID, "line-1", dec("1")); err != nil {
		t.Errorf("expected line to apply once the store recovers, got %v", err)
	}
}

func TestQuantityScale_Rejected(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		salt := f.stock(t, "salt", "10")
		r := f.recipe(t, "brine", map[*domain.Ingredient]string{salt: "1"})

		if _, err := f.ledger.AddStock(ctx, "salt", dec("0.00001"), ""); !errors.Is(err, domain.ErrInvalidQuantity) {
			t.Errorf("expected ErrInvalidQuantity for 5 decimal places, got %v", err)
		}
		if _, err := f.ledger.ConsumeForRecipe(ctx, r.ID, "line-1", dec("1.00001")); !errors.Is(err, domain.ErrInvalidQuantity) {
			t.Errorf("expected ErrInvalidQuantity for multiplier, got %v", err)
		}
		if _, err := f.ledger.UpdateThreshold(ctx, salt.ID, dec("0.12345")); !errors.Is(err, domain.ErrInvalidQuantity) {
			t.Errorf("expected ErrInvalidQuantity for threshold, got %v", err)
		}

		if _, err := f.ledger.AddStock(ctx, "salt", dec("0.0001"), ""); err != nil {
			t.Fatalf("expected 4 decimal places to be accepted, got %v", err)
		}
		if q := f.quantity(t, salt.ID); !q.Equal(dec("10.0001")) {
			t.Errorf("expected 10.0001, got %s", q)
		}
	})
}

func TestStock_SingleAggregate(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		oil := f.stock(t, "oil", "750")

		lvl, err := f.ledger.Stock(ctx, oil.ID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !lvl.Inventory.Quantity.Equal(dec("750")) || lvl.Ingredient.Name != "oil" {
			t.Errorf("unexpected stock level %+v", lvl)
		}

		if _, err := f.ledger.Stock(ctx, "ghost"); !errors.Is(err, domain.ErrUnknownIngredient) {
			t.Errorf("expected ErrUnknownIngredient, got %v", err)
		}

		bare, err := f.catalog.CreateIngredient(ctx, "vinegar", "ml", "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := f.ledger.Stock(ctx, bare.ID); !errors.Is(err, domain.ErrNoInventory) {
			t.Errorf("expected ErrNoInventory, got %v", err)
		}
	})
}
