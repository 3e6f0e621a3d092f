package storage

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/kitchen-stock/internal/core/domain"
	"github.com/rl1809/kitchen-stock/internal/port"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "stock.db"))
	require.NoError(t, err)

	store := NewSQLiteAdapter(db)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.Migrate(context.Background()))
	return store
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedInventory(t *testing.T, store *SQLStore, name string, qty string) domain.Inventory {
	t.Helper()

	ing := domain.Ingredient{ID: "ing-" + name, Name: name, BaseUnit: "g", CreatedAt: t0}
	inv := domain.Inventory{
		ID:           "inv-" + name,
		IngredientID: ing.ID,
		Quantity:     decimal.RequireFromString(qty),
		CreatedAt:    t0,
		UpdatedAt:    t0,
	}
	err := store.WithinTx(context.Background(), func(q port.Queries) error {
		if err := q.CreateIngredient(context.Background(), &ing); err != nil {
			return err
		}
		return q.CreateInventory(context.Background(), &inv)
	})
	require.NoError(t, err)
	return inv
}

func TestSQLite_MigrateIsIdempotent(t *testing.T) {
	store := newSQLiteStore(t)
	assert.NoError(t, store.Migrate(context.Background()))
	assert.Equal(t, "sqlite", store.Dialect())
}

func TestSQLite_IngredientNamesAreUnique(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	seedInventory(t, store, "flour", "0")

	err := store.WithinTx(ctx, func(q port.Queries) error {
		return q.CreateIngredient(ctx, &domain.Ingredient{ID: "other", Name: "flour", BaseUnit: "kg", CreatedAt: t0})
	})
	assert.ErrorIs(t, err, domain.ErrIngredientExists)

	err = store.WithinTx(ctx, func(q port.Queries) error {
		got, err := q.FindIngredientByName(ctx, "flour")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "ing-flour", got.ID)

		missing, err := q.GetIngredient(ctx, "nope")
		assert.NoError(t, err)
		assert.Nil(t, missing)
		return nil
	})
	require.NoError(t, err)
}

func TestSQLite_ApplyDeltaGuardsNegative(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	inv := seedInventory(t, store, "rice", "10")

	err := store.WithinTx(ctx, func(q port.Queries) error {
		return q.ApplyDelta(ctx, inv.ID, decimal.NewFromInt(-4), t0.Add(time.Minute))
	})
	require.NoError(t, err)

	err = store.WithinTx(ctx, func(q port.Queries) error {
		return q.ApplyDelta(ctx, inv.ID, decimal.NewFromInt(-7), t0.Add(time.Minute))
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)

	err = store.WithinTx(ctx, func(q port.Queries) error {
		return q.ApplyDelta(ctx, "missing", decimal.NewFromInt(1), t0)
	})
	assert.ErrorIs(t, err, domain.ErrNoInventory)

	err = store.WithinTx(ctx, func(q port.Queries) error {
		got, err := q.GetInventory(ctx, inv.IngredientID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, got.Quantity.Equal(decimal.NewFromInt(6)), "quantity %s", got.Quantity)
		assert.Equal(t, 1, got.Version)
		return nil
	})
	require.NoError(t, err)
}

func TestSQLite_DecimalQuantitiesStayExact(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	inv := seedInventory(t, store, "oil", "0")

	for _, d := range []string{"0.7", "0.1"} {
		err := store.WithinTx(ctx, func(q port.Queries) error {
			return q.ApplyDelta(ctx, inv.ID, decimal.RequireFromString(d), t0)
		})
		require.NoError(t, err)
	}

	err := store.WithinTx(ctx, func(q port.Queries) error {
		got, err := q.GetInventory(ctx, inv.IngredientID)
		require.NoError(t, err)
		assert.Equal(t, "0.8", got.Quantity.String())
		return nil
	})
	require.NoError(t, err)

	err = store.WithinTx(ctx, func(q port.Queries) error {
		return q.ApplyDelta(ctx, inv.ID, decimal.RequireFromString("-0.8"), t0)
	})
	require.NoError(t, err)

	err = store.WithinTx(ctx, func(q port.Queries) error {
		got, err := q.GetInventory(ctx, inv.IngredientID)
		require.NoError(t, err)
		assert.True(t, got.Quantity.IsZero(), "quantity %s", got.Quantity)
		assert.Equal(t, 3, got.Version)
		return nil
	})
	require.NoError(t, err)
}

func TestSQLite_RollbackOnError(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	inv := seedInventory(t, store, "salt", "5")
	boom := errors.New("boom")

	err := store.WithinTx(ctx, func(q port.Queries) error {
		if err := q.ClaimSource(ctx, domain.SourceClaim{SourceLineID: "line-1", Kind: domain.EntryStockIn, CreatedAt: t0}); err != nil {
			return err
		}
		if err := q.ApplyDelta(ctx, inv.ID, decimal.NewFromInt(3), t0); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = store.WithinTx(ctx, func(q port.Queries) error {
		claimed, err := q.SourceClaimed(ctx, "line-1")
		require.NoError(t, err)
		assert.False(t, claimed)

		got, err := q.GetInventory(ctx, inv.IngredientID)
		require.NoError(t, err)
		assert.True(t, got.Quantity.Equal(decimal.NewFromInt(5)))
		return nil
	})
	require.NoError(t, err)
}

func TestSQLite_ClaimSourceOnce(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	claim := domain.SourceClaim{SourceLineID: "receipt-line-1", Kind: domain.EntryStockOut, CreatedAt: t0}

	require.NoError(t, store.WithinTx(ctx, func(q port.Queries) error { return q.ClaimSource(ctx, claim) }))

	err := store.WithinTx(ctx, func(q port.Queries) error { return q.ClaimSource(ctx, claim) })
	assert.ErrorIs(t, err, domain.ErrDuplicateSource)
}

func TestSQLite_EntriesNewestFirst(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	inv := seedInventory(t, store, "oil", "0")

	err := store.WithinTx(ctx, func(q port.Queries) error {
		for i, qty := range []int64{5, -2, 3} {
			err := q.AppendEntry(ctx, &domain.LedgerEntry{
				ID:           "e" + string(rune('a'+i)),
				InventoryID:  inv.ID,
				IngredientID: inv.IngredientID,
				Quantity:     decimal.NewFromInt(qty),
				Kind:         domain.EntryStockIn,
				Reason:       "test",
				CreatedAt:    t0.Add(time.Duration(i) * time.Second),
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = store.WithinTx(ctx, func(q port.Queries) error {
		entries, err := q.ListEntries(ctx, inv.ID, 2)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "ec", entries[0].ID)
		assert.Equal(t, "eb", entries[1].ID)
		assert.Empty(t, entries[0].SourceLineID)

		n, err := q.CountEntries(ctx, inv.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		return nil
	})
	require.NoError(t, err)
}

func TestSQLite_LowStock(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	low := seedInventory(t, store, "butter", "2")
	seedInventory(t, store, "sugar", "50")

	err := store.WithinTx(ctx, func(q port.Queries) error {
		return q.SetThreshold(ctx, low.ID, decimal.NewNullDecimal(decimal.NewFromInt(5)), t0)
	})
	require.NoError(t, err)

	err = store.WithinTx(ctx, func(q port.Queries) error {
		levels, err := q.LowStock(ctx)
		require.NoError(t, err)
		require.Len(t, levels, 1)
		assert.Equal(t, "butter", levels[0].Ingredient.Name)
		assert.True(t, levels[0].Inventory.MinThreshold.Valid)

		all, err := q.ListStock(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)
		return nil
	})
	require.NoError(t, err)
}

func TestSQLite_LowStockComparesNumbers(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	// "10" sorts before "9" as text
	plenty := seedInventory(t, store, "flour", "10")
	short := seedInventory(t, store, "yeast", "0.5")

	err := store.WithinTx(ctx, func(q port.Queries) error {
		if err := q.SetThreshold(ctx, plenty.ID, decimal.NewNullDecimal(decimal.NewFromInt(9)), t0); err != nil {
			return err
		}
		return q.SetThreshold(ctx, short.ID, decimal.NewNullDecimal(decimal.RequireFromString("0.50")), t0)
	})
	require.NoError(t, err)

	err = store.WithinTx(ctx, func(q port.Queries) error {
		levels, err := q.LowStock(ctx)
		require.NoError(t, err)
		require.Len(t, levels, 1)
		assert.Equal(t, "yeast", levels[0].Ingredient.Name)
		return nil
	})
	require.NoError(t, err)
}

func TestSQLite_Recipes(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	flour := seedInventory(t, store, "flour", "0")
	cheese := seedInventory(t, store, "cheese", "0")

	recipe := domain.Recipe{
		ID:        "r1",
		Name:      "Margherita",
		Servings:  1,
		CreatedAt: t0,
		UpdatedAt: t0,
		Items: []domain.RecipeItem{
			{RecipeID: "r1", IngredientID: flour.IngredientID, Quantity: decimal.NewFromInt(200)},
			{RecipeID: "r1", IngredientID: cheese.IngredientID, Quantity: decimal.NewFromInt(100)},
		},
	}
	require.NoError(t, store.WithinTx(ctx, func(q port.Queries) error { return q.CreateRecipe(ctx, &recipe) }))

	dup := domain.Recipe{ID: "r2", Name: "margherita ", CreatedAt: t0, UpdatedAt: t0}
	err := store.WithinTx(ctx, func(q port.Queries) error { return q.CreateRecipe(ctx, &dup) })
	assert.ErrorIs(t, err, domain.ErrRecipeExists)

	err = store.WithinTx(ctx, func(q port.Queries) error {
		got, err := q.FindRecipeByName(ctx, "MARGHERITA")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Len(t, got.Items, 2)
		assert.False(t, got.Placeholder)

		n, err := q.CountRecipeReferences(ctx, cheese.IngredientID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		return q.ReplaceRecipeItems(ctx, "r1", got.Items[:1])
	})
	require.NoError(t, err)

	err = store.WithinTx(ctx, func(q port.Queries) error {
		list, err := q.ListRecipes(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Len(t, list[0].Items, 1)
		return nil
	})
	require.NoError(t, err)
}

func TestSQLite_ReceiptLifecycle(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	receipt := domain.Receipt{
		ID:        "rc1",
		FileName:  "manual",
		Status:    domain.StatusProcessing,
		CreatedAt: t0,
		Lines: []domain.ReceiptLine{
			{ID: "l1", ReceiptID: "rc1", RecipeID: "r1", ItemName: "Margherita", Quantity: decimal.NewFromInt(2), Status: domain.LinePending},
			{ID: "l2", ReceiptID: "rc1", RecipeID: "r2", ItemName: "Soda", Quantity: decimal.NewFromInt(1), Status: domain.LinePending},
		},
	}
	require.NoError(t, store.WithinTx(ctx, func(q port.Queries) error { return q.CreateReceipt(ctx, &receipt) }))

	err := store.WithinTx(ctx, func(q port.Queries) error {
		line := receipt.Lines[1]
		line.Status = domain.LineFailed
		line.Error = "recipe not found"
		if err := q.UpdateReceiptLine(ctx, &line); err != nil {
			return err
		}

		done := t0.Add(time.Minute)
		receipt.Status = domain.StatusFailed
		receipt.ProcessedAt = &done
		return q.UpdateReceipt(ctx, &receipt)
	})
	require.NoError(t, err)

	err = store.WithinTx(ctx, func(q port.Queries) error {
		got, err := q.GetReceipt(ctx, "rc1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, domain.StatusFailed, got.Status)
		require.NotNil(t, got.ProcessedAt)
		assert.Nil(t, got.ReceiptDate)
		require.Len(t, got.Lines, 2)
		assert.Equal(t, "l1", got.Lines[0].ID)
		assert.Equal(t, domain.LineFailed, got.Lines[1].Status)
		assert.Equal(t, "recipe not found", got.Lines[1].Error)
		return nil
	})
	require.NoError(t, err)

	err = store.WithinTx(ctx, func(q port.Queries) error {
		return q.UpdateReceipt(ctx, &domain.Receipt{ID: "missing", Status: domain.StatusFailed})
	})
	assert.ErrorIs(t, err, domain.ErrReceiptNotFound)
}

func TestSQLite_InvoiceLines(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	inv := domain.Invoice{
		ID:           "in1",
		SupplierName: "Acme Foods",
		FileName:     "acme.pdf",
		TotalAmount:  decimal.NewNullDecimal(decimal.RequireFromString("42.50")),
		Status:       domain.StatusCompleted,
		CreatedAt:    t0,
	}
	err := store.WithinTx(ctx, func(q port.Queries) error {
		if err := q.CreateInvoice(ctx, &inv); err != nil {
			return err
		}
		for i, name := range []string{"tomato", "basil"} {
			line := domain.InvoiceLine{
				ID:        "il" + string(rune('1'+i)),
				InvoiceID: inv.ID,
				ItemName:  name,
				Quantity:  decimal.NewFromInt(3),
				Unit:      "kg",
			}
			if err := q.AddInvoiceLine(ctx, &line); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = store.WithinTx(ctx, func(q port.Queries) error {
		got, err := q.GetInvoice(ctx, "in1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "Acme Foods", got.SupplierName)
		assert.True(t, got.TotalAmount.Valid)
		require.Len(t, got.Lines, 2)
		assert.Equal(t, "tomato", got.Lines[0].ItemName)
		assert.False(t, got.Lines[0].UnitPrice.Valid)
		return nil
	})
	require.NoError(t, err)
}

func TestSQLite_DeleteRecipeFreesIngredients(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	flour := seedInventory(t, store, "flour", "0")

	recipe := domain.Recipe{
		ID: "r1", Name: "Bread", Servings: 1, CreatedAt: t0, UpdatedAt: t0,
		Items: []domain.RecipeItem{{RecipeID: "r1", IngredientID: flour.IngredientID, Quantity: decimal.NewFromInt(500)}},
	}
	require.NoError(t, store.WithinTx(ctx, func(q port.Queries) error { return q.CreateRecipe(ctx, &recipe) }))
	require.NoError(t, store.WithinTx(ctx, func(q port.Queries) error { return q.DeleteRecipe(ctx, "r1") }))

	err := store.WithinTx(ctx, func(q port.Queries) error {
		n, err := q.CountRecipeReferences(ctx, flour.IngredientID)
		require.NoError(t, err)
		assert.Zero(t, n)

		got, err := q.GetRecipe(ctx, "r1")
		require.NoError(t, err)
		assert.Nil(t, got)
		return nil
	})
	require.NoError(t, err)

	err = store.WithinTx(ctx, func(q port.Queries) error { return q.DeleteRecipe(ctx, "r1") })
	assert.ErrorIs(t, err, domain.ErrRecipeNotFound)
}

func TestSQLite_ListDocumentsNewestFirst(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	err := store.WithinTx(ctx, func(q port.Queries) error {
		for i, id := range []string{"a", "b", "c"} {
			at := t0.Add(time.Duration(i) * time.Hour)
			inv := domain.Invoice{
				ID: id, FileName: id + ".pdf", Status: domain.StatusCompleted, CreatedAt: at,
				Lines: []domain.InvoiceLine{{ID: "il-" + id, InvoiceID: id, ItemName: "tomato", Quantity: decimal.NewFromInt(1), Unit: "kg"}},
			}
			if err := q.CreateInvoice(ctx, &inv); err != nil {
				return err
			}
			status := domain.StatusProcessing
			if id == "b" {
				status = domain.StatusCompleted
			}
			r := domain.Receipt{
				ID: id, FileName: "manual", Status: status, CreatedAt: at,
				Lines: []domain.ReceiptLine{{ID: "rl-" + id, ReceiptID: id, RecipeID: "r1", ItemName: "Soup", Quantity: decimal.NewFromInt(1), Status: domain.LinePending}},
			}
			if err := q.CreateReceipt(ctx, &r); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = store.WithinTx(ctx, func(q port.Queries) error {
		invoices, err := q.ListInvoices(ctx, 2)
		require.NoError(t, err)
		require.Len(t, invoices, 2)
		assert.Equal(t, "c", invoices[0].ID)
		assert.Equal(t, "b", invoices[1].ID)
		assert.Len(t, invoices[0].Lines, 1)

		all, err := q.ListReceipts(ctx, port.ReceiptFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		stale, err := q.ListReceipts(ctx, port.ReceiptFilter{
			Status:        domain.StatusProcessing,
			CreatedBefore: t0.Add(90 * time.Minute),
		})
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, "a", stale[0].ID)
		assert.Len(t, stale[0].Lines, 1)
		return nil
	})
	require.NoError(t, err)
}

func TestSQLite_DeleteDocumentsKeepsClaims(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	inv := domain.Invoice{
		ID: "in1", FileName: "acme.pdf", Status: domain.StatusCompleted, CreatedAt: t0,
		Lines: []domain.InvoiceLine{{ID: "il1", InvoiceID: "in1", ItemName: "tomato", Quantity: decimal.NewFromInt(3), Unit: "kg"}},
	}
	err := store.WithinTx(ctx, func(q port.Queries) error {
		if err := q.CreateInvoice(ctx, &inv); err != nil {
			return err
		}
		return q.ClaimSource(ctx, domain.SourceClaim{SourceLineID: "il1", Kind: domain.EntryStockIn, CreatedAt: t0})
	})
	require.NoError(t, err)

	require.NoError(t, store.WithinTx(ctx, func(q port.Queries) error { return q.DeleteInvoice(ctx, "in1") }))

	err = store.WithinTx(ctx, func(q port.Queries) error {
		got, err := q.GetInvoice(ctx, "in1")
		require.NoError(t, err)
		assert.Nil(t, got)

		claimed, err := q.SourceClaimed(ctx, "il1")
		require.NoError(t, err)
		assert.True(t, claimed)
		return nil
	})
	require.NoError(t, err)

	err = store.WithinTx(ctx, func(q port.Queries) error { return q.DeleteReceipt(ctx, "missing") })
	assert.ErrorIs(t, err, domain.ErrReceiptNotFound)
}
