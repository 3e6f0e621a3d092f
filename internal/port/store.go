package port

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/kitchen-stock/internal/core/domain"
)

// Lookups that find nothing return a nil pointer and a nil error.

type CatalogQueries interface {
	// CreateIngredient fails with domain.ErrIngredientExists on a name clash
	CreateIngredient(ctx context.Context, ing *domain.Ingredient) error
	GetIngredient(ctx context.Context, id string) (*domain.Ingredient, error)
	// FindIngredientByName expects an already normalized name
	FindIngredientByName(ctx context.Context, name string) (*domain.Ingredient, error)
	ListIngredients(ctx context.Context) ([]domain.Ingredient, error)
	DeleteIngredient(ctx context.Context, id string) error
	CountRecipeReferences(ctx context.Context, ingredientID string) (int, error)
}

type LedgerQueries interface {
	GetInventory(ctx context.Context, ingredientID string) (*domain.Inventory, error)
	// LockInventory reads the aggregate and holds a row lock until the
	// enclosing transaction ends
	LockInventory(ctx context.Context, ingredientID string) (*domain.Inventory, error)
	CreateInventory(ctx context.Context, inv *domain.Inventory) error
	// ApplyDelta adds delta to the aggregate quantity and bumps its version.
	// It fails with domain.ErrInsufficientStock if the result would be negative.
	ApplyDelta(ctx context.Context, inventoryID string, delta decimal.Decimal, at time.Time) error
	SetThreshold(ctx context.Context, inventoryID string, threshold decimal.NullDecimal, at time.Time) error
	DeleteInventory(ctx context.Context, inventoryID string) error

	// ClaimSource fails with domain.ErrDuplicateSource if the line was claimed
	ClaimSource(ctx context.Context, claim domain.SourceClaim) error
	SourceClaimed(ctx context.Context, sourceLineID string) (bool, error)
	AppendEntry(ctx context.Context, entry *domain.LedgerEntry) error
	CountEntries(ctx context.Context, inventoryID string) (int, error)
	// ListEntries returns the most recent entries first
	ListEntries(ctx context.Context, inventoryID string, limit int) ([]domain.LedgerEntry, error)

	ListStock(ctx context.Context) ([]domain.StockLevel, error)
	LowStock(ctx context.Context) ([]domain.StockLevel, error)
}

type RecipeQueries interface {
	// CreateRecipe stores the recipe with its items. Names are unique
	// regardless of case (domain.ErrRecipeExists).
	CreateRecipe(ctx context.Context, r *domain.Recipe) error
	GetRecipe(ctx context.Context, id string) (*domain.Recipe, error)
	FindRecipeByName(ctx context.Context, name string) (*domain.Recipe, error)
	ListRecipes(ctx context.Context) ([]domain.Recipe, error)
	UpdateRecipe(ctx context.Context, r *domain.Recipe) error
	// ReplaceRecipeItems deletes every item of the recipe and inserts items
	ReplaceRecipeItems(ctx context.Context, recipeID string, items []domain.RecipeItem) error
	DeleteRecipe(ctx context.Context, id string) error
}

// ReceiptFilter narrows ListReceipts. Zero fields match everything.
type ReceiptFilter struct {
	Status        domain.DocumentStatus
	CreatedBefore time.Time
	Limit         int
}

type DocumentQueries interface {
	CreateInvoice(ctx context.Context, inv *domain.Invoice) error
	GetInvoice(ctx context.Context, id string) (*domain.Invoice, error)
	UpdateInvoice(ctx context.Context, inv *domain.Invoice) error
	AddInvoiceLine(ctx context.Context, line *domain.InvoiceLine) error
	// ListInvoices returns invoices with their lines, newest first
	ListInvoices(ctx context.Context, limit int) ([]domain.Invoice, error)
	// DeleteInvoice removes the invoice and its lines. Ledger entries and
	// source claims are kept.
	DeleteInvoice(ctx context.Context, id string) error

	CreateReceipt(ctx context.Context, r *domain.Receipt) error
	GetReceipt(ctx context.Context, id string) (*domain.Receipt, error)
	UpdateReceipt(ctx context.Context, r *domain.Receipt) error
	AddReceiptLine(ctx context.Context, line *domain.ReceiptLine) error
	UpdateReceiptLine(ctx context.Context, line *domain.ReceiptLine) error
	// ListReceipts returns receipts with their lines, newest first
	ListReceipts(ctx context.Context, filter ReceiptFilter) ([]domain.Receipt, error)
	DeleteReceipt(ctx context.Context, id string) error
}

type Queries interface {
	CatalogQueries
	LedgerQueries
	RecipeQueries
	DocumentQueries
}

type Store interface {
	// WithinTx runs fn in a single transaction. Any error returned by fn
	// rolls back every change fn made.
	WithinTx(ctx context.Context, fn func(q Queries) error) error

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
