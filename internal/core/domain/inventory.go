package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// QuantityScale is the number of decimal places stores keep for quantities.
const QuantityScale = 4

// CheckScale rejects a quantity that storage would have to round.
func CheckScale(q decimal.Decimal) error {
	if q.Exponent() >= -QuantityScale || q.Equal(q.Truncate(QuantityScale)) {
		return nil
	}
	return fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidQuantity, q, QuantityScale)
}

type Inventory struct {
	ID           string              `json:"id"`
	IngredientID string              `json:"ingredient_id"`
	Quantity     decimal.Decimal     `json:"quantity"`
	MinThreshold decimal.NullDecimal `json:"min_threshold"`
	Version      int                 `json:"version"` // optimistic locking
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"last_updated"`
}

// IsLow reports whether a threshold is set and the quantity is at or below it.
func (i Inventory) IsLow() bool {
	return i.MinThreshold.Valid && i.Quantity.LessThanOrEqual(i.MinThreshold.Decimal)
}

// StockLevel is an aggregate joined with its ingredient metadata.
type StockLevel struct {
	Inventory  Inventory  `json:"inventory"`
	Ingredient Ingredient `json:"ingredient"`
}

type EntryKind string

const (
	EntryStockIn  EntryKind = "STOCK_IN"
	EntryStockOut EntryKind = "STOCK_OUT"
)

// LedgerEntry is one immutable stock movement. Quantity is signed: positive
// for STOCK_IN, negative for STOCK_OUT.
type LedgerEntry struct {
	ID           string          `json:"id"`
	InventoryID  string          `json:"inventory_id"`
	IngredientID string          `json:"ingredient_id"`
	Quantity     decimal.Decimal `json:"quantity"`
	Kind         EntryKind       `json:"kind"`
	SourceLineID string          `json:"source_line_id,omitempty"`
	Reason       string          `json:"reason"`
	CreatedAt    time.Time       `json:"created_at"`
}

// SourceClaim records that a source line item has been applied to stock.
// The store keeps at most one claim per SourceLineID.
type SourceClaim struct {
	SourceLineID string
	Kind         EntryKind
	CreatedAt    time.Time
}
