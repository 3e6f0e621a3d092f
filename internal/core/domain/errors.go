package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidQuantity   = errors.New("invalid quantity")
	ErrUnknownIngredient = errors.New("unknown ingredient")
	ErrRecipeNotFound    = errors.New("recipe not found")
	ErrNoInventory       = errors.New("no inventory for ingredient")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrAlreadyConsumed   = errors.New("recipe already consumed for receipt line")
	ErrAlreadyAdded      = errors.New("invoice line already added to inventory")
	ErrIngredientInUse   = errors.New("ingredient is used in recipes")
	ErrHasHistory        = errors.New("ingredient has stock history")

	ErrMissingSource       = errors.New("source line id is required")
	ErrInvalidRecipe       = errors.New("invalid recipe")
	ErrInvalidIngredient   = errors.New("invalid ingredient")
	ErrIngredientExists    = errors.New("ingredient already exists")
	ErrRecipeExists        = errors.New("recipe already exists")
	ErrInvoiceNotFound     = errors.New("invoice not found")
	ErrInvoiceNotProcessed = errors.New("invoice not processed yet")
	ErrReceiptNotFound     = errors.New("receipt not found")
	ErrEmptyDocument       = errors.New("document must contain at least one line")
	ErrDocumentBusy        = errors.New("document is still processing")

	// ErrDuplicateSource is returned by stores when a source line item has
	// already been claimed.
	ErrDuplicateSource = errors.New("source line already applied")

	// ErrConflict reports a concurrent write that lost a race, such as two
	// transactions creating the same aggregate. Retrying may succeed.
	ErrConflict = errors.New("concurrent update conflict")

	ErrExtractionUnavailable = errors.New("document extraction is not configured")
	ErrMalformedExtraction   = errors.New("malformed extraction payload")
)

// ShortageError describes a consumption that would drive an aggregate
// below zero.
type ShortageError struct {
	Ingredient string
	Available  decimal.Decimal
	Required   decimal.Decimal
}

func (e *ShortageError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: available %s, required %s (short %s)",
		e.Ingredient, e.Available, e.Required, e.Required.Sub(e.Available))
}

func (e *ShortageError) Unwrap() error { return ErrInsufficientStock }

// IsValidation reports whether err is a caller-facing rejection rather than
// an infrastructure failure. Validation errors are never worth retrying.
func IsValidation(err error) bool {
	for _, target := range []error{
		ErrInvalidQuantity, ErrUnknownIngredient, ErrRecipeNotFound,
		ErrNoInventory, ErrInsufficientStock, ErrAlreadyConsumed,
		ErrAlreadyAdded, ErrIngredientInUse, ErrHasHistory,
		ErrMissingSource, ErrInvalidRecipe, ErrInvalidIngredient, ErrIngredientExists,
		ErrRecipeExists, ErrInvoiceNotFound, ErrInvoiceNotProcessed,
		ErrReceiptNotFound, ErrEmptyDocument, ErrDocumentBusy, ErrExtractionUnavailable,
		ErrMalformedExtraction,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
