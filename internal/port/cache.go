package port

import "context"

type AlertCache interface {
	// MarkLowStock records a low-stock alert, returns false if one is already recorded
	MarkLowStock(ctx context.Context, ingredientID string) (bool, error)

	// ClearLowStock forgets the alert once stock recovers
	ClearLowStock(ctx context.Context, ingredientID string) error
}
