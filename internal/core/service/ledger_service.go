package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/rl1809/kitchen-stock/internal/core/domain"
	"github.com/rl1809/kitchen-stock/internal/port"
)

// conflictRetries bounds how often an operation is retried after it fails
// with domain.ErrConflict, such as a deadlock or serialization failure.
const conflictRetries = 3

// LedgerService owns every change to inventory quantities. Each operation
// runs in a single store transaction.
type LedgerService struct {
	store   port.Store
	opts    options
	log     *slog.Logger
	metrics *metrics
}

func NewLedgerService(store port.Store, opts ...Option) *LedgerService {
	o := buildOptions(opts)
	return &LedgerService{
		store:   store,
		opts:    o,
		log:     o.logger.With("component", "ledger"),
		metrics: newMetrics(),
	}
}

// AddStock increases the stock of an existing ingredient. A non-empty
// sourceLineID is claimed in the same transaction, so the same invoice line
// can never be added twice.
func (s *LedgerService) AddStock(ctx context.Context, ingredientName string, quantity decimal.Decimal, sourceLineID string) (*domain.Inventory, error) {
	if !quantity.IsPositive() {
		return nil, s.rejected(ctx, "add_stock", fmt.Errorf("%w: %s must be positive", domain.ErrInvalidQuantity, quantity))
	}
	if err := domain.CheckScale(quantity); err != nil {
		return nil, s.rejected(ctx, "add_stock", err)
	}
	name := domain.NormalizeName(ingredientName)

	var (
		inv *domain.Inventory
		err error
	)
	for attempt := 0; attempt < conflictRetries; attempt++ {
		inv, err = s.addStock(ctx, name, quantity, sourceLineID)
		if !errors.Is(err, domain.ErrConflict) {
			break
		}
	}
	if err != nil {
		return nil, s.rejected(ctx, "add_stock", err)
	}

	s.metrics.stockIn.Add(ctx, quantity.InexactFloat64())
	s.log.InfoContext(ctx, "stock added",
		"ingredient", name,
		"quantity", quantity.String(),
		"balance", inv.Quantity.String(),
		"source_line_id", sourceLineID,
	)

	if inv.MinThreshold.Valid && !inv.IsLow() {
		s.clearAlert(ctx, inv.IngredientID)
	}
	return inv, nil
}

func (s *LedgerService) addStock(ctx context.Context, name string, quantity decimal.Decimal, sourceLineID string) (*domain.Inventory, error) {
	var inv *domain.Inventory
	err := s.store.WithinTx(ctx, func(q port.Queries) error {
		ing, err := q.FindIngredientByName(ctx, name)
		if err != nil {
			return err
		}
		if ing == nil {
			return fmt.Errorf("%w: %q", domain.ErrUnknownIngredient, name)
		}

		now := s.opts.now()
		if sourceLineID != "" {
			err := q.ClaimSource(ctx, domain.SourceClaim{SourceLineID: sourceLineID, Kind: domain.EntryStockIn, CreatedAt: now})
			if errors.Is(err, domain.ErrDuplicateSource) {
				return fmt.Errorf("%w: line %s", domain.ErrAlreadyAdded, sourceLineID)
			}
			if err != nil {
				return err
			}
		}

		inv, err = q.LockInventory(ctx, ing.ID)
		if err != nil {
			return err
		}
		if inv == nil {
			inv = &domain.Inventory{
				ID:           s.opts.newID(),
				IngredientID: ing.ID,
				Quantity:     decimal.Zero,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if err := q.CreateInventory(ctx, inv); err != nil {
				return err
			}
		}

		if err := q.ApplyDelta(ctx, inv.ID, quantity, now); err != nil {
			return err
		}

		reason := "manual addition"
		if sourceLineID != "" {
			reason = "invoice line " + sourceLineID
		}
		err = q.AppendEntry(ctx, &domain.LedgerEntry{
			ID:           s.opts.newID(),
			InventoryID:  inv.ID,
			IngredientID: ing.ID,
			Quantity:     quantity,
			Kind:         domain.EntryStockIn,
			SourceLineID: sourceLineID,
			Reason:       reason,
			CreatedAt:    now,
		})
		if err != nil {
			return err
		}

		inv.Quantity = inv.Quantity.Add(quantity)
		inv.Version++
		inv.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// ConsumeForRecipe deducts multiplier servings of a recipe. The receipt line
// is claimed, every ingredient is locked and checked, and only then are the
// aggregates decremented. Nothing is written unless every ingredient has
// enough stock.
func (s *LedgerService) ConsumeForRecipe(ctx context.Context, recipeID, receiptLineID string, multiplier decimal.Decimal) ([]domain.LedgerEntry, error) {
	if receiptLineID == "" {
		return nil, s.rejected(ctx, "consume", domain.ErrMissingSource)
	}
	if !multiplier.IsPositive() {
		return nil, s.rejected(ctx, "consume", fmt.Errorf("%w: multiplier %s must be positive", domain.ErrInvalidQuantity, multiplier))
	}
	if err := domain.CheckScale(multiplier); err != nil {
		return nil, s.rejected(ctx, "consume", err)
	}

	var (
		recipe   *domain.Recipe
		entries  []domain.LedgerEntry
		balances []domain.Inventory
		err      error
	)
	for attempt := 0; attempt < conflictRetries; attempt++ {
		recipe, entries, balances, err = s.consume(ctx, recipeID, receiptLineID, multiplier)
		if !errors.Is(err, domain.ErrConflict) {
			break
		}
		s.log.WarnContext(ctx, "consumption lost a race, retrying", "receipt_line_id", receiptLineID, "attempt", attempt+1)
	}
	if err != nil {
		return nil, s.rejected(ctx, "consume", err)
	}

	if recipe.Placeholder || len(entries) == 0 {
		s.log.WarnContext(ctx, "recipe has no ingredients, nothing consumed",
			"recipe_id", recipe.ID,
			"recipe", recipe.Name,
			"receipt_line_id", receiptLineID,
		)
	}

	for i, e := range entries {
		s.metrics.stockOut.Add(ctx, e.Quantity.Neg().InexactFloat64())
		if balances[i].IsLow() {
			s.raiseAlert(ctx, balances[i])
		}
	}
	return entries, nil
}

func (s *LedgerService) consume(ctx context.Context, recipeID, receiptLineID string, multiplier decimal.Decimal) (*domain.Recipe, []domain.LedgerEntry, []domain.Inventory, error) {
	var (
		recipe   *domain.Recipe
		entries  []domain.LedgerEntry
		balances []domain.Inventory
	)
	err := s.store.WithinTx(ctx, func(q port.Queries) error {
		now := s.opts.now()
		err := q.ClaimSource(ctx, domain.SourceClaim{SourceLineID: receiptLineID, Kind: domain.EntryStockOut, CreatedAt: now})
		if errors.Is(err, domain.ErrDuplicateSource) {
			return fmt.Errorf("%w: line %s", domain.ErrAlreadyConsumed, receiptLineID)
		}
		if err != nil {
			return err
		}

		recipe, err = q.GetRecipe(ctx, recipeID)
		if err != nil {
			return err
		}
		if recipe == nil {
			return fmt.Errorf("%w: %s", domain.ErrRecipeNotFound, recipeID)
		}

		reqs := domain.Expand(*recipe, multiplier)

		// lock in ingredient id order so concurrent consumptions of
		// overlapping recipes cannot deadlock
		order := make([]domain.Requirement, len(reqs))
		copy(order, reqs)
		sort.Slice(order, func(i, j int) bool { return order[i].IngredientID < order[j].IngredientID })

		locked := make(map[string]*domain.Inventory, len(order))
		for _, req := range order {
			inv, err := q.LockInventory(ctx, req.IngredientID)
			if err != nil {
				return err
			}
			if inv == nil {
				return fmt.Errorf("%w: %s", domain.ErrNoInventory, s.ingredientName(ctx, q, req.IngredientID))
			}
			if inv.Quantity.LessThan(req.Quantity) {
				return &domain.ShortageError{
					Ingredient: s.ingredientName(ctx, q, req.IngredientID),
					Available:  inv.Quantity,
					Required:   req.Quantity,
				}
			}
			locked[req.IngredientID] = inv
		}

		for _, req := range reqs {
			inv := locked[req.IngredientID]
			if err := q.ApplyDelta(ctx, inv.ID, req.Quantity.Neg(), now); err != nil {
				return err
			}

			entry := domain.LedgerEntry{
				ID:           s.opts.newID(),
				InventoryID:  inv.ID,
				IngredientID: req.IngredientID,
				Quantity:     req.Quantity.Neg(),
				Kind:         domain.EntryStockOut,
				SourceLineID: receiptLineID,
				Reason:       fmt.Sprintf("recipe %s x%s", recipe.Name, multiplier),
				CreatedAt:    now,
			}
			if err := q.AppendEntry(ctx, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)

			inv.Quantity = inv.Quantity.Sub(req.Quantity)
			inv.Version++
			inv.UpdatedAt = now
			balances = append(balances, *inv)
		}
		return nil
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return recipe, entries, balances, nil
}

func (s *LedgerService) ingredientName(ctx context.Context, q port.Queries, id string) string {
	ing, err := q.GetIngredient(ctx, id)
	if err != nil || ing == nil {
		return id
	}
	return ing.Name
}

// UpdateThreshold sets the level at or below which an ingredient is
// reported as low. Quantities are left untouched.
func (s *LedgerService) UpdateThreshold(ctx context.Context, ingredientID string, minThreshold decimal.Decimal) (*domain.Inventory, error) {
	if minThreshold.IsNegative() {
		return nil, s.rejected(ctx, "update_threshold", fmt.Errorf("%w: threshold %s is negative", domain.ErrInvalidQuantity, minThreshold))
	}
	if err := domain.CheckScale(minThreshold); err != nil {
		return nil, s.rejected(ctx, "update_threshold", err)
	}
	return s.setThreshold(ctx, "update_threshold", ingredientID, decimal.NewNullDecimal(minThreshold))
}

func (s *LedgerService) ClearThreshold(ctx context.Context, ingredientID string) (*domain.Inventory, error) {
	return s.setThreshold(ctx, "clear_threshold", ingredientID, decimal.NullDecimal{})
}

func (s *LedgerService) setThreshold(ctx context.Context, op, ingredientID string, threshold decimal.NullDecimal) (*domain.Inventory, error) {
	var inv *domain.Inventory
	err := s.store.WithinTx(ctx, func(q port.Queries) error {
		ing, err := q.GetIngredient(ctx, ingredientID)
		if err != nil {
			return err
		}
		if ing == nil {
			return fmt.Errorf("%w: %s", domain.ErrUnknownIngredient, ingredientID)
		}

		inv, err = q.LockInventory(ctx, ingredientID)
		if err != nil {
			return err
		}
		if inv == nil {
			return fmt.Errorf("%w: %s", domain.ErrNoInventory, ing.Name)
		}

		now := s.opts.now()
		if err := q.SetThreshold(ctx, inv.ID, threshold, now); err != nil {
			return err
		}
		inv.MinThreshold = threshold
		inv.Version++
		inv.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, s.rejected(ctx, op, err)
	}

	if inv.IsLow() {
		s.raiseAlert(ctx, *inv)
	} else {
		s.clearAlert(ctx, inv.IngredientID)
	}
	return inv, nil
}

// RetireIngredient deletes an ingredient that no recipe uses and whose
// stock never moved.
func (s *LedgerService) RetireIngredient(ctx context.Context, ingredientID string) error {
	err := s.store.WithinTx(ctx, func(q port.Queries) error {
		ing, err := q.GetIngredient(ctx, ingredientID)
		if err != nil {
			return err
		}
		if ing == nil {
			return fmt.Errorf("%w: %s", domain.ErrUnknownIngredient, ingredientID)
		}

		refs, err := q.CountRecipeReferences(ctx, ingredientID)
		if err != nil {
			return err
		}
		if refs > 0 {
			return fmt.Errorf("%w: %s is used by %d recipe items", domain.ErrIngredientInUse, ing.Name, refs)
		}

		inv, err := q.LockInventory(ctx, ingredientID)
		if err != nil {
			return err
		}
		if inv != nil {
			n, err := q.CountEntries(ctx, inv.ID)
			if err != nil {
				return err
			}
			if n > 0 {
				return fmt.Errorf("%w: %s has %d ledger entries", domain.ErrHasHistory, ing.Name, n)
			}
			if err := q.DeleteInventory(ctx, inv.ID); err != nil {
				return err
			}
		}

		return q.DeleteIngredient(ctx, ingredientID)
	})
	if err != nil {
		return s.rejected(ctx, "retire", err)
	}

	s.clearAlert(ctx, ingredientID)
	s.log.InfoContext(ctx, "ingredient retired", "ingredient_id", ingredientID)
	return nil
}

// LowStock lists aggregates with a threshold whose quantity is at or below it.
func (s *LedgerService) LowStock(ctx context.Context) ([]domain.StockLevel, error) {
	var levels []domain.StockLevel
	err := s.store.WithinTx(ctx, func(q port.Queries) error {
		var err error
		levels, err = q.LowStock(ctx)
		return err
	})
	return levels, err
}

// Stock returns the aggregate of one ingredient with its metadata.
func (s *LedgerService) Stock(ctx context.Context, ingredientID string) (*domain.StockLevel, error) {
	var lvl *domain.StockLevel
	err := s.store.WithinTx(ctx, func(q port.Queries) error {
		ing, err := q.GetIngredient(ctx, ingredientID)
		if err != nil {
			return err
		}
		if ing == nil {
			return fmt.Errorf("%w: %s", domain.ErrUnknownIngredient, ingredientID)
		}
		inv, err := q.GetInventory(ctx, ingredientID)
		if err != nil {
			return err
		}
		if inv == nil {
			return fmt.Errorf("%w: %s", domain.ErrNoInventory, ing.Name)
		}
		lvl = &domain.StockLevel{Inventory: *inv, Ingredient: *ing}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lvl, nil
}

func (s *LedgerService) Inventory(ctx context.Context) ([]domain.StockLevel, error) {
	var levels []domain.StockLevel
	err := s.store.WithinTx(ctx, func(q port.Queries) error {
		var err error
		levels, err = q.ListStock(ctx)
		return err
	})
	return levels, err
}

// History returns the latest ledger entries of an ingredient, newest first.
// A limit of zero returns every entry.
func (s *LedgerService) History(ctx context.Context, ingredientID string, limit int) ([]domain.LedgerEntry, error) {
	var entries []domain.LedgerEntry
	err := s.store.WithinTx(ctx, func(q port.Queries) error {
		ing, err := q.GetIngredient(ctx, ingredientID)
		if err != nil {
			return err
		}
		if ing == nil {
			return fmt.Errorf("%w: %s", domain.ErrUnknownIngredient, ingredientID)
		}

		inv, err := q.GetInventory(ctx, ingredientID)
		if err != nil || inv == nil {
			entries = []domain.LedgerEntry{}
			return err
		}
		entries, err = q.ListEntries(ctx, inv.ID, limit)
		return err
	})
	return entries, err
}

func (s *LedgerService) raiseAlert(ctx context.Context, inv domain.Inventory) {
	if s.opts.alerts != nil {
		fresh, err := s.opts.alerts.MarkLowStock(ctx, inv.IngredientID)
		if err != nil {
			s.log.ErrorContext(ctx, "failed to record low stock alert", "ingredient_id", inv.IngredientID, "error", err)
		}
		if !fresh && err == nil {
			return
		}
	}

	s.metrics.lowStock.Add(ctx, 1)
	s.log.WarnContext(ctx, "low stock",
		"ingredient_id", inv.IngredientID,
		"quantity", inv.Quantity.String(),
		"min_threshold", inv.MinThreshold.Decimal.String(),
	)
}

func (s *LedgerService) clearAlert(ctx context.Context, ingredientID string) {
	if s.opts.alerts == nil {
		return
	}
	if err := s.opts.alerts.ClearLowStock(ctx, ingredientID); err != nil {
		s.log.ErrorContext(ctx, "failed to clear low stock alert", "ingredient_id", ingredientID, "error", err)
	}
}

func (s *LedgerService) rejected(ctx context.Context, op string, err error) error {
	s.metrics.reject(ctx, op, err)
	return err
}
