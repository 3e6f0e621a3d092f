package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/rl1809/kitchen-stock/internal/core/domain"
	"github.com/rl1809/kitchen-stock/internal/port"
)

// CatalogService manages ingredients and recipes. It never touches stock
// quantities.
type CatalogService struct {
	store   port.Store
	opts    options
	log     *slog.Logger
	metrics *metrics
}

func NewCatalogService(store port.Store, opts ...Option) *CatalogService {
	o := buildOptions(opts)
	return &CatalogService{
		store:   store,
		opts:    o,
		log:     o.logger.With("component", "catalog"),
		metrics: newMetrics(),
	}
}

type RecipeInput struct {
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Servings    int                 `json:"servings,omitempty"`
	Items       []domain.RecipeItem `json:"items"`
}

func (s *CatalogService) CreateIngredient(ctx context.Context, name, baseUnit, category string) (*domain.Ingredient, error) {
	ing, err := s.newIngredient(name, baseUnit, category)
	if err != nil {
		return nil, err
	}

	err = s.store.WithinTx(ctx, func(q port.Queries) error {
		return q.CreateIngredient(ctx, ing)
	})
	if err != nil {
		return nil, err
	}
	return ing, nil
}

func (s *CatalogService) newIngredient(name, baseUnit, category string) (*domain.Ingredient, error) {
	name = domain.NormalizeName(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", domain.ErrInvalidIngredient)
	}
	baseUnit = strings.TrimSpace(baseUnit)
	if baseUnit == "" {
		return nil, fmt.Errorf("%w: base unit is required for %q", domain.ErrInvalidIngredient, name)
	}
	return &domain.Ingredient{
		ID:        s.opts.newID(),
		Name:      name,
		BaseUnit:  baseUnit,
		Category:  strings.TrimSpace(category),
		CreatedAt: s.opts.now(),
	}, nil
}

// EnsureIngredient resolves an ingredient by normalized name, creating it
// with the given unit on first sight. An existing ingredient keeps its
// original base unit.
func (s *CatalogService) EnsureIngredient(ctx context.Context, name, unit string) (*domain.Ingredient, bool, error) {
	cand, err := s.newIngredient(name, unit, "")
	if err != nil {
		return nil, false, err
	}

	var (
		ing     *domain.Ingredient
		created bool
	)
	for attempt := 0; attempt < conflictRetries; attempt++ {
		err = s.store.WithinTx(ctx, func(q port.Queries) error {
			existing, err := q.FindIngredientByName(ctx, cand.Name)
			if err != nil {
				return err
			}
			if existing != nil {
				ing, created = existing, false
				return nil
			}
			if err := q.CreateIngredient(ctx, cand); err != nil {
				return err
			}
			ing, created = cand, true
			return nil
		})
		if !errors.Is(err, domain.ErrIngredientExists) {
			break
		}
	}
	if err != nil {
		return nil, false, err
	}

	if created {
		s.log.InfoContext(ctx, "ingredient created", "ingredient", ing.Name, "base_unit", ing.BaseUnit)
	}
	return ing, created, nil
}

func (s *CatalogService) GetIngredient(ctx context.Context, id string) (*domain.Ingredient, error) {
	var ing *domain.Ingredient
	err := s.store.WithinTx(ctx, func(q port.Queries) error {
		var err error
		ing, err = q.GetIngredient(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if ing == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownIngredient, id)
	}
	return ing, nil
}

func (s *CatalogService) ListIngredients(ctx context.Context) ([]domain.Ingredient, error) {
	var out []domain.Ingredient
	err := s.store.WithinTx(ctx, func(q port.Queries) error {
		var err error
		out, err = q.ListIngredients(ctx)
		return err
	})
	return out, err
}

// ==================== Recipes ====================

func (s *CatalogService) CreateRecipe(ctx context.Context, in RecipeInput) (*domain.Recipe, error) {
	now := s.opts.now()
	r := &domain.Recipe{
		ID:          s.opts.newID(),
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		Servings:    in.Servings,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if r.Name == "" {
		return nil, fmt.Errorf("%w: name is required", domain.ErrInvalidRecipe)
	}

	err := s.store.WithinTx(ctx, func(q port.Queries) error {
		items, err := validateItems(ctx, q, r.ID, in.Items)
		if err != nil {
			return err
		}
		r.Items = items
		return q.CreateRecipe(ctx, r)
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// UpdateRecipe replaces the header and every item of a recipe. A
// placeholder recipe becomes a regular one once it has items.
func (s *CatalogService) UpdateRecipe(ctx context.Context, id string, in RecipeInput) (*domain.Recipe, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", domain.ErrInvalidRecipe)
	}

	var r *domain.Recipe
	err := s.store.WithinTx(ctx, func(q port.Queries) error {
		var err error
		r, err = q.GetRecipe(ctx, id)
		if err != nil {
			return err
		}
		if r == nil {
			return fmt.Errorf("%w: %s", domain.ErrRecipeNotFound, id)
		}

		items, err := validateItems(ctx, q, id, in.Items)
		if err != nil {
			return err
		}

		r.Name = name
		r.Description = in.Description
		r.Servings = in.Servings
		r.Placeholder = false
		r.Items = items
		r.UpdatedAt = s.opts.now()
		if err := q.UpdateRecipe(ctx, r); err != nil {
			return err
		}
		return q.ReplaceRecipeItems(ctx, id, items)
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func validateItems(ctx context.Context, q port.Queries, recipeID string, items []domain.RecipeItem) ([]domain.RecipeItem, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: at least one ingredient is required", domain.ErrInvalidRecipe)
	}

	seen := make(map[string]bool, len(items))
	out := make([]domain.RecipeItem, 0, len(items))
	for _, item := range items {
		if !item.Quantity.IsPositive() {
			return nil, fmt.Errorf("%w: ingredient %s quantity %s must be positive", domain.ErrInvalidQuantity, item.IngredientID, item.Quantity)
		}
		if err := domain.CheckScale(item.Quantity); err != nil {
			return nil, fmt.Errorf("ingredient %s: %w", item.IngredientID, err)
		}
		if seen[item.IngredientID] {
			return nil, fmt.Errorf("%w: ingredient %s listed twice", domain.ErrInvalidRecipe, item.IngredientID)
		}
		seen[item.IngredientID] = true

		ing, err := q.GetIngredient(ctx, item.IngredientID)
		if err != nil {
			return nil, err
		}
		if ing == nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownIngredient, item.IngredientID)
		}
		out = append(out, domain.RecipeItem{RecipeID: recipeID, IngredientID: ing.ID, Quantity: item.Quantity})
	}
	return out, nil
}

func (s *CatalogService) GetRecipe(ctx context.Context, id string) (*domain.Recipe, error) {
	var r *domain.Recipe
	err := s.store.WithinTx(ctx, func(q port.Queries) error {
		var err error
		r, err = q.GetRecipe(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrRecipeNotFound, id)
	}
	return r, nil
}

// FindRecipe looks a recipe up by dish name, ignoring case.
func (s *CatalogService) FindRecipe(ctx context.Context, name string) (*domain.Recipe, error) {
	var r *domain.Recipe
	err := s.store.WithinTx(ctx, func(q port.Queries) error {
		var err error
		r, err = q.FindRecipeByName(ctx, strings.TrimSpace(name))
		return err
	})
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("%w: %q", domain.ErrRecipeNotFound, name)
	}
	return r, nil
}

func (s *CatalogService) ListRecipes(ctx context.Context) ([]domain.Recipe, error) {
	var out []domain.Recipe
	err := s.store.WithinTx(ctx, func(q port.Queries) error {
		var err error
		out, err = q.ListRecipes(ctx)
		return err
	})
	return out, err
}

// DeleteRecipe removes a recipe and its items. Receipt lines that named it
// keep their recipe id, and ledger entries are untouched.
func (s *CatalogService) DeleteRecipe(ctx context.Context, id string) error {
	err := s.store.WithinTx(ctx, func(q port.Queries) error {
		return q.DeleteRecipe(ctx, id)
	})
	if errors.Is(err, domain.ErrRecipeNotFound) {
		return fmt.Errorf("%w: %s", domain.ErrRecipeNotFound, id)
	}
	if err != nil {
		return err
	}

	s.log.InfoContext(ctx, "recipe deleted", "recipe_id", id)
	return nil
}

// ResolveRecipe finds the recipe for a dish name from a receipt. Unknown
// dishes get a placeholder recipe with no ingredients; selling one deducts
// nothing, so its creation is reported.
func (s *CatalogService) ResolveRecipe(ctx context.Context, dishName string) (*domain.Recipe, bool, error) {
	name := strings.TrimSpace(dishName)
	if name == "" {
		return nil, false, fmt.Errorf("%w: dish name is required", domain.ErrInvalidRecipe)
	}

	var (
		r       *domain.Recipe
		created bool
	)
	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		err = s.store.WithinTx(ctx, func(q port.Queries) error {
			existing, err := q.FindRecipeByName(ctx, name)
			if err != nil {
				return err
			}
			if existing != nil {
				r, created = existing, false
				return nil
			}

			now := s.opts.now()
			r = &domain.Recipe{
				ID:          s.opts.newID(),
				Name:        name,
				Description: "created from receipt",
				Placeholder: true,
				Items:       []domain.RecipeItem{},
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			created = true
			return q.CreateRecipe(ctx, r)
		})
		if !errors.Is(err, domain.ErrRecipeExists) {
			break
		}
	}
	if err != nil {
		return nil, false, err
	}

	if created {
		s.metrics.placeholders.Add(ctx, 1)
		s.log.WarnContext(ctx, "placeholder recipe created, sales of this dish consume no stock",
			"recipe_id", r.ID,
			"dish", r.Name,
		)
	}
	return r, created, nil
}

// Requirements previews the stock a sale would consume.
func (s *CatalogService) Requirements(ctx context.Context, recipeID string, servings decimal.Decimal) ([]domain.Requirement, error) {
	if !servings.IsPositive() {
		return nil, fmt.Errorf("%w: servings %s must be positive", domain.ErrInvalidQuantity, servings)
	}
	if err := domain.CheckScale(servings); err != nil {
		return nil, err
	}
	r, err := s.GetRecipe(ctx, recipeID)
	if err != nil {
		return nil, err
	}
	return domain.Expand(*r, servings), nil
}
