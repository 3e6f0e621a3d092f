package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Recipe struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Servings    int          `json:"servings,omitempty"`
	Placeholder bool         `json:"placeholder"`
	Items       []RecipeItem `json:"items"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// RecipeItem is the quantity of one ingredient used per serving.
type RecipeItem struct {
	RecipeID     string          `json:"recipe_id"`
	IngredientID string          `json:"ingredient_id"`
	Quantity     decimal.Decimal `json:"quantity"`
}

type Requirement struct {
	IngredientID string          `json:"ingredient_id"`
	Quantity     decimal.Decimal `json:"quantity"`
}

// Expand returns the ingredient quantities needed to serve multiplier
// portions of r. Rows naming the same ingredient are summed, and the result
// keeps the order in which ingredients first appear. Each requirement is
// rounded to QuantityScale so it matches what the stores can record.
func Expand(r Recipe, multiplier decimal.Decimal) []Requirement {
	reqs := make([]Requirement, 0, len(r.Items))
	index := make(map[string]int, len(r.Items))

	for _, item := range r.Items {
		required := item.Quantity.Mul(multiplier)
		if i, ok := index[item.IngredientID]; ok {
			reqs[i].Quantity = reqs[i].Quantity.Add(required)
			continue
		}
		index[item.IngredientID] = len(reqs)
		reqs = append(reqs, Requirement{IngredientID: item.IngredientID, Quantity: required})
	}

	for i := range reqs {
		reqs[i].Quantity = reqs[i].Quantity.Round(QuantityScale)
	}
	return reqs
}
