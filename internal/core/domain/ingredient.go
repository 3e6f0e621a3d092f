package domain

import (
	"strings"
	"time"
)

type Ingredient struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	BaseUnit  string    `json:"base_unit"`
	Category  string    `json:"category,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NormalizeName folds case and whitespace so "Mozzarella " and "mozzarella"
// resolve to the same ingredient. It is applied once, when an ingredient is
// created or looked up.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}
