package memory

import (
	"context"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/rl1809/kitchen-stock/internal/core/domain"
	"github.com/rl1809/kitchen-stock/internal/port"
)

func copyRecipe(r domain.Recipe) domain.Recipe {
	r.Items = slices.Clone(r.Items)
	return r
}

func copyInvoice(inv domain.Invoice) domain.Invoice {
	inv.Lines = slices.Clone(inv.Lines)
	return inv
}

func copyReceipt(r domain.Receipt) domain.Receipt {
	r.Lines = slices.Clone(r.Lines)
	return r
}

// ==================== Recipes ====================

func (t *txn) CreateRecipe(_ context.Context, r *domain.Recipe) error {
	for _, existing := range t.st.recipes {
		if strings.EqualFold(existing.Name, r.Name) {
			return domain.ErrRecipeExists
		}
	}
	save(t, t.st.recipes, r.ID)
	t.st.recipes[r.ID] = copyRecipe(*r)
	return nil
}

func (t *txn) GetRecipe(_ context.Context, id string) (*domain.Recipe, error) {
	r, ok := t.st.recipes[id]
	if !ok {
		return nil, nil
	}
	r = copyRecipe(r)
	return &r, nil
}

func (t *txn) FindRecipeByName(_ context.Context, name string) (*domain.Recipe, error) {
	for _, r := range t.st.recipes {
		if strings.EqualFold(r.Name, strings.TrimSpace(name)) {
			r = copyRecipe(r)
			return &r, nil
		}
	}
	return nil, nil
}

func (t *txn) ListRecipes(context.Context) ([]domain.Recipe, error) {
	out := make([]domain.Recipe, 0, len(t.st.recipes))
	for _, r := range t.st.recipes {
		out = append(out, copyRecipe(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (t *txn) UpdateRecipe(_ context.Context, r *domain.Recipe) error {
	existing, ok := t.st.recipes[r.ID]
	if !ok {
		return domain.ErrRecipeNotFound
	}
	for id, other := range t.st.recipes {
		if id != r.ID && strings.EqualFold(other.Name, r.Name) {
			return domain.ErrRecipeExists
		}
	}
	existing.Name = r.Name
	existing.Description = r.Description
	existing.Servings = r.Servings
	existing.Placeholder = r.Placeholder
	existing.UpdatedAt = r.UpdatedAt
	save(t, t.st.recipes, r.ID)
	t.st.recipes[r.ID] = existing
	return nil
}

func (t *txn) ReplaceRecipeItems(_ context.Context, recipeID string, items []domain.RecipeItem) error {
	r, ok := t.st.recipes[recipeID]
	if !ok {
		return domain.ErrRecipeNotFound
	}
	save(t, t.st.recipes, recipeID)
	r.Items = slices.Clone(items)
	t.st.recipes[recipeID] = r
	return nil
}

func (t *txn) DeleteRecipe(_ context.Context, id string) error {
	if _, ok := t.st.recipes[id]; !ok {
		return domain.ErrRecipeNotFound
	}
	save(t, t.st.recipes, id)
	delete(t.st.recipes, id)
	return nil
}

// ==================== Documents ====================

func (t *txn) CreateInvoice(_ context.Context, inv *domain.Invoice) error {
	save(t, t.st.invoices, inv.ID)
	t.st.invoices[inv.ID] = copyInvoice(*inv)
	return nil
}

func (t *txn) GetInvoice(_ context.Context, id string) (*domain.Invoice, error) {
	inv, ok := t.st.invoices[id]
	if !ok {
		return nil, nil
	}
	inv = copyInvoice(inv)
	return &inv, nil
}

func (t *txn) ListInvoices(_ context.Context, limit int) ([]domain.Invoice, error) {
	out := make([]domain.Invoice, 0, len(t.st.invoices))
	for _, inv := range t.st.invoices {
		out = append(out, copyInvoice(inv))
	}
	sort.Slice(out, func(i, j int) bool { return newer(out[i].CreatedAt, out[j].CreatedAt, out[i].ID, out[j].ID) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *txn) DeleteInvoice(_ context.Context, id string) error {
	if _, ok := t.st.invoices[id]; !ok {
		return domain.ErrInvoiceNotFound
	}
	save(t, t.st.invoices, id)
	delete(t.st.invoices, id)
	return nil
}

func (t *txn) UpdateInvoice(_ context.Context, inv *domain.Invoice) error {
	existing, ok := t.st.invoices[inv.ID]
	if !ok {
		return domain.ErrInvoiceNotFound
	}
	lines := existing.Lines
	existing = *inv
	existing.Lines = lines
	save(t, t.st.invoices, inv.ID)
	t.st.invoices[inv.ID] = existing
	return nil
}

func (t *txn) AddInvoiceLine(_ context.Context, line *domain.InvoiceLine) error {
	inv, ok := t.st.invoices[line.InvoiceID]
	if !ok {
		return domain.ErrInvoiceNotFound
	}
	save(t, t.st.invoices, line.InvoiceID)
	inv.Lines = append(slices.Clip(inv.Lines), *line)
	t.st.invoices[line.InvoiceID] = inv
	return nil
}

func (t *txn) CreateReceipt(_ context.Context, r *domain.Receipt) error {
	save(t, t.st.receipts, r.ID)
	t.st.receipts[r.ID] = copyReceipt(*r)
	return nil
}

func (t *txn) GetReceipt(_ context.Context, id string) (*domain.Receipt, error) {
	r, ok := t.st.receipts[id]
	if !ok {
		return nil, nil
	}
	r = copyReceipt(r)
	return &r, nil
}

func (t *txn) UpdateReceipt(_ context.Context, r *domain.Receipt) error {
	existing, ok := t.st.receipts[r.ID]
	if !ok {
		return domain.ErrReceiptNotFound
	}
	lines := existing.Lines
	existing = *r
	existing.Lines = lines
	save(t, t.st.receipts, r.ID)
	t.st.receipts[r.ID] = existing
	return nil
}

func (t *txn) AddReceiptLine(_ context.Context, line *domain.ReceiptLine) error {
	r, ok := t.st.receipts[line.ReceiptID]
	if !ok {
		return domain.ErrReceiptNotFound
	}
	save(t, t.st.receipts, line.ReceiptID)
	r.Lines = append(slices.Clip(r.Lines), *line)
	t.st.receipts[line.ReceiptID] = r
	return nil
}

func (t *txn) UpdateReceiptLine(_ context.Context, line *domain.ReceiptLine) error {
	r, ok := t.st.receipts[line.ReceiptID]
	if !ok {
		return domain.ErrReceiptNotFound
	}
	for i := range r.Lines {
		if r.Lines[i].ID == line.ID {
			save(t, t.st.receipts, line.ReceiptID)
			r = copyReceipt(r)
			r.Lines[i].Status = line.Status
			r.Lines[i].Error = line.Error
			r.Lines[i].RecipeID = line.RecipeID
			t.st.receipts[line.ReceiptID] = r
			return nil
		}
	}
	return domain.ErrReceiptNotFound
}

func (t *txn) DeleteReceipt(_ context.Context, id string) error {
	if _, ok := t.st.receipts[id]; !ok {
		return domain.ErrReceiptNotFound
	}
	save(t, t.st.receipts, id)
	delete(t.st.receipts, id)
	return nil
}

func (t *txn) ListReceipts(_ context.Context, filter port.ReceiptFilter) ([]domain.Receipt, error) {
	out := make([]domain.Receipt, 0)
	for _, r := range t.st.receipts {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if !filter.CreatedBefore.IsZero() && !r.CreatedAt.Before(filter.CreatedBefore) {
			continue
		}
		out = append(out, copyReceipt(r))
	}
	sort.Slice(out, func(i, j int) bool { return newer(out[i].CreatedAt, out[j].CreatedAt, out[i].ID, out[j].ID) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// newer orders newest first with the id as a tie breaker.
func newer(a, b time.Time, aID, bID string) bool {
	if !a.Equal(b) {
		return a.After(b)
	}
	return aID > bID
}
