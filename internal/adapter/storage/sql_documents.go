package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rl1809/kitchen-stock/internal/core/domain"
	"github.com/rl1809/kitchen-stock/internal/port"
)

// ==================== Recipes ====================

func recipeKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (q *queries) CreateRecipe(ctx context.Context, r *domain.Recipe) error {
	_, err := q.exec(ctx, `
		INSERT INTO recipes (id, name, name_key, description, servings, placeholder, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, recipeKey(r.Name), nullString(r.Description), r.Servings,
		r.Placeholder, r.CreatedAt, r.UpdatedAt,
	)
	if q.d.unique(err) {
		return domain.ErrRecipeExists
	}
	if err != nil {
		return fmt.Errorf("insert recipe: %w", err)
	}
	return q.insertItems(ctx, r.ID, r.Items)
}

func (q *queries) insertItems(ctx context.Context, recipeID string, items []domain.RecipeItem) error {
	for _, item := range items {
		_, err := q.exec(ctx, `
			INSERT INTO recipe_items (recipe_id, ingredient_id, quantity)
			VALUES (?, ?, ?)`,
			recipeID, item.IngredientID, item.Quantity,
		)
		if q.d.unique(err) {
			return fmt.Errorf("%w: ingredient %s listed twice", domain.ErrInvalidRecipe, item.IngredientID)
		}
		if err != nil {
			return fmt.Errorf("insert recipe item: %w", err)
		}
	}
	return nil
}

const recipeColumns = `id, name, description, servings, placeholder, created_at, updated_at`

func scanRecipe(row interface{ Scan(...any) error }) (domain.Recipe, error) {
	var (
		r    domain.Recipe
		desc sql.NullString
	)
	err := row.Scan(&r.ID, &r.Name, &desc, &r.Servings, &r.Placeholder, &r.CreatedAt, &r.UpdatedAt)
	r.Description = desc.String
	return r, err
}

func (q *queries) GetRecipe(ctx context.Context, id string) (*domain.Recipe, error) {
	return q.oneRecipe(ctx, `SELECT `+recipeColumns+` FROM recipes WHERE id = ?`, id)
}

func (q *queries) FindRecipeByName(ctx context.Context, name string) (*domain.Recipe, error) {
	return q.oneRecipe(ctx, `SELECT `+recipeColumns+` FROM recipes WHERE name_key = ?`, recipeKey(name))
}

func (q *queries) oneRecipe(ctx context.Context, query string, arg string) (*domain.Recipe, error) {
	r, err := scanRecipe(q.queryRow(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query recipe: %w", err)
	}

	items, err := q.items(ctx, `WHERE recipe_id = ?`, r.ID)
	if err != nil {
		return nil, err
	}
	r.Items = items[r.ID]
	return &r, nil
}

// items groups recipe rows by recipe id.
func (q *queries) items(ctx context.Context, where string, args ...any) (map[string][]domain.RecipeItem, error) {
	rows, err := q.query(ctx, `
		SELECT recipe_id, ingredient_id, quantity FROM recipe_items `+where+`
		ORDER BY recipe_id, ingredient_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query recipe items: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]domain.RecipeItem)
	for rows.Next() {
		var item domain.RecipeItem
		if err := rows.Scan(&item.RecipeID, &item.IngredientID, &item.Quantity); err != nil {
			return nil, fmt.Errorf("scan recipe item: %w", err)
		}
		out[item.RecipeID] = append(out[item.RecipeID], item)
	}
	return out, rows.Err()
}

func (q *queries) ListRecipes(ctx context.Context) ([]domain.Recipe, error) {
	rows, err := q.query(ctx, `SELECT `+recipeColumns+` FROM recipes ORDER BY name_key`)
	if err != nil {
		return nil, fmt.Errorf("list recipes: %w", err)
	}

	out := make([]domain.Recipe, 0)
	for rows.Next() {
		r, err := scanRecipe(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan recipe: %w", err)
		}
		out = append(out, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	items, err := q.items(ctx, ``)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Items = items[out[i].ID]
	}
	return out, nil
}

func (q *queries) UpdateRecipe(ctx context.Context, r *domain.Recipe) error {
	result, err := q.exec(ctx, `
		UPDATE recipes
		SET name = ?, name_key = ?, description = ?, servings = ?, placeholder = ?, updated_at = ?
		WHERE id = ?`,
		r.Name, recipeKey(r.Name), nullString(r.Description), r.Servings, r.Placeholder,
		r.UpdatedAt, r.ID,
	)
	if q.d.unique(err) {
		return domain.ErrRecipeExists
	}
	if err != nil {
		return fmt.Errorf("update recipe: %w", err)
	}

	return q.mustExist(ctx, result, `SELECT COUNT(*) FROM recipes WHERE id = ?`, r.ID, domain.ErrRecipeNotFound)
}

func (q *queries) ReplaceRecipeItems(ctx context.Context, recipeID string, items []domain.RecipeItem) error {
	if _, err := q.exec(ctx, `DELETE FROM recipe_items WHERE recipe_id = ?`, recipeID); err != nil {
		return fmt.Errorf("delete recipe items: %w", err)
	}
	return q.insertItems(ctx, recipeID, items)
}

func (q *queries) DeleteRecipe(ctx context.Context, id string) error {
	if _, err := q.exec(ctx, `DELETE FROM recipe_items WHERE recipe_id = ?`, id); err != nil {
		return fmt.Errorf("delete recipe items: %w", err)
	}
	return q.deleteRow(ctx, `DELETE FROM recipes WHERE id = ?`, id, domain.ErrRecipeNotFound)
}

func (q *queries) deleteRow(ctx context.Context, query, id string, notFound error) error {
	result, err := q.exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return notFound
	}
	return nil
}

// mustExist turns an UPDATE that touched no rows into notFound. MySQL
// reports unchanged rows as unaffected, so the row is counted before giving up.
func (q *queries) mustExist(ctx context.Context, result sql.Result, countQuery, id string, notFound error) error {
	if rows, _ := result.RowsAffected(); rows > 0 {
		return nil
	}
	n, err := q.count(ctx, countQuery, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// ==================== Invoices ====================

func (q *queries) CreateInvoice(ctx context.Context, inv *domain.Invoice) error {
	_, err := q.exec(ctx, `
		INSERT INTO invoices (id, supplier_name, file_name, invoice_date, total_amount, status, created_at, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, nullString(inv.SupplierName), inv.FileName, nullTime(inv.InvoiceDate),
		inv.TotalAmount, string(inv.Status), inv.CreatedAt, nullTime(inv.ProcessedAt),
	)
	if err != nil {
		return fmt.Errorf("insert invoice: %w", err)
	}
	for i := range inv.Lines {
		if err := q.AddInvoiceLine(ctx, &inv.Lines[i]); err != nil {
			return err
		}
	}
	return nil
}

const invoiceColumns = `id, supplier_name, file_name, invoice_date, total_amount, status, created_at, processed_at`

func scanInvoice(row interface{ Scan(...any) error }) (domain.Invoice, error) {
	var (
		inv       domain.Invoice
		supplier  sql.NullString
		date      sql.NullTime
		processed sql.NullTime
		status    string
	)
	err := row.Scan(&inv.ID, &supplier, &inv.FileName, &date, &inv.TotalAmount, &status, &inv.CreatedAt, &processed)
	inv.SupplierName = supplier.String
	inv.InvoiceDate = timePtr(date)
	inv.ProcessedAt = timePtr(processed)
	inv.Status = domain.DocumentStatus(status)
	return inv, err
}

func (q *queries) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	inv, err := scanInvoice(q.queryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query invoice: %w", err)
	}

	lines, err := q.invoiceLines(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	inv.Lines = lines[id]
	if inv.Lines == nil {
		inv.Lines = make([]domain.InvoiceLine, 0)
	}
	return &inv, nil
}

func (q *queries) ListInvoices(ctx context.Context, limit int) ([]domain.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices ORDER BY created_at DESC, id DESC`
	args := []any{}
	if limit > 0 && !q.d.textTimes {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}

	out := make([]domain.Invoice, 0)
	ids := make([]string, 0)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan invoice: %w", err)
		}
		out = append(out, inv)
		ids = append(ids, inv.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if q.d.textTimes {
		sortNewestFirst(out, func(inv domain.Invoice) (time.Time, string) { return inv.CreatedAt, inv.ID })
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		ids = ids[:0]
		for _, inv := range out {
			ids = append(ids, inv.ID)
		}
	}

	lines, err := q.invoiceLines(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Lines = lines[out[i].ID]
		if out[i].Lines == nil {
			out[i].Lines = make([]domain.InvoiceLine, 0)
		}
	}
	return out, nil
}

// invoiceLines groups the lines of the given invoices by invoice id.
func (q *queries) invoiceLines(ctx context.Context, ids []string) (map[string][]domain.InvoiceLine, error) {
	out := make(map[string][]domain.InvoiceLine)
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := q.query(ctx, `
		SELECT id, invoice_id, item_name, quantity, unit, unit_price, total_price
		FROM invoice_lines WHERE invoice_id IN (`+placeholders(len(ids))+`)
		ORDER BY invoice_id, line_no`, stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("query invoice lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var l domain.InvoiceLine
		if err := rows.Scan(&l.ID, &l.InvoiceID, &l.ItemName, &l.Quantity, &l.Unit,
			&l.UnitPrice, &l.TotalPrice); err != nil {
			return nil, fmt.Errorf("scan invoice line: %w", err)
		}
		out[l.InvoiceID] = append(out[l.InvoiceID], l)
	}
	return out, rows.Err()
}

// DeleteInvoice removes the document only. Ledger entries and source claims
// are keyed by line id and stay behind.
func (q *queries) DeleteInvoice(ctx context.Context, id string) error {
	if _, err := q.exec(ctx, `DELETE FROM invoice_lines WHERE invoice_id = ?`, id); err != nil {
		return fmt.Errorf("delete invoice lines: %w", err)
	}
	return q.deleteRow(ctx, `DELETE FROM invoices WHERE id = ?`, id, domain.ErrInvoiceNotFound)
}

func sortNewestFirst[T any](docs []T, key func(T) (time.Time, string)) {
	sort.SliceStable(docs, func(i, j int) bool {
		ti, idi := key(docs[i])
		tj, idj := key(docs[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return idi > idj
	})
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func (q *queries) UpdateInvoice(ctx context.Context, inv *domain.Invoice) error {
	result, err := q.exec(ctx, `
		UPDATE invoices
		SET supplier_name = ?, invoice_date = ?, total_amount = ?, status = ?, processed_at = ?
		WHERE id = ?`,
		nullString(inv.SupplierName), nullTime(inv.InvoiceDate), inv.TotalAmount,
		string(inv.Status), nullTime(inv.ProcessedAt), inv.ID,
	)
	if err != nil {
		return fmt.Errorf("update invoice: %w", err)
	}

	return q.mustExist(ctx, result, `SELECT COUNT(*) FROM invoices WHERE id = ?`, inv.ID, domain.ErrInvoiceNotFound)
}

func (q *queries) AddInvoiceLine(ctx context.Context, l *domain.InvoiceLine) error {
	n, err := q.count(ctx, `SELECT COUNT(*) FROM invoice_lines WHERE invoice_id = ?`, l.InvoiceID)
	if err != nil {
		return err
	}

	_, err = q.exec(ctx, `
		INSERT INTO invoice_lines (id, invoice_id, line_no, item_name, quantity, unit, unit_price, total_price)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.InvoiceID, n+1, l.ItemName, l.Quantity, l.Unit, l.UnitPrice, l.TotalPrice,
	)
	if err != nil {
		return fmt.Errorf("insert invoice line: %w", err)
	}
	return nil
}

// ==================== Receipts ====================

func (q *queries) CreateReceipt(ctx context.Context, r *domain.Receipt) error {
	_, err := q.exec(ctx, `
		INSERT INTO receipts (id, file_name, receipt_date, total_amount, status, failure, created_at, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.FileName, nullTime(r.ReceiptDate), r.TotalAmount, string(r.Status),
		nullString(r.Failure), r.CreatedAt, nullTime(r.ProcessedAt),
	)
	if err != nil {
		return fmt.Errorf("insert receipt: %w", err)
	}
	for i := range r.Lines {
		if err := q.AddReceiptLine(ctx, &r.Lines[i]); err != nil {
			return err
		}
	}
	return nil
}

const receiptColumns = `id, file_name, receipt_date, total_amount, status, failure, created_at, processed_at`

func scanReceipt(row interface{ Scan(...any) error }) (domain.Receipt, error) {
	var (
		r         domain.Receipt
		date      sql.NullTime
		processed sql.NullTime
		failure   sql.NullString
		status    string
	)
	err := row.Scan(&r.ID, &r.FileName, &date, &r.TotalAmount, &status, &failure, &r.CreatedAt, &processed)
	r.ReceiptDate = timePtr(date)
	r.ProcessedAt = timePtr(processed)
	r.Failure = failure.String
	r.Status = domain.DocumentStatus(status)
	return r, err
}

func (q *queries) GetReceipt(ctx context.Context, id string) (*domain.Receipt, error) {
	r, err := scanReceipt(q.queryRow(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query receipt: %w", err)
	}

	lines, err := q.receiptLines(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	r.Lines = lines[id]
	if r.Lines == nil {
		r.Lines = make([]domain.ReceiptLine, 0)
	}
	return &r, nil
}

func (q *queries) ListReceipts(ctx context.Context, filter port.ReceiptFilter) ([]domain.Receipt, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, `status = ?`)
		args = append(args, string(filter.Status))
	}
	timeInGo := q.d.textTimes && !filter.CreatedBefore.IsZero()
	if !filter.CreatedBefore.IsZero() && !timeInGo {
		where = append(where, `created_at < ?`)
		args = append(args, filter.CreatedBefore)
	}

	query := `SELECT ` + receiptColumns + ` FROM receipts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 && !timeInGo {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}

	out := make([]domain.Receipt, 0)
	ids := make([]string, 0)
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		if timeInGo && !r.CreatedAt.Before(filter.CreatedBefore) {
			continue
		}
		out = append(out, r)
		ids = append(ids, r.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if timeInGo {
		sortNewestFirst(out, func(r domain.Receipt) (time.Time, string) { return r.CreatedAt, r.ID })
		if filter.Limit > 0 && len(out) > filter.Limit {
			out = out[:filter.Limit]
		}
		ids = ids[:0]
		for _, r := range out {
			ids = append(ids, r.ID)
		}
	}

	lines, err := q.receiptLines(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Lines = lines[out[i].ID]
		if out[i].Lines == nil {
			out[i].Lines = make([]domain.ReceiptLine, 0)
		}
	}
	return out, nil
}

// receiptLines groups the lines of the given receipts by receipt id.
func (q *queries) receiptLines(ctx context.Context, ids []string) (map[string][]domain.ReceiptLine, error) {
	out := make(map[string][]domain.ReceiptLine)
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := q.query(ctx, `
		SELECT id, receipt_id, recipe_id, item_name, quantity, unit_price, total_price, status, error_text
		FROM receipt_lines WHERE receipt_id IN (`+placeholders(len(ids))+`)
		ORDER BY receipt_id, line_no`, stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("query receipt lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			l       domain.ReceiptLine
			lstatus string
			lerr    sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.ReceiptID, &l.RecipeID, &l.ItemName, &l.Quantity,
			&l.UnitPrice, &l.TotalPrice, &lstatus, &lerr); err != nil {
			return nil, fmt.Errorf("scan receipt line: %w", err)
		}
		l.Status = domain.LineStatus(lstatus)
		l.Error = lerr.String
		out[l.ReceiptID] = append(out[l.ReceiptID], l)
	}
	return out, rows.Err()
}

func (q *queries) DeleteReceipt(ctx context.Context, id string) error {
	if _, err := q.exec(ctx, `DELETE FROM receipt_lines WHERE receipt_id = ?`, id); err != nil {
		return fmt.Errorf("delete receipt lines: %w", err)
	}
	return q.deleteRow(ctx, `DELETE FROM receipts WHERE id = ?`, id, domain.ErrReceiptNotFound)
}

func (q *queries) UpdateReceipt(ctx context.Context, r *domain.Receipt) error {
	result, err := q.exec(ctx, `
		UPDATE receipts
		SET receipt_date = ?, total_amount = ?, status = ?, failure = ?, processed_at = ?
		WHERE id = ?`,
		nullTime(r.ReceiptDate), r.TotalAmount, string(r.Status), nullString(r.Failure),
		nullTime(r.ProcessedAt), r.ID,
	)
	if err != nil {
		return fmt.Errorf("update receipt: %w", err)
	}

	return q.mustExist(ctx, result, `SELECT COUNT(*) FROM receipts WHERE id = ?`, r.ID, domain.ErrReceiptNotFound)
}

func (q *queries) AddReceiptLine(ctx context.Context, l *domain.ReceiptLine) error {
	n, err := q.count(ctx, `SELECT COUNT(*) FROM receipt_lines WHERE receipt_id = ?`, l.ReceiptID)
	if err != nil {
		return err
	}

	_, err = q.exec(ctx, `
		INSERT INTO receipt_lines (id, receipt_id, line_no, recipe_id, item_name, quantity, unit_price, total_price, status, error_text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.ReceiptID, n+1, l.RecipeID, l.ItemName, l.Quantity, l.UnitPrice, l.TotalPrice,
		string(l.Status), nullString(l.Error),
	)
	if err != nil {
		return fmt.Errorf("insert receipt line: %w", err)
	}
	return nil
}

func (q *queries) UpdateReceiptLine(ctx context.Context, l *domain.ReceiptLine) error {
	_, err := q.exec(ctx, `
		UPDATE receipt_lines SET recipe_id = ?, status = ?, error_text = ? WHERE id = ?`,
		l.RecipeID, string(l.Status), nullString(l.Error), l.ID,
	)
	if err != nil {
		return fmt.Errorf("update receipt line: %w", err)
	}
	return nil
}
