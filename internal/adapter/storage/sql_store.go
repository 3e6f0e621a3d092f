package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/kitchen-stock/internal/core/domain"
	"github.com/rl1809/kitchen-stock/internal/port"
)

var _ port.Store = (*SQLStore)(nil)

// SQLStore implements port.Store on database/sql. One type serves every
// supported engine; the dialect covers placeholders, row locks, column types
// and constraint errors.
type SQLStore struct {
	db *sql.DB
	d  dialect
}

// NewMySQLAdapter expects a DSN opened with parseTime=true.
func NewMySQLAdapter(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, d: mysqlDialect}
}

func NewPostgresAdapter(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, d: postgresDialect}
}

// NewSQLiteAdapter limits the pool to one connection. SQLite serializes
// writers anyway, and a single connection keeps every transaction exclusive.
func NewSQLiteAdapter(db *sql.DB) *SQLStore {
	db.SetMaxOpenConns(1)
	return &SQLStore{db: db, d: sqliteDialect}
}

func (s *SQLStore) Dialect() string { return s.d.name }

// WithinTx reports deadlocks and serialization failures as
// domain.ErrConflict so callers can retry the whole transaction.
func (s *SQLStore) WithinTx(ctx context.Context, fn func(q port.Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.conflict(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	if err := fn(&queries{db: tx, d: s.d}); err != nil {
		return s.conflict(err)
	}

	if err := tx.Commit(); err != nil {
		return s.conflict(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

func (s *SQLStore) conflict(err error) error {
	if errors.Is(err, domain.ErrConflict) || !s.d.conflict(err) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrConflict, err)
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, s.d.ddl(stmt)); err != nil {
			return fmt.Errorf("migrate %s: %w", s.d.name, err)
		}
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	db dbtx
	d  dialect
}

func (q *queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return q.db.ExecContext(ctx, q.d.bind(query), args...)
}

func (q *queries) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return q.db.QueryContext(ctx, q.d.bind(query), args...)
}

func (q *queries) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return q.db.QueryRowContext(ctx, q.d.bind(query), args...)
}

// ==================== Catalog ====================

func (q *queries) CreateIngredient(ctx context.Context, ing *domain.Ingredient) error {
	_, err := q.exec(ctx, `
		INSERT INTO ingredients (id, name, base_unit, category, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		ing.ID, ing.Name, ing.BaseUnit, nullString(ing.Category), ing.CreatedAt,
	)
	if q.d.unique(err) {
		return domain.ErrIngredientExists
	}
	if err != nil {
		return fmt.Errorf("insert ingredient: %w", err)
	}
	return nil
}

const ingredientColumns = `id, name, base_unit, category, created_at`

func scanIngredient(row interface{ Scan(...any) error }) (domain.Ingredient, error) {
	var (
		ing      domain.Ingredient
		category sql.NullString
	)
	err := row.Scan(&ing.ID, &ing.Name, &ing.BaseUnit, &category, &ing.CreatedAt)
	ing.Category = category.String
	return ing, err
}

func (q *queries) GetIngredient(ctx context.Context, id string) (*domain.Ingredient, error) {
	return q.oneIngredient(ctx, `SELECT `+ingredientColumns+` FROM ingredients WHERE id = ?`, id)
}

func (q *queries) FindIngredientByName(ctx context.Context, name string) (*domain.Ingredient, error) {
	return q.oneIngredient(ctx, `SELECT `+ingredientColumns+` FROM ingredients WHERE name = ?`, name)
}

func (q *queries) oneIngredient(ctx context.Context, query string, arg string) (*domain.Ingredient, error) {
	ing, err := scanIngredient(q.queryRow(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query ingredient: %w", err)
	}
	return &ing, nil
}

func (q *queries) ListIngredients(ctx context.Context) ([]domain.Ingredient, error) {
	rows, err := q.query(ctx, `SELECT `+ingredientColumns+` FROM ingredients ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list ingredients: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Ingredient, 0)
	for rows.Next() {
		ing, err := scanIngredient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ingredient: %w", err)
		}
		out = append(out, ing)
	}
	return out, rows.Err()
}

func (q *queries) DeleteIngredient(ctx context.Context, id string) error {
	if _, err := q.exec(ctx, `DELETE FROM ingredients WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete ingredient: %w", err)
	}
	return nil
}

func (q *queries) CountRecipeReferences(ctx context.Context, ingredientID string) (int, error) {
	return q.count(ctx, `SELECT COUNT(*) FROM recipe_items WHERE ingredient_id = ?`, ingredientID)
}

func (q *queries) count(ctx context.Context, query string, arg string) (int, error) {
	var n int
	if err := q.queryRow(ctx, query, arg).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// ==================== Ledger ====================

const inventoryColumns = `id, ingredient_id, quantity, min_threshold, version, created_at, updated_at`

func scanInventory(row interface{ Scan(...any) error }) (domain.Inventory, error) {
	var inv domain.Inventory
	err := row.Scan(&inv.ID, &inv.IngredientID, &inv.Quantity, &inv.MinThreshold,
		&inv.Version, &inv.CreatedAt, &inv.UpdatedAt)
	return inv, err
}

func (q *queries) GetInventory(ctx context.Context, ingredientID string) (*domain.Inventory, error) {
	return q.oneInventory(ctx, `SELECT `+inventoryColumns+` FROM inventory WHERE ingredient_id = ?`, ingredientID)
}

func (q *queries) LockInventory(ctx context.Context, ingredientID string) (*domain.Inventory, error) {
	return q.oneInventory(ctx, `SELECT `+inventoryColumns+` FROM inventory WHERE ingredient_id = ?`+q.d.forUpdate, ingredientID)
}

func (q *queries) oneInventory(ctx context.Context, query string, ingredientID string) (*domain.Inventory, error) {
	inv, err := scanInventory(q.queryRow(ctx, query, ingredientID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query inventory: %w", err)
	}
	return &inv, nil
}

func (q *queries) CreateInventory(ctx context.Context, inv *domain.Inventory) error {
	_, err := q.exec(ctx, `
		INSERT INTO inventory (id, ingredient_id, quantity, min_threshold, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.IngredientID, inv.Quantity, inv.MinThreshold, inv.Version,
		inv.CreatedAt, inv.UpdatedAt,
	)
	if q.d.unique(err) {
		return domain.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert inventory: %w", err)
	}
	return nil
}

func (q *queries) ApplyDelta(ctx context.Context, inventoryID string, delta decimal.Decimal, at time.Time) error {
	if q.d.textNumbers {
		return q.applyDeltaInGo(ctx, inventoryID, delta, at)
	}

	num := q.d.numParam
	result, err := q.exec(ctx, `
		UPDATE inventory
		SET quantity = quantity + `+num+`, version = version + 1, updated_at = ?
		WHERE id = ? AND quantity + `+num+` >= 0`,
		delta, at, inventoryID, delta,
	)
	if err != nil {
		return fmt.Errorf("update inventory: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return q.missingOrShort(ctx, inventoryID)
	}
	return nil
}

// applyDeltaInGo reads, checks and writes back the quantity. The engines it
// serves run one transaction at a time, so nothing can change the row between
// the read and the write.
func (q *queries) applyDeltaInGo(ctx context.Context, inventoryID string, delta decimal.Decimal, at time.Time) error {
	var current decimal.Decimal
	err := q.queryRow(ctx, `SELECT quantity FROM inventory WHERE id = ?`, inventoryID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNoInventory
	}
	if err != nil {
		return fmt.Errorf("query inventory: %w", err)
	}

	next := current.Add(delta)
	if next.IsNegative() {
		return domain.ErrInsufficientStock
	}

	_, err = q.exec(ctx, `
		UPDATE inventory
		SET quantity = ?, version = version + 1, updated_at = ?
		WHERE id = ?`,
		next, at, inventoryID,
	)
	if err != nil {
		return fmt.Errorf("update inventory: %w", err)
	}
	return nil
}

func (q *queries) missingOrShort(ctx context.Context, inventoryID string) error {
	n, err := q.count(ctx, `SELECT COUNT(*) FROM inventory WHERE id = ?`, inventoryID)
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNoInventory
	}
	return domain.ErrInsufficientStock
}

func (q *queries) SetThreshold(ctx context.Context, inventoryID string, threshold decimal.NullDecimal, at time.Time) error {
	result, err := q.exec(ctx, `
		UPDATE inventory
		SET min_threshold = ?, version = version + 1, updated_at = ?
		WHERE id = ?`,
		threshold, at, inventoryID,
	)
	if err != nil {
		return fmt.Errorf("update threshold: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNoInventory
	}
	return nil
}

func (q *queries) DeleteInventory(ctx context.Context, inventoryID string) error {
	if _, err := q.exec(ctx, `DELETE FROM inventory WHERE id = ?`, inventoryID); err != nil {
		return fmt.Errorf("delete inventory: %w", err)
	}
	return nil
}

func (q *queries) ClaimSource(ctx context.Context, claim domain.SourceClaim) error {
	_, err := q.exec(ctx, `
		INSERT INTO ledger_sources (source_line_id, kind, created_at)
		VALUES (?, ?, ?)`,
		claim.SourceLineID, string(claim.Kind), claim.CreatedAt,
	)
	if q.d.unique(err) {
		return domain.ErrDuplicateSource
	}
	if err != nil {
		return fmt.Errorf("claim source line: %w", err)
	}
	return nil
}

func (q *queries) SourceClaimed(ctx context.Context, sourceLineID string) (bool, error) {
	n, err := q.count(ctx, `SELECT COUNT(*) FROM ledger_sources WHERE source_line_id = ?`, sourceLineID)
	return n > 0, err
}

func (q *queries) AppendEntry(ctx context.Context, e *domain.LedgerEntry) error {
	_, err := q.exec(ctx, `
		INSERT INTO ledger_entries (id, inventory_id, ingredient_id, quantity, kind, source_line_id, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.InventoryID, e.IngredientID, e.Quantity, string(e.Kind),
		nullString(e.SourceLineID), e.Reason, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func (q *queries) CountEntries(ctx context.Context, inventoryID string) (int, error) {
	return q.count(ctx, `SELECT COUNT(*) FROM ledger_entries WHERE inventory_id = ?`, inventoryID)
}

func (q *queries) ListEntries(ctx context.Context, inventoryID string, limit int) ([]domain.LedgerEntry, error) {
	query := `
		SELECT id, inventory_id, ingredient_id, quantity, kind, source_line_id, reason, created_at
		FROM ledger_entries WHERE inventory_id = ?
		ORDER BY created_at DESC, id DESC`
	args := []any{inventoryID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	out := make([]domain.LedgerEntry, 0)
	for rows.Next() {
		var (
			e      domain.LedgerEntry
			kind   string
			source sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.InventoryID, &e.IngredientID, &e.Quantity, &kind,
			&source, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Kind = domain.EntryKind(kind)
		e.SourceLineID = source.String
		out = append(out, e)
	}
	return out, rows.Err()
}

const stockQuery = `
	SELECT v.id, v.ingredient_id, v.quantity, v.min_threshold, v.version, v.created_at, v.updated_at,
	       i.id, i.name, i.base_unit, i.category, i.created_at
	FROM inventory v JOIN ingredients i ON i.id = v.ingredient_id`

func (q *queries) ListStock(ctx context.Context) ([]domain.StockLevel, error) {
	return q.stock(ctx, stockQuery+` ORDER BY i.name`)
}

func (q *queries) LowStock(ctx context.Context) ([]domain.StockLevel, error) {
	if !q.d.textNumbers {
		return q.stock(ctx, stockQuery+`
	WHERE v.min_threshold IS NOT NULL AND v.quantity <= v.min_threshold
	ORDER BY i.name`)
	}

	// text columns compare as strings, so the threshold check runs here
	levels, err := q.stock(ctx, stockQuery+`
	WHERE v.min_threshold IS NOT NULL
	ORDER BY i.name`)
	if err != nil {
		return nil, err
	}
	low := levels[:0]
	for _, lvl := range levels {
		if lvl.Inventory.IsLow() {
			low = append(low, lvl)
		}
	}
	return low, nil
}

func (q *queries) stock(ctx context.Context, query string) ([]domain.StockLevel, error) {
	rows, err := q.query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query stock: %w", err)
	}
	defer rows.Close()

	out := make([]domain.StockLevel, 0)
	for rows.Next() {
		var (
			lvl      domain.StockLevel
			category sql.NullString
		)
		inv, ing := &lvl.Inventory, &lvl.Ingredient
		if err := rows.Scan(&inv.ID, &inv.IngredientID, &inv.Quantity, &inv.MinThreshold,
			&inv.Version, &inv.CreatedAt, &inv.UpdatedAt,
			&ing.ID, &ing.Name, &ing.BaseUnit, &category, &ing.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan stock: %w", err)
		}
		ing.Category = category.String
		out = append(out, lvl)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
