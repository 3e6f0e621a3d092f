package storage

// schema is applied statement by statement; MySQL rejects multi-statement
// Exec calls unless the DSN opts in.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS ingredients (
	id         {{id}} PRIMARY KEY,
	name       {{text}} NOT NULL UNIQUE,
	base_unit  {{text}} NOT NULL,
	category   {{text}},
	created_at {{ts}} NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS inventory (
	id            {{id}} PRIMARY KEY,
	ingredient_id {{id}} NOT NULL UNIQUE REFERENCES ingredients (id),
	quantity      {{num}} NOT NULL,
	min_threshold {{num}},
	version       INTEGER NOT NULL,
	created_at    {{ts}} NOT NULL,
	updated_at    {{ts}} NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS ledger_sources (
	source_line_id {{id}} PRIMARY KEY,
	kind           {{text}} NOT NULL,
	created_at     {{ts}} NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
	id             {{id}} PRIMARY KEY,
	inventory_id   {{id}} NOT NULL REFERENCES inventory (id),
	ingredient_id  {{id}} NOT NULL,
	quantity       {{num}} NOT NULL,
	kind           {{text}} NOT NULL,
	source_line_id {{id}} REFERENCES ledger_sources (source_line_id),
	reason         {{longtext}} NOT NULL,
	created_at     {{ts}} NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS recipes (
	id          {{id}} PRIMARY KEY,
	name        {{text}} NOT NULL,
	name_key    {{text}} NOT NULL UNIQUE,
	description {{longtext}},
	servings    INTEGER NOT NULL,
	placeholder {{bool}} NOT NULL,
	created_at  {{ts}} NOT NULL,
	updated_at  {{ts}} NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS recipe_items (
	recipe_id     {{id}} NOT NULL REFERENCES recipes (id),
	ingredient_id {{id}} NOT NULL REFERENCES ingredients (id),
	quantity      {{num}} NOT NULL,
	PRIMARY KEY (recipe_id, ingredient_id)
)`,
	`CREATE TABLE IF NOT EXISTS invoices (
	id            {{id}} PRIMARY KEY,
	supplier_name {{text}},
	file_name     {{text}} NOT NULL,
	invoice_date  {{ts}},
	total_amount  {{num}},
	status        {{text}} NOT NULL,
	created_at    {{ts}} NOT NULL,
	processed_at  {{ts}}
)`,
	`CREATE TABLE IF NOT EXISTS invoice_lines (
	id          {{id}} PRIMARY KEY,
	invoice_id  {{id}} NOT NULL REFERENCES invoices (id),
	line_no     INTEGER NOT NULL,
	item_name   {{text}} NOT NULL,
	quantity    {{num}} NOT NULL,
	unit        {{text}} NOT NULL,
	unit_price  {{num}},
	total_price {{num}}
)`,
	`CREATE TABLE IF NOT EXISTS receipts (
	id           {{id}} PRIMARY KEY,
	file_name    {{text}} NOT NULL,
	receipt_date {{ts}},
	total_amount {{num}},
	status       {{text}} NOT NULL,
	failure      {{longtext}},
	created_at   {{ts}} NOT NULL,
	processed_at {{ts}}
)`,
	`CREATE TABLE IF NOT EXISTS receipt_lines (
	id          {{id}} PRIMARY KEY,
	receipt_id  {{id}} NOT NULL REFERENCES receipts (id),
	line_no     INTEGER NOT NULL,
	recipe_id   {{id}} NOT NULL,
	item_name   {{text}} NOT NULL,
	quantity    {{num}} NOT NULL,
	unit_price  {{num}},
	total_price {{num}},
	status      {{text}} NOT NULL,
	error_text  {{longtext}}
)`,
}
