package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type DocumentStatus string

const (
	StatusProcessing DocumentStatus = "PROCESSING"
	StatusCompleted  DocumentStatus = "COMPLETED"
	StatusFailed     DocumentStatus = "FAILED"
)

// Terminal reports whether no further processing will change the status.
func (s DocumentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Document is an uploaded invoice or receipt file handed to an extractor.
type Document struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"content"`
}

type Invoice struct {
	ID           string              `json:"id"`
	SupplierName string              `json:"supplier_name,omitempty"`
	FileName     string              `json:"file_name"`
	InvoiceDate  *time.Time          `json:"invoice_date,omitempty"`
	TotalAmount  decimal.NullDecimal `json:"total_amount"`
	Status       DocumentStatus      `json:"status"`
	Lines        []InvoiceLine       `json:"lines"`
	CreatedAt    time.Time           `json:"created_at"`
	ProcessedAt  *time.Time          `json:"processed_at,omitempty"`
}

type InvoiceLine struct {
	ID         string              `json:"id"`
	InvoiceID  string              `json:"invoice_id"`
	ItemName   string              `json:"item_name"`
	Quantity   decimal.Decimal     `json:"quantity"`
	Unit       string              `json:"unit"`
	UnitPrice  decimal.NullDecimal `json:"unit_price"`
	TotalPrice decimal.NullDecimal `json:"total_price"`
}

type Receipt struct {
	ID          string              `json:"id"`
	FileName    string              `json:"file_name"`
	ReceiptDate *time.Time          `json:"receipt_date,omitempty"`
	TotalAmount decimal.NullDecimal `json:"total_amount"`
	Status      DocumentStatus      `json:"status"`
	Failure     string              `json:"failure,omitempty"`
	Lines       []ReceiptLine       `json:"lines"`
	CreatedAt   time.Time           `json:"created_at"`
	ProcessedAt *time.Time          `json:"processed_at,omitempty"`
}

type LineStatus string

const (
	LinePending LineStatus = "PENDING"
	LineApplied LineStatus = "APPLIED"
	LineFailed  LineStatus = "FAILED"
)

type ReceiptLine struct {
	ID         string              `json:"id"`
	ReceiptID  string              `json:"receipt_id"`
	RecipeID   string              `json:"recipe_id"`
	ItemName   string              `json:"item_name"`
	Quantity   decimal.Decimal     `json:"quantity"`
	UnitPrice  decimal.NullDecimal `json:"unit_price"`
	TotalPrice decimal.NullDecimal `json:"total_price"`
	Status     LineStatus          `json:"status"`
	Error      string              `json:"error,omitempty"`
}

// ReceiptTask asks a worker to apply a receipt to stock. Document is set
// for uploaded receipts whose lines are not known yet.
type ReceiptTask struct {
	ReceiptID string    `json:"receipt_id"`
	Attempt   int       `json:"attempt"`
	Document  *Document `json:"document,omitempty"`
}
