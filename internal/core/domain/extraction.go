package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExtractedLine is one row pulled out of a document. It is either a usable
// line item (InvoiceLineItem, ReceiptLineItem) or a RejectedLine.
type ExtractedLine interface {
	extractedLine()
}

type InvoiceLineItem struct {
	ItemName   string
	Quantity   decimal.Decimal
	Unit       string
	UnitPrice  decimal.NullDecimal
	TotalPrice decimal.NullDecimal
}

type ReceiptLineItem struct {
	DishName   string
	Quantity   decimal.Decimal
	UnitPrice  decimal.NullDecimal
	TotalPrice decimal.NullDecimal
}

// RejectedLine is a row that failed validation and never reaches the ledger.
type RejectedLine struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

func (InvoiceLineItem) extractedLine() {}
func (ReceiptLineItem) extractedLine() {}
func (RejectedLine) extractedLine()    {}

type InvoiceExtraction struct {
	SupplierName string
	InvoiceDate  *time.Time
	TotalAmount  decimal.NullDecimal
	Lines        []ExtractedLine
}

type ReceiptExtraction struct {
	ReceiptDate *time.Time
	TotalAmount decimal.NullDecimal
	Lines       []ExtractedLine
}

// Rejected returns the lines that failed validation.
func Rejected(lines []ExtractedLine) []RejectedLine {
	var out []RejectedLine
	for _, l := range lines {
		if r, ok := l.(RejectedLine); ok {
			out = append(out, r)
		}
	}
	return out
}
