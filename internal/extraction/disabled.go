package extraction

import (
	"context"

	"github.com/rl1809/kitchen-stock/internal/core/domain"
)

// Disabled is used when no extraction service is configured. Manual
// invoices and receipts still work.
type Disabled struct{}

func (Disabled) ExtractInvoice(context.Context, domain.Document) (domain.InvoiceExtraction, error) {
	return domain.InvoiceExtraction{}, domain.ErrExtractionUnavailable
}

func (Disabled) ExtractReceipt(context.Context, domain.Document) (domain.ReceiptExtraction, error) {
	return domain.ReceiptExtraction{}, domain.ErrExtractionUnavailable
}
