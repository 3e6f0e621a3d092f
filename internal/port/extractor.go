package port

import (
	"context"

	"github.com/rl1809/kitchen-stock/internal/core/domain"
)

// Extractor turns an uploaded document into validated line items. Calls are
// slow and may fail; callers must not hold a store transaction open.
type Extractor interface {
	ExtractInvoice(ctx context.Context, doc domain.Document) (domain.InvoiceExtraction, error)
	ExtractReceipt(ctx context.Context, doc domain.Document) (domain.ReceiptExtraction, error)
}
