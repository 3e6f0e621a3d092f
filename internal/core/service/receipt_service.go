package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/kitchen-stock/internal/core/domain"
	"github.com/rl1809/kitchen-stock/internal/port"
)

// ReceiptService turns sales receipts into stock consumption. Submission
// only records the receipt and queues it; a worker calls Process later.
type ReceiptService struct {
	store     port.Store
	catalog   *CatalogService
	ledger    *LedgerService
	extractor port.Extractor
	queue     port.TaskQueue
	opts      options
	log       *slog.Logger
}

func NewReceiptService(store port.Store, catalog *CatalogService, ledger *LedgerService, extractor port.Extractor, queue port.TaskQueue, opts ...Option) *ReceiptService {
	o := buildOptions(opts)
	return &ReceiptService{
		store:     store,
		catalog:   catalog,
		ledger:    ledger,
		extractor: extractor,
		queue:     queue,
		opts:      o,
		log:       o.logger.With("component", "receipts"),
	}
}

// ManualLine is a hand-entered sale of a known recipe.
type ManualLine struct {
	RecipeID string          `json:"recipe_id"`
	Quantity decimal.Decimal `json:"quantity"`
}

func (s *ReceiptService) SubmitManual(ctx context.Context, lines []ManualLine) (*domain.Receipt, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: receipt has no items", domain.ErrEmptyDocument)
	}

	r := s.newReceipt("manual")
	err := s.store.WithinTx(ctx, func(q port.Queries) error {
		for i, line := range lines {
			if !line.Quantity.IsPositive() {
				return fmt.Errorf("%w: line %d quantity %s must be positive", domain.ErrInvalidQuantity, i+1, line.Quantity)
			}
			if err := domain.CheckScale(line.Quantity); err != nil {
				return fmt.Errorf("line %d: %w", i+1, err)
			}
			recipe, err := q.GetRecipe(ctx, line.RecipeID)
			if err != nil {
				return err
			}
			if recipe == nil {
				return fmt.Errorf("%w: %s", domain.ErrRecipeNotFound, line.RecipeID)
			}
			r.Lines = append(r.Lines, s.newLine(r.ID, recipe, line.Quantity, decimal.NullDecimal{}, decimal.NullDecimal{}))
		}
		return q.CreateReceipt(ctx, r)
	})
	if err != nil {
		return nil, err
	}

	return r, s.enqueue(ctx, r, nil)
}

// SubmitDocument queues an uploaded receipt. Its lines are extracted by the
// worker.
func (s *ReceiptService) SubmitDocument(ctx context.Context, doc domain.Document) (*domain.Receipt, error) {
	r := s.newReceipt(doc.FileName)
	if err := s.store.WithinTx(ctx, func(q port.Queries) error { return q.CreateReceipt(ctx, r) }); err != nil {
		return nil, err
	}
	return r, s.enqueue(ctx, r, &doc)
}

func (s *ReceiptService) newReceipt(fileName string) *domain.Receipt {
	return &domain.Receipt{
		ID:        s.opts.newID(),
		FileName:  fileName,
		Status:    domain.StatusProcessing,
		Lines:     []domain.ReceiptLine{},
		CreatedAt: s.opts.now(),
	}
}

func (s *ReceiptService) newLine(receiptID string, recipe *domain.Recipe, qty decimal.Decimal, unit, total decimal.NullDecimal) domain.ReceiptLine {
	return domain.ReceiptLine{
		ID:         s.opts.newID(),
		ReceiptID:  receiptID,
		RecipeID:   recipe.ID,
		ItemName:   recipe.Name,
		Quantity:   qty,
		UnitPrice:  unit,
		TotalPrice: total,
		Status:     domain.LinePending,
	}
}

func (s *ReceiptService) enqueue(ctx context.Context, r *domain.Receipt, doc *domain.Document) error {
	err := s.queue.Enqueue(ctx, domain.ReceiptTask{ReceiptID: r.ID, Attempt: 1, Document: doc})
	if err == nil {
		s.log.InfoContext(ctx, "receipt queued", "receipt_id", r.ID, "lines", len(r.Lines))
		return nil
	}

	err = fmt.Errorf("enqueue receipt %s: %w", r.ID, err)
	if ferr := s.MarkFailed(ctx, r.ID, err); ferr != nil {
		s.log.ErrorContext(ctx, "failed to mark receipt failed", "receipt_id", r.ID, "error", ferr)
	} else {
		r.Status = domain.StatusFailed
		r.Failure = err.Error()
	}
	return err
}

// Process applies a queued receipt to stock. Rejections such as a missing
// recipe or a shortage fail the affected line and the receipt ends FAILED;
// they are not returned. Store or extractor outages are returned so the
// task can be retried, and lines that were already applied are not
// deducted again.
func (s *ReceiptService) Process(ctx context.Context, task domain.ReceiptTask) error {
	r, err := s.Get(ctx, task.ReceiptID)
	if err != nil {
		return err
	}
	if r.Status.Terminal() {
		return nil
	}

	// lines dropped during an earlier extraction attempt
	var failures []string
	if r.Failure != "" {
		failures = append(failures, r.Failure)
	}

	if task.Document != nil && len(r.Lines) == 0 {
		err := s.extractLines(ctx, r, *task.Document)
		if errors.Is(err, domain.ErrExtractionUnavailable) || errors.Is(err, domain.ErrMalformedExtraction) {
			return s.finish(ctx, r, []string{err.Error()})
		}
		if err != nil {
			return err
		}
		if r.Failure != "" {
			failures = append(failures, r.Failure)
		}
	}

	for i := range r.Lines {
		line := &r.Lines[i]
		if line.Status == domain.LineApplied {
			continue
		}

		_, err := s.ledger.ConsumeForRecipe(ctx, line.RecipeID, line.ID, line.Quantity)
		switch {
		case err == nil, errors.Is(err, domain.ErrAlreadyConsumed):
			line.Status = domain.LineApplied
			line.Error = ""
		case domain.IsValidation(err):
			line.Status = domain.LineFailed
			line.Error = err.Error()
		default:
			return fmt.Errorf("consume receipt line %s: %w", line.ID, err)
		}

		if err := s.store.WithinTx(ctx, func(q port.Queries) error { return q.UpdateReceiptLine(ctx, line) }); err != nil {
			return err
		}
		if line.Status == domain.LineFailed {
			failures = append(failures, fmt.Sprintf("%s: %s", line.ItemName, line.Error))
		}
	}

	return s.finish(ctx, r, failures)
}

// extractLines reads the uploaded document, resolves each dish to a recipe
// and records the lines. Reasons for dropped lines are kept in r.Failure.
func (s *ReceiptService) extractLines(ctx context.Context, r *domain.Receipt, doc domain.Document) error {
	ext, err := s.extractor.ExtractReceipt(ctx, doc)
	if err != nil {
		return err
	}

	var rejected []string
	for _, rej := range domain.Rejected(ext.Lines) {
		s.log.WarnContext(ctx, "receipt line rejected", "receipt_id", r.ID, "index", rej.Index, "reason", rej.Reason)
		rejected = append(rejected, fmt.Sprintf("line %d: %s", rej.Index+1, rej.Reason))
	}

	lines := make([]domain.ReceiptLine, 0, len(ext.Lines))
	for _, l := range ext.Lines {
		item, ok := l.(domain.ReceiptLineItem)
		if !ok {
			continue
		}
		recipe, _, err := s.catalog.ResolveRecipe(ctx, item.DishName)
		if err != nil {
			return err
		}
		lines = append(lines, s.newLine(r.ID, recipe, item.Quantity, item.UnitPrice, item.TotalPrice))
	}
	if len(lines) == 0 {
		return fmt.Errorf("%w: no usable receipt lines", domain.ErrMalformedExtraction)
	}

	r.ReceiptDate = ext.ReceiptDate
	r.TotalAmount = ext.TotalAmount
	r.Failure = strings.Join(rejected, "; ")
	err = s.store.WithinTx(ctx, func(q port.Queries) error {
		for i := range lines {
			if err := q.AddReceiptLine(ctx, &lines[i]); err != nil {
				return err
			}
		}
		return q.UpdateReceipt(ctx, r)
	})
	if err != nil {
		return err
	}

	r.Lines = lines
	return nil
}

func (s *ReceiptService) finish(ctx context.Context, r *domain.Receipt, failures []string) error {
	now := s.opts.now()
	r.ProcessedAt = &now
	r.Status = domain.StatusCompleted
	r.Failure = ""
	if len(failures) > 0 {
		r.Status = domain.StatusFailed
		r.Failure = strings.Join(failures, "; ")
	}

	if err := s.store.WithinTx(ctx, func(q port.Queries) error { return q.UpdateReceipt(ctx, r) }); err != nil {
		return err
	}

	if r.Status == domain.StatusFailed {
		s.log.WarnContext(ctx, "receipt failed", "receipt_id", r.ID, "failure", r.Failure)
	} else {
		s.log.InfoContext(ctx, "receipt completed", "receipt_id", r.ID, "lines", len(r.Lines))
	}
	return nil
}

// MarkFailed writes a terminal FAILED status. Receipts that already
// finished are left alone.
func (s *ReceiptService) MarkFailed(ctx context.Context, receiptID string, cause error) error {
	return s.store.WithinTx(ctx, func(q port.Queries) error {
		r, err := q.GetReceipt(ctx, receiptID)
		if err != nil {
			return err
		}
		if r == nil {
			return fmt.Errorf("%w: %s", domain.ErrReceiptNotFound, receiptID)
		}
		if r.Status.Terminal() {
			return nil
		}

		now := s.opts.now()
		r.Status = domain.StatusFailed
		r.Failure = cause.Error()
		r.ProcessedAt = &now
		return q.UpdateReceipt(ctx, r)
	})
}

func (s *ReceiptService) Get(ctx context.Context, id string) (*domain.Receipt, error) {
	var r *domain.Receipt
	err := s.store.WithinTx(ctx, func(q port.Queries) error {
		var err error
		r, err = q.GetReceipt(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrReceiptNotFound, id)
	}
	return r, nil
}

// List returns receipts newest first. An empty status matches every
// receipt and a limit of zero returns all of them.
func (s *ReceiptService) List(ctx context.Context, status domain.DocumentStatus, limit int) ([]domain.Receipt, error) {
	var out []domain.Receipt
	err := s.store.WithinTx(ctx, func(q port.Queries) error {
		var err error
		out, err = q.ListReceipts(ctx, port.ReceiptFilter{Status: status, Limit: limit})
		return err
	})
	return out, err
}

// Delete removes a finished receipt and its lines. The stock it consumed
// is not given back and its lines can never be consumed again.
func (s *ReceiptService) Delete(ctx context.Context, id string) error {
	err := s.store.WithinTx(ctx, func(q port.Queries) error {
		r, err := q.GetReceipt(ctx, id)
		if err != nil {
			return err
		}
		if r == nil {
			return fmt.Errorf("%w: %s", domain.ErrReceiptNotFound, id)
		}
		if !r.Status.Terminal() {
			return fmt.Errorf("%w: receipt %s", domain.ErrDocumentBusy, id)
		}
		return q.DeleteReceipt(ctx, id)
	})
	if err != nil {
		return err
	}

	s.log.InfoContext(ctx, "receipt deleted", "receipt_id", id)
	return nil
}

var errDocumentLost = errors.New("document was lost before extraction, upload it again")

// Recover finds receipts still PROCESSING that were created before the
// cutoff and whose tasks were lost. Receipts with lines are queued again;
// an upload whose lines were never extracted cannot be rebuilt and is
// failed. It returns how many receipts it touched.
func (s *ReceiptService) Recover(ctx context.Context, before time.Time) (int, error) {
	var stuck []domain.Receipt
	err := s.store.WithinTx(ctx, func(q port.Queries) error {
		var err error
		stuck, err = q.ListReceipts(ctx, port.ReceiptFilter{Status: domain.StatusProcessing, CreatedBefore: before})
		return err
	})
	if err != nil {
		return 0, err
	}

	n := 0
	for i := range stuck {
		r := &stuck[i]
		if len(r.Lines) == 0 {
			if err := s.MarkFailed(ctx, r.ID, errDocumentLost); err != nil {
				return n, err
			}
			s.log.WarnContext(ctx, "stuck receipt failed", "receipt_id", r.ID, "reason", errDocumentLost)
			n++
			continue
		}
		if err := s.enqueue(ctx, r, nil); err != nil {
			return n, err
		}
		n++
	}

	if n > 0 {
		s.log.InfoContext(ctx, "stuck receipts recovered", "count", n)
	}
	return n, nil
}
