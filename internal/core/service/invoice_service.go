package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rl1809/kitchen-stock/internal/core/domain"
	"github.com/rl1809/kitchen-stock/internal/port"
)

// InvoiceService records supplier invoices and applies their lines to stock.
type InvoiceService struct {
	store     port.Store
	catalog   *CatalogService
	ledger    *LedgerService
	extractor port.Extractor
	opts      options
	log       *slog.Logger
}

func NewInvoiceService(store port.Store, catalog *CatalogService, ledger *LedgerService, extractor port.Extractor, opts ...Option) *InvoiceService {
	o := buildOptions(opts)
	return &InvoiceService{
		store:     store,
		catalog:   catalog,
		ledger:    ledger,
		extractor: extractor,
		opts:      o,
		log:       o.logger.With("component", "invoices"),
	}
}

type ImportResult struct {
	Invoice  *domain.Invoice       `json:"invoice"`
	Rejected []domain.RejectedLine `json:"rejected,omitempty"`
}

type LineFailure struct {
	LineID   string `json:"line_id"`
	ItemName string `json:"item_name"`
	Error    string `json:"error"`
}

type ApplyResult struct {
	InvoiceID string        `json:"invoice_id"`
	Applied   int           `json:"applied"`
	Skipped   int           `json:"skipped"`
	Failures  []LineFailure `json:"failures,omitempty"`
}

// Import extracts line items from an uploaded invoice. The extraction call
// happens between two short transactions, never inside one. Unusable lines
// are reported and left out of the invoice.
func (s *InvoiceService) Import(ctx context.Context, doc domain.Document) (*ImportResult, error) {
	inv := &domain.Invoice{
		ID:        s.opts.newID(),
		FileName:  doc.FileName,
		Status:    domain.StatusProcessing,
		Lines:     []domain.InvoiceLine{},
		CreatedAt: s.opts.now(),
	}
	if err := s.store.WithinTx(ctx, func(q port.Queries) error { return q.CreateInvoice(ctx, inv) }); err != nil {
		return nil, err
	}

	ext, err := s.extractor.ExtractInvoice(ctx, doc)
	if err == nil && len(domain.Rejected(ext.Lines)) == len(ext.Lines) {
		err = fmt.Errorf("%w: no usable invoice lines", domain.ErrMalformedExtraction)
	}
	if err != nil {
		s.log.WarnContext(ctx, "invoice extraction failed", "invoice_id", inv.ID, "file", doc.FileName, "error", err)
		if ferr := s.finish(ctx, inv, domain.StatusFailed); ferr != nil {
			return nil, errors.Join(err, ferr)
		}
		return &ImportResult{Invoice: inv}, err
	}

	inv.SupplierName = ext.SupplierName
	inv.InvoiceDate = ext.InvoiceDate
	inv.TotalAmount = ext.TotalAmount

	result := &ImportResult{Invoice: inv, Rejected: domain.Rejected(ext.Lines)}
	for _, rej := range result.Rejected {
		s.log.WarnContext(ctx, "invoice line rejected", "invoice_id", inv.ID, "index", rej.Index, "reason", rej.Reason)
	}

	err = s.store.WithinTx(ctx, func(q port.Queries) error {
		for _, line := range ext.Lines {
			item, ok := line.(domain.InvoiceLineItem)
			if !ok {
				continue
			}
			l := s.newLine(inv.ID, item)
			if err := q.AddInvoiceLine(ctx, &l); err != nil {
				return err
			}
			inv.Lines = append(inv.Lines, l)
		}
		return s.complete(ctx, q, inv, domain.StatusCompleted)
	})
	if err != nil {
		return nil, err
	}

	s.log.InfoContext(ctx, "invoice imported", "invoice_id", inv.ID, "lines", len(inv.Lines), "rejected", len(result.Rejected))
	return result, nil
}

// CreateManual records a hand-entered invoice. Every line must be valid.
func (s *InvoiceService) CreateManual(ctx context.Context, supplier string, date *time.Time, items []domain.InvoiceLineItem) (*domain.Invoice, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: invoice has no lines", domain.ErrEmptyDocument)
	}

	now := s.opts.now()
	inv := &domain.Invoice{
		ID:           s.opts.newID(),
		SupplierName: strings.TrimSpace(supplier),
		FileName:     "manual",
		InvoiceDate:  date,
		Status:       domain.StatusCompleted,
		CreatedAt:    now,
		ProcessedAt:  &now,
	}
	for i, item := range items {
		if strings.TrimSpace(item.ItemName) == "" || strings.TrimSpace(item.Unit) == "" {
			return nil, fmt.Errorf("%w: line %d needs an item name and unit", domain.ErrInvalidIngredient, i+1)
		}
		if !item.Quantity.IsPositive() {
			return nil, fmt.Errorf("%w: line %d quantity %s must be positive", domain.ErrInvalidQuantity, i+1, item.Quantity)
		}
		if err := domain.CheckScale(item.Quantity); err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		inv.Lines = append(inv.Lines, s.newLine(inv.ID, item))
	}

	if err := s.store.WithinTx(ctx, func(q port.Queries) error { return q.CreateInvoice(ctx, inv) }); err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *InvoiceService) newLine(invoiceID string, item domain.InvoiceLineItem) domain.InvoiceLine {
	return domain.InvoiceLine{
		ID:         s.opts.newID(),
		InvoiceID:  invoiceID,
		ItemName:   strings.TrimSpace(item.ItemName),
		Quantity:   item.Quantity,
		Unit:       strings.TrimSpace(item.Unit),
		UnitPrice:  item.UnitPrice,
		TotalPrice: item.TotalPrice,
	}
}

// ApplyToInventory adds every line of a completed invoice to stock,
// creating ingredients it has not seen before. Lines already applied are
// skipped; a failing line is reported and the rest still apply.
func (s *InvoiceService) ApplyToInventory(ctx context.Context, invoiceID string) (*ApplyResult, error) {
	inv, err := s.Get(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status != domain.StatusCompleted {
		return nil, fmt.Errorf("%w: invoice %s is %s", domain.ErrInvoiceNotProcessed, inv.ID, inv.Status)
	}

	result := &ApplyResult{InvoiceID: inv.ID}
	for _, line := range inv.Lines {
		err := s.applyLine(ctx, line)
		switch {
		case err == nil:
			result.Applied++
		case errors.Is(err, domain.ErrAlreadyAdded):
			result.Skipped++
		default:
			s.log.WarnContext(ctx, "invoice line not applied", "invoice_id", inv.ID, "line_id", line.ID, "error", err)
			result.Failures = append(result.Failures, LineFailure{LineID: line.ID, ItemName: line.ItemName, Error: err.Error()})
		}
	}

	s.log.InfoContext(ctx, "invoice applied",
		"invoice_id", inv.ID,
		"applied", result.Applied,
		"skipped", result.Skipped,
		"failed", len(result.Failures),
	)
	return result, nil
}

func (s *InvoiceService) applyLine(ctx context.Context, line domain.InvoiceLine) error {
	var claimed bool
	err := s.store.WithinTx(ctx, func(q port.Queries) error {
		var err error
		claimed, err = q.SourceClaimed(ctx, line.ID)
		return err
	})
	if err != nil {
		return err
	}
	if claimed {
		return fmt.Errorf("%w: line %s", domain.ErrAlreadyAdded, line.ID)
	}

	ing, _, err := s.catalog.EnsureIngredient(ctx, line.ItemName, line.Unit)
	if err != nil {
		return err
	}
	_, err = s.ledger.AddStock(ctx, ing.Name, line.Quantity, line.ID)
	return err
}

func (s *InvoiceService) Get(ctx context.Context, id string) (*domain.Invoice, error) {
	var inv *domain.Invoice
	err := s.store.WithinTx(ctx, func(q port.Queries) error {
		var err error
		inv, err = q.GetInvoice(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvoiceNotFound, id)
	}
	return inv, nil
}

// List returns invoices newest first. A limit of zero returns all of them.
func (s *InvoiceService) List(ctx context.Context, limit int) ([]domain.Invoice, error) {
	var out []domain.Invoice
	err := s.store.WithinTx(ctx, func(q port.Queries) error {
		var err error
		out, err = q.ListInvoices(ctx, limit)
		return err
	})
	return out, err
}

// Delete removes an invoice and its lines. Stock it already added stays,
// and its lines can never be applied again.
func (s *InvoiceService) Delete(ctx context.Context, id string) error {
	err := s.store.WithinTx(ctx, func(q port.Queries) error {
		return q.DeleteInvoice(ctx, id)
	})
	if errors.Is(err, domain.ErrInvoiceNotFound) {
		return fmt.Errorf("%w: %s", domain.ErrInvoiceNotFound, id)
	}
	if err != nil {
		return err
	}

	s.log.InfoContext(ctx, "invoice deleted", "invoice_id", id)
	return nil
}

func (s *InvoiceService) finish(ctx context.Context, inv *domain.Invoice, status domain.DocumentStatus) error {
	return s.store.WithinTx(ctx, func(q port.Queries) error {
		return s.complete(ctx, q, inv, status)
	})
}

func (s *InvoiceService) complete(ctx context.Context, q port.Queries, inv *domain.Invoice, status domain.DocumentStatus) error {
	now := s.opts.now()
	inv.Status = status
	inv.ProcessedAt = &now
	return q.UpdateInvoice(ctx, inv)
}
