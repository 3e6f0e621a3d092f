package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/kitchen-stock/internal/core/domain"
	"github.com/rl1809/kitchen-stock/internal/core/service"
)

const (
	defaultHistoryLimit = 50
	defaultListLimit    = 100
)

// Services groups the use cases exposed over the transports.
type Services struct {
	Catalog  *service.CatalogService
	Ledger   *service.LedgerService
	Invoices *service.InvoiceService
	Receipts *service.ReceiptService
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type HTTPHandler struct {
	svc       Services
	db        Pinger
	uploadMax int64
	log       *slog.Logger
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type CreateIngredientRequest struct {
	Name     string `json:"name"`
	BaseUnit string `json:"base_unit"`
	Category string `json:"category,omitempty"`
}

type AddStockRequest struct {
	Ingredient   string          `json:"ingredient"`
	Quantity     decimal.Decimal `json:"quantity"`
	SourceLineID string          `json:"source_line_id,omitempty"`
}

type ThresholdRequest struct {
	MinThreshold decimal.NullDecimal `json:"min_threshold"`
}

type InvoiceLineRequest struct {
	ItemName   string              `json:"item_name"`
	Quantity   decimal.Decimal     `json:"quantity"`
	Unit       string              `json:"unit"`
	UnitPrice  decimal.NullDecimal `json:"unit_price"`
	TotalPrice decimal.NullDecimal `json:"total_price"`
}

type ManualInvoiceRequest struct {
	SupplierName string               `json:"supplier_name"`
	InvoiceDate  *time.Time           `json:"invoice_date,omitempty"`
	Lines        []InvoiceLineRequest `json:"lines"`
}

type ManualReceiptRequest struct {
	Lines []service.ManualLine `json:"lines"`
}

func NewHTTPHandler(svc Services, db Pinger, uploadMax int64, logger *slog.Logger) *HTTPHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{svc: svc, db: db, uploadMax: uploadMax, log: logger.With("component", "http")}
}

func (h *HTTPHandler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.HandleFunc("GET /ready", h.Ready)

	mux.HandleFunc("GET /api/ingredients", h.ListIngredients)
	mux.HandleFunc("POST /api/ingredients", h.CreateIngredient)
	mux.HandleFunc("DELETE /api/ingredients/{id}", h.RetireIngredient)
	mux.HandleFunc("GET /api/ingredients/{id}/history", h.History)
	mux.HandleFunc("PUT /api/ingredients/{id}/threshold", h.UpdateThreshold)
	mux.HandleFunc("DELETE /api/ingredients/{id}/threshold", h.ClearThreshold)

	mux.HandleFunc("POST /api/stock", h.AddStock)
	mux.HandleFunc("GET /api/inventory", h.Inventory)
	mux.HandleFunc("GET /api/inventory/low-stock", h.LowStock)
	mux.HandleFunc("GET /api/inventory/{id}", h.Stock)

	mux.HandleFunc("GET /api/recipes", h.ListRecipes)
	mux.HandleFunc("POST /api/recipes", h.CreateRecipe)
	mux.HandleFunc("GET /api/recipes/{id}", h.GetRecipe)
	mux.HandleFunc("PUT /api/recipes/{id}", h.UpdateRecipe)
	mux.HandleFunc("DELETE /api/recipes/{id}", h.DeleteRecipe)
	mux.HandleFunc("GET /api/recipes/{id}/requirements", h.Requirements)

	mux.HandleFunc("GET /api/invoices", h.ListInvoices)
	mux.HandleFunc("POST /api/invoices", h.CreateInvoice)
	mux.HandleFunc("POST /api/invoices/upload", h.UploadInvoice)
	mux.HandleFunc("GET /api/invoices/{id}", h.GetInvoice)
	mux.HandleFunc("DELETE /api/invoices/{id}", h.DeleteInvoice)
	mux.HandleFunc("POST /api/invoices/{id}/apply", h.ApplyInvoice)

	mux.HandleFunc("GET /api/receipts", h.ListReceipts)
	mux.HandleFunc("POST /api/receipts", h.SubmitReceipt)
	mux.HandleFunc("POST /api/receipts/upload", h.UploadReceipt)
	mux.HandleFunc("GET /api/receipts/{id}", h.GetReceipt)
	mux.HandleFunc("DELETE /api/receipts/{id}", h.DeleteReceipt)
	return mux
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		h.log.WarnContext(r.Context(), "readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// ==================== Ingredients & stock ====================

func (h *HTTPHandler) ListIngredients(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.Catalog.ListIngredients(r.Context())
	h.respond(w, r, http.StatusOK, out, err)
}

func (h *HTTPHandler) CreateIngredient(w http.ResponseWriter, r *http.Request) {
	var req CreateIngredientRequest
	if !h.decode(w, r, &req) {
		return
	}
	ing, err := h.svc.Catalog.CreateIngredient(r.Context(), req.Name, req.BaseUnit, req.Category)
	h.respond(w, r, http.StatusCreated, ing, err)
}

func (h *HTTPHandler) RetireIngredient(w http.ResponseWriter, r *http.Request) {
	h.noContent(w, r, h.svc.Ledger.RetireIngredient(r.Context(), r.PathValue("id")))
}

func (h *HTTPHandler) History(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r, defaultHistoryLimit)
	if !ok {
		return
	}
	entries, err := h.svc.Ledger.History(r.Context(), r.PathValue("id"), limit)
	h.respond(w, r, http.StatusOK, entries, err)
}

func (h *HTTPHandler) UpdateThreshold(w http.ResponseWriter, r *http.Request) {
	var req ThresholdRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !req.MinThreshold.Valid {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: "min_threshold is required"})
		return
	}
	inv, err := h.svc.Ledger.UpdateThreshold(r.Context(), r.PathValue("id"), req.MinThreshold.Decimal)
	h.respond(w, r, http.StatusOK, inv, err)
}

func (h *HTTPHandler) ClearThreshold(w http.ResponseWriter, r *http.Request) {
	inv, err := h.svc.Ledger.ClearThreshold(r.Context(), r.PathValue("id"))
	h.respond(w, r, http.StatusOK, inv, err)
}

func (h *HTTPHandler) AddStock(w http.ResponseWriter, r *http.Request) {
	var req AddStockRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Ingredient == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: "missing required fields"})
		return
	}
	inv, err := h.svc.Ledger.AddStock(r.Context(), req.Ingredient, req.Quantity, req.SourceLineID)
	h.respond(w, r, http.StatusOK, inv, err)
}

func (h *HTTPHandler) Inventory(w http.ResponseWriter, r *http.Request) {
	levels, err := h.svc.Ledger.Inventory(r.Context())
	h.respond(w, r, http.StatusOK, levels, err)
}

func (h *HTTPHandler) LowStock(w http.ResponseWriter, r *http.Request) {
	levels, err := h.svc.Ledger.LowStock(r.Context())
	h.respond(w, r, http.StatusOK, levels, err)
}

// Stock returns the aggregate of one ingredient, addressed by ingredient id.
func (h *HTTPHandler) Stock(w http.ResponseWriter, r *http.Request) {
	level, err := h.svc.Ledger.Stock(r.Context(), r.PathValue("id"))
	h.respond(w, r, http.StatusOK, level, err)
}

// ==================== Recipes ====================

func (h *HTTPHandler) ListRecipes(w http.ResponseWriter, r *http.Request) {
	if name := r.URL.Query().Get("name"); name != "" {
		recipe, err := h.svc.Catalog.FindRecipe(r.Context(), name)
		h.respond(w, r, http.StatusOK, recipe, err)
		return
	}
	out, err := h.svc.Catalog.ListRecipes(r.Context())
	h.respond(w, r, http.StatusOK, out, err)
}

func (h *HTTPHandler) CreateRecipe(w http.ResponseWriter, r *http.Request) {
	var req service.RecipeInput
	if !h.decode(w, r, &req) {
		return
	}
	recipe, err := h.svc.Catalog.CreateRecipe(r.Context(), req)
	h.respond(w, r, http.StatusCreated, recipe, err)
}

func (h *HTTPHandler) GetRecipe(w http.ResponseWriter, r *http.Request) {
	recipe, err := h.svc.Catalog.GetRecipe(r.Context(), r.PathValue("id"))
	h.respond(w, r, http.StatusOK, recipe, err)
}

func (h *HTTPHandler) UpdateRecipe(w http.ResponseWriter, r *http.Request) {
	var req service.RecipeInput
	if !h.decode(w, r, &req) {
		return
	}
	recipe, err := h.svc.Catalog.UpdateRecipe(r.Context(), r.PathValue("id"), req)
	h.respond(w, r, http.StatusOK, recipe, err)
}

func (h *HTTPHandler) DeleteRecipe(w http.ResponseWriter, r *http.Request) {
	h.noContent(w, r, h.svc.Catalog.DeleteRecipe(r.Context(), r.PathValue("id")))
}

func (h *HTTPHandler) Requirements(w http.ResponseWriter, r *http.Request) {
	servings := decimal.NewFromInt(1)
	if v := r.URL.Query().Get("servings"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: "servings must be a number"})
			return
		}
		servings = d
	}
	reqs, err := h.svc.Catalog.Requirements(r.Context(), r.PathValue("id"), servings)
	h.respond(w, r, http.StatusOK, reqs, err)
}

// ==================== Invoices ====================

func (h *HTTPHandler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req ManualInvoiceRequest
	if !h.decode(w, r, &req) {
		return
	}
	items := make([]domain.InvoiceLineItem, 0, len(req.Lines))
	for _, l := range req.Lines {
		items = append(items, domain.InvoiceLineItem{
			ItemName:   l.ItemName,
			Quantity:   l.Quantity,
			Unit:       l.Unit,
			UnitPrice:  l.UnitPrice,
			TotalPrice: l.TotalPrice,
		})
	}
	inv, err := h.svc.Invoices.CreateManual(r.Context(), req.SupplierName, req.InvoiceDate, items)
	h.respond(w, r, http.StatusCreated, inv, err)
}

func (h *HTTPHandler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r, defaultListLimit)
	if !ok {
		return
	}
	out, err := h.svc.Invoices.List(r.Context(), limit)
	h.respond(w, r, http.StatusOK, out, err)
}

func (h *HTTPHandler) DeleteInvoice(w http.ResponseWriter, r *http.Request) {
	h.noContent(w, r, h.svc.Invoices.Delete(r.Context(), r.PathValue("id")))
}

func (h *HTTPHandler) UploadInvoice(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.document(w, r)
	if !ok {
		return
	}
	res, err := h.svc.Invoices.Import(r.Context(), doc)
	h.respond(w, r, http.StatusCreated, res, err)
}

func (h *HTTPHandler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.svc.Invoices.Get(r.Context(), r.PathValue("id"))
	h.respond(w, r, http.StatusOK, inv, err)
}

func (h *HTTPHandler) ApplyInvoice(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Invoices.ApplyToInventory(r.Context(), r.PathValue("id"))
	h.respond(w, r, http.StatusOK, res, err)
}

// ==================== Receipts ====================

func (h *HTTPHandler) ListReceipts(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r, defaultListLimit)
	if !ok {
		return
	}
	status := domain.DocumentStatus(r.URL.Query().Get("status"))
	switch status {
	case "", domain.StatusProcessing, domain.StatusCompleted, domain.StatusFailed:
	default:
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: "status must be PROCESSING, COMPLETED or FAILED"})
		return
	}
	out, err := h.svc.Receipts.List(r.Context(), status, limit)
	h.respond(w, r, http.StatusOK, out, err)
}

func (h *HTTPHandler) DeleteReceipt(w http.ResponseWriter, r *http.Request) {
	h.noContent(w, r, h.svc.Receipts.Delete(r.Context(), r.PathValue("id")))
}

func (h *HTTPHandler) SubmitReceipt(w http.ResponseWriter, r *http.Request) {
	var req ManualReceiptRequest
	if !h.decode(w, r, &req) {
		return
	}
	receipt, err := h.svc.Receipts.SubmitManual(r.Context(), req.Lines)
	h.respond(w, r, http.StatusAccepted, receipt, err)
}

func (h *HTTPHandler) UploadReceipt(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.document(w, r)
	if !ok {
		return
	}
	receipt, err := h.svc.Receipts.SubmitDocument(r.Context(), doc)
	h.respond(w, r, http.StatusAccepted, receipt, err)
}

func (h *HTTPHandler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := h.svc.Receipts.Get(r.Context(), r.PathValue("id"))
	h.respond(w, r, http.StatusOK, receipt, err)
}

// ==================== Helpers ====================

func queryLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: "limit must be a non-negative integer"})
		return 0, false
	}
	return n, true
}

func (h *HTTPHandler) noContent(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Success: false,
			Message: "invalid request body",
		})
		return false
	}
	return true
}

// document reads the "file" part of a multipart upload.
func (h *HTTPHandler) document(w http.ResponseWriter, r *http.Request) (domain.Document, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.uploadMax)
	if err := r.ParseMultipartForm(h.uploadMax); err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, ErrorResponse{Message: fmt.Sprintf("invalid upload: %v", err)})
		return domain.Document{}, false
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: "missing file"})
		return domain.Document{}, false
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: "unreadable file"})
		return domain.Document{}, false
	}
	return domain.Document{
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Content:     content,
	}, true
}

func (h *HTTPHandler) respond(w http.ResponseWriter, r *http.Request, status int, data interface{}, err error) {
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, status, data)
}

func (h *HTTPHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, _ := classify(err)
	if status >= http.StatusInternalServerError {
		h.log.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, ErrorResponse{
		Success: false,
		Message: message(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
