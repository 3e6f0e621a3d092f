package handler

import (
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"

	"github.com/rl1809/kitchen-stock/internal/core/domain"
)

type errorClass struct {
	err    error
	status int
	code   codes.Code
}

// Checked in order; the first match wins.
var errorClasses = []errorClass{
	{domain.ErrUnknownIngredient, http.StatusNotFound, codes.NotFound},
	{domain.ErrRecipeNotFound, http.StatusNotFound, codes.NotFound},
	{domain.ErrInvoiceNotFound, http.StatusNotFound, codes.NotFound},
	{domain.ErrReceiptNotFound, http.StatusNotFound, codes.NotFound},

	{domain.ErrAlreadyConsumed, http.StatusConflict, codes.AlreadyExists},
	{domain.ErrAlreadyAdded, http.StatusConflict, codes.AlreadyExists},
	{domain.ErrIngredientExists, http.StatusConflict, codes.AlreadyExists},
	{domain.ErrRecipeExists, http.StatusConflict, codes.AlreadyExists},
	{domain.ErrIngredientInUse, http.StatusConflict, codes.FailedPrecondition},
	{domain.ErrHasHistory, http.StatusConflict, codes.FailedPrecondition},
	{domain.ErrInvoiceNotProcessed, http.StatusConflict, codes.FailedPrecondition},
	{domain.ErrDocumentBusy, http.StatusConflict, codes.FailedPrecondition},

	{domain.ErrInsufficientStock, http.StatusUnprocessableEntity, codes.FailedPrecondition},
	{domain.ErrNoInventory, http.StatusUnprocessableEntity, codes.FailedPrecondition},
	{domain.ErrMalformedExtraction, http.StatusUnprocessableEntity, codes.InvalidArgument},

	{domain.ErrExtractionUnavailable, http.StatusServiceUnavailable, codes.Unavailable},
	{domain.ErrConflict, http.StatusServiceUnavailable, codes.Aborted},
}

func classify(err error) (int, codes.Code) {
	for _, c := range errorClasses {
		if errors.Is(err, c.err) {
			return c.status, c.code
		}
	}
	if domain.IsValidation(err) {
		return http.StatusBadRequest, codes.InvalidArgument
	}
	return http.StatusInternalServerError, codes.Internal
}

// message hides infrastructure failures from callers.
func message(err error) string {
	if status, _ := classify(err); status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		return "internal error"
	}
	return err.Error()
}
