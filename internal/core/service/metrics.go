package service

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rl1809/kitchen-stock/internal/core/domain"
)

const meterName = "github.com/rl1809/kitchen-stock/service"

// metrics records through the global meter provider, which is a noop until
// an SDK provider is installed.
type metrics struct {
	stockIn      metric.Float64Counter
	stockOut     metric.Float64Counter
	rejected     metric.Int64Counter
	lowStock     metric.Int64Counter
	placeholders metric.Int64Counter
}

func newMetrics() *metrics {
	meter := otel.Meter(meterName)
	m := &metrics{}

	// instrument constructors only fail on invalid names; they still return
	// a usable noop instrument
	m.stockIn, _ = meter.Float64Counter("stock.in.quantity",
		metric.WithDescription("Quantity added to inventory, in base units"))
	m.stockOut, _ = meter.Float64Counter("stock.out.quantity",
		metric.WithDescription("Quantity consumed by recipes, in base units"))
	m.rejected, _ = meter.Int64Counter("stock.operations.rejected",
		metric.WithDescription("Ledger operations rejected by validation"),
		metric.WithUnit("{operation}"))
	m.lowStock, _ = meter.Int64Counter("stock.low.alerts",
		metric.WithDescription("Low stock alerts raised"),
		metric.WithUnit("{alert}"))
	m.placeholders, _ = meter.Int64Counter("recipes.placeholder.created",
		metric.WithDescription("Recipes auto-created without ingredients"),
		metric.WithUnit("{recipe}"))
	return m
}

func (m *metrics) reject(ctx context.Context, op string, err error) {
	if !domain.IsValidation(err) {
		return
	}
	m.rejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("reason", reason(err)),
	))
}

func reason(err error) string {
	for _, target := range []error{
		domain.ErrInsufficientStock, domain.ErrNoInventory, domain.ErrAlreadyConsumed,
		domain.ErrAlreadyAdded, domain.ErrRecipeNotFound, domain.ErrUnknownIngredient,
		domain.ErrInvalidQuantity, domain.ErrIngredientInUse, domain.ErrHasHistory,
	} {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return "other"
}
