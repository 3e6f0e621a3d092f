package service

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/kitchen-stock/internal/port"
)

type Option func(*options)

type options struct {
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
	alerts port.AlertCache
}

func defaultOptions() options {
	return options{
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  newID,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithAlertCache dedupes low-stock alerts. Without one every consumption
// that leaves an ingredient low logs a warning.
func WithAlertCache(alerts port.AlertCache) Option {
	return func(o *options) { o.alerts = alerts }
}

// newID returns time-ordered ids so ledger rows sort by insertion within
// the same timestamp.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
