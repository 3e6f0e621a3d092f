// Package extraction turns uploaded invoices and receipts into line items
// by calling an external document extraction service.
package extraction

import (
	"time"

	"github.com/rl1809/kitchen-stock/internal/port"
)

type Config struct {
	// Endpoint is the base URL of the extraction service. Empty disables
	// extraction.
	Endpoint      string        `yaml:"endpoint"`
	APIKey        string        `yaml:"api_key"`
	Timeout       time.Duration `yaml:"timeout"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
}

// New returns a Client for a configured endpoint and Disabled otherwise.
func New(cfg Config) port.Extractor {
	if cfg.Endpoint == "" {
		return Disabled{}
	}
	return NewClient(cfg)
}
