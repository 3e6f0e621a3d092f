package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/rl1809/kitchen-stock/internal/core/domain"
)

const (
	defaultTimeout = 60 * time.Second
	maxResponse    = 4 << 20
)

// Client posts documents to the extraction service. Calls are throttled
// with a token bucket shared by every caller.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
	limiter  *rate.Limiter
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		http:     &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(limit, burst),
	}
}

func (c *Client) ExtractInvoice(ctx context.Context, doc domain.Document) (domain.InvoiceExtraction, error) {
	body, err := c.post(ctx, "/invoices", doc)
	if err != nil {
		return domain.InvoiceExtraction{}, err
	}
	return ParseInvoice(body)
}

func (c *Client) ExtractReceipt(ctx context.Context, doc domain.Document) (domain.ReceiptExtraction, error) {
	body, err := c.post(ctx, "/receipts", doc)
	if err != nil {
		return domain.ReceiptExtraction{}, err
	}
	return ParseReceipt(body)
}

func (c *Client) post(ctx context.Context, path string, doc domain.Document) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("extraction rate limit: %w", err)
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build extraction request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("extraction request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return nil, fmt.Errorf("read extraction response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		// the service read the document but could not make sense of it
		return nil, fmt.Errorf("%w: %s", domain.ErrMalformedExtraction, strings.TrimSpace(string(body)))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("extraction service returned %d", resp.StatusCode)
	}
	return body, nil
}
