// Package storefront notifies the shop frontend that cached pages became
// stale, typically after an order is paid.
package storefront

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Config holds storefront revalidation configuration. An empty URL disables
// revalidation entirely.
type Config struct {
	URL            string        `envconfig:"STOREFRONT_URL"`
	Token          string        `envconfig:"STOREFRONT_REVALIDATE_TOKEN"`
	RequestTimeout time.Duration `envconfig:"STOREFRONT_REQUEST_TIMEOUT" default:"10s"`
}

// Revalidator asks the storefront to re-render cached pages.
type Revalidator interface {
	Revalidate(ctx context.Context, paths []string, tags []string) error
}

// Client calls the storefront revalidation endpoint.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a storefront revalidation client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		logger: logger,
	}
}

type revalidateRequest struct {
	Paths []string `json:"paths,omitempty"`
	Tags  []string `json:"tags,omitempty"`
}

// Revalidate posts the stale paths and cache tags to the storefront. A
// failure here never blocks the payment flow; callers log and move on.
func (c *Client) Revalidate(ctx context.Context, paths []string, tags []string) error {
	if c.config.URL == "" {
		c.logger.Debug("storefront revalidation disabled")
		return nil
	}

	body, err := json.Marshal(revalidateRequest{Paths: paths, Tags: tags})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	url := c.config.URL + "/api/revalidate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("storefront revalidate: status=%d body=%s", resp.StatusCode, string(respBody))
	}

	c.logger.Debug("storefront revalidated", "paths", paths, "tags", tags)
	return nil
}

// NopRevalidator ignores revalidation requests. Used in tests.
type NopRevalidator struct{}

// Revalidate does nothing.
func (NopRevalidator) Revalidate(context.Context, []string, []string) error {
	return nil
}
