// Package client provides an HTTP client for the compatz API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/matt-riley/compatz/internal/repository"
	"github.com/matt-riley/compatz/internal/service"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxErrorBodyBytes = 4 << 10

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the compatz server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// HTTPClient is optional; a client with an otelhttp transport is used
	// when nil.
	HTTPClient *http.Client
}

// Client calls the compatz HTTP API on behalf of one shop's API key.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewHTTPClient returns a client for the compatz server at cfg.BaseURL.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, httpClient: hc}
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("compatz: HTTP %d: %s", e.StatusCode, e.Message)
}

type checkBody struct {
	Lines               []service.CheckLine `json:"lines"`
	CanUpdateAttributes bool                `json:"can_update_attributes"`
}

type declarationBody struct {
	SKU         string          `json:"sku,omitempty"`
	Declaration json.RawMessage `json:"declaration"`
}

// CheckCart asks the server to evaluate a cart. With canUpdateAttributes the
// server may persist order attributes for it.
func (c *Client) CheckCart(ctx context.Context, cartID string, lines []service.CheckLine, canUpdateAttributes bool) (service.CheckResult, error) {
	var out service.CheckResult
	err := c.doJSON(ctx, http.MethodPost, "/v1/carts/"+url.PathEscape(cartID)+"/check",
		checkBody{Lines: lines, CanUpdateAttributes: canUpdateAttributes}, &out)
	return out, err
}

// GetAttributes returns the order attributes stored for a cart.
func (c *Client) GetAttributes(ctx context.Context, cartID string) (map[string]string, error) {
	var out struct {
		Attributes map[string]string `json:"attributes"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/carts/"+url.PathEscape(cartID)+"/attributes", nil, &out); err != nil {
		return nil, err
	}
	return out.Attributes, nil
}

// PutDeclaration stores the exclusion declaration of a variant.
func (c *Client) PutDeclaration(ctx context.Context, variantID, sku string, declaration json.RawMessage) (repository.VariantDeclaration, error) {
	var out repository.VariantDeclaration
	err := c.doJSON(ctx, http.MethodPut, "/v1/variants/"+url.PathEscape(variantID)+"/declaration",
		declarationBody{SKU: sku, Declaration: declaration}, &out)
	return out, err
}

// DeleteDeclaration removes the declaration of a variant.
func (c *Client) DeleteDeclaration(ctx context.Context, variantID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/variants/"+url.PathEscape(variantID)+"/declaration", nil, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("compatz: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("compatz: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("compatz: http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("compatz: decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		msg = body.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}
