package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

const (
	defaultStorefrontConcurrency = 8
	defaultStorefrontTimeout     = 3 * time.Second
	maxStorefrontResponseBytes   = 1 << 20
	storefrontTokenHeader        = "X-Shopify-Storefront-Access-Token"
)

var variantMetafieldQuery = `query variantExclusions($id: ID!) {
  node(id: $id) {
    ... on ProductVariant {
      sku
      current: metafield(namespace: "` + MetafieldNamespace + `", key: "` + MetafieldKey + `") { value }
      legacy: metafield(namespace: "` + MetafieldNamespace + `", key: "` + LegacyMetafieldKey + `") { value }
    }
  }
}`

// StorefrontConfig configures a [StorefrontSource].
type StorefrontConfig struct {
	// Endpoint is the GraphQL endpoint of the storefront API.
	Endpoint string
	// Token is sent as the storefront access token header.
	Token string
	// Concurrency bounds the number of variant queries in flight.
	Concurrency int
	// Timeout applies to each variant query.
	Timeout time.Duration
	// HTTPClient is optional; a client with an otelhttp transport is used
	// when nil.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// StorefrontSource queries variant metafields from a storefront GraphQL API,
// one query per variant issued concurrently. Calls go through a circuit
// breaker so a failing API is not hammered on every cart change.
type StorefrontSource struct {
	cfg     StorefrontConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[map[string]json.RawMessage]
}

// NewStorefrontSource validates cfg and returns a ready source.
func NewStorefrontSource(cfg StorefrontConfig) (*StorefrontSource, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("storefront endpoint is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultStorefrontConcurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultStorefrontTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	logger := cfg.Logger
	breaker := gobreaker.NewCircuitBreaker[map[string]json.RawMessage](gobreaker.Settings{
		Name:        "storefront-metadata",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A caller abandoning the check says nothing about the storefront.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})

	return &StorefrontSource{cfg: cfg, client: client, breaker: breaker}, nil
}

// FetchDeclarations implements [Source]. The shop is implied by the endpoint.
// Any failed variant query fails the whole batch.
func (s *StorefrontSource) FetchDeclarations(ctx context.Context, _ string, variantIDs []string) (map[string]json.RawMessage, error) {
	return s.breaker.Execute(func() (map[string]json.RawMessage, error) {
		return s.fetchAll(ctx, variantIDs)
	})
}

func (s *StorefrontSource) fetchAll(ctx context.Context, variantIDs []string) (map[string]json.RawMessage, error) {
	var mu sync.Mutex
	found := make(map[string]json.RawMessage, len(variantIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, variantID := range variantIDs {
		g.Go(func() error {
			value, ok, err := s.fetchOne(gctx, variantID)
			if err != nil {
				return fmt.Errorf("variant %s: %w", variantID, err)
			}
			if !ok {
				return nil
			}
			mu.Lock()
			found[variantID] = value
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return found, nil
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type metafieldValue struct {
	Value *string `json:"value"`
}

type variantMetafieldsResponse struct {
	Data struct {
		Node *struct {
			SKU     string          `json:"sku"`
			Current *metafieldValue `json:"current"`
			Legacy  *metafieldValue `json:"legacy"`
		} `json:"node"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (s *StorefrontSource) fetchOne(ctx context.Context, variantID string) (json.RawMessage, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(graphQLRequest{
		Query:     variantMetafieldQuery,
		Variables: map[string]any{"id": variantID},
	})
	if err != nil {
		return nil, false, fmt.Errorf("marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.Token != "" {
		req.Header.Set(storefrontTokenHeader, s.cfg.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("query storefront: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, false, fmt.Errorf("storefront HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var decoded variantMetafieldsResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxStorefrontResponseBytes)).Decode(&decoded); err != nil {
		return nil, false, fmt.Errorf("decode storefront response: %w", err)
	}
	if len(decoded.Errors) > 0 {
		return nil, false, fmt.Errorf("storefront error: %s", decoded.Errors[0].Message)
	}

	return metafieldDeclaration(decoded)
}

func metafieldDeclaration(decoded variantMetafieldsResponse) (json.RawMessage, bool, error) {
	node := decoded.Data.Node
	if node == nil {
		return nil, false, nil
	}

	for _, field := range []*metafieldValue{node.Current, node.Legacy} {
		if field == nil || field.Value == nil || *field.Value == "" {
			continue
		}
		payload, err := json.Marshal(*field.Value)
		if err != nil {
			return nil, false, fmt.Errorf("encode metafield value: %w", err)
		}
		return payload, true, nil
	}

	return nil, false, nil
}
