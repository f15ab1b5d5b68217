package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matt-riley/compatz/internal/core"
	"github.com/matt-riley/compatz/internal/repository"
	"github.com/matt-riley/compatz/internal/service"
)

func TestHTTPHandlerCheckCart(t *testing.T) {
	svc := &fakeService{
		checkCartFunc: func(_ context.Context, shopID string, req service.CheckRequest) (service.CheckResult, error) {
			if shopID != "shop-1" {
				t.Fatalf("CheckCart shopID = %q, want shop-1", shopID)
			}
			if req.CartID != "cart-9" {
				t.Fatalf("CheckCart cartID = %q, want cart-9", req.CartID)
			}
			if !req.CanUpdateAttributes {
				t.Fatal("CanUpdateAttributes = false, want true")
			}
			if len(req.Lines) != 2 || string(req.Lines[0].Declaration) != `"B"` {
				t.Fatalf("lines = %#v, want two lines with inline declaration", req.Lines)
			}
			return service.CheckResult{
				CheckID: "chk-1",
				CartID:  req.CartID,
				Conflicts: []core.Conflict{{
					Subject:       core.CartLine{ID: "l1", Quantity: 1, SKU: "A"},
					ConflictsWith: []core.CartLine{{ID: "l2", Quantity: 1, SKU: "B"}},
				}},
				Attributes: map[string]string{
					core.AttributeWarningShown:     "true",
					core.AttributeIncompatibleSKUs: "A",
				},
				Applied: true,
			}, nil
		},
	}

	body := `{"lines":[{"id":"l1","quantity":1,"sku":"A","declaration":"B"},{"id":"l2","quantity":1,"sku":"B"}],"can_update_attributes":true}`
	handler := NewHTTPHandler(svc)
	req := reqWithShop(httptest.NewRequest(http.MethodPost, "/v1/carts/cart-9/check", strings.NewReader(body)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (%s)", rec.Code, http.StatusOK, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "application/json") {
		t.Fatalf("Content-Type = %q, want application/json", got)
	}

	var got service.CheckResult
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(got.Conflicts) != 1 || got.Conflicts[0].Subject.ID != "l1" {
		t.Fatalf("conflicts = %#v, want subject l1", got.Conflicts)
	}
	if got.Attributes[core.AttributeIncompatibleSKUs] != "A" || !got.Applied {
		t.Fatalf("result = %#v, want applied attributes", got)
	}
}

func TestHTTPHandlerCheckCartRejectsUnknownFields(t *testing.T) {
	svc := &fakeService{
		checkCartFunc: func(context.Context, string, service.CheckRequest) (service.CheckResult, error) {
			t.Fatal("CheckCart should not be called for invalid bodies")
			return service.CheckResult{}, nil
		},
	}

	handler := NewHTTPHandler(svc)
	req := reqWithShop(httptest.NewRequest(http.MethodPost, "/v1/carts/c/check", strings.NewReader(`{"lines":[],"surprise":1}`)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if !strings.Contains(rec.Body.String(), `"error":"invalid JSON body"`) {
		t.Fatalf("body = %q, want invalid JSON body error", rec.Body.String())
	}
}

func TestHTTPHandlerCheckCartOversizedBody(t *testing.T) {
	svc := &fakeService{
		checkCartFunc: func(context.Context, string, service.CheckRequest) (service.CheckResult, error) {
			t.Fatal("CheckCart should not be called for oversized request bodies")
			return service.CheckResult{}, nil
		},
	}

	title := strings.Repeat("a", 128)
	body := `{"lines":[{"id":"l1","quantity":1,"title":"` + title + `"}]}`

	handler := NewHTTPHandler(svc, WithMaxJSONBodySize(64))
	req := reqWithShop(httptest.NewRequest(http.MethodPost, "/v1/carts/c/check", strings.NewReader(body)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
	}
	if !strings.Contains(rec.Body.String(), `"error":"request body too large"`) {
		t.Fatalf("body = %q, want request body too large error", rec.Body.String())
	}
}

func TestHTTPHandlerServiceErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{
			name:       "invalid request",
			err:        fmt.Errorf("%w: lines[0].id is required", service.ErrInvalidRequest),
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid request: lines[0].id is required",
		},
		{
			name:       "missing shop",
			err:        service.ErrShopIDRequired,
			wantStatus: http.StatusBadRequest,
			wantError:  "shop id is required",
		},
		{
			name:       "canceled",
			err:        context.Canceled,
			wantStatus: http.StatusRequestTimeout,
			wantError:  "request canceled",
		},
		{
			name:       "internal details hidden",
			err:        errors.New("pool exhausted on 10.0.0.7"),
			wantStatus: http.StatusInternalServerError,
			wantError:  "internal server error",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := &fakeService{
				checkCartFunc: func(context.Context, string, service.CheckRequest) (service.CheckResult, error) {
					return service.CheckResult{}, tc.err
				},
			}

			handler := NewHTTPHandler(svc)
			req := reqWithShop(httptest.NewRequest(http.MethodPost, "/v1/carts/c/check", strings.NewReader(`{"lines":[]}`)))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal error body: %v", err)
			}
			if body["error"] != tc.wantError {
				t.Fatalf("error = %q, want %q", body["error"], tc.wantError)
			}
		})
	}
}

func TestHTTPHandlerGetAttributes(t *testing.T) {
	svc := &fakeService{
		getAttributesFunc: func(_ context.Context, shopID, cartID string) (map[string]string, error) {
			if shopID != "shop-1" || cartID != "cart-1" {
				t.Fatalf("GetAttributes(%q, %q)", shopID, cartID)
			}
			return nil, nil
		},
	}

	handler := NewHTTPHandler(svc)
	req := reqWithShop(httptest.NewRequest(http.MethodGet, "/v1/carts/cart-1/attributes", nil))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"cart_id":"cart-1","attributes":{}}` {
		t.Fatalf("body = %s, want empty attributes object", got)
	}
}

func TestHTTPHandlerListChecksLimit(t *testing.T) {
	var gotLimit int
	svc := &fakeService{
		listChecksFunc: func(_ context.Context, _, _ string, limit int) ([]repository.ConflictCheck, error) {
			gotLimit = limit
			return []repository.ConflictCheck{{ID: "chk-1", CartID: "cart-1", ConflictCount: 2}}, nil
		},
	}
	handler := NewHTTPHandler(svc)

	req := reqWithShop(httptest.NewRequest(http.MethodGet, "/v1/carts/cart-1/checks?limit=7", nil))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if gotLimit != 7 {
		t.Fatalf("limit = %d, want 7", gotLimit)
	}

	req = reqWithShop(httptest.NewRequest(http.MethodGet, "/v1/carts/cart-1/checks?limit=many", nil))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHTTPHandlerDeclarationLifecycle(t *testing.T) {
	var mu sync.Mutex
	stored := map[string]repository.VariantDeclaration{}

	svc := &fakeService{
		putDeclarationFunc: func(_ context.Context, _ string, decl repository.VariantDeclaration) (repository.VariantDeclaration, error) {
			if !core.ValidDeclarationJSON(decl.Declaration) {
				return repository.VariantDeclaration{}, fmt.Errorf("%w: must be null, a boolean or a string", service.ErrInvalidDeclaration)
			}
			mu.Lock()
			defer mu.Unlock()
			stored[decl.VariantID] = decl
			return decl, nil
		},
		getDeclarationFunc: func(_ context.Context, _, variantID string) (repository.VariantDeclaration, error) {
			mu.Lock()
			defer mu.Unlock()
			decl, ok := stored[variantID]
			if !ok {
				return repository.VariantDeclaration{}, service.ErrDeclarationNotFound
			}
			return decl, nil
		},
		deleteDeclarationFunc: func(_ context.Context, _, variantID string) error {
			mu.Lock()
			defer mu.Unlock()
			if _, ok := stored[variantID]; !ok {
				return service.ErrDeclarationNotFound
			}
			delete(stored, variantID)
			return nil
		},
	}
	handler := NewHTTPHandler(svc)

	do := func(method, path, body string) *httptest.ResponseRecorder {
		t.Helper()
		var req *http.Request
		if body == "" {
			req = httptest.NewRequest(method, path, nil)
		} else {
			req = httptest.NewRequest(method, path, strings.NewReader(body))
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, reqWithShop(req))
		return rec
	}

	if rec := do(http.MethodPut, "/v1/variants/v1/declaration", `{"sku":"A","declaration":"B, C"}`); rec.Code != http.StatusOK {
		t.Fatalf("PUT status = %d, want %d (%s)", rec.Code, http.StatusOK, rec.Body.String())
	}
	if rec := do(http.MethodPut, "/v1/variants/v1/declaration", `{"declaration":["B"]}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("PUT array status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	rec := do(http.MethodGet, "/v1/variants/v1/declaration", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d, want %d", rec.Code, http.StatusOK)
	}
	var got repository.VariantDeclaration
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal declaration: %v", err)
	}
	if got.SKU != "A" || string(got.Declaration) != `"B, C"` {
		t.Fatalf("declaration = %#v, want sku A with B, C", got)
	}

	if rec := do(http.MethodDelete, "/v1/variants/v1/declaration", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if rec := do(http.MethodDelete, "/v1/variants/v1/declaration", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second DELETE status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if rec := do(http.MethodGet, "/v1/variants/v1/declaration", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("GET after delete status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHTTPHandlerListDeclarationsEmpty(t *testing.T) {
	handler := NewHTTPHandler(&fakeService{})
	req := reqWithShop(httptest.NewRequest(http.MethodGet, "/v1/variants", nil))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Fatalf("body = %s, want []", got)
	}
}

type recordedObservation struct {
	method string
	route  string
	status int
}

type fakeRouteObserver struct {
	mu           sync.Mutex
	observations []recordedObservation
}

func (f *fakeRouteObserver) ObserveHTTP(method, route string, statusCode int, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observations = append(f.observations, recordedObservation{method: method, route: route, status: statusCode})
}

func TestHTTPHandlerObservesRoutePatterns(t *testing.T) {
	observer := &fakeRouteObserver{}
	handler := NewHTTPHandler(&fakeService{}, WithRouteObserver(observer))

	req := reqWithShop(httptest.NewRequest(http.MethodGet, "/v1/variants/v-42/declaration", nil))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	observer.mu.Lock()
	defer observer.mu.Unlock()
	if len(observer.observations) != 1 {
		t.Fatalf("observations = %d, want 1", len(observer.observations))
	}
	want := recordedObservation{method: http.MethodGet, route: "/v1/variants/{variantID}/declaration", status: http.StatusNotFound}
	if observer.observations[0] != want {
		t.Fatalf("observation = %#v, want %#v", observer.observations[0], want)
	}
}

func TestHTTPHandlerAPIMiddlewareSkipsHealthAndMetrics(t *testing.T) {
	deny := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		})
	}
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("compatz_checks_total 0\n"))
	})
	handler := NewHTTPHandler(&fakeService{}, WithAPIMiddleware(deny), WithMetricsHandler(metricsHandler))

	tests := []struct {
		path       string
		wantStatus int
	}{
		{path: "/healthz", wantStatus: http.StatusOK},
		{path: "/metrics", wantStatus: http.StatusOK},
		{path: "/v1/variants", wantStatus: http.StatusUnauthorized},
	}
	for _, tc := range tests {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))
		if rec.Code != tc.wantStatus {
			t.Fatalf("GET %s status = %d, want %d", tc.path, rec.Code, tc.wantStatus)
		}
	}
}

func TestNewHTTPHandlerPanicsOnNilService(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("NewHTTPHandler(nil) did not panic")
		}
	}()
	NewHTTPHandler(nil)
}
