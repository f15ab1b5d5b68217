package middleware

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

func TestHTTPBearerAuth(t *testing.T) {
	t.Run("missing token", func(t *testing.T) {
		validator := &testTokenValidator{}
		failures := 0
		handler := HTTPBearerAuth(validator, WithOnAuthFailure(func() { failures++ }))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Fatal("expected next handler not to be called")
		}))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/variants", nil))

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected %d, got %d", http.StatusUnauthorized, rec.Code)
		}
		if got := rec.Header().Get("WWW-Authenticate"); got != "Bearer" {
			t.Fatalf("expected WWW-Authenticate Bearer, got %q", got)
		}
		if validator.called {
			t.Fatal("expected validator not to be called")
		}
		if failures != 1 {
			t.Fatalf("failures = %d, want 1", failures)
		}
	})

	t.Run("non bearer scheme", func(t *testing.T) {
		validator := &testTokenValidator{}
		handler := HTTPBearerAuth(validator)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Fatal("expected next handler not to be called")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Basic abc")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected %d, got %d", http.StatusUnauthorized, rec.Code)
		}
		if validator.called {
			t.Fatal("expected validator not to be called")
		}
	})

	t.Run("valid token stores shop", func(t *testing.T) {
		validator := &testTokenValidator{expectedToken: "good", principal: Principal{ShopID: "shop-1", KeyID: "key-1"}}
		var gotShop, gotKey string
		handler := HTTPBearerAuth(validator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotShop, _ = ShopIDFromContext(r.Context())
			gotKey, _ = APIKeyIDFromContext(r.Context())
			w.WriteHeader(http.StatusNoContent)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer good")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected %d, got %d", http.StatusNoContent, rec.Code)
		}
		if gotShop != "shop-1" || gotKey != "key-1" {
			t.Fatalf("context shop/key = %q/%q, want shop-1/key-1", gotShop, gotKey)
		}
	})

	t.Run("principal without shop is rejected", func(t *testing.T) {
		validator := &testTokenValidator{expectedToken: "good"}
		handler := HTTPBearerAuth(validator)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Fatal("expected next handler not to be called")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer good")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected %d, got %d", http.StatusUnauthorized, rec.Code)
		}
	})

	t.Run("repeated failures are throttled", func(t *testing.T) {
		validator := &testTokenValidator{expectedToken: "good"}
		handler := HTTPBearerAuth(validator, WithFailureLimiter(NewFailureLimiter(2)))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

		statuses := make([]int, 0, 3)
		for range 3 {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = "203.0.113.9:4000"
			req.Header.Set("Authorization", "Bearer bad")
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			statuses = append(statuses, rec.Code)
		}

		want := []int{http.StatusUnauthorized, http.StatusUnauthorized, http.StatusTooManyRequests}
		for i := range want {
			if statuses[i] != want[i] {
				t.Fatalf("statuses = %v, want %v", statuses, want)
			}
		}
	})
}

func TestUnaryBearerAuthInterceptor(t *testing.T) {
	info := &grpc.UnaryServerInfo{FullMethod: "/compatz.v1.CompatibilityService/CheckCart"}

	t.Run("missing token", func(t *testing.T) {
		validator := &testTokenValidator{}
		_, err := UnaryBearerAuthInterceptor(validator)(context.Background(), struct{}{}, info, func(context.Context, any) (any, error) {
			t.Fatal("expected handler not to be called")
			return nil, nil
		})

		if status.Code(err) != codes.Unauthenticated {
			t.Fatalf("expected Unauthenticated, got %v", err)
		}
		if validator.called {
			t.Fatal("expected validator not to be called")
		}
	})

	t.Run("second header may carry the valid token", func(t *testing.T) {
		validator := &testTokenValidator{expectedToken: "good", principal: Principal{ShopID: "shop-1"}}
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(
			"authorization", "Bearer bad",
			"authorization", "Bearer good",
		))

		res, err := UnaryBearerAuthInterceptor(validator)(ctx, struct{}{}, info, func(ctx context.Context, _ any) (any, error) {
			shopID, ok := ShopIDFromContext(ctx)
			if !ok || shopID != "shop-1" {
				return nil, status.Errorf(codes.Internal, "ShopIDFromContext = %q, %v", shopID, ok)
			}
			return "ok", nil
		})
		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
		if res != "ok" {
			t.Fatalf("expected ok, got %#v", res)
		}
	})

	t.Run("public methods skip auth", func(t *testing.T) {
		validator := &testTokenValidator{}
		called := false
		_, err := UnaryBearerAuthInterceptor(validator, WithPublicMethods("/grpc.health.v1.Health/"))(
			context.Background(), struct{}{}, &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"},
			func(context.Context, any) (any, error) {
				called = true
				return nil, nil
			})
		if err != nil || !called {
			t.Fatalf("expected handler to run without auth, err = %v", err)
		}
	})

	t.Run("throttles by peer address", func(t *testing.T) {
		validator := &testTokenValidator{expectedToken: "good"}
		interceptor := UnaryBearerAuthInterceptor(validator, WithFailureLimiter(NewFailureLimiter(1)))
		ctx := peer.NewContext(context.Background(), &peer.Peer{Addr: &net.TCPAddr{IP: net.ParseIP("198.51.100.1"), Port: 5000}})
		ctx = metadata.NewIncomingContext(ctx, metadata.Pairs("authorization", "Bearer bad"))

		noop := func(context.Context, any) (any, error) { return nil, nil }
		if _, err := interceptor(ctx, nil, info, noop); status.Code(err) != codes.Unauthenticated {
			t.Fatalf("first failure: expected Unauthenticated, got %v", err)
		}
		if _, err := interceptor(ctx, nil, info, noop); status.Code(err) != codes.ResourceExhausted {
			t.Fatalf("second failure: expected ResourceExhausted, got %v", err)
		}
	})
}

func TestAPIKeyValidator(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword() error = %v", err)
	}
	lookup := &testAPIKeyLookup{hashes: map[string]string{"key-1": string(hash)}, shops: map[string]string{"key-1": "shop-1"}}
	validator := NewAPIKeyValidator(lookup)

	principal, err := validator.ValidateToken(context.Background(), "key-1.s3cret")
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if principal != (Principal{ShopID: "shop-1", KeyID: "key-1"}) {
		t.Fatalf("ValidateToken() = %+v", principal)
	}

	for _, token := range []string{"key-1.wrong", "missing.s3cret", "no-dot", ".s3cret", "key-1."} {
		if _, err := validator.ValidateToken(context.Background(), token); err == nil {
			t.Fatalf("ValidateToken(%q) error = nil, want error", token)
		}
	}

	var nilValidator *APIKeyValidator
	if _, err := nilValidator.ValidateToken(context.Background(), "key-1.s3cret"); err == nil {
		t.Fatal("expected error from nil validator")
	}
}

func TestAPIKeyMatchesHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword() error = %v", err)
	}
	if !APIKeyMatchesHash(string(hash), "secret") {
		t.Fatal("expected API key to match hash")
	}
	if APIKeyMatchesHash(string(hash), "wrong") {
		t.Fatal("expected API key mismatch")
	}
	if APIKeyMatchesHash("not-a-hash", "secret") {
		t.Fatal("expected invalid hash to fail")
	}
}

type testTokenValidator struct {
	expectedToken string
	principal     Principal
	called        bool
}

func (v *testTokenValidator) ValidateToken(_ context.Context, token string) (Principal, error) {
	v.called = true
	if v.expectedToken != "" && token != v.expectedToken {
		return Principal{}, errors.New("invalid token")
	}
	return v.principal, nil
}

type testAPIKeyLookup struct {
	hashes map[string]string
	shops  map[string]string
}

func (l *testAPIKeyLookup) ValidateAPIKey(_ context.Context, id string) (string, string, error) {
	hash, ok := l.hashes[id]
	if !ok {
		return "", "", errors.New("no rows")
	}
	return hash, l.shops[id], nil
}
