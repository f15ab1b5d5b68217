package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

var (
	errMissingAuthorizationHeader = errors.New("missing authorization header")
	errInvalidAuthorizationHeader = errors.New("invalid authorization header")
)

// TokenValidator validates a bearer token and resolves its principal.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (Principal, error)
}

// AuthOption configures the auth middleware.
type AuthOption func(*authConfig)

type authConfig struct {
	onFailure     func()
	limiter       *FailureLimiter
	publicMethods []string
}

func newAuthConfig(opts []AuthOption) authConfig {
	cfg := authConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// WithOnAuthFailure registers a callback invoked on every failed
// authentication.
func WithOnAuthFailure(fn func()) AuthOption {
	return func(c *authConfig) { c.onFailure = fn }
}

// WithFailureLimiter throttles clients that keep failing authentication.
func WithFailureLimiter(l *FailureLimiter) AuthOption {
	return func(c *authConfig) { c.limiter = l }
}

// WithPublicMethods exempts gRPC methods whose full name starts with one of
// prefixes from authentication.
func WithPublicMethods(prefixes ...string) AuthOption {
	return func(c *authConfig) { c.publicMethods = append(c.publicMethods, prefixes...) }
}

// HTTPBearerAuth rejects requests without a valid bearer token and stores
// the caller's shop in the request context.
func HTTPBearerAuth(validator TokenValidator, opts ...AuthOption) func(http.Handler) http.Handler {
	cfg := newAuthConfig(opts)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := authorize(r.Context(), []string{r.Header.Get("Authorization")}, validator)
			if err != nil {
				if !cfg.failed(ExtractIP(r.RemoteAddr)) {
					http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
					return
				}
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(NewContextWithPrincipal(r.Context(), principal)))
		})
	}
}

// UnaryBearerAuthInterceptor is the gRPC counterpart of [HTTPBearerAuth].
func UnaryBearerAuthInterceptor(validator TokenValidator, opts ...AuthOption) grpc.UnaryServerInterceptor {
	cfg := newAuthConfig(opts)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if cfg.isPublic(info.FullMethod) {
			return handler(ctx, req)
		}

		md, _ := metadata.FromIncomingContext(ctx)
		principal, err := authorize(ctx, md.Get("authorization"), validator)
		if err != nil {
			if !cfg.failed(extractGRPCPeerIP(ctx)) {
				return nil, status.Error(codes.ResourceExhausted, "too many failed auth attempts")
			}
			return nil, status.Error(codes.Unauthenticated, "unauthorized")
		}

		return handler(NewContextWithPrincipal(ctx, principal), req)
	}
}

// failed records an auth failure and reports whether the client may still
// be told to retry with other credentials.
func (c authConfig) failed(client string) bool {
	if c.onFailure != nil {
		c.onFailure()
	}
	if c.limiter == nil || client == "" {
		return true
	}
	return c.limiter.RecordFailure(client)
}

func (c authConfig) isPublic(fullMethod string) bool {
	for _, prefix := range c.publicMethods {
		if strings.HasPrefix(fullMethod, prefix) {
			return true
		}
	}
	return false
}

type contextKey string

const (
	shopIDKey   contextKey = "shop_id"
	apiKeyIDKey contextKey = "api_key_id"
)

// NewContextWithPrincipal returns ctx carrying the principal's shop and key.
func NewContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	ctx = context.WithValue(ctx, shopIDKey, p.ShopID)
	if p.KeyID != "" {
		ctx = context.WithValue(ctx, apiKeyIDKey, p.KeyID)
	}
	return ctx
}

// ShopIDFromContext returns the authenticated shop.
func ShopIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(shopIDKey).(string)
	return id, ok && id != ""
}

// APIKeyIDFromContext returns the id of the API key used for the request.
func APIKeyIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(apiKeyIDKey).(string)
	return id, ok
}

// authorize accepts the first header value carrying a valid token.
func authorize(ctx context.Context, headers []string, validator TokenValidator) (Principal, error) {
	if validator == nil {
		return Principal{}, errors.New("token validator is nil")
	}

	lastErr := errMissingAuthorizationHeader
	for _, header := range headers {
		if strings.TrimSpace(header) == "" {
			continue
		}
		token, err := parseBearerToken(header)
		if err != nil {
			lastErr = err
			continue
		}
		principal, err := validator.ValidateToken(ctx, token)
		if err != nil {
			lastErr = err
			continue
		}
		if strings.TrimSpace(principal.ShopID) == "" {
			return Principal{}, errInvalidAuthorizationHeader
		}
		return principal, nil
	}

	return Principal{}, lastErr
}

func parseBearerToken(authorizationHeader string) (string, error) {
	parts := strings.Fields(authorizationHeader)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errInvalidAuthorizationHeader
	}
	return parts[1], nil
}

func extractGRPCPeerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	return ExtractIP(p.Addr.String())
}
