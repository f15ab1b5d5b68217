package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/matt-riley/compatz/internal/middleware"
	"github.com/matt-riley/compatz/internal/repository"
	"github.com/matt-riley/compatz/internal/service"
)

const defaultMaxJSONBodyBytes int64 = 1 << 20

var errJSONBodyTooLarge = errors.New("json request body too large")

// RouteObserver receives one observation per handled HTTP request, labelled
// with the route pattern rather than the raw path.
type RouteObserver interface {
	ObserveHTTP(method, route string, statusCode int, elapsed time.Duration)
}

// HTTPOption configures the handler returned by [NewHTTPHandler].
type HTTPOption func(*HTTPServer)

// WithMaxJSONBodySize bounds request bodies. Non-positive values are ignored.
func WithMaxJSONBodySize(n int64) HTTPOption {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// WithRouteObserver reports every request to o.
func WithRouteObserver(o RouteObserver) HTTPOption {
	return func(s *HTTPServer) {
		s.observer = o
	}
}

// WithAPIMiddleware wraps the /v1 routes, typically with authentication.
// /healthz and /metrics are never wrapped.
func WithAPIMiddleware(mw func(http.Handler) http.Handler) HTTPOption {
	return func(s *HTTPServer) {
		s.apiMiddleware = mw
	}
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) HTTPOption {
	return func(s *HTTPServer) {
		s.metricsHandler = h
	}
}

type HTTPServer struct {
	service        Service
	maxBodyBytes   int64
	observer       RouteObserver
	apiMiddleware  func(http.Handler) http.Handler
	metricsHandler http.Handler
}

type checkJSONRequest struct {
	Lines               []service.CheckLine `json:"lines"`
	CanUpdateAttributes bool                `json:"can_update_attributes"`
}

type declarationJSONRequest struct {
	SKU         string          `json:"sku"`
	Declaration json.RawMessage `json:"declaration"`
}

type attributesJSONResponse struct {
	CartID     string            `json:"cart_id"`
	Attributes map[string]string `json:"attributes"`
}

func NewHTTPHandler(svc Service, opts ...HTTPOption) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	server := &HTTPServer{
		service:      svc,
		maxBodyBytes: defaultMaxJSONBodyBytes,
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	server.handleAPI(mux, "POST /v1/carts/{cartID}/check", server.handleCheckCart)
	server.handleAPI(mux, "GET /v1/carts/{cartID}/attributes", server.handleGetAttributes)
	server.handleAPI(mux, "GET /v1/carts/{cartID}/checks", server.handleListChecks)
	server.handleAPI(mux, "GET /v1/variants", server.handleListDeclarations)
	server.handleAPI(mux, "GET /v1/variants/{variantID}/declaration", server.handleGetDeclaration)
	server.handleAPI(mux, "PUT /v1/variants/{variantID}/declaration", server.handlePutDeclaration)
	server.handleAPI(mux, "DELETE /v1/variants/{variantID}/declaration", server.handleDeleteDeclaration)
	server.handle(mux, "GET /healthz", http.HandlerFunc(server.handleHealthz))
	if server.metricsHandler != nil {
		server.handle(mux, "GET /metrics", server.metricsHandler)
	}

	return mux
}

func (s *HTTPServer) handleAPI(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	var h http.Handler = fn
	if s.apiMiddleware != nil {
		h = s.apiMiddleware(h)
	}
	s.handle(mux, pattern, h)
}

func (s *HTTPServer) handle(mux *http.ServeMux, pattern string, h http.Handler) {
	if s.observer == nil {
		mux.Handle(pattern, h)
		return
	}

	route := pattern
	if _, path, ok := strings.Cut(pattern, " "); ok {
		route = path
	}
	mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &routeRecorder{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(rec, r)
		s.observer.ObserveHTTP(r.Method, route, rec.status, time.Since(started))
	}))
}

type routeRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *routeRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *routeRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *HTTPServer) handleCheckCart(w http.ResponseWriter, r *http.Request) {
	cartID := strings.TrimSpace(r.PathValue("cartID"))
	if cartID == "" {
		writeJSONError(w, http.StatusBadRequest, "cart id is required")
		return
	}

	var request checkJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	shopID, _ := middleware.ShopIDFromContext(r.Context())
	result, err := s.service.CheckCart(r.Context(), shopID, service.CheckRequest{
		CartID:              cartID,
		Lines:               request.Lines,
		CanUpdateAttributes: request.CanUpdateAttributes,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleGetAttributes(w http.ResponseWriter, r *http.Request) {
	cartID := strings.TrimSpace(r.PathValue("cartID"))
	if cartID == "" {
		writeJSONError(w, http.StatusBadRequest, "cart id is required")
		return
	}

	shopID, _ := middleware.ShopIDFromContext(r.Context())
	values, err := s.service.GetAttributes(r.Context(), shopID, cartID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if values == nil {
		values = map[string]string{}
	}

	writeJSON(w, http.StatusOK, attributesJSONResponse{CartID: cartID, Attributes: values})
}

func (s *HTTPServer) handleListChecks(w http.ResponseWriter, r *http.Request) {
	cartID := strings.TrimSpace(r.PathValue("cartID"))
	if cartID == "" {
		writeJSONError(w, http.StatusBadRequest, "cart id is required")
		return
	}

	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	shopID, _ := middleware.ShopIDFromContext(r.Context())
	checks, err := s.service.ListChecks(r.Context(), shopID, cartID, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if checks == nil {
		checks = []repository.ConflictCheck{}
	}

	writeJSON(w, http.StatusOK, checks)
}

func (s *HTTPServer) handleListDeclarations(w http.ResponseWriter, r *http.Request) {
	shopID, _ := middleware.ShopIDFromContext(r.Context())
	decls, err := s.service.ListDeclarations(r.Context(), shopID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if decls == nil {
		decls = []repository.VariantDeclaration{}
	}

	writeJSON(w, http.StatusOK, decls)
}

func (s *HTTPServer) handleGetDeclaration(w http.ResponseWriter, r *http.Request) {
	variantID := strings.TrimSpace(r.PathValue("variantID"))
	if variantID == "" {
		writeJSONError(w, http.StatusBadRequest, "variant id is required")
		return
	}

	shopID, _ := middleware.ShopIDFromContext(r.Context())
	decl, err := s.service.GetDeclaration(r.Context(), shopID, variantID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, decl)
}

func (s *HTTPServer) handlePutDeclaration(w http.ResponseWriter, r *http.Request) {
	variantID := strings.TrimSpace(r.PathValue("variantID"))
	if variantID == "" {
		writeJSONError(w, http.StatusBadRequest, "variant id is required")
		return
	}

	var request declarationJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	shopID, _ := middleware.ShopIDFromContext(r.Context())
	stored, err := s.service.PutDeclaration(r.Context(), shopID, repository.VariantDeclaration{
		VariantID:   variantID,
		SKU:         request.SKU,
		Declaration: request.Declaration,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stored)
}

func (s *HTTPServer) handleDeleteDeclaration(w http.ResponseWriter, r *http.Request) {
	variantID := strings.TrimSpace(r.PathValue("variantID"))
	if variantID == "" {
		writeJSONError(w, http.StatusBadRequest, "variant id is required")
		return
	}

	shopID, _ := middleware.ShopIDFromContext(r.Context())
	if err := s.service.DeleteDeclaration(r.Context(), shopID, variantID); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseLimit(value string) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}

	limit, err := strconv.Atoi(value)
	if err != nil || limit < 0 {
		return 0, errors.New("invalid limit")
	}

	return limit, nil
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, service.ErrInvalidDeclaration),
		errors.Is(err, service.ErrShopIDRequired):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrDeclarationNotFound):
		writeJSONError(w, http.StatusNotFound, serviceErrorMessage(err))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeJSONError(w, http.StatusRequestTimeout, serviceErrorMessage(err))
	default:
		writeJSONError(w, http.StatusInternalServerError, serviceErrorMessage(err))
	}
}

func serviceErrorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrDeclarationNotFound):
		return "declaration not found"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline exceeded"
	default:
		return "internal server error"
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
