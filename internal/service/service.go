package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/matt-riley/compatz/internal/core"
	"github.com/matt-riley/compatz/internal/metadata"
	"github.com/matt-riley/compatz/internal/repository"
)

const (
	CheckResultConflict = "conflict"
	CheckResultClear    = "clear"

	AttributeWriteWritten   = "written"
	AttributeWriteUnchanged = "unchanged"
	AttributeWriteSkipped   = "skipped"
	AttributeWriteFailed    = "failed"

	DefaultCheckHistoryLimit = 50

	bestEffortTimeout   = 2 * time.Second
	invalidationTimeout = 2 * time.Second
	resubscribeInterval = time.Minute
	tracerName          = "github.com/matt-riley/compatz/internal/service"
)

var (
	ErrDeclarationNotFound = errors.New("declaration not found")
	ErrInvalidDeclaration  = errors.New("invalid declaration")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrShopIDRequired      = errors.New("shop id is required")
)

// Repository is the persistence the service depends on.
type Repository interface {
	UpsertDeclaration(ctx context.Context, decl repository.VariantDeclaration) (repository.VariantDeclaration, error)
	GetDeclaration(ctx context.Context, shopID, variantID string) (repository.VariantDeclaration, error)
	ListDeclarations(ctx context.Context, shopID string) ([]repository.VariantDeclaration, error)
	DeleteDeclaration(ctx context.Context, shopID, variantID string) error
	ApplyAttributes(ctx context.Context, shopID, cartID string, values map[string]string, idempotencyKey string) error
	GetAttributes(ctx context.Context, shopID, cartID string) (map[string]string, error)
	LastAppliedKey(ctx context.Context, shopID, cartID string) (string, error)
	InsertCheck(ctx context.Context, check repository.ConflictCheck) error
	ListChecks(ctx context.Context, shopID, cartID string, limit int) ([]repository.ConflictCheck, error)
}

// Invalidator drops cached declarations after they change.
type Invalidator interface {
	Invalidate(ctx context.Context, shopID, variantID string) error
}

// CheckMetrics records check outcomes.
type CheckMetrics interface {
	RecordCheck(result string, conflicts int)
	RecordAttributeWrite(outcome string)
	RecordMetadataFailure()
}

type declarationChangeSubscriber interface {
	SubscribeDeclarationChanges(ctx context.Context) (<-chan repository.DeclarationChange, error)
}

// CheckLine is one cart line submitted for a check. A non-empty Declaration
// is used as-is instead of looking up the variant's stored declaration.
type CheckLine struct {
	ID          string          `json:"id"`
	Quantity    int             `json:"quantity"`
	SKU         string          `json:"sku,omitempty"`
	VariantID   string          `json:"variant_id,omitempty"`
	Title       string          `json:"title,omitempty"`
	Declaration json.RawMessage `json:"declaration,omitempty"`
}

// CheckRequest asks for the compatibility of a cart's lines.
type CheckRequest struct {
	CartID              string      `json:"cart_id"`
	Lines               []CheckLine `json:"lines"`
	CanUpdateAttributes bool        `json:"can_update_attributes"`
}

// CheckResult is the outcome of [Service.CheckCart].
type CheckResult struct {
	CheckID        string            `json:"check_id"`
	CartID         string            `json:"cart_id"`
	Conflicts      []core.Conflict   `json:"conflicts"`
	Attributes     map[string]string `json:"attributes"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Applied        bool              `json:"applied"`
}

// Option configures a [Service].
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSource replaces the declaration source. By default the repository is
// used when it implements [metadata.Source].
func WithSource(src metadata.Source) Option {
	return func(s *Service) {
		s.source = src
	}
}

// WithCheckMetrics reports check outcomes to m.
func WithCheckMetrics(m CheckMetrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithInvalidator registers a cache to invalidate when declarations change.
func WithInvalidator(inv Invalidator) Option {
	return func(s *Service) {
		s.invalidator = inv
	}
}

// WithCheckHistoryLimit caps the number of check records returned by
// [Service.ListChecks].
func WithCheckHistoryLimit(limit int) Option {
	return func(s *Service) {
		if limit > 0 {
			s.historyLimit = limit
		}
	}
}

type Service struct {
	repo         Repository
	source       metadata.Source
	logger       *slog.Logger
	metrics      CheckMetrics
	invalidator  Invalidator
	historyLimit int
	tracer       trace.Tracer
}

// New builds a service. When the repository publishes declaration changes
// and an invalidator is configured, a listener invalidating changed
// variants runs until ctx is done.
func New(ctx context.Context, repo Repository, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}

	svc := &Service{
		repo:         repo,
		logger:       slog.Default(),
		historyLimit: DefaultCheckHistoryLimit,
		tracer:       otel.Tracer(tracerName),
	}
	if src, ok := repo.(metadata.Source); ok {
		svc.source = src
	}
	for _, opt := range opts {
		opt(svc)
	}

	if subscriber, ok := repo.(declarationChangeSubscriber); ok && svc.invalidator != nil {
		if err := svc.startInvalidationListener(ctx, subscriber); err != nil {
			return nil, err
		}
	}

	return svc, nil
}

// CheckCart evaluates the compatibility of a cart. Declarations come from
// the lines themselves when present and from the metadata source otherwise;
// a failing source degrades to no declarations. When conflicts exist and the
// caller may update attributes, the order attributes are written unless the
// same values were already applied to the cart.
func (s *Service) CheckCart(ctx context.Context, shopID string, req CheckRequest) (result CheckResult, err error) {
	ctx, span := s.tracer.Start(ctx, "service.CheckCart", trace.WithAttributes(
		attribute.String("compatz.cart_id", req.CartID),
		attribute.Int("compatz.lines", len(req.Lines)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.Int("compatz.conflicts", len(result.Conflicts)),
				attribute.Bool("compatz.applied", result.Applied),
			)
		}
		span.End()
	}()

	if strings.TrimSpace(shopID) == "" {
		return CheckResult{}, ErrShopIDRequired
	}
	if err := validateCheckRequest(req); err != nil {
		return CheckResult{}, err
	}

	lines := s.resolveLines(ctx, shopID, req.Lines)
	conflicts := core.Evaluate(lines)
	attrs := core.AttributesFor(conflicts)

	result = CheckResult{
		CheckID:    uuid.NewString(),
		CartID:     req.CartID,
		Conflicts:  conflicts,
		Attributes: attrs.Map(),
	}

	outcome := AttributeWriteSkipped
	if !attrs.Empty() {
		result.IdempotencyKey = attrs.IdempotencyKey()
		if req.CanUpdateAttributes {
			outcome = s.applyAttributes(ctx, shopID, req.CartID, attrs)
			result.Applied = outcome == AttributeWriteWritten
		}
		if s.metrics != nil {
			s.metrics.RecordAttributeWrite(outcome)
		}
	}

	s.recordCheckBestEffort(ctx, shopID, result)

	if s.metrics != nil {
		checkResult := CheckResultClear
		if len(conflicts) > 0 {
			checkResult = CheckResultConflict
		}
		s.metrics.RecordCheck(checkResult, len(conflicts))
	}

	return result, nil
}

func validateCheckRequest(req CheckRequest) error {
	if strings.TrimSpace(req.CartID) == "" {
		return fmt.Errorf("%w: cart id is required", ErrInvalidRequest)
	}

	seen := make(map[string]struct{}, len(req.Lines))
	for i, line := range req.Lines {
		if strings.TrimSpace(line.ID) == "" {
			return fmt.Errorf("%w: line %d: id is required", ErrInvalidRequest, i)
		}
		if line.Quantity < 1 {
			return fmt.Errorf("%w: line %q: quantity must be positive", ErrInvalidRequest, line.ID)
		}
		if _, ok := seen[line.ID]; ok {
			return fmt.Errorf("%w: line %q: duplicate id", ErrInvalidRequest, line.ID)
		}
		seen[line.ID] = struct{}{}
	}

	return nil
}

func (s *Service) resolveLines(ctx context.Context, shopID string, input []CheckLine) []core.CartLine {
	lookupIDs := make([]string, 0, len(input))
	for _, line := range input {
		if len(line.Declaration) == 0 && strings.TrimSpace(line.VariantID) != "" {
			lookupIDs = append(lookupIDs, strings.TrimSpace(line.VariantID))
		}
	}

	var declarations map[string]core.Declaration
	if len(lookupIDs) > 0 {
		declarations = metadata.Lookup(ctx, s.observedSource(), shopID, lookupIDs, s.logger)
	}

	lines := make([]core.CartLine, len(input))
	for i, line := range input {
		exclusion := core.ParseDeclarationJSON(line.Declaration)
		if len(line.Declaration) == 0 {
			exclusion = declarations[strings.TrimSpace(line.VariantID)]
		}
		lines[i] = core.CartLine{
			ID:        line.ID,
			Quantity:  line.Quantity,
			SKU:       line.SKU,
			VariantID: line.VariantID,
			Title:     line.Title,
			Exclusion: exclusion,
		}
	}

	return lines
}

func (s *Service) observedSource() metadata.Source {
	if s.source == nil || s.metrics == nil {
		return s.source
	}

	return metadata.SourceFunc(func(ctx context.Context, shopID string, variantIDs []string) (map[string]json.RawMessage, error) {
		found, err := s.source.FetchDeclarations(ctx, shopID, variantIDs)
		if err != nil {
			s.metrics.RecordMetadataFailure()
		}
		return found, err
	})
}

func (s *Service) applyAttributes(ctx context.Context, shopID, cartID string, attrs core.OrderAttributes) string {
	key := attrs.IdempotencyKey()

	last, err := s.repo.LastAppliedKey(ctx, shopID, cartID)
	if err != nil {
		s.logger.WarnContext(ctx, "read last applied attributes failed",
			slog.String("cart_id", cartID),
			slog.String("error", err.Error()),
		)
	} else if last == key {
		return AttributeWriteUnchanged
	}

	if err := s.repo.ApplyAttributes(ctx, shopID, cartID, attrs.Map(), key); err != nil {
		s.logger.ErrorContext(ctx, "apply order attributes failed",
			slog.String("cart_id", cartID),
			slog.String("error", err.Error()),
		)
		return AttributeWriteFailed
	}

	s.logger.InfoContext(ctx, "order attributes applied",
		slog.String("cart_id", cartID),
		slog.String(core.AttributeIncompatibleSKUs, attrs.SKUList()),
	)
	return AttributeWriteWritten
}

func (s *Service) recordCheckBestEffort(ctx context.Context, shopID string, result CheckResult) {
	// The check outcome is already decided; history is informational.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()

	payload, err := json.Marshal(result.Attributes)
	if err != nil {
		payload = json.RawMessage(`{}`)
	}

	if err := s.repo.InsertCheck(recordCtx, repository.ConflictCheck{
		ID:            result.CheckID,
		ShopID:        shopID,
		CartID:        result.CartID,
		ConflictCount: len(result.Conflicts),
		Attributes:    payload,
		Applied:       result.Applied,
	}); err != nil {
		s.logger.WarnContext(ctx, "record conflict check failed",
			slog.String("cart_id", result.CartID),
			slog.String("error", err.Error()),
		)
	}
}

// PutDeclaration stores the exclusion declaration of a variant. The payload
// must be JSON null, a boolean or a string.
func (s *Service) PutDeclaration(ctx context.Context, shopID string, decl repository.VariantDeclaration) (repository.VariantDeclaration, error) {
	if strings.TrimSpace(shopID) == "" {
		return repository.VariantDeclaration{}, ErrShopIDRequired
	}
	if strings.TrimSpace(decl.VariantID) == "" {
		return repository.VariantDeclaration{}, fmt.Errorf("%w: variant id is required", ErrInvalidRequest)
	}
	if len(decl.Declaration) > 0 && !core.ValidDeclarationJSON(decl.Declaration) {
		return repository.VariantDeclaration{}, fmt.Errorf("%w: must be null, a boolean or a string", ErrInvalidDeclaration)
	}

	decl.ShopID = shopID
	stored, err := s.repo.UpsertDeclaration(ctx, decl)
	if err != nil {
		return repository.VariantDeclaration{}, fmt.Errorf("put declaration: %w", err)
	}

	s.invalidateBestEffort(ctx, shopID, decl.VariantID)
	return stored, nil
}

func (s *Service) GetDeclaration(ctx context.Context, shopID, variantID string) (repository.VariantDeclaration, error) {
	if strings.TrimSpace(shopID) == "" {
		return repository.VariantDeclaration{}, ErrShopIDRequired
	}
	if strings.TrimSpace(variantID) == "" {
		return repository.VariantDeclaration{}, fmt.Errorf("%w: variant id is required", ErrInvalidRequest)
	}

	decl, err := s.repo.GetDeclaration(ctx, shopID, variantID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.VariantDeclaration{}, ErrDeclarationNotFound
		}
		return repository.VariantDeclaration{}, fmt.Errorf("get declaration: %w", err)
	}

	return decl, nil
}

func (s *Service) ListDeclarations(ctx context.Context, shopID string) ([]repository.VariantDeclaration, error) {
	if strings.TrimSpace(shopID) == "" {
		return nil, ErrShopIDRequired
	}

	decls, err := s.repo.ListDeclarations(ctx, shopID)
	if err != nil {
		return nil, fmt.Errorf("list declarations: %w", err)
	}

	return decls, nil
}

func (s *Service) DeleteDeclaration(ctx context.Context, shopID, variantID string) error {
	if strings.TrimSpace(shopID) == "" {
		return ErrShopIDRequired
	}
	if strings.TrimSpace(variantID) == "" {
		return fmt.Errorf("%w: variant id is required", ErrInvalidRequest)
	}

	if err := s.repo.DeleteDeclaration(ctx, shopID, variantID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrDeclarationNotFound
		}
		return fmt.Errorf("delete declaration: %w", err)
	}

	s.invalidateBestEffort(ctx, shopID, variantID)
	return nil
}

// GetAttributes returns the order attributes persisted for a cart.
func (s *Service) GetAttributes(ctx context.Context, shopID, cartID string) (map[string]string, error) {
	if strings.TrimSpace(shopID) == "" {
		return nil, ErrShopIDRequired
	}
	if strings.TrimSpace(cartID) == "" {
		return nil, fmt.Errorf("%w: cart id is required", ErrInvalidRequest)
	}

	values, err := s.repo.GetAttributes(ctx, shopID, cartID)
	if err != nil {
		return nil, fmt.Errorf("get attributes: %w", err)
	}

	return values, nil
}

// ListChecks returns the most recent check records of a cart. A limit that
// is not positive or exceeds the configured history limit is clamped to it.
func (s *Service) ListChecks(ctx context.Context, shopID, cartID string, limit int) ([]repository.ConflictCheck, error) {
	if strings.TrimSpace(shopID) == "" {
		return nil, ErrShopIDRequired
	}
	if strings.TrimSpace(cartID) == "" {
		return nil, fmt.Errorf("%w: cart id is required", ErrInvalidRequest)
	}
	if limit <= 0 || limit > s.historyLimit {
		limit = s.historyLimit
	}

	checks, err := s.repo.ListChecks(ctx, shopID, cartID, limit)
	if err != nil {
		return nil, fmt.Errorf("list checks: %w", err)
	}

	return checks, nil
}

func (s *Service) invalidateBestEffort(ctx context.Context, shopID, variantID string) {
	if s.invalidator == nil {
		return
	}

	invalidateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), invalidationTimeout)
	defer cancel()
	if err := s.invalidator.Invalidate(invalidateCtx, shopID, variantID); err != nil {
		s.logger.WarnContext(ctx, "invalidate cached declaration failed",
			slog.String("variant_id", variantID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) startInvalidationListener(ctx context.Context, subscriber declarationChangeSubscriber) error {
	changes, err := subscriber.SubscribeDeclarationChanges(ctx)
	if err != nil {
		return fmt.Errorf("subscribe declaration changes: %w", err)
	}

	go func() {
		resubscribe := time.NewTicker(resubscribeInterval)
		defer resubscribe.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resubscribe.C:
				if changes == nil {
					next, err := subscriber.SubscribeDeclarationChanges(ctx)
					if err == nil {
						changes = next
					}
				}
			case change, ok := <-changes:
				if !ok {
					changes = nil
					continue
				}
				s.invalidateBestEffort(ctx, change.ShopID, change.VariantID)
			}
		}
	}()

	return nil
}
