package server

import (
	"context"

	"github.com/matt-riley/compatz/internal/repository"
	"github.com/matt-riley/compatz/internal/service"
)

// Service is the subset of [service.Service] the transports call.
type Service interface {
	CheckCart(ctx context.Context, shopID string, req service.CheckRequest) (service.CheckResult, error)
	GetAttributes(ctx context.Context, shopID, cartID string) (map[string]string, error)
	ListChecks(ctx context.Context, shopID, cartID string, limit int) ([]repository.ConflictCheck, error)
	PutDeclaration(ctx context.Context, shopID string, decl repository.VariantDeclaration) (repository.VariantDeclaration, error)
	GetDeclaration(ctx context.Context, shopID, variantID string) (repository.VariantDeclaration, error)
	ListDeclarations(ctx context.Context, shopID string) ([]repository.VariantDeclaration, error)
	DeleteDeclaration(ctx context.Context, shopID, variantID string) error
}

var _ Service = (*service.Service)(nil)
