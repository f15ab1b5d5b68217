package server

import (
	"context"
	"net/http"

	"github.com/matt-riley/compatz/internal/middleware"
	"github.com/matt-riley/compatz/internal/repository"
	"github.com/matt-riley/compatz/internal/service"
)

type fakeService struct {
	checkCartFunc         func(context.Context, string, service.CheckRequest) (service.CheckResult, error)
	getAttributesFunc     func(context.Context, string, string) (map[string]string, error)
	listChecksFunc        func(context.Context, string, string, int) ([]repository.ConflictCheck, error)
	putDeclarationFunc    func(context.Context, string, repository.VariantDeclaration) (repository.VariantDeclaration, error)
	getDeclarationFunc    func(context.Context, string, string) (repository.VariantDeclaration, error)
	listDeclarationsFunc  func(context.Context, string) ([]repository.VariantDeclaration, error)
	deleteDeclarationFunc func(context.Context, string, string) error
}

func (f *fakeService) CheckCart(ctx context.Context, shopID string, req service.CheckRequest) (service.CheckResult, error) {
	if f.checkCartFunc == nil {
		return service.CheckResult{}, nil
	}
	return f.checkCartFunc(ctx, shopID, req)
}

func (f *fakeService) GetAttributes(ctx context.Context, shopID, cartID string) (map[string]string, error) {
	if f.getAttributesFunc == nil {
		return nil, nil
	}
	return f.getAttributesFunc(ctx, shopID, cartID)
}

func (f *fakeService) ListChecks(ctx context.Context, shopID, cartID string, limit int) ([]repository.ConflictCheck, error) {
	if f.listChecksFunc == nil {
		return nil, nil
	}
	return f.listChecksFunc(ctx, shopID, cartID, limit)
}

func (f *fakeService) PutDeclaration(ctx context.Context, shopID string, decl repository.VariantDeclaration) (repository.VariantDeclaration, error) {
	if f.putDeclarationFunc == nil {
		return decl, nil
	}
	return f.putDeclarationFunc(ctx, shopID, decl)
}

func (f *fakeService) GetDeclaration(ctx context.Context, shopID, variantID string) (repository.VariantDeclaration, error) {
	if f.getDeclarationFunc == nil {
		return repository.VariantDeclaration{}, service.ErrDeclarationNotFound
	}
	return f.getDeclarationFunc(ctx, shopID, variantID)
}

func (f *fakeService) ListDeclarations(ctx context.Context, shopID string) ([]repository.VariantDeclaration, error) {
	if f.listDeclarationsFunc == nil {
		return nil, nil
	}
	return f.listDeclarationsFunc(ctx, shopID)
}

func (f *fakeService) DeleteDeclaration(ctx context.Context, shopID, variantID string) error {
	if f.deleteDeclarationFunc == nil {
		return nil
	}
	return f.deleteDeclarationFunc(ctx, shopID, variantID)
}

func reqWithShop(req *http.Request) *http.Request {
	ctx := middleware.NewContextWithPrincipal(req.Context(), middleware.Principal{ShopID: "shop-1", KeyID: "key-1"})
	return req.WithContext(ctx)
}
