package service

import (
	"context"
	"fmt"
	"testing"
)

func BenchmarkCheckCart(b *testing.B) {
	ctx := context.Background()
	repo := newFakeServiceRepository()

	lines := make([]CheckLine, 0, 40)
	for i := range 40 {
		variantID := fmt.Sprintf("v%03d", i)
		if i%5 == 0 {
			repo.setDeclaration("shop-1", variantID, fmt.Sprintf(`"SKU-%03d,SKU-%03d"`, i+1, i+2))
		}
		lines = append(lines, CheckLine{
			ID:        fmt.Sprintf("l%03d", i),
			Quantity:  1,
			SKU:       fmt.Sprintf("SKU-%03d", i),
			VariantID: variantID,
		})
	}

	svc, err := New(ctx, repo, WithLogger(discardLogger()))
	if err != nil {
		b.Fatalf("New() error = %v", err)
	}
	req := CheckRequest{CartID: "cart-1", Lines: lines, CanUpdateAttributes: true}

	b.ResetTimer()
	for b.Loop() {
		_, _ = svc.CheckCart(ctx, "shop-1", req)
	}
}
