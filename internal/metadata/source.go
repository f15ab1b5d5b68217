// Package metadata retrieves the seller-authored exclusion declarations of
// merchandise variants ahead of a compatibility check.
//
// It is the first stage of the check pipeline: a batched lookup producing a
// mapping from variant id to parsed [core.Declaration]. The evaluation stage
// in package core never calls into this package.
package metadata

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/matt-riley/compatz/internal/core"
)

// Metafield coordinates of the exclusion declaration in product metadata.
// LegacyMetafieldKey is the singular key used before lists were supported.
const (
	MetafieldNamespace = "custom"
	MetafieldKey       = "incompatible_skus"
	LegacyMetafieldKey = "incompatible_sku"
)

// Source fetches raw declaration values for a batch of variants. Variants
// without metadata are left out of the returned map.
type Source interface {
	FetchDeclarations(ctx context.Context, shopID string, variantIDs []string) (map[string]json.RawMessage, error)
}

// SourceFunc adapts a function to [Source].
type SourceFunc func(ctx context.Context, shopID string, variantIDs []string) (map[string]json.RawMessage, error)

// FetchDeclarations calls f.
func (f SourceFunc) FetchDeclarations(ctx context.Context, shopID string, variantIDs []string) (map[string]json.RawMessage, error) {
	return f(ctx, shopID, variantIDs)
}

// Lookup fetches and parses the declarations of variantIDs. A failing source
// is logged and yields an empty mapping, so a fetch failure degrades to
// "no exclusion" rather than failing the check.
func Lookup(ctx context.Context, src Source, shopID string, variantIDs []string, logger *slog.Logger) map[string]core.Declaration {
	declarations := make(map[string]core.Declaration)

	ids := uniqueIDs(variantIDs)
	if src == nil || len(ids) == 0 {
		return declarations
	}
	if logger == nil {
		logger = slog.Default()
	}

	raw, err := src.FetchDeclarations(ctx, shopID, ids)
	if err != nil {
		logger.WarnContext(ctx, "declaration lookup failed",
			slog.String("shop_id", shopID),
			slog.Int("variants", len(ids)),
			slog.String("error", err.Error()),
		)
		return declarations
	}

	for variantID, payload := range raw {
		decl := core.ParseDeclarationJSON(payload)
		if decl.IsAbsent() {
			continue
		}
		declarations[variantID] = decl
	}

	return declarations
}

func uniqueIDs(variantIDs []string) []string {
	seen := make(map[string]struct{}, len(variantIDs))
	ids := make([]string, 0, len(variantIDs))
	for _, id := range variantIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}
