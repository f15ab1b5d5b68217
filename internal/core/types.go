package core

// CartLine is one line item of a cart, annotated with the exclusion
// declaration of its merchandise variant.
type CartLine struct {
	ID        string      `json:"id"`
	Quantity  int         `json:"quantity"`
	SKU       string      `json:"sku,omitempty"`
	VariantID string      `json:"variant_id,omitempty"`
	Title     string      `json:"title,omitempty"`
	Exclusion Declaration `json:"-"`
}

// MatchKey returns the identifier other lines' declarations are matched
// against: the SKU when present, otherwise the variant id. Keys are used
// verbatim. An empty result means the line cannot be matched by identifier.
func (l CartLine) MatchKey() string {
	if l.SKU != "" {
		return l.SKU
	}
	return l.VariantID
}

// Conflict reports the lines matched by Subject's exclusion declaration.
type Conflict struct {
	Subject       CartLine   `json:"subject"`
	ConflictsWith []CartLine `json:"conflicts_with"`
}
