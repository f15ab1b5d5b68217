package core

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Order attribute keys written when a cart holds incompatible lines.
const (
	AttributeWarningShown     = "warning_shown"
	AttributeIncompatibleSKUs = "incompat_skus"
)

// OrderAttributes are the values persisted onto the order for a conflict set.
type OrderAttributes struct {
	WarningShown     bool     `json:"warning_shown"`
	IncompatibleKeys []string `json:"incompatible_keys"`
}

// AttributesFor summarises conflicts as order attributes. Keys are listed
// subject first, then partners, in conflict order; blank keys are dropped
// and each key is listed once.
func AttributesFor(conflicts []Conflict) OrderAttributes {
	if len(conflicts) == 0 {
		return OrderAttributes{}
	}

	seen := make(map[string]struct{})
	keys := make([]string, 0, len(conflicts)*2)
	add := func(line CartLine) {
		key := line.MatchKey()
		if key == "" {
			return
		}
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}

	for _, conflict := range conflicts {
		add(conflict.Subject)
		for _, partner := range conflict.ConflictsWith {
			add(partner)
		}
	}

	return OrderAttributes{
		WarningShown:     true,
		IncompatibleKeys: keys,
	}
}

// Empty reports whether there is nothing to persist.
func (a OrderAttributes) Empty() bool {
	return !a.WarningShown && len(a.IncompatibleKeys) == 0
}

// SKUList returns the comma-joined incompatible keys.
func (a OrderAttributes) SKUList() string {
	return strings.Join(a.IncompatibleKeys, ",")
}

// Map returns the attribute key/value pairs to write. Empty attributes
// produce an empty map.
func (a OrderAttributes) Map() map[string]string {
	if a.Empty() {
		return map[string]string{}
	}

	values := map[string]string{
		AttributeIncompatibleSKUs: a.SKUList(),
	}
	if a.WarningShown {
		values[AttributeWarningShown] = "true"
	}
	return values
}

// IdempotencyKey identifies the attribute values. Two results with the same
// key need not be written twice.
func (a OrderAttributes) IdempotencyKey() string {
	sum := sha256.New()
	if a.WarningShown {
		sum.Write([]byte("warning_shown=true\n"))
	} else {
		sum.Write([]byte("warning_shown=false\n"))
	}
	sum.Write([]byte("incompat_skus="))
	sum.Write([]byte(a.SKUList()))
	return hex.EncodeToString(sum.Sum(nil))
}
