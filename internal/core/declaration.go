package core

import (
	"encoding/json"
	"strings"
)

// DeclarationKind discriminates the parsed forms of an exclusion declaration.
type DeclarationKind int

const (
	// DeclarationAbsent means the line carries no restriction.
	DeclarationAbsent DeclarationKind = iota
	// DeclarationLegacyAll excludes every other line in the cart.
	DeclarationLegacyAll
	// DeclarationIdentifiers excludes lines whose match key is listed.
	DeclarationIdentifiers
)

func (k DeclarationKind) String() string {
	switch k {
	case DeclarationLegacyAll:
		return "legacy_all"
	case DeclarationIdentifiers:
		return "identifiers"
	default:
		return "absent"
	}
}

// Declaration is a parsed exclusion declaration. The zero value is absent.
type Declaration struct {
	kind        DeclarationKind
	identifiers []string
	set         map[string]struct{}
}

// ExcludeAll returns the legacy declaration that conflicts with every other line.
func ExcludeAll() Declaration {
	return Declaration{kind: DeclarationLegacyAll}
}

// ExcludeIdentifiers builds an identifier-list declaration. Tokens are
// trimmed, empties dropped and repeats collapsed; no surviving token yields
// an absent declaration.
func ExcludeIdentifiers(identifiers ...string) Declaration {
	decl := Declaration{kind: DeclarationIdentifiers}
	for _, identifier := range identifiers {
		identifier = strings.TrimSpace(identifier)
		if identifier == "" {
			continue
		}
		if decl.set == nil {
			decl.set = make(map[string]struct{}, len(identifiers))
		}
		if _, ok := decl.set[identifier]; ok {
			continue
		}
		decl.set[identifier] = struct{}{}
		decl.identifiers = append(decl.identifiers, identifier)
	}

	if len(decl.identifiers) == 0 {
		return Declaration{}
	}
	return decl
}

// Kind reports which form the declaration takes.
func (d Declaration) Kind() DeclarationKind {
	return d.kind
}

// IsAbsent reports whether the declaration imposes no restriction.
func (d Declaration) IsAbsent() bool {
	return d.kind == DeclarationAbsent
}

// Identifiers returns a copy of the excluded identifiers in declaration order.
func (d Declaration) Identifiers() []string {
	return append([]string(nil), d.identifiers...)
}

// Excludes reports whether key is named by an identifier-list declaration.
// Matching is exact and case-sensitive.
func (d Declaration) Excludes(key string) bool {
	if d.kind != DeclarationIdentifiers || key == "" {
		return false
	}
	_, ok := d.set[key]
	return ok
}

// String renders the declaration in its stored text form.
func (d Declaration) String() string {
	switch d.kind {
	case DeclarationLegacyAll:
		return "true"
	case DeclarationIdentifiers:
		return strings.Join(d.identifiers, ",")
	default:
		return ""
	}
}

// ParseDeclaration converts a raw metadata value into a Declaration.
// Booleans and strings are understood; any other shape is treated as absent.
func ParseDeclaration(raw any) Declaration {
	switch value := raw.(type) {
	case nil:
		return Declaration{}
	case bool:
		if value {
			return ExcludeAll()
		}
		return Declaration{}
	case *bool:
		if value == nil {
			return Declaration{}
		}
		return ParseDeclaration(*value)
	case string:
		return parseDeclarationString(value)
	case *string:
		if value == nil {
			return Declaration{}
		}
		return parseDeclarationString(*value)
	default:
		return Declaration{}
	}
}

// ParseDeclarationJSON parses a JSON-encoded metadata value. Invalid JSON
// and non string/boolean values yield an absent declaration.
func ParseDeclarationJSON(payload json.RawMessage) Declaration {
	if len(payload) == 0 {
		return Declaration{}
	}

	var raw any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Declaration{}
	}
	return ParseDeclaration(raw)
}

// ValidDeclarationJSON reports whether payload is null, a boolean or a string.
func ValidDeclarationJSON(payload json.RawMessage) bool {
	if len(payload) == 0 {
		return true
	}

	var raw any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return false
	}
	switch raw.(type) {
	case nil, bool, string:
		return true
	default:
		return false
	}
}

func parseDeclarationString(value string) Declaration {
	switch value {
	case "true":
		return ExcludeAll()
	case "false":
		return Declaration{}
	}
	return ExcludeIdentifiers(strings.Split(value, ",")...)
}
