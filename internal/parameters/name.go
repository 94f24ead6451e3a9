package parameters

import (
	"strings"

	"github.com/copyleftdev/rsopt/internal/errors"
)

// Name is a dotted parameter reference split into its parts. Index is
// empty when the reference has no index component.
type Name struct {
	Field string
	Index string
	Name  string
}

// HasIndex reports whether the reference carried an index.
func (n Name) HasIndex() bool { return n.Index != "" }

// ParseName splits field.name or field.index.name.
func ParseName(name string) (Name, error) {
	parts := strings.Split(name, ".")
	switch len(parts) {
	case 3:
		return Name{Field: parts[0], Index: parts[1], Name: parts[2]}, nil
	case 2:
		return Name{Field: parts[0], Name: parts[1]}, nil
	}
	return Name{}, errors.Errorf(errors.KindValue,
		"parameter name %q must be field.name or field.index.name, got %d parts", name, len(parts)).
		WithComponent("parameters")
}
