package setup

import (
	"strings"

	"github.com/copyleftdev/rsopt/internal/errors"
)

// Kind is one of the supported simulation codes.
type Kind int

const (
	KindPython Kind = iota
	KindElegant
	KindOpal
	KindUser
	KindGenesis
)

var kindNames = map[Kind]string{
	KindPython:  "python",
	KindElegant: "elegant",
	KindOpal:    "opal",
	KindUser:    "user",
	KindGenesis: "genesis",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Templated reports whether the code's native input file is parsed into a
// model that evaluations edit.
func (k Kind) Templated() bool { return k == KindElegant }

// Kinds lists the supported codes in a stable order.
func Kinds() []Kind {
	return []Kind{KindPython, KindElegant, KindOpal, KindUser, KindGenesis}
}

// ParseKind resolves a code name, case-insensitively.
func ParseKind(name string) (Kind, error) {
	clean := strings.ToLower(strings.TrimSpace(name))
	for k, n := range kindNames {
		if n == clean {
			return k, nil
		}
	}
	return 0, errors.Errorf(errors.KindConfig, "code %q is not supported, expected one of %s", name, supported()).
		WithComponent("setup")
}

func supported() string {
	names := make([]string, 0, len(kindNames))
	for _, k := range Kinds() {
		names = append(names, k.String())
	}
	return strings.Join(names, ", ")
}

// ExecutionType selects how a code is launched.
type ExecutionType string

const (
	Serial   ExecutionType = "serial"
	Parallel ExecutionType = "parallel"
	RSMPI    ExecutionType = "rsmpi"
	Shifter  ExecutionType = "shifter"
)

// ExecutionTypes lists the accepted execution types.
func ExecutionTypes() []ExecutionType {
	return []ExecutionType{Serial, Parallel, RSMPI, Shifter}
}

// Valid reports whether t is a known execution type.
func (t ExecutionType) Valid() bool {
	for _, known := range ExecutionTypes() {
		if t == known {
			return true
		}
	}
	return false
}
