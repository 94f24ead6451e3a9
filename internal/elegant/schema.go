package elegant

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed schema.yaml
var schemaYAML []byte

var (
	schemaOnce sync.Once
	schema     map[string]map[string]struct{}
	schemaErr  error
)

func loadSchema() (map[string]map[string]struct{}, error) {
	schemaOnce.Do(func() {
		var raw map[string][]string
		if err := yaml.Unmarshal(schemaYAML, &raw); err != nil {
			schemaErr = fmt.Errorf("decode element schema: %w", err)
			return
		}
		schema = make(map[string]map[string]struct{}, len(raw))
		for typ, fields := range raw {
			set := make(map[string]struct{}, len(fields))
			for _, f := range fields {
				set[f] = struct{}{}
			}
			schema[typ] = set
		}
	})
	return schema, schemaErr
}

// schemaFields returns the known fields of an element type. Element types
// may be abbreviated in lattice files, so an unambiguous prefix of a known
// type (at least four letters) resolves to that type.
func schemaFields(typ string) map[string]struct{} {
	s, err := loadSchema()
	if err != nil {
		return nil
	}
	typ = strings.ToUpper(typ)
	if fields, ok := s[typ]; ok {
		return fields
	}
	if len(typ) < 4 {
		return nil
	}
	var match map[string]struct{}
	for name, fields := range s {
		if strings.HasPrefix(name, typ) {
			if match != nil {
				return nil
			}
			match = fields
		}
	}
	return match
}

// HasField reports whether the element declares field or its type accepts it.
func (e Element) HasField(field string) bool {
	if _, ok := e.Get(field); ok {
		return true
	}
	_, ok := schemaFields(e.Type)[field]
	return ok
}
