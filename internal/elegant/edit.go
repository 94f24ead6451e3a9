package elegant

import (
	"sort"
	"strconv"
	"strings"

	"github.com/copyleftdev/rsopt/internal/errors"
	"github.com/copyleftdev/rsopt/internal/parameters"
)

// Edit returns a copy of m with every kwargs entry applied. Keys are dotted
// references: command.field, command.index.field (index is 1-based among
// commands of that type) or element.field. m itself is never modified.
func (m *Model) Edit(kwargs map[string]interface{}) (*Model, error) {
	commands, elements := m.Fields()
	out := m.Clone()

	keys := make([]string, 0, len(kwargs))
	for k := range kwargs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		ref, err := parameters.ParseName(key)
		if err != nil {
			return nil, err
		}
		field := strings.ToLower(ref.Name)
		value := FormatValue(kwargs[key])

		if positions, ok := commands[strings.ToLower(ref.Field)]; ok {
			pos, err := commandPosition(key, ref, positions, m.CommandFile)
			if err != nil {
				return nil, err
			}
			out.Commands[pos].Fields = setField(out.Commands[pos].Fields, field, value)
			continue
		}

		if pos, ok := elements[strings.ToUpper(ref.Field)]; ok {
			el := out.Elements[pos]
			if !el.HasField(field) {
				return nil, errors.Errorf(errors.KindName,
					"Parameter: %s is not found for element %s with type %s", field, el.Name, el.Type).
					WithComponent("elegant").WithOperation("edit")
			}
			out.Elements[pos].Fields = setField(el.Fields, field, value)
			continue
		}

		return nil, errors.Errorf(errors.KindValue, "%s was not found in loaded .ele or .lte files", key).
			WithComponent("elegant").WithOperation("edit")
	}
	return out, nil
}

func commandPosition(key string, ref parameters.Name, positions []int, file string) (int, error) {
	if !ref.HasIndex() {
		if len(positions) > 1 {
			return 0, errors.Errorf(errors.KindResolution,
				"%s is not unique in %s. Please add identifier", key, file).
				WithComponent("elegant").WithOperation("edit")
		}
		return positions[0], nil
	}

	i, err := strconv.Atoi(ref.Index)
	if err != nil || i < 1 || i > len(positions) {
		return 0, errors.Errorf(errors.KindValue,
			"%s: index %s is out of range, %s has %d %s commands", key, ref.Index, file, len(positions), ref.Field).
			WithComponent("elegant").WithOperation("edit")
	}
	return positions[i-1], nil
}
