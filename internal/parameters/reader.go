package parameters

import (
	"reflect"
	"sort"

	"github.com/copyleftdev/rsopt/internal/errors"
)

// Reader yields the name/value pairs of a parameters or settings block.
type Reader func(value interface{}) []Entry

// readers is keyed by the container's kind. Only mappings are supported;
// ordered mappings come from the document parser, plain maps from callers
// building jobs in code.
var readers = map[reflect.Type]Reader{
	reflect.TypeOf([]Entry(nil)): func(v interface{}) []Entry {
		return v.([]Entry)
	},
	reflect.TypeOf(map[string]interface{}(nil)): func(v interface{}) []Entry {
		return sortedEntries(v.(map[string]interface{}))
	},
}

// GetReader returns the reader for value's container kind. field names the
// block in errors.
func GetReader(value interface{}, field string) (Reader, error) {
	if value == nil {
		return func(interface{}) []Entry { return nil }, nil
	}
	r, ok := readers[reflect.TypeOf(value)]
	if !ok {
		return nil, errors.Errorf(errors.KindConfig, "%s must be a mapping, got %T", field, value)
	}
	return r, nil
}

// ReadParameters fills p from a parameters block.
func ReadParameters(p *Parameters, value interface{}) error {
	read, err := GetReader(value, "parameters")
	if err != nil {
		return err
	}
	for _, e := range read(value) {
		if err := p.Parse(e.Key, e.Value); err != nil {
			return err
		}
	}
	return nil
}

// ReadSettings fills s from a settings block.
func ReadSettings(s *Settings, value interface{}) error {
	read, err := GetReader(value, "settings")
	if err != nil {
		return err
	}
	for _, e := range read(value) {
		if err := s.Parse(e.Key, e.Value); err != nil {
			return err
		}
	}
	return nil
}

// sortedEntries gives plain maps a deterministic order.
func sortedEntries(m map[string]interface{}) []Entry {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Entry, len(keys))
	for i, k := range keys {
		out[i] = Entry{Key: k, Value: m[k]}
	}
	return out
}
