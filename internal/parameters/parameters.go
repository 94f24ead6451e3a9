// Package parameters holds the variable parameters and fixed settings of a
// job. Both keep document order: the optimizer hands back positional vectors
// and the position of a value is what names it.
package parameters

import (
	"fmt"
	"strconv"

	"github.com/copyleftdev/rsopt/internal/errors"
)

// Entry is one key/value pair of an ordered mapping.
type Entry struct {
	Key   string
	Value interface{}
}

// Parameter is one dimension of the search space.
type Parameter struct {
	Name  string
	Min   float64
	Max   float64
	Start *float64
}

// Midpoint returns the centre of the parameter's bounds.
func (p Parameter) Midpoint() float64 {
	return p.Min + (p.Max-p.Min)/2
}

// Parameters is an ordered collection of Parameter.
type Parameters struct {
	items []Parameter
	index map[string]int
}

// NewParameters returns an empty collection.
func NewParameters() *Parameters {
	return &Parameters{index: make(map[string]int)}
}

// Parse adds a parameter from its document value, a mapping with min, max
// and an optional start.
func (p *Parameters) Parse(name string, value interface{}) error {
	if name == "" {
		return errors.New(errors.KindConfig, "parameter name cannot be empty")
	}
	if _, dup := p.index[name]; dup {
		return errors.Errorf(errors.KindConfig, "duplicate parameter %s", name)
	}

	fields, err := asMapping(value)
	if err != nil {
		return errors.Wrapf(err, errors.KindConfig, "parameter %s", name)
	}

	min, err := number(fields, "min", "lb")
	if err != nil {
		return errors.Wrapf(err, errors.KindConfig, "parameter %s", name)
	}
	max, err := number(fields, "max", "ub")
	if err != nil {
		return errors.Wrapf(err, errors.KindConfig, "parameter %s", name)
	}
	if min > max {
		return errors.Errorf(errors.KindConfig, "parameter %s: min %g is greater than max %g", name, min, max)
	}

	param := Parameter{Name: name, Min: min, Max: max}
	if _, ok := lookup(fields, "start"); ok {
		start, err := number(fields, "start")
		if err != nil {
			return errors.Wrapf(err, errors.KindConfig, "parameter %s", name)
		}
		if start < min || start > max {
			return errors.Errorf(errors.KindConfig, "parameter %s: start %g outside [%g, %g]", name, start, min, max)
		}
		param.Start = &start
	}

	p.Add(param)
	return nil
}

// Add appends a parameter, replacing any existing one of the same name.
func (p *Parameters) Add(param Parameter) {
	if p.index == nil {
		p.index = make(map[string]int)
	}
	if i, ok := p.index[param.Name]; ok {
		p.items[i] = param
		return
	}
	p.index[param.Name] = len(p.items)
	p.items = append(p.items, param)
}

// Len returns the number of parameters.
func (p *Parameters) Len() int { return len(p.items) }

// All returns the parameters in document order.
func (p *Parameters) All() []Parameter {
	return append([]Parameter(nil), p.items...)
}

// Get returns the parameter with the given name.
func (p *Parameters) Get(name string) (Parameter, bool) {
	i, ok := p.index[name]
	if !ok {
		return Parameter{}, false
	}
	return p.items[i], true
}

// Names returns the parameter names in document order.
func (p *Parameters) Names() []string {
	names := make([]string, len(p.items))
	for i, item := range p.items {
		names[i] = item.Name
	}
	return names
}

// LowerBound returns the lower bounds in document order.
func (p *Parameters) LowerBound() []float64 {
	out := make([]float64, len(p.items))
	for i, item := range p.items {
		out[i] = item.Min
	}
	return out
}

// UpperBound returns the upper bounds in document order.
func (p *Parameters) UpperBound() []float64 {
	out := make([]float64, len(p.items))
	for i, item := range p.items {
		out[i] = item.Max
	}
	return out
}

// Start returns the start point; parameters without one start at their midpoint.
func (p *Parameters) Start() []float64 {
	out := make([]float64, len(p.items))
	for i, item := range p.items {
		if item.Start != nil {
			out[i] = *item.Start
		} else {
			out[i] = item.Midpoint()
		}
	}
	return out
}

// Bounds returns [min, max] pairs in document order.
func (p *Parameters) Bounds() [][2]float64 {
	out := make([][2]float64, len(p.items))
	for i, item := range p.items {
		out[i] = [2]float64{item.Min, item.Max}
	}
	return out
}

// Settings is an ordered mapping of fixed field names to literal values.
type Settings struct {
	entries []Entry
	index   map[string]int
}

// NewSettings returns an empty Settings.
func NewSettings() *Settings {
	return &Settings{index: make(map[string]int)}
}

// Parse records a setting. Later values for the same name win.
func (s *Settings) Parse(name string, value interface{}) error {
	if name == "" {
		return errors.New(errors.KindConfig, "setting name cannot be empty")
	}
	if s.index == nil {
		s.index = make(map[string]int)
	}
	if i, ok := s.index[name]; ok {
		s.entries[i].Value = value
		return nil
	}
	s.index[name] = len(s.entries)
	s.entries = append(s.entries, Entry{Key: name, Value: value})
	return nil
}

// Len returns the number of settings.
func (s *Settings) Len() int { return len(s.entries) }

// Entries returns the settings in document order.
func (s *Settings) Entries() []Entry {
	return append([]Entry(nil), s.entries...)
}

// Get returns the value of a setting.
func (s *Settings) Get(name string) (interface{}, bool) {
	i, ok := s.index[name]
	if !ok {
		return nil, false
	}
	return s.entries[i].Value, true
}

// Map returns the settings as a plain map.
func (s *Settings) Map() map[string]interface{} {
	out := make(map[string]interface{}, len(s.entries))
	for _, e := range s.entries {
		out[e.Key] = e.Value
	}
	return out
}

func asMapping(value interface{}) ([]Entry, error) {
	switch v := value.(type) {
	case []Entry:
		return v, nil
	case map[string]interface{}:
		return sortedEntries(v), nil
	default:
		return nil, fmt.Errorf("expected a mapping, got %T", value)
	}
}

func lookup(fields []Entry, keys ...string) (interface{}, bool) {
	for _, key := range keys {
		for _, f := range fields {
			if f.Key == key {
				return f.Value, true
			}
		}
	}
	return nil, false
}

func number(fields []Entry, keys ...string) (float64, error) {
	v, ok := lookup(fields, keys...)
	if !ok {
		return 0, fmt.Errorf("%s is required", keys[0])
	}
	f, err := ToFloat(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", keys[0], err)
	}
	return f, nil
}

// ToFloat converts a decoded document scalar to float64.
func ToFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%v (%T) is not a number", v, v)
	}
}
