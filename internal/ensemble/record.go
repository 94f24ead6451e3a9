package ensemble

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/copyleftdev/rsopt/internal/parameters"
)

// OutField declares one value a simulation returns. Size 0 and 1 are
// scalars; larger sizes are fixed-length vectors.
type OutField struct {
	Name string `json:"name"`
	Size int    `json:"size,omitempty"`
}

// Scalar reports whether the field holds a single value.
func (f OutField) Scalar() bool { return f.Size <= 1 }

// Record holds the values of one evaluation in declared field order.
type Record struct {
	Fields []OutField
	Values []interface{}
}

// NewRecord returns a record of zero values for fields.
func NewRecord(fields []OutField) Record {
	r := Record{Fields: append([]OutField(nil), fields...), Values: make([]interface{}, len(fields))}
	for i, f := range fields {
		if f.Scalar() {
			r.Values[i] = 0.0
		} else {
			r.Values[i] = make([]float64, f.Size)
		}
	}
	return r
}

// Get returns the value of a named field.
func (r Record) Get(name string) (interface{}, bool) {
	for i, f := range r.Fields {
		if f.Name == name {
			return r.Values[i], true
		}
	}
	return nil, false
}

// Float returns a scalar field as a number.
func (r Record) Float(name string) (float64, error) {
	v, ok := r.Get(name)
	if !ok {
		return math.NaN(), fmt.Errorf("record has no field %s", name)
	}
	return parameters.ToFloat(v)
}

// MarshalJSON writes the record as an object in field order.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r.Fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		value, err := json.Marshal(finite(r.Values[i]))
		if err != nil {
			return nil, err
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object written by MarshalJSON, keeping key order.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok != json.Delim('{') {
		return fmt.Errorf("record must be a JSON object")
	}
	r.Fields, r.Values = nil, nil
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, _ := tok.(string)
		var v interface{}
		if err := dec.Decode(&v); err != nil {
			return err
		}
		field := OutField{Name: name}
		if vs, ok := v.([]interface{}); ok {
			fs := make([]float64, len(vs))
			for i, x := range vs {
				fs[i], _ = parameters.ToFloat(x)
			}
			field.Size = len(fs)
			v = fs
		}
		r.Fields = append(r.Fields, field)
		r.Values = append(r.Values, v)
	}
	_, err = dec.Token()
	return err
}

// finite replaces NaN and infinities, which JSON cannot carry, with nil.
func finite(v interface{}) interface{} {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
	case []float64:
		out := make([]interface{}, len(x))
		for i, f := range x {
			out[i] = finite(f)
		}
		return out
	}
	return v
}
