// Package simfunc adapts the jobs of a configuration to the ensemble's
// simulation function: it turns a parameter vector into keyword arguments,
// runs the jobs and shapes their result into an output record.
package simfunc

import (
	"context"
	"reflect"

	"go.uber.org/zap"

	"github.com/copyleftdev/rsopt/internal/configuration"
	"github.com/copyleftdev/rsopt/internal/ensemble"
	"github.com/copyleftdev/rsopt/internal/errors"
	"github.com/copyleftdev/rsopt/internal/parameters"
)

// Signature is the keyword set of a job: its settings plus a nil
// placeholder for every parameter.
func Signature(params *parameters.Parameters, settings *parameters.Settings) map[string]interface{} {
	sig := settings.Map()
	for _, name := range params.Names() {
		sig[name] = nil
	}
	return sig
}

// ComposeArgs copies signature and sets names[i] to x[i].
func ComposeArgs(x []float64, signature map[string]interface{}, names []string) (map[string]interface{}, error) {
	if len(x) != len(names) {
		return nil, errors.Errorf(errors.KindShape, "got %d values for %d parameters", len(x), len(names)).
			WithComponent("simfunc")
	}
	kwargs := make(map[string]interface{}, len(signature))
	for k, v := range signature {
		kwargs[k] = v
	}
	for i, name := range names {
		kwargs[name] = x[i]
	}
	return kwargs, nil
}

// FormatEvaluation writes a returned value into a record with the declared
// fields. A scalar counts as a single value; extra values are ignored.
func FormatEvaluation(value interface{}, out []ensemble.OutField) (ensemble.Record, error) {
	values := flatten(value)
	if len(values) < len(out) {
		return ensemble.Record{}, errors.Errorf(errors.KindShape,
			"evaluation returned %d values but %d output fields are declared", len(values), len(out)).
			WithComponent("simfunc")
	}

	rec := ensemble.NewRecord(out)
	for i, field := range out {
		if field.Scalar() {
			f, err := parameters.ToFloat(values[i])
			if err != nil {
				return ensemble.Record{}, errors.Wrapf(err, errors.KindShape, "output %s", field.Name).
					WithComponent("simfunc")
			}
			rec.Values[i] = f
			continue
		}
		vec := flatten(values[i])
		if len(vec) != field.Size {
			return ensemble.Record{}, errors.Errorf(errors.KindShape,
				"output %s needs %d values, got %d", field.Name, field.Size, len(vec)).
				WithComponent("simfunc")
		}
		fs := make([]float64, len(vec))
		for j, v := range vec {
			f, err := parameters.ToFloat(v)
			if err != nil {
				return ensemble.Record{}, errors.Wrapf(err, errors.KindShape, "output %s[%d]", field.Name, j).
					WithComponent("simfunc")
			}
			fs[j] = f
		}
		rec.Values[i] = fs
	}
	return rec, nil
}

// flatten returns the elements of a slice or array, or value as a
// one-element slice.
func flatten(value interface{}) []interface{} {
	if value == nil {
		return nil
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]interface{}, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out
	}
	return []interface{}{value}
}

// MergeDicts copies the items of base into derived down to depth levels;
// a negative depth recurses all the way and zero does nothing. Keys present
// in derived keep their value, except that list values gain the elements
// of the base list they do not already hold.
func MergeDicts(base, derived map[string]interface{}, depth int) {
	if depth == 0 {
		return
	}
	next := depth
	if depth > 0 {
		next = depth - 1
	}

	for key, bv := range base {
		dv, ok := derived[key]
		if !ok {
			derived[key] = bv
			continue
		}
		if dl, ok := dv.([]interface{}); ok {
			if bl, ok := bv.([]interface{}); ok {
				for _, x := range bl {
					if !contains(dl, x) {
						dl = append(dl, x)
					}
				}
				derived[key] = dl
			}
		}
		bm, bok := bv.(map[string]interface{})
		dm, dok := dv.(map[string]interface{})
		if bok && dok {
			MergeDicts(bm, dm, next)
		}
	}
}

func contains(list []interface{}, v interface{}) bool {
	for _, x := range list {
		if reflect.DeepEqual(x, v) {
			return true
		}
	}
	return false
}

// SimFunction runs every job of a configuration for one point.
type SimFunction struct {
	jobs       []*configuration.Job
	signatures []map[string]interface{}
	out        []ensemble.OutField
	log        *zap.Logger
}

// New builds the signatures of cfg's jobs once.
func New(cfg *configuration.Configuration, out []ensemble.OutField, logger *zap.Logger) *SimFunction {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &SimFunction{jobs: cfg.Jobs, out: out, log: logger}
	for _, j := range cfg.Jobs {
		s.signatures = append(s.signatures, Signature(j.Parameters, j.Settings))
	}
	return s
}

// Call implements ensemble.SimFunc. x is split across the jobs in order;
// the jobs run one after another in the simulation directory and the last
// value one of them returns is the evaluation.
func (s *SimFunction) Call(ctx context.Context, w ensemble.Work) (ensemble.Record, error) {
	want := 0
	for _, j := range s.jobs {
		want += j.Parameters.Len()
	}
	if len(w.X) != want {
		return ensemble.Record{}, errors.Errorf(errors.KindShape, "point has %d values for %d parameters", len(w.X), want).
			WithComponent("simfunc")
	}

	var (
		value    interface{}
		returned bool
		offset   int
	)
	for i, j := range s.jobs {
		n := j.Parameters.Len()
		kwargs, err := ComposeArgs(w.X[offset:offset+n], s.signatures[i], j.Parameters.Names())
		if err != nil {
			return ensemble.Record{}, err
		}
		offset += n

		v, err := j.Execute(ctx, kwargs, w.Dir)
		if err != nil {
			return ensemble.Record{}, errors.Wrapf(err, errors.KindUnknown, "sim %d code %s", w.SimID, j.Code).
				WithComponent("simfunc")
		}
		if v != nil {
			value, returned = v, true
		}
	}

	if !returned && len(s.out) > 0 {
		return ensemble.Record{}, errors.New(errors.KindUnresolved,
			"no code returned a value; set function for python or objective_function for other codes").
			WithComponent("simfunc")
	}
	rec, err := FormatEvaluation(value, s.out)
	if err != nil {
		return ensemble.Record{}, err
	}
	s.log.Debug("Evaluation formatted", zap.Int("sim_id", w.SimID), zap.String("dir", w.Dir))
	return rec, nil
}

// SimFunc returns Call as an ensemble.SimFunc.
func (s *SimFunction) SimFunc() ensemble.SimFunc { return s.Call }
