package simfunc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/rsopt/internal/configuration"
	"github.com/copyleftdev/rsopt/internal/ensemble"
	"github.com/copyleftdev/rsopt/internal/errors"
	"github.com/copyleftdev/rsopt/internal/parameters"
	"github.com/copyleftdev/rsopt/internal/registry"
)

func TestSignatureAndComposeArgs(t *testing.T) {
	params := parameters.NewParameters()
	require.NoError(t, params.Parse("b", map[string]interface{}{"min": 0, "max": 1}))
	require.NoError(t, params.Parse("a", map[string]interface{}{"min": 0, "max": 1}))
	settings := parameters.NewSettings()
	require.NoError(t, settings.Parse("mode", "fast"))

	sig := Signature(params, settings)
	assert.Equal(t, map[string]interface{}{"mode": "fast", "a": nil, "b": nil}, sig)

	kwargs, err := ComposeArgs([]float64{0.25, 0.75}, sig, params.Names())
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"mode": "fast", "a": 0.75, "b": 0.25}, kwargs)
	assert.Nil(t, sig["a"], "signature must not change")

	_, err = ComposeArgs([]float64{1}, sig, params.Names())
	assert.True(t, errors.IsKind(err, errors.KindShape))
}

func TestFormatEvaluation(t *testing.T) {
	scalar := []ensemble.OutField{{Name: "f"}}
	pair := []ensemble.OutField{{Name: "f"}, {Name: "grad", Size: 2}}

	tests := []struct {
		name  string
		value interface{}
		out   []ensemble.OutField
		want  []interface{}
		kind  errors.Kind
	}{
		{name: "scalar becomes one value", value: 2.5, out: scalar, want: []interface{}{2.5}},
		{name: "int scalar", value: 3, out: scalar, want: []interface{}{3.0}},
		{name: "extra values ignored", value: []float64{1, 2, 3}, out: scalar, want: []interface{}{1.0}},
		{name: "vector field", value: []interface{}{1.0, []float64{0.5, -0.5}}, out: pair, want: []interface{}{1.0, []float64{0.5, -0.5}}},
		{name: "too few values", value: 1.0, out: pair, kind: errors.KindShape},
		{name: "nil value", value: nil, out: scalar, kind: errors.KindShape},
		{name: "wrong vector size", value: []interface{}{1.0, []float64{1}}, out: pair, kind: errors.KindShape},
		{name: "not a number", value: "high", out: scalar, kind: errors.KindShape},
		{name: "no fields", value: nil, out: nil, want: []interface{}{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := FormatEvaluation(tt.value, tt.out)
			if tt.kind != errors.KindUnknown {
				require.Error(t, err)
				assert.True(t, errors.IsKind(err, tt.kind))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, rec.Values)
		})
	}
}

func TestMergeDicts(t *testing.T) {
	derived := map[string]interface{}{"a": []interface{}{2, 3}}
	MergeDicts(map[string]interface{}{"a": []interface{}{1, 2}}, derived, -1)
	assert.Equal(t, map[string]interface{}{"a": []interface{}{2, 3, 1}}, derived)

	base := map[string]interface{}{
		"keep":  "base",
		"new":   1,
		"outer": map[string]interface{}{"inner": map[string]interface{}{"x": 1}, "y": 2},
	}

	unbounded := map[string]interface{}{
		"keep":  "derived",
		"outer": map[string]interface{}{"inner": map[string]interface{}{}},
	}
	MergeDicts(base, unbounded, -1)
	assert.Equal(t, map[string]interface{}{
		"keep":  "derived",
		"new":   1,
		"outer": map[string]interface{}{"inner": map[string]interface{}{"x": 1}, "y": 2},
	}, unbounded)

	oneLevel := map[string]interface{}{"outer": map[string]interface{}{"inner": map[string]interface{}{}}}
	MergeDicts(base, oneLevel, 1)
	assert.Equal(t, map[string]interface{}{}, oneLevel["outer"].(map[string]interface{})["inner"])
	_, added := oneLevel["outer"].(map[string]interface{})["y"]
	assert.False(t, added)
	assert.Equal(t, 1, oneLevel["new"])

	untouched := map[string]interface{}{}
	MergeDicts(base, untouched, 0)
	assert.Empty(t, untouched)
}

const twoCodes = `
codes:
  - python:
      parameters:
        x: {min: -1, max: 1}
      settings:
        offset: 2
      setup:
        execution_type: serial
        function: first
  - python:
      parameters:
        y: {min: -1, max: 1}
      setup:
        execution_type: serial
        function: second
`

func TestSimFunctionRunsJobsInOrder(t *testing.T) {
	reg := registry.New()
	var order []string
	reg.RegisterFunction("first", func(_ context.Context, kw map[string]interface{}) (interface{}, error) {
		order = append(order, "first")
		assert.Equal(t, map[string]interface{}{"x": 0.5, "offset": 2}, kw)
		return 100.0, nil
	})
	reg.RegisterFunction("second", func(_ context.Context, kw map[string]interface{}) (interface{}, error) {
		order = append(order, "second")
		assert.Equal(t, map[string]interface{}{"y": -0.5}, kw)
		return []float64{7, 8}, nil
	})

	cfg, err := configuration.Parse([]byte(twoCodes), configuration.WithRegistry(reg))
	require.NoError(t, err)
	require.NoError(t, cfg.Prepare(context.Background()))

	sf := New(cfg, []ensemble.OutField{{Name: "f"}, {Name: "g"}}, nil)
	rec, err := sf.SimFunc()(context.Background(), ensemble.Work{SimID: 3, X: []float64{0.5, -0.5}, Dir: t.TempDir()})
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, []interface{}{7.0, 8.0}, rec.Values)

	_, err = sf.Call(context.Background(), ensemble.Work{X: []float64{1}})
	assert.True(t, errors.IsKind(err, errors.KindShape))
}

func TestSimFunctionWithoutResult(t *testing.T) {
	reg := registry.New()
	reg.RegisterFunction("first", func(context.Context, map[string]interface{}) (interface{}, error) { return nil, nil })
	reg.RegisterFunction("second", func(context.Context, map[string]interface{}) (interface{}, error) { return nil, nil })

	cfg, err := configuration.Parse([]byte(twoCodes), configuration.WithRegistry(reg))
	require.NoError(t, err)

	_, err = New(cfg, []ensemble.OutField{{Name: "f"}}, nil).Call(context.Background(), ensemble.Work{X: []float64{0, 0}, Dir: t.TempDir()})
	assert.True(t, errors.IsKind(err, errors.KindUnresolved))

	rec, err := New(cfg, nil, nil).Call(context.Background(), ensemble.Work{X: []float64{0, 0}, Dir: t.TempDir()})
	require.NoError(t, err)
	assert.Empty(t, rec.Values)
}
