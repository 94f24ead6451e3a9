package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/rsopt/internal/configuration"
	"github.com/copyleftdev/rsopt/internal/ensemble"
	"github.com/copyleftdev/rsopt/internal/errors"
	"github.com/copyleftdev/rsopt/internal/optimization/bayesian"
	"github.com/copyleftdev/rsopt/internal/optimization/multistart"
	"github.com/copyleftdev/rsopt/internal/optimization/sampling"
	"github.com/copyleftdev/rsopt/internal/parameters"
	"github.com/copyleftdev/rsopt/internal/registry"
)

func quadRegistry() *registry.Registry {
	r := registry.New()
	r.RegisterFunction("quad", func(_ context.Context, kw map[string]interface{}) (interface{}, error) {
		x, _ := parameters.ToFloat(kw["x"])
		y, _ := parameters.ToFloat(kw["y"])
		return (x-0.3)*(x-0.3) + (y+0.2)*(y+0.2), nil
	})
	return r
}

func doc(method string, extra string) string {
	return fmt.Sprintf(`
codes:
  - python:
      parameters:
        x: {min: -1, max: 1}
        y: {min: -1, max: 1}
      setup:
        execution_type: serial
        function: quad
options:
  method: %s
  seed: 11
%s`, method, extra)
}

func parse(t *testing.T, text string) *configuration.Configuration {
	t.Helper()
	cfg, err := configuration.Parse([]byte(text), configuration.WithRegistry(quadRegistry()))
	require.NoError(t, err)
	return cfg
}

func TestOptimizerMergesDefaults(t *testing.T) {
	cfg := parse(t, doc("multistart", "  max_active_runs: 3\n  software_options:\n    tolerance: 0.01\n"))
	opt := Optimizer(cfg)

	assert.Equal(t, "multistart", opt.Method)
	assert.Equal(t, 4, opt.IntOption("initial_sample_size", 0))
	assert.Equal(t, 3, opt.IntOption("max_active_runs", 0))
	assert.Equal(t, 0.01, opt.FloatOption("tolerance", 0))
	assert.Equal(t, 11, opt.IntOption("seed", 0))
	assert.Equal(t, []string{"x", "y"}, opt.Parameters.Names())
}

func TestGeneratorByMethod(t *testing.T) {
	g, err := Generator(parse(t, doc("LHS", "  exit_criteria: {sim_max: 7}\n")), nil)
	require.NoError(t, err)
	lh, ok := g.(*sampling.LatinHypercube)
	require.True(t, ok)
	assert.Equal(t, 7, lh.Samples)
	assert.Equal(t, int64(11), lh.Seed)

	g, err = Generator(parse(t, doc("ln_neldermead", "")), nil)
	require.NoError(t, err)
	assert.IsType(t, &multistart.Optimizer{}, g)

	g, err = Generator(parse(t, doc("bayesian", "  software_options: {kernel: rbf, batch_size: 2}\n")), nil)
	require.NoError(t, err)
	assert.IsType(t, &bayesian.Optimizer{}, g)

	_, err = Generator(parse(t, doc("bo", "  software_options: {kernel: periodic}\n")), nil)
	assert.True(t, errors.IsKind(err, errors.KindConfig), "kind of %v", err)

	_, err = Generator(parse(t, doc("cmaes", "")), nil)
	assert.True(t, errors.IsKind(err, errors.KindConfig))
}

func TestRunBayesian(t *testing.T) {
	cfg := parse(t, doc("bayesian", fmt.Sprintf("  exit_criteria: {sim_max: 20}\n  run_dir: %s\n", t.TempDir())))

	res, err := Run(context.Background(), cfg, Options{})
	require.NoError(t, err)
	require.NotNil(t, res.Info.Best)
	assert.LessOrEqual(t, res.History.Len(), 20)
	assert.Less(t, res.Info.Best.Value, 0.2)
}

func TestOutputs(t *testing.T) {
	assert.Equal(t, []ensemble.OutField{{Name: "f"}}, Outputs(parse(t, doc("lhs", ""))))
	assert.Empty(t, Outputs(parse(t, doc("lhs", "  outputs: []\n"))))
	assert.Equal(t, []ensemble.OutField{{Name: "loss"}}, Outputs(parse(t, doc("lhs", "  outputs: [loss]\n"))))
}

func TestRunMultistart(t *testing.T) {
	dir := t.TempDir()
	cfg := parse(t, doc("multistart", fmt.Sprintf("  exit_criteria: {sim_max: 300}\n  run_dir: %s\n  nworkers: 2\n", dir)))

	res, err := Run(context.Background(), cfg, Options{})
	require.NoError(t, err)
	require.NotNil(t, res.Info.Best)
	assert.InDelta(t, 0, res.Info.Best.Value, 1e-3)
	assert.InDelta(t, 0.3, res.Info.Best.Parameters[0], 0.05)
	assert.InDelta(t, -0.2, res.Info.Best.Parameters[1], 0.05)
	assert.LessOrEqual(t, res.History.Len(), 300)
	assert.Contains(t, []ensemble.Flag{ensemble.FlagCompleted, ensemble.FlagSimMax}, res.Flag)
	assert.DirExists(t, filepath.Join(dir, "sim0"))
}

func TestRunRestartsFromHistory(t *testing.T) {
	dir := t.TempDir()
	cfg := parse(t, doc("lhs", fmt.Sprintf("  exit_criteria: {sim_max: 5}\n  run_dir: %s\n", dir)))
	res, err := Run(context.Background(), cfg, Options{})
	require.NoError(t, err)
	assert.Equal(t, ensemble.FlagSimMax, res.Flag)

	history := filepath.Join(dir, ensemble.CheckpointName(5))
	_, err = os.Stat(history)
	require.NoError(t, err)

	cfg = parse(t, doc("lhs", fmt.Sprintf("  exit_criteria: {sim_max: 5}\n  run_dir: %s\n  history: %s\n", t.TempDir(), history)))
	res, err = Run(context.Background(), cfg, Options{})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Info.Reused)
	assert.Zero(t, res.Info.Simulations)
}
