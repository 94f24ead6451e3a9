// Package runner turns a parsed configuration into an ensemble run: it
// picks the generator for the configured method and wires the jobs in as
// the simulation function.
package runner

import (
	"context"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/copyleftdev/rsopt/internal/configuration"
	"github.com/copyleftdev/rsopt/internal/ensemble"
	"github.com/copyleftdev/rsopt/internal/errors"
	"github.com/copyleftdev/rsopt/internal/optimization"
	"github.com/copyleftdev/rsopt/internal/optimization/bayesian"
	"github.com/copyleftdev/rsopt/internal/optimization/multistart"
	"github.com/copyleftdev/rsopt/internal/optimization/sampling"
	"github.com/copyleftdev/rsopt/internal/simfunc"
)

// Methods accepted in options.method, by generator.
var (
	samplingMethods   = []string{"lhs", "latin_hypercube", "lh_scan"}
	multistartMethods = []string{"", "nelder-mead", "ln_neldermead", "multistart", "aposmm"}
	bayesianMethods   = []string{"bayesian", "bo", "gp"}
)

// Options are process-level defaults; the job description's options win.
type Options struct {
	Workers         int
	RunDir          string
	CheckpointEvery int
	Registerer      prometheus.Registerer
	Logger          *zap.Logger
}

// Result is the outcome of a run.
type Result struct {
	History *ensemble.History
	Info    ensemble.PersisInfo
	Flag    ensemble.Flag
}

// Optimizer describes the configured optimization with the method's
// defaults merged under the job description's software_options.
func Optimizer(cfg *configuration.Configuration) *optimization.Optimizer {
	opt := optimization.New(strings.ToLower(cfg.Options.Method), cfg.Parameters(), cfg.Settings())
	opt.ExitCriteria = optimization.ExitCriteria{SimMax: cfg.Options.ExitCriteria.SimMax}

	defaults := map[string]interface{}{
		"initial_sample_size": 2 * opt.Dimension(),
		"max_active_runs":     1,
		"tolerance":           1e-6,
		"seed":                0,
	}
	if v := cfg.Options.InitialSampleSize; v > 0 {
		defaults["initial_sample_size"] = v
	}
	if v := cfg.Options.MaxActiveRuns; v > 0 {
		defaults["max_active_runs"] = v
	}
	if v := cfg.Options.Tolerance; v > 0 {
		defaults["tolerance"] = v
	}
	if v := cfg.Options.Seed; v != 0 {
		defaults["seed"] = v
	}

	for k, v := range cfg.Options.SoftwareOptions {
		opt.Options[k] = v
	}
	simfunc.MergeDicts(defaults, opt.Options, -1)
	return opt
}

// Generator builds the generator for the configured method. logger may be
// nil.
func Generator(cfg *configuration.Configuration, logger *zap.Logger) (optimization.Generator, error) {
	opt := Optimizer(cfg)
	if opt.Dimension() == 0 {
		return nil, errors.New(errors.KindConfig, "no parameters to optimize").WithComponent("runner")
	}

	switch {
	case oneOf(opt.Method, samplingMethods):
		samples := opt.ExitCriteria.SimMax
		if samples < 1 {
			samples = opt.IntOption("initial_sample_size", 1)
		}
		return &sampling.LatinHypercube{
			Bounds:    opt.Bounds(),
			Samples:   samples,
			BatchSize: opt.IntOption("batch_size", 0),
			Seed:      int64(opt.IntOption("seed", 0)),
		}, nil
	case oneOf(opt.Method, multistartMethods):
		var start []float64
		if hasStart(opt) {
			start = opt.Start()
		}
		g, err := multistart.New(multistart.Config{
			Bounds:            opt.Bounds(),
			Start:             start,
			InitialSampleSize: opt.IntOption("initial_sample_size", 0),
			MaxActiveRuns:     opt.IntOption("max_active_runs", 1),
			LocalEvaluations:  opt.IntOption("local_evaluations", 0),
			Tolerance:         opt.FloatOption("tolerance", 1e-6),
			Seed:              int64(opt.IntOption("seed", 0)),
		})
		if err != nil {
			return nil, errors.Wrap(err, errors.KindConfig, "multistart").WithComponent("runner")
		}
		return g, nil
	case oneOf(opt.Method, bayesianMethods):
		kernel, _ := opt.Options["kernel"].(string)
		g, err := bayesian.NewOptimizer(bayesian.Config{
			Bounds:            opt.Bounds(),
			InitialSampleSize: opt.IntOption("initial_sample_size", 0),
			BatchSize:         opt.IntOption("batch_size", 1),
			MaxEvaluations:    opt.ExitCriteria.SimMax,
			Kernel:            kernel,
			LengthScale:       opt.FloatOption("length_scale", 0),
			Xi:                opt.FloatOption("xi", 0.01),
			Tolerance:         opt.FloatOption("tolerance", 0),
			Seed:              int64(opt.IntOption("seed", 0)),
			Logger:            logger,
		})
		if err != nil {
			return nil, errors.Wrap(err, errors.KindUnknown, "bayesian").WithComponent("runner")
		}
		return g, nil
	}
	return nil, errors.Errorf(errors.KindConfig, "method %q is not supported", opt.Method).WithComponent("runner")
}

// hasStart reports whether any parameter declares a start value.
func hasStart(opt *optimization.Optimizer) bool {
	for _, p := range opt.Parameters.All() {
		if p.Start != nil {
			return true
		}
	}
	return false
}

func oneOf(s string, set []string) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Outputs are the declared output fields; f when none are listed.
func Outputs(cfg *configuration.Configuration) []ensemble.OutField {
	if cfg.Options.Outputs == nil {
		return []ensemble.OutField{{Name: "f"}}
	}
	out := make([]ensemble.OutField, len(cfg.Options.Outputs))
	for i, name := range cfg.Options.Outputs {
		out[i] = ensemble.OutField{Name: name}
	}
	return out
}

// Run prepares cfg's jobs and runs them under the configured generator.
func Run(ctx context.Context, cfg *configuration.Configuration, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := cfg.Prepare(ctx); err != nil {
		return nil, err
	}
	gen, err := Generator(cfg, logger)
	if err != nil {
		return nil, err
	}

	var h0 []ensemble.Entry
	if path := cfg.Options.History; path != "" {
		if h0, err = ensemble.LoadHistory(path); err != nil {
			return nil, err
		}
	}

	ensOpts := ensemble.Options{
		Workers:         first(cfg.Options.NWorkers, opts.Workers),
		RunDir:          cfg.Options.RunDir,
		CheckpointEvery: first(cfg.Options.CheckpointEvery, opts.CheckpointEvery),
		H0:              h0,
		Registerer:      opts.Registerer,
		Logger:          logger,
	}
	if ensOpts.RunDir == "" {
		ensOpts.RunDir = opts.RunDir
	}

	out := Outputs(cfg)
	sim := ensemble.SimSpec{
		SimF: simfunc.New(cfg, out, logger).SimFunc(),
		In:   cfg.Parameters().Names(),
		Out:  out,
	}
	exit := ensemble.ExitCriteria{SimMax: cfg.Options.ExitCriteria.SimMax}

	logger.Info("Starting run",
		zap.Strings("codes", cfg.Codes()),
		zap.String("method", cfg.Options.Method),
		zap.Strings("parameters", sim.In))
	h, info, flag, err := ensemble.Run(ctx, sim, ensemble.GenSpec{Gen: gen}, exit, ensOpts)
	if h == nil {
		return nil, err
	}
	return &Result{History: h, Info: info, Flag: flag}, err
}

func first(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
