// Package configuration reads job descriptions: an ordered list of codes,
// each with parameters, settings and a setup, plus run options.
package configuration

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/copyleftdev/rsopt/internal/errors"
	"github.com/copyleftdev/rsopt/internal/executor"
	"github.com/copyleftdev/rsopt/internal/parameters"
	"github.com/copyleftdev/rsopt/internal/registry"
	"github.com/copyleftdev/rsopt/internal/setup"
)

// Configuration is the parsed job description. It is read-only once
// parsed.
type Configuration struct {
	Jobs    []*Job
	Options Options
}

// Option configures parsing.
type Option func(*loader)

type loader struct {
	setupOpts []setup.Option
	executors *executor.Registry
	registry  *registry.Registry
	logger    *zap.Logger
}

// WithSetupOptions passes options to every setup.
func WithSetupOptions(opts ...setup.Option) Option {
	return func(l *loader) { l.setupOpts = append(l.setupOpts, opts...) }
}

// WithExecutors sets the executors jobs launch codes with.
func WithExecutors(r *executor.Registry) Option {
	return func(l *loader) { l.executors = r }
}

// WithRegistry sets the registry functions and objectives resolve from.
func WithRegistry(r *registry.Registry) Option {
	return func(l *loader) { l.registry = r }
}

// WithLogger sets the logger handed to jobs and setups.
func WithLogger(logger *zap.Logger) Option {
	return func(l *loader) { l.logger = logger }
}

// LoadFile reads a job description. Relative paths in setups and the
// history option resolve against the file's directory.
func LoadFile(path string, opts ...Option) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindConfig, "failed to read job description %s", path).
			WithComponent("configuration")
	}
	dir := filepath.Dir(path)
	base := []Option{WithSetupOptions(setup.WithBaseDir(dir))}
	cfg, err := Parse(data, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	if h := cfg.Options.History; h != "" && !filepath.IsAbs(h) {
		cfg.Options.History = filepath.Join(dir, h)
	}
	return cfg, nil
}

// Parse reads a job description document.
func Parse(data []byte, opts ...Option) (*Configuration, error) {
	l := &loader{registry: registry.Default, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(l)
	}
	if l.executors == nil {
		l.executors = executor.NewRegistry(executor.Config{Logger: l.logger})
	}
	setupOpts := append([]setup.Option{setup.WithRegistry(l.registry), setup.WithLogger(l.logger)}, l.setupOpts...)

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "failed to parse job description").
			WithComponent("configuration")
	}
	if len(doc.Codes) == 0 {
		return nil, errors.New(errors.KindConfig, "job description must list at least one entry under codes").
			WithComponent("configuration")
	}

	cfg := &Configuration{Options: doc.Options}
	seen := make(map[string]string)
	for i := range doc.Codes {
		name, block, err := decodeCode(&doc.Codes[i])
		if err != nil {
			return nil, errors.Wrap(err, errors.KindConfig, "invalid codes entry").WithComponent("configuration")
		}
		job, err := l.newJob(name, block, setupOpts)
		if err != nil {
			return nil, err
		}
		for _, p := range job.Parameters.Names() {
			if other, dup := seen[p]; dup {
				return nil, errors.Errorf(errors.KindConfig, "parameter %s is declared by both %s and %s", p, other, job.Code).
					WithComponent("configuration")
			}
			seen[p] = job.Code
		}
		cfg.Jobs = append(cfg.Jobs, job)
	}
	return cfg, nil
}

func (l *loader) newJob(name string, block codeBlock, setupOpts []setup.Option) (*Job, error) {
	code := strings.ToLower(strings.TrimSpace(name))
	if _, err := setup.ParseKind(code); err != nil {
		return nil, err
	}
	if !block.hasSetup {
		return nil, errors.Errorf(errors.KindConfig, "setup block is required for code %s", code).
			WithComponent("configuration")
	}

	s, err := setup.GetSetup(block.Setup, code, setupOpts...)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnknown, "code %s", code).WithComponent("configuration")
	}

	params := parameters.NewParameters()
	if err := parameters.ReadParameters(params, block.Parameters); err != nil {
		return nil, errors.Wrapf(err, errors.KindUnknown, "code %s", code).WithComponent("configuration")
	}
	settings := parameters.NewSettings()
	if err := parameters.ReadSettings(settings, block.Settings); err != nil {
		return nil, errors.Wrapf(err, errors.KindUnknown, "code %s", code).WithComponent("configuration")
	}

	return &Job{
		Code:       code,
		Setup:      s,
		Parameters: params,
		Settings:   settings,
		executors:  l.executors,
		registry:   l.registry,
		log:        l.logger,
	}, nil
}

// Prepare prepares every job in order.
func (c *Configuration) Prepare(ctx context.Context) error {
	for _, j := range c.Jobs {
		if err := j.Prepare(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Parameters returns every job's parameters in job order.
func (c *Configuration) Parameters() *parameters.Parameters {
	out := parameters.NewParameters()
	for _, j := range c.Jobs {
		for _, p := range j.Parameters.All() {
			out.Add(p)
		}
	}
	return out
}

// Settings returns every job's settings in job order. A later job's value
// wins for a repeated name.
func (c *Configuration) Settings() *parameters.Settings {
	out := parameters.NewSettings()
	for _, j := range c.Jobs {
		for _, e := range j.Settings.Entries() {
			_ = out.Parse(e.Key, e.Value)
		}
	}
	return out
}

// Codes lists the code of each job in order.
func (c *Configuration) Codes() []string {
	codes := make([]string, len(c.Jobs))
	for i, j := range c.Jobs {
		codes[i] = j.Code
	}
	return codes
}
