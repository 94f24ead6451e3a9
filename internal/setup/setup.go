// Package setup holds the per-code execution setup of a job: which keys a
// code requires, how it is launched and how its per-evaluation input files
// are produced.
package setup

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/copyleftdev/rsopt/internal/errors"
	"github.com/copyleftdev/rsopt/internal/parameters"
	"github.com/copyleftdev/rsopt/internal/registry"
)

// Setup is the capability set every code variant implements.
type Setup interface {
	Kind() Kind
	// Validate checks that every required key is present and non-empty.
	Validate() error
	// Prepare does the one-time work before the first evaluation, such as
	// parsing a native input file or resolving a function.
	Prepare(ctx context.Context) error
	// RunCommand returns the command that launches the code. An empty
	// command means evaluations run in-process.
	RunCommand(isParallel bool) (string, error)
	// GenerateInputFile writes the evaluation's input files into dir.
	GenerateInputFile(kwargs map[string]interface{}, dir string) error
	// InputFile is the file handed to the run command, relative to the
	// evaluation directory.
	InputFile() string
	// CopyFiles lists files copied into every evaluation directory.
	CopyFiles() []string
	Value(key string) (interface{}, bool)
	ExecutionType() ExecutionType
	IsParallel() bool
	Cores() int
}

// Options carry process-level settings shared by every setup.
type Options struct {
	ShifterImage   string
	ShifterWrapper string
	ModelImport    string
	BaseDir        string
	Registry       *registry.Registry
	Runner         CommandRunner
	Logger         *zap.Logger
}

// Option mutates Options.
type Option func(*Options)

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		ShifterImage:   "radiasoft/sirepo:prod",
		ShifterWrapper: "shifter_exec.sh",
		ModelImport:    "rsopt-modelimport",
		BaseDir:        ".",
		Registry:       registry.Default,
		Runner:         ExecRunner{},
		Logger:         zap.NewNop(),
	}
}

// WithShifter sets the container image and wrapper script.
func WithShifter(image, wrapper string) Option {
	return func(o *Options) {
		o.ShifterImage = image
		o.ShifterWrapper = wrapper
	}
}

// WithModelImport sets the container-side model import command.
func WithModelImport(cmd string) Option {
	return func(o *Options) { o.ModelImport = cmd }
}

// WithBaseDir sets the directory relative paths in the setup resolve to.
func WithBaseDir(dir string) Option {
	return func(o *Options) { o.BaseDir = dir }
}

// WithRegistry sets the function registry used by python setups.
func WithRegistry(r *registry.Registry) Option {
	return func(o *Options) { o.Registry = r }
}

// WithRunner sets the runner used for out-of-process model import.
func WithRunner(r CommandRunner) Option {
	return func(o *Options) { o.Runner = r }
}

// WithLogger sets the component logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

type validator func(value interface{}) error

var validators = map[string]validator{
	"execution_type": validateExecutionType,
	"cores":          validateCores,
}

func validateExecutionType(value interface{}) error {
	s, ok := value.(string)
	if !ok || !ExecutionType(s).Valid() {
		return fmt.Errorf("%v is not a recognized value for execution_type", value)
	}
	return nil
}

func validateCores(value interface{}) error {
	f, err := parameters.ToFloat(value)
	if err != nil || f < 1 || f != float64(int(f)) {
		return fmt.Errorf("%v is not a recognized value for cores", value)
	}
	return nil
}

// GetSetup builds the setup variant for code from a setup block, parsing
// and validating every key.
func GetSetup(setupDict interface{}, code string, opts ...Option) (Setup, error) {
	kind, err := ParseKind(code)
	if err != nil {
		return nil, err
	}

	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	s := newSetup(kind, &o)
	read, err := parameters.GetReader(setupDict, "setup")
	if err != nil {
		return nil, err
	}
	for _, e := range read(setupDict) {
		if err := s.parse(e.Key, e.Value); err != nil {
			return nil, err
		}
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

type variant interface {
	Setup
	parse(key string, value interface{}) error
}

func newSetup(kind Kind, o *Options) variant {
	switch kind {
	case KindPython:
		return &Python{base: newBase(kind, o, "function")}
	case KindElegant:
		return &Elegant{base: newBase(kind, o, "input_file")}
	case KindOpal:
		return &Opal{base: newBase(kind, o, "input_file")}
	case KindUser:
		return &User{base: newBase(kind, o, "input_file", "run_command", "file_mapping", "file_definitions")}
	default:
		return &Genesis{User: &User{base: newBase(kind, o, "input_file", "file_mapping", "file_definitions")}}
	}
}

// base carries the key/value store and behaviour shared by all variants.
type base struct {
	kind     Kind
	opts     *Options
	log      *zap.Logger
	required []string

	mu     sync.RWMutex
	values map[string]interface{}
}

func newBase(kind Kind, o *Options, required ...string) *base {
	logger := o.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &base{
		kind:     kind,
		opts:     o,
		log:      logger.With(zap.String("code", kind.String())),
		required: required,
		values:   map[string]interface{}{"cores": 1},
	}
}

func (b *base) Kind() Kind { return b.kind }

func (b *base) parse(key string, value interface{}) error {
	if v, ok := validators[key]; ok {
		if err := v(value); err != nil {
			return errors.Wrap(err, errors.KindConfig, "invalid setup").
				WithComponent("setup").WithOperation(b.kind.String())
		}
	}
	b.mu.Lock()
	b.values[key] = value
	b.mu.Unlock()
	return nil
}

func (b *base) set(key string, value interface{}) {
	b.mu.Lock()
	b.values[key] = value
	b.mu.Unlock()
}

func (b *base) Value(key string) (interface{}, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.values[key]
	return v, ok
}

func (b *base) str(key string) string {
	v, _ := b.Value(key)
	s, _ := v.(string)
	return s
}

func present(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(x) != ""
	case []parameters.Entry:
		return len(x) > 0
	case map[string]interface{}:
		return len(x) > 0
	case bool:
		return x
	}
	return true
}

func (b *base) Validate() error {
	keys := append([]string{"execution_type"}, b.required...)
	for _, key := range keys {
		v, _ := b.Value(key)
		if !present(v) {
			return errors.Errorf(errors.KindConfig, "%s must be defined in setup", key).
				WithComponent("setup").WithOperation(b.kind.String())
		}
	}
	return nil
}

func (b *base) ExecutionType() ExecutionType { return ExecutionType(b.str("execution_type")) }

func (b *base) IsParallel() bool {
	t := b.ExecutionType()
	return t == Parallel || t == RSMPI
}

func (b *base) Cores() int {
	v, _ := b.Value("cores")
	f, err := parameters.ToFloat(v)
	if err != nil || f < 1 {
		return 1
	}
	return int(f)
}

// ShifterCommand is the prefix that runs a command inside the container.
func (b *base) ShifterCommand() string {
	return fmt.Sprintf("shifter --image=%s /bin/bash %s", b.opts.ShifterImage, b.opts.ShifterWrapper)
}

// wrap applies the container prefix when the setup runs under shifter.
func (b *base) wrap(cmd string) string {
	if b.ExecutionType() == Shifter {
		return b.ShifterCommand() + " " + cmd
	}
	return cmd
}

// path resolves a setup path against the base directory.
func (b *base) path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(b.opts.BaseDir, p)
}

func (b *base) notPrepared() error {
	return errors.Errorf(errors.KindConfig, "%s setup used before Prepare", b.kind).
		WithComponent("setup")
}
