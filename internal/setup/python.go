package setup

import (
	"context"
	_ "embed"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"go.uber.org/zap"

	"github.com/copyleftdev/rsopt/internal/errors"
	"github.com/copyleftdev/rsopt/internal/filedefs"
	"github.com/copyleftdev/rsopt/internal/registry"
)

// ParallelPythonRunFile is the driver script written for parallel python
// evaluations.
const ParallelPythonRunFile = "run_parallel_python.py"

//go:embed templates/run_parallel_python.py.tmpl
var parallelPythonTemplate string

var parallelPython = template.Must(template.New(ParallelPythonRunFile).Parse(parallelPythonTemplate))

// Python calls a registered function. Serial evaluations run in-process;
// parallel ones run a generated driver script that loads the function from
// input_file.
type Python struct {
	*base
	fn registry.Function
}

// Validate also requires input_file when the function runs in parallel.
func (p *Python) Validate() error {
	if err := p.base.Validate(); err != nil {
		return err
	}
	if p.IsParallel() && !present(p.str("input_file")) {
		return errors.New(errors.KindConfig, "input_file must be provided to load the python function from").
			WithComponent("setup").WithOperation("python")
	}
	return nil
}

func (p *Python) Prepare(ctx context.Context) error {
	if p.IsParallel() {
		path := p.path(p.str("input_file"))
		if _, err := os.Stat(path); err != nil {
			return errors.Wrapf(err, errors.KindConfig, "python input_file %s", path).
				WithComponent("setup").WithOperation("python")
		}
		return nil
	}
	_, err := p.Function()
	return err
}

// Function resolves the setup's function from the registry.
func (p *Python) Function() (registry.Function, error) {
	p.mu.RLock()
	fn := p.fn
	p.mu.RUnlock()
	if fn != nil {
		return fn, nil
	}

	fn, err := p.opts.Registry.Function(p.str("function"))
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.fn = fn
	p.mu.Unlock()
	return fn, nil
}

// RunCommand is empty in serial mode: the function is called in-process.
func (p *Python) RunCommand(isParallel bool) (string, error) {
	if !isParallel {
		return "", nil
	}
	return p.wrap("python"), nil
}

func (p *Python) GenerateInputFile(kwargs map[string]interface{}, dir string) error {
	if !p.IsParallel() {
		return nil
	}

	inputFile, err := filepath.Abs(p.path(p.str("input_file")))
	if err != nil {
		return errors.Wrap(err, errors.KindConfig, "resolve python input_file").WithComponent("setup")
	}

	var b strings.Builder
	err = parallelPython.Execute(&b, map[string]string{
		"InputFile": filedefs.PyRepr(inputFile),
		"Function":  filedefs.PyRepr(p.str("function")),
		"Kwargs":    filedefs.PyStr(kwargs),
	})
	if err != nil {
		return errors.Wrap(err, errors.KindUnknown, "render python driver").WithComponent("setup")
	}

	path := filepath.Join(dir, ParallelPythonRunFile)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return errors.Wrap(err, errors.KindUnknown, "write python driver").WithComponent("setup")
	}
	p.log.Debug("Wrote python driver", zap.String("path", path))
	return nil
}

func (p *Python) InputFile() string {
	if p.IsParallel() {
		return ParallelPythonRunFile
	}
	return ""
}

func (p *Python) CopyFiles() []string { return nil }
