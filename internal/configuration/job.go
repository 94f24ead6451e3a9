package configuration

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/copyleftdev/rsopt/internal/errors"
	"github.com/copyleftdev/rsopt/internal/executor"
	"github.com/copyleftdev/rsopt/internal/parameters"
	"github.com/copyleftdev/rsopt/internal/registry"
	"github.com/copyleftdev/rsopt/internal/setup"
)

// Job is one code of a configuration: its setup, the parameters it varies
// and the settings it holds fixed.
type Job struct {
	Code       string
	Setup      setup.Setup
	Parameters *parameters.Parameters
	Settings   *parameters.Settings

	executors *executor.Registry
	registry  *registry.Registry
	log       *zap.Logger

	once       sync.Once
	prepareErr error
	command    string
	objective  registry.Objective
}

// Prepare does the one-time work of the job: parsing native input files,
// writing wrappers, resolving registered functions and the run command.
// It runs once; later calls return the first result.
func (j *Job) Prepare(ctx context.Context) error {
	j.once.Do(func() {
		j.prepareErr = j.prepare(ctx)
	})
	return j.prepareErr
}

func (j *Job) prepare(ctx context.Context) error {
	if err := j.Setup.Prepare(ctx); err != nil {
		return err
	}
	cmd, err := j.Setup.RunCommand(j.Setup.IsParallel())
	if err != nil {
		return err
	}
	j.command = cmd

	if v, ok := j.Setup.Value("objective_function"); ok {
		name, _ := v.(string)
		obj, err := j.registry.Objective(name)
		if err != nil {
			return errors.Wrapf(err, errors.KindUnresolved, "code %s", j.Code).WithComponent("configuration")
		}
		j.objective = obj
	}

	j.log.Info("Prepared job",
		zap.String("code", j.Code),
		zap.String("execution_type", string(j.Setup.ExecutionType())),
		zap.String("run_command", cmd),
		zap.Strings("parameters", j.Parameters.Names()))
	return nil
}

// RunCommand is the resolved run command, empty for in-process codes.
func (j *Job) RunCommand() string { return j.command }

// Execute runs one evaluation of the job in dir with kwargs and returns
// its raw result: the return value of an in-process function, the value
// of the job's objective function, or nil.
func (j *Job) Execute(ctx context.Context, kwargs map[string]interface{}, dir string) (interface{}, error) {
	if err := j.Prepare(ctx); err != nil {
		return nil, err
	}

	if py, ok := j.Setup.(*setup.Python); ok && j.command == "" {
		fn, err := py.Function()
		if err != nil {
			return nil, err
		}
		return fn(ctx, kwargs)
	}

	for _, src := range j.Setup.CopyFiles() {
		if err := copyFile(src, filepath.Join(dir, filepath.Base(src))); err != nil {
			return nil, errors.Wrapf(err, errors.KindConfig, "copy %s", src).
				WithComponent("configuration").WithOperation("execute")
		}
	}
	if err := j.Setup.GenerateInputFile(kwargs, dir); err != nil {
		return nil, err
	}

	exec, err := j.executors.For(j.Setup.ExecutionType())
	if err != nil {
		return nil, err
	}
	task := executor.Task{
		Command:  j.command,
		Args:     []string{j.Setup.InputFile()},
		Dir:      dir,
		Cores:    j.Setup.Cores(),
		Parallel: j.Setup.IsParallel(),
	}
	if err := exec.Run(ctx, task); err != nil {
		return nil, err
	}

	if j.objective == nil {
		return nil, nil
	}
	return j.objective(ctx, dir, kwargs)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
