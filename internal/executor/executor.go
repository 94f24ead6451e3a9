// Package executor launches simulation codes in their evaluation
// directories, directly or through an MPI launcher.
package executor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/copyleftdev/rsopt/internal/errors"
	"github.com/copyleftdev/rsopt/internal/setup"
)

const (
	// StdoutFile and StderrFile receive the output of every launched code.
	StdoutFile = "run.out"
	StderrFile = "run.err"
)

// Task is one launch of a simulation code.
type Task struct {
	// Command is the run command of the setup. A "<" token redirects the
	// following argument to stdin.
	Command  string
	Args     []string
	Dir      string
	Cores    int
	Parallel bool
}

// Executor runs a task to completion.
type Executor interface {
	Name() string
	Run(ctx context.Context, t Task) error
}

// Process is a fully composed command line.
type Process struct {
	Argv   []string
	Dir    string
	Stdin  string
	Stdout string
	Stderr string
}

// ProcessRunner starts a process and waits for it.
type ProcessRunner interface {
	Run(ctx context.Context, p Process) error
}

// ExecRunner runs processes with os/exec.
type ExecRunner struct{}

// Run implements ProcessRunner.
func (ExecRunner) Run(ctx context.Context, p Process) error {
	cmd := exec.CommandContext(ctx, p.Argv[0], p.Argv[1:]...)
	cmd.Dir = p.Dir

	if p.Stdin != "" {
		in, err := os.Open(p.Stdin)
		if err != nil {
			return err
		}
		defer in.Close()
		cmd.Stdin = in
	}
	out, err := os.Create(p.Stdout)
	if err != nil {
		return err
	}
	defer out.Close()
	cmd.Stdout = out

	errOut, err := os.Create(p.Stderr)
	if err != nil {
		return err
	}
	defer errOut.Close()
	cmd.Stderr = errOut

	return cmd.Run()
}

// Compose splits the task into argv after prefix and pulls out a stdin
// redirect.
func Compose(t Task, prefix ...string) (argv []string, stdin string, err error) {
	tokens := append(strings.Fields(t.Command), t.Args...)
	argv = append(argv, prefix...)
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		switch {
		case tok == "<":
			if i+1 >= len(tokens) {
				return nil, "", errors.Errorf(errors.KindConfig, "command %q redirects stdin from nothing", t.Command).
					WithComponent("executor")
			}
			i++
			stdin = tokens[i]
		case strings.HasPrefix(tok, "<"):
			stdin = tok[1:]
		default:
			argv = append(argv, tok)
		}
	}
	if len(argv) == 0 {
		return nil, "", errors.New(errors.KindConfig, "empty run command").WithComponent("executor")
	}
	if stdin != "" && !filepath.IsAbs(stdin) {
		stdin = filepath.Join(t.Dir, stdin)
	}
	return argv, stdin, nil
}

type launcher struct {
	name   string
	runner ProcessRunner
	log    *zap.Logger
}

func (l *launcher) Name() string { return l.name }

func (l *launcher) launch(ctx context.Context, t Task, prefix []string) error {
	argv, stdin, err := Compose(t, prefix...)
	if err != nil {
		return err
	}
	p := Process{
		Argv:   argv,
		Dir:    t.Dir,
		Stdin:  stdin,
		Stdout: filepath.Join(t.Dir, StdoutFile),
		Stderr: filepath.Join(t.Dir, StderrFile),
	}

	start := time.Now()
	l.log.Debug("Launching", zap.Strings("argv", argv), zap.String("dir", t.Dir))
	if err := l.runner.Run(ctx, p); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.log.Warn("Simulation failed",
			zap.Strings("argv", argv),
			zap.String("dir", t.Dir),
			zap.Error(err))
		return errors.Wrapf(err, errors.KindProcess, "%s exited: %s", argv[0], tail(p.Stderr)).
			WithComponent("executor").WithOperation(l.name)
	}
	l.log.Debug("Simulation finished",
		zap.String("dir", t.Dir),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// tail returns the last line written to the stderr file, if any.
func tail(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	return lines[len(lines)-1]
}

// MPIExecutor runs serial tasks directly and parallel ones under an
// mpirun-compatible launcher.
type MPIExecutor struct {
	launcher
	Launcher string
}

// NewMPIExecutor returns an executor using launcher for parallel tasks.
func NewMPIExecutor(launcherCmd string, runner ProcessRunner, logger *zap.Logger) *MPIExecutor {
	return &MPIExecutor{
		launcher: newLauncher("mpi", runner, logger),
		Launcher: launcherCmd,
	}
}

// Run implements Executor.
func (e *MPIExecutor) Run(ctx context.Context, t Task) error {
	var prefix []string
	if t.Parallel {
		prefix = append(strings.Fields(e.Launcher), "-np", strconv.Itoa(max(t.Cores, 1)))
	}
	return e.launch(ctx, t, prefix)
}

// RSMPIExecutor runs every task through rsmpi on a fixed host.
type RSMPIExecutor struct {
	launcher
	Launcher string
	Host     string
}

// NewRSMPIExecutor returns an executor that launches on host.
func NewRSMPIExecutor(launcherCmd, host string, runner ProcessRunner, logger *zap.Logger) *RSMPIExecutor {
	return &RSMPIExecutor{
		launcher: newLauncher("rsmpi", runner, logger),
		Launcher: launcherCmd,
		Host:     host,
	}
}

// Run implements Executor.
func (e *RSMPIExecutor) Run(ctx context.Context, t Task) error {
	prefix := append(strings.Fields(e.Launcher), "-n", strconv.Itoa(max(t.Cores, 1)), "-h", e.Host)
	return e.launch(ctx, t, prefix)
}

func newLauncher(name string, runner ProcessRunner, logger *zap.Logger) launcher {
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return launcher{name: name, runner: runner, log: logger.With(zap.String("executor", name))}
}

// Config selects the launchers.
type Config struct {
	MPILauncher   string
	RSMPILauncher string
	RSMPIHost     string
	Runner        ProcessRunner
	Logger        *zap.Logger
}

// Registry binds execution types to executors.
type Registry struct {
	executors map[setup.ExecutionType]Executor
}

// NewRegistry registers the MPI executor for serial, parallel and shifter
// setups and the rsmpi executor for rsmpi setups.
func NewRegistry(cfg Config) *Registry {
	if cfg.MPILauncher == "" {
		cfg.MPILauncher = "mpirun"
	}
	if cfg.RSMPILauncher == "" {
		cfg.RSMPILauncher = "rsmpi"
	}
	if cfg.RSMPIHost == "" {
		cfg.RSMPIHost = "1"
	}

	mpi := NewMPIExecutor(cfg.MPILauncher, cfg.Runner, cfg.Logger)
	r := &Registry{executors: make(map[setup.ExecutionType]Executor)}
	r.Register(setup.Serial, mpi)
	r.Register(setup.Parallel, mpi)
	r.Register(setup.Shifter, mpi)
	r.Register(setup.RSMPI, NewRSMPIExecutor(cfg.RSMPILauncher, cfg.RSMPIHost, cfg.Runner, cfg.Logger))
	return r
}

// Register binds t to e.
func (r *Registry) Register(t setup.ExecutionType, e Executor) {
	r.executors[t] = e
}

// For returns the executor bound to t.
func (r *Registry) For(t setup.ExecutionType) (Executor, error) {
	e, ok := r.executors[t]
	if !ok {
		return nil, errors.Errorf(errors.KindConfig, "no executor registered for execution_type %s", t).
			WithComponent("executor")
	}
	return e, nil
}
