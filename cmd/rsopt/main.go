// Command rsopt runs the optimization or parameter scan described by a job
// description file.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/copyleftdev/rsopt/internal/config"
	"github.com/copyleftdev/rsopt/internal/configuration"
	"github.com/copyleftdev/rsopt/internal/ensemble"
	"github.com/copyleftdev/rsopt/internal/executor"
	"github.com/copyleftdev/rsopt/internal/logging"
	"github.com/copyleftdev/rsopt/internal/runner"
	"github.com/copyleftdev/rsopt/internal/setup"
)

func main() {
	var (
		runDir  = flag.String("run-dir", "", "directory simulations run in (overrides options.run_dir)")
		workers = flag.Int("nworkers", 0, "concurrent simulations (overrides RSOPT_WORKERS)")
		check   = flag.Bool("check", false, "parse and prepare the job description without running it")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] job.yaml\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *workers > 0 {
		cfg.Ensemble.Workers = *workers
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	log := logger.WithFields(map[string]interface{}{"service": "rsopt"})
	zl := logging.NewZapLogger(log)
	defer zl.Sync()

	executors := executor.NewRegistry(executor.Config{
		MPILauncher:   cfg.Executor.MPILauncher,
		RSMPILauncher: cfg.Executor.RSMPILauncher,
		RSMPIHost:     cfg.Executor.RSMPIHost,
		Logger:        zl.Named("executor"),
	})

	job, err := configuration.LoadFile(flag.Arg(0),
		configuration.WithExecutors(executors),
		configuration.WithLogger(zl),
		configuration.WithSetupOptions(
			setup.WithShifter(cfg.Shifter.Image, cfg.Shifter.Wrapper),
			setup.WithModelImport(cfg.Shifter.ModelImport),
		),
	)
	if err != nil {
		log.Fatal("Failed to load job description", map[string]interface{}{"error": err.Error()})
	}
	if *runDir != "" {
		job.Options.RunDir = *runDir
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *check {
		if err := job.Prepare(ctx); err != nil {
			log.Fatal("Job description failed to prepare", map[string]interface{}{"error": err.Error()})
		}
		if _, err := runner.Generator(job, zl); err != nil {
			log.Fatal("Job description has no usable method", map[string]interface{}{"error": err.Error()})
		}
		log.Info("Job description is valid", map[string]interface{}{"codes": job.Codes()})
		return
	}

	res, err := runner.Run(ctx, job, runner.Options{
		Workers:         cfg.Ensemble.Workers,
		RunDir:          cfg.Ensemble.RunDir,
		CheckpointEvery: cfg.Ensemble.CheckpointEvery,
		Logger:          zl,
	})
	if res != nil {
		if rerr := report(os.Stdout, res); rerr != nil {
			log.Error("Failed to write report", map[string]interface{}{"error": rerr.Error()})
			if err == nil {
				os.Exit(1)
			}
		}
	}
	if err != nil {
		log.Error("Run failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	if res.Flag == ensemble.FlagCancelled {
		os.Exit(130)
	}
}

// report writes the outcome of a run as JSON.
func report(w io.Writer, res *runner.Result) error {
	out := map[string]interface{}{
		"flag":        res.Flag.String(),
		"run_id":      res.Info.RunID,
		"simulations": res.Info.Simulations,
		"failures":    res.Info.Failures,
		"reused":      res.Info.Reused,
	}
	if res.Info.Best != nil {
		out["best"] = res.Info.Best
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
