package config

import (
	"time"

	"github.com/caarlos0/env/v10"
)

// Config is the process-level configuration. Job descriptions are not read
// from here; they arrive as documents (see package configuration).
type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	}
	Logging struct {
		Level  string `env:"LOG_LEVEL"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	Shifter struct {
		Image   string `env:"RSOPT_SHIFTER_IMAGE" envDefault:"radiasoft/sirepo:prod"`
		Wrapper string `env:"RSOPT_SHIFTER_WRAPPER" envDefault:"shifter_exec.sh"`
		// ModelImport is the command run inside the container to parse a
		// native input file and print it as JSON.
		ModelImport string `env:"RSOPT_MODEL_IMPORT" envDefault:"rsopt-modelimport"`
	}
	Executor struct {
		MPILauncher   string `env:"RSOPT_MPI_LAUNCHER" envDefault:"mpirun"`
		RSMPILauncher string `env:"RSOPT_RSMPI_LAUNCHER" envDefault:"rsmpi"`
		RSMPIHost     string `env:"RSOPT_RSMPI_HOST" envDefault:"1"`
	}
	Ensemble struct {
		RunDir          string `env:"RSOPT_RUN_DIR" envDefault:"ensemble"`
		Workers         int    `env:"RSOPT_WORKERS" envDefault:"4"`
		CheckpointEvery int    `env:"RSOPT_CHECKPOINT_EVERY" envDefault:"0"`
	}
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if cfg.Logging.Level == "" {
		if cfg.Environment == "development" {
			cfg.Logging.Level = "debug"
		} else {
			cfg.Logging.Level = "info"
		}
	}

	if cfg.Ensemble.Workers < 1 {
		cfg.Ensemble.Workers = 1
	}

	return cfg, nil
}
