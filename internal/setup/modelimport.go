package setup

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/copyleftdev/rsopt/internal/errors"
)

// CommandRunner runs a command to completion and returns its output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner runs commands as local processes.
type ExecRunner struct{}

// Run implements CommandRunner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// importModel parses a native input file inside the container and decodes
// the JSON the import command prints. Any output on stderr fails the import.
func (b *base) importModel(ctx context.Context, inputFile string, into interface{}) error {
	argv := strings.Fields(b.ShifterCommand())
	argv = append(argv, strings.Fields(b.opts.ModelImport)...)
	argv = append(argv, b.kind.String(), inputFile)

	b.log.Info("Importing model in container", zap.Strings("command", argv))
	stdout, stderr, err := b.opts.Runner.Run(ctx, argv[0], argv[1:]...)
	if len(stderr) > 0 {
		b.log.Error("Model import wrote to stderr", zap.ByteString("stderr", stderr))
		return errors.Errorf(errors.KindProcess, "model load in shifter failed: %s", strings.TrimSpace(string(stderr))).
			WithComponent("setup").WithOperation("import")
	}
	if err != nil {
		return errors.Wrap(err, errors.KindProcess, "model load in shifter failed").
			WithComponent("setup").WithOperation("import")
	}
	if err := json.Unmarshal(stdout, into); err != nil {
		return errors.Wrap(err, errors.KindProcess, "decode imported model").
			WithComponent("setup").WithOperation("import")
	}
	return nil
}
