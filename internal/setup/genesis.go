package setup

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/copyleftdev/rsopt/internal/errors"
)

// GenesisWrapper is the script genesis is launched through.
const GenesisWrapper = "run_genesis.sh"

// Genesis is a user code whose command and stdin redirect are fixed and
// wrapped into a shell script. The script is written into each evaluation
// directory, never into the shared base directory.
type Genesis struct {
	*User
	original string
	command  string
}

// RunCommand makes the wrapper the setup's input_file and returns the shell
// that runs it.
func (g *Genesis) RunCommand(isParallel bool) (string, error) {
	cmd := "genesis"
	if isParallel {
		cmd = "genesis_mpi"
	}

	g.mu.Lock()
	if g.original == "" {
		g.original, _ = g.values["input_file"].(string)
	}
	g.command = cmd
	g.mu.Unlock()

	g.set("input_file", GenesisWrapper)
	return g.wrap("/bin/sh"), nil
}

// GenerateInputFile renders the mapped files, then writes the wrapper
// redirecting this job's own input into dir.
func (g *Genesis) GenerateInputFile(kwargs map[string]interface{}, dir string) error {
	if err := g.User.GenerateInputFile(kwargs, dir); err != nil {
		return err
	}
	script := g.Script()
	path := filepath.Join(dir, GenesisWrapper)
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		return errors.Wrap(err, errors.KindUnknown, "write genesis wrapper").
			WithComponent("setup").WithOperation("genesis")
	}
	g.log.Debug("Wrote genesis wrapper", zap.String("path", path))
	return nil
}

// Script is the wrapper's content.
func (g *Genesis) Script() string {
	g.mu.RLock()
	cmd := g.command
	g.mu.RUnlock()
	if cmd == "" {
		cmd = "genesis"
		if g.IsParallel() {
			cmd = "genesis_mpi"
		}
	}
	return fmt.Sprintf("exec %s < %s\n", cmd, g.OriginalInputFile())
}

// OriginalInputFile is input_file as configured, before the wrapper
// replaced it.
func (g *Genesis) OriginalInputFile() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.original != "" {
		return g.original
	}
	s, _ := g.values["input_file"].(string)
	return s
}

// CopyFiles is the genesis input unless the mapping renders it.
func (g *Genesis) CopyFiles() []string {
	input := g.OriginalInputFile()
	for _, m := range g.Mapping() {
		if filepath.Clean(m.File) == filepath.Clean(input) {
			return nil
		}
	}
	return []string{g.path(input)}
}
