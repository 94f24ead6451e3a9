package setup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/copyleftdev/rsopt/internal/errors"
	"github.com/copyleftdev/rsopt/internal/filedefs"
	"github.com/copyleftdev/rsopt/internal/parameters"
)

// FileMapping pairs a declared template with the file it is rendered to.
type FileMapping struct {
	Template string
	File     string
}

// User runs a user-supplied command on files rendered from named templates.
type User struct {
	*base
	defs    *filedefs.Definitions
	mapping []FileMapping
}

// Prepare loads file_definitions and resolves file_mapping against it.
func (u *User) Prepare(context.Context) error {
	u.mu.RLock()
	loaded := u.defs != nil
	u.mu.RUnlock()
	if loaded {
		return nil
	}

	defs, err := filedefs.Load(u.path(u.str("file_definitions")))
	if err != nil {
		return err
	}
	raw, _ := u.Value("file_mapping")
	mapping, err := resolveMapping(defs, raw)
	if err != nil {
		return err
	}

	u.mu.Lock()
	u.defs, u.mapping = defs, mapping
	u.mu.Unlock()
	u.log.Info("Loaded file definitions",
		zap.String("file_definitions", defs.Source()),
		zap.Int("files", len(mapping)))
	return nil
}

// resolveMapping accepts either direction of a file_mapping entry: the side
// that names a declared template is the template.
func resolveMapping(defs *filedefs.Definitions, raw interface{}) ([]FileMapping, error) {
	read, err := parameters.GetReader(raw, "file_mapping")
	if err != nil {
		return nil, err
	}

	var out []FileMapping
	for _, e := range read(raw) {
		value, ok := e.Value.(string)
		if !ok {
			return nil, errors.Errorf(errors.KindConfig, "file_mapping %s must map to a file name, got %T", e.Key, e.Value).
				WithComponent("setup")
		}
		m := FileMapping{Template: e.Key, File: value}
		if !defs.Has(e.Key) {
			if !defs.Has(value) {
				return nil, errors.Errorf(errors.KindUnresolved,
					"file_mapping %s: neither %q nor %q is defined in %s", e.Key, e.Key, value, defs.Source()).
					WithComponent("setup")
			}
			m = FileMapping{Template: value, File: e.Key}
		}
		if !filepath.IsLocal(m.File) {
			return nil, errors.Errorf(errors.KindConfig, "file_mapping target %q must be a path inside the run directory", m.File).
				WithComponent("setup")
		}
		out = append(out, m)
	}
	return out, nil
}

// Mapping returns the resolved file mapping, nil before Prepare.
func (u *User) Mapping() []FileMapping {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return append([]FileMapping(nil), u.mapping...)
}

// RunCommand returns run_command as given. genesis and genesis_mpi read
// their input from stdin, so a redirect is appended for them.
func (u *User) RunCommand(bool) (string, error) {
	cmd := u.str("run_command")
	switch strings.TrimSpace(cmd) {
	case "genesis", "genesis_mpi":
		cmd += " <"
	}
	return u.wrap(cmd), nil
}

func (u *User) GenerateInputFile(kwargs map[string]interface{}, dir string) error {
	u.mu.RLock()
	defs, mapping := u.defs, u.mapping
	u.mu.RUnlock()
	if defs == nil {
		return u.notPrepared()
	}

	for _, m := range mapping {
		text, err := defs.Render(m.Template, kwargs)
		if err != nil {
			return err
		}
		path := filepath.Join(dir, m.File)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return errors.Wrap(err, errors.KindUnknown, "create input directory").WithComponent("setup")
		}
		if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
			return errors.Wrap(err, errors.KindUnknown, fmt.Sprintf("write %s", m.File)).WithComponent("setup")
		}
	}
	return nil
}

func (u *User) InputFile() string { return filepath.Base(u.str("input_file")) }

// CopyFiles is input_file unless the mapping renders it.
func (u *User) CopyFiles() []string {
	input := u.str("input_file")
	for _, m := range u.Mapping() {
		if filepath.Clean(m.File) == filepath.Clean(input) {
			return nil
		}
	}
	return []string{u.path(input)}
}
