package setup

import (
	"context"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/copyleftdev/rsopt/internal/elegant"
	"github.com/copyleftdev/rsopt/internal/errors"
)

// Elegant edits a parsed copy of the command and lattice files for every
// evaluation.
type Elegant struct {
	*base
	model *elegant.Model
}

// Prepare parses input_file once, inside the container when the setup runs
// under shifter.
func (e *Elegant) Prepare(ctx context.Context) error {
	if e.Model() != nil {
		return nil
	}

	path := e.path(e.str("input_file"))
	var model *elegant.Model
	if e.ExecutionType() == Shifter {
		model = &elegant.Model{}
		if err := e.importModel(ctx, path, model); err != nil {
			return err
		}
	} else {
		var err error
		model, err = elegant.ParseFile(path)
		if err != nil {
			return errors.Wrap(err, errors.KindConfig, "parse elegant input").
				WithComponent("setup").WithOperation("elegant")
		}
	}

	e.mu.Lock()
	e.model = model
	e.mu.Unlock()
	e.log.Info("Parsed input file",
		zap.String("input_file", path),
		zap.Int("commands", len(model.Commands)),
		zap.Int("elements", len(model.Elements)))
	return nil
}

// Model returns the parsed template, nil before Prepare.
func (e *Elegant) Model() *elegant.Model {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.model
}

func (e *Elegant) RunCommand(isParallel bool) (string, error) {
	if isParallel {
		return e.wrap("Pelegant"), nil
	}
	return e.wrap("elegant"), nil
}

// GenerateInputFile writes an edited copy of the model into dir. The parsed
// template is shared by concurrent evaluations and is never modified.
func (e *Elegant) GenerateInputFile(kwargs map[string]interface{}, dir string) error {
	model := e.Model()
	if model == nil {
		return e.notPrepared()
	}
	edited, err := model.Edit(kwargs)
	if err != nil {
		return err
	}
	if _, err := edited.WriteFiles(dir); err != nil {
		return errors.Wrap(err, errors.KindUnknown, "write elegant input").WithComponent("setup")
	}
	return nil
}

func (e *Elegant) InputFile() string {
	if m := e.Model(); m != nil {
		return m.CommandFile
	}
	return filepath.Base(e.str("input_file"))
}

func (e *Elegant) CopyFiles() []string { return nil }
