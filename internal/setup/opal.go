package setup

import (
	"context"
	"path/filepath"
)

// Opal runs a fixed input file; nothing is generated per evaluation.
type Opal struct {
	*base
}

func (o *Opal) Prepare(context.Context) error { return nil }

func (o *Opal) RunCommand(bool) (string, error) { return o.wrap("opal"), nil }

func (o *Opal) GenerateInputFile(map[string]interface{}, string) error { return nil }

func (o *Opal) InputFile() string { return filepath.Base(o.str("input_file")) }

func (o *Opal) CopyFiles() []string { return []string{o.path(o.str("input_file"))} }
