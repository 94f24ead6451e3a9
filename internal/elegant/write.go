package elegant

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// maxLineWidth is where lattice definitions wrap onto continuation lines.
const maxLineWidth = 100

// CommandText renders the command file. lattice, when not empty, replaces
// the run_setup.lattice value.
func (m *Model) CommandText(lattice string) string {
	var b strings.Builder
	for _, c := range m.Commands {
		fmt.Fprintf(&b, "&%s\n", c.Type)
		for _, f := range c.Fields {
			value := f.Value
			if c.Type == "run_setup" && f.Name == "lattice" && lattice != "" {
				value = strconv.Quote(lattice)
			}
			fmt.Fprintf(&b, "  %s = %s,\n", f.Name, value)
		}
		b.WriteString("&end\n\n")
	}
	return b.String()
}

// LatticeText renders the lattice file.
func (m *Model) LatticeText() string {
	var b strings.Builder
	for _, e := range m.Elements {
		switch {
		case e.Name == "":
			b.WriteString(e.Raw)
		case e.Type == "LINE":
			fmt.Fprintf(&b, "%s: LINE=%s", e.Name, e.Raw)
		default:
			writeDefinition(&b, e)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func writeDefinition(b *strings.Builder, e Element) {
	line := e.Name + ": " + e.Type
	for _, f := range e.Fields {
		item := ", " + f.Name + "=" + f.Value
		if len(line)+len(item) > maxLineWidth {
			b.WriteString(line + ",&\n")
			line = "  " + strings.TrimPrefix(item, ", ")
			continue
		}
		line += item
	}
	b.WriteString(line)
}

// WriteFiles writes the command and lattice files into dir and returns the
// command file path. The lattice reference is rewritten to the local name.
func (m *Model) WriteFiles(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	lattice := ""
	if m.LatticeFile != "" {
		lattice = m.LatticeFile
		if err := os.WriteFile(filepath.Join(dir, lattice), []byte(m.LatticeText()), 0o644); err != nil {
			return "", fmt.Errorf("write lattice: %w", err)
		}
	}

	path := filepath.Join(dir, m.CommandFile)
	if err := os.WriteFile(path, []byte(m.CommandText(lattice)), 0o644); err != nil {
		return "", fmt.Errorf("write command file: %w", err)
	}
	return path, nil
}
