// Package elegant reads, edits and writes the native input of the elegant
// tracking code: a command file (.ele) made of &namelist blocks and the
// lattice file (.lte) it references through run_setup.lattice.
//
// A parsed Model is treated as an immutable template. Edit always works on
// a deep copy, so one Model can serve any number of concurrent evaluations.
package elegant

import (
	"fmt"
	"strconv"
	"strings"
)

// Field is one key/value pair. Value holds the text exactly as it appears
// in the file (including quotes) unless it was set by an edit.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Command is one &type ... &end block of the command file.
type Command struct {
	Type   string  `json:"_type"`
	Fields []Field `json:"fields"`
}

// Element is one statement of the lattice file. Beamlines have Type LINE
// and their definition in Raw. Statements that are not definitions (USE,
// RETURN, rpn expressions) have no Name and are written back from Raw.
type Element struct {
	Name   string  `json:"name,omitempty"`
	Type   string  `json:"type,omitempty"`
	Fields []Field `json:"fields,omitempty"`
	Raw    string  `json:"raw,omitempty"`
}

// Model is the parsed command file plus its lattice.
type Model struct {
	CommandFile string    `json:"command_file"`
	LatticeFile string    `json:"lattice_file,omitempty"`
	Commands    []Command `json:"commands"`
	Elements    []Element `json:"elements"`
}

func getField(fields []Field, name string) (string, bool) {
	for _, f := range fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

func setField(fields []Field, name, value string) []Field {
	for i := range fields {
		if fields[i].Name == name {
			fields[i].Value = value
			return fields
		}
	}
	return append(fields, Field{Name: name, Value: value})
}

// Get returns the raw value of a command field.
func (c Command) Get(name string) (string, bool) { return getField(c.Fields, name) }

// Get returns the raw value of an element field.
func (e Element) Get(name string) (string, bool) { return getField(e.Fields, name) }

// IsDefinition reports whether the statement defines an element.
func (e Element) IsDefinition() bool { return e.Name != "" && e.Type != "LINE" }

// Clone returns a deep copy of the model.
func (m *Model) Clone() *Model {
	out := &Model{
		CommandFile: m.CommandFile,
		LatticeFile: m.LatticeFile,
		Commands:    make([]Command, len(m.Commands)),
		Elements:    make([]Element, len(m.Elements)),
	}
	for i, c := range m.Commands {
		out.Commands[i] = Command{Type: c.Type, Fields: append([]Field(nil), c.Fields...)}
	}
	for i, e := range m.Elements {
		e.Fields = append([]Field(nil), e.Fields...)
		out.Elements[i] = e
	}
	return out
}

// Fields indexes the model: command type -> positions of commands of that
// type in file order, and uppercased element name -> position.
func (m *Model) Fields() (commands map[string][]int, elements map[string]int) {
	commands = make(map[string][]int)
	elements = make(map[string]int)
	for i, c := range m.Commands {
		commands[c.Type] = append(commands[c.Type], i)
	}
	for i, e := range m.Elements {
		if e.Name == "" {
			continue
		}
		elements[strings.ToUpper(e.Name)] = i
	}
	return commands, elements
}

// Lattice returns the lattice path named by the first run_setup command.
func (m *Model) Lattice() string {
	for _, c := range m.Commands {
		if c.Type != "run_setup" {
			continue
		}
		if v, ok := c.Get("lattice"); ok {
			return Unquote(v)
		}
	}
	return ""
}

// Unquote strips one level of double or single quotes.
func Unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' && v[len(v)-1] == '"' || v[0] == '\'' && v[len(v)-1] == '\'') {
		return v[1 : len(v)-1]
	}
	return v
}

// FormatValue renders a Go value as elegant input text.
func FormatValue(v interface{}) string {
	switch x := v.(type) {
	case string:
		if _, err := strconv.ParseFloat(x, 64); err == nil {
			return x
		}
		return strconv.Quote(x)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		if x {
			return "1"
		}
		return "0"
	default:
		return strconv.Quote(strings.TrimSpace(fmt.Sprint(v)))
	}
}
