// Package filedefs loads the named input-file templates of user-defined
// codes and renders them with the keyword arguments of one evaluation.
//
// A definitions document is loaded once when a job is prepared. Supported
// documents are YAML (a mapping of name to template), HCL (top-level string
// attributes) and the legacy script form: top-level `name = """..."""`
// string assignments.
package filedefs

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"gopkg.in/yaml.v3"

	"github.com/copyleftdev/rsopt/internal/errors"
)

// Definitions maps declared template names to template text.
type Definitions struct {
	source    string
	templates map[string]string
}

// New builds Definitions from an in-memory mapping.
func New(source string, templates map[string]string) *Definitions {
	cp := make(map[string]string, len(templates))
	for k, v := range templates {
		cp[k] = v
	}
	return &Definitions{source: source, templates: cp}
}

// Load reads a definitions document, choosing the decoder by extension.
func Load(path string) (*Definitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindConfig, "failed to read file definitions %s", path).
			WithComponent("filedefs")
	}

	var templates map[string]string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		templates, err = decodeYAML(data)
	case ".hcl":
		templates, err = decodeHCL(path, data)
	case ".py", "":
		templates, err = decodeScript(data)
	default:
		err = fmt.Errorf("unsupported file definitions format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindConfig, "failed to parse file definitions %s", path).
			WithComponent("filedefs")
	}

	return &Definitions{source: path, templates: templates}, nil
}

// Source names where the definitions came from.
func (d *Definitions) Source() string { return d.source }

// Names returns the declared template names, sorted.
func (d *Definitions) Names() []string {
	names := make([]string, 0, len(d.templates))
	for k := range d.templates {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is declared.
func (d *Definitions) Has(name string) bool {
	_, ok := d.templates[name]
	return ok
}

// Template returns the template declared as name.
func (d *Definitions) Template(name string) (string, error) {
	t, ok := d.templates[name]
	if !ok {
		return "", errors.Errorf(errors.KindUnresolved, "%s does not define %q", d.source, name).
			WithComponent("filedefs")
	}
	return t, nil
}

// Render formats the template declared as name with kwargs.
func (d *Definitions) Render(name string, kwargs map[string]interface{}) (string, error) {
	t, err := d.Template(name)
	if err != nil {
		return "", err
	}
	out, err := Format(t, kwargs)
	if err != nil {
		return "", errors.Wrapf(err, errors.KindUnknown, "render %s", name)
	}
	return out, nil
}

func decodeYAML(data []byte) (map[string]string, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%s must be a string, got %T", k, v)
		}
		out[k] = s
	}
	return out, nil
}

func decodeHCL(path string, data []byte) (map[string]string, error) {
	file, diags := hclparse.NewParser().ParseHCL(data, path)
	if diags.HasErrors() {
		return nil, diags
	}
	attrs, diags := file.Body.JustAttributes()
	if diags.HasErrors() {
		return nil, diags
	}

	out := make(map[string]string, len(attrs))
	for name, attr := range attrs {
		val, diags := attr.Expr.Value(&hcl.EvalContext{})
		if diags.HasErrors() {
			return nil, diags
		}
		if val.IsNull() || !val.Type().Equals(cty.String) {
			return nil, fmt.Errorf("%s: attribute must be a string, got %s", name, val.Type().FriendlyName())
		}
		out[name] = val.AsString()
	}
	return out, nil
}

var (
	// literalAssign matches a top-level assignment of a triple-quoted or a
	// single-line string literal.
	literalAssign = regexp.MustCompile(`(?ms)^([A-Za-z_][A-Za-z0-9_]*)[ \t]*=[ \t]*([rRuU]?)` +
		`(?:"""(.*?)"""|'''(.*?)'''` +
		`|"((?:[^"\\\n]|\\.)*)"[ \t]*(?:#[^\n]*)?$` +
		`|'((?:[^'\\\n]|\\.)*)'[ \t]*(?:#[^\n]*)?$)`)
	// stringAssign catches any top-level assignment of a string literal.
	stringAssign = regexp.MustCompile(`(?m)^([A-Za-z_][A-Za-z0-9_]*)[ \t]*=[ \t]*[A-Za-z]{0,2}["']`)
)

// decodeScript extracts top-level string assignments; the last assignment
// of a name wins. Anything else in the script is ignored, templates never
// depend on executed code. A string assignment that is not a plain or
// triple-quoted literal is an error.
func decodeScript(data []byte) (map[string]string, error) {
	text := string(data)
	out := make(map[string]string)

	for _, m := range literalAssign.FindAllStringSubmatchIndex(text, -1) {
		name := text[m[2]:m[3]]
		var body string
		for g := 3; g <= 6; g++ {
			if m[2*g] >= 0 {
				body = text[m[2*g]:m[2*g+1]]
				break
			}
		}
		if m[4] == m[5] {
			var err error
			if body, err = unescape(body); err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
		}
		out[name] = body
	}

	rest := literalAssign.ReplaceAllLiteralString(text, "")
	if m := stringAssign.FindStringSubmatch(rest); m != nil {
		return nil, fmt.Errorf("%s: unsupported string assignment", m[1])
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no string definitions found")
	}
	return out, nil
}

// unescape interprets the backslash escapes of a non-raw string literal.
// Unknown escapes are kept as written.
func unescape(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 == len(s) {
			b.WriteByte(c)
			continue
		}
		i++
		switch e := s[i]; e {
		case '\n':
		case '\\', '\'', '"':
			b.WriteByte(e)
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case 'a':
			b.WriteByte('\a')
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case 'v':
			b.WriteByte('\v')
		case '0', '1', '2', '3', '4', '5', '6', '7':
			j := i
			for j < len(s) && j < i+3 && s[j] >= '0' && s[j] <= '7' {
				j++
			}
			v, _ := strconv.ParseUint(s[i:j], 8, 32)
			b.WriteRune(rune(v))
			i = j - 1
		case 'x', 'u', 'U':
			n := map[byte]int{'x': 2, 'u': 4, 'U': 8}[e]
			if i+1+n > len(s) {
				return "", fmt.Errorf(`truncated \%c escape`, e)
			}
			v, err := strconv.ParseUint(s[i+1:i+1+n], 16, 32)
			if err != nil || v > utf8.MaxRune {
				return "", fmt.Errorf(`invalid \%c escape %q`, e, s[i+1:i+1+n])
			}
			b.WriteRune(rune(v))
			i += n
		case 'N':
			return "", fmt.Errorf(`\N{...} escapes are not supported`)
		default:
			b.WriteByte('\\')
			b.WriteByte(e)
		}
	}
	return b.String(), nil
}
