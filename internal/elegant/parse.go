package elegant

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ParseFile reads a command file and the lattice it references.
func ParseFile(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read command file: %w", err)
	}
	commands, err := ParseCommands(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	m := &Model{
		CommandFile: filepath.Base(path),
		Commands:    commands,
	}

	lattice := m.Lattice()
	if lattice == "" {
		return m, nil
	}
	if !filepath.IsAbs(lattice) {
		lattice = filepath.Join(filepath.Dir(path), lattice)
	}
	lte, err := os.ReadFile(lattice)
	if err != nil {
		return nil, fmt.Errorf("read lattice file: %w", err)
	}
	elements, err := ParseLattice(string(lte))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", lattice, err)
	}
	m.LatticeFile = filepath.Base(lattice)
	m.Elements = elements
	return m, nil
}

type tokenKind int

const (
	tokWord tokenKind = iota
	tokString
	tokAmp
	tokEquals
	tokComma
)

type token struct {
	kind tokenKind
	text string
	line int
}

// stripComment removes a trailing ! comment that is not inside quotes.
func stripComment(line string) string {
	var quote byte
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '!':
			return line[:i]
		}
	}
	return line
}

func tokenize(src string) ([]token, error) {
	var toks []token
	for n, line := range strings.Split(src, "\n") {
		line = stripComment(line)
		lineNo := n + 1
		for i := 0; i < len(line); {
			c := line[i]
			switch {
			case c == ' ' || c == '\t' || c == '\r':
				i++
			case c == '=':
				toks = append(toks, token{tokEquals, "=", lineNo})
				i++
			case c == ',':
				toks = append(toks, token{tokComma, ",", lineNo})
				i++
			case c == '&':
				j := i + 1
				for j < len(line) && isWordByte(line[j]) {
					j++
				}
				toks = append(toks, token{tokAmp, strings.ToLower(line[i+1 : j]), lineNo})
				i = j
			case c == '"' || c == '\'':
				j := strings.IndexByte(line[i+1:], c)
				if j < 0 {
					return nil, fmt.Errorf("line %d: unterminated string", lineNo)
				}
				toks = append(toks, token{tokString, line[i : i+j+2], lineNo})
				i += j + 2
			default:
				j := i
				for j < len(line) && !strings.ContainsRune(" \t\r=,&\"'", rune(line[j])) {
					j++
				}
				toks = append(toks, token{tokWord, line[i:j], lineNo})
				i = j
			}
		}
	}
	return toks, nil
}

func isWordByte(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

// ParseCommands parses &namelist blocks. Field names are lowercased.
func ParseCommands(src string) ([]Command, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}

	var commands []Command
	var cur *Command
	var lastField string

	for i := 0; i < len(toks); i++ {
		t := toks[i]
		switch {
		case t.kind == tokAmp && t.text == "end":
			if cur == nil {
				return nil, fmt.Errorf("line %d: &end without a command", t.line)
			}
			commands = append(commands, *cur)
			cur, lastField = nil, ""
		case t.kind == tokAmp:
			if cur != nil {
				return nil, fmt.Errorf("line %d: &%s starts before &%s is closed", t.line, t.text, cur.Type)
			}
			if t.text == "" {
				return nil, fmt.Errorf("line %d: missing command name after &", t.line)
			}
			cur = &Command{Type: t.text}
		case cur == nil:
			return nil, fmt.Errorf("line %d: unexpected %q outside a command", t.line, t.text)
		case t.kind == tokComma:
		case t.kind == tokWord && i+1 < len(toks) && toks[i+1].kind == tokEquals:
			if i+2 >= len(toks) || (toks[i+2].kind != tokWord && toks[i+2].kind != tokString) {
				return nil, fmt.Errorf("line %d: %s has no value", t.line, t.text)
			}
			lastField = strings.ToLower(t.text)
			cur.Fields = setField(cur.Fields, lastField, toks[i+2].text)
			i += 2
		case t.kind == tokWord || t.kind == tokString:
			// continuation of a multi-valued field: a = 1, 2, 3
			if lastField == "" {
				return nil, fmt.Errorf("line %d: value %q without a field", t.line, t.text)
			}
			prev, _ := getField(cur.Fields, lastField)
			cur.Fields = setField(cur.Fields, lastField, prev+", "+t.text)
		default:
			return nil, fmt.Errorf("line %d: unexpected %q", t.line, t.text)
		}
	}
	if cur != nil {
		return nil, fmt.Errorf("command &%s is not closed with &end", cur.Type)
	}
	return commands, nil
}

// splitTop splits s on sep outside quotes and parentheses.
func splitTop(s string, sep byte) []string {
	var parts []string
	depth := 0
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == sep && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

// ParseLattice parses lattice statements. Element names keep their case,
// types are uppercased and field names lowercased.
func ParseLattice(src string) ([]Element, error) {
	var statements []string
	var pending strings.Builder
	for _, raw := range strings.Split(src, "\n") {
		line := strings.TrimSpace(stripComment(raw))
		if strings.HasSuffix(line, "&") {
			pending.WriteString(strings.TrimSuffix(line, "&"))
			continue
		}
		pending.WriteString(line)
		if s := strings.TrimSpace(pending.String()); s != "" {
			statements = append(statements, s)
		}
		pending.Reset()
	}
	if s := strings.TrimSpace(pending.String()); s != "" {
		statements = append(statements, s)
	}

	elements := make([]Element, 0, len(statements))
	for _, stmt := range statements {
		parts := splitTop(stmt, ':')
		if len(parts) < 2 || strings.HasPrefix(stmt, "%") || strings.HasPrefix(stmt, "#") {
			elements = append(elements, Element{Raw: stmt})
			continue
		}
		name := Unquote(strings.TrimSpace(parts[0]))
		body := strings.TrimSpace(strings.Join(parts[1:], ":"))
		if name == "" {
			return nil, fmt.Errorf("statement %q has an empty name", stmt)
		}

		items := splitTop(body, ',')
		head := strings.TrimSpace(items[0])
		if typ, def, ok := strings.Cut(head, "="); ok && strings.EqualFold(strings.TrimSpace(typ), "LINE") {
			elements = append(elements, Element{
				Name: name,
				Type: "LINE",
				Raw:  strings.TrimSpace(def + strings.Join(prefixAll(items[1:], ","), "")),
			})
			continue
		}

		el := Element{Name: name, Type: strings.ToUpper(head)}
		for _, item := range items[1:] {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			k, v, ok := strings.Cut(item, "=")
			if !ok {
				return nil, fmt.Errorf("element %s: %q is not key=value", name, item)
			}
			el.Fields = setField(el.Fields, strings.ToLower(strings.TrimSpace(k)), strings.TrimSpace(v))
		}
		elements = append(elements, el)
	}
	return elements, nil
}

func prefixAll(items []string, prefix string) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = prefix + item
	}
	return out
}
