package filedefs

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/copyleftdev/rsopt/internal/errors"
)

// specPattern is the standard format spec:
// [[fill]align][sign][#][0][width][grouping][.precision][type]
var specPattern = regexp.MustCompile(`(?s)^(?:(.)?([<>=^]))?([-+ ])?(#)?(0)?(\d+)?([,_])?(?:\.(\d+))?([bcdeEfFgGnosxX%])?$`)

// Format substitutes {name} and {name:spec} fields in tmpl with kwargs.
// {{ and }} are literal braces. The rules follow the str.format convention
// that simulation input templates are written against.
func Format(tmpl string, kwargs map[string]interface{}) (string, error) {
	var b strings.Builder
	b.Grow(len(tmpl))

	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		switch c {
		case '{':
			if i+1 < len(tmpl) && tmpl[i+1] == '{' {
				b.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(tmpl[i+1:], '}')
			if end < 0 {
				return "", errors.Errorf(errors.KindValue, "unmatched '{' at offset %d", i)
			}
			field := tmpl[i+1 : i+1+end]
			s, err := formatField(field, kwargs)
			if err != nil {
				return "", err
			}
			b.WriteString(s)
			i += end + 1
		case '}':
			if i+1 < len(tmpl) && tmpl[i+1] == '}' {
				b.WriteByte('}')
				i++
				continue
			}
			return "", errors.Errorf(errors.KindValue, "single '}' encountered at offset %d", i)
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

func formatField(field string, kwargs map[string]interface{}) (string, error) {
	name, spec, _ := strings.Cut(field, ":")
	conversion := ""
	if n, conv, ok := strings.Cut(name, "!"); ok {
		name, conversion = n, conv
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New(errors.KindValue, "positional fields are not supported in templates")
	}

	value, ok := kwargs[name]
	if !ok {
		return "", errors.Errorf(errors.KindValue, "template field %q has no value (known: %s)", name, knownKeys(kwargs))
	}

	switch conversion {
	case "", "s":
	case "r":
		value = PyRepr(value)
	default:
		return "", errors.Errorf(errors.KindValue, "unknown conversion !%s in field %q", conversion, name)
	}

	if spec == "" {
		return PyStr(value), nil
	}
	return applySpec(name, spec, value)
}

type formatSpec struct {
	fill      rune
	fillSet   bool
	align     byte
	sign      byte
	alt       bool
	zero      bool
	width     int
	grouping  byte
	precision int
	verb      byte
}

func parseSpec(spec string) (formatSpec, bool) {
	m := specPattern.FindStringSubmatch(spec)
	if m == nil {
		return formatSpec{}, false
	}
	fs := formatSpec{fill: ' ', precision: -1}
	if m[1] != "" {
		fs.fill, _ = utf8.DecodeRuneInString(m[1])
		fs.fillSet = true
	}
	if m[2] != "" {
		fs.align = m[2][0]
	}
	if m[3] != "" {
		fs.sign = m[3][0]
	}
	fs.alt = m[4] != ""
	fs.zero = m[5] != ""
	if fs.zero && !fs.fillSet {
		fs.fill = '0'
	}
	var err error
	if m[6] != "" {
		if fs.width, err = strconv.Atoi(m[6]); err != nil {
			return formatSpec{}, false
		}
	}
	if m[7] != "" {
		fs.grouping = m[7][0]
	}
	if m[8] != "" {
		if fs.precision, err = strconv.Atoi(m[8]); err != nil {
			return formatSpec{}, false
		}
	}
	if m[9] != "" {
		fs.verb = m[9][0]
	}
	return fs, true
}

func specError(name, spec, reason string) error {
	return errors.Errorf(errors.KindValue, "field %q: %s in format spec %q", name, reason, spec)
}

func applySpec(name, spec string, value interface{}) (string, error) {
	fs, ok := parseSpec(spec)
	if !ok {
		return "", errors.Errorf(errors.KindValue, "unsupported format spec %q for field %q", spec, name)
	}

	switch v := value.(type) {
	case string:
		return formatString(name, spec, fs, v)
	case bool:
		// a non-empty spec formats a bool as its integer value
		if v {
			return formatInt(name, spec, fs, 1)
		}
		return formatInt(name, spec, fs, 0)
	case int:
		return formatInt(name, spec, fs, int64(v))
	case int64:
		return formatInt(name, spec, fs, v)
	case int32:
		return formatInt(name, spec, fs, int64(v))
	case float64:
		return formatFloat(name, spec, fs, v)
	case float32:
		return formatFloat(name, spec, fs, float64(v))
	}
	return "", errors.Errorf(errors.KindValue, "field %q: format spec %q does not apply to %s", name, spec, PyStr(value))
}

func formatString(name, spec string, fs formatSpec, s string) (string, error) {
	switch {
	case fs.verb != 0 && fs.verb != 's':
		return "", errors.Errorf(errors.KindValue, "field %q: %q is not a number", name, s)
	case fs.sign != 0:
		return "", specError(name, spec, "sign not allowed for a string")
	case fs.alt:
		return "", specError(name, spec, "alternate form not allowed for a string")
	case fs.grouping != 0:
		return "", specError(name, spec, "grouping not allowed for a string")
	case fs.align == '=':
		return "", specError(name, spec, "'=' alignment not allowed for a string")
	}
	if fs.precision >= 0 && fs.precision < utf8.RuneCountInString(s) {
		s = string([]rune(s)[:fs.precision])
	}
	return pad(fs, "", s, '<'), nil
}

func formatInt(name, spec string, fs formatSpec, n int64) (string, error) {
	switch fs.verb {
	case 'e', 'E', 'f', 'F', 'g', 'G', '%':
		return formatFloat(name, spec, fs, float64(n))
	case 's':
		return "", errors.Errorf(errors.KindValue, "field %q: %d is not a string", name, n)
	}
	if fs.precision >= 0 {
		return "", specError(name, spec, "precision not allowed for an integer")
	}

	neg := n < 0
	u := uint64(n)
	if neg {
		u = -u
	}

	var prefix, digits string
	switch fs.verb {
	case 0, 'd', 'n':
		if fs.verb == 'n' && fs.grouping != 0 {
			return "", specError(name, spec, "grouping not allowed with type n")
		}
		digits = strconv.FormatUint(u, 10)
	case 'b', 'o', 'x', 'X':
		if fs.grouping == ',' {
			return "", specError(name, spec, fmt.Sprintf("',' not allowed with type %c", fs.verb))
		}
		base := map[byte]int{'b': 2, 'o': 8, 'x': 16, 'X': 16}[fs.verb]
		digits = strconv.FormatUint(u, base)
		if fs.verb == 'X' {
			digits = strings.ToUpper(digits)
		}
		if fs.alt {
			prefix = "0" + string(fs.verb)
		}
	case 'c':
		if fs.sign != 0 || fs.alt || fs.grouping != 0 {
			return "", specError(name, spec, "only fill, alignment and width are allowed with type c")
		}
		if neg || n > utf8.MaxRune {
			return "", errors.Errorf(errors.KindValue, "field %q: %d is not a character code", name, n)
		}
		align := byte('>')
		if fs.zero && fs.align == 0 {
			align = '='
		}
		return pad(fs, "", string(rune(n)), align), nil
	}
	return finishNumber(fs, neg, prefix, digits, ""), nil
}

func formatFloat(name, spec string, fs formatSpec, f float64) (string, error) {
	switch fs.verb {
	case 'b', 'c', 'd', 'o', 'x', 'X':
		return "", errors.Errorf(errors.KindValue, "field %q: %s is not an integer", name, pyFloat(f))
	case 's':
		return "", errors.Errorf(errors.KindValue, "field %q: %s is not a string", name, pyFloat(f))
	}
	if fs.alt {
		return "", specError(name, spec, "alternate form not supported for a float")
	}
	if fs.verb == 'n' && fs.grouping != 0 {
		return "", specError(name, spec, "grouping not allowed with type n")
	}

	neg := math.Signbit(f) && !math.IsNaN(f)
	a := math.Abs(f)
	upper := fs.verb == 'F' || fs.verb == 'E' || fs.verb == 'G'

	if math.IsInf(a, 0) || math.IsNaN(a) {
		body := "inf"
		if math.IsNaN(a) {
			body = "nan"
		}
		if upper {
			body = strings.ToUpper(body)
		}
		if fs.verb == '%' {
			body += "%"
		}
		return finishNumber(fs, neg, "", "", body), nil
	}

	prec := fs.precision
	if prec < 0 && fs.verb != 0 {
		prec = 6
	}
	var body string
	switch fs.verb {
	case 'f', 'F':
		body = strconv.FormatFloat(a, 'f', prec, 64)
	case 'e', 'E':
		body = strconv.FormatFloat(a, 'e', prec, 64)
	case 'g', 'G', 'n':
		body = formatGeneral(a, prec, false)
	case '%':
		body = strconv.FormatFloat(a*100, 'f', prec, 64) + "%"
	default:
		if prec < 0 {
			body = pyFloat(a)
		} else {
			body = formatGeneral(a, prec, true)
		}
	}
	if upper {
		body = strings.ToUpper(body)
	}
	i := strings.IndexFunc(body, func(r rune) bool { return r < '0' || r > '9' })
	if i < 0 {
		i = len(body)
	}
	return finishNumber(fs, neg, "", body[:i], body[i:]), nil
}

// formatGeneral implements the g type on a non-negative finite value. With
// point set it implements the empty type with a precision instead: fixed
// notation keeps at least one decimal and exponent notation starts one
// digit earlier.
func formatGeneral(f float64, prec int, point bool) string {
	if prec == 0 {
		prec = 1
	}
	e := strconv.FormatFloat(f, 'e', prec-1, 64)
	exp, _ := strconv.Atoi(e[strings.IndexByte(e, 'e')+1:])
	limit := prec
	if point {
		limit = prec - 1
	}
	if exp < -4 || exp >= limit {
		mant, rest, _ := strings.Cut(e, "e")
		return trimZeros(mant) + "e" + rest
	}
	s := trimZeros(strconv.FormatFloat(f, 'f', prec-1-exp, 64))
	if point && !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

func trimZeros(s string) string {
	if !strings.Contains(s, ".") {
		return s
	}
	return strings.TrimSuffix(strings.TrimRight(s, "0"), ".")
}

// finishNumber adds the sign, grouping and padding around the digits of a
// number. intPart is grouped; rest (fraction, exponent, suffix) is not.
func finishNumber(fs formatSpec, neg bool, prefix, intPart, rest string) string {
	switch {
	case neg:
		prefix = "-" + prefix
	case fs.sign == '+':
		prefix = "+" + prefix
	case fs.sign == ' ':
		prefix = " " + prefix
	}

	align := byte('>')
	if fs.zero && fs.align == 0 {
		align = '='
	}

	if fs.grouping != 0 && intPart != "" {
		every := 3
		switch fs.verb {
		case 'b', 'o', 'x', 'X':
			every = 4
		}
		if align == '=' && fs.fill == '0' && !fs.fillSet {
			// zero padding is grouped along with the digits
			for {
				g := group(intPart, fs.grouping, every)
				if len(prefix)+len(g)+len(rest) >= fs.width {
					intPart = g
					break
				}
				intPart = "0" + intPart
			}
		} else {
			intPart = group(intPart, fs.grouping, every)
		}
	}
	return pad(fs, prefix, intPart+rest, align)
}

func group(digits string, sep byte, every int) string {
	if len(digits) <= every {
		return digits
	}
	head := len(digits) % every
	if head == 0 {
		head = every
	}
	var b strings.Builder
	b.WriteString(digits[:head])
	for i := head; i < len(digits); i += every {
		b.WriteByte(sep)
		b.WriteString(digits[i : i+every])
	}
	return b.String()
}

// pad fills body out to the spec's width. prefix holds the sign and base
// prefix, which '=' alignment keeps in front of the fill.
func pad(fs formatSpec, prefix, body string, defaultAlign byte) string {
	align := fs.align
	if align == 0 {
		align = defaultAlign
	}
	n := fs.width - utf8.RuneCountInString(prefix) - utf8.RuneCountInString(body)
	if n <= 0 {
		return prefix + body
	}
	fill := string(fs.fill)
	switch align {
	case '<':
		return prefix + body + strings.Repeat(fill, n)
	case '^':
		left := n / 2
		return strings.Repeat(fill, left) + prefix + body + strings.Repeat(fill, n-left)
	case '=':
		return prefix + strings.Repeat(fill, n) + body
	default:
		return strings.Repeat(fill, n) + prefix + body
	}
}

// PyStr renders a value the way str() would in the simulation scripts'
// host language, which is what hand-written templates expect.
func PyStr(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "None"
	case string:
		return x
	case bool:
		if x {
			return "True"
		}
		return "False"
	case float64:
		return pyFloat(x)
	case float32:
		return pyFloat(float64(x))
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case []interface{}:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = PyRepr(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case []float64:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = pyFloat(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[string]interface{}:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = PyRepr(k) + ": " + PyRepr(x[k])
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return fmt.Sprint(v)
	}
}

// PyRepr renders a value as a literal. Strings are quoted and escaped the
// way repr() does, so they can be pasted into generated scripts.
func PyRepr(v interface{}) string {
	if s, ok := v.(string); ok {
		return pyQuote(s)
	}
	return PyStr(v)
}

func pyQuote(s string) string {
	quote := '\''
	if strings.ContainsRune(s, '\'') && !strings.ContainsRune(s, '"') {
		quote = '"'
	}
	var b strings.Builder
	b.WriteRune(quote)
	for _, r := range s {
		switch {
		case r == '\\':
			b.WriteString(`\\`)
		case r == quote:
			b.WriteByte('\\')
			b.WriteRune(r)
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		case r < 0x20 || r == 0x7f:
			fmt.Fprintf(&b, `\x%02x`, r)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteRune(quote)
	return b.String()
}

// pyFloat renders the shortest round-trip representation, switching to
// exponent notation outside [1e-4, 1e16).
func pyFloat(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsNaN(f):
		return "nan"
	}
	e := strconv.FormatFloat(f, 'e', -1, 64)
	exp, _ := strconv.Atoi(e[strings.IndexByte(e, 'e')+1:])
	if f != 0 && (exp < -4 || exp >= 16) {
		return e
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".") {
		s += ".0"
	}
	return s
}

func knownKeys(kwargs map[string]interface{}) string {
	keys := make([]string, 0, len(kwargs))
	for k := range kwargs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}
