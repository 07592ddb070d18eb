package pipeline

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// EvalCondition evaluates an edge condition against a context snapshot.
//
// Supported grammar:
//
//	<expr>  ::= <or>
//	<or>    ::= <and> ( "||" <and> )*
//	<and>   ::= <atom> ( "&&" <atom> )*
//	<atom>  ::= "!" <atom> | "(" <expr> ")" | <key> <op> <value> | <key>
//	<op>    ::= "==" | "!=" | "<" | "<=" | ">" | ">="
//	<key>   ::= alphanumeric + _ + .
//	<value> ::= single-quoted | double-quoted | bare word
//
// Ordering operators compare numerically and are false when either side is
// not a number. A bare key is truthy when it is set to something other than
// an empty string, "false", "0", nil or an empty collection.
func EvalCondition(expr string, ctx map[string]any) (bool, error) {
	p := &condParser{input: strings.TrimSpace(expr), ctx: ctx}
	result, err := p.parseOr()
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", expr, err)
	}
	p.skipWS()
	if p.pos < len(p.input) {
		return false, fmt.Errorf("condition %q: unexpected %q at pos %d", expr, p.input[p.pos:], p.pos)
	}
	return result, nil
}

type condParser struct {
	input string
	pos   int
	ctx   map[string]any
}

func (p *condParser) rest() string {
	if p.pos >= len(p.input) {
		return ""
	}
	return p.input[p.pos:]
}

func (p *condParser) skipWS() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func (p *condParser) parseOr() (bool, error) {
	left, err := p.parseAnd()
	if err != nil {
		return false, err
	}
	for {
		p.skipWS()
		if !strings.HasPrefix(p.rest(), "||") {
			return left, nil
		}
		p.pos += 2
		right, err := p.parseAnd()
		if err != nil {
			return false, err
		}
		left = left || right
	}
}

func (p *condParser) parseAnd() (bool, error) {
	left, err := p.parseAtom()
	if err != nil {
		return false, err
	}
	for {
		p.skipWS()
		if !strings.HasPrefix(p.rest(), "&&") {
			return left, nil
		}
		p.pos += 2
		right, err := p.parseAtom()
		if err != nil {
			return false, err
		}
		left = left && right
	}
}

// comparison operators, longest first so "<=" wins over "<".
var condOps = []string{"==", "!=", "<=", ">=", "<", ">"}

func (p *condParser) parseAtom() (bool, error) {
	p.skipWS()
	if p.pos >= len(p.input) {
		return false, fmt.Errorf("unexpected end of expression")
	}
	switch p.input[p.pos] {
	case '!':
		if !strings.HasPrefix(p.rest(), "!=") {
			p.pos++
			v, err := p.parseAtom()
			return !v, err
		}
	case '(':
		p.pos++
		v, err := p.parseOr()
		if err != nil {
			return false, err
		}
		p.skipWS()
		if p.pos >= len(p.input) || p.input[p.pos] != ')' {
			return false, fmt.Errorf("expected ')'")
		}
		p.pos++
		return v, nil
	}

	key := p.parseWord()
	if key == "" {
		return false, fmt.Errorf("expected identifier at pos %d in %q", p.pos, p.input)
	}
	p.skipWS()
	for _, op := range condOps {
		if !strings.HasPrefix(p.rest(), op) {
			continue
		}
		p.pos += len(op)
		p.skipWS()
		want := p.parseValue()
		return compare(op, p.ctx[key], want), nil
	}
	return Truthy(p.ctx[key]), nil
}

func (p *condParser) parseWord() string {
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') || c == '_' || c == '.' || c == '-' {
			p.pos++
			continue
		}
		break
	}
	return p.input[start:p.pos]
}

func (p *condParser) parseValue() string {
	if p.pos >= len(p.input) {
		return ""
	}
	quote := p.input[p.pos]
	if quote != '\'' && quote != '"' {
		return p.parseWord()
	}
	p.pos++
	start := p.pos
	for p.pos < len(p.input) && p.input[p.pos] != quote {
		p.pos++
	}
	val := p.input[start:p.pos]
	if p.pos < len(p.input) {
		p.pos++
	}
	return val
}

func compare(op string, got any, want string) bool {
	switch op {
	case "==":
		return stringify(got) == want
	case "!=":
		return stringify(got) != want
	}
	a, errA := strconv.ParseFloat(stringify(got), 64)
	b, errB := strconv.ParseFloat(want, 64)
	if errA != nil || errB != nil {
		return false
	}
	switch op {
	case "<":
		return a < b
	case "<=":
		return a <= b
	case ">":
		return a > b
	default:
		return a >= b
	}
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Truthy reports whether a context value counts as present for routing.
func Truthy(v any) bool {
	if v == nil {
		return false
	}
	switch tv := v.(type) {
	case string:
		s := strings.TrimSpace(tv)
		return s != "" && s != "false" && s != "0"
	case bool:
		return tv
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	}
	return true
}
