package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrNoJSONObject is wrapped by MalformedOutputError when no JSON object
// can be found in a model answer.
var ErrNoJSONObject = errors.New("no JSON object found")

// ErrNoLabel is wrapped by MalformedOutputError when neither the
// structured nor the textual reading of an answer names a known label.
var ErrNoLabel = errors.New("no known label found")

// StripCodeFence removes a surrounding markdown code fence (``` or ```json).
func StripCodeFence(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = ""
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// ExtractJSONObject returns the first balanced {...} span in text. Braces
// inside JSON strings are ignored.
func ExtractJSONObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// DecodeObject parses a model answer into a JSON object. It first reads the
// fence-stripped answer as strict JSON, then falls back to the first
// embedded object.
func DecodeObject(text string) (map[string]any, error) {
	body := StripCodeFence(text)
	var obj map[string]any
	if err := json.Unmarshal([]byte(body), &obj); err == nil && obj != nil {
		return obj, nil
	}
	span, ok := ExtractJSONObject(body)
	if !ok {
		return nil, &MalformedOutputError{Raw: text, Err: ErrNoJSONObject}
	}
	if err := json.Unmarshal([]byte(span), &obj); err != nil {
		return nil, &MalformedOutputError{Raw: text, Err: err}
	}
	return obj, nil
}

// Label is one classification outcome with the alternate spellings a model
// may use for it.
type Label struct {
	Name    string
	Aliases []string
}

// terms returns the name followed by its aliases.
func (l Label) terms() []string {
	return append([]string{l.Name}, l.Aliases...)
}

// ParseLabels reads a label list such as "food,ingredients" or
// "high:높음|high risk,low:낮음". Order is priority order.
func ParseLabels(list string) ([]Label, error) {
	var labels []Label
	seen := map[string]bool{}
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, aliasList, _ := strings.Cut(part, ":")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("label list %q: empty label name", list)
		}
		if seen[strings.ToLower(name)] {
			return nil, fmt.Errorf("label list %q: duplicate label %q", list, name)
		}
		seen[strings.ToLower(name)] = true
		l := Label{Name: name}
		for _, a := range strings.Split(aliasList, "|") {
			if a = strings.TrimSpace(a); a != "" {
				l.Aliases = append(l.Aliases, a)
			}
		}
		labels = append(labels, l)
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("label list %q: no labels", list)
	}
	return labels, nil
}

// MatchLabel returns the label whose name or alias equals value, ignoring
// case, surrounding whitespace, quotes and a closing full stop.
func MatchLabel(value string, labels []Label) (string, bool) {
	v := strings.ToLower(strings.Trim(strings.TrimSpace(value), "\"'`.!"))
	for _, l := range labels {
		for _, t := range l.terms() {
			if strings.ToLower(t) == v {
				return l.Name, true
			}
		}
	}
	return "", false
}

// ScanLabel searches free text for the first label, in priority order, whose
// name or alias occurs as a whole word. A single non-ASCII character such
// as 네 sits inside too many words to be found this way; it only counts as
// a whole answer (see MatchLabel).
func ScanLabel(text string, labels []Label) (string, bool) {
	lower := strings.ToLower(text)
	for _, l := range labels {
		for _, t := range l.terms() {
			if singleWideRune(t) {
				continue
			}
			if containsWord(lower, strings.ToLower(t)) {
				return l.Name, true
			}
		}
	}
	return "", false
}

func containsWord(text, word string) bool {
	if word == "" {
		return false
	}
	for off := 0; ; {
		i := strings.Index(text[off:], word)
		if i < 0 {
			return false
		}
		i += off
		end := i + len(word)
		if boundaryBefore(text, i) && boundaryAfter(text, end) {
			return true
		}
		off = i + 1
	}
}

func singleWideRune(s string) bool {
	r, size := utf8.DecodeRuneInString(s)
	return size == len(s) && r > unicode.MaxASCII
}

// Hangul and other non-Latin scripts attach particles directly to words, so
// only ASCII letters and digits count as word characters here.
func isWordByte(b byte) bool {
	return b < unicode.MaxASCII && (b == '_' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z')
}

func boundaryBefore(s string, i int) bool { return i == 0 || !isWordByte(s[i-1]) }
func boundaryAfter(s string, i int) bool  { return i >= len(s) || !isWordByte(s[i]) }

// ParseTier records which reading of an answer produced a label.
type ParseTier int

const (
	TierNone ParseTier = iota
	TierStructured
	TierText
)

func (t ParseTier) String() string {
	switch t {
	case TierStructured:
		return "structured"
	case TierText:
		return "text"
	default:
		return "none"
	}
}

// ParseLabel extracts a classification from a model answer. The structured
// reading looks up field in a JSON object; the textual reading scans the
// whole answer. A bare one-word answer counts as structured.
func ParseLabel(text, field string, labels []Label) (string, ParseTier, error) {
	if name, ok := MatchLabel(StripCodeFence(text), labels); ok {
		return name, TierStructured, nil
	}
	if obj, err := DecodeObject(text); err == nil {
		if raw, ok := obj[field]; ok {
			if name, ok := MatchLabel(fmt.Sprint(raw), labels); ok {
				return name, TierStructured, nil
			}
		}
	}
	if name, ok := ScanLabel(text, labels); ok {
		return name, TierText, nil
	}
	return "", TierNone, &MalformedOutputError{Raw: text, Err: ErrNoLabel}
}
