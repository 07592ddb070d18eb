package handlers

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"text/template"

	"github.com/ravi-parthasarathy/inferflow/pkg/llm"
	"github.com/ravi-parthasarathy/inferflow/pkg/pipeline"
)

var templateFuncs = template.FuncMap{
	// {{join ", " .contains}}
	"join": func(sep string, v any) string { return strings.Join(listValue(v), sep) },
	// {{.food | default "unknown dish"}}
	"default": func(def, v any) any {
		if !pipeline.Truthy(v) {
			return def
		}
		return v
	},
	// {{percent 0.873}} -> 87%
	"percent": func(v any) string {
		f, ok := floatValue(v)
		if !ok {
			return ""
		}
		return fmt.Sprintf("%.0f%%", f*100)
	},
	// {{similarity .Distance}} maps an L2 distance between unit vectors to [0, 1].
	"similarity": similarity,
}

// renderTemplate executes a Go template string against a data map.
func renderTemplate(tplStr string, data map[string]any) (string, error) {
	tpl, err := template.New("").Funcs(templateFuncs).Parse(tplStr)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// withData returns a copy of snap extended with extra.
func withData(snap map[string]any, extra map[string]any) map[string]any {
	out := make(map[string]any, len(snap)+len(extra))
	for k, v := range snap {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func similarity(distance float64) float64 {
	return math.Max(0, math.Min(1, 1-distance/2))
}

// stringValue renders a context value as text. Lists are comma-joined.
func stringValue(v any) string {
	switch tv := v.(type) {
	case nil:
		return ""
	case string:
		return tv
	case []string, []any:
		return strings.Join(listValue(tv), ", ")
	case float64:
		return strconv.FormatFloat(tv, 'f', -1, 64)
	default:
		return fmt.Sprint(tv)
	}
}

// listValue turns a string list, a JSON array or a comma-separated string
// into a slice of trimmed, non-empty strings.
func listValue(v any) []string {
	var raw []string
	switch tv := v.(type) {
	case nil:
		return nil
	case []string:
		raw = tv
	case []any:
		for _, item := range tv {
			raw = append(raw, stringValue(item))
		}
	case string:
		raw = strings.Split(tv, ",")
	default:
		raw = []string{fmt.Sprint(tv)}
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func floatValue(v any) (float64, bool) {
	switch tv := v.(type) {
	case float64:
		return tv, true
	case float32:
		return float64(tv), true
	case int:
		return float64(tv), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(tv), 64)
		return f, err == nil
	}
	return 0, false
}

// splitAttr splits a comma-separated attribute into trimmed, non-empty parts.
func splitAttr(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// intAttr parses a positive integer attribute, returning def when unset.
func intAttr(node *pipeline.Node, name string, def int) (int, error) {
	raw := node.Attrs[name]
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s node %q: %s must be a positive integer, got %q", node.Type, node.ID, name, raw)
	}
	return n, nil
}

// imageFrom fetches the image stored under key by a load_image step.
func imageFrom(pctx *pipeline.PipelineContext, key string) (*llm.Image, error) {
	v, ok := pctx.Get(key)
	if !ok {
		return nil, pipeline.InputError(fmt.Errorf("no image under %q", key))
	}
	switch img := v.(type) {
	case llm.Image:
		return &img, nil
	case *llm.Image:
		if img != nil {
			return img, nil
		}
	}
	return nil, pipeline.InputError(fmt.Errorf("value under %q is %T, not an image", key, v))
}
