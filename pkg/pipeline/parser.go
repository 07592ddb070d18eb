package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gographviz "github.com/awalterschulze/gographviz"
)

// ParseDOT parses a Graphviz DOT string into a Pipeline.
func ParseDOT(src string) (*Pipeline, error) {
	graphAst, err := gographviz.ParseString(src)
	if err != nil {
		return nil, fmt.Errorf("dot parse error: %w", err)
	}

	// The stock gographviz.Graph rejects attribute names it does not know,
	// so collect into a permissive implementation instead.
	collector := newDOTCollector()
	if err := gographviz.Analyse(graphAst, collector); err != nil {
		return nil, fmt.Errorf("dot analyse error: %w", err)
	}

	p := &Pipeline{
		Name:  collector.name,
		Nodes: make(map[string]*Node, len(collector.nodes)),
		Attrs: collector.graphAttrs,
	}

	for id, attrs := range collector.nodes {
		nodeType := NodeType(attrs["type"])
		if nodeType == "" {
			nodeType = NodeTypePrompt // bare nodes are single model calls
		}
		p.Nodes[id] = &Node{
			ID:    id,
			Type:  nodeType,
			Attrs: attrs,
		}
	}

	for _, e := range collector.edges {
		p.Edges = append(p.Edges, &Edge{
			From:      e.from,
			To:        e.to,
			Condition: e.condition,
		})
	}

	if raw, ok := collector.graphAttrs["model_stylesheet"]; ok {
		p.Stylesheet = parseStylesheet(raw)
	}

	return p, nil
}

// ParseFile reads and parses a DOT file. The pipeline is named after the
// file when the graph itself is anonymous.
func ParseFile(path string) (*Pipeline, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline file: %w", err)
	}
	p, err := ParseDOT(string(src))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return p, nil
}

// ─── permissive DOT collector ─────────────────────────────────────────────────

type rawEdge struct {
	from, to  string
	condition string
}

// dotCollector implements gographviz.Interface without attribute validation.
type dotCollector struct {
	name       string
	nodes      map[string]map[string]string // id → attrs
	edges      []rawEdge
	graphAttrs map[string]string
}

func newDOTCollector() *dotCollector {
	return &dotCollector{
		nodes:      make(map[string]map[string]string),
		graphAttrs: make(map[string]string),
	}
}

func (c *dotCollector) SetStrict(_ bool) error { return nil }
func (c *dotCollector) SetDir(_ bool) error    { return nil }
func (c *dotCollector) SetName(n string) error { c.name = unquote(n); return nil }
func (c *dotCollector) String() string         { return c.name }

func (c *dotCollector) AddNode(_ string, name string, attrs map[string]string) error {
	id := unquote(name)
	if _, ok := c.nodes[id]; !ok {
		c.nodes[id] = make(map[string]string, len(attrs))
	}
	for k, v := range attrs {
		c.nodes[id][k] = unquote(v)
	}
	return nil
}

func (c *dotCollector) AddEdge(src, dst string, _ bool, attrs map[string]string) error {
	from, to := unquote(src), unquote(dst)
	// Edges may mention nodes that are never declared on their own line.
	for _, id := range []string{from, to} {
		if _, ok := c.nodes[id]; !ok {
			c.nodes[id] = map[string]string{}
		}
	}
	cond := ""
	if lbl, ok := attrs["label"]; ok {
		cond = strings.TrimSpace(unquote(lbl))
	}
	c.edges = append(c.edges, rawEdge{from: from, to: to, condition: cond})
	return nil
}

func (c *dotCollector) AddPortEdge(src, _, dst, _ string, directed bool, attrs map[string]string) error {
	return c.AddEdge(src, dst, directed, attrs)
}

func (c *dotCollector) AddAttr(_ string, field, value string) error {
	c.graphAttrs[field] = unquote(value)
	return nil
}

func (c *dotCollector) AddSubGraph(_, _ string, _ map[string]string) error { return nil }

// ─── helpers ─────────────────────────────────────────────────────────────────

// unquote strips surrounding double-quotes from a DOT attribute value and
// resolves the \" \n \t and \\ escapes inside it.
func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return s
	}
	s = s[1 : len(s)-1]
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i == len(s)-1 {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case '"', '\\':
			b.WriteByte(s[i])
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// parseStylesheet parses a simple CSS-like model stylesheet.
// Example: `type[classify] { model: "openai:gpt-4o" }`
func parseStylesheet(src string) *Stylesheet {
	ss := &Stylesheet{}
	for _, part := range strings.Split(strings.TrimSpace(src), "}") {
		part = strings.TrimSpace(part)
		braceIdx := strings.Index(part, "{")
		if braceIdx < 0 {
			continue
		}
		rule := StyleRule{Selector: strings.TrimSpace(part[:braceIdx])}
		for _, decl := range strings.Split(part[braceIdx+1:], ";") {
			k, v, ok := strings.Cut(decl, ":")
			if !ok {
				continue
			}
			if strings.TrimSpace(k) == "model" {
				rule.Model = strings.Trim(strings.TrimSpace(v), `"`)
			}
		}
		ss.Rules = append(ss.Rules, rule)
	}
	return ss
}
