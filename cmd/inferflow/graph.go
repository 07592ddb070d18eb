package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/ravi-parthasarathy/inferflow/pkg/pipeline"
)

func graphCmd(opts *globalOpts) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "graph <flow|pipeline.dot>",
		Short: "Print a human-readable summary of a flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := opts.catalog.Resolve(args[0])
			if err != nil {
				return err
			}

			switch strings.ToLower(format) {
			case "dot":
				fmt.Fprint(cmd.OutOrStdout(), renderDOT(p))
			case "text", "":
				fmt.Fprint(cmd.OutOrStdout(), renderText(p))
			default:
				return fmt.Errorf("unknown format %q: use text or dot", format)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "text", "output format: text or dot")
	return cmd
}

// topoOrder returns node IDs in BFS order from the start node; unreachable
// nodes (error terminals, typically) are appended in sorted order.
func topoOrder(p *pipeline.Pipeline) []string {
	visited := map[string]bool{}
	var order []string

	if startID := p.StartNode(); startID != "" {
		queue := []string{startID}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			if visited[cur] {
				continue
			}
			visited[cur] = true
			order = append(order, cur)
			for _, e := range p.OutgoingEdges(cur) {
				if !visited[e.To] {
					queue = append(queue, e.To)
				}
			}
		}
	}

	var rest []string
	for _, id := range sortedNodeIDs(p) {
		if !visited[id] {
			rest = append(rest, id)
		}
	}
	return append(order, rest...)
}

func sortedNodeIDs(p *pipeline.Pipeline) []string {
	ids := make([]string, 0, len(p.Nodes))
	for id := range p.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedAttrKeys(n *pipeline.Node) []string {
	keys := make([]string, 0, len(n.Attrs))
	for k := range n.Attrs {
		if k != "type" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func joinLines(lines []string) string { return strings.Join(lines, "\n  ") }

// truncate shortens s to maxLen runes, appending "…" if needed. Newlines
// are flattened so table cells stay on one line.
func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", `\n`)
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "…"
}

// renderText produces the human-readable summary as two tables.
func renderText(p *pipeline.Pipeline) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Pipeline: %s  (%d nodes, %d edges)\n", p.Name, len(p.Nodes), len(p.Edges))
	if id := p.Attr("error_exit"); id != "" {
		fmt.Fprintf(&sb, "Error terminal: %s\n", id)
	}

	nodes := table.NewWriter()
	nodes.SetStyle(table.StyleLight)
	nodes.SetTitle("Nodes")
	nodes.AppendHeader(table.Row{"Node", "Type", "Attributes"})
	for _, id := range topoOrder(p) {
		n := p.Nodes[id]
		var attrs []string
		for _, k := range sortedAttrKeys(n) {
			attrs = append(attrs, k+"="+truncate(n.Attrs[k], 60))
		}
		nodes.AppendRow(table.Row{id, string(n.Type), strings.Join(attrs, "\n")})
	}
	nodes.SetColumnConfigs([]table.ColumnConfig{{Number: 3, WidthMax: 80, Align: text.AlignLeft}})
	sb.WriteString("\n")
	sb.WriteString(nodes.Render())
	sb.WriteString("\n")

	edges := table.NewWriter()
	edges.SetStyle(table.StyleLight)
	edges.SetTitle("Edges")
	edges.AppendHeader(table.Row{"From", "To", "Condition"})
	for _, e := range p.Edges {
		cond := e.Condition
		if e.IsDefault() {
			cond = "(default)"
		}
		edges.AppendRow(table.Row{e.From, e.To, cond})
	}
	sb.WriteString("\n")
	sb.WriteString(edges.Render())
	sb.WriteString("\n")
	return sb.String()
}

// dotQuote returns the value as a DOT-safe string, quoting if necessary.
func dotQuote(s string) string {
	needsQuote := s == "" ||
		strings.ContainsAny(s, " \t\n\\\"{}[]<>=;,|&!():.-'") ||
		!isASCII(s)
	if needsQuote {
		escaped := strings.ReplaceAll(s, `\`, `\\`)
		escaped = strings.ReplaceAll(escaped, `"`, `\"`)
		escaped = strings.ReplaceAll(escaped, "\n", `\n`)
		return `"` + escaped + `"`
	}
	return s
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// renderDOT produces a canonical DOT digraph string that parses back to the
// same pipeline.
func renderDOT(p *pipeline.Pipeline) string {
	var sb strings.Builder

	name := p.Name
	if name == "" {
		name = "pipeline"
	}
	fmt.Fprintf(&sb, "digraph %s {\n", dotQuote(name))

	graphKeys := make([]string, 0, len(p.Attrs))
	for k := range p.Attrs {
		graphKeys = append(graphKeys, k)
	}
	sort.Strings(graphKeys)
	for _, k := range graphKeys {
		fmt.Fprintf(&sb, "    %s=%s\n", k, dotQuote(p.Attrs[k]))
	}

	for _, id := range topoOrder(p) {
		n := p.Nodes[id]
		parts := []string{"type=" + dotQuote(string(n.Type))}
		for _, k := range sortedAttrKeys(n) {
			parts = append(parts, k+"="+dotQuote(n.Attrs[k]))
		}
		fmt.Fprintf(&sb, "    %s [%s]\n", dotQuote(id), strings.Join(parts, " "))
	}

	for _, e := range p.Edges {
		if e.Condition != "" {
			fmt.Fprintf(&sb, "    %s -> %s [label=%s]\n",
				dotQuote(e.From), dotQuote(e.To), dotQuote(e.Condition))
		} else {
			fmt.Fprintf(&sb, "    %s -> %s\n", dotQuote(e.From), dotQuote(e.To))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}
