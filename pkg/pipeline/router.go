package pipeline

import (
	"fmt"
	"strings"
)

// Route selects the successor of node from its statically declared
// outgoing edges. It returns "" when the node has no outgoing edges.
//
// Switch nodes compare the value stored under their "key" attribute with
// each edge label; a label may list alternatives separated by "|". A
// missing, empty or unmatched value selects the default ("_") edge, so a
// valid switch always routes somewhere declared. Other nodes take the
// first edge whose condition holds.
func Route(p *Pipeline, node *Node, snap map[string]any) (string, error) {
	edges := p.OutgoingEdges(node.ID)
	if len(edges) == 0 {
		return "", nil
	}
	if node.Type == NodeTypeSwitch {
		return routeSwitch(node, edges, snap)
	}
	for _, edge := range edges {
		if edge.IsDefault() {
			return edge.To, nil
		}
		ok, err := EvalCondition(edge.Condition, snap)
		if err != nil {
			return "", &Fault{Kind: FaultRouting, Node: node.ID,
				Err: fmt.Errorf("edge %q→%q: %w", edge.From, edge.To, err)}
		}
		if ok {
			return edge.To, nil
		}
	}
	return "", &Fault{Kind: FaultRouting, Node: node.ID,
		Err: fmt.Errorf("no outgoing edge condition matched for node %q", node.ID)}
}

func routeSwitch(node *Node, edges []*Edge, snap map[string]any) (string, error) {
	caseSensitive := node.Attrs["case_sensitive"] == "true"
	raw, ok := snap[node.Attrs["key"]]
	value := ""
	if ok {
		value = normalizeLabel(stringify(raw), caseSensitive)
	}

	var fallback string
	for _, edge := range edges {
		if edge.IsDefault() {
			if fallback == "" {
				fallback = edge.To
			}
			continue
		}
		if value == "" {
			continue
		}
		for _, alt := range strings.Split(edge.Condition, "|") {
			if normalizeLabel(alt, caseSensitive) == value {
				return edge.To, nil
			}
		}
	}
	if fallback == "" {
		return "", &Fault{Kind: FaultRouting, Node: node.ID,
			Err: fmt.Errorf("switch on %q: value %q matched no edge and there is no default", node.Attrs["key"], value)}
	}
	return fallback, nil
}

func normalizeLabel(s string, caseSensitive bool) string {
	s = strings.Trim(strings.TrimSpace(s), `"'`)
	if !caseSensitive {
		s = strings.ToLower(s)
	}
	return s
}

// Successors returns the IDs reachable in one hop from nodeID, in edge
// definition order and without duplicates.
func Successors(p *Pipeline, nodeID string) []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range p.OutgoingEdges(nodeID) {
		if seen[e.To] {
			continue
		}
		seen[e.To] = true
		out = append(out, e.To)
	}
	return out
}
