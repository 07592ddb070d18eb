package pipeline

import "strings"

// ApplyStylesheet resolves model_stylesheet rules into each node's "model"
// attribute. A model set directly on a node always wins; among rules, id[]
// beats type[] beats *, and a later rule beats an earlier one of the same
// specificity.
func ApplyStylesheet(p *Pipeline) {
	if p.Stylesheet == nil {
		return
	}
	for _, node := range p.Nodes {
		if node.Attrs["model"] != "" {
			continue
		}
		best, bestRank := "", 0
		for _, rule := range p.Stylesheet.Rules {
			rank := selectorRank(rule.Selector, node)
			if rank == 0 || rule.Model == "" || rank < bestRank {
				continue
			}
			best, bestRank = rule.Model, rank
		}
		if best == "" {
			continue
		}
		if node.Attrs == nil {
			node.Attrs = make(map[string]string)
		}
		node.Attrs["model"] = best
	}
}

// selectorRank returns 0 when selector does not match node, otherwise its
// specificity. Supported selectors:
//   - "*"              all nodes
//   - "type[classify]" nodes with type == classify
//   - "id[detect]"     the node with id == detect
func selectorRank(selector string, node *Node) int {
	selector = strings.TrimSpace(selector)
	if selector == "*" {
		return 1
	}
	if want, ok := bracketed(selector, "type["); ok && string(node.Type) == want {
		return 2
	}
	if want, ok := bracketed(selector, "id["); ok && node.ID == want {
		return 3
	}
	return 0
}

func bracketed(selector, prefix string) (string, bool) {
	if !strings.HasPrefix(selector, prefix) || !strings.HasSuffix(selector, "]") {
		return "", false
	}
	return selector[len(prefix) : len(selector)-1], true
}
