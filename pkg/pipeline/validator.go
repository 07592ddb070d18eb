package pipeline

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// LintError describes a structural problem in a pipeline.
type LintError struct {
	NodeID  string
	Message string
}

func (e LintError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("node %q: %s", e.NodeID, e.Message)
	}
	return e.Message
}

// nodeRequiredAttrs maps each node type to the list of attribute names that
// must be present (non-empty) in the DOT file.  The linter reports all
// missing attributes across all nodes before aborting.
var nodeRequiredAttrs = map[NodeType][]string{
	NodeTypeSet:        {"key"},
	NodeTypeSwitch:     {"key"},
	NodeTypePrompt:     {"prompt", "key"},
	NodeTypeClassify:   {"labels", "key"},
	NodeTypeJSONDecode: {"source"},
	NodeTypeLoadImage:  {"key"},
	NodeTypeEmbed:      {"source", "key"},
	NodeTypeSearch:     {"vector", "collection", "key"},
	NodeTypeVerifyLoop: {"prompt", "verify", "key", "max_attempts"},
}

// positiveIntAttrs lists attributes that must parse as integers > 0 when set.
var positiveIntAttrs = map[NodeType][]string{
	NodeTypePrompt:     {"max_tokens"},
	NodeTypeClassify:   {"max_tokens"},
	NodeTypeSearch:     {"k"},
	NodeTypeVerifyLoop: {"max_attempts", "max_tokens"},
}

// Validate checks a pipeline for structural correctness.
// Returns all discovered errors (not just the first), sorted for stable output.
func Validate(p *Pipeline) []LintError {
	var errs []LintError
	add := func(nodeID, format string, args ...any) {
		errs = append(errs, LintError{NodeID: nodeID, Message: fmt.Sprintf(format, args...)})
	}

	// Exactly one start node
	var startNodes []string
	for id, n := range p.Nodes {
		if n.Type == NodeTypeStart {
			startNodes = append(startNodes, id)
		}
	}
	switch len(startNodes) {
	case 0:
		add("", "pipeline must have exactly one start node")
	case 1:
	default:
		add("", "pipeline has %d start nodes; exactly one required", len(startNodes))
	}

	// At least one terminal, and terminals end the run.
	exits := p.Exits()
	if len(exits) == 0 {
		add("", "pipeline must have at least one exit node")
	}
	for _, id := range exits {
		if len(p.OutgoingEdges(id)) > 0 {
			add(id, "exit node must not have outgoing edges")
		}
	}

	// All edge endpoints must reference existing nodes
	for _, e := range p.Edges {
		if _, ok := p.Nodes[e.From]; !ok {
			add("", "edge references unknown source node %q", e.From)
		}
		if _, ok := p.Nodes[e.To]; !ok {
			add("", "edge references unknown target node %q", e.To)
		}
	}

	// All non-start nodes must be reachable from start. Error terminals are
	// entered by fault diversion rather than by edges.
	if len(startNodes) == 1 {
		reachable := reachableFrom(p, startNodes[0])
		errorExits := map[string]bool{p.Attr("error_exit"): true}
		for _, n := range p.Nodes {
			errorExits[n.Attrs["on_error"]] = true
		}
		for id := range p.Nodes {
			if id == startNodes[0] || reachable[id] {
				continue
			}
			if errorExits[id] && p.IsExit(id) {
				continue
			}
			add(id, "node is not reachable from start")
		}
	}

	if cycle := findCycle(p); len(cycle) > 0 {
		add("", "pipeline must be acyclic; found cycle %s", strings.Join(cycle, " -> "))
	}

	for id, n := range p.Nodes {
		if n.Type == NodeTypeExit {
			continue
		}
		edges := p.OutgoingEdges(id)
		if len(edges) == 0 {
			add(id, "non-exit node has no outgoing edges")
			continue
		}
		if n.Type == NodeTypeSwitch {
			errs = append(errs, lintSwitch(n, edges)...)
			continue
		}
		for i, e := range edges {
			if e.IsDefault() && i != len(edges)-1 {
				add(id, "unconditional edge to %q must be the last outgoing edge", e.To)
			}
		}
	}

	if id := p.Attr("error_exit"); id != "" && !p.IsExit(id) {
		add("", "error_exit %q is not an exit node", id)
	}
	for id, n := range p.Nodes {
		if target := n.Attrs["on_error"]; target != "" && !p.IsExit(target) {
			add(id, "on_error %q is not an exit node", target)
		}
	}

	for _, n := range p.Nodes {
		errs = append(errs, ValidateNode(n)...)
	}

	sort.SliceStable(errs, func(i, j int) bool {
		if errs[i].NodeID != errs[j].NodeID {
			return errs[i].NodeID < errs[j].NodeID
		}
		return errs[i].Message < errs[j].Message
	})
	return errs
}

// lintSwitch checks that a switch node is total: exactly one default edge
// and a non-empty, unique label on every other edge.
func lintSwitch(n *Node, edges []*Edge) []LintError {
	var errs []LintError
	defaults := 0
	seen := map[string]string{}
	caseSensitive := n.Attrs["case_sensitive"] == "true"
	for _, e := range edges {
		if e.IsDefault() {
			defaults++
			continue
		}
		for _, alt := range strings.Split(e.Condition, "|") {
			label := normalizeLabel(alt, caseSensitive)
			if label == "" {
				errs = append(errs, LintError{NodeID: n.ID, Message: fmt.Sprintf("switch edge to %q has an empty label", e.To)})
				continue
			}
			if prev, dup := seen[label]; dup && prev != e.To {
				errs = append(errs, LintError{NodeID: n.ID, Message: fmt.Sprintf("switch label %q routes to both %q and %q", label, prev, e.To)})
			}
			seen[label] = e.To
		}
	}
	switch defaults {
	case 0:
		errs = append(errs, LintError{NodeID: n.ID, Message: "switch node needs a default (_) edge"})
	case 1:
	default:
		errs = append(errs, LintError{NodeID: n.ID, Message: fmt.Sprintf("switch node has %d default edges; exactly one required", defaults)})
	}
	return errs
}

// ValidateNode checks a single node's required attributes and returns any
// lint errors.  This is a convenience helper used in tests and by Validate.
func ValidateNode(n *Node) []LintError {
	var errs []LintError
	for _, attr := range nodeRequiredAttrs[n.Type] {
		if n.Attrs[attr] == "" {
			errs = append(errs, LintError{
				NodeID:  n.ID,
				Message: fmt.Sprintf("missing required attribute %q for node type %q", attr, n.Type),
			})
		}
	}
	for _, attr := range positiveIntAttrs[n.Type] {
		raw := n.Attrs[attr]
		if raw == "" {
			continue
		}
		if v, err := strconv.Atoi(raw); err != nil || v <= 0 {
			errs = append(errs, LintError{
				NodeID:  n.ID,
				Message: fmt.Sprintf("attribute %q must be a positive integer, got %q", attr, raw),
			})
		}
	}
	return errs
}

// ValidateErr calls Validate and returns nil if there are no errors, or a
// combined error message listing all lint errors.
func ValidateErr(p *Pipeline) error {
	errs := Validate(p)
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("pipeline validation failed:\n  %s", strings.Join(msgs, "\n  "))
}

// reachableFrom returns the set of node IDs reachable from start via directed edges.
func reachableFrom(p *Pipeline, start string) map[string]bool {
	visited := map[string]bool{}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		for _, e := range p.OutgoingEdges(cur) {
			queue = append(queue, e.To)
		}
	}
	return visited
}

// findCycle returns the node IDs along one cycle, or nil if the graph is a DAG.
func findCycle(p *Pipeline) []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(p.Nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)
		for _, e := range p.OutgoingEdges(id) {
			switch color[e.To] {
			case grey:
				for i, s := range stack {
					if s == e.To {
						cycle = append(append([]string(nil), stack[i:]...), e.To)
						return true
					}
				}
			case white:
				if visit(e.To) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range p.nodeIDs() {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}
