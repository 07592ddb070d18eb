package pipeline

import "sort"

// NodeType identifies the kind of work a node performs.
type NodeType string

const (
	NodeTypeStart      NodeType = "start"
	NodeTypeExit       NodeType = "exit"
	NodeTypeSet        NodeType = "set"
	NodeTypeSwitch     NodeType = "switch"
	NodeTypePrompt     NodeType = "prompt"
	NodeTypeClassify   NodeType = "classify"
	NodeTypeJSONDecode NodeType = "json_decode"
	NodeTypeLoadImage  NodeType = "load_image"
	NodeTypeEmbed      NodeType = "embed"
	NodeTypeSearch     NodeType = "search"
	NodeTypeVerifyLoop NodeType = "verify_loop"
)

// Node represents a single step in the pipeline graph.
type Node struct {
	ID    string
	Type  NodeType
	Attrs map[string]string // all DOT attributes
}

// Edge is a directed connection between two nodes.
type Edge struct {
	From      string
	To        string
	Condition string // empty or "_" means unconditional / default
}

// IsDefault reports whether the edge carries no condition.
func (e *Edge) IsDefault() bool {
	return e.Condition == "" || e.Condition == "_"
}

// Pipeline is the parsed representation of a .dot pipeline file.
// It is immutable once handed to NewEngine and may be shared across
// concurrent invocations.
type Pipeline struct {
	Name       string
	Nodes      map[string]*Node
	Edges      []*Edge
	Attrs      map[string]string // graph-level attributes
	Stylesheet *Stylesheet
}

// OutgoingEdges returns all edges leaving nodeID, in definition order.
func (p *Pipeline) OutgoingEdges(nodeID string) []*Edge {
	var out []*Edge
	for _, e := range p.Edges {
		if e.From == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// IncomingEdges returns all edges arriving at nodeID.
func (p *Pipeline) IncomingEdges(nodeID string) []*Edge {
	var out []*Edge
	for _, e := range p.Edges {
		if e.To == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// StartNode returns the ID of the entry step, or "" if there is none.
func (p *Pipeline) StartNode() string {
	for _, id := range p.nodeIDs() {
		if p.Nodes[id].Type == NodeTypeStart {
			return id
		}
	}
	return ""
}

// Exits returns the IDs of all terminal steps in sorted order.
func (p *Pipeline) Exits() []string {
	var out []string
	for _, id := range p.nodeIDs() {
		if p.Nodes[id].Type == NodeTypeExit {
			out = append(out, id)
		}
	}
	return out
}

// IsExit reports whether id names a terminal step.
func (p *Pipeline) IsExit(id string) bool {
	n, ok := p.Nodes[id]
	return ok && n.Type == NodeTypeExit
}

// Attr returns a graph-level attribute.
func (p *Pipeline) Attr(key string) string {
	if p.Attrs == nil {
		return ""
	}
	return p.Attrs[key]
}

func (p *Pipeline) nodeIDs() []string {
	ids := make([]string, 0, len(p.Nodes))
	for id := range p.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stylesheet holds CSS-like model configuration rules.
type Stylesheet struct {
	Rules []StyleRule
}

// StyleRule applies model settings to nodes matching a selector.
type StyleRule struct {
	Selector string // e.g. "type[classify]", "id[detect]" or "*"
	Model    string
}
