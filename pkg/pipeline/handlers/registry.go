package handlers

import (
	"fmt"

	"github.com/ravi-parthasarathy/inferflow/pkg/embedding"
	"github.com/ravi-parthasarathy/inferflow/pkg/llm"
	"github.com/ravi-parthasarathy/inferflow/pkg/pipeline"
	"github.com/ravi-parthasarathy/inferflow/pkg/vectorstore"
)

// Deps are the collaborators shared by every step of every run. They are
// built once by the host process and must be safe for concurrent use.
type Deps struct {
	Models   llm.Resolver
	Embedder embedding.Embedder
	Index    vectorstore.Index
}

// Registry maps node types to Handler implementations.
// It implements the pipeline.HandlerRegistry interface.
type Registry struct {
	handlers map[pipeline.NodeType]pipeline.Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[pipeline.NodeType]pipeline.Handler)}
}

// Default returns a Registry with every built-in step wired to deps.
func Default(deps Deps) *Registry {
	r := NewRegistry()
	r.Register(pipeline.NodeTypeStart, &StartHandler{})
	r.Register(pipeline.NodeTypeSet, &SetHandler{})
	r.Register(pipeline.NodeTypeSwitch, &SwitchHandler{})
	r.Register(pipeline.NodeTypeLoadImage, &LoadImageHandler{})
	r.Register(pipeline.NodeTypePrompt, &PromptHandler{Models: deps.Models})
	r.Register(pipeline.NodeTypeClassify, &ClassifyHandler{Models: deps.Models})
	r.Register(pipeline.NodeTypeJSONDecode, &JSONDecodeHandler{})
	r.Register(pipeline.NodeTypeEmbed, &EmbedHandler{Embedder: deps.Embedder})
	r.Register(pipeline.NodeTypeSearch, &SearchHandler{Index: deps.Index})
	r.Register(pipeline.NodeTypeVerifyLoop, &VerifyLoopHandler{Models: deps.Models})
	r.Register(pipeline.NodeTypeExit, &ExitHandler{})
	return r
}

// Register associates a handler with a node type.
func (r *Registry) Register(nodeType pipeline.NodeType, h pipeline.Handler) {
	r.handlers[nodeType] = h
}

// Get returns the handler for a node type, or an error if not registered.
func (r *Registry) Get(nodeType pipeline.NodeType) (pipeline.Handler, error) {
	h, ok := r.handlers[nodeType]
	if !ok {
		return nil, fmt.Errorf("no handler registered for node type %q", nodeType)
	}
	return h, nil
}
