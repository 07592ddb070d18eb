package pipeline

import "context"

// Handler executes a pipeline node.
// Implementations live in the handlers sub-package; this interface is defined
// here so that Engine can use it without creating an import cycle.
type Handler interface {
	// Handle reads pctx and returns the fields the step produced. It must not
	// mutate pctx directly; the engine merges the returned Update.
	Handle(ctx context.Context, node *Node, pctx *PipelineContext) (Update, error)
}

// HandlerFunc adapts an ordinary function to the Handler interface.
type HandlerFunc func(ctx context.Context, node *Node, pctx *PipelineContext) (Update, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, node *Node, pctx *PipelineContext) (Update, error) {
	return f(ctx, node, pctx)
}

// HandlerRegistry looks up Handler implementations by node type.
type HandlerRegistry interface {
	Get(nodeType NodeType) (Handler, error)
}
