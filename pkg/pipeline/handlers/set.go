package handlers

import (
	"context"
	"fmt"

	"github.com/ravi-parthasarathy/inferflow/pkg/pipeline"
)

// SetHandler evaluates the node's "value" attribute as a Go template and stores
// the result under the node's "key" attribute in the context.
type SetHandler struct{}

func (h *SetHandler) Handle(_ context.Context, node *pipeline.Node, pctx *pipeline.PipelineContext) (pipeline.Update, error) {
	key := node.Attrs["key"]
	valueTpl := node.Attrs["value"]
	if key == "" {
		return nil, fmt.Errorf("set node %q: missing 'key' attribute", node.ID)
	}
	val, err := renderTemplate(valueTpl, pctx.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("set node %q: template error: %w", node.ID, err)
	}
	return pipeline.Update{key: val}, nil
}
