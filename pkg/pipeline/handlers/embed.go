package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ravi-parthasarathy/inferflow/pkg/embedding"
	"github.com/ravi-parthasarathy/inferflow/pkg/llm"
	"github.com/ravi-parthasarathy/inferflow/pkg/pipeline"
)

var errNoEmbedder = errors.New("no embedder configured")

// EmbedHandler turns the text or image under "source" into a vector stored
// under "key".
type EmbedHandler struct {
	Embedder embedding.Embedder
}

func (h *EmbedHandler) Handle(ctx context.Context, node *pipeline.Node, pctx *pipeline.PipelineContext) (pipeline.Update, error) {
	source, key := node.Attrs["source"], node.Attrs["key"]
	if source == "" || key == "" {
		return nil, fmt.Errorf("embed node %q: 'source' and 'key' attributes are required", node.ID)
	}

	var in embedding.Input
	switch v := valueOf(pctx, source).(type) {
	case llm.Image:
		in = embedding.Input{Image: v.Data, MediaType: v.MediaType}
	case *llm.Image:
		in = embedding.Input{Image: v.Data, MediaType: v.MediaType}
	case string:
		in = embedding.Input{Text: strings.TrimSpace(v)}
	case nil:
	default:
		return nil, pipeline.InputError(fmt.Errorf("embed node %q: cannot embed %T from %q", node.ID, v, source))
	}
	if in.Text == "" && !in.IsImage() {
		return nil, pipeline.InputError(fmt.Errorf("embed node %q: nothing to embed in %q", node.ID, source))
	}

	if h.Embedder == nil {
		return nil, pipeline.CollaboratorError(errNoEmbedder)
	}
	vec, err := h.Embedder.Embed(ctx, in)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, pipeline.CollaboratorError(fmt.Errorf("embed node %q: %s: %w", node.ID, h.Embedder.Model(), err))
	}
	return pipeline.Update{key: vec}, nil
}
