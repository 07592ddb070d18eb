package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/ravi-parthasarathy/inferflow/pkg/pipeline"
	"github.com/ravi-parthasarathy/inferflow/pkg/vectorstore"
)

const defaultSearchK = 3

var errNoIndex = errors.New("no vector index configured")

// SearchHandler queries a collection with the vector under "vector" and
// stores up to k matches, nearest first, under "key" and their number under
// "<key>_count". A missing collection is a collaborator fault: collections
// are built out of band, so the run cannot repair it.
type SearchHandler struct {
	Index vectorstore.Index
}

func (h *SearchHandler) Handle(ctx context.Context, node *pipeline.Node, pctx *pipeline.PipelineContext) (pipeline.Update, error) {
	vectorKey, collection, key := node.Attrs["vector"], node.Attrs["collection"], node.Attrs["key"]
	if vectorKey == "" || collection == "" || key == "" {
		return nil, fmt.Errorf("search node %q: 'vector', 'collection' and 'key' attributes are required", node.ID)
	}
	k, err := intAttr(node, "k", defaultSearchK)
	if err != nil {
		return nil, err
	}

	var vec []float32
	switch v := valueOf(pctx, vectorKey).(type) {
	case []float32:
		vec = v
	case []float64:
		vec = make([]float32, len(v))
		for i, x := range v {
			vec[i] = float32(x)
		}
	default:
		return nil, fmt.Errorf("search node %q: %q holds %T, not a vector", node.ID, vectorKey, v)
	}

	if h.Index == nil {
		return nil, pipeline.CollaboratorError(errNoIndex)
	}
	matches, err := h.Index.Query(ctx, collection, vec, k)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, pipeline.CollaboratorError(fmt.Errorf("search node %q: %w", node.ID, err))
	}
	return pipeline.Update{key: matches, key + "_count": len(matches)}, nil
}
