package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ravi-parthasarathy/inferflow/pkg/pipeline"
)

// StartHandler checks that the caller supplied every input named in the
// "require" attribute and stamps the run's start time.
type StartHandler struct{}

func (h *StartHandler) Handle(_ context.Context, node *pipeline.Node, pctx *pipeline.PipelineContext) (pipeline.Update, error) {
	var missing []string
	for _, key := range splitAttr(node.Attrs["require"]) {
		if !pipeline.Truthy(valueOf(pctx, key)) {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, pipeline.InputError(fmt.Errorf("missing required input: %s", strings.Join(missing, ", ")))
	}
	return pipeline.Update{pipeline.KeyStartTime: time.Now().UTC().Format(time.RFC3339)}, nil
}
