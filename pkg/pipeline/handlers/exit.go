package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/ravi-parthasarathy/inferflow/pkg/pipeline"
)

// ExitHandler assembles the run's final answer.
//
// The text comes from the assembler named by the "assembler" attribute or
// from the "template" attribute rendered against the context. A run that
// recorded a fault is answered by the error assembler unless the named
// assembler handles faults itself. The "status" attribute overrides the
// status of a fault-free run.
type ExitHandler struct{}

func (h *ExitHandler) Handle(_ context.Context, node *pipeline.Node, pctx *pipeline.PipelineContext) (pipeline.Update, error) {
	f := facts(pctx.Snapshot())

	var result, status string
	switch tpl, name := node.Attrs["template"], node.Attrs["assembler"]; {
	case name != "":
		a, ok := assemblers[name]
		if !ok {
			return nil, fmt.Errorf("exit node %q: unknown assembler %q", node.ID, name)
		}
		result, status = a(f)
	case f.failed():
		result, status = assembleError(f)
	case tpl != "":
		out, err := renderTemplate(tpl, f)
		if err != nil {
			return nil, fmt.Errorf("exit node %q: template error: %w", node.ID, err)
		}
		result, status = out, pipeline.StatusSuccess
	default:
		status = pipeline.StatusSuccess
	}
	if s := node.Attrs["status"]; s != "" && status != pipeline.StatusError {
		status = s
	}

	u := pipeline.Update{
		pipeline.KeyStatus:   status,
		pipeline.KeyExitTime: time.Now().UTC().Format(time.RFC3339),
	}
	if result != "" {
		u[pipeline.KeyResult] = result
	}
	return u, nil
}
