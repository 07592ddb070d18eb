package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ravi-parthasarathy/inferflow/pkg/llm"
	"github.com/ravi-parthasarathy/inferflow/pkg/pipeline"
)

// FallbackLabel is written when no declared label can be read from the
// answer. Switches route it to their default edge.
const FallbackLabel = "unknown"

// ClassifyHandler reduces text to one label of a fixed set.
//
// The text is either an existing context value (source) or the answer to a
// fresh model call built from the prompt attributes. The label is read with
// llm.ParseLabel and stored under key, with the parse tier under
// "<key>_tier". An answer that names no label is stored as the fallback
// label, not reported as a fault.
type ClassifyHandler struct {
	Models llm.Resolver
}

func (h *ClassifyHandler) Handle(ctx context.Context, node *pipeline.Node, pctx *pipeline.PipelineContext) (pipeline.Update, error) {
	key := node.Attrs["key"]
	if key == "" {
		return nil, fmt.Errorf("classify node %q: missing 'key' attribute", node.ID)
	}
	labels, err := llm.ParseLabels(node.Attrs["labels"])
	if err != nil {
		return nil, fmt.Errorf("classify node %q: %w", node.ID, err)
	}
	field := node.Attrs["field"]
	if field == "" {
		field = key
	}
	fallback := node.Attrs["fallback"]
	if fallback == "" {
		fallback = FallbackLabel
	}

	update := pipeline.Update{}
	var text string
	if source := node.Attrs["source"]; source != "" {
		text = stringValue(valueOf(pctx, source))
	} else {
		call, err := newModelCall(node, pctx, pctx.Snapshot(), "prompt")
		if err != nil {
			return nil, err
		}
		if text, err = call.run(ctx, h.Models, node); err != nil {
			return nil, err
		}
		update[key+"_raw"] = text
	}

	label, tier, err := llm.ParseLabel(text, field, labels)
	switch {
	case errors.Is(err, llm.ErrNoLabel):
		slog.Info("no label in answer", "node", node.ID, "fallback", fallback)
		label = fallback
	case err != nil:
		return nil, pipeline.CollaboratorError(fmt.Errorf("classify node %q: %w", node.ID, err))
	}
	update[key] = label
	update[key+"_tier"] = tier.String()
	return update, nil
}

func valueOf(pctx *pipeline.PipelineContext, key string) any {
	v, _ := pctx.Get(key)
	return v
}
