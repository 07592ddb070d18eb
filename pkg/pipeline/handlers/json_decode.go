package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/ravi-parthasarathy/inferflow/pkg/llm"
	"github.com/ravi-parthasarathy/inferflow/pkg/pipeline"
)

// JSONDecodeHandler unpacks a JSON object stored in a context key into
// individual context keys, optionally prefixed.
//
// Model answers are accepted with code fences or surrounding prose. Values
// keep their JSON types; null and empty strings are skipped so downstream
// routing sees them as absent. "fields" limits which keys are copied and
// "required" lists keys that must be present, or the answer counts as
// malformed.
type JSONDecodeHandler struct{}

func (h *JSONDecodeHandler) Handle(_ context.Context, node *pipeline.Node, pctx *pipeline.PipelineContext) (pipeline.Update, error) {
	source := node.Attrs["source"]
	if source == "" {
		return nil, fmt.Errorf("json_decode node %q: missing 'source' attribute", node.ID)
	}
	prefix := node.Attrs["prefix"]
	required := splitAttr(node.Attrs["required"])

	raw := stringValue(valueOf(pctx, source))
	if strings.TrimSpace(raw) == "" {
		if len(required) > 0 {
			return nil, pipeline.CollaboratorError(&llm.MalformedOutputError{
				Raw: raw,
				Err: fmt.Errorf("json_decode node %q: %q is empty", node.ID, source),
			})
		}
		// An empty source decodes to nothing.
		return nil, nil
	}

	obj, err := llm.DecodeObject(raw)
	if err != nil {
		return nil, pipeline.CollaboratorError(fmt.Errorf("json_decode node %q: %q: %w", node.ID, source, err))
	}

	var allowed map[string]bool
	if fields := splitAttr(node.Attrs["fields"]); len(fields) > 0 {
		allowed = make(map[string]bool, len(fields))
		for _, f := range fields {
			allowed[f] = true
		}
	}

	update := pipeline.Update{}
	for k, v := range obj {
		if allowed != nil && !allowed[k] {
			continue
		}
		if s, ok := v.(string); v == nil || ok && strings.TrimSpace(s) == "" {
			continue
		}
		update[prefix+k] = v
	}
	for _, k := range required {
		if _, ok := update[prefix+k]; !ok {
			return nil, pipeline.CollaboratorError(&llm.MalformedOutputError{
				Raw: raw,
				Err: fmt.Errorf("json_decode node %q: required field %q missing", node.ID, k),
			})
		}
	}
	return update, nil
}
