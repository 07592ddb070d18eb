package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ravi-parthasarathy/inferflow/pkg/llm"
	"github.com/ravi-parthasarathy/inferflow/pkg/pipeline"
)

const defaultPromptMaxTokens = 1024

// errNoModels is returned when a model step runs without a resolver.
var errNoModels = errors.New("no model resolver configured")

// PromptHandler performs a single-turn model call and stores the text
// response in the context key named by the node's "key" attribute.
//
// Attributes: prompt (template, required), key (required), system
// (template), image (context key of a loaded image), format (text or
// json), schema (JSON Schema for json format), model, max_tokens.
type PromptHandler struct {
	Models llm.Resolver
}

func (h *PromptHandler) Handle(ctx context.Context, node *pipeline.Node, pctx *pipeline.PipelineContext) (pipeline.Update, error) {
	key := node.Attrs["key"]
	if key == "" {
		return nil, fmt.Errorf("prompt node %q: missing 'key' attribute", node.ID)
	}
	call, err := newModelCall(node, pctx, pctx.Snapshot(), "prompt")
	if err != nil {
		return nil, err
	}
	output, err := call.run(ctx, h.Models, node)
	if err != nil {
		return nil, err
	}
	return pipeline.Update{key: output}, nil
}

// modelCall is one rendered request to the generative model.
type modelCall struct {
	model     string
	system    string
	prompt    string
	image     *llm.Image
	format    llm.ResponseFormat
	schema    []byte
	maxTokens int
}

// newModelCall renders the template in node.Attrs[promptAttr] and the
// shared model attributes against data.
func newModelCall(node *pipeline.Node, pctx *pipeline.PipelineContext, data map[string]any, promptAttr string) (*modelCall, error) {
	promptTpl := node.Attrs[promptAttr]
	if promptTpl == "" {
		return nil, fmt.Errorf("%s node %q: missing '%s' attribute", node.Type, node.ID, promptAttr)
	}
	rendered, err := renderTemplate(promptTpl, data)
	if err != nil {
		return nil, fmt.Errorf("%s node %q: template error: %w", node.Type, node.ID, err)
	}
	system, err := renderTemplate(node.Attrs["system"], data)
	if err != nil {
		return nil, fmt.Errorf("%s node %q: system template error: %w", node.Type, node.ID, err)
	}
	format, err := llm.ParseResponseFormat(node.Attrs["format"])
	if err != nil {
		return nil, fmt.Errorf("%s node %q: %w", node.Type, node.ID, err)
	}
	maxTokens, err := intAttr(node, "max_tokens", defaultPromptMaxTokens)
	if err != nil {
		return nil, err
	}
	call := &modelCall{
		model:     node.Attrs["model"],
		system:    system,
		prompt:    rendered,
		format:    format,
		maxTokens: maxTokens,
	}
	if s := node.Attrs["schema"]; s != "" {
		call.schema = []byte(s)
	}
	if key := node.Attrs["image"]; key != "" {
		if call.image, err = imageFrom(pctx, key); err != nil {
			return nil, err
		}
	}
	return call, nil
}

func (c *modelCall) request() llm.GenerateRequest {
	msg := llm.TextMessage(llm.RoleUser, c.prompt)
	if c.image != nil {
		msg = llm.ImageMessage(c.prompt, *c.image)
	}
	return llm.GenerateRequest{
		Model:     c.model,
		Messages:  []llm.Message{msg},
		System:    c.system,
		MaxTokens: c.maxTokens,
		Format:    c.format,
		Schema:    c.schema,
	}
}

// run sends the call and returns the response text. Every failure is a
// collaborator fault.
func (c *modelCall) run(ctx context.Context, models llm.Resolver, node *pipeline.Node) (string, error) {
	if models == nil {
		return "", pipeline.CollaboratorError(errNoModels)
	}
	client, err := models.Client(c.model)
	if err != nil {
		return "", pipeline.CollaboratorError(fmt.Errorf("%s node %q: create LLM client: %w", node.Type, node.ID, err))
	}
	resp, err := client.Complete(ctx, c.request())
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		return "", pipeline.CollaboratorError(fmt.Errorf("%s node %q: LLM call: %w", node.Type, node.ID, err))
	}
	if resp.StopReason == llm.StopReasonMaxTokens {
		slog.Warn("model output truncated", "node", node.ID, "max_tokens", c.maxTokens)
	}
	return resp.Text(), nil
}
