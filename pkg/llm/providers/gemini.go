package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/ravi-parthasarathy/inferflow/pkg/llm"
)

func init() {
	llm.RegisterProvider("gemini", func(modelName string) (llm.Client, error) {
		return newGeminiClient(modelName)
	})
}

type geminiClient struct {
	sdk       *genai.Client
	modelName string
}

func newGeminiClient(modelName string) (*geminiClient, error) {
	key := os.Getenv("GEMINI_API_KEY")
	if key == "" {
		return nil, fmt.Errorf("gemini: GEMINI_API_KEY environment variable not set")
	}
	// genai.NewClient requires a context; use Background for construction.
	sdk, err := genai.NewClient(context.Background(), option.WithAPIKey(key))
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &geminiClient{sdk: sdk, modelName: modelName}, nil
}

// Complete performs a blocking generation.
func (c *geminiClient) Complete(ctx context.Context, req llm.GenerateRequest) (llm.GenerateResponse, error) {
	model := c.sdk.GenerativeModel(c.modelName)
	if err := configureModel(model, req); err != nil {
		return llm.GenerateResponse{}, fmt.Errorf("gemini: %w", err)
	}

	// Split history (all messages except last) from the final user message.
	history, lastContent := buildContents(req.Messages)
	if lastContent == nil {
		return llm.GenerateResponse{}, fmt.Errorf("gemini: no user message to send")
	}

	cs := model.StartChat()
	cs.History = history
	apiResp, err := cs.SendMessage(ctx, lastContent.Parts...)
	if err != nil {
		return llm.GenerateResponse{}, mapGeminiError(err)
	}
	return convertGeminiResponse(apiResp), nil
}

// configureModel applies per-request generation settings to model.
func configureModel(model *genai.GenerativeModel, req llm.GenerateRequest) error {
	if req.MaxTokens > 0 {
		n := int32(req.MaxTokens)
		model.MaxOutputTokens = &n
	}

	// System prompt goes to SystemInstruction, not the message history.
	system := req.System
	for _, m := range req.Messages {
		if m.Role == llm.RoleSystem {
			system = joinSystem(system, concatText(m.Content))
		}
	}
	if system != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(system)},
		}
	}

	if req.Format == llm.FormatJSON {
		model.ResponseMIMEType = "application/json"
		if len(req.Schema) > 0 {
			schema, err := jsonSchemaToGenai(req.Schema)
			if err != nil {
				return err
			}
			model.ResponseSchema = schema
		}
	}
	return nil
}

// ─── message translation ─────────────────────────────────────────────────────

// buildContents translates unified messages into Gemini's format.
// History contains all messages except the last one; the last message is
// returned separately for use with cs.SendMessage().
func buildContents(msgs []llm.Message) ([]*genai.Content, *genai.Content) {
	var contents []*genai.Content
	for _, m := range msgs {
		if c := messageToContent(m); c != nil {
			contents = append(contents, c)
		}
	}
	if len(contents) == 0 {
		return nil, nil
	}
	return contents[:len(contents)-1], contents[len(contents)-1]
}

// messageToContent converts a single unified Message to a *genai.Content.
// System messages are handled via SystemInstruction and yield nil.
func messageToContent(m llm.Message) *genai.Content {
	var role string
	switch m.Role {
	case llm.RoleUser:
		role = "user"
	case llm.RoleAssistant:
		role = "model"
	default:
		return nil
	}
	var parts []genai.Part
	for _, b := range m.Content {
		switch b.Type {
		case llm.ContentTypeText:
			if b.Text != "" {
				parts = append(parts, genai.Text(b.Text))
			}
		case llm.ContentTypeImage:
			if b.Image != nil {
				parts = append(parts, genai.ImageData(b.Image.Format(), b.Image.Data))
			}
		}
	}
	if len(parts) == 0 {
		return nil
	}
	return &genai.Content{Role: role, Parts: parts}
}

// ─── schema translation ──────────────────────────────────────────────────────

// jsonSchemaToGenai converts a JSON Schema (as raw bytes) to a *genai.Schema.
// It handles the common cases: object, string, integer, number, boolean, array.
func jsonSchemaToGenai(raw []byte) (*genai.Schema, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("response schema: %w", err)
	}
	return mapToGenaiSchema(m), nil
}

func mapToGenaiSchema(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}
	s := &genai.Schema{}

	if t, ok := m["type"].(string); ok {
		switch t {
		case "object":
			s.Type = genai.TypeObject
		case "string":
			s.Type = genai.TypeString
		case "integer":
			s.Type = genai.TypeInteger
		case "number":
			s.Type = genai.TypeNumber
		case "boolean":
			s.Type = genai.TypeBoolean
		case "array":
			s.Type = genai.TypeArray
		default:
			s.Type = genai.TypeUnspecified
		}
	}

	if d, ok := m["description"].(string); ok {
		s.Description = d
	}

	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for k, v := range props {
			if vm, ok := v.(map[string]any); ok {
				s.Properties[k] = mapToGenaiSchema(vm)
			}
		}
	}

	if req, ok := m["required"].([]any); ok {
		for _, r := range req {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}

	if items, ok := m["items"].(map[string]any); ok {
		s.Items = mapToGenaiSchema(items)
	}

	if enum, ok := m["enum"].([]any); ok {
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}

	return s
}

// ─── response conversion ─────────────────────────────────────────────────────

func convertGeminiResponse(resp *genai.GenerateContentResponse) llm.GenerateResponse {
	var blocks []llm.ContentBlock
	stopReason := llm.StopReasonEndTurn

	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if v, ok := part.(genai.Text); ok && string(v) != "" {
					blocks = append(blocks, llm.ContentBlock{
						Type: llm.ContentTypeText,
						Text: string(v),
					})
				}
			}
		}
		if cand.FinishReason == genai.FinishReasonMaxTokens {
			stopReason = llm.StopReasonMaxTokens
		}
	}

	var usage llm.Usage
	if resp.UsageMetadata != nil {
		usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	return llm.GenerateResponse{
		Content:    blocks,
		StopReason: stopReason,
		Usage:      usage,
	}
}

// ─── error mapping ────────────────────────────────────────────────────────────

func mapGeminiError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		base := llm.LLMError{
			Code:    apiErr.Code,
			Message: apiErr.Message,
			Cause:   err,
		}
		switch apiErr.Code {
		case 429:
			return &llm.RateLimitError{LLMError: base}
		case 401, 403:
			return &llm.AuthError{LLMError: base}
		case 400:
			return &llm.ContextLengthError{LLMError: base}
		case 500, 502, 503:
			return &llm.ServerError{LLMError: base}
		default:
			return &base
		}
	}
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return &llm.ContentFilterError{LLMError: llm.LLMError{Message: blocked.Error(), Cause: err}}
	}
	return fmt.Errorf("gemini: %w", err)
}
