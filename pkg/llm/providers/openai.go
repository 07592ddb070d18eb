package providers

import (
	"context"
	"errors"
	"fmt"
	"os"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ravi-parthasarathy/inferflow/pkg/llm"
)

func init() {
	llm.RegisterProvider("openai", func(modelName string) (llm.Client, error) {
		return newOpenAIClient(modelName)
	})
}

type openaiClient struct {
	sdk       *openai.Client
	modelName string
}

// NewOpenAISDK builds a go-openai client from OPENAI_API_KEY, honouring
// OPENAI_BASE_URL for compatible gateways.
func NewOpenAISDK() (*openai.Client, error) {
	key := os.Getenv("OPENAI_API_KEY")
	if key == "" {
		return nil, fmt.Errorf("openai: OPENAI_API_KEY environment variable not set")
	}
	cfg := openai.DefaultConfig(key)
	if base := os.Getenv("OPENAI_BASE_URL"); base != "" {
		cfg.BaseURL = base
	}
	return openai.NewClientWithConfig(cfg), nil
}

func newOpenAIClient(modelName string) (*openaiClient, error) {
	sdk, err := NewOpenAISDK()
	if err != nil {
		return nil, err
	}
	return &openaiClient{sdk: sdk, modelName: modelName}, nil
}

// Complete performs a blocking generation.
func (c *openaiClient) Complete(ctx context.Context, req llm.GenerateRequest) (llm.GenerateResponse, error) {
	resp, err := c.sdk.CreateChatCompletion(ctx, buildOpenAIRequest(c.modelName, req))
	if err != nil {
		return llm.GenerateResponse{}, MapOpenAIError(err)
	}
	return convertOpenAIResponse(resp), nil
}

func buildOpenAIRequest(modelName string, req llm.GenerateRequest) openai.ChatCompletionRequest {
	maxTokens := 4096
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	system := req.System
	params := openai.ChatCompletionRequest{
		Model:     modelName,
		MaxTokens: maxTokens,
	}
	if req.Format == llm.FormatJSON {
		// JSON mode requires the word "JSON" somewhere in the messages.
		system = llm.SystemWithJSONHint(system)
		params.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	params.Messages = buildMessages(req.Messages, system)
	return params
}

// ─── message conversion ───────────────────────────────────────────────────────

// buildMessages converts unified messages to OpenAI's chat completion format.
// Messages carrying images use the multi-part content form.
func buildMessages(msgs []llm.Message, system string) []openai.ChatCompletionMessage {
	var out []openai.ChatCompletionMessage

	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, m := range msgs {
		switch m.Role {
		case llm.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: concatText(m.Content),
			})

		case llm.RoleUser:
			if !hasImages(m.Content) {
				out = append(out, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: concatText(m.Content),
				})
				continue
			}
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
			for _, b := range m.Content {
				switch b.Type {
				case llm.ContentTypeText:
					msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: b.Text,
					})
				case llm.ContentTypeImage:
					if b.Image != nil {
						msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
							Type:     openai.ChatMessagePartTypeImageURL,
							ImageURL: &openai.ChatMessageImageURL{URL: b.Image.DataURL()},
						})
					}
				}
			}
			out = append(out, msg)

		case llm.RoleAssistant:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: concatText(m.Content),
			})
		}
	}
	return out
}

// convertOpenAIResponse maps an OpenAI response to the unified GenerateResponse.
func convertOpenAIResponse(resp openai.ChatCompletionResponse) llm.GenerateResponse {
	var blocks []llm.ContentBlock
	stop := llm.StopReasonEndTurn
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		if choice.Message.Content != "" {
			blocks = append(blocks, llm.ContentBlock{
				Type: llm.ContentTypeText,
				Text: choice.Message.Content,
			})
		}
		if choice.FinishReason == openai.FinishReasonLength {
			stop = llm.StopReasonMaxTokens
		}
	}

	return llm.GenerateResponse{
		Content:    blocks,
		StopReason: stop,
		Usage: llm.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
}

// ─── error mapping ────────────────────────────────────────────────────────────

// MapOpenAIError converts go-openai errors into the llm error taxonomy.
func MapOpenAIError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		base := llm.LLMError{
			Code:    apiErr.HTTPStatusCode,
			Message: apiErr.Message,
			Cause:   err,
		}
		switch apiErr.HTTPStatusCode {
		case 429:
			return &llm.RateLimitError{LLMError: base}
		case 401, 403:
			return &llm.AuthError{LLMError: base}
		case 400:
			if apiErr.Code == "content_filter" {
				return &llm.ContentFilterError{LLMError: base}
			}
			return &llm.ContextLengthError{LLMError: base}
		case 500, 502, 503:
			return &llm.ServerError{LLMError: base}
		default:
			return &base
		}
	}
	return fmt.Errorf("openai: %w", err)
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func hasImages(blocks []llm.ContentBlock) bool {
	for _, b := range blocks {
		if b.Type == llm.ContentTypeImage && b.Image != nil {
			return true
		}
	}
	return false
}

func concatText(blocks []llm.ContentBlock) string {
	var s string
	for _, b := range blocks {
		if b.Type == llm.ContentTypeText {
			s += b.Text
		}
	}
	return s
}
