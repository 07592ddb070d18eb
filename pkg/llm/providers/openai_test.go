package providers

import (
	"context"
	"errors"
	"os"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ravi-parthasarathy/inferflow/pkg/llm"
)

// ─── TestBuildMessages ────────────────────────────────────────────────────────

func TestBuildMessages_UserText(t *testing.T) {
	msgs := []llm.Message{
		llm.TextMessage(llm.RoleUser, "hello"),
	}
	out := buildMessages(msgs, "")
	if len(out) != 1 {
		t.Fatalf("want 1 message, got %d", len(out))
	}
	if out[0].Role != openai.ChatMessageRoleUser {
		t.Errorf("role: want %q, got %q", openai.ChatMessageRoleUser, out[0].Role)
	}
	if out[0].Content != "hello" {
		t.Errorf("content: want %q, got %q", "hello", out[0].Content)
	}
	if out[0].MultiContent != nil {
		t.Errorf("text-only message should not use MultiContent")
	}
}

func TestBuildMessages_SystemPrepend(t *testing.T) {
	msgs := []llm.Message{
		llm.TextMessage(llm.RoleUser, "hi"),
	}
	out := buildMessages(msgs, "you are helpful")
	if len(out) != 2 {
		t.Fatalf("want 2 messages, got %d", len(out))
	}
	if out[0].Role != openai.ChatMessageRoleSystem {
		t.Errorf("first role: want system, got %q", out[0].Role)
	}
	if out[0].Content != "you are helpful" {
		t.Errorf("system content: want %q, got %q", "you are helpful", out[0].Content)
	}
	if out[1].Role != openai.ChatMessageRoleUser {
		t.Errorf("second role: want user, got %q", out[1].Role)
	}
}

func TestBuildMessages_Image(t *testing.T) {
	img := llm.Image{MediaType: "image/jpeg", Data: []byte{0xff, 0xd8}}
	out := buildMessages([]llm.Message{llm.ImageMessage("what food is this?", img)}, "")
	if len(out) != 1 {
		t.Fatalf("want 1 message, got %d", len(out))
	}
	parts := out[0].MultiContent
	if len(parts) != 2 {
		t.Fatalf("want 2 parts, got %d", len(parts))
	}
	if parts[0].Type != openai.ChatMessagePartTypeImageURL || parts[0].ImageURL == nil {
		t.Fatalf("first part: want image_url, got %+v", parts[0])
	}
	if parts[0].ImageURL.URL != "data:image/jpeg;base64,/9g=" {
		t.Errorf("image URL = %q", parts[0].ImageURL.URL)
	}
	if parts[1].Type != openai.ChatMessagePartTypeText || parts[1].Text != "what food is this?" {
		t.Errorf("second part = %+v", parts[1])
	}
	if out[0].Content != "" {
		t.Errorf("Content must be empty when MultiContent is set, got %q", out[0].Content)
	}
}

func TestBuildOpenAIRequest_JSONFormat(t *testing.T) {
	req := buildOpenAIRequest("gpt-4o", llm.GenerateRequest{
		Messages: []llm.Message{llm.TextMessage(llm.RoleUser, "list ingredients")},
		Format:   llm.FormatJSON,
	})
	if req.ResponseFormat == nil || req.ResponseFormat.Type != openai.ChatCompletionResponseFormatTypeJSONObject {
		t.Fatalf("ResponseFormat = %+v, want json_object", req.ResponseFormat)
	}
	if req.Messages[0].Role != openai.ChatMessageRoleSystem {
		t.Errorf("JSON mode should add a system hint, got %+v", req.Messages[0])
	}
	if req.MaxTokens != 4096 {
		t.Errorf("MaxTokens = %d, want default 4096", req.MaxTokens)
	}
}

func TestBuildOpenAIRequest_Text(t *testing.T) {
	req := buildOpenAIRequest("gpt-4o", llm.GenerateRequest{
		Messages:  []llm.Message{llm.TextMessage(llm.RoleUser, "hi")},
		MaxTokens: 64,
	})
	if req.ResponseFormat != nil {
		t.Errorf("ResponseFormat = %+v, want nil", req.ResponseFormat)
	}
	if len(req.Messages) != 1 || req.MaxTokens != 64 {
		t.Errorf("req = %+v", req)
	}
}

// ─── TestConvertOpenAIResponse ────────────────────────────────────────────────

func makeTextResponse(text string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{
				Message:      openai.ChatCompletionMessage{Content: text},
				FinishReason: openai.FinishReasonStop,
			},
		},
		Usage: openai.Usage{PromptTokens: 10, CompletionTokens: 5},
	}
}

func TestConvertOpenAIResponse_TextOnly(t *testing.T) {
	got := convertOpenAIResponse(makeTextResponse("hello world"))
	if len(got.Content) != 1 {
		t.Fatalf("want 1 content block, got %d", len(got.Content))
	}
	if got.Text() != "hello world" {
		t.Errorf("text: want %q, got %q", "hello world", got.Text())
	}
	if got.StopReason != llm.StopReasonEndTurn {
		t.Errorf("stop reason: want end_turn, got %q", got.StopReason)
	}
	if got.Usage.InputTokens != 10 || got.Usage.OutputTokens != 5 {
		t.Errorf("usage = %+v", got.Usage)
	}
}

func TestConvertOpenAIResponse_FinishReasonLength(t *testing.T) {
	resp := openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{
				Message:      openai.ChatCompletionMessage{Content: "truncated"},
				FinishReason: openai.FinishReasonLength,
			},
		},
	}
	got := convertOpenAIResponse(resp)
	if got.StopReason != llm.StopReasonMaxTokens {
		t.Errorf("stop reason: want max_tokens, got %q", got.StopReason)
	}
}

func TestConvertOpenAIResponse_NoChoices(t *testing.T) {
	got := convertOpenAIResponse(openai.ChatCompletionResponse{})
	if len(got.Content) != 0 || got.StopReason != llm.StopReasonEndTurn {
		t.Errorf("got %+v", got)
	}
}

// ─── TestMapOpenAIError ───────────────────────────────────────────────────────

func makeAPIError(code int) error {
	return &openai.APIError{
		HTTPStatusCode: code,
		Message:        "test error",
	}
}

func TestMapOpenAIError_RateLimit(t *testing.T) {
	err := MapOpenAIError(makeAPIError(429))
	var rl *llm.RateLimitError
	if !errors.As(err, &rl) {
		t.Errorf("want *llm.RateLimitError, got %T", err)
	}
	if !llm.Retryable(err) {
		t.Error("RateLimitError should be retryable")
	}
}

func TestMapOpenAIError_Auth(t *testing.T) {
	for _, code := range []int{401, 403} {
		err := MapOpenAIError(makeAPIError(code))
		var ae *llm.AuthError
		if !errors.As(err, &ae) {
			t.Errorf("code %d: want *llm.AuthError, got %T", code, err)
		}
		if llm.Retryable(err) {
			t.Errorf("code %d: AuthError should not be retryable", code)
		}
	}
}

func TestMapOpenAIError_ContentFilter(t *testing.T) {
	err := MapOpenAIError(&openai.APIError{HTTPStatusCode: 400, Code: "content_filter"})
	var cf *llm.ContentFilterError
	if !errors.As(err, &cf) {
		t.Errorf("want *llm.ContentFilterError, got %T", err)
	}
}

func TestMapOpenAIError_Server(t *testing.T) {
	for _, code := range []int{500, 502, 503} {
		err := MapOpenAIError(makeAPIError(code))
		var se *llm.ServerError
		if !errors.As(err, &se) {
			t.Errorf("code %d: want *llm.ServerError, got %T", code, err)
		}
		if !llm.Retryable(err) {
			t.Errorf("code %d: ServerError should be retryable", code)
		}
	}
}

func TestMapOpenAIError_Nil(t *testing.T) {
	if err := MapOpenAIError(nil); err != nil {
		t.Errorf("want nil, got %v", err)
	}
}

// ─── Integration test (skipped without OPENAI_API_KEY) ───────────────────────

func TestOpenAIIntegration(t *testing.T) {
	if os.Getenv("OPENAI_API_KEY") == "" {
		t.Skip("set OPENAI_API_KEY to run OpenAI integration test")
	}
	client, err := newOpenAIClient("gpt-4o-mini")
	if err != nil {
		t.Skipf("skipping: %v", err)
	}
	resp, err := client.Complete(context.Background(), llm.GenerateRequest{
		Messages: []llm.Message{llm.TextMessage(llm.RoleUser, `Answer {"ok": true} as JSON.`)},
		Format:   llm.FormatJSON,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := llm.DecodeObject(resp.Text()); err != nil {
		t.Errorf("expected a JSON object, got %q: %v", resp.Text(), err)
	}
}
