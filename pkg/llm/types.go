package llm

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ContentType identifies what kind of content a block holds.
type ContentType string

const (
	ContentTypeText  ContentType = "text"
	ContentTypeImage ContentType = "image"
)

// Image is an inline image attached to a message.
type Image struct {
	MediaType string `json:"media_type"` // e.g. "image/jpeg"
	Data      []byte `json:"-"`
}

// Base64 returns the standard base64 encoding of the image bytes.
func (i Image) Base64() string {
	return base64.StdEncoding.EncodeToString(i.Data)
}

// DataURL returns the image as an RFC 2397 data URL.
func (i Image) DataURL() string {
	return "data:" + i.MediaType + ";base64," + i.Base64()
}

// Format returns the media subtype ("jpeg", "png", ...).
func (i Image) Format() string {
	_, sub, ok := strings.Cut(i.MediaType, "/")
	if !ok {
		return i.MediaType
	}
	return sub
}

// ContentBlock is one element in a message's content array.
type ContentBlock struct {
	Type  ContentType `json:"type"`
	Text  string      `json:"text,omitempty"`
	Image *Image      `json:"image,omitempty"`
}

// Message is one turn in a conversation.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// TextMessage is a convenience constructor for a plain-text message.
func TextMessage(role Role, text string) Message {
	return Message{
		Role:    role,
		Content: []ContentBlock{{Type: ContentTypeText, Text: text}},
	}
}

// ImageMessage builds a user message carrying one image followed by text.
func ImageMessage(text string, img Image) Message {
	return Message{
		Role: RoleUser,
		Content: []ContentBlock{
			{Type: ContentTypeImage, Image: &img},
			{Type: ContentTypeText, Text: text},
		},
	}
}

// ResponseFormat hints at the shape of output the caller expects.
type ResponseFormat string

const (
	FormatText ResponseFormat = "text"
	FormatJSON ResponseFormat = "json"
)

// ParseResponseFormat maps a node attribute onto a ResponseFormat.
func ParseResponseFormat(s string) (ResponseFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown response format %q: use text or json", s)
	}
}

// jsonInstruction is appended to the system prompt for providers without a
// native JSON mode.
const jsonInstruction = "Respond with a single JSON object and nothing else."

// SystemWithJSONHint returns system extended with an instruction to answer in JSON.
func SystemWithJSONHint(system string) string {
	if system == "" {
		return jsonInstruction
	}
	return system + "\n\n" + jsonInstruction
}

// GenerateRequest is the unified input to the LLM client.
type GenerateRequest struct {
	Model     string         `json:"model"`
	Messages  []Message      `json:"messages"`
	System    string         `json:"system,omitempty"`
	MaxTokens int            `json:"max_tokens,omitempty"`
	Format    ResponseFormat `json:"format,omitempty"`
	// Schema optionally constrains FormatJSON output to a JSON Schema.
	// Providers without schema support ignore it.
	Schema []byte `json:"schema,omitempty"`
}

// StopReason explains why generation stopped.
type StopReason string

const (
	StopReasonEndTurn   StopReason = "end_turn"
	StopReasonMaxTokens StopReason = "max_tokens"
)

// Usage reports token counts.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// GenerateResponse is the unified output from the LLM client.
type GenerateResponse struct {
	Content    []ContentBlock `json:"content"`
	StopReason StopReason     `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// Text concatenates the text blocks of the response.
func (r GenerateResponse) Text() string {
	var sb strings.Builder
	for _, b := range r.Content {
		if b.Type == ContentTypeText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// ParseModelID splits "provider:model-name" into (provider, modelName, nil).
// Both parts must be non-empty and the colon separator is required.
func ParseModelID(id string) (provider, modelName string, err error) {
	p, m, ok := strings.Cut(id, ":")
	switch {
	case !ok:
		return "", "", fmt.Errorf("model ID %q: missing 'provider:model-name' format", id)
	case p == "":
		return "", "", fmt.Errorf("model ID %q: empty provider name", id)
	case m == "":
		return "", "", fmt.Errorf("model ID %q: empty model name", id)
	}
	return p, m, nil
}
