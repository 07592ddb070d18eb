package embedding

import (
	"context"
	"errors"
	"fmt"
	"os"

	"google.golang.org/genai"

	"github.com/ravi-parthasarathy/inferflow/pkg/llm"
)

const defaultGeminiModel = "gemini-embedding-001"

// Gemini embeds through the Gemini API. Image inputs are sent as inline
// parts, which only multimodal embedding models accept.
type Gemini struct {
	client     *genai.Client
	model      string
	dimensions int
}

// NewGemini creates a Gemini embedder using GEMINI_API_KEY.
func NewGemini(ctx context.Context, model string, dimensions int) (*Gemini, error) {
	key := os.Getenv("GEMINI_API_KEY")
	if key == "" {
		return nil, fmt.Errorf("gemini embedding: GEMINI_API_KEY environment variable not set")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  key,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini embedding: create client: %w", err)
	}
	if model == "" {
		model = defaultGeminiModel
	}
	return &Gemini{client: client, model: model, dimensions: dimensions}, nil
}

func (g *Gemini) Model() string { return "gemini:" + g.model }

func (g *Gemini) Embed(ctx context.Context, in Input) ([]float32, error) {
	if err := validate(in); err != nil {
		return nil, err
	}
	content := geminiContent(in)
	cfg := &genai.EmbedContentConfig{TaskType: "RETRIEVAL_QUERY"}
	if g.dimensions > 0 {
		d := int32(g.dimensions)
		cfg.OutputDimensionality = &d
	}
	resp, err := g.client.Models.EmbedContent(ctx, g.model, []*genai.Content{content}, cfg)
	if err != nil {
		return nil, mapGenAIError(err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, fmt.Errorf("gemini embedding: empty response")
	}
	return resp.Embeddings[0].Values, nil
}

func geminiContent(in Input) *genai.Content {
	if in.IsImage() {
		mt := in.MediaType
		if mt == "" {
			mt = "image/jpeg"
		}
		return genai.NewContentFromParts([]*genai.Part{genai.NewPartFromBytes(in.Image, mt)}, genai.RoleUser)
	}
	return genai.NewContentFromText(in.Text, genai.RoleUser)
}

func mapGenAIError(err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("gemini embedding: %w", err)
	}
	base := llm.LLMError{Code: apiErr.Code, Message: apiErr.Message, Cause: err}
	switch apiErr.Code {
	case 429:
		return &llm.RateLimitError{LLMError: base}
	case 401, 403:
		return &llm.AuthError{LLMError: base}
	case 500, 502, 503:
		return &llm.ServerError{LLMError: base}
	default:
		return &base
	}
}
