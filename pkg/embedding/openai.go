package embedding

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ravi-parthasarathy/inferflow/pkg/llm/providers"
)

// OpenAI embeds text through the OpenAI embeddings endpoint.
type OpenAI struct {
	sdk        *openai.Client
	model      string
	dimensions int
}

// NewOpenAI creates an OpenAI embedder using OPENAI_API_KEY.
func NewOpenAI(model string, dimensions int) (*OpenAI, error) {
	sdk, err := providers.NewOpenAISDK()
	if err != nil {
		return nil, err
	}
	return newOpenAIWithClient(sdk, model, dimensions), nil
}

func newOpenAIWithClient(sdk *openai.Client, model string, dimensions int) *OpenAI {
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	return &OpenAI{sdk: sdk, model: model, dimensions: dimensions}
}

func (o *OpenAI) Model() string { return "openai:" + o.model }

func (o *OpenAI) Embed(ctx context.Context, in Input) ([]float32, error) {
	if err := validate(in); err != nil {
		return nil, err
	}
	if in.IsImage() {
		return nil, fmt.Errorf("openai embedding: %w", ErrUnsupportedInput)
	}
	resp, err := o.sdk.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{in.Text},
		Model:      openai.EmbeddingModel(o.model),
		Dimensions: o.dimensions,
	})
	if err != nil {
		return nil, providers.MapOpenAIError(err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai embedding: empty response")
	}
	return resp.Data[0].Embedding, nil
}
