package embedding

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/ravi-parthasarathy/inferflow/pkg/llm"
)

const (
	defaultRemoteEndpoint = "https://api.jina.ai/v1/embeddings"
	defaultRemoteModel    = "jina-clip-v2"
)

// Remote calls a Jina-compatible multimodal embeddings endpoint, which
// accepts both text and base64 images in one vector space.
type Remote struct {
	endpoint string
	model    string
	apiKey   string
	http     *http.Client
}

type remoteInput struct {
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
}

type remoteRequest struct {
	Model string        `json:"model"`
	Input []remoteInput `json:"input"`
}

type remoteResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Detail string `json:"detail,omitempty"`
}

// NewRemote creates a Remote embedder. The bearer token comes from
// EMBEDDING_API_KEY, falling back to JINA_API_KEY.
func NewRemote(endpoint, model string, client *http.Client) (*Remote, error) {
	if endpoint == "" {
		endpoint = defaultRemoteEndpoint
	}
	if model == "" {
		model = defaultRemoteModel
	}
	if client == nil {
		client = http.DefaultClient
	}
	key := os.Getenv("EMBEDDING_API_KEY")
	if key == "" {
		key = os.Getenv("JINA_API_KEY")
	}
	return &Remote{endpoint: endpoint, model: model, apiKey: key, http: client}, nil
}

func (r *Remote) Model() string { return "remote:" + r.model }

func (r *Remote) Embed(ctx context.Context, in Input) ([]float32, error) {
	if err := validate(in); err != nil {
		return nil, err
	}
	item := remoteInput{Text: in.Text}
	if in.IsImage() {
		item = remoteInput{Image: base64.StdEncoding.EncodeToString(in.Image)}
	}
	body, err := json.Marshal(remoteRequest{Model: r.model, Input: []remoteInput{item}})
	if err != nil {
		return nil, fmt.Errorf("remote embedding: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("remote embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote embedding: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 32<<20))

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, raw)
	}
	var out remoteResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("remote embedding: decode response: %w", err)
	}
	if len(out.Data) == 0 || len(out.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("remote embedding: empty response")
	}
	return out.Data[0].Embedding, nil
}

func statusError(code int, body []byte) error {
	if len(body) > 512 {
		body = body[:512]
	}
	base := llm.LLMError{Code: code, Message: string(body)}
	switch {
	case code == http.StatusTooManyRequests:
		return &llm.RateLimitError{LLMError: base}
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &llm.AuthError{LLMError: base}
	case code >= 500:
		return &llm.ServerError{LLMError: base}
	default:
		return &base
	}
}
