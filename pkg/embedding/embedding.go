// Package embedding turns text and images into vectors for similarity search.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ravi-parthasarathy/inferflow/pkg/llm"
)

// Input is the content to embed. Exactly one of Text or Image is normally set.
type Input struct {
	Text      string
	Image     []byte
	MediaType string
}

// IsImage reports whether the input carries image bytes.
func (in Input) IsImage() bool { return len(in.Image) > 0 }

// Embedder produces a vector for an input.
type Embedder interface {
	Embed(ctx context.Context, in Input) ([]float32, error)
	// Model identifies the embedding model; vectors from different models
	// are not comparable.
	Model() string
}

// ErrUnsupportedInput is returned when an embedder cannot handle the input kind.
var ErrUnsupportedInput = errors.New("embedder does not support this input")

// ErrEmptyInput is returned for an input with neither text nor image.
var ErrEmptyInput = errors.New("nothing to embed")

// Config selects and tunes an embedder.
type Config struct {
	Provider   string        `yaml:"provider"` // gemini, openai or remote
	Model      string        `yaml:"model"`
	Endpoint   string        `yaml:"endpoint"` // remote only
	Dimensions int           `yaml:"dimensions"`
	Normalize  bool          `yaml:"normalize"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
}

// New builds the embedder described by cfg. Transient failures are retried
// per policy and results are cached when cfg.CacheTTL is positive.
func New(ctx context.Context, cfg Config, policy llm.RetryPolicy) (Embedder, error) {
	var (
		e   Embedder
		err error
	)
	switch cfg.Provider {
	case "gemini", "":
		e, err = NewGemini(ctx, cfg.Model, cfg.Dimensions)
	case "openai":
		e, err = NewOpenAI(cfg.Model, cfg.Dimensions)
	case "remote":
		e, err = NewRemote(cfg.Endpoint, cfg.Model, nil)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	if policy.MaxAttempts > 1 {
		e = &retrying{inner: e, policy: policy}
	}
	if cfg.Normalize {
		e = normalizing{e}
	}
	if cfg.CacheTTL > 0 {
		e = NewCached(e, cfg.CacheTTL)
	}
	return e, nil
}

// Normalize scales v to unit length in place and returns it. A zero vector
// is returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}

type normalizing struct{ Embedder }

func (n normalizing) Embed(ctx context.Context, in Input) ([]float32, error) {
	v, err := n.Embedder.Embed(ctx, in)
	if err != nil {
		return nil, err
	}
	return Normalize(v), nil
}

type retrying struct {
	inner  Embedder
	policy llm.RetryPolicy
}

func (r *retrying) Model() string { return r.inner.Model() }

func (r *retrying) Embed(ctx context.Context, in Input) ([]float32, error) {
	var v []float32
	err := llm.Retry(ctx, r.policy, func() error {
		var innerErr error
		v, innerErr = r.inner.Embed(ctx, in)
		return innerErr
	})
	return v, err
}

func validate(in Input) error {
	if in.Text == "" && !in.IsImage() {
		return ErrEmptyInput
	}
	return nil
}
