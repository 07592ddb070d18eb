package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/ravi-parthasarathy/inferflow/pkg/config"
	"github.com/ravi-parthasarathy/inferflow/pkg/embedding"
	"github.com/ravi-parthasarathy/inferflow/pkg/llm"
	"github.com/ravi-parthasarathy/inferflow/pkg/pipeline"
	"github.com/ravi-parthasarathy/inferflow/pkg/pipeline/handlers"
	"github.com/ravi-parthasarathy/inferflow/pkg/vectorstore"
)

// collaborators owns the clients shared by every run of the process.
type collaborators struct {
	deps handlers.Deps
}

// newCollaborators builds the model pool, the embedder and the vector index.
// An embedder that cannot be built (for example a missing API key) is
// logged and left unset, so flows that never embed still run.
func newCollaborators(ctx context.Context, cfg *config.Config) (*collaborators, error) {
	policy := cfg.RetryPolicy()
	deps := handlers.Deps{Models: llm.NewPool(cfg.Models.Default, policy)}

	emb, err := embedding.New(ctx, cfg.Embedding, policy)
	if err != nil {
		slog.Warn("embedder unavailable; embed steps will fail", "provider", cfg.Embedding.Provider, "err", err)
	} else {
		deps.Embedder = emb
	}

	idx, err := vectorstore.Open(ctx, cfg.VectorStore)
	if err != nil {
		return nil, fmt.Errorf("open vector store: %w", err)
	}
	deps.Index = idx
	return &collaborators{deps: deps}, nil
}

func (c *collaborators) Close() error {
	if c.deps.Index == nil {
		return nil
	}
	return c.deps.Index.Close()
}

// newEngine validates p and binds it to the shared collaborators.
func (c *collaborators) newEngine(p *pipeline.Pipeline) (*pipeline.Engine, error) {
	if problems := lintPipeline(p); len(problems) > 0 {
		return nil, fmt.Errorf("pipeline %q is invalid:\n  %s", p.Name, joinLines(problems))
	}
	return pipeline.NewEngine(p, handlers.Default(c.deps))
}

// setupTracing installs an OTLP/HTTP tracer provider when an endpoint is
// configured. The returned function flushes and stops it.
func setupTracing(ctx context.Context, cfg config.TracingConfig) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}
	name := cfg.ServiceName
	if name == "" {
		name = "inferflow"
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", name))),
	)
	otel.SetTracerProvider(tp)
	slog.Info("tracing enabled", "endpoint", cfg.Endpoint, "service", name)
	return tp.Shutdown, nil
}

// lintPipeline reports structural problems plus steps this binary cannot run.
func lintPipeline(p *pipeline.Pipeline) []string {
	var problems []string
	for _, le := range pipeline.Validate(p) {
		problems = append(problems, le.Error())
	}
	reg := handlers.Default(handlers.Deps{})
	known := map[string]bool{}
	for _, name := range handlers.Assemblers() {
		known[name] = true
	}
	for _, id := range sortedNodeIDs(p) {
		n := p.Nodes[id]
		if _, err := reg.Get(n.Type); err != nil {
			problems = append(problems, fmt.Sprintf("node %q: %v", id, err))
		}
		if a := n.Attrs["assembler"]; n.Type == pipeline.NodeTypeExit && a != "" && !known[a] {
			problems = append(problems, fmt.Sprintf("node %q: unknown assembler %q", id, a))
		}
	}
	return problems
}

var errRunFailed = errors.New("run ended with status error")
