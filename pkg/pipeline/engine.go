package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/ravi-parthasarathy/inferflow/pkg/pipeline"

// Engine executes a validated Pipeline. An Engine holds no per-run state and
// is safe for concurrent use; each Invoke gets its own PipelineContext.
type Engine struct {
	pipeline   *Pipeline
	handlerReg HandlerRegistry
	startID    string
	tracer     trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithTracer overrides the tracer used for run and step spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// NewEngine creates an Engine after validating the pipeline.
func NewEngine(p *Pipeline, reg HandlerRegistry, opts ...Option) (*Engine, error) {
	if p == nil {
		return nil, fmt.Errorf("pipeline must not be nil")
	}
	if reg == nil {
		return nil, fmt.Errorf("handler registry must not be nil")
	}
	if err := ValidateErr(p); err != nil {
		return nil, err
	}
	for _, n := range p.Nodes {
		if _, err := reg.Get(n.Type); err != nil {
			return nil, fmt.Errorf("node %q (type=%q): %w", n.ID, n.Type, err)
		}
	}
	e := &Engine{
		pipeline:   p,
		handlerReg: reg,
		startID:    p.StartNode(),
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Pipeline returns the graph the engine runs.
func (e *Engine) Pipeline() *Pipeline { return e.pipeline }

// Invoke runs the pipeline once with the given input and returns the final
// context. It never fails: step faults divert the run to an error terminal
// and the terminal always leaves a non-empty result behind.
func (e *Engine) Invoke(ctx context.Context, input map[string]any) *PipelineContext {
	runID := uuid.NewString()
	log := slog.With("pipeline", e.pipeline.Name, "run_id", runID)

	clean, dropped := stripReserved(input)
	if len(dropped) > 0 {
		log.Warn("ignoring reserved input keys", "keys", dropped)
	}
	pctx := NewPipelineContextFrom(clean)
	pctx.Set(KeyRunID, runID)

	ctx, span := e.tracer.Start(ctx, "pipeline "+e.pipeline.Name, trace.WithAttributes(
		attribute.String("pipeline.name", e.pipeline.Name),
		attribute.String("pipeline.run_id", runID),
	))
	defer span.End()

	executed := make(map[string]bool, len(e.pipeline.Nodes))
	currentID := e.startID

	for {
		node := e.pipeline.Nodes[currentID]
		if node.Type == NodeTypeExit {
			e.terminate(ctx, node, pctx, log)
			span.SetAttributes(attribute.String("pipeline.status", pctx.Status()))
			if pctx.Err() != "" {
				span.SetStatus(codes.Error, pctx.Err())
			}
			return pctx
		}

		// Respect context cancellation between nodes.
		if err := ctx.Err(); err != nil {
			currentID = e.fail(node, pctx, fmt.Errorf("pipeline cancelled before node %q: %w", node.ID, err), log)
			continue
		}
		if executed[currentID] {
			currentID = e.fail(node, pctx, fmt.Errorf("node %q would execute twice", node.ID), log)
			continue
		}
		executed[currentID] = true

		if err := e.step(ctx, node, pctx, log); err != nil {
			currentID = e.fail(node, pctx, err, log)
			continue
		}

		nextID, err := Route(e.pipeline, node, pctx.Snapshot())
		if err == nil && nextID == "" {
			err = &Fault{Kind: FaultRouting, Node: node.ID, Err: fmt.Errorf("node %q has no successor", node.ID)}
		}
		if err != nil {
			currentID = e.fail(node, pctx, err, log)
			continue
		}
		log.Debug("routed", "from", node.ID, "to", nextID)
		currentID = nextID
	}
}

// step runs one non-terminal node and merges its update.
func (e *Engine) step(ctx context.Context, node *Node, pctx *PipelineContext, log *slog.Logger) error {
	handler, err := e.handlerReg.Get(node.Type)
	if err != nil {
		return fmt.Errorf("node %q (type=%q): %w", node.ID, node.Type, err)
	}

	ctx, span := e.tracer.Start(ctx, "step "+node.ID, trace.WithAttributes(
		attribute.String("step.id", node.ID),
		attribute.String("step.type", string(node.Type)),
	))
	defer span.End()

	log.Info("executing node", "node", node.ID, "type", node.Type)
	pctx.record(node.ID)
	start := time.Now()

	update, err := safeHandle(ctx, handler, node, pctx)
	if err == nil {
		err = pctx.Apply(node.ID, update, overwriteSet(node))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	log.Debug("node complete", "node", node.ID, "fields", len(update), "elapsed", time.Since(start))
	return nil
}

// terminate runs a terminal node. Whatever happens, the run ends with a
// non-empty result and a status.
func (e *Engine) terminate(ctx context.Context, node *Node, pctx *PipelineContext, log *slog.Logger) {
	ctx, span := e.tracer.Start(ctx, "terminal "+node.ID, trace.WithAttributes(
		attribute.String("step.id", node.ID),
	))
	defer span.End()

	pctx.record(node.ID)
	pctx.Set(KeyLastNode, node.ID)

	handler, err := e.handlerReg.Get(node.Type)
	var update Update
	if err == nil {
		update, err = safeHandle(ctx, handler, node, pctx)
	}
	if err == nil {
		err = pctx.Apply(node.ID, update, map[string]bool{KeyResult: true, KeyStatus: true})
	}
	if err != nil {
		span.RecordError(err)
		log.Error("terminal failed", "node", node.ID, "err", err)
		if pctx.Err() == "" {
			f := asFault(node.ID, err)
			pctx.Set(KeyError, f.Err.Error())
			pctx.Set(KeyErrorKind, string(f.Kind))
			pctx.Set(KeyErrorNode, node.ID)
		}
		pctx.Set(KeyStatus, StatusError)
		pctx.Set(KeyResult, fallbackResult(pctx))
	}

	result, _ := pctx.Get(KeyResult)
	switch {
	case strings.TrimSpace(stringify(result)) == "":
		pctx.Set(KeyResult, fallbackResult(pctx))
	case pctx.GetString(KeyResult) == "":
		pctx.Set(KeyResult, stringify(result))
	}
	if pctx.Status() == "" {
		status := StatusSuccess
		if pctx.Err() != "" {
			status = StatusError
		}
		pctx.Set(KeyStatus, status)
	}
	log.Info("pipeline complete", "node", node.ID, "status", pctx.Status())
}

// fail records err on the context and returns the terminal the run should
// jump to.
func (e *Engine) fail(node *Node, pctx *PipelineContext, err error, log *slog.Logger) string {
	f := asFault(node.ID, err)
	log.Warn("node failed", "node", node.ID, "kind", f.Kind, "err", f.Err)
	pctx.Set(KeyError, f.Err.Error())
	pctx.Set(KeyErrorKind, string(f.Kind))
	pctx.Set(KeyErrorNode, f.Node)
	return e.errorExit(node)
}

// errorExit picks the terminal for a fault raised at node: the node's
// on_error attribute, then the graph's error_exit, then the nearest
// terminal downstream, then the first terminal by ID.
func (e *Engine) errorExit(node *Node) string {
	p := e.pipeline
	if id := node.Attrs["on_error"]; p.IsExit(id) {
		return id
	}
	if id := p.Attr("error_exit"); p.IsExit(id) {
		return id
	}
	if id := nearestExit(p, node.ID); id != "" {
		return id
	}
	return p.Exits()[0]
}

// nearestExit performs a BFS from nodeID and returns the first terminal
// found, visiting edges in definition order.
func nearestExit(p *Pipeline, nodeID string) string {
	visited := map[string]bool{nodeID: true}
	queue := []string{nodeID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range Successors(p, id) {
			if visited[next] {
				continue
			}
			if p.IsExit(next) {
				return next
			}
			visited[next] = true
			queue = append(queue, next)
		}
	}
	return ""
}

// safeHandle invokes h and converts a panic into a step fault.
func safeHandle(ctx context.Context, h Handler, node *Node, pctx *PipelineContext) (u Update, err error) {
	defer func() {
		if r := recover(); r != nil {
			u = nil
			err = &Fault{Kind: FaultStep, Node: node.ID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return h.Handle(ctx, node, pctx)
}

// overwriteSet parses the comma-separated "overwrite" attribute.
// stripReserved copies input without the keys the engine owns.
func stripReserved(input map[string]any) (map[string]any, []string) {
	clean := make(map[string]any, len(input))
	var dropped []string
	for k, v := range input {
		if IsReserved(k) {
			dropped = append(dropped, k)
			continue
		}
		clean[k] = v
	}
	sort.Strings(dropped)
	return clean, dropped
}

func overwriteSet(node *Node) map[string]bool {
	raw := node.Attrs["overwrite"]
	if raw == "" {
		return nil
	}
	out := map[string]bool{}
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out[k] = true
		}
	}
	return out
}

func fallbackResult(pctx *PipelineContext) string {
	if msg := pctx.Err(); msg != "" {
		return "The request could not be completed: " + msg
	}
	trace := pctx.Trace()
	if len(trace) == 0 {
		return "The pipeline finished without producing a result."
	}
	return fmt.Sprintf("The pipeline finished at %q without producing a result.", trace[len(trace)-1])
}
