package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ravi-parthasarathy/inferflow/pkg/llm"
	"github.com/ravi-parthasarathy/inferflow/pkg/pipeline"
)

// maxVerifyAttempts caps max_attempts regardless of what a graph asks for.
const maxVerifyAttempts = 10

// Verdict labels for the verifier, in priority order. A rejection wins
// when an answer mentions both.
const verdictLabels = "no:fail|invalid|reject,yes:pass|valid|accept"

// VerifyLoopHandler generates an answer and asks the model to check it,
// regenerating with the verifier's feedback until the answer passes or
// max_attempts generations have been made.
//
// The generator template sees the context plus "attempt" and "feedback";
// the verifier template additionally sees the candidate under "key". The
// handler writes the last candidate under key, the number of generations
// under "<key>_attempts" and whether it passed under "<key>_verified". An
// unverified answer is still returned; the terminal decides how to present
// it.
type VerifyLoopHandler struct {
	Models llm.Resolver
}

func (h *VerifyLoopHandler) Handle(ctx context.Context, node *pipeline.Node, pctx *pipeline.PipelineContext) (pipeline.Update, error) {
	key := node.Attrs["key"]
	if key == "" {
		return nil, fmt.Errorf("verify_loop node %q: missing 'key' attribute", node.ID)
	}
	maxAttempts, err := intAttr(node, "max_attempts", 0)
	if err != nil {
		return nil, err
	}
	if maxAttempts == 0 {
		return nil, fmt.Errorf("verify_loop node %q: missing 'max_attempts' attribute", node.ID)
	}
	maxAttempts = min(maxAttempts, maxVerifyAttempts)
	labels, err := llm.ParseLabels(verdictLabels)
	if err != nil {
		return nil, err
	}

	snap := pctx.Snapshot()
	var (
		candidate string
		feedback  string
		verified  bool
		attempt   int
	)
	for attempt = 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		gen, err := newModelCall(node, pctx, withData(snap, map[string]any{
			"attempt":  attempt,
			"feedback": feedback,
		}), "prompt")
		if err != nil {
			return nil, err
		}
		if candidate, err = gen.run(ctx, h.Models, node); err != nil {
			return nil, err
		}

		check, err := newModelCall(node, pctx, withData(snap, map[string]any{
			"attempt": attempt,
			key:       candidate,
		}), "verify")
		if err != nil {
			return nil, err
		}
		// The verifier judges text only and answers in JSON.
		check.image, check.format, check.schema = nil, llm.FormatJSON, nil
		answer, err := check.run(ctx, h.Models, node)
		if err != nil {
			return nil, err
		}

		verdict, _, _ := llm.ParseLabel(answer, "verdict", labels)
		if verdict == "yes" {
			verified = true
			break
		}
		feedback = verifierFeedback(answer)
		slog.Info("answer rejected", "node", node.ID, "attempt", attempt, "max_attempts", maxAttempts)
	}
	if attempt > maxAttempts {
		attempt = maxAttempts
	}

	return pipeline.Update{
		key:               candidate,
		key + "_attempts": attempt,
		key + "_verified": verified,
	}, nil
}

// verifierFeedback extracts the "feedback" field of a verdict, falling back
// to the whole answer.
func verifierFeedback(answer string) string {
	if obj, err := llm.DecodeObject(answer); err == nil {
		if fb := stringValue(obj["feedback"]); fb != "" {
			return fb
		}
	}
	return answer
}
