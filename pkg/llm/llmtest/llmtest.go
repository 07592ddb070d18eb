// Package llmtest provides a scripted llm.Client for tests.
package llmtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ravi-parthasarathy/inferflow/pkg/llm"
)

// Rule answers requests whose user prompt contains Match. Successive
// matching requests receive successive Replies; the last reply repeats.
// A rule with Err fails instead.
type Rule struct {
	Match   string
	Replies []string
	Err     error
}

// Reply returns a rule answering prompts containing match.
func Reply(match string, replies ...string) Rule {
	return Rule{Match: match, Replies: replies}
}

// Fail returns a rule failing prompts containing match with err.
func Fail(match string, err error) Rule {
	return Rule{Match: match, Err: err}
}

// Model is an llm.Client and llm.Resolver that answers from a script. The
// first matching rule wins. It is safe for concurrent use.
type Model struct {
	mu       sync.Mutex
	rules    []Rule
	served   []int
	requests []llm.GenerateRequest
}

// New returns a Model following rules in order.
func New(rules ...Rule) *Model {
	return &Model{rules: rules, served: make([]int, len(rules))}
}

// Client returns m for every model ID.
func (m *Model) Client(string) (llm.Client, error) { return m, nil }

func (m *Model) Complete(ctx context.Context, req llm.GenerateRequest) (llm.GenerateResponse, error) {
	if err := ctx.Err(); err != nil {
		return llm.GenerateResponse{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)

	prompt := Prompt(req)
	for i, r := range m.rules {
		if !strings.Contains(prompt, r.Match) {
			continue
		}
		if r.Err != nil {
			return llm.GenerateResponse{}, r.Err
		}
		var text string
		if len(r.Replies) > 0 {
			text = r.Replies[min(m.served[i], len(r.Replies)-1)]
		}
		m.served[i]++
		return llm.GenerateResponse{
			Content:    []llm.ContentBlock{{Type: llm.ContentTypeText, Text: text}},
			StopReason: llm.StopReasonEndTurn,
		}, nil
	}
	return llm.GenerateResponse{}, fmt.Errorf("llmtest: no scripted reply for %q", prompt)
}

// Requests returns every request received so far.
func (m *Model) Requests() []llm.GenerateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.GenerateRequest(nil), m.requests...)
}

// Prompt returns the text of the last message of req.
func Prompt(req llm.GenerateRequest) string {
	if len(req.Messages) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, b := range req.Messages[len(req.Messages)-1].Content {
		if b.Type == llm.ContentTypeText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}
