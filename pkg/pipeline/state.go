package pipeline

import (
	"fmt"
	"sort"
	"sync"
)

// Reserved context keys written by the engine and terminal steps.
const (
	KeyRunID     = "run_id"
	KeyError     = "error"
	KeyErrorKind = "error_kind"
	KeyErrorNode = "error_node"
	KeyResult    = "result"
	KeyStatus    = "status"
	KeyLastNode  = "last_node"
	KeyStartTime = "start_time"
	KeyExitTime  = "exit_time"
)

var reservedKeys = map[string]bool{
	KeyRunID:     true,
	KeyError:     true,
	KeyErrorKind: true,
	KeyErrorNode: true,
	KeyResult:    true,
	KeyStatus:    true,
	KeyLastNode:  true,
	KeyStartTime: true,
	KeyExitTime:  true,
}

// IsReserved reports whether key is written only by the engine or the
// start and exit steps. Callers cannot supply reserved keys as input.
func IsReserved(key string) bool { return reservedKeys[key] }

// Terminal status values stored under KeyStatus.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusUnknown = "unknown"
	StatusError   = "error"
)

// ownerInput marks fields supplied by the caller of Invoke.
const ownerInput = "input"

// Update is the partial record a step returns. The engine merges it into
// the run's PipelineContext after the step succeeds.
type Update map[string]any

// PipelineContext is the per-invocation record threaded through a run.
// Every field is write-once: after a step (or the caller) populates a key,
// later steps may only replace it if they list the key in their
// "overwrite" attribute.
type PipelineContext struct {
	mu    sync.RWMutex
	data  map[string]any
	owner map[string]string
	trace []string
}

// NewPipelineContext creates an empty PipelineContext.
func NewPipelineContext() *PipelineContext {
	return &PipelineContext{
		data:  make(map[string]any),
		owner: make(map[string]string),
	}
}

// NewPipelineContextFrom seeds a context with caller input.
func NewPipelineContextFrom(input map[string]any) *PipelineContext {
	c := NewPipelineContext()
	for k, v := range input {
		c.data[k] = v
		c.owner[k] = ownerInput
	}
	return c
}

// Set stores a value under key, bypassing the write-once check. The engine
// uses it for reserved keys; steps must return an Update instead.
func (c *PipelineContext) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
}

// Get retrieves a value by key.
func (c *PipelineContext) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

// Has reports whether key has been populated.
func (c *PipelineContext) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// GetString retrieves a string value, returning "" if not found or not a string.
func (c *PipelineContext) GetString(key string) string {
	v, ok := c.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Owner returns the step that wrote key, "input" for caller-supplied
// fields, or "" if the key is unset or was set by the engine.
func (c *PipelineContext) Owner(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.owner[key]
}

// Apply merges u into the context on behalf of nodeID. It is
// all-or-nothing: if any key would break the write-once rule, nothing is
// written and a *WriteConflictError is returned.
func (c *PipelineContext) Apply(nodeID string, u Update, overwrite map[string]bool) error {
	if len(u) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(u))
	for k := range u {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "" {
			return fmt.Errorf("node %q: update contains an empty key", nodeID)
		}
		owner, written := c.owner[k]
		if !written || owner == nodeID || overwrite[k] {
			continue
		}
		return &WriteConflictError{Key: k, Owner: owner, Node: nodeID}
	}
	for _, k := range keys {
		c.data[k] = u[k]
		c.owner[k] = nodeID
	}
	return nil
}

// Snapshot returns a shallow copy of all key-value pairs.
func (c *PipelineContext) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.data))
	for k, v := range c.data {
		out[k] = v
	}
	return out
}

// Trace returns the IDs of the steps executed so far, in order.
func (c *PipelineContext) Trace() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.trace...)
}

func (c *PipelineContext) record(nodeID string) {
	c.mu.Lock()
	c.trace = append(c.trace, nodeID)
	c.mu.Unlock()
}

// Result returns the assembled result text.
func (c *PipelineContext) Result() string { return c.GetString(KeyResult) }

// Status returns the terminal status.
func (c *PipelineContext) Status() string { return c.GetString(KeyStatus) }

// Err returns the recorded fault message, if any.
func (c *PipelineContext) Err() string { return c.GetString(KeyError) }
