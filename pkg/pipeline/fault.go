package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// FaultKind classifies why a step failed. The kind is recorded in the
// context under KeyErrorKind when the run is diverted to an error terminal.
type FaultKind string

const (
	// FaultInput covers missing or unreadable caller-supplied artifacts.
	FaultInput FaultKind = "input"
	// FaultCollaborator covers model, embedding and vector index failures,
	// including structured output that could not be parsed.
	FaultCollaborator FaultKind = "collaborator"
	// FaultRouting means no declared successor could be selected.
	FaultRouting FaultKind = "routing"
	// FaultStep covers every other handler failure, including write-once
	// violations.
	FaultStep FaultKind = "step"
	// FaultCancelled means the caller's context ended mid-run.
	FaultCancelled FaultKind = "cancelled"
)

// Fault is a step failure annotated with its kind and the step it came from.
type Fault struct {
	Kind FaultKind
	Node string
	Err  error
}

func (f *Fault) Error() string {
	if f.Node != "" {
		return fmt.Sprintf("%s fault at %q: %v", f.Kind, f.Node, f.Err)
	}
	return fmt.Sprintf("%s fault: %v", f.Kind, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// InputError marks err as an input fault.
func InputError(err error) error {
	return &Fault{Kind: FaultInput, Err: err}
}

// CollaboratorError marks err as a collaborator fault.
func CollaboratorError(err error) error {
	return &Fault{Kind: FaultCollaborator, Err: err}
}

// WriteConflictError is returned when a step tries to overwrite a field
// that another step (or the caller) already populated.
type WriteConflictError struct {
	Key   string
	Owner string
	Node  string
}

func (e *WriteConflictError) Error() string {
	return fmt.Sprintf("node %q cannot overwrite %q (written by %q)", e.Node, e.Key, e.Owner)
}

// asFault normalises any error returned during a run into a *Fault
// attributed to nodeID.
func asFault(nodeID string, err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		out := *f
		if out.Node == "" {
			out.Node = nodeID
		}
		return &out
	}
	kind := FaultStep
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		kind = FaultCancelled
	}
	return &Fault{Kind: kind, Node: nodeID, Err: err}
}

// KindOf returns the fault kind carried by err, or FaultStep for plain errors.
func KindOf(err error) FaultKind {
	if err == nil {
		return ""
	}
	return asFault("", err).Kind
}
