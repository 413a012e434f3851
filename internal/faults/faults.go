// Package faults is the error taxonomy shared by every palisade subsystem.
// Each error carries a stable machine-readable reason the API returns to callers.
package faults

import (
	"errors"
	"fmt"
	"strings"
)

// Reason codes.
const (
	ReasonValidation        = "validation"
	ReasonInsufficientTrust = "insufficient_trust"
	ReasonQuorumUnreachable = "quorum_unreachable"
	ReasonResourceExhausted = "resource_exhausted"
	ReasonPartialFailure    = "partial_failure"
	ReasonNotFound          = "not_found"
	ReasonConflict          = "conflict"
	ReasonInternal          = "internal"
)

// ErrNotFound is returned when a node, proposal or quarantine does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an operation is not valid for the current state,
// such as a second vote from the same voter.
var ErrConflict = errors.New("conflict")

// ValidationError reports a malformed input or an unknown reference.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Detail
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Detail)
}

// Reason implements Reasoner.
func (e *ValidationError) Reason() string { return ReasonValidation }

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Detail: fmt.Sprintf(format, args...)}
}

// InsufficientTrustError reports a proposer or voter below the required trust.
type InsufficientTrustError struct {
	Node     string
	Have     float64
	Required float64
	Action   string
}

func (e *InsufficientTrustError) Error() string {
	return fmt.Sprintf("node %s has trust %.3f, %s requires %.3f", e.Node, e.Have, e.Action, e.Required)
}

// Reason implements Reasoner.
func (e *InsufficientTrustError) Reason() string { return ReasonInsufficientTrust }

// QuorumUnreachableError reports a consensus round that can no longer commit.
type QuorumUnreachableError struct {
	ProposalID string
	Detail     string
}

func (e *QuorumUnreachableError) Error() string {
	return fmt.Sprintf("proposal %s: quorum unreachable: %s", e.ProposalID, e.Detail)
}

// Reason implements Reasoner.
func (e *QuorumUnreachableError) Reason() string { return ReasonQuorumUnreachable }

// ResourceExhaustedError reports that no node can serve a required role.
type ResourceExhaustedError struct {
	Role   string
	Detail string
}

func (e *ResourceExhaustedError) Error() string {
	if e.Role == "" {
		return "resources exhausted: " + e.Detail
	}
	return fmt.Sprintf("resources exhausted for role %s: %s", e.Role, e.Detail)
}

// Reason implements Reasoner.
func (e *ResourceExhaustedError) Reason() string { return ReasonResourceExhausted }

// PartialFailure collects node-level failures of a batch operation that was
// evaluated against a success threshold.
type PartialFailure struct {
	Op        string
	Succeeded int
	Required  int
	Failed    map[string]error
}

func (e *PartialFailure) Error() string {
	nodes := make([]string, 0, len(e.Failed))
	for n, err := range e.Failed {
		nodes = append(nodes, fmt.Sprintf("%s (%v)", n, err))
	}
	return fmt.Sprintf("%s: %d succeeded, %d required; failed: %s",
		e.Op, e.Succeeded, e.Required, strings.Join(nodes, ", "))
}

// Reason implements Reasoner.
func (e *PartialFailure) Reason() string { return ReasonPartialFailure }

// Unwrap exposes the node-level errors.
func (e *PartialFailure) Unwrap() []error {
	out := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		out = append(out, err)
	}
	return out
}

// Reasoner is implemented by every taxonomy error.
type Reasoner interface {
	Reason() string
}

// ReasonOf returns the machine-readable reason for err, looking through wrapping.
// Errors outside the taxonomy report ReasonInternal.
func ReasonOf(err error) string {
	if err == nil {
		return ""
	}
	// PartialFailure unwraps to its node errors, so test it before the generic walk.
	var pf *PartialFailure
	if errors.As(err, &pf) {
		return pf.Reason()
	}
	var r Reasoner
	if errors.As(err, &r) {
		return r.Reason()
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, ErrConflict):
		return ReasonConflict
	}
	return ReasonInternal
}
