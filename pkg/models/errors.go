package models

import (
	"errors"
	"fmt"
)

// NotFoundError means the flow does not exist within the caller's tenant
// scope. A record owned by another tenant is deliberately indistinguishable
// from a missing one.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("flow %s not found", e.ID)
}

// DuplicateFlowError is returned when a caller supplies a pre-existing flow
// id on the idempotent create path.
type DuplicateFlowError struct {
	FlowID MasterFlowID
}

func (e *DuplicateFlowError) Error() string {
	return fmt.Sprintf("flow %s already exists", e.FlowID)
}

// InvalidStateTransitionError indicates caller misuse, e.g. resuming a
// completed flow. It is always surfaced unchanged.
type InvalidStateTransitionError struct {
	FlowID MasterFlowID
	From   FlowStatus
	Op     string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("flow %s: operation %q not allowed from status %q", e.FlowID, e.Op, e.From)
}

// ConcurrentModificationError means the caller lost the per-flow race: the
// record version changed, or another phase execution holds a live claim.
type ConcurrentModificationError struct {
	FlowID MasterFlowID
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("flow %s was modified concurrently", e.FlowID)
}

// PhaseExecutionError wraps a failed or timed-out phase executor invocation.
// The flow has been transitioned to failed by the time this is returned.
type PhaseExecutionError struct {
	Phase   string
	Timeout bool
	Cause   error
}

func (e *PhaseExecutionError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("phase %q timed out: %v", e.Phase, e.Cause)
	}
	return fmt.Sprintf("phase %q failed: %v", e.Phase, e.Cause)
}

func (e *PhaseExecutionError) Unwrap() error { return e.Cause }

// ProjectionDriftError means the child projection row for a master flow is
// missing or inconsistent. It is logged and repaired, never returned to the
// caller of a public operation.
type ProjectionDriftError struct {
	MasterFlowID MasterFlowID
	Reason       string
}

func (e *ProjectionDriftError) Error() string {
	return fmt.Sprintf("projection drift on master flow %s: %s", e.MasterFlowID, e.Reason)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConcurrentModification reports whether err is a ConcurrentModificationError.
func IsConcurrentModification(err error) bool {
	var cm *ConcurrentModificationError
	return errors.As(err, &cm)
}

// IsProjectionDrift reports whether err is a ProjectionDriftError.
func IsProjectionDrift(err error) bool {
	var pd *ProjectionDriftError
	return errors.As(err, &pd)
}

// IsInvalidStateTransition reports whether err is an InvalidStateTransitionError.
func IsInvalidStateTransition(err error) bool {
	var st *InvalidStateTransitionError
	return errors.As(err, &st)
}
