// Package models defines the domain records for the flow orchestration service.
package models

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// MasterFlowID identifies the canonical orchestration record of a work item.
// It is a distinct type from ChildFlowID so the two can never be swapped at a
// call site.
type MasterFlowID string

// ChildFlowID identifies the work-type-specific projection row of a flow.
type ChildFlowID string

// NewMasterFlowID generates a fresh master flow identifier.
func NewMasterFlowID() MasterFlowID {
	return MasterFlowID(uuid.New().String())
}

// NewChildFlowID generates a fresh child flow identifier.
func NewChildFlowID() ChildFlowID {
	return ChildFlowID(uuid.New().String())
}

func (id MasterFlowID) String() string { return string(id) }
func (id ChildFlowID) String() string  { return string(id) }

// PrincipalRecoveryMonitor is the acting principal recorded when the
// recovery monitor advances or closes a flow on a tenant's behalf.
const PrincipalRecoveryMonitor = "recovery-monitor"

// TenantContext scopes every orchestration operation. It is built once at the
// request boundary and passed explicitly; nothing in this service reads tenant
// state from ambient globals.
type TenantContext struct {
	TenantID     string `json:"tenant_id"`
	EngagementID string `json:"engagement_id"`
	PrincipalID  string `json:"principal_id"`
}

// Valid reports whether the context carries the full scoping triple.
func (t TenantContext) Valid() bool {
	return t.TenantID != "" && t.EngagementID != "" && t.PrincipalID != ""
}

// WorkType identifies the kind of long-running work a flow drives.
type WorkType string

const (
	WorkTypeDiscovery  WorkType = "discovery"
	WorkTypeCollection WorkType = "collection"
	WorkTypeAssessment WorkType = "assessment"
)

// FlowStatus is the canonical lifecycle state of a master flow.
type FlowStatus string

const (
	StatusInitializing FlowStatus = "initializing"
	StatusRunning      FlowStatus = "running"
	StatusPaused       FlowStatus = "paused"
	StatusCompleted    FlowStatus = "completed"
	StatusFailed       FlowStatus = "failed"
	StatusCancelled    FlowStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s FlowStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// validTransitions encodes the flow state machine. Self-transitions on
// running happen on every successful non-terminal phase.
var validTransitions = map[FlowStatus]map[FlowStatus]bool{
	StatusInitializing: {StatusRunning: true, StatusCompleted: true, StatusFailed: true, StatusCancelled: true},
	StatusRunning:      {StatusRunning: true, StatusPaused: true, StatusCompleted: true, StatusFailed: true, StatusCancelled: true},
	StatusPaused:       {StatusRunning: true, StatusCancelled: true},
}

// CanTransition reports whether from -> to is a legal status transition.
func CanTransition(from, to FlowStatus) bool {
	return validTransitions[from][to]
}

// Child flow substates that are richer than the canonical statuses but map
// onto them. Anything not in this table is expected to already be canonical.
var childSubstates = map[string]FlowStatus{
	"in_progress":          StatusRunning,
	"waiting_for_approval": StatusPaused,
}

// CanonicalChildStatus maps a child flow status, which may use a richer
// work-type-specific vocabulary, onto the canonical flow status.
func CanonicalChildStatus(s string) FlowStatus {
	if canonical, ok := childSubstates[s]; ok {
		return canonical
	}
	return FlowStatus(s)
}

// PhaseClaim marks an in-flight phase execution. At most one live claim
// exists per flow; it is stamped under a version check before the executor is
// invoked and cleared when the result is folded in.
type PhaseClaim struct {
	Phase     string    `json:"phase"`
	Attempt   int       `json:"attempt"`
	ClaimedBy string    `json:"claimed_by"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// RepairStamp records a monitor-initiated action on a flow, kept in the state
// blob for audit.
type RepairStamp struct {
	Phase     string    `json:"phase"`
	Principal string    `json:"principal"`
	Action    string    `json:"action"`
	At        time.Time `json:"at"`
}

// PhaseOutput is the folded result of one executed phase. Known phase shapes
// get typed fields; anything genuinely dynamic lives in Data.
type PhaseOutput struct {
	Kind       string             `json:"kind,omitempty"`
	Inventory  *InventorySummary  `json:"inventory,omitempty"`
	Extraction *ExtractionSummary `json:"extraction,omitempty"`
	Score      *ScoreSummary      `json:"score,omitempty"`
	Data       map[string]any     `json:"data,omitempty"`
}

// InventorySummary is the typed output shape of discovery phases.
type InventorySummary struct {
	Sources  int `json:"sources"`
	Entities int `json:"entities"`
}

// ExtractionSummary is the typed output shape of collection phases.
type ExtractionSummary struct {
	Records  int `json:"records"`
	Rejected int `json:"rejected"`
}

// ScoreSummary is the typed output shape of assessment phases.
type ScoreSummary struct {
	Score float64 `json:"score"`
	Band  string  `json:"band"`
}

// FlowState is the orchestrator-owned mutable state of a master flow. It is
// the only part of the record the engine rewrites after creation and is
// persisted as a single JSONB column.
type FlowState struct {
	Completed map[string]bool        `json:"completed,omitempty"`
	Outputs   map[string]PhaseOutput `json:"outputs,omitempty"`
	Ready     bool                   `json:"ready,omitempty"`
	Claim     *PhaseClaim            `json:"claim,omitempty"`
	Repairs   []RepairStamp          `json:"repairs,omitempty"`
	Ext       map[string]any         `json:"ext,omitempty"`
}

// IsCompleted reports whether the named phase has been executed to success.
func (s *FlowState) IsCompleted(phase string) bool {
	return s.Completed[phase]
}

// MarkCompleted records a successful phase and its output.
func (s *FlowState) MarkCompleted(phase string, out PhaseOutput) {
	if s.Completed == nil {
		s.Completed = make(map[string]bool)
	}
	if s.Outputs == nil {
		s.Outputs = make(map[string]PhaseOutput)
	}
	s.Completed[phase] = true
	s.Outputs[phase] = out
}

// CarryForward builds the context handed to the next phase: the generic
// extension map overlaid with every completed phase's dynamic output, keyed
// by phase name.
func (s *FlowState) CarryForward() map[string]any {
	merged := make(map[string]any, len(s.Ext)+len(s.Outputs))
	for k, v := range s.Ext {
		merged[k] = v
	}
	for phase, out := range s.Outputs {
		if len(out.Data) > 0 {
			merged[phase] = out.Data
		}
	}
	return merged
}

// MasterFlowRecord is the canonical state of a work item. flow_id is unique
// across all tenants and immutable after creation.
type MasterFlowRecord struct {
	FlowID        MasterFlowID   `json:"flow_id" db:"flow_id"`
	TenantID      string         `json:"tenant_id" db:"tenant_id"`
	EngagementID  string         `json:"engagement_id" db:"engagement_id"`
	PrincipalID   string         `json:"principal_id" db:"principal_id"`
	WorkType      WorkType       `json:"work_type" db:"work_type"`
	Status        FlowStatus     `json:"status" db:"status"`
	Configuration map[string]any `json:"configuration,omitempty" db:"configuration"`
	State         FlowState      `json:"state" db:"state"`
	Version       int            `json:"version" db:"version"`
	ErrorMessage  *string        `json:"error_message,omitempty" db:"error_message"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at" db:"updated_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
}

// Scope returns the tenant context embedded in the record with the given
// acting principal. The recovery monitor uses this to run scoped operations
// on a tenant's behalf.
func (m *MasterFlowRecord) Scope(principal string) TenantContext {
	return TenantContext{
		TenantID:     m.TenantID,
		EngagementID: m.EngagementID,
		PrincipalID:  principal,
	}
}

// PhaseCompletion is one entry of the child flow's ordered completion list.
type PhaseCompletion struct {
	Name      string `json:"name"`
	Completed bool   `json:"completed"`
}

// ChildFlowRecord is the work-type-specific projection of a master flow,
// linked one-to-one via MasterFlowID. Its own FlowID is a separate key and
// must never be used to address orchestration state.
type ChildFlowRecord struct {
	FlowID             ChildFlowID       `json:"flow_id" db:"flow_id"`
	MasterFlowID       MasterFlowID      `json:"master_flow_id" db:"master_flow_id"`
	TenantID           string            `json:"tenant_id" db:"tenant_id"`
	EngagementID       string            `json:"engagement_id" db:"engagement_id"`
	CurrentPhase       string            `json:"current_phase" db:"current_phase"`
	ProgressPercentage float64           `json:"progress_percentage" db:"progress_percentage"`
	PhaseCompletion    []PhaseCompletion `json:"phase_completion" db:"phase_completion"`
	Status             string            `json:"status" db:"status"`
	ErrorMessage       *string           `json:"error_message,omitempty" db:"error_message"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt          time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at" db:"updated_at"`
}

// PhaseResultStatus is the outcome of a single phase execution.
type PhaseResultStatus string

const (
	PhaseCompleted PhaseResultStatus = "completed"
	PhaseFailed    PhaseResultStatus = "failed"
)

// PhaseResult is produced by the phase executor and consumed by the engine.
// It is never persisted on its own; its effects are folded into the master
// and child records.
type PhaseResult struct {
	PhaseName string            `json:"phase_name"`
	Status    PhaseResultStatus `json:"status"`
	Output    *PhaseOutput      `json:"output,omitempty"`
	NextPhase *string           `json:"next_phase,omitempty"`
	Error     *string           `json:"error,omitempty"`
}

// FlowFilter narrows list operations.
type FlowFilter struct {
	Status   *FlowStatus
	WorkType *WorkType
}

// ProgressPercent computes completed/total as a percentage rounded to one
// decimal place.
func ProgressPercent(completed, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(completed)/float64(total)*1000) / 10
}
