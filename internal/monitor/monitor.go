// Package monitor implements the recovery sweep: it finds flows that are
// stuck, should already be complete, or have drifted projections, and either
// advances or closes them. It never deletes anything.
package monitor

import (
	"context"
	"fmt"
	"time"

	"flow-orchestrator/backend/internal/catalog"
	"flow-orchestrator/backend/internal/logging"
	"flow-orchestrator/backend/internal/repository"
	"flow-orchestrator/backend/internal/telemetry"
	"flow-orchestrator/backend/pkg/models"
)

// FlowAdvancer is the slice of the execution engine the monitor needs to
// advance a stuck flow on a tenant's behalf.
type FlowAdvancer interface {
	ExecuteNextPhase(ctx context.Context, tctx models.TenantContext, id models.MasterFlowID, phaseInput map[string]any) (*models.MasterFlowRecord, *models.PhaseResult, error)
}

// Config tunes stuck detection and the should-be-complete heuristics. The
// weights and cutoff are carried over from the original deployment; they are
// deliberately configuration, not inferred semantics.
type Config struct {
	StuckThreshold     time.Duration
	InitStuckThreshold time.Duration
	ProgressWeight     float64
	TerminalWeight     float64
	ReadyWeight        float64
	CompleteCutoff     float64
	MaxRepairsPerSweep int
}

func (c *Config) applyDefaults() {
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = 24 * time.Hour
	}
	if c.InitStuckThreshold <= 0 {
		c.InitStuckThreshold = 30 * time.Minute
	}
	if c.ProgressWeight == 0 {
		c.ProgressWeight = 0.3
	}
	if c.TerminalWeight == 0 {
		c.TerminalWeight = 0.4
	}
	if c.ReadyWeight == 0 {
		c.ReadyWeight = 0.3
	}
	if c.CompleteCutoff == 0 {
		c.CompleteCutoff = 0.7
	}
	if c.MaxRepairsPerSweep == 0 {
		c.MaxRepairsPerSweep = 10
	}
}

// SweepAction is one entry of a sweep's audit trail.
type SweepAction struct {
	MasterFlowID models.MasterFlowID `json:"master_flow_id"`
	TenantID     string              `json:"tenant_id"`
	Action       string              `json:"action"`
	Reason       string              `json:"reason,omitempty"`
	Before       models.FlowStatus   `json:"before"`
	After        models.FlowStatus   `json:"after"`
}

// SweepReport summarizes one recovery sweep for external schedulers.
type SweepReport struct {
	FlowsChecked int           `json:"flows_checked"`
	Advanced     int           `json:"advanced"`
	Skipped      int           `json:"skipped"`
	Failed       int           `json:"failed"`
	Details      []SweepAction `json:"details,omitempty"`
}

// Monitor performs recovery sweeps. It lists candidates cross-tenant but
// performs every mutation through tenant-scoped paths using a context
// reconstructed from the record, so scoping checks and audit attribution
// hold for background repairs too.
type Monitor struct {
	store    repository.FlowStore
	engine   FlowAdvancer
	catalog  *catalog.Catalog
	log      *logging.Logger
	metrics  *telemetry.Metrics
	cfg      Config
	nowFunc  func() time.Time
}

// New creates a Monitor. The monitor does not schedule itself; RunSweep is
// invoked by cron, an operator, or the sweep CLI command.
func New(store repository.FlowStore, engine FlowAdvancer, cat *catalog.Catalog, log *logging.Logger, metrics *telemetry.Metrics, cfg Config) *Monitor {
	cfg.applyDefaults()
	return &Monitor{
		store:   store,
		engine:  engine,
		catalog: cat,
		log:     log,
		metrics: metrics,
		cfg:     cfg,
		nowFunc: time.Now,
	}
}

// RunSweep performs one full recovery pass and returns its report.
func (m *Monitor) RunSweep(ctx context.Context) (*SweepReport, error) {
	now := m.nowFunc().UTC()
	report := &SweepReport{}
	repairs := 0

	stuckRunning, err := m.store.ListStaleFlows(ctx, models.StatusRunning, now.Add(-m.cfg.StuckThreshold))
	if err != nil {
		return nil, fmt.Errorf("list stuck running flows: %w", err)
	}
	stuckInit, err := m.store.ListStaleFlows(ctx, models.StatusInitializing, now.Add(-m.cfg.InitStuckThreshold))
	if err != nil {
		return nil, fmt.Errorf("list stuck initializing flows: %w", err)
	}

	for _, flow := range append(stuckRunning, stuckInit...) {
		report.FlowsChecked++
		m.sweepFlow(ctx, flow, report, &repairs)
	}

	m.log.Info("recovery sweep finished",
		"checked", report.FlowsChecked, "advanced", report.Advanced,
		"skipped", report.Skipped, "failed", report.Failed)
	return report, nil
}

func (m *Monitor) sweepFlow(ctx context.Context, flow *models.MasterFlowRecord, report *SweepReport, repairs *int) {
	tctx := flow.Scope(models.PrincipalRecoveryMonitor)
	before := flow.Status

	child, err := m.store.GetChildFlow(ctx, tctx, flow.FlowID)
	if err != nil {
		if !models.IsNotFound(err) {
			report.Failed++
			report.Details = append(report.Details, m.action(flow, "inspect", err.Error(), before, before))
			return
		}
		child, err = m.rebuildProjection(ctx, tctx, flow)
		if err != nil {
			report.Failed++
			report.Details = append(report.Details, m.action(flow, "rebuild_projection", err.Error(), before, before))
			return
		}
		report.Advanced++
		report.Details = append(report.Details, m.action(flow, "rebuild_projection", "child row was missing", before, before))
		m.metrics.CountSweepRepair(ctx, "rebuild_projection")
	}

	confidence := m.completionConfidence(flow, child)
	if confidence >= m.cfg.CompleteCutoff {
		if err := m.autoComplete(ctx, tctx, flow, child); err != nil {
			report.Failed++
			report.Details = append(report.Details, m.action(flow, "auto_complete", err.Error(), before, before))
			return
		}
		report.Advanced++
		report.Details = append(report.Details, m.action(flow, "auto_complete",
			fmt.Sprintf("confidence %.2f", confidence), before, models.StatusCompleted))
		m.metrics.CountSweepRepair(ctx, "auto_complete")
		return
	}

	ok, reason := m.preconditionsSatisfied(flow)
	if !ok {
		report.Skipped++
		report.Details = append(report.Details, m.action(flow, "skip", reason, before, before))
		return
	}
	if *repairs >= m.cfg.MaxRepairsPerSweep {
		report.Skipped++
		report.Details = append(report.Details, m.action(flow, "skip", "repair budget exhausted", before, before))
		return
	}
	*repairs++

	m.log.Info("advancing stuck flow on tenant's behalf",
		"master_flow_id", flow.FlowID, "tenant_id", flow.TenantID, "status", before)
	updated, _, err := m.engine.ExecuteNextPhase(ctx, tctx, flow.FlowID, nil)
	if err != nil {
		report.Failed++
		report.Details = append(report.Details, m.action(flow, "advance", err.Error(), before, before))
		return
	}
	report.Advanced++
	report.Details = append(report.Details, m.action(flow, "advance", "stuck with satisfied preconditions", before, updated.Status))
	m.metrics.CountSweepRepair(ctx, "advance")
}

// completionConfidence scores how certain it is that a flow is actually done.
// Independent signals accumulate; an existing completion timestamp, or a
// fully completed phase set, forces certainty.
func (m *Monitor) completionConfidence(flow *models.MasterFlowRecord, child *models.ChildFlowRecord) float64 {
	if flow.CompletedAt != nil || (child != nil && child.CompletedAt != nil) {
		return 1.0
	}
	if next, err := m.catalog.NextPhase(flow.WorkType, flow.State.Completed); err == nil && next == nil {
		return 1.0
	}

	score := 0.0
	if child != nil && child.ProgressPercentage >= 95 {
		score += m.cfg.ProgressWeight
	}
	if terminal, err := m.catalog.TerminalPhase(flow.WorkType); err == nil && child != nil {
		if child.CurrentPhase == m.catalog.ChildPhaseName(flow.WorkType, terminal.Name) {
			score += m.cfg.TerminalWeight
		}
	}
	if flow.State.Ready {
		score += m.cfg.ReadyWeight
	}
	return score
}

// autoComplete idempotently closes out both records.
func (m *Monitor) autoComplete(ctx context.Context, tctx models.TenantContext, flow *models.MasterFlowRecord, child *models.ChildFlowRecord) error {
	if flow.Status == models.StatusCompleted {
		return nil
	}
	before := flow.Status

	now := m.nowFunc().UTC()
	flow.Status = models.StatusCompleted
	flow.CompletedAt = &now
	flow.State.Claim = nil
	flow.State.Repairs = append(flow.State.Repairs, models.RepairStamp{
		Principal: models.PrincipalRecoveryMonitor,
		Action:    "auto_complete",
		At:        now,
	})

	child.Status = string(models.StatusCompleted)
	child.ProgressPercentage = 100.0
	child.CompletedAt = &now

	err := m.store.UpdateFlow(ctx, tctx, flow, child)
	if models.IsConcurrentModification(err) {
		fresh, getErr := m.store.GetMasterFlow(ctx, tctx, flow.FlowID)
		if getErr != nil {
			return getErr
		}
		if fresh.Status == models.StatusCompleted {
			return nil
		}
		return err
	}
	if err != nil && !models.IsProjectionDrift(err) {
		return err
	}

	m.log.Info("auto-completed flow",
		"master_flow_id", flow.FlowID, "tenant_id", flow.TenantID,
		"before", before, "after", flow.Status)
	return nil
}

// rebuildProjection reconstructs a missing child row from the master record.
func (m *Monitor) rebuildProjection(ctx context.Context, tctx models.TenantContext, flow *models.MasterFlowRecord) (*models.ChildFlowRecord, error) {
	phases, err := m.catalog.Phases(flow.WorkType)
	if err != nil {
		return nil, err
	}
	completion, err := m.catalog.CompletionList(flow.WorkType, flow.State.Completed)
	if err != nil {
		return nil, err
	}
	done := 0
	for _, p := range phases {
		if flow.State.Completed[p.Name] {
			done++
		}
	}
	current := ""
	if next, err := m.catalog.NextPhase(flow.WorkType, flow.State.Completed); err == nil && next != nil {
		current = m.catalog.ChildPhaseName(flow.WorkType, next.Name)
	} else if terminal, err := m.catalog.TerminalPhase(flow.WorkType); err == nil {
		current = m.catalog.ChildPhaseName(flow.WorkType, terminal.Name)
	}

	child := &models.ChildFlowRecord{
		FlowID:             models.NewChildFlowID(),
		MasterFlowID:       flow.FlowID,
		TenantID:           flow.TenantID,
		EngagementID:       flow.EngagementID,
		CurrentPhase:       current,
		ProgressPercentage: models.ProgressPercent(done, len(phases)),
		PhaseCompletion:    completion,
		Status:             string(flow.Status),
		ErrorMessage:       flow.ErrorMessage,
		CompletedAt:        flow.CompletedAt,
	}
	if err := m.store.CreateChildFlow(ctx, tctx, child); err != nil {
		return nil, err
	}
	m.log.Warn("rebuilt missing child projection",
		"master_flow_id", flow.FlowID, "child_flow_id", child.FlowID, "tenant_id", flow.TenantID)
	return child, nil
}

// preconditionsSatisfied checks that every phase before the next one has
// completed and left its output behind, so advancing is safe.
func (m *Monitor) preconditionsSatisfied(flow *models.MasterFlowRecord) (bool, string) {
	next, err := m.catalog.NextPhase(flow.WorkType, flow.State.Completed)
	if err != nil {
		return false, err.Error()
	}
	if next == nil {
		return false, "no phases remain"
	}
	phases, err := m.catalog.Phases(flow.WorkType)
	if err != nil {
		return false, err.Error()
	}
	for _, p := range phases {
		if p.Ordinal >= next.Ordinal {
			break
		}
		if !flow.State.Completed[p.Name] {
			return false, fmt.Sprintf("prerequisite phase %q incomplete", p.Name)
		}
		if _, ok := flow.State.Outputs[p.Name]; !ok {
			return false, fmt.Sprintf("prerequisite phase %q left no output", p.Name)
		}
	}
	if claim := flow.State.Claim; claim != nil {
		return false, fmt.Sprintf("live claim on phase %q", claim.Phase)
	}
	return true, ""
}

func (m *Monitor) action(flow *models.MasterFlowRecord, action, reason string, before, after models.FlowStatus) SweepAction {
	return SweepAction{
		MasterFlowID: flow.FlowID,
		TenantID:     flow.TenantID,
		Action:       action,
		Reason:       reason,
		Before:       before,
		After:        after,
	}
}
