// Package engine contains the orchestration core: it advances flows one
// phase at a time, folds executor results into the master record, and keeps
// the child projection in sync.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flow-orchestrator/backend/internal/catalog"
	"flow-orchestrator/backend/internal/executor"
	"flow-orchestrator/backend/internal/logging"
	"flow-orchestrator/backend/internal/repository"
	"flow-orchestrator/backend/internal/telemetry"
	"flow-orchestrator/backend/pkg/models"
)

const (
	defaultClaimTTL         = 5 * time.Minute
	defaultTransientRetries = 1

	// claimSlack pads the claimant's executor timeout when judging claim
	// liveness, covering fold and clock skew after the executor returns.
	claimSlack = 30 * time.Second
)

// Config tunes the engine's claim and retry behavior.
type Config struct {
	// ClaimTTL is the floor for how long a stamped phase claim is
	// considered live. Claims on phases whose executor timeout exceeds it
	// stay live for that timeout plus slack, so a slow but legitimate
	// claimant is never taken over while its call can still be running.
	ClaimTTL time.Duration
	// TransientRetries is the number of immediate executor retries on
	// transport-level errors. Timeouts are never retried here.
	TransientRetries int
}

// Engine drives flows through their phase sequence. All mutations go through
// the store's version-checked updates; the engine holds no locks of its own
// and never keeps a database transaction open across an executor call.
type Engine struct {
	store    repository.FlowStore
	catalog  *catalog.Catalog
	executor executor.PhaseExecutor
	log      *logging.Logger
	metrics  *telemetry.Metrics
	cfg      Config
}

// New creates an Engine.
func New(store repository.FlowStore, cat *catalog.Catalog, exec executor.PhaseExecutor, log *logging.Logger, metrics *telemetry.Metrics, cfg Config) *Engine {
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = defaultClaimTTL
	}
	if cfg.TransientRetries < 0 {
		cfg.TransientRetries = defaultTransientRetries
	}
	return &Engine{
		store:    store,
		catalog:  cat,
		executor: exec,
		log:      log,
		metrics:  metrics,
		cfg:      cfg,
	}
}

// phaseTimeouts is implemented by executors that bound each phase call,
// such as the HTTP executor.
type phaseTimeouts interface {
	Timeout(phase string) time.Duration
}

// claimTTL returns how long a claim on the named phase stays live: the
// configured ClaimTTL, extended to the phase's executor timeout plus slack
// when that is longer. A claim records its phase, so the lookup works even
// when the claimant was a different process.
func (e *Engine) claimTTL(phase string) time.Duration {
	ttl := e.cfg.ClaimTTL
	if pt, ok := e.executor.(phaseTimeouts); ok {
		if d := pt.Timeout(phase) + claimSlack; d > ttl {
			ttl = d
		}
	}
	return ttl
}

// CreateFlow inserts a new master record and its child projection. Supplying
// a non-empty id makes the call idempotent: a second create with the same id
// fails with DuplicateFlowError instead of spawning a sibling.
func (e *Engine) CreateFlow(ctx context.Context, tctx models.TenantContext, workType models.WorkType, configuration map[string]any, id models.MasterFlowID) (*models.MasterFlowRecord, *models.ChildFlowRecord, error) {
	phases, err := e.catalog.Phases(workType)
	if err != nil {
		return nil, nil, err
	}
	if id == "" {
		id = models.NewMasterFlowID()
	}

	now := time.Now().UTC()
	master := &models.MasterFlowRecord{
		FlowID:        id,
		TenantID:      tctx.TenantID,
		EngagementID:  tctx.EngagementID,
		PrincipalID:   tctx.PrincipalID,
		WorkType:      workType,
		Status:        models.StatusInitializing,
		Configuration: configuration,
		State:         models.FlowState{},
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	completion, err := e.catalog.CompletionList(workType, nil)
	if err != nil {
		return nil, nil, err
	}
	child := &models.ChildFlowRecord{
		FlowID:          models.NewChildFlowID(),
		MasterFlowID:    id,
		TenantID:        tctx.TenantID,
		EngagementID:    tctx.EngagementID,
		CurrentPhase:    e.catalog.ChildPhaseName(workType, phases[0].Name),
		PhaseCompletion: completion,
		Status:          string(models.StatusInitializing),
	}

	if err := e.store.CreateFlow(ctx, tctx, master, child); err != nil {
		return nil, nil, err
	}
	e.log.Info("flow created",
		"master_flow_id", master.FlowID, "child_flow_id", child.FlowID,
		"tenant_id", tctx.TenantID, "work_type", workType)
	return master, child, nil
}

// ExecuteNextPhase advances the flow by exactly one phase. Calls on flows
// already in a terminal status return the record unchanged with a nil result.
// A lost per-flow race is retried once with fresh state; if that retry shows
// another caller already advanced the phase, the fresh record is returned
// without re-executing anything.
func (e *Engine) ExecuteNextPhase(ctx context.Context, tctx models.TenantContext, id models.MasterFlowID, phaseInput map[string]any) (*models.MasterFlowRecord, *models.PhaseResult, error) {
	m, res, intended, err := e.executeOnce(ctx, tctx, id, phaseInput)
	if !models.IsConcurrentModification(err) {
		return m, res, err
	}

	fresh, getErr := e.store.GetMasterFlow(ctx, tctx, id)
	if getErr != nil {
		return nil, nil, getErr
	}
	if fresh.Status.IsTerminal() {
		return fresh, nil, nil
	}
	next, catErr := e.catalog.NextPhase(fresh.WorkType, fresh.State.Completed)
	if catErr != nil {
		return nil, nil, catErr
	}
	if intended != "" && (next == nil || next.Name != intended) {
		// Another caller executed the phase we were racing for. One call
		// pair advances exactly one phase, so this caller does not run the
		// successor.
		e.log.Info("phase already advanced by concurrent caller",
			"master_flow_id", id, "phase", intended)
		return fresh, nil, nil
	}
	m, res, _, err = e.executeOnce(ctx, tctx, id, phaseInput)
	return m, res, err
}

// executeOnce performs a single claim/execute/fold cycle. intended names the
// phase this attempt tried to claim, for conflict diagnosis by the caller.
func (e *Engine) executeOnce(ctx context.Context, tctx models.TenantContext, id models.MasterFlowID, phaseInput map[string]any) (rec *models.MasterFlowRecord, res *models.PhaseResult, intended string, err error) {
	m, err := e.store.GetMasterFlow(ctx, tctx, id)
	if err != nil {
		return nil, nil, "", err
	}
	if m.Status.IsTerminal() {
		return m, nil, "", nil
	}
	if m.Status == models.StatusPaused {
		return nil, nil, "", &models.InvalidStateTransitionError{FlowID: id, From: m.Status, Op: "execute_next_phase"}
	}

	next, err := e.catalog.NextPhase(m.WorkType, m.State.Completed)
	if err != nil {
		return nil, nil, "", err
	}
	if next == nil {
		rec, err := e.closeOut(ctx, tctx, m)
		return rec, nil, "", err
	}
	intended = next.Name

	if claim := m.State.Claim; claim != nil && time.Since(claim.ClaimedAt) < e.claimTTL(claim.Phase) {
		return nil, nil, intended, &models.ConcurrentModificationError{FlowID: id}
	}

	if err := e.stampClaim(ctx, tctx, m, next); err != nil {
		return nil, nil, intended, err
	}

	input := m.State.CarryForward()
	for k, v := range phaseInput {
		input[k] = v
	}

	res, execErr := e.invoke(ctx, tctx, next.Name, input)
	if execErr != nil || res.Status == models.PhaseFailed {
		rec, perr := e.failFlow(ctx, tctx, m, next.Name, res, execErr)
		return rec, res, intended, perr
	}

	rec, err = e.foldSuccess(ctx, tctx, m, next, res)
	return rec, res, intended, err
}

// stampClaim writes the in-flight marker under the version check and moves
// the flow to running. After this no other caller can start the same phase
// until the claim is cleared or goes stale.
func (e *Engine) stampClaim(ctx context.Context, tctx models.TenantContext, m *models.MasterFlowRecord, next *catalog.PhaseDefinition) error {
	attempt := 1
	if claim := m.State.Claim; claim != nil && claim.Phase == next.Name {
		attempt = claim.Attempt + 1
	}
	m.State.Claim = &models.PhaseClaim{
		Phase:     next.Name,
		Attempt:   attempt,
		ClaimedBy: tctx.PrincipalID,
		ClaimedAt: time.Now().UTC(),
	}
	m.Status = models.StatusRunning

	child, childErr := e.projectionFor(ctx, tctx, m)
	if childErr != nil {
		return childErr
	}
	if child != nil {
		child.Status = string(models.StatusRunning)
		child.CurrentPhase = e.catalog.ChildPhaseName(m.WorkType, next.Name)
	}

	if err := e.store.UpdateFlow(ctx, tctx, m, child); err != nil {
		if models.IsProjectionDrift(err) {
			e.reportDrift(ctx, err)
			return nil
		}
		return err
	}
	return nil
}

// invoke calls the phase executor with bounded transient retries. Timeouts
// are surfaced immediately; retry policy beyond transport hiccups belongs to
// the caller.
func (e *Engine) invoke(ctx context.Context, tctx models.TenantContext, phase string, input map[string]any) (*models.PhaseResult, error) {
	var (
		res *models.PhaseResult
		err error
	)
	for attempt := 0; attempt <= e.cfg.TransientRetries; attempt++ {
		res, err = e.executor.Execute(ctx, tctx, phase, input)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, err
		}
		e.log.Warn("transient executor error, retrying",
			"phase", phase, "attempt", attempt+1, "error", err)
	}
	return nil, err
}

// foldSuccess persists a successful phase result: marks the phase complete,
// clears the claim, advances or completes the status, and updates the child
// projection, all in one logical update.
func (e *Engine) foldSuccess(ctx context.Context, tctx models.TenantContext, m *models.MasterFlowRecord, executed *catalog.PhaseDefinition, res *models.PhaseResult) (*models.MasterFlowRecord, error) {
	out := models.PhaseOutput{}
	if res.Output != nil {
		out = *res.Output
	}
	e.applyResult(m, executed.Name, out, tctx.PrincipalID)

	child, err := e.buildProjection(ctx, tctx, m)
	if err != nil {
		return nil, err
	}

	if err := e.store.UpdateFlow(ctx, tctx, m, child); err != nil {
		switch {
		case models.IsProjectionDrift(err):
			e.reportDrift(ctx, err)
		case models.IsConcurrentModification(err):
			return e.refoldAfterConflict(ctx, tctx, m.FlowID, executed.Name, out, tctx.PrincipalID)
		default:
			return nil, err
		}
	}

	e.metrics.CountPhase(ctx, string(m.WorkType), executed.Name)
	if m.Status == models.StatusCompleted {
		e.metrics.CountFlowCompleted(ctx, string(m.WorkType))
	}
	e.log.Info("phase completed",
		"master_flow_id", m.FlowID, "phase", executed.Name,
		"status", m.Status, "principal", tctx.PrincipalID)
	return m, nil
}

// applyResult mutates the master record in memory for a successful phase.
func (e *Engine) applyResult(m *models.MasterFlowRecord, phase string, out models.PhaseOutput, principal string) {
	m.State.MarkCompleted(phase, out)
	m.State.Claim = nil
	if principal == models.PrincipalRecoveryMonitor {
		m.State.Repairs = append(m.State.Repairs, models.RepairStamp{
			Phase:     phase,
			Principal: principal,
			Action:    "advance",
			At:        time.Now().UTC(),
		})
	}

	remaining, _ := e.catalog.NextPhase(m.WorkType, m.State.Completed)
	if remaining == nil {
		m.Status = models.StatusCompleted
		now := time.Now().UTC()
		m.CompletedAt = &now
	} else {
		m.Status = models.StatusRunning
	}
}

// refoldAfterConflict handles losing the completion write: the flow changed
// while the executor ran. A cancelled (or otherwise terminal) flow discards
// the result; anything else gets the result re-applied onto fresh state once.
func (e *Engine) refoldAfterConflict(ctx context.Context, tctx models.TenantContext, id models.MasterFlowID, phase string, out models.PhaseOutput, principal string) (*models.MasterFlowRecord, error) {
	fresh, err := e.store.GetMasterFlow(ctx, tctx, id)
	if err != nil {
		return nil, err
	}
	if fresh.Status.IsTerminal() {
		e.log.Warn("discarding phase result, flow reached terminal status during execution",
			"master_flow_id", id, "phase", phase, "status", fresh.Status)
		return fresh, nil
	}

	paused := fresh.Status == models.StatusPaused
	e.applyResult(fresh, phase, out, principal)
	if paused && fresh.Status == models.StatusRunning {
		// A pause issued mid-execution wins over the running self-transition;
		// the phase result itself is kept.
		fresh.Status = models.StatusPaused
	}

	child, err := e.buildProjection(ctx, tctx, fresh)
	if err != nil {
		return nil, err
	}
	if err := e.store.UpdateFlow(ctx, tctx, fresh, child); err != nil {
		if models.IsProjectionDrift(err) {
			e.reportDrift(ctx, err)
			return fresh, nil
		}
		return nil, err
	}
	return fresh, nil
}

// failFlow transitions the flow to failed and surfaces a PhaseExecutionError
// with the underlying cause preserved.
func (e *Engine) failFlow(ctx context.Context, tctx models.TenantContext, m *models.MasterFlowRecord, phase string, res *models.PhaseResult, execErr error) (*models.MasterFlowRecord, error) {
	cause := execErr
	if cause == nil && res != nil && res.Error != nil {
		cause = errors.New(*res.Error)
	}
	if cause == nil {
		cause = fmt.Errorf("phase %q reported failure without detail", phase)
	}
	timeout := errors.Is(execErr, context.DeadlineExceeded)

	msg := cause.Error()
	m.Status = models.StatusFailed
	m.ErrorMessage = &msg
	m.State.Claim = nil

	child, err := e.buildProjection(ctx, tctx, m)
	if err != nil {
		return nil, err
	}

	if err := e.store.UpdateFlow(ctx, tctx, m, child); err != nil {
		switch {
		case models.IsProjectionDrift(err):
			e.reportDrift(ctx, err)
		case models.IsConcurrentModification(err):
			fresh, getErr := e.store.GetMasterFlow(ctx, tctx, m.FlowID)
			if getErr != nil {
				return nil, getErr
			}
			if fresh.Status.IsTerminal() {
				// Cancelled out from under us; the cancellation wins.
				m = fresh
				break
			}
			fresh.Status = models.StatusFailed
			fresh.ErrorMessage = &msg
			fresh.State.Claim = nil
			freshChild, projErr := e.buildProjection(ctx, tctx, fresh)
			if projErr != nil {
				return nil, projErr
			}
			if updErr := e.store.UpdateFlow(ctx, tctx, fresh, freshChild); updErr != nil && !models.IsProjectionDrift(updErr) {
				return nil, updErr
			}
			m = fresh
		default:
			return nil, err
		}
	}

	e.metrics.CountPhaseFailure(ctx, string(m.WorkType), phase, timeout)
	e.log.Error("phase execution failed",
		"master_flow_id", m.FlowID, "phase", phase, "timeout", timeout, "error", msg)

	if m.Status == models.StatusFailed {
		return m, &models.PhaseExecutionError{Phase: phase, Timeout: timeout, Cause: cause}
	}
	return m, nil
}

// closeOut completes a flow whose catalog has no phases left but whose
// status never reached completed.
func (e *Engine) closeOut(ctx context.Context, tctx models.TenantContext, m *models.MasterFlowRecord) (*models.MasterFlowRecord, error) {
	if !models.CanTransition(m.Status, models.StatusCompleted) {
		return nil, &models.InvalidStateTransitionError{FlowID: m.FlowID, From: m.Status, Op: "complete"}
	}
	m.Status = models.StatusCompleted
	now := time.Now().UTC()
	m.CompletedAt = &now
	m.State.Claim = nil

	child, err := e.buildProjection(ctx, tctx, m)
	if err != nil {
		return nil, err
	}
	if err := e.store.UpdateFlow(ctx, tctx, m, child); err != nil {
		if models.IsProjectionDrift(err) {
			e.reportDrift(ctx, err)
			return m, nil
		}
		return nil, err
	}
	e.metrics.CountFlowCompleted(ctx, string(m.WorkType))
	return m, nil
}

// Resume merges the resume context into the flow state and transitions
// paused -> running, then advances the next phase. Resume on any other
// status, terminal ones included, is a hard typed error and mutates nothing.
// A lost version race on the status write is retried once with fresh state;
// if the flow left paused in the meantime, the retry reports that instead.
func (e *Engine) Resume(ctx context.Context, tctx models.TenantContext, id models.MasterFlowID, resumeContext map[string]any) (*models.MasterFlowRecord, *models.PhaseResult, error) {
	for attempt := 0; attempt < 2; attempt++ {
		m, err := e.store.GetMasterFlow(ctx, tctx, id)
		if err != nil {
			return nil, nil, err
		}
		if m.Status != models.StatusPaused {
			return nil, nil, &models.InvalidStateTransitionError{FlowID: id, From: m.Status, Op: "resume"}
		}

		if len(resumeContext) > 0 {
			if m.State.Ext == nil {
				m.State.Ext = make(map[string]any, len(resumeContext))
			}
			for k, v := range resumeContext {
				m.State.Ext[k] = v
			}
		}
		m.Status = models.StatusRunning

		child, err := e.projectionFor(ctx, tctx, m)
		if err != nil {
			return nil, nil, err
		}
		if child != nil {
			child.Status = string(models.StatusRunning)
		}

		err = e.store.UpdateFlow(ctx, tctx, m, child)
		switch {
		case err == nil:
		case models.IsProjectionDrift(err):
			e.reportDrift(ctx, err)
		case models.IsConcurrentModification(err) && attempt == 0:
			continue
		default:
			return nil, nil, err
		}

		e.log.Info("flow resumed", "master_flow_id", id, "principal", tctx.PrincipalID)
		return e.ExecuteNextPhase(ctx, tctx, id, nil)
	}
	return nil, nil, &models.ConcurrentModificationError{FlowID: id}
}

// Pause transitions running -> paused. An in-flight executor call is not
// interrupted; its completion write loses the version race and re-folds onto
// the paused record.
func (e *Engine) Pause(ctx context.Context, tctx models.TenantContext, id models.MasterFlowID) (*models.MasterFlowRecord, error) {
	return e.transition(ctx, tctx, id, models.StatusPaused, "pause")
}

// Cancel transitions the flow to cancelled. Cancelling an already-cancelled
// flow is a no-op; cancelling a completed or failed flow is caller misuse.
// An in-flight executor call is left to finish, but its result is discarded.
func (e *Engine) Cancel(ctx context.Context, tctx models.TenantContext, id models.MasterFlowID) (*models.MasterFlowRecord, error) {
	m, err := e.store.GetMasterFlow(ctx, tctx, id)
	if err != nil {
		return nil, err
	}
	if m.Status == models.StatusCancelled {
		return m, nil
	}
	return e.transition(ctx, tctx, id, models.StatusCancelled, "cancel")
}

// transition applies a plain status change under the version check with one
// internal retry on conflict.
func (e *Engine) transition(ctx context.Context, tctx models.TenantContext, id models.MasterFlowID, to models.FlowStatus, op string) (*models.MasterFlowRecord, error) {
	for attempt := 0; attempt < 2; attempt++ {
		m, err := e.store.GetMasterFlow(ctx, tctx, id)
		if err != nil {
			return nil, err
		}
		if !models.CanTransition(m.Status, to) {
			return nil, &models.InvalidStateTransitionError{FlowID: id, From: m.Status, Op: op}
		}
		m.Status = to
		if to.IsTerminal() {
			m.State.Claim = nil
		}

		child, err := e.projectionFor(ctx, tctx, m)
		if err != nil {
			return nil, err
		}
		if child != nil {
			child.Status = string(to)
		}

		err = e.store.UpdateFlow(ctx, tctx, m, child)
		switch {
		case err == nil:
			e.log.Info("flow transitioned", "master_flow_id", id, "op", op, "status", to)
			return m, nil
		case models.IsProjectionDrift(err):
			e.reportDrift(ctx, err)
			return m, nil
		case models.IsConcurrentModification(err) && attempt == 0:
			continue
		default:
			return nil, err
		}
	}
	return nil, &models.ConcurrentModificationError{FlowID: id}
}

// GetStatus returns the master record and, when the projection is intact,
// the child record. A missing child is drift: logged and repaired by the
// monitor, never an error for the caller.
func (e *Engine) GetStatus(ctx context.Context, tctx models.TenantContext, id models.MasterFlowID) (*models.MasterFlowRecord, *models.ChildFlowRecord, error) {
	m, err := e.store.GetMasterFlow(ctx, tctx, id)
	if err != nil {
		return nil, nil, err
	}
	child, err := e.store.GetChildFlow(ctx, tctx, id)
	if err != nil {
		if models.IsNotFound(err) {
			e.reportDrift(ctx, &models.ProjectionDriftError{MasterFlowID: id, Reason: "child row missing on read"})
			return m, nil, nil
		}
		return nil, nil, err
	}
	return m, child, nil
}

// ListFlows returns the tenant's flows matching the filter.
func (e *Engine) ListFlows(ctx context.Context, tctx models.TenantContext, filter models.FlowFilter) ([]*models.MasterFlowRecord, error) {
	return e.store.ListFlows(ctx, tctx, filter)
}

// DeleteFlow removes a flow and its projection; absent flows are ignored so
// cleanup after partial failures never blocks.
func (e *Engine) DeleteFlow(ctx context.Context, tctx models.TenantContext, id models.MasterFlowID) error {
	return e.store.DeleteFlow(ctx, tctx, id)
}

func (e *Engine) reportDrift(ctx context.Context, err error) {
	e.metrics.CountDrift(ctx)
	e.log.Error("projection drift detected, deferring to recovery sweep", "error", err)
}
