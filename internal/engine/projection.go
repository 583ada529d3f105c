package engine

import (
	"context"

	"flow-orchestrator/backend/pkg/models"
)

// projectionFor loads the child row for a master flow. A missing row is
// drift, not an error: it is reported loudly and a nil child is returned so
// the master update proceeds on its own.
func (e *Engine) projectionFor(ctx context.Context, tctx models.TenantContext, m *models.MasterFlowRecord) (*models.ChildFlowRecord, error) {
	child, err := e.store.GetChildFlow(ctx, tctx, m.FlowID)
	if err != nil {
		if models.IsNotFound(err) {
			e.reportDrift(ctx, &models.ProjectionDriftError{MasterFlowID: m.FlowID, Reason: "child row missing"})
			return nil, nil
		}
		return nil, err
	}
	return child, nil
}

// buildProjection derives the child row content from the master record:
// mapped phase vocabulary, completion flags, and progress as
// completed/total*100 rounded to one decimal.
func (e *Engine) buildProjection(ctx context.Context, tctx models.TenantContext, m *models.MasterFlowRecord) (*models.ChildFlowRecord, error) {
	child, err := e.projectionFor(ctx, tctx, m)
	if err != nil || child == nil {
		return nil, err
	}
	if err := e.applyProjection(m, child); err != nil {
		return nil, err
	}
	return child, nil
}

// applyProjection recomputes a child record's derived fields from the master
// record, in place.
func (e *Engine) applyProjection(m *models.MasterFlowRecord, child *models.ChildFlowRecord) error {
	phases, err := e.catalog.Phases(m.WorkType)
	if err != nil {
		return err
	}

	completion, err := e.catalog.CompletionList(m.WorkType, m.State.Completed)
	if err != nil {
		return err
	}
	child.PhaseCompletion = completion

	done := 0
	for _, p := range phases {
		if m.State.Completed[p.Name] {
			done++
		}
	}
	// Progress never moves backwards for a live flow.
	if pct := models.ProgressPercent(done, len(phases)); pct > child.ProgressPercentage {
		child.ProgressPercentage = pct
	}

	next, err := e.catalog.NextPhase(m.WorkType, m.State.Completed)
	if err != nil {
		return err
	}
	if next != nil {
		child.CurrentPhase = e.catalog.ChildPhaseName(m.WorkType, next.Name)
	} else {
		terminal, err := e.catalog.TerminalPhase(m.WorkType)
		if err != nil {
			return err
		}
		child.CurrentPhase = e.catalog.ChildPhaseName(m.WorkType, terminal.Name)
	}

	child.Status = string(m.Status)
	child.ErrorMessage = m.ErrorMessage
	child.CompletedAt = m.CompletedAt
	return nil
}
