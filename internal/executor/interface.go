package executor

import (
	"context"

	"flow-orchestrator/backend/pkg/models"
)

// PhaseExecutor performs the actual work of one phase. The engine treats it
// as opaque: it may take minutes, and it must tolerate being invoked more
// than once for the same phase.
type PhaseExecutor interface {
	// Execute runs the named phase with the merged input and returns its
	// structured result.
	Execute(ctx context.Context, tctx models.TenantContext, phase string, input map[string]any) (*models.PhaseResult, error)
}
