package repository

import (
	"context"
	"time"

	"flow-orchestrator/backend/pkg/models"
)

// FlowStore is the persistence boundary of the orchestrator. The relational
// store is the single source of truth; all cross-process coordination happens
// through its version-checked updates.
type FlowStore interface {
	// CreateFlow inserts the master record and its child projection in one
	// transaction. Returns DuplicateFlowError if the master id already exists.
	CreateFlow(ctx context.Context, tctx models.TenantContext, master *models.MasterFlowRecord, child *models.ChildFlowRecord) error
	// CreateChildFlow inserts a rebuilt projection row. Used by the recovery
	// monitor to repair projection drift.
	CreateChildFlow(ctx context.Context, tctx models.TenantContext, child *models.ChildFlowRecord) error
	// GetMasterFlow loads a master record strictly scoped by tenant context.
	// Records of other tenants are indistinguishable from missing ones.
	GetMasterFlow(ctx context.Context, tctx models.TenantContext, id models.MasterFlowID) (*models.MasterFlowRecord, error)
	// GetChildFlow loads the projection row addressed by its master flow id.
	GetChildFlow(ctx context.Context, tctx models.TenantContext, masterID models.MasterFlowID) (*models.ChildFlowRecord, error)
	// UpdateFlow persists master (and, when non-nil, child) in one
	// transaction under an optimistic version check on master.Version.
	// Losing the check yields ConcurrentModificationError. A missing child
	// row yields ProjectionDriftError after the master write commits.
	UpdateFlow(ctx context.Context, tctx models.TenantContext, master *models.MasterFlowRecord, child *models.ChildFlowRecord) error
	// ListFlows returns the tenant's master records matching the filter.
	ListFlows(ctx context.Context, tctx models.TenantContext, filter models.FlowFilter) ([]*models.MasterFlowRecord, error)
	// DeleteFlow removes a flow and its projection. Deleting an absent flow
	// is not an error; callers use delete as cleanup after partial failures.
	DeleteFlow(ctx context.Context, tctx models.TenantContext, id models.MasterFlowID) error
	// ListStaleFlows returns flows in the given status whose updated_at is
	// older than the cutoff, across all tenants. Reserved for the recovery
	// monitor.
	ListStaleFlows(ctx context.Context, status models.FlowStatus, olderThan time.Time) ([]*models.MasterFlowRecord, error)
	// Ping verifies store connectivity.
	Ping(ctx context.Context) error
}
