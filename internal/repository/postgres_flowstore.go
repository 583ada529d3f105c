// Package repository implements the orchestrator's persistence layer on
// PostgreSQL.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"flow-orchestrator/backend/pkg/models"
)

const staleListLimit = 500

// PostgresFlowStore is the pgx implementation of FlowStore.
type PostgresFlowStore struct {
	db *pgxpool.Pool
}

// NewPostgresFlowStore creates a store backed by the given pool.
func NewPostgresFlowStore(db *pgxpool.Pool) *PostgresFlowStore {
	return &PostgresFlowStore{db: db}
}

// Ping verifies database connectivity.
func (s *PostgresFlowStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// CreateFlow inserts the master record and its child projection atomically.
func (s *PostgresFlowStore) CreateFlow(ctx context.Context, tctx models.TenantContext, master *models.MasterFlowRecord, child *models.ChildFlowRecord) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create flow: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.insertMaster(ctx, tx, master); err != nil {
		return err
	}
	if err := insertChild(ctx, tx, child); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create flow: %w", err)
	}
	return nil
}

func (s *PostgresFlowStore) insertMaster(ctx context.Context, tx pgx.Tx, master *models.MasterFlowRecord) error {
	configuration, err := json.Marshal(master.Configuration)
	if err != nil {
		return fmt.Errorf("marshal configuration: %w", err)
	}
	state, err := json.Marshal(master.State)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO master_flows
		     (flow_id, tenant_id, engagement_id, principal_id, work_type, status, configuration, state, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING created_at, updated_at`,
		master.FlowID.String(), master.TenantID, master.EngagementID, master.PrincipalID,
		string(master.WorkType), string(master.Status), configuration, state, master.Version,
	).Scan(&master.CreatedAt, &master.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return &models.DuplicateFlowError{FlowID: master.FlowID}
		}
		return fmt.Errorf("insert master flow: %w", err)
	}
	return nil
}

func insertChild(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, child *models.ChildFlowRecord) error {
	completion, err := json.Marshal(child.PhaseCompletion)
	if err != nil {
		return fmt.Errorf("marshal phase completion: %w", err)
	}

	err = q.QueryRow(ctx,
		`INSERT INTO child_flows
		     (flow_id, master_flow_id, tenant_id, engagement_id, current_phase, progress_percentage, phase_completion, status, error_message, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING created_at, updated_at`,
		child.FlowID.String(), child.MasterFlowID.String(), child.TenantID, child.EngagementID,
		child.CurrentPhase, child.ProgressPercentage, completion, child.Status,
		child.ErrorMessage, child.CompletedAt,
	).Scan(&child.CreatedAt, &child.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert child flow: %w", err)
	}
	return nil
}

// CreateChildFlow inserts a projection row on its own, outside the create
// transaction. The recovery monitor uses this to repair drift.
func (s *PostgresFlowStore) CreateChildFlow(ctx context.Context, tctx models.TenantContext, child *models.ChildFlowRecord) error {
	return insertChild(ctx, s.db, child)
}

const masterColumns = `flow_id, tenant_id, engagement_id, principal_id, work_type, status,
	configuration, state, version, error_message, created_at, updated_at, completed_at`

func scanMaster(row pgx.Row) (*models.MasterFlowRecord, error) {
	var (
		m             models.MasterFlowRecord
		flowID        string
		configuration []byte
		state         []byte
	)
	err := row.Scan(&flowID, &m.TenantID, &m.EngagementID, &m.PrincipalID, &m.WorkType, &m.Status,
		&configuration, &state, &m.Version, &m.ErrorMessage, &m.CreatedAt, &m.UpdatedAt, &m.CompletedAt)
	if err != nil {
		return nil, err
	}
	m.FlowID = models.MasterFlowID(flowID)
	if len(configuration) > 0 {
		if err := json.Unmarshal(configuration, &m.Configuration); err != nil {
			return nil, fmt.Errorf("unmarshal configuration: %w", err)
		}
	}
	if len(state) > 0 {
		if err := json.Unmarshal(state, &m.State); err != nil {
			return nil, fmt.Errorf("unmarshal state: %w", err)
		}
	}
	return &m, nil
}

// GetMasterFlow loads a master record within the caller's tenant scope.
func (s *PostgresFlowStore) GetMasterFlow(ctx context.Context, tctx models.TenantContext, id models.MasterFlowID) (*models.MasterFlowRecord, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+masterColumns+`
		   FROM master_flows
		  WHERE flow_id = $1 AND tenant_id = $2 AND engagement_id = $3`,
		id.String(), tctx.TenantID, tctx.EngagementID)

	m, err := scanMaster(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &models.NotFoundError{ID: id.String()}
		}
		return nil, fmt.Errorf("get master flow: %w", err)
	}
	return m, nil
}

// GetChildFlow loads the projection row for a master flow.
func (s *PostgresFlowStore) GetChildFlow(ctx context.Context, tctx models.TenantContext, masterID models.MasterFlowID) (*models.ChildFlowRecord, error) {
	var (
		c          models.ChildFlowRecord
		flowID     string
		masterFlow string
		completion []byte
	)
	err := s.db.QueryRow(ctx,
		`SELECT flow_id, master_flow_id, tenant_id, engagement_id, current_phase, progress_percentage,
		        phase_completion, status, error_message, completed_at, created_at, updated_at
		   FROM child_flows
		  WHERE master_flow_id = $1 AND tenant_id = $2 AND engagement_id = $3`,
		masterID.String(), tctx.TenantID, tctx.EngagementID,
	).Scan(&flowID, &masterFlow, &c.TenantID, &c.EngagementID, &c.CurrentPhase, &c.ProgressPercentage,
		&completion, &c.Status, &c.ErrorMessage, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &models.NotFoundError{ID: masterID.String()}
		}
		return nil, fmt.Errorf("get child flow: %w", err)
	}
	c.FlowID = models.ChildFlowID(flowID)
	c.MasterFlowID = models.MasterFlowID(masterFlow)
	if len(completion) > 0 {
		if err := json.Unmarshal(completion, &c.PhaseCompletion); err != nil {
			return nil, fmt.Errorf("unmarshal phase completion: %w", err)
		}
	}
	return &c, nil
}

// UpdateFlow writes the master record under a version check and, when child
// is non-nil, the projection row in the same transaction. On success the
// passed master's Version and UpdatedAt reflect the committed row.
func (s *PostgresFlowStore) UpdateFlow(ctx context.Context, tctx models.TenantContext, master *models.MasterFlowRecord, child *models.ChildFlowRecord) error {
	state, err := json.Marshal(master.State)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin update flow: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		newVersion int
		updatedAt  time.Time
	)
	err = tx.QueryRow(ctx,
		`UPDATE master_flows
		    SET status = $1, state = $2, error_message = $3, completed_at = $4,
		        version = version + 1, updated_at = now()
		  WHERE flow_id = $5 AND tenant_id = $6 AND engagement_id = $7 AND version = $8
		 RETURNING version, updated_at`,
		string(master.Status), state, master.ErrorMessage, master.CompletedAt,
		master.FlowID.String(), tctx.TenantID, tctx.EngagementID, master.Version,
	).Scan(&newVersion, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.classifyLostUpdate(ctx, tctx, master.FlowID)
		}
		return fmt.Errorf("update master flow: %w", err)
	}

	drift := false
	if child != nil {
		completion, err := json.Marshal(child.PhaseCompletion)
		if err != nil {
			return fmt.Errorf("marshal phase completion: %w", err)
		}
		tag, err := tx.Exec(ctx,
			`UPDATE child_flows
			    SET current_phase = $1, progress_percentage = $2, phase_completion = $3,
			        status = $4, error_message = $5, completed_at = $6, updated_at = now()
			  WHERE master_flow_id = $7 AND tenant_id = $8 AND engagement_id = $9`,
			child.CurrentPhase, child.ProgressPercentage, completion,
			child.Status, child.ErrorMessage, child.CompletedAt,
			master.FlowID.String(), tctx.TenantID, tctx.EngagementID)
		if err != nil {
			return fmt.Errorf("update child flow: %w", err)
		}
		// The master write still commits on drift; the monitor rebuilds the
		// projection on its next sweep.
		drift = tag.RowsAffected() == 0
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit update flow: %w", err)
	}

	master.Version = newVersion
	master.UpdatedAt = updatedAt

	if drift {
		return &models.ProjectionDriftError{MasterFlowID: master.FlowID, Reason: "child row missing on update"}
	}
	return nil
}

// classifyLostUpdate distinguishes a version conflict from a missing or
// foreign-tenant row after a zero-row update.
func (s *PostgresFlowStore) classifyLostUpdate(ctx context.Context, tctx models.TenantContext, id models.MasterFlowID) error {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM master_flows
		      WHERE flow_id = $1 AND tenant_id = $2 AND engagement_id = $3)`,
		id.String(), tctx.TenantID, tctx.EngagementID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("classify lost update: %w", err)
	}
	if exists {
		return &models.ConcurrentModificationError{FlowID: id}
	}
	return &models.NotFoundError{ID: id.String()}
}

// ListFlows returns the tenant's master records matching the filter, newest
// first.
func (s *PostgresFlowStore) ListFlows(ctx context.Context, tctx models.TenantContext, filter models.FlowFilter) ([]*models.MasterFlowRecord, error) {
	query := `SELECT ` + masterColumns + `
	            FROM master_flows
	           WHERE tenant_id = $1 AND engagement_id = $2`
	args := []any{tctx.TenantID, tctx.EngagementID}

	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.WorkType != nil {
		args = append(args, string(*filter.WorkType))
		query += fmt.Sprintf(" AND work_type = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	defer rows.Close()

	return collectMasters(rows)
}

// ListStaleFlows returns flows in the given status not updated since the
// cutoff, across all tenants.
func (s *PostgresFlowStore) ListStaleFlows(ctx context.Context, status models.FlowStatus, olderThan time.Time) ([]*models.MasterFlowRecord, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+masterColumns+`
		   FROM master_flows
		  WHERE status = $1 AND updated_at < $2 AND completed_at IS NULL
		  ORDER BY updated_at ASC
		  LIMIT $3`,
		string(status), olderThan, staleListLimit)
	if err != nil {
		return nil, fmt.Errorf("list stale flows: %w", err)
	}
	defer rows.Close()

	return collectMasters(rows)
}

func collectMasters(rows pgx.Rows) ([]*models.MasterFlowRecord, error) {
	var flows []*models.MasterFlowRecord
	for rows.Next() {
		m, err := scanMaster(rows)
		if err != nil {
			return nil, fmt.Errorf("scan master flow: %w", err)
		}
		flows = append(flows, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate master flows: %w", err)
	}
	return flows, nil
}

// DeleteFlow removes the flow and its projection. Absent rows are ignored.
func (s *PostgresFlowStore) DeleteFlow(ctx context.Context, tctx models.TenantContext, id models.MasterFlowID) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM master_flows
		  WHERE flow_id = $1 AND tenant_id = $2 AND engagement_id = $3`,
		id.String(), tctx.TenantID, tctx.EngagementID)
	if err != nil {
		return fmt.Errorf("delete flow: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
