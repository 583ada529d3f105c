package repository

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"flow-orchestrator/backend/pkg/models"
)

func tenantCtx(tenant string) models.TenantContext {
	return models.TenantContext{TenantID: tenant, EngagementID: "engagement-1", PrincipalID: "alice"}
}

func newMaster(tctx models.TenantContext) *models.MasterFlowRecord {
	return &models.MasterFlowRecord{
		FlowID:        models.NewMasterFlowID(),
		TenantID:      tctx.TenantID,
		EngagementID:  tctx.EngagementID,
		PrincipalID:   tctx.PrincipalID,
		WorkType:      models.WorkTypeDiscovery,
		Status:        models.StatusInitializing,
		Configuration: map[string]any{"root": "/data"},
		Version:       1,
	}
}

func newChild(m *models.MasterFlowRecord) *models.ChildFlowRecord {
	return &models.ChildFlowRecord{
		FlowID:       models.NewChildFlowID(),
		MasterFlowID: m.FlowID,
		TenantID:     m.TenantID,
		EngagementID: m.EngagementID,
		CurrentPhase: "scanning",
		PhaseCompletion: []models.PhaseCompletion{
			{Name: "scanning"}, {Name: "entity_mapping"}, {Name: "inventory_summary"},
		},
		Status: string(models.StatusInitializing),
	}
}

func TestPostgresFlowStore(t *testing.T) {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test-db"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	if err := Migrate(ctx, pool); err != nil {
		t.Fatal(err)
	}

	store := NewPostgresFlowStore(pool)

	t.Run("Create and Get", func(t *testing.T) {
		tctx := tenantCtx("tenant-create")
		master := newMaster(tctx)
		child := newChild(master)

		err := store.CreateFlow(ctx, tctx, master, child)
		assert.NoError(t, err)
		assert.False(t, master.CreatedAt.IsZero())
		assert.False(t, child.CreatedAt.IsZero())

		got, err := store.GetMasterFlow(ctx, tctx, master.FlowID)
		assert.NoError(t, err)
		assert.Equal(t, master.FlowID, got.FlowID)
		assert.Equal(t, models.StatusInitializing, got.Status)
		assert.Equal(t, 1, got.Version)
		assert.Equal(t, "/data", got.Configuration["root"])

		gotChild, err := store.GetChildFlow(ctx, tctx, master.FlowID)
		assert.NoError(t, err)
		assert.Equal(t, child.FlowID, gotChild.FlowID)
		assert.Equal(t, master.FlowID, gotChild.MasterFlowID)
		assert.Equal(t, "scanning", gotChild.CurrentPhase)
		assert.Len(t, gotChild.PhaseCompletion, 3)
	})

	t.Run("Duplicate create", func(t *testing.T) {
		tctx := tenantCtx("tenant-dup")
		master := newMaster(tctx)
		assert.NoError(t, store.CreateFlow(ctx, tctx, master, newChild(master)))

		again := newMaster(tctx)
		again.FlowID = master.FlowID
		err := store.CreateFlow(ctx, tctx, again, newChild(again))
		var dup *models.DuplicateFlowError
		assert.ErrorAs(t, err, &dup)
		assert.Equal(t, master.FlowID, dup.FlowID)
	})

	t.Run("Tenant isolation", func(t *testing.T) {
		tctx := tenantCtx("tenant-iso-a")
		master := newMaster(tctx)
		assert.NoError(t, store.CreateFlow(ctx, tctx, master, newChild(master)))

		other := tenantCtx("tenant-iso-b")
		_, err := store.GetMasterFlow(ctx, other, master.FlowID)
		assert.True(t, models.IsNotFound(err))

		_, err = store.GetChildFlow(ctx, other, master.FlowID)
		assert.True(t, models.IsNotFound(err))

		// A cross-tenant update looks like a missing flow, not a conflict.
		foreign := *master
		foreign.Status = models.StatusCancelled
		err = store.UpdateFlow(ctx, other, &foreign, nil)
		assert.True(t, models.IsNotFound(err))
	})

	t.Run("Update bumps version", func(t *testing.T) {
		tctx := tenantCtx("tenant-update")
		master := newMaster(tctx)
		child := newChild(master)
		assert.NoError(t, store.CreateFlow(ctx, tctx, master, child))

		master.Status = models.StatusRunning
		master.State.MarkCompleted("scan_sources", models.PhaseOutput{
			Inventory: &models.InventorySummary{Sources: 2, Entities: 17},
		})
		child.Status = string(models.StatusRunning)
		child.CurrentPhase = "entity_mapping"
		child.ProgressPercentage = 33.3

		assert.NoError(t, store.UpdateFlow(ctx, tctx, master, child))
		assert.Equal(t, 2, master.Version)

		got, err := store.GetMasterFlow(ctx, tctx, master.FlowID)
		assert.NoError(t, err)
		assert.Equal(t, 2, got.Version)
		assert.True(t, got.State.IsCompleted("scan_sources"))
		assert.Equal(t, 17, got.State.Outputs["scan_sources"].Inventory.Entities)

		gotChild, err := store.GetChildFlow(ctx, tctx, master.FlowID)
		assert.NoError(t, err)
		assert.Equal(t, 33.3, gotChild.ProgressPercentage)
		assert.Equal(t, "entity_mapping", gotChild.CurrentPhase)
	})

	t.Run("Stale version loses", func(t *testing.T) {
		tctx := tenantCtx("tenant-cas")
		master := newMaster(tctx)
		assert.NoError(t, store.CreateFlow(ctx, tctx, master, newChild(master)))

		winner := *master
		winner.Status = models.StatusRunning
		assert.NoError(t, store.UpdateFlow(ctx, tctx, &winner, nil))

		loser := *master // still version 1
		loser.Status = models.StatusCancelled
		err := store.UpdateFlow(ctx, tctx, &loser, nil)
		assert.True(t, models.IsConcurrentModification(err))

		got, err := store.GetMasterFlow(ctx, tctx, master.FlowID)
		assert.NoError(t, err)
		assert.Equal(t, models.StatusRunning, got.Status, "losing write left no trace")
	})

	t.Run("Missing child is drift, master still commits", func(t *testing.T) {
		tctx := tenantCtx("tenant-drift")
		master := newMaster(tctx)
		child := newChild(master)
		assert.NoError(t, store.CreateFlow(ctx, tctx, master, child))

		_, err := pool.Exec(ctx, `DELETE FROM child_flows WHERE master_flow_id = $1`, master.FlowID.String())
		assert.NoError(t, err)

		master.Status = models.StatusRunning
		err = store.UpdateFlow(ctx, tctx, master, child)
		assert.True(t, models.IsProjectionDrift(err))

		got, getErr := store.GetMasterFlow(ctx, tctx, master.FlowID)
		assert.NoError(t, getErr)
		assert.Equal(t, models.StatusRunning, got.Status)
		assert.Equal(t, 2, got.Version)
	})

	t.Run("Rebuild child after drift", func(t *testing.T) {
		tctx := tenantCtx("tenant-rebuild")
		master := newMaster(tctx)
		assert.NoError(t, store.CreateFlow(ctx, tctx, master, newChild(master)))

		_, err := pool.Exec(ctx, `DELETE FROM child_flows WHERE master_flow_id = $1`, master.FlowID.String())
		assert.NoError(t, err)

		rebuilt := newChild(master)
		assert.NoError(t, store.CreateChildFlow(ctx, tctx, rebuilt))

		got, err := store.GetChildFlow(ctx, tctx, master.FlowID)
		assert.NoError(t, err)
		assert.Equal(t, rebuilt.FlowID, got.FlowID)
	})

	t.Run("List with filters", func(t *testing.T) {
		tctx := tenantCtx("tenant-list")
		running := newMaster(tctx)
		running.Status = models.StatusRunning
		assert.NoError(t, store.CreateFlow(ctx, tctx, running, newChild(running)))

		assessment := newMaster(tctx)
		assessment.WorkType = models.WorkTypeAssessment
		assert.NoError(t, store.CreateFlow(ctx, tctx, assessment, newChild(assessment)))

		all, err := store.ListFlows(ctx, tctx, models.FlowFilter{})
		assert.NoError(t, err)
		assert.Len(t, all, 2)

		status := models.StatusRunning
		byStatus, err := store.ListFlows(ctx, tctx, models.FlowFilter{Status: &status})
		assert.NoError(t, err)
		assert.Len(t, byStatus, 1)
		assert.Equal(t, running.FlowID, byStatus[0].FlowID)

		wt := models.WorkTypeAssessment
		byType, err := store.ListFlows(ctx, tctx, models.FlowFilter{WorkType: &wt})
		assert.NoError(t, err)
		assert.Len(t, byType, 1)
		assert.Equal(t, assessment.FlowID, byType[0].FlowID)
	})

	t.Run("Stale listing", func(t *testing.T) {
		tctx := tenantCtx("tenant-stale")
		stale := newMaster(tctx)
		stale.Status = models.StatusRunning
		assert.NoError(t, store.CreateFlow(ctx, tctx, stale, newChild(stale)))
		_, err := pool.Exec(ctx,
			`UPDATE master_flows SET updated_at = now() - interval '2 days' WHERE flow_id = $1`,
			stale.FlowID.String())
		assert.NoError(t, err)

		fresh := newMaster(tctx)
		fresh.Status = models.StatusRunning
		assert.NoError(t, store.CreateFlow(ctx, tctx, fresh, newChild(fresh)))

		flows, err := store.ListStaleFlows(ctx, models.StatusRunning, time.Now().Add(-24*time.Hour))
		assert.NoError(t, err)

		var ids []models.MasterFlowID
		for _, f := range flows {
			ids = append(ids, f.FlowID)
		}
		assert.Contains(t, ids, stale.FlowID)
		assert.NotContains(t, ids, fresh.FlowID)
	})

	t.Run("Delete is idempotent and cascades", func(t *testing.T) {
		tctx := tenantCtx("tenant-delete")
		master := newMaster(tctx)
		assert.NoError(t, store.CreateFlow(ctx, tctx, master, newChild(master)))

		assert.NoError(t, store.DeleteFlow(ctx, tctx, master.FlowID))
		assert.NoError(t, store.DeleteFlow(ctx, tctx, master.FlowID))

		_, err := store.GetMasterFlow(ctx, tctx, master.FlowID)
		assert.True(t, models.IsNotFound(err))
		_, err = store.GetChildFlow(ctx, tctx, master.FlowID)
		assert.True(t, models.IsNotFound(err))
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, store.Ping(ctx))
	})
}
