package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"flow-orchestrator/backend/internal/catalog"
	"flow-orchestrator/backend/internal/logging"
	"flow-orchestrator/backend/pkg/models"
)

// fakeFlowStore is a minimal in-memory FlowStore with version-checked
// updates, enough to drive sweeps.
type fakeFlowStore struct {
	mu       sync.Mutex
	masters  map[models.MasterFlowID]*models.MasterFlowRecord
	children map[models.MasterFlowID]*models.ChildFlowRecord
}

func newFakeFlowStore() *fakeFlowStore {
	return &fakeFlowStore{
		masters:  make(map[models.MasterFlowID]*models.MasterFlowRecord),
		children: make(map[models.MasterFlowID]*models.ChildFlowRecord),
	}
}

func cloneMaster(m *models.MasterFlowRecord) *models.MasterFlowRecord {
	b, _ := json.Marshal(m)
	var out models.MasterFlowRecord
	_ = json.Unmarshal(b, &out)
	return &out
}

func cloneChild(c *models.ChildFlowRecord) *models.ChildFlowRecord {
	b, _ := json.Marshal(c)
	var out models.ChildFlowRecord
	_ = json.Unmarshal(b, &out)
	return &out
}

func (s *fakeFlowStore) CreateFlow(ctx context.Context, tctx models.TenantContext, master *models.MasterFlowRecord, child *models.ChildFlowRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.masters[master.FlowID]; ok {
		return &models.DuplicateFlowError{FlowID: master.FlowID}
	}
	s.masters[master.FlowID] = cloneMaster(master)
	s.children[master.FlowID] = cloneChild(child)
	return nil
}

func (s *fakeFlowStore) CreateChildFlow(ctx context.Context, tctx models.TenantContext, child *models.ChildFlowRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.children[child.MasterFlowID] = cloneChild(child)
	return nil
}

func (s *fakeFlowStore) GetMasterFlow(ctx context.Context, tctx models.TenantContext, id models.MasterFlowID) (*models.MasterFlowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.masters[id]
	if !ok || m.TenantID != tctx.TenantID {
		return nil, &models.NotFoundError{ID: id.String()}
	}
	return cloneMaster(m), nil
}

func (s *fakeFlowStore) GetChildFlow(ctx context.Context, tctx models.TenantContext, masterID models.MasterFlowID) (*models.ChildFlowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.children[masterID]
	if !ok || c.TenantID != tctx.TenantID {
		return nil, &models.NotFoundError{ID: masterID.String()}
	}
	return cloneChild(c), nil
}

func (s *fakeFlowStore) UpdateFlow(ctx context.Context, tctx models.TenantContext, master *models.MasterFlowRecord, child *models.ChildFlowRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.masters[master.FlowID]
	if !ok || stored.TenantID != tctx.TenantID {
		return &models.NotFoundError{ID: master.FlowID.String()}
	}
	if stored.Version != master.Version {
		return &models.ConcurrentModificationError{FlowID: master.FlowID}
	}
	master.Version++
	master.UpdatedAt = time.Now().UTC()
	s.masters[master.FlowID] = cloneMaster(master)
	if child != nil {
		if _, ok := s.children[master.FlowID]; !ok {
			return &models.ProjectionDriftError{MasterFlowID: master.FlowID, Reason: "child row missing on update"}
		}
		s.children[master.FlowID] = cloneChild(child)
	}
	return nil
}

func (s *fakeFlowStore) ListFlows(ctx context.Context, tctx models.TenantContext, filter models.FlowFilter) ([]*models.MasterFlowRecord, error) {
	return nil, nil
}

func (s *fakeFlowStore) DeleteFlow(ctx context.Context, tctx models.TenantContext, id models.MasterFlowID) error {
	return nil
}

func (s *fakeFlowStore) ListStaleFlows(ctx context.Context, status models.FlowStatus, olderThan time.Time) ([]*models.MasterFlowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.MasterFlowRecord
	for _, m := range s.masters {
		if m.Status == status && m.UpdatedAt.Before(olderThan) {
			out = append(out, cloneMaster(m))
		}
	}
	return out, nil
}

func (s *fakeFlowStore) Ping(ctx context.Context) error { return nil }

// MockAdvancer is a testify mock of the engine surface the monitor drives.
type MockAdvancer struct {
	mock.Mock
}

func (m *MockAdvancer) ExecuteNextPhase(ctx context.Context, tctx models.TenantContext, id models.MasterFlowID, phaseInput map[string]any) (*models.MasterFlowRecord, *models.PhaseResult, error) {
	args := m.Called(ctx, tctx, id, phaseInput)
	var rec *models.MasterFlowRecord
	if args.Get(0) != nil {
		rec = args.Get(0).(*models.MasterFlowRecord)
	}
	var res *models.PhaseResult
	if args.Get(1) != nil {
		res = args.Get(1).(*models.PhaseResult)
	}
	return rec, res, args.Error(2)
}

func newTestMonitor(store *fakeFlowStore, adv *MockAdvancer, cfg Config) *Monitor {
	return New(store, adv, catalog.New(), logging.Nop(), nil, cfg)
}

// seedFlow inserts a master and child pair directly, bypassing the engine.
func seedFlow(s *fakeFlowStore, master *models.MasterFlowRecord, child *models.ChildFlowRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.masters[master.FlowID] = cloneMaster(master)
	if child != nil {
		s.children[master.FlowID] = cloneChild(child)
	}
}

func staleFlow(status models.FlowStatus, age time.Duration) *models.MasterFlowRecord {
	return &models.MasterFlowRecord{
		FlowID:       models.NewMasterFlowID(),
		TenantID:     "tenant-1",
		EngagementID: "engagement-1",
		PrincipalID:  "alice",
		WorkType:     models.WorkTypeDiscovery,
		Status:       status,
		Version:      3,
		CreatedAt:    time.Now().UTC().Add(-age - time.Hour),
		UpdatedAt:    time.Now().UTC().Add(-age),
	}
}

func childFor(m *models.MasterFlowRecord, progress float64, currentPhase string) *models.ChildFlowRecord {
	return &models.ChildFlowRecord{
		FlowID:             models.NewChildFlowID(),
		MasterFlowID:       m.FlowID,
		TenantID:           m.TenantID,
		EngagementID:       m.EngagementID,
		CurrentPhase:       currentPhase,
		ProgressPercentage: progress,
		Status:             string(m.Status),
	}
}

func TestSweepAutoCompletesAlmostDoneFlow(t *testing.T) {
	store := newFakeFlowStore()
	adv := new(MockAdvancer)
	mon := newTestMonitor(store, adv, Config{})
	ctx := context.Background()

	// Stuck at 96% on the terminal phase for over a day: the classic flow
	// that finished its work but never got its completion write.
	flow := staleFlow(models.StatusRunning, 25*time.Hour)
	flow.State.MarkCompleted("scan_sources", models.PhaseOutput{})
	flow.State.MarkCompleted("map_entities", models.PhaseOutput{})
	child := childFor(flow, 96.0, "inventory_summary")
	seedFlow(store, flow, child)

	report, err := mon.RunSweep(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, report.FlowsChecked)
	assert.Equal(t, 1, report.Advanced)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, "auto_complete", report.Details[0].Action)
	assert.Equal(t, models.StatusRunning, report.Details[0].Before)
	assert.Equal(t, models.StatusCompleted, report.Details[0].After)

	stored, err := store.GetMasterFlow(ctx, flow.Scope(models.PrincipalRecoveryMonitor), flow.FlowID)
	assert.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
	assert.Len(t, stored.State.Repairs, 1)
	assert.Equal(t, "auto_complete", stored.State.Repairs[0].Action)
	assert.Equal(t, models.PrincipalRecoveryMonitor, stored.State.Repairs[0].Principal)

	storedChild, err := store.GetChildFlow(ctx, flow.Scope(models.PrincipalRecoveryMonitor), flow.FlowID)
	assert.NoError(t, err)
	assert.Equal(t, 100.0, storedChild.ProgressPercentage)
	assert.Equal(t, string(models.StatusCompleted), storedChild.Status)
	adv.AssertNotCalled(t, "ExecuteNextPhase")
}

func TestCompletionConfidence(t *testing.T) {
	store := newFakeFlowStore()
	mon := newTestMonitor(store, new(MockAdvancer), Config{})

	base := func() (*models.MasterFlowRecord, *models.ChildFlowRecord) {
		f := staleFlow(models.StatusRunning, 25*time.Hour)
		return f, childFor(f, 50.0, "entity_mapping")
	}

	t.Run("no signals", func(t *testing.T) {
		f, c := base()
		assert.Equal(t, 0.0, mon.completionConfidence(f, c))
	})

	t.Run("high progress alone stays below cutoff", func(t *testing.T) {
		f, c := base()
		c.ProgressPercentage = 97.0
		assert.InDelta(t, 0.3, mon.completionConfidence(f, c), 1e-9)
	})

	t.Run("progress plus terminal phase reaches cutoff", func(t *testing.T) {
		f, c := base()
		c.ProgressPercentage = 96.0
		c.CurrentPhase = "inventory_summary"
		assert.InDelta(t, 0.7, mon.completionConfidence(f, c), 1e-9)
	})

	t.Run("ready flag adds its weight", func(t *testing.T) {
		f, c := base()
		f.State.Ready = true
		assert.InDelta(t, 0.3, mon.completionConfidence(f, c), 1e-9)
	})

	t.Run("completion timestamp forces certainty", func(t *testing.T) {
		f, c := base()
		now := time.Now().UTC()
		f.CompletedAt = &now
		assert.Equal(t, 1.0, mon.completionConfidence(f, c))
	})

	t.Run("fully completed phase set forces certainty", func(t *testing.T) {
		f, c := base()
		f.State.MarkCompleted("scan_sources", models.PhaseOutput{})
		f.State.MarkCompleted("map_entities", models.PhaseOutput{})
		f.State.MarkCompleted("summarize_inventory", models.PhaseOutput{})
		assert.Equal(t, 1.0, mon.completionConfidence(f, c))
	})
}

func TestSweepRebuildsMissingProjection(t *testing.T) {
	store := newFakeFlowStore()
	adv := new(MockAdvancer)
	mon := newTestMonitor(store, adv, Config{})
	ctx := context.Background()

	flow := staleFlow(models.StatusRunning, 25*time.Hour)
	// Completed without recorded output: rebuild succeeds but advancing is
	// not safe, so the flow is skipped after the repair.
	flow.State.Completed = map[string]bool{"scan_sources": true}
	seedFlow(store, flow, nil)

	report, err := mon.RunSweep(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, report.FlowsChecked)
	assert.Equal(t, 1, report.Advanced)
	assert.Equal(t, 1, report.Skipped)

	child, err := store.GetChildFlow(ctx, flow.Scope(models.PrincipalRecoveryMonitor), flow.FlowID)
	assert.NoError(t, err)
	assert.Equal(t, flow.FlowID, child.MasterFlowID)
	assert.Equal(t, 33.3, child.ProgressPercentage)
	assert.Equal(t, "entity_mapping", child.CurrentPhase)
	adv.AssertNotCalled(t, "ExecuteNextPhase")
}

func TestSweepAdvancesStuckInitializingFlow(t *testing.T) {
	store := newFakeFlowStore()
	adv := new(MockAdvancer)
	mon := newTestMonitor(store, adv, Config{})
	ctx := context.Background()

	flow := staleFlow(models.StatusInitializing, time.Hour)
	child := childFor(flow, 0.0, "scanning")
	seedFlow(store, flow, child)

	updated := cloneMaster(flow)
	updated.Status = models.StatusRunning
	adv.On("ExecuteNextPhase", mock.Anything, flow.Scope(models.PrincipalRecoveryMonitor), flow.FlowID, mock.Anything).
		Return(updated, &models.PhaseResult{PhaseName: "scan_sources", Status: models.PhaseCompleted}, nil).Once()

	report, err := mon.RunSweep(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, report.FlowsChecked)
	assert.Equal(t, 1, report.Advanced)
	assert.Equal(t, "advance", report.Details[0].Action)
	assert.Equal(t, models.StatusInitializing, report.Details[0].Before)
	assert.Equal(t, models.StatusRunning, report.Details[0].After)
	adv.AssertExpectations(t)
}

func TestSweepRespectsRepairBudget(t *testing.T) {
	store := newFakeFlowStore()
	adv := new(MockAdvancer)
	mon := newTestMonitor(store, adv, Config{MaxRepairsPerSweep: 1})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		flow := staleFlow(models.StatusInitializing, time.Hour)
		seedFlow(store, flow, childFor(flow, 0.0, "scanning"))
	}

	adv.On("ExecuteNextPhase", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(staleFlow(models.StatusRunning, 0), nil, nil).Once()

	report, err := mon.RunSweep(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 2, report.FlowsChecked)
	assert.Equal(t, 1, report.Advanced)
	assert.Equal(t, 1, report.Skipped)
	adv.AssertNumberOfCalls(t, "ExecuteNextPhase", 1)
}

func TestSweepIgnoresFreshFlows(t *testing.T) {
	store := newFakeFlowStore()
	adv := new(MockAdvancer)
	mon := newTestMonitor(store, adv, Config{})
	ctx := context.Background()

	flow := staleFlow(models.StatusRunning, time.Minute)
	seedFlow(store, flow, childFor(flow, 10.0, "scanning"))

	report, err := mon.RunSweep(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 0, report.FlowsChecked)
	adv.AssertNotCalled(t, "ExecuteNextPhase")
}

func TestSweepSkipsFlowWithLiveClaim(t *testing.T) {
	store := newFakeFlowStore()
	adv := new(MockAdvancer)
	mon := newTestMonitor(store, adv, Config{})
	ctx := context.Background()

	flow := staleFlow(models.StatusRunning, 25*time.Hour)
	flow.State.Claim = &models.PhaseClaim{
		Phase: "scan_sources", Attempt: 1, ClaimedBy: "alice", ClaimedAt: time.Now().UTC(),
	}
	seedFlow(store, flow, childFor(flow, 0.0, "scanning"))

	report, err := mon.RunSweep(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Contains(t, report.Details[0].Reason, "live claim")
	adv.AssertNotCalled(t, "ExecuteNextPhase")
}
