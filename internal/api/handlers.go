// Package api contains the HTTP handlers for the flow orchestration service.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"flow-orchestrator/backend/internal/monitor"
	"flow-orchestrator/backend/pkg/models"
)

// Orchestrator is the engine surface the HTTP layer consumes.
type Orchestrator interface {
	CreateFlow(ctx context.Context, tctx models.TenantContext, workType models.WorkType, configuration map[string]any, id models.MasterFlowID) (*models.MasterFlowRecord, *models.ChildFlowRecord, error)
	ExecuteNextPhase(ctx context.Context, tctx models.TenantContext, id models.MasterFlowID, phaseInput map[string]any) (*models.MasterFlowRecord, *models.PhaseResult, error)
	Resume(ctx context.Context, tctx models.TenantContext, id models.MasterFlowID, resumeContext map[string]any) (*models.MasterFlowRecord, *models.PhaseResult, error)
	Pause(ctx context.Context, tctx models.TenantContext, id models.MasterFlowID) (*models.MasterFlowRecord, error)
	Cancel(ctx context.Context, tctx models.TenantContext, id models.MasterFlowID) (*models.MasterFlowRecord, error)
	GetStatus(ctx context.Context, tctx models.TenantContext, id models.MasterFlowID) (*models.MasterFlowRecord, *models.ChildFlowRecord, error)
	ListFlows(ctx context.Context, tctx models.TenantContext, filter models.FlowFilter) ([]*models.MasterFlowRecord, error)
	DeleteFlow(ctx context.Context, tctx models.TenantContext, id models.MasterFlowID) error
}

// Sweeper triggers a recovery sweep on operator demand.
type Sweeper interface {
	RunSweep(ctx context.Context) (*monitor.SweepReport, error)
}

// Pinger reports store connectivity for health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the dependencies for the API server.
type Server struct {
	Orch    Orchestrator
	Monitor Sweeper
	Store   Pinger
}

// NewServer creates a new Server.
func NewServer(orch Orchestrator, mon Sweeper, store Pinger) *Server {
	return &Server{Orch: orch, Monitor: mon, Store: store}
}

// RegisterRoutes mounts the tenant-scoped flow operations on the given group
// and the operational endpoints on the bare echo instance.
func (s *Server) RegisterRoutes(e *echo.Echo, api *echo.Group) {
	api.POST("/flows", s.CreateFlow)
	api.GET("/flows", s.ListFlows)
	api.GET("/flows/:id", s.GetFlow)
	api.POST("/flows/:id/phases", s.ExecutePhase)
	api.POST("/flows/:id/resume", s.ResumeFlow)
	api.POST("/flows/:id/pause", s.PauseFlow)
	api.POST("/flows/:id/cancel", s.CancelFlow)
	api.DELETE("/flows/:id", s.DeleteFlow)

	e.GET("/healthz", s.HandleHealth)
	e.POST("/internal/sweep", s.RunSweep)
}

// flowID validates the :id path parameter. Flow ids are UUIDs; anything
// else cannot name a stored flow and is reported as not found here rather
// than bubbling up as a storage encoding error.
func flowID(c echo.Context) (models.MasterFlowID, error) {
	raw := c.Param("id")
	if err := uuid.Validate(raw); err != nil {
		return "", problem(c, http.StatusNotFound, "flow not found", fmt.Sprintf("malformed flow id %q", raw))
	}
	return models.MasterFlowID(raw), nil
}

type createFlowRequest struct {
	WorkType      models.WorkType `json:"work_type"`
	FlowID        string          `json:"flow_id,omitempty"`
	Configuration map[string]any  `json:"configuration,omitempty"`
}

type flowResponse struct {
	Flow       *models.MasterFlowRecord `json:"flow"`
	Projection *models.ChildFlowRecord  `json:"projection,omitempty"`
	Result     *models.PhaseResult      `json:"result,omitempty"`
}

// CreateFlow creates a new flow of the requested work type.
// (POST /api/v1/flows)
func (s *Server) CreateFlow(c echo.Context) error {
	ctx := c.Request().Context()
	tctx, err := TenantFromContext(c)
	if err != nil {
		return err
	}

	var req createFlowRequest
	if err := c.Bind(&req); err != nil {
		return problem(c, http.StatusBadRequest, "invalid request body", err.Error())
	}
	if req.WorkType == "" {
		return problem(c, http.StatusBadRequest, "invalid request body", "work_type is required")
	}
	if req.FlowID != "" {
		if err := uuid.Validate(req.FlowID); err != nil {
			return problem(c, http.StatusBadRequest, "invalid request body", "flow_id must be a UUID")
		}
	}

	master, child, err := s.Orch.CreateFlow(ctx, tctx, req.WorkType, req.Configuration, models.MasterFlowID(req.FlowID))
	if err != nil {
		return domainError(c, err)
	}
	return c.JSON(http.StatusCreated, flowResponse{Flow: master, Projection: child})
}

// ListFlows returns the tenant's flows, optionally filtered by status and
// work type query parameters.
// (GET /api/v1/flows)
func (s *Server) ListFlows(c echo.Context) error {
	ctx := c.Request().Context()
	tctx, err := TenantFromContext(c)
	if err != nil {
		return err
	}

	var filter models.FlowFilter
	if v := c.QueryParam("status"); v != "" {
		status := models.FlowStatus(v)
		filter.Status = &status
	}
	if v := c.QueryParam("work_type"); v != "" {
		wt := models.WorkType(v)
		filter.WorkType = &wt
	}

	flows, err := s.Orch.ListFlows(ctx, tctx, filter)
	if err != nil {
		return domainError(c, err)
	}
	return c.JSON(http.StatusOK, flows)
}

// GetFlow returns a flow's master record and projection.
// (GET /api/v1/flows/:id)
func (s *Server) GetFlow(c echo.Context) error {
	ctx := c.Request().Context()
	tctx, err := TenantFromContext(c)
	if err != nil {
		return err
	}

	id, err := flowID(c)
	if err != nil {
		return err
	}
	master, child, err := s.Orch.GetStatus(ctx, tctx, id)
	if err != nil {
		return domainError(c, err)
	}
	return c.JSON(http.StatusOK, flowResponse{Flow: master, Projection: child})
}

type phaseInputRequest struct {
	Input map[string]any `json:"input,omitempty"`
}

// ExecutePhase advances the flow by one phase.
// (POST /api/v1/flows/:id/phases)
func (s *Server) ExecutePhase(c echo.Context) error {
	ctx := c.Request().Context()
	tctx, err := TenantFromContext(c)
	if err != nil {
		return err
	}

	var req phaseInputRequest
	if err := c.Bind(&req); err != nil {
		return problem(c, http.StatusBadRequest, "invalid request body", err.Error())
	}

	id, err := flowID(c)
	if err != nil {
		return err
	}
	master, result, err := s.Orch.ExecuteNextPhase(ctx, tctx, id, req.Input)
	if err != nil {
		return domainError(c, err)
	}
	return c.JSON(http.StatusOK, flowResponse{Flow: master, Result: result})
}

// ResumeFlow resumes a paused flow and advances its next phase.
// (POST /api/v1/flows/:id/resume)
func (s *Server) ResumeFlow(c echo.Context) error {
	ctx := c.Request().Context()
	tctx, err := TenantFromContext(c)
	if err != nil {
		return err
	}

	var req phaseInputRequest
	if err := c.Bind(&req); err != nil {
		return problem(c, http.StatusBadRequest, "invalid request body", err.Error())
	}

	id, err := flowID(c)
	if err != nil {
		return err
	}
	master, result, err := s.Orch.Resume(ctx, tctx, id, req.Input)
	if err != nil {
		return domainError(c, err)
	}
	return c.JSON(http.StatusOK, flowResponse{Flow: master, Result: result})
}

// PauseFlow pauses a running flow.
// (POST /api/v1/flows/:id/pause)
func (s *Server) PauseFlow(c echo.Context) error {
	ctx := c.Request().Context()
	tctx, err := TenantFromContext(c)
	if err != nil {
		return err
	}

	id, err := flowID(c)
	if err != nil {
		return err
	}
	master, err := s.Orch.Pause(ctx, tctx, id)
	if err != nil {
		return domainError(c, err)
	}
	return c.JSON(http.StatusOK, flowResponse{Flow: master})
}

// CancelFlow cancels a flow; any in-flight phase result will be discarded.
// (POST /api/v1/flows/:id/cancel)
func (s *Server) CancelFlow(c echo.Context) error {
	ctx := c.Request().Context()
	tctx, err := TenantFromContext(c)
	if err != nil {
		return err
	}

	id, err := flowID(c)
	if err != nil {
		return err
	}
	master, err := s.Orch.Cancel(ctx, tctx, id)
	if err != nil {
		return domainError(c, err)
	}
	return c.JSON(http.StatusOK, flowResponse{Flow: master})
}

// DeleteFlow removes a flow. Deleting an absent flow succeeds.
// (DELETE /api/v1/flows/:id)
func (s *Server) DeleteFlow(c echo.Context) error {
	ctx := c.Request().Context()
	tctx, err := TenantFromContext(c)
	if err != nil {
		return err
	}

	id, err := flowID(c)
	if err != nil {
		return err
	}
	if err := s.Orch.DeleteFlow(ctx, tctx, id); err != nil {
		return domainError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// RunSweep triggers one recovery sweep and returns its report.
// (POST /internal/sweep)
func (s *Server) RunSweep(c echo.Context) error {
	report, err := s.Monitor.RunSweep(c.Request().Context())
	if err != nil {
		return problem(c, http.StatusInternalServerError, "sweep failed", err.Error())
	}
	return c.JSON(http.StatusOK, report)
}

// HealthStatus represents the health check response.
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
}

// HandleHealth reports service and store health.
// (GET /healthz)
func (s *Server) HandleHealth(c echo.Context) error {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Service:   "flow-orchestrator",
		Version:   "1.0.0",
	}
	if err := s.Store.Ping(c.Request().Context()); err != nil {
		status.Status = "degraded"
		return c.JSON(http.StatusServiceUnavailable, status)
	}
	return c.JSON(http.StatusOK, status)
}

// ProblemDetails represents an RFC 7807 Problem Details response.
type ProblemDetails struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func problem(c echo.Context, status int, title, detail string) error {
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	return c.JSON(status, ProblemDetails{
		Type:   "about:blank",
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// domainError maps the orchestrator's error taxonomy onto HTTP statuses.
// Callers always get a typed, actionable response, never an "unknown" state.
func domainError(c echo.Context, err error) error {
	var (
		notFound   *models.NotFoundError
		duplicate  *models.DuplicateFlowError
		invalid    *models.InvalidStateTransitionError
		concurrent *models.ConcurrentModificationError
		execErr    *models.PhaseExecutionError
	)
	switch {
	case errors.As(err, &notFound):
		return problem(c, http.StatusNotFound, "flow not found", err.Error())
	case errors.As(err, &duplicate):
		return problem(c, http.StatusConflict, "flow already exists", err.Error())
	case errors.As(err, &invalid):
		return problem(c, http.StatusConflict, "invalid state transition", err.Error())
	case errors.As(err, &concurrent):
		return problem(c, http.StatusConflict, "concurrent modification", err.Error())
	case errors.As(err, &execErr):
		return problem(c, http.StatusBadGateway, "phase execution failed", err.Error())
	default:
		return problem(c, http.StatusInternalServerError, "internal error", err.Error())
	}
}
