// Package executor contains the phase executor boundary and its HTTP client
// implementation.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"flow-orchestrator/backend/pkg/models"
)

const defaultPhaseTimeout = 2 * time.Minute

// HTTPPhaseExecutor invokes the reasoning sidecar over HTTP. Every call is
// bounded by a per-phase timeout so a hung execution cannot occupy a flow's
// logical lock forever.
type HTTPPhaseExecutor struct {
	baseURL        string
	client         *http.Client
	defaultTimeout time.Duration
	phaseTimeouts  map[string]time.Duration
}

// Option configures an HTTPPhaseExecutor.
type Option func(*HTTPPhaseExecutor)

// WithDefaultTimeout overrides the default per-phase timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *HTTPPhaseExecutor) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// WithPhaseTimeouts sets per-phase timeout overrides keyed by phase name.
func WithPhaseTimeouts(timeouts map[string]time.Duration) Option {
	return func(e *HTTPPhaseExecutor) {
		e.phaseTimeouts = timeouts
	}
}

// NewHTTPPhaseExecutor creates an executor client for the given base URL.
func NewHTTPPhaseExecutor(baseURL string, opts ...Option) *HTTPPhaseExecutor {
	e := &HTTPPhaseExecutor{
		baseURL:        baseURL,
		client:         &http.Client{},
		defaultTimeout: defaultPhaseTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type phaseRequest struct {
	TenantID     string         `json:"tenant_id"`
	EngagementID string         `json:"engagement_id"`
	PrincipalID  string         `json:"principal_id"`
	Phase        string         `json:"phase"`
	Input        map[string]any `json:"input,omitempty"`
}

// Timeout returns the effective timeout for a phase.
func (e *HTTPPhaseExecutor) Timeout(phase string) time.Duration {
	if d, ok := e.phaseTimeouts[phase]; ok && d > 0 {
		return d
	}
	return e.defaultTimeout
}

// Execute posts the phase request to the executor service and decodes the
// structured result. The request context is bounded by the phase timeout.
func (e *HTTPPhaseExecutor) Execute(ctx context.Context, tctx models.TenantContext, phase string, input map[string]any) (*models.PhaseResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.Timeout(phase))
	defer cancel()

	body, err := json.Marshal(phaseRequest{
		TenantID:     tctx.TenantID,
		EngagementID: tctx.EngagementID,
		PrincipalID:  tctx.PrincipalID,
		Phase:        phase,
		Input:        input,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal phase request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/phases/"+phase, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to invoke phase executor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("phase executor returned status %d", resp.StatusCode)
	}

	var result models.PhaseResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode phase result: %w", err)
	}
	if result.PhaseName == "" {
		result.PhaseName = phase
	}

	return &result, nil
}
