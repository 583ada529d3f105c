// Package telemetry registers the service's OpenTelemetry instruments. No
// exporter is wired here; the deployment installs a meter provider if it
// wants the numbers shipped anywhere.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the orchestrator's counters.
type Metrics struct {
	PhasesExecuted  metric.Int64Counter
	PhaseFailures   metric.Int64Counter
	FlowsCompleted  metric.Int64Counter
	SweepRepairs    metric.Int64Counter
	ProjectionDrift metric.Int64Counter
}

// New creates the instrument set on the global meter provider.
func New() (*Metrics, error) {
	meter := otel.Meter("flow-orchestrator/backend")

	var (
		m   Metrics
		err error
	)
	if m.PhasesExecuted, err = meter.Int64Counter("flow.phases.executed",
		metric.WithDescription("Phases executed to success")); err != nil {
		return nil, err
	}
	if m.PhaseFailures, err = meter.Int64Counter("flow.phases.failed",
		metric.WithDescription("Phase executions that failed or timed out")); err != nil {
		return nil, err
	}
	if m.FlowsCompleted, err = meter.Int64Counter("flow.flows.completed",
		metric.WithDescription("Flows driven to completed status")); err != nil {
		return nil, err
	}
	if m.SweepRepairs, err = meter.Int64Counter("flow.sweep.repairs",
		metric.WithDescription("Monitor-initiated repairs and completions")); err != nil {
		return nil, err
	}
	if m.ProjectionDrift, err = meter.Int64Counter("flow.projection.drift",
		metric.WithDescription("Detected child projection drift events")); err != nil {
		return nil, err
	}
	return &m, nil
}

// CountPhase records one executed phase for a work type.
func (m *Metrics) CountPhase(ctx context.Context, workType, phase string) {
	if m == nil {
		return
	}
	m.PhasesExecuted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("work_type", workType),
		attribute.String("phase", phase)))
}

// CountPhaseFailure records one failed phase execution.
func (m *Metrics) CountPhaseFailure(ctx context.Context, workType, phase string, timeout bool) {
	if m == nil {
		return
	}
	m.PhaseFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("work_type", workType),
		attribute.String("phase", phase),
		attribute.Bool("timeout", timeout)))
}

// CountFlowCompleted records one completed flow.
func (m *Metrics) CountFlowCompleted(ctx context.Context, workType string) {
	if m == nil {
		return
	}
	m.FlowsCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("work_type", workType)))
}

// CountSweepRepair records one monitor action of the given kind.
func (m *Metrics) CountSweepRepair(ctx context.Context, action string) {
	if m == nil {
		return
	}
	m.SweepRepairs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action)))
}

// CountDrift records one projection drift detection.
func (m *Metrics) CountDrift(ctx context.Context) {
	if m == nil {
		return
	}
	m.ProjectionDrift.Add(ctx, 1)
}
