// SPDX-License-Identifier: Apache-2.0
// Package telemetry provides observability for the Chimera orchestration core.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/chimera-agents/chimera/pkg/errors"
)

// OrchestrationMetrics tracks run admission, stage attempts, and failure
// patterns for production monitoring.
type OrchestrationMetrics struct {
	// runCounter tracks runs by terminal status
	runCounter metric.Int64Counter

	// stageAttemptCounter tracks stage invocation attempts by skill and outcome
	stageAttemptCounter metric.Int64Counter

	// errorCounter tracks errors by code and component
	errorCounter metric.Int64Counter

	// queueDepthGauge tracks runs waiting for an admission slot
	queueDepthGauge metric.Int64Gauge

	// runningGauge tracks concurrently running workflow runs
	runningGauge metric.Int64Gauge
}

// NewOrchestrationMetrics creates the metrics set with OTEL meters.
func NewOrchestrationMetrics() (*OrchestrationMetrics, error) {
	meter := otel.Meter("chimera/orchestrator")

	runCounter, err := meter.Int64Counter(
		"chimera.runs.total",
		metric.WithDescription("Workflow runs by terminal status"),
	)
	if err != nil {
		return nil, err
	}

	stageAttemptCounter, err := meter.Int64Counter(
		"chimera.stage.attempts",
		metric.WithDescription("Stage invocation attempts by skill and outcome"),
	)
	if err != nil {
		return nil, err
	}

	errorCounter, err := meter.Int64Counter(
		"chimera.errors.total",
		metric.WithDescription("Total errors by code and component"),
	)
	if err != nil {
		return nil, err
	}

	queueDepthGauge, err := meter.Int64Gauge(
		"chimera.queue.depth",
		metric.WithDescription("Runs waiting for an admission slot"),
	)
	if err != nil {
		return nil, err
	}

	runningGauge, err := meter.Int64Gauge(
		"chimera.runs.running",
		metric.WithDescription("Concurrently running workflow runs"),
	)
	if err != nil {
		return nil, err
	}

	return &OrchestrationMetrics{
		runCounter:          runCounter,
		stageAttemptCounter: stageAttemptCounter,
		errorCounter:        errorCounter,
		queueDepthGauge:     queueDepthGauge,
		runningGauge:        runningGauge,
	}, nil
}

// RecordRunFinished increments the run counter for a terminal status.
func (om *OrchestrationMetrics) RecordRunFinished(ctx context.Context, status string) {
	if om == nil {
		return
	}
	om.runCounter.Add(ctx, 1,
		metric.WithAttributes(attribute.String("run.status", status)),
	)
}

// RecordStageAttempt increments the attempt counter for a skill and outcome.
func (om *OrchestrationMetrics) RecordStageAttempt(ctx context.Context, skill, outcome string) {
	if om == nil {
		return
	}
	om.stageAttemptCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("skill.name", skill),
			attribute.String("stage.outcome", outcome),
		),
	)
}

// RecordError increments the error counter for the given error and component.
func (om *OrchestrationMetrics) RecordError(ctx context.Context, err error, component string) {
	if om == nil || err == nil {
		return
	}
	ce := errors.AsChimeraError(err)
	om.errorCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("error.code", string(ce.Code)),
			attribute.String("component", component),
			attribute.Bool("recoverable", ce.Recoverable),
		),
	)
}

// RecordQueueDepth records the number of runs waiting for admission.
func (om *OrchestrationMetrics) RecordQueueDepth(ctx context.Context, depth int64) {
	if om == nil {
		return
	}
	om.queueDepthGauge.Record(ctx, depth)
}

// RecordRunning records the number of concurrently running runs.
func (om *OrchestrationMetrics) RecordRunning(ctx context.Context, running int64) {
	if om == nil {
		return
	}
	om.runningGauge.Record(ctx, running)
}
