// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package expansion

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/AleutianAI/traitplanner/services/planner/manager"
)

const tracerName = "traitplanner.expansion"

// Tracer provides OpenTelemetry spans for expansion batches.
//
// Thread Safety: Safe for concurrent use.
type Tracer struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	enabled bool
}

// NewTracer creates a tracer using the global tracer provider.
//
// Inputs:
//   - logger: Logger for structured logging. Nil means slog.Default().
//   - enabled: When false every span is a no-op.
//
// Outputs:
//   - *Tracer: Tracer instance.
func NewTracer(logger *slog.Logger, enabled bool) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracer{
		tracer:  otel.Tracer(tracerName),
		logger:  logger,
		enabled: enabled,
	}
}

// StartBatch starts the span covering one Expand call.
func (t *Tracer) StartBatch(ctx context.Context, batchID string, frontier, actions int) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "expansion.batch",
		trace.WithAttributes(
			attribute.String("expansion.batch_id", batchID),
			attribute.Int("expansion.frontier", frontier),
			attribute.Int("expansion.actions", actions),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndBatch records the outcome and ends the batch span.
func (t *Tracer) EndBatch(span trace.Span, b *Batch, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	if b != nil {
		span.SetAttributes(
			attribute.Int("expansion.result.bindings", b.Bindings),
			attribute.Int("expansion.result.transitions", len(b.Transitions)),
			attribute.Int("expansion.result.new_states", len(b.NewStates)),
			attribute.Int("expansion.result.merged", b.Merged),
		)
	}
	span.End()
}

// StartPhase starts a child span for one phase of a batch, e.g.
// "parallel", "playback", or "destroy".
func (t *Tracer) StartPhase(ctx context.Context, phase string) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "expansion."+phase)
}

// StartTask starts the span for one (action, source state) task.
func (t *Tracer) StartTask(ctx context.Context, actionName string, source manager.Key) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "expansion.task",
		trace.WithAttributes(
			attribute.String("expansion.action", actionName),
			attribute.String("expansion.source", source.String()),
		),
	)
}

// EndTask ends a task span.
func (t *Tracer) EndTask(span trace.Span, bindings int, err error) {
	if span == nil {
		return
	}
	span.SetAttributes(attribute.Int("expansion.task.bindings", bindings))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
