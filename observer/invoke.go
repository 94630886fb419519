package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/drojas/agentd/executor"
)

// WrapInvoke instruments an executor.InvokeFunc with a span and tool
// metrics per invocation.
func WrapInvoke(inner executor.InvokeFunc, inst *Instruments) executor.InvokeFunc {
	return func(ctx context.Context, toolID, method, path string, query map[string]any, body json.RawMessage) (int, any) {
		ctx, span := inst.Tracer.Start(ctx, "tool.invoke", trace.WithAttributes(
			AttrToolID.String(toolID),
			AttrToolMethod.String(method),
			AttrToolPath.String(path),
		))
		defer span.End()
		start := time.Now()

		status, result := inner(ctx, toolID, method, path, query, body)

		durationMs := float64(time.Since(start).Milliseconds())
		span.SetAttributes(AttrToolStatus.Int(status))
		if status < 200 || status >= 300 {
			span.SetStatus(codes.Error, fmt.Sprintf("status %d", status))
		}

		attrs := metric.WithAttributes(
			AttrToolID.String(toolID),
			AttrToolMethod.String(method),
			AttrToolPath.String(path),
			AttrToolStatus.Int(status),
		)
		inst.ToolInvocations.Add(ctx, 1, attrs)
		inst.ToolDuration.Record(ctx, durationMs, attrs)

		return status, result
	}
}
