package bridge

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/courierdev/courier/pkg/events"
)

// NotifyAgentStarted announces a new run to the user. Extra carries
// agent_name and any other launch detail; run routing fields are attached
// by the funnel.
func (b *Bridge) NotifyAgentStarted(ctx context.Context, userID, runID string, extra map[string]any) bool {
	return b.notify(ctx, userID, runID, events.TypeAgentStarted, cloneData(extra))
}

// NotifyAgentThinking forwards a reasoning update.
func (b *Bridge) NotifyAgentThinking(ctx context.Context, userID, runID, agentName, reasoning string) bool {
	return b.notify(ctx, userID, runID, events.TypeAgentThinking, map[string]any{
		"agent_name": agentName,
		"reasoning":  reasoning,
	})
}

// NotifyToolExecuting announces a tool invocation. Args pass through the
// safe serializer, so arbitrary argument values are fine.
func (b *Bridge) NotifyToolExecuting(ctx context.Context, userID, runID, toolName, executionID string, args any) bool {
	return b.notify(ctx, userID, runID, events.TypeToolExecuting, map[string]any{
		"tool_name":    toolName,
		"execution_id": executionID,
		"tool_args":    events.Sanitize(args),
	})
}

// NotifyToolCompleted reports a finished tool invocation with its results
// and wall time in seconds.
func (b *Bridge) NotifyToolCompleted(ctx context.Context, userID, runID, toolName string, results any, executionTime float64) bool {
	return b.notify(ctx, userID, runID, events.TypeToolCompleted, map[string]any{
		"tool_name":      toolName,
		"results":        events.Sanitize(results),
		"execution_time": executionTime,
	})
}

// NotifyAgentCompleted reports the terminal state of a run.
func (b *Bridge) NotifyAgentCompleted(ctx context.Context, userID, runID, status, finalResponse string) bool {
	return b.notify(ctx, userID, runID, events.TypeAgentCompleted, map[string]any{
		"status":         status,
		"final_response": finalResponse,
	})
}

// NotifyProgress forwards a progress percentage with an optional detail
// message.
func (b *Bridge) NotifyProgress(ctx context.Context, userID, runID string, progress float64, message string) bool {
	data := map[string]any{"progress": progress}
	if message != "" {
		data["message"] = message
	}
	return b.notify(ctx, userID, runID, events.TypeProgressUpdate, data)
}

// NotifyError surfaces a run failure to the user.
func (b *Bridge) NotifyError(ctx context.Context, userID, runID, errorCode, message string) bool {
	return b.notify(ctx, userID, runID, events.TypeError, map[string]any{
		"error_code": errorCode,
		"message":    message,
	})
}

// notify is the single funnel for outbound run events. It resolves the
// thread, attaches routing fields, and hands the envelope to the manager.
// It reports delivery as a bool and absorbs panics: agent execution must
// never fail because the user could not be told about it.
func (b *Bridge) notify(ctx context.Context, userID, runID string, eventType events.Type, data map[string]any) (delivered bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("panic during notification",
				zap.String("event_type", string(eventType)),
				zap.String("run_id", runID),
				zap.Any("panic", r))
			delivered = false
		}
	}()

	st := b.State()
	if st != StateActive && st != StateDegraded {
		b.logger.Debug("notification dropped, bridge not ready",
			zap.String("event_type", string(eventType)),
			zap.String("state", st.String()))
		return false
	}

	ctx, span := b.tracer.Start(ctx, "bridge.notify")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.type", string(eventType)),
		attribute.String("run.id", runID),
	)

	data["run_id"] = runID
	data["user_id"] = userID
	if _, ok := data["thread_id"]; !ok {
		if threadID, source, ok := b.ResolveThreadID(ctx, runID); ok {
			data["thread_id"] = threadID
			b.logger.Debug("thread resolved",
				zap.String("run_id", runID),
				zap.String("thread_id", threadID),
				zap.String("source", source))
		} else {
			b.logger.Warn("no thread mapping for run",
				zap.String("run_id", runID),
				zap.String("event_type", string(eventType)))
		}
	}

	ok := b.manager.EmitCriticalEvent(ctx, userID, eventType, data)
	span.SetAttributes(attribute.Bool("delivery.accepted", ok))
	if !ok {
		b.logger.Warn("notification not accepted",
			zap.String("event_type", string(eventType)),
			zap.String("run_id", runID),
			zap.String("user_id", userID))
	}
	return ok
}

func cloneData(extra map[string]any) map[string]any {
	data := make(map[string]any, len(extra)+4)
	for k, v := range extra {
		data[k] = v
	}
	return data
}
