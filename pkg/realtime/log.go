package realtime

import (
	"context"

	"nodebase/api/pkg/ctxlog"
)

// LogPublisher writes each event to the context logger at info level.
type LogPublisher struct{}

func (LogPublisher) Publish(ctx context.Context, event StatusEvent) {
	ctxlog.FromContext(ctx).Info("Node status",
		"nodeId", event.NodeID,
		"nodeType", event.NodeType,
		"status", event.Status,
		"executionId", event.ExecutionID,
	)
}
