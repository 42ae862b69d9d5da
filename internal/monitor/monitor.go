// Package monitor carries the agent's periodic loops: health probing and
// telemetry reporting. Both only read process state through the controller;
// neither ever takes the config mutation lock, so a slow reload cannot
// stall them.
package monitor

import "context"

// EventSink receives events for upstream delivery.
type EventSink interface {
	SendEvent(ctx context.Context, name string, data any) error
}

// AckRecorder learns whether upstream pushes were acknowledged. The
// registration manager uses this signal to detect a core API that no
// longer knows the agent.
type AckRecorder interface {
	ReportPushResult(ok bool)
}
