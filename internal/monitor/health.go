package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vpnworks/xray-agent/internal/domain"
	"github.com/vpnworks/xray-agent/internal/xray"
)

// pushTimeout bounds a single health event delivery.
const pushTimeout = 10 * time.Second

// HealthMonitor probes the local xray process on a fixed interval and
// tracks an up/down/degraded state machine. An event goes upstream exactly
// once per state transition, never once per tick: a process that stays
// down produces one xray_stopped event, not one per probe.
type HealthMonitor struct {
	ctrl     xray.Controller
	events   EventSink
	acks     AckRecorder
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	status   domain.HealthStatus
	external string
}

// NewHealthMonitor creates a monitor starting in the unknown state.
func NewHealthMonitor(ctrl xray.Controller, events EventSink, acks AckRecorder, interval time.Duration, logger *slog.Logger) *HealthMonitor {
	return &HealthMonitor{
		ctrl:     ctrl,
		events:   events,
		acks:     acks,
		interval: interval,
		logger:   logger,
		status:   domain.HealthUnknown,
	}
}

// Status returns the current reconciled health state.
func (h *HealthMonitor) Status() domain.HealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// SetExternal marks the agent degraded for a reason outside the probe's
// view, such as a failing registration. An empty reason clears it. The
// next tick folds this into the reported state.
func (h *HealthMonitor) SetExternal(reason string) {
	h.mu.Lock()
	h.external = reason
	h.mu.Unlock()
}

// Run probes until ctx is done.
func (h *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.tick(ctx)
		}
	}
}

func (h *HealthMonitor) tick(ctx context.Context) {
	next := h.probe(ctx)

	h.mu.Lock()
	// A healthy process with an externally reported problem is degraded.
	if next == domain.HealthUp && h.external != "" {
		next = domain.HealthDegraded
	}
	prev := h.status
	if next == prev {
		h.mu.Unlock()
		return
	}
	h.status = next
	reason := h.external
	h.mu.Unlock()

	h.logger.Info("xray health changed",
		"from", string(prev),
		"to", string(next),
	)

	event, data := transitionEvent(prev, next, reason)
	if event == "" {
		return
	}

	pctx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()
	err := h.events.SendEvent(pctx, event, data)
	h.acks.ReportPushResult(err == nil)
	if err != nil {
		// Swallowed: the next transition (or the status endpoint) will
		// carry the news.
		h.logger.Warn("failed to push health event", "event", event, "err", err)
	}
}

// probe derives the raw process state: down when the process is gone,
// degraded when it runs but its management API stopped answering.
func (h *HealthMonitor) probe(ctx context.Context) domain.HealthStatus {
	if !h.ctrl.Running(ctx) {
		return domain.HealthDown
	}
	if !h.ctrl.APIAlive(ctx) {
		return domain.HealthDegraded
	}
	return domain.HealthUp
}

// transitionEvent maps a state change to the webhook event reporting it.
// The first observation of a healthy process (unknown to up) is silent.
func transitionEvent(prev, next domain.HealthStatus, reason string) (string, map[string]any) {
	switch next {
	case domain.HealthDown:
		return domain.EventXrayStopped, map[string]any{"previous": string(prev)}
	case domain.HealthDegraded:
		data := map[string]any{"previous": string(prev)}
		if reason != "" {
			data["reason"] = reason
		}
		return domain.EventXrayDegraded, data
	case domain.HealthUp:
		if prev == domain.HealthUnknown {
			return "", nil
		}
		return domain.EventXrayRecovered, map[string]any{"previous": string(prev)}
	default:
		return "", nil
	}
}
