package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vpnworks/xray-agent/internal/domain"
	"github.com/vpnworks/xray-agent/internal/system"
	"github.com/vpnworks/xray-agent/internal/xray"
)

// MetricsReporter pushes one telemetry sample upstream per interval.
// Delivery is best-effort: a failed push is logged and dropped, and the
// next tick reports fresh numbers anyway. There is no local backlog;
// metrics here are observability, not accounting.
type MetricsReporter struct {
	store     *xray.Store
	ctrl      xray.Controller
	stats     *system.StatsCollector
	events    EventSink
	acks      AckRecorder
	interval  time.Duration
	startedAt time.Time
	logger    *slog.Logger

	mu      sync.Mutex
	last    domain.MetricsSample
	hasLast bool
}

// NewMetricsReporter creates a reporter. startedAt anchors the uptime
// figure in each sample.
func NewMetricsReporter(
	store *xray.Store,
	ctrl xray.Controller,
	stats *system.StatsCollector,
	events EventSink,
	acks AckRecorder,
	interval time.Duration,
	startedAt time.Time,
	logger *slog.Logger,
) *MetricsReporter {
	return &MetricsReporter{
		store:     store,
		ctrl:      ctrl,
		stats:     stats,
		events:    events,
		acks:      acks,
		interval:  interval,
		startedAt: startedAt,
		logger:    logger,
	}
}

// LastSample returns the most recent sample, if any tick has completed.
func (m *MetricsReporter) LastSample() (domain.MetricsSample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.hasLast
}

// Run reports until ctx is done.
func (m *MetricsReporter) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *MetricsReporter) tick(ctx context.Context) {
	sample := m.Collect(ctx)

	m.mu.Lock()
	m.last = sample
	m.hasLast = true
	m.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()
	err := m.events.SendEvent(pctx, domain.EventMetrics, sample)
	m.acks.ReportPushResult(err == nil)
	if err != nil {
		m.logger.Warn("failed to push metrics", "err", err)
		return
	}

	m.logger.Debug("metrics pushed",
		"users", sample.UsersCount,
		"xray_running", sample.XrayStatus,
		"load", sample.Load,
	)
}

// Collect assembles a sample from the host, the config snapshot, and the
// proxy's management API. Per-user counters are skipped when the process
// is down or the stats query fails; the rest of the sample still ships.
func (m *MetricsReporter) Collect(ctx context.Context) domain.MetricsSample {
	snap := m.stats.Collect()
	running := m.ctrl.Running(ctx)

	sample := domain.MetricsSample{
		Timestamp:     time.Now().UTC(),
		Load:          snap.Load1,
		CPUUtil:       snap.CPUUtil,
		RAMUtil:       snap.RAMUtil,
		UsersCount:    m.store.UsersCount(),
		XrayStatus:    running,
		UptimeSeconds: int64(time.Since(m.startedAt).Seconds()),
	}

	if running {
		users, err := m.ctrl.QueryStats(ctx)
		if err != nil {
			m.logger.Debug("stats query failed", "err", err)
		} else {
			sample.Users = users
		}
	}

	return sample
}
