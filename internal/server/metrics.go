package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

func strPtr(s string) *string { return &s }

func f64Ptr(f float64) *float64 { return &f }

func gaugeFamily(name, help string, value float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: strPtr(name),
		Help: strPtr(help),
		Type: dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{
			{Gauge: &dto.Gauge{Value: f64Ptr(value)}},
		},
	}
}

func counterFamily(name, help string, value float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: strPtr(name),
		Help: strPtr(help),
		Type: dto.MetricType_COUNTER.Enum(),
		Metric: []*dto.Metric{
			{Counter: &dto.Counter{Value: f64Ptr(value)}},
		},
	}
}

// prometheus renders the agent's state in the text exposition format. The
// per-user traffic family carries xray's absolute counters, so it is only
// present while the process is up and answering stats queries.
func (a *API) prometheus(c *gin.Context) {
	sample := a.metrics.Collect(c.Request.Context())

	running := 0.0
	if sample.XrayStatus {
		running = 1.0
	}
	completed, failed := a.reconciler.Counts()

	families := []*dto.MetricFamily{
		gaugeFamily("xray_agent_xray_running",
			"Whether the managed xray process is currently running.", running),
		gaugeFamily("xray_agent_users_count",
			"Number of clients in the managed inbound.", float64(sample.UsersCount)),
		gaugeFamily("xray_agent_system_load",
			"Host load average over one minute.", sample.Load),
		gaugeFamily("xray_agent_cpu_percent",
			"Host CPU utilisation percentage.", sample.CPUUtil),
		gaugeFamily("xray_agent_ram_percent",
			"Host RAM utilisation percentage.", sample.RAMUtil),
		gaugeFamily("xray_agent_uptime_seconds",
			"Agent uptime in seconds.", float64(sample.UptimeSeconds)),
		gaugeFamily("xray_agent_command_queue_depth",
			"Commands waiting to be applied.", float64(a.queue.Depth())),
		counterFamily("xray_agent_commands_completed_total",
			"Commands applied successfully since the agent started.", float64(completed)),
		counterFamily("xray_agent_commands_failed_total",
			"Commands that failed since the agent started.", float64(failed)),
	}

	if len(sample.Users) > 0 {
		traffic := &dto.MetricFamily{
			Name: strPtr("xray_agent_user_traffic_bytes_total"),
			Help: strPtr("Per-user traffic as reported by the xray stats API."),
			Type: dto.MetricType_COUNTER.Enum(),
		}
		for _, u := range sample.Users {
			traffic.Metric = append(traffic.Metric,
				&dto.Metric{
					Label: []*dto.LabelPair{
						{Name: strPtr("email"), Value: strPtr(u.Email)},
						{Name: strPtr("direction"), Value: strPtr("uplink")},
					},
					Counter: &dto.Counter{Value: f64Ptr(float64(u.Uplink))},
				},
				&dto.Metric{
					Label: []*dto.LabelPair{
						{Name: strPtr("email"), Value: strPtr(u.Email)},
						{Name: strPtr("direction"), Value: strPtr("downlink")},
					},
					Counter: &dto.Counter{Value: f64Ptr(float64(u.Downlink))},
				},
			)
		}
		families = append(families, traffic)
	}

	format := expfmt.NewFormat(expfmt.TypeTextPlain)
	c.Header("Content-Type", string(format))
	c.Status(http.StatusOK)

	enc := expfmt.NewEncoder(c.Writer, format)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			a.logger.Error("metrics encoding failed", "family", mf.GetName(), "err", err)
			return
		}
	}
}
