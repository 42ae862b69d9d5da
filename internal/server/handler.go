package server

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/vpnworks/xray-agent/internal/domain"
	"github.com/vpnworks/xray-agent/internal/monitor"
	"github.com/vpnworks/xray-agent/internal/reconcile"
	"github.com/vpnworks/xray-agent/internal/registration"
	"github.com/vpnworks/xray-agent/internal/xray"
)

type response struct {
	Ok    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

type commandRequest struct {
	Command     string `json:"command"`
	UserUUID    string `json:"user_uuid"`
	OldUserUUID string `json:"old_user_uuid"`
	Email       string `json:"email"`
}

type commandAccepted struct {
	Status    string `json:"status"`
	CommandID string `json:"command_id"`
}

// API exposes the agent's control surface: command intake plus the status,
// reality, and metrics views. Handlers never apply changes themselves; they
// validate, enqueue, and answer.
type API struct {
	serverID  int
	version   string
	startedAt time.Time

	store      *xray.Store
	ctrl       xray.Controller
	queue      *reconcile.Queue
	reconciler *reconcile.Reconciler
	reg        *registration.Manager
	health     *monitor.HealthMonitor
	metrics    *monitor.MetricsReporter
	reality    *xray.Reality
	logger     *slog.Logger
}

// NewAPI wires the handlers' collaborators.
func NewAPI(
	serverID int,
	version string,
	startedAt time.Time,
	store *xray.Store,
	ctrl xray.Controller,
	queue *reconcile.Queue,
	reconciler *reconcile.Reconciler,
	reg *registration.Manager,
	health *monitor.HealthMonitor,
	metrics *monitor.MetricsReporter,
	reality *xray.Reality,
	logger *slog.Logger,
) *API {
	return &API{
		serverID:   serverID,
		version:    version,
		startedAt:  startedAt,
		store:      store,
		ctrl:       ctrl,
		queue:      queue,
		reconciler: reconciler,
		reg:        reg,
		health:     health,
		metrics:    metrics,
		reality:    reality,
		logger:     logger,
	}
}

// RegisterRoutes attaches all routes. Health and metrics stay public; the
// control routes sit behind the API key.
func (a *API) RegisterRoutes(router *gin.Engine, apiKey string) {
	router.GET("/health", a.healthCheck)
	router.GET("/metrics", a.prometheus)

	authed := router.Group("/", authMiddleware(apiKey))
	authed.GET("/status", a.status)
	authed.POST("/commands", a.postCommand)
	authed.GET("/reality", a.realityParams)
}

func (a *API) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "xray-agent",
	})
}

func (a *API) status(c *gin.Context) {
	st := domain.AgentStatus{
		ServerID:      a.serverID,
		Version:       a.version,
		Health:        a.health.Status(),
		XrayRunning:   a.ctrl.Running(c.Request.Context()),
		UsersCount:    a.store.UsersCount(),
		QueueDepth:    a.queue.Depth(),
		Registered:    a.reg.Registered(),
		UptimeSeconds: int64(time.Since(a.startedAt).Seconds()),
	}
	if sample, ok := a.metrics.LastSample(); ok {
		st.LastMetricsAt = sample.Timestamp.Format(time.RFC3339)
	}

	c.JSON(http.StatusOK, response{Ok: true, Data: st})
}

func (a *API) postCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.logger.Warn("command rejected: invalid payload", "err", err)
		c.JSON(http.StatusBadRequest, response{Ok: false, Error: err.Error()})
		return
	}

	kind, ok := domain.ParseCommandKind(req.Command)
	if !ok {
		a.logger.Warn("command rejected: unknown command", "command", req.Command)
		c.JSON(http.StatusBadRequest, response{Ok: false, Error: "unknown command " + req.Command})
		return
	}

	cmd := domain.Command{
		ID:          uuid.New().String(),
		Kind:        kind,
		UserUUID:    strings.TrimSpace(req.UserUUID),
		OldUserUUID: strings.TrimSpace(req.OldUserUUID),
		Email:       strings.TrimSpace(req.Email),
	}
	if err := cmd.Validate(); err != nil {
		a.logger.Warn("command rejected", "command", req.Command, "err", err)
		c.JSON(http.StatusBadRequest, response{Ok: false, Error: err.Error()})
		return
	}

	if err := a.queue.Enqueue(cmd); err != nil {
		a.logger.Error("command dropped: queue full", "command", string(cmd.Kind))
		c.JSON(http.StatusServiceUnavailable, response{Ok: false, Error: err.Error()})
		return
	}

	a.logger.Info("command accepted",
		"command", string(cmd.Kind),
		"command_id", cmd.ID,
		"queue_depth", a.queue.Depth(),
	)
	c.JSON(http.StatusAccepted, response{Ok: true, Data: commandAccepted{
		Status:    "accepted",
		CommandID: cmd.ID,
	}})
}

func (a *API) realityParams(c *gin.Context) {
	c.JSON(http.StatusOK, response{Ok: true, Data: a.reality.Params()})
}
