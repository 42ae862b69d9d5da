package registration

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vpnworks/xray-agent/internal/domain"
)

// Registrar is the upstream side of registration.
type Registrar interface {
	Register(ctx context.Context, req domain.RegisterRequest) error
}

// registerTimeout bounds a single registration attempt.
const registerTimeout = 15 * time.Second

// Manager announces the agent to the core API at startup and keeps the
// registration alive afterwards: when upstream reports go unacknowledged
// for long enough, it assumes the core API lost the record and registers
// again. Registration never blocks endpoint readiness and never gives up;
// attempts are spaced by exponential backoff.
type Manager struct {
	api    Registrar
	req    domain.RegisterRequest
	stale  time.Duration
	logger *slog.Logger

	// onDegraded, when set, receives a note for the health event stream
	// whenever the agent is running unregistered.
	onDegraded func(reason string)

	mu         sync.Mutex
	registered bool
	lastAck    time.Time

	kick chan struct{}
}

// NewManager creates a registration manager. staleAfter is how long
// reports may go unacknowledged before registration is repeated.
func NewManager(api Registrar, req domain.RegisterRequest, staleAfter time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		api:     api,
		req:     req,
		stale:   staleAfter,
		logger:  logger,
		lastAck: time.Now(),
		kick:    make(chan struct{}, 1),
	}
}

// OnDegraded installs a callback invoked when registration starts failing.
func (m *Manager) OnDegraded(fn func(reason string)) {
	m.onDegraded = fn
}

// Registered reports whether the latest registration round succeeded.
func (m *Manager) Registered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registered
}

// Run performs the startup registration and then waits for staleness
// triggers. It blocks until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	m.registerLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.kick:
			m.logger.Warn("reports unacknowledged for too long, registering again")
			m.registerLoop(ctx)
		}
	}
}

// registerLoop retries until one attempt succeeds or ctx is cancelled.
func (m *Manager) registerLoop(ctx context.Context) {
	b := newBackoff()

	for attempt := 1; ; attempt++ {
		rctx, cancel := context.WithTimeout(ctx, registerTimeout)
		err := m.api.Register(rctx, m.req)
		cancel()

		if err == nil {
			m.mu.Lock()
			m.registered = true
			m.lastAck = time.Now()
			m.mu.Unlock()
			if m.onDegraded != nil {
				m.onDegraded("")
			}
			m.logger.Info("registered with core API",
				"agent_url", m.req.AgentURL,
				"attempts", attempt,
			)
			return
		}

		m.logger.Warn("registration attempt failed",
			"attempt", attempt,
			"err", err,
		)
		if attempt == 1 && m.onDegraded != nil {
			m.onDegraded("core API registration failing: " + err.Error())
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(b.next()):
		}
	}
}

// ReportPushResult records whether an upstream report (metrics or health)
// was acknowledged. The monitor loops call this after every push; an
// acknowledgment gap longer than the staleness window re-triggers
// registration, covering a core API that forgot this agent.
func (m *Manager) ReportPushResult(ok bool) {
	m.mu.Lock()
	if ok {
		m.lastAck = time.Now()
		m.mu.Unlock()
		return
	}

	trigger := m.registered && time.Since(m.lastAck) > m.stale
	if trigger {
		m.registered = false
	}
	m.mu.Unlock()

	if trigger {
		select {
		case m.kick <- struct{}{}:
		default:
		}
	}
}
