package xray

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/vpnworks/xray-agent/internal/domain"
)

// Controller drives the local xray process: config checks, reloads, and
// runtime probes. The reconciler and the monitor loops depend on this
// interface so tests can substitute a fake process.
type Controller interface {
	// Test validates the configuration file at path without touching the
	// running process.
	Test(ctx context.Context, path string) error

	// Reload makes the running process re-read the live configuration.
	Reload(ctx context.Context) error

	// Restart fully restarts the process.
	Restart(ctx context.Context) error

	// Running reports whether the process is up.
	Running(ctx context.Context) bool

	// APIAlive reports whether the management API accepts connections.
	APIAlive(ctx context.Context) bool

	// QueryStats reads per-user traffic counters from the management API.
	QueryStats(ctx context.Context) ([]domain.UserUsage, error)
}

// ControllerOptions configures an ExecController.
type ControllerOptions struct {
	Binary          string
	APIAddr         string
	ReloadCommand   string
	RestartCommand  string
	StatusCommand   string
	ValidateTimeout time.Duration
	ReloadTimeout   time.Duration
	RestartTimeout  time.Duration
}

// ExecController controls xray through its binary and shell commands, the
// way the process is managed on a plain systemd or docker host.
type ExecController struct {
	opts   ControllerOptions
	logger *slog.Logger
}

func NewExecController(opts ControllerOptions, logger *slog.Logger) *ExecController {
	return &ExecController{opts: opts, logger: logger}
}

var _ Controller = (*ExecController)(nil)

// Test runs `xray -test -config path`. A non-zero exit becomes
// ErrInvalidConfig carrying the binary's output.
func (e *ExecController) Test(ctx context.Context, path string) error {
	cctx, cancel := context.WithTimeout(ctx, e.opts.ValidateTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, e.opts.Binary, "-test", "-config", path)
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	if cctx.Err() != nil {
		return domain.ErrTimeout{Op: "validate config", Err: cctx.Err()}
	}
	return domain.ErrInvalidConfig{Output: strings.TrimSpace(string(out)), Err: err}
}

// Reload signals the running process to re-read its configuration.
func (e *ExecController) Reload(ctx context.Context) error {
	return e.runShell(ctx, e.opts.ReloadCommand, e.opts.ReloadTimeout, "reload xray")
}

// Restart fully restarts the process.
func (e *ExecController) Restart(ctx context.Context) error {
	return e.runShell(ctx, e.opts.RestartCommand, e.opts.RestartTimeout, "restart xray")
}

// Running reports whether the xray process exists.
func (e *ExecController) Running(ctx context.Context) bool {
	err := e.runShell(ctx, e.opts.StatusCommand, 5*time.Second, "probe xray")
	return err == nil
}

// APIAlive dials the management API address.
func (e *ExecController) APIAlive(ctx context.Context) bool {
	dialer := net.Dialer{Timeout: 2 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", e.opts.APIAddr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (e *ExecController) runShell(ctx context.Context, command string, timeout time.Duration, op string) error {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "sh", "-c", command)
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	if cctx.Err() != nil {
		return domain.ErrTimeout{Op: op, Err: cctx.Err()}
	}
	return fmt.Errorf("%s (%q): %w: %s", op, command, err, strings.TrimSpace(string(out)))
}

// statsResponse mirrors `xray api statsquery` output. Depending on the
// build, counter values arrive as JSON numbers or as strings.
type statsResponse struct {
	Stat []struct {
		Name  string          `json:"name"`
		Value json.RawMessage `json:"value"`
	} `json:"stat"`
}

// QueryStats runs `xray api statsquery` and folds the flat counter list
// into per-user uplink/downlink pairs.
func (e *ExecController) QueryStats(ctx context.Context) ([]domain.UserUsage, error) {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(cctx, e.opts.Binary, "api", "statsquery", "--server", e.opts.APIAddr)
	out, err := cmd.Output()
	if err != nil {
		if cctx.Err() != nil {
			return nil, domain.ErrTimeout{Op: "query stats", Err: cctx.Err()}
		}
		return nil, fmt.Errorf("query stats: %w", err)
	}

	return e.parseStatsOutput(out)
}

func (e *ExecController) parseStatsOutput(out []byte) ([]domain.UserUsage, error) {
	var resp statsResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, fmt.Errorf("parse stats output: %w", err)
	}

	byEmail := map[string]*domain.UserUsage{}
	for _, stat := range resp.Stat {
		// Counter names look like "user>>>bob@host>>>traffic>>>uplink".
		parts := strings.Split(stat.Name, ">>>")
		if len(parts) != 4 || parts[0] != "user" || parts[2] != "traffic" {
			continue
		}
		email, direction := parts[1], parts[3]

		value, err := parseCounter(stat.Value)
		if err != nil {
			e.logger.Debug("skipping unparseable stat counter", "name", stat.Name, "err", err)
			continue
		}

		usage, ok := byEmail[email]
		if !ok {
			usage = &domain.UserUsage{Email: email}
			byEmail[email] = usage
		}
		switch direction {
		case "uplink":
			usage.Uplink += value
		case "downlink":
			usage.Downlink += value
		}
	}

	usages := make([]domain.UserUsage, 0, len(byEmail))
	for _, u := range byEmail {
		usages = append(usages, *u)
	}
	sort.Slice(usages, func(i, j int) bool { return usages[i].Email < usages[j].Email })
	return usages, nil
}

func parseCounter(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	var asNumber int64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return asNumber, nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return strconv.ParseInt(asString, 10, 64)
	}
	return 0, errors.New("value is neither number nor string")
}
