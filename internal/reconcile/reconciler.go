package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vpnworks/xray-agent/internal/domain"
	"github.com/vpnworks/xray-agent/internal/xray"
)

// EventSink receives command results for upstream reporting.
type EventSink interface {
	SendEvent(ctx context.Context, name string, data any) error
}

// Reconciler drains the command queue and drives the proxy toward each
// command's desired state, one command at a time in arrival order.
//
// The apply lock spans the whole sequence: snapshot read, candidate build,
// validation, process reload, commit. The store is committed only after the
// process accepted the reload, so the live document always matches what the
// process last loaded; a crash in between leaves the previous document in
// place and the command safe to re-apply.
type Reconciler struct {
	store  *xray.Store
	ctrl   xray.Controller
	events EventSink
	queue  *Queue
	logger *slog.Logger

	applyMu sync.Mutex

	completed atomic.Int64
	failed    atomic.Int64
}

// New creates a reconciler consuming from queue.
func New(store *xray.Store, ctrl xray.Controller, events EventSink, queue *Queue, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		ctrl:   ctrl,
		events: events,
		queue:  queue,
		logger: logger,
	}
}

// Run processes commands until ctx is cancelled. A command already being
// applied when ctx fires is finished, not interrupted mid-commit.
func (r *Reconciler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-r.queue.Commands():
			r.execute(context.WithoutCancel(ctx), cmd)
		}
	}
}

func (r *Reconciler) execute(ctx context.Context, cmd domain.Command) {
	start := time.Now()
	err := r.handle(ctx, cmd)
	took := time.Since(start)

	if err != nil {
		r.failed.Add(1)
		r.logger.Error("command failed",
			"command", string(cmd.Kind),
			"command_id", cmd.ID,
			"took", took.String(),
			"err", err,
		)
		r.report(ctx, domain.EventCommandFailed, cmd, err)
		return
	}

	r.completed.Add(1)
	r.logger.Info("command completed",
		"command", string(cmd.Kind),
		"command_id", cmd.ID,
		"took", took.String(),
	)
	r.report(ctx, domain.EventCommandCompleted, cmd, nil)
}

// Counts reports how many commands finished since startup.
func (r *Reconciler) Counts() (completed, failed int64) {
	return r.completed.Load(), r.failed.Load()
}

// report pushes the command result upstream. Best-effort: a failed push is
// logged and dropped, the core API reconciles through /status polling.
func (r *Reconciler) report(ctx context.Context, event string, cmd domain.Command, cmdErr error) {
	data := map[string]any{
		"command":    string(cmd.Kind),
		"command_id": cmd.ID,
	}
	if cmd.UserUUID != "" {
		data["user_uuid"] = cmd.UserUUID
	}
	if cmdErr != nil {
		data["error"] = cmdErr.Error()
	}

	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := r.events.SendEvent(pctx, event, data); err != nil {
		r.logger.Warn("failed to report command result", "event", event, "err", err)
	}
}

func (r *Reconciler) handle(ctx context.Context, cmd domain.Command) error {
	// The endpoint validates before queueing; this guards direct callers.
	if err := cmd.Validate(); err != nil {
		return err
	}

	switch cmd.Kind {
	case domain.CommandAddUser:
		return r.applyMutation(ctx, func(doc *xray.Document) (bool, error) {
			return doc.AddClient(xray.Client{
				ID:    cmd.UserUUID,
				Email: emailFor(cmd.Email, cmd.UserUUID),
				Flow:  xray.FlowVision,
			})
		})

	case domain.CommandRemoveUser:
		return r.applyMutation(ctx, func(doc *xray.Document) (bool, error) {
			return doc.RemoveClient(cmd.UserUUID)
		})

	case domain.CommandRegenerateUser:
		return r.applyMutation(ctx, func(doc *xray.Document) (bool, error) {
			removed, err := doc.RemoveClient(cmd.OldUserUUID)
			if err != nil {
				return false, err
			}
			added, err := doc.AddClient(xray.Client{
				ID:    cmd.UserUUID,
				Email: emailFor(cmd.Email, cmd.UserUUID),
				Flow:  xray.FlowVision,
			})
			if err != nil {
				return false, err
			}
			return removed || added, nil
		})

	case domain.CommandRestartXray:
		return r.restart(ctx)

	default:
		return domain.ErrBadCommand{Reason: "unhandled command kind " + string(cmd.Kind)}
	}
}

// applyMutation runs the full apply sequence under the mutation lock.
// A mutation that finds the document already in the desired state skips
// validation and reload entirely.
func (r *Reconciler) applyMutation(ctx context.Context, mutate func(*xray.Document) (bool, error)) error {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	doc, err := r.readWithRetry()
	if err != nil {
		return err
	}

	changed, err := mutate(doc)
	if err != nil {
		return err
	}
	if !changed {
		r.logger.Info("config already in desired state, skipping reload")
		return nil
	}

	candidatePath, err := r.writeCandidateWithRetry(doc)
	if err != nil {
		return err
	}
	defer r.store.DiscardCandidate()

	if err := r.ctrl.Test(ctx, candidatePath); err != nil {
		return err
	}

	if err := r.ctrl.Reload(ctx); err != nil {
		return err
	}

	return r.commitWithRetry(doc)
}

// restart bounces the whole process. No document change is involved, but
// the mutation lock is still taken so a restart never interleaves with an
// in-flight apply.
func (r *Reconciler) restart(ctx context.Context) error {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	if err := r.ctrl.Restart(ctx); err != nil {
		return err
	}
	r.logger.Info("xray restarted")
	return nil
}

// storageAttempts bounds local retries of config file I/O before the
// failure surfaces as ErrStorageUnavailable.
const storageAttempts = 3

func (r *Reconciler) readWithRetry() (*xray.Document, error) {
	var lastErr error
	for attempt := 0; attempt < storageAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 200 * time.Millisecond)
		}
		doc, err := r.store.Read()
		if err == nil {
			return doc, nil
		}
		lastErr = err
	}
	return nil, domain.ErrStorageUnavailable{Op: "read", Err: lastErr}
}

func (r *Reconciler) writeCandidateWithRetry(doc *xray.Document) (string, error) {
	var lastErr error
	for attempt := 0; attempt < storageAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 200 * time.Millisecond)
		}
		path, err := r.store.WriteCandidate(doc)
		if err == nil {
			return path, nil
		}
		lastErr = err
	}
	return "", domain.ErrStorageUnavailable{Op: "write candidate", Err: lastErr}
}

func (r *Reconciler) commitWithRetry(doc *xray.Document) error {
	var lastErr error
	for attempt := 0; attempt < storageAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 200 * time.Millisecond)
		}
		err := r.store.Commit(doc)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return domain.ErrStorageUnavailable{Op: "commit", Err: lastErr}
}

func emailFor(email, userUUID string) string {
	if email != "" {
		return email
	}
	return "user-" + userUUID[:8]
}
