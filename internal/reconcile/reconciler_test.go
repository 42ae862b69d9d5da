package reconcile

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vpnworks/xray-agent/internal/domain"
	"github.com/vpnworks/xray-agent/internal/xray"
)

const seededUUID = "54b7e5a4-7e0b-4f74-9f44-8d6a19b13e1a"

const testConfig = `{
  "log": {"loglevel": "warning"},
  "inbounds": [
    {
      "tag": "vless-in",
      "listen": "0.0.0.0",
      "port": 443,
      "protocol": "vless",
      "settings": {
        "clients": [
          {"id": "54b7e5a4-7e0b-4f74-9f44-8d6a19b13e1a", "email": "user-54b7e5a4", "flow": "xtls-rprx-vision"}
        ],
        "decryption": "none"
      }
    }
  ],
  "outbounds": [{"tag": "direct", "protocol": "freedom"}],
  "operatorNotes": "do not touch"
}`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeController counts calls instead of touching a real process.
type fakeController struct {
	mu          sync.Mutex
	testErr     error
	reloadErr   error
	restartErr  error
	testDelay   time.Duration
	tests       int
	reloads     int
	restarts    int
	testedPaths []string
}

func (f *fakeController) Test(_ context.Context, path string) error {
	f.mu.Lock()
	f.tests++
	f.testedPaths = append(f.testedPaths, path)
	delay, err := f.testDelay, f.testErr
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return err
}

func (f *fakeController) Reload(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads++
	return f.reloadErr
}

func (f *fakeController) Restart(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	return f.restartErr
}

func (f *fakeController) Running(context.Context) bool  { return true }
func (f *fakeController) APIAlive(context.Context) bool { return true }
func (f *fakeController) QueryStats(context.Context) ([]domain.UserUsage, error) {
	return nil, nil
}

func (f *fakeController) counts() (tests, reloads, restarts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tests, f.reloads, f.restarts
}

type sinkEvent struct {
	name string
	data map[string]any
}

type fakeSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

func (f *fakeSink) SendEvent(_ context.Context, name string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, _ := data.(map[string]any)
	f.events = append(f.events, sinkEvent{name: name, data: m})
	return nil
}

func (f *fakeSink) all() []sinkEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sinkEvent, len(f.events))
	copy(out, f.events)
	return out
}

func newTestReconciler(t *testing.T) (*Reconciler, *Queue, *xray.Store, *fakeController, *fakeSink, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(testConfig), 0o644); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	store := xray.NewStore(path, discardLogger())
	if err := store.Open(nil); err != nil {
		t.Fatalf("open store: %v", err)
	}

	ctrl := &fakeController{}
	sink := &fakeSink{}
	queue := NewQueue(16)
	r := New(store, ctrl, sink, queue, discardLogger())
	return r, queue, store, ctrl, sink, path
}

func TestReconciler_AddUserAppliesFullSequence(t *testing.T) {
	r, _, store, ctrl, _, path := newTestReconciler(t)

	newUUID := "a4a4e7b8-18a3-4b8b-9a63-1c41d2b2f0aa"
	err := r.handle(context.Background(), domain.Command{
		ID:       "cmd-1",
		Kind:     domain.CommandAddUser,
		UserUUID: newUUID,
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	tests, reloads, _ := ctrl.counts()
	if tests != 1 || reloads != 1 {
		t.Errorf("tests=%d reloads=%d, want 1 and 1", tests, reloads)
	}
	if got := ctrl.testedPaths[0]; got != path+".candidate" {
		t.Errorf("validated %q, want the candidate path", got)
	}

	onDisk, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(onDisk), newUUID) {
		t.Error("new client not committed to disk")
	}
	if !strings.Contains(string(onDisk), `"user-a4a4e7b8"`) {
		t.Error("default email not derived from the uuid")
	}
	if !strings.Contains(string(onDisk), "operatorNotes") {
		t.Error("unmanaged field lost during apply")
	}
	if _, err := os.Stat(path + ".candidate"); !os.IsNotExist(err) {
		t.Error("candidate file left behind after a successful apply")
	}
	if got := store.UsersCount(); got != 2 {
		t.Errorf("UsersCount = %d, want 2", got)
	}
}

func TestReconciler_AddUserIdempotent(t *testing.T) {
	r, _, store, ctrl, _, _ := newTestReconciler(t)

	cmd := domain.Command{
		ID:       "cmd-1",
		Kind:     domain.CommandAddUser,
		UserUUID: "a4a4e7b8-18a3-4b8b-9a63-1c41d2b2f0aa",
	}
	if err := r.handle(context.Background(), cmd); err != nil {
		t.Fatalf("first handle: %v", err)
	}
	if err := r.handle(context.Background(), cmd); err != nil {
		t.Fatalf("second handle: %v", err)
	}

	tests, reloads, _ := ctrl.counts()
	if tests != 1 || reloads != 1 {
		t.Errorf("repeat apply ran tests=%d reloads=%d, want no extra work", tests, reloads)
	}
	if got := store.UsersCount(); got != 2 {
		t.Errorf("UsersCount = %d, want 2", got)
	}
}

func TestReconciler_RemoveMissingUserIsNoop(t *testing.T) {
	r, _, store, ctrl, _, _ := newTestReconciler(t)

	err := r.handle(context.Background(), domain.Command{
		ID:       "cmd-1",
		Kind:     domain.CommandRemoveUser,
		UserUUID: "a4a4e7b8-18a3-4b8b-9a63-1c41d2b2f0aa",
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	tests, reloads, _ := ctrl.counts()
	if tests != 0 || reloads != 0 {
		t.Errorf("no-op remove ran tests=%d reloads=%d", tests, reloads)
	}
	if got := store.UsersCount(); got != 1 {
		t.Errorf("UsersCount = %d, want 1", got)
	}
}

func TestReconciler_ValidationFailureLeavesLiveConfigUntouched(t *testing.T) {
	r, _, store, ctrl, _, path := newTestReconciler(t)
	ctrl.testErr = domain.ErrInvalidConfig{Output: "json parse error"}

	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	err = r.handle(context.Background(), domain.Command{
		ID:       "cmd-1",
		Kind:     domain.CommandAddUser,
		UserUUID: "a4a4e7b8-18a3-4b8b-9a63-1c41d2b2f0aa",
	})
	var invalid domain.ErrInvalidConfig
	if !errors.As(err, &invalid) {
		t.Fatalf("error = %v, want ErrInvalidConfig", err)
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Error("live config changed after a failed validation")
	}

	_, reloads, _ := ctrl.counts()
	if reloads != 0 {
		t.Errorf("process signaled %d times after failed validation", reloads)
	}
	if _, err := os.Stat(path + ".candidate"); !os.IsNotExist(err) {
		t.Error("candidate file not cleaned up after failed validation")
	}
	if got := store.UsersCount(); got != 1 {
		t.Errorf("snapshot changed: UsersCount = %d, want 1", got)
	}
}

func TestReconciler_ReloadFailureDoesNotCommit(t *testing.T) {
	r, _, store, ctrl, _, path := newTestReconciler(t)
	ctrl.reloadErr = errors.New("kill: no such process")

	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	err = r.handle(context.Background(), domain.Command{
		ID:       "cmd-1",
		Kind:     domain.CommandAddUser,
		UserUUID: "a4a4e7b8-18a3-4b8b-9a63-1c41d2b2f0aa",
	})
	if err == nil {
		t.Fatal("expected reload error to surface")
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Error("live config committed even though the reload failed")
	}

	tests, _, _ := ctrl.counts()
	if tests != 1 {
		t.Errorf("tests = %d, want 1", tests)
	}
	if got := store.UsersCount(); got != 1 {
		t.Errorf("UsersCount = %d, want 1", got)
	}
}

func TestReconciler_RegenerateReplacesIdentity(t *testing.T) {
	r, _, store, ctrl, _, path := newTestReconciler(t)

	newUUID := "a4a4e7b8-18a3-4b8b-9a63-1c41d2b2f0aa"
	err := r.handle(context.Background(), domain.Command{
		ID:          "cmd-1",
		Kind:        domain.CommandRegenerateUser,
		UserUUID:    newUUID,
		OldUserUUID: seededUUID,
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	onDisk, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(onDisk), seededUUID) {
		t.Error("old identity still present after regenerate")
	}
	if !strings.Contains(string(onDisk), newUUID) {
		t.Error("new identity missing after regenerate")
	}

	tests, reloads, _ := ctrl.counts()
	if tests != 1 || reloads != 1 {
		t.Errorf("regenerate ran tests=%d reloads=%d, want one apply", tests, reloads)
	}
	if got := store.UsersCount(); got != 1 {
		t.Errorf("UsersCount = %d, want 1", got)
	}
}

func TestReconciler_RestartTakesNoConfigAction(t *testing.T) {
	r, _, _, ctrl, _, path := newTestReconciler(t)

	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := r.handle(context.Background(), domain.Command{ID: "cmd-1", Kind: domain.CommandRestartXray}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	tests, reloads, restarts := ctrl.counts()
	if restarts != 1 {
		t.Errorf("restarts = %d, want 1", restarts)
	}
	if tests != 0 || reloads != 0 {
		t.Errorf("restart ran tests=%d reloads=%d", tests, reloads)
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Error("restart modified the config file")
	}
}

func TestReconciler_StorageFailureSurfacesAfterRetries(t *testing.T) {
	r, _, _, ctrl, _, path := newTestReconciler(t)

	// A directory squatting on the candidate path makes every write fail.
	if err := os.Mkdir(path+".candidate", 0o755); err != nil {
		t.Fatal(err)
	}

	err := r.handle(context.Background(), domain.Command{
		ID:       "cmd-1",
		Kind:     domain.CommandAddUser,
		UserUUID: "a4a4e7b8-18a3-4b8b-9a63-1c41d2b2f0aa",
	})
	var unavailable domain.ErrStorageUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("error = %v, want ErrStorageUnavailable", err)
	}
	if unavailable.Op != "write candidate" {
		t.Errorf("Op = %q, want write candidate", unavailable.Op)
	}

	tests, reloads, _ := ctrl.counts()
	if tests != 0 || reloads != 0 {
		t.Errorf("storage failure still ran tests=%d reloads=%d", tests, reloads)
	}
}

func TestReconciler_CommandsAppliedInArrivalOrder(t *testing.T) {
	r, queue, store, _, sink, _ := newTestReconciler(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	uuidA := "a4a4e7b8-18a3-4b8b-9a63-1c41d2b2f0aa"
	uuidB := "b5b5f8c9-29b4-4c9c-8b74-2d52e3c3a1bb"
	cmds := []domain.Command{
		{ID: "cmd-add-a", Kind: domain.CommandAddUser, UserUUID: uuidA},
		{ID: "cmd-del-a", Kind: domain.CommandRemoveUser, UserUUID: uuidA},
		{ID: "cmd-add-b", Kind: domain.CommandAddUser, UserUUID: uuidB},
	}
	for _, cmd := range cmds {
		if err := queue.Enqueue(cmd); err != nil {
			t.Fatalf("enqueue %s: %v", cmd.ID, err)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.all()) == len(cmds) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	events := sink.all()
	if len(events) != len(cmds) {
		t.Fatalf("got %d events, want %d", len(events), len(cmds))
	}
	for i, cmd := range cmds {
		if events[i].name != domain.EventCommandCompleted {
			t.Errorf("events[%d] = %q, want completed", i, events[i].name)
		}
		if events[i].data["command_id"] != cmd.ID {
			t.Errorf("events[%d] ran %v, want %s", i, events[i].data["command_id"], cmd.ID)
		}
	}

	// If the remove had been reordered before its add, A would survive.
	doc, err := store.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if doc.HasClient(uuidA) {
		t.Error("user A survived its removal")
	}
	if !doc.HasClient(uuidB) {
		t.Error("user B missing")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestReconciler_ShutdownFinishesInflightCommand(t *testing.T) {
	r, queue, _, ctrl, sink, path := newTestReconciler(t)
	ctrl.testDelay = 300 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	newUUID := "a4a4e7b8-18a3-4b8b-9a63-1c41d2b2f0aa"
	if err := queue.Enqueue(domain.Command{ID: "cmd-1", Kind: domain.CommandAddUser, UserUUID: newUUID}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Cancel while the command is still inside validation.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}

	onDisk, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(onDisk), newUUID) {
		t.Error("in-flight command was not finished before shutdown")
	}
	events := sink.all()
	if len(events) != 1 || events[0].name != domain.EventCommandCompleted {
		t.Errorf("events = %+v, want one completed", events)
	}
}

func TestReconciler_InvalidCommandReportedAsFailed(t *testing.T) {
	r, _, _, _, sink, _ := newTestReconciler(t)

	r.execute(context.Background(), domain.Command{
		ID:       "cmd-1",
		Kind:     domain.CommandAddUser,
		UserUUID: "not-a-uuid",
	})

	events := sink.all()
	if len(events) != 1 || events[0].name != domain.EventCommandFailed {
		t.Fatalf("events = %+v, want one failed", events)
	}
	if events[0].data["error"] == nil {
		t.Error("failure event carries no error detail")
	}

	completed, failed := r.Counts()
	if completed != 0 || failed != 1 {
		t.Errorf("Counts = (%d, %d), want (0, 1)", completed, failed)
	}
}

func TestQueue_FullQueueRejectsWithoutBlocking(t *testing.T) {
	q := NewQueue(2)

	for i := 0; i < 2; i++ {
		if err := q.Enqueue(domain.Command{ID: "cmd"}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if got := q.Depth(); got != 2 {
		t.Errorf("Depth = %d, want 2", got)
	}

	err := q.Enqueue(domain.Command{ID: "overflow"})
	var full domain.ErrQueueFull
	if !errors.As(err, &full) {
		t.Fatalf("error = %v, want ErrQueueFull", err)
	}
	if full.Capacity != 2 {
		t.Errorf("Capacity = %d, want 2", full.Capacity)
	}
}
