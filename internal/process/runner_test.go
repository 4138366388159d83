package process

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/scripthost/internal/history"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

type recSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (s *recSink) Send(_ context.Context, e history.Event) error {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	return nil
}

func (s *recSink) find(typ history.EventType) (history.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.Type == typ {
			return e, true
		}
	}
	return history.Event{}, false
}

func newTestRunner(t *testing.T, sink history.Sink) *Runner {
	t.Helper()
	return NewRunner(Options{
		LogDir:         t.TempDir(),
		StopTimeout:    2 * time.Second,
		Runtimes:       Runtimes{"sh": "/bin/sh", "missing": "/nonexistent/bin/python3"},
		DefaultRuntime: "sh",
		History:        sink,
	})
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "main.sh")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", d)
}

func TestStartStop(t *testing.T) {
	requireUnix(t)
	sink := &recSink{}
	r := newTestRunner(t, sink)
	ctx := context.Background()
	entry := writeScript(t, "echo up\nsleep 30\n")

	h, err := r.Start(ctx, StartRequest{TenantID: "1", Entry: entry})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if h.PID <= 0 || h.SessionID == "" || !h.Running() || h.Runtime != "sh" {
		t.Fatalf("unexpected handle: %+v", h)
	}
	if !r.IsRunning("1") || r.Status("1") != "running" {
		t.Fatalf("expected running, status=%s", r.Status("1"))
	}
	if len(r.Running()) != 1 {
		t.Fatalf("expected one running session")
	}

	if !r.Stop(ctx, "1") {
		t.Fatal("stop should report a live process")
	}
	if r.IsRunning("1") || r.Status("1") != "stopped" {
		t.Fatalf("expected stopped, status=%s", r.Status("1"))
	}
	if _, ok := r.Handle("1"); ok {
		t.Fatal("handle should be removed by Stop")
	}
	if r.Stop(ctx, "1") {
		t.Fatal("second stop should be a no-op")
	}

	ev, ok := sink.find(history.EventScriptStop)
	if !ok || ev.Detail != "graceful" {
		t.Fatalf("expected graceful stop event, got %+v ok=%v", ev, ok)
	}
	if _, ok := sink.find(history.EventScriptStart); !ok {
		t.Fatal("missing start event")
	}
	logs, ok := r.Logs("1")
	if !ok || !strings.Contains(logs, "] up\n") || !strings.Contains(logs, "=== SCRIPT FINISHED ===") {
		t.Fatalf("unexpected log:\n%s", logs)
	}
}

func TestAlreadyRunning(t *testing.T) {
	requireUnix(t)
	r := newTestRunner(t, nil)
	ctx := context.Background()
	entry := writeScript(t, "sleep 30\n")
	first, err := r.Start(ctx, StartRequest{TenantID: "2", Entry: entry})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop(ctx, "2")

	if _, err := r.Start(ctx, StartRequest{TenantID: "2", Entry: entry}); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	h, _ := r.Handle("2")
	if h.PID != first.PID {
		t.Fatalf("handle replaced: %d != %d", h.PID, first.PID)
	}
}

func TestNaturalExitIsCapturedAndClassified(t *testing.T) {
	requireUnix(t)
	sink := &recSink{}
	r := newTestRunner(t, sink)
	entry := writeScript(t, `echo hello
echo "" 
echo "Traceback: boom" >&2
echo "Start polling" >&2
exit 3
`)
	if _, err := r.Start(context.Background(), StartRequest{TenantID: "3", Entry: entry}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return !r.IsRunning("3") })

	if got := r.Status("3"); got != "stopped (code: 3)" {
		t.Fatalf("status = %q", got)
	}
	h, ok := r.Handle("3")
	if !ok || h.ExitCode == nil || *h.ExitCode != 3 || h.StoppedAt.IsZero() {
		t.Fatalf("unexpected handle: %+v", h)
	}

	logs, _ := r.Logs("3")
	for _, want := range []string{
		"=== SCRIPT STARTING ===",
		"Tenant: 3",
		"] hello\n",
		"] [ERROR] Traceback: boom\n",
		"] [INFO] Start polling\n",
		"Exit code: 3",
		"Result: FAILED (code: 3)",
	} {
		if !strings.Contains(logs, want) {
			t.Errorf("log missing %q:\n%s", want, logs)
		}
	}
	if strings.Contains(logs, "] \n") {
		t.Errorf("blank line was logged:\n%s", logs)
	}

	errs, ok := r.Errors("3")
	if !ok || strings.Count(errs, "\n") != 0 || !strings.Contains(errs, "Traceback: boom") {
		t.Fatalf("unexpected errors: %q", errs)
	}

	ev, ok := sink.find(history.EventScriptExit)
	if !ok || ev.ExitCode == nil || *ev.ExitCode != 3 {
		t.Fatalf("unexpected exit event: %+v", ev)
	}

	// Stop on an exited session clears it but reports nothing stopped.
	if r.Stop(context.Background(), "3") {
		t.Fatal("stop of exited session should return false")
	}
	if r.Status("3") != "stopped" {
		t.Fatalf("status after clear = %q", r.Status("3"))
	}
}

func TestRestartAfterExitTruncatesLog(t *testing.T) {
	requireUnix(t)
	r := newTestRunner(t, nil)
	ctx := context.Background()
	entry := writeScript(t, "echo run-$$\n")
	if _, err := r.Start(ctx, StartRequest{TenantID: "4", Entry: entry}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return !r.IsRunning("4") })
	if _, err := r.Start(ctx, StartRequest{TenantID: "4", Entry: entry}); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return !r.IsRunning("4") })
	logs, _ := r.Logs("4")
	if n := strings.Count(logs, "=== SCRIPT STARTING ==="); n != 1 {
		t.Fatalf("expected a fresh log, found %d headers", n)
	}
}

func TestStartErrors(t *testing.T) {
	requireUnix(t)
	r := newTestRunner(t, nil)
	ctx := context.Background()

	if _, err := r.Start(ctx, StartRequest{TenantID: "5", Entry: filepath.Join(t.TempDir(), "nope.py")}); !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("expected ErrFileNotFound, got %v", err)
	}
	entry := writeScript(t, "exit 0\n")
	if _, err := r.Start(ctx, StartRequest{TenantID: "5", Entry: entry, Runtime: "2.7"}); !errors.Is(err, ErrUnknownRuntime) {
		t.Fatalf("expected ErrUnknownRuntime, got %v", err)
	}
	if _, err := r.Start(ctx, StartRequest{TenantID: "../x", Entry: entry}); err == nil {
		t.Fatal("expected invalid tenant id error")
	}

	_, err := r.Start(ctx, StartRequest{TenantID: "5", Entry: entry, Runtime: "missing"})
	var se *SpawnError
	if !errors.As(err, &se) {
		t.Fatalf("expected *SpawnError, got %v", err)
	}
	if r.IsRunning("5") {
		t.Fatal("failed start must not register a running session")
	}
	if errs, ok := r.Errors("5"); !ok || !strings.Contains(errs, "failed to start") {
		t.Fatalf("spawn failure not logged: %q", errs)
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	requireUnix(t)
	sink := &recSink{}
	r := NewRunner(Options{
		LogDir:         t.TempDir(),
		StopTimeout:    300 * time.Millisecond,
		Runtimes:       Runtimes{"sh": "/bin/sh"},
		DefaultRuntime: "sh",
		History:        sink,
	})
	entry := writeScript(t, "trap '' TERM\nwhile true; do sleep 0.1; done\n")
	if _, err := r.Start(context.Background(), StartRequest{TenantID: "6", Entry: entry}); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if !r.Stop(context.Background(), "6") {
		t.Fatal("expected stop to report a live process")
	}
	ev, ok := sink.find(history.EventScriptStop)
	if !ok || ev.Detail != "killed" {
		t.Fatalf("expected killed stop event, got %+v", ev)
	}
	if ev.ExitCode == nil || *ev.ExitCode != -9 {
		t.Fatalf("expected exit code -9, got %v", ev.ExitCode)
	}
	logs, _ := r.Logs("6")
	if !strings.Contains(logs, "Result: FAILED (code: -9)") {
		t.Fatalf("footer missing kill result:\n%s", logs)
	}
}

func TestStopAll(t *testing.T) {
	requireUnix(t)
	r := newTestRunner(t, nil)
	ctx := context.Background()
	entry := writeScript(t, "sleep 30\n")
	for _, id := range []string{"a", "b", "c"} {
		if _, err := r.Start(ctx, StartRequest{TenantID: id, Entry: entry}); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
	}
	r.StopAll(ctx)
	if n := len(r.Running()); n != 0 {
		t.Fatalf("%d sessions still running", n)
	}
}

func TestLogsMissing(t *testing.T) {
	r := newTestRunner(t, nil)
	if _, ok := r.Logs("nobody"); ok {
		t.Fatal("expected no logs")
	}
	if _, ok := r.Errors("nobody"); ok {
		t.Fatal("expected no errors")
	}
}

func TestExitDetectedWhileChildHoldsOutput(t *testing.T) {
	requireUnix(t)
	sink := &recSink{}
	r := newTestRunner(t, sink)
	r.opts.DrainTimeout = 200 * time.Millisecond
	ctx := context.Background()
	entry := writeScript(t, "sleep 3 &\necho parent done\nexit 0\n")

	if _, err := r.Start(ctx, StartRequest{TenantID: "bg", Entry: entry}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return !r.IsRunning("bg") })
	if got := r.Status("bg"); got != "stopped (code: 0)" {
		t.Fatalf("status = %q", got)
	}
	waitFor(t, 2*time.Second, func() bool {
		logs, _ := r.Logs("bg")
		return strings.Contains(logs, "=== SCRIPT FINISHED ===")
	})
	logs, _ := r.Logs("bg")
	if !strings.Contains(logs, "parent done") || !strings.Contains(logs, "Result: SUCCESS") {
		t.Fatalf("unexpected log:\n%s", logs)
	}

	if r.Stop(ctx, "bg") {
		t.Fatal("stop of an exited script should report false")
	}
	if _, ok := sink.find(history.EventScriptStop); ok {
		t.Fatal("no stop event expected for an exited script")
	}
	if _, ok := sink.find(history.EventScriptExit); !ok {
		t.Fatal("missing exit event")
	}
}

func TestConcurrentStartLaunchesOnce(t *testing.T) {
	requireUnix(t)
	r := newTestRunner(t, nil)
	ctx := context.Background()
	entry := writeScript(t, "sleep 30\n")
	t.Cleanup(func() { r.StopAll(context.Background()) })

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		already int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Start(ctx, StartRequest{TenantID: "race", Entry: entry})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrAlreadyRunning):
				already++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok != 1 || already != 19 {
		t.Fatalf("ok=%d already=%d", ok, already)
	}
	if n := len(r.Running()); n != 1 {
		t.Fatalf("%d sessions running", n)
	}
}
