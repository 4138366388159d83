package reaper

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/loykin/scripthost/internal/tenant"
)

type fakeNotifier struct {
	mu      sync.Mutex
	notices []Notice
	failFor map[string]bool
}

func (f *fakeNotifier) Notify(_ context.Context, n Notice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[n.TenantID] {
		return errors.New("chat unreachable")
	}
	f.notices = append(f.notices, n)
	return nil
}

func (f *fakeNotifier) count(id string, k Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, x := range f.notices {
		if x.TenantID == id && x.Kind == k {
			n++
		}
	}
	return n
}

type fakeRunner struct {
	mu      sync.Mutex
	running map[string]bool
	stopped []string
}

func (f *fakeRunner) Stop(_ context.Context, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	was := f.running[id]
	delete(f.running, id)
	return was
}

type fakeFiles struct {
	mu      sync.Mutex
	removed []string
}

func (f *fakeFiles) Remove(id string) error {
	f.mu.Lock()
	f.removed = append(f.removed, id)
	f.mu.Unlock()
	return nil
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func at(t time.Time) *time.Time { return &t }

func setup(recs ...tenant.Record) (*Reaper, *tenant.Memory, *fakeNotifier, *fakeRunner, *fakeFiles, *clock) {
	c := &clock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	store := tenant.NewMemory(recs...)
	n := &fakeNotifier{failFor: map[string]bool{}}
	run := &fakeRunner{running: map[string]bool{}}
	files := &fakeFiles{}
	r := New(store, run, files, Options{Notifier: n, Now: c.Now})
	return r, store, n, run, files, c
}

func TestEvaluate(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		expiry time.Time
		want   Phase
	}{
		{now.Add(48 * time.Hour), PhaseActive},
		{now.Add(24*time.Hour + time.Second), PhaseActive},
		{now.Add(24 * time.Hour), PhaseWarning},
		{now.Add(time.Minute), PhaseWarning},
		{now.Add(time.Nanosecond), PhaseWarning},
		{now, PhaseActive},
		{now.Add(-time.Nanosecond), PhaseExpired},
		{now.Add(-time.Second), PhaseExpired},
	}
	for _, tt := range tests {
		if got := Evaluate(now, tt.expiry, DefaultWarnWindow); got != tt.want {
			t.Errorf("Evaluate(%v) = %s, want %s", tt.expiry.Sub(now), got, tt.want)
		}
	}
}

func TestWarningSentOncePerCycle(t *testing.T) {
	r, _, n, _, _, c := setup(tenant.Record{ID: "1", Plan: "basic", Expiry: at(time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC))})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := r.Scan(ctx); err != nil {
			t.Fatal(err)
		}
		c.Advance(time.Minute)
	}
	if got := n.count("1", KindWarning); got != 1 {
		t.Fatalf("expected exactly one warning, got %d", got)
	}
	if !r.Notified("1") {
		t.Fatal("tenant should be marked notified")
	}

	// expiring clears the mark
	c.Advance(13 * time.Hour)
	st, _ := r.Scan(ctx)
	if st.Blocked != 1 || r.Notified("1") {
		t.Fatalf("expected block and cleared mark, stats=%+v", st)
	}
}

func TestFailedWarningIsRetried(t *testing.T) {
	r, _, n, _, _, _ := setup(tenant.Record{ID: "1", Plan: "basic", Expiry: at(time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC))})
	n.failFor["1"] = true
	st, _ := r.Scan(context.Background())
	if st.Failures != 1 || r.Notified("1") {
		t.Fatalf("failed notice must not mark tenant: %+v", st)
	}
	n.failFor["1"] = false
	_, _ = r.Scan(context.Background())
	if n.count("1", KindWarning) != 1 {
		t.Fatal("warning not retried")
	}
}

func TestExpiryLifecycle(t *testing.T) {
	exp := time.Date(2026, 5, 1, 11, 0, 0, 0, time.UTC)
	r, store, n, run, files, c := setup(tenant.Record{ID: "42", Plan: "pro", Expiry: &exp, HasFiles: true, FilesCount: 3, EntryPoint: "bot/main.py"})
	run.running["42"] = true
	ctx := context.Background()

	st, _ := r.Scan(ctx)
	if st.Blocked != 1 || n.count("42", KindBlocked) != 1 {
		t.Fatalf("expected one blocked notice, stats=%+v", st)
	}
	deadline, ok := r.Grace("42")
	if !ok || !deadline.Equal(c.now.Add(24*time.Hour)) {
		t.Fatalf("unexpected grace deadline %v", deadline)
	}

	// within grace: nothing new
	c.Advance(23 * time.Hour)
	st, _ = r.Scan(ctx)
	if st.Blocked != 0 || st.Purged != 0 || n.count("42", KindBlocked) != 1 {
		t.Fatalf("no action expected within grace, stats=%+v", st)
	}

	// grace elapsed: purged in a single pass
	c.Advance(2 * time.Hour)
	st, _ = r.Scan(ctx)
	if st.Purged != 1 {
		t.Fatalf("expected purge, stats=%+v", st)
	}
	if len(run.stopped) != 1 || run.stopped[0] != "42" {
		t.Fatalf("script not stopped: %v", run.stopped)
	}
	if len(files.removed) != 1 || files.removed[0] != "42" {
		t.Fatalf("workspace not removed: %v", files.removed)
	}
	rec, _ := store.Get(ctx, "42")
	if rec.Plan != "" || rec.Expiry != nil || rec.ScriptStatus != tenant.StatusDeleted ||
		rec.HasFiles || rec.FilesCount != 0 || rec.EntryPoint != tenant.DefaultEntryPoint {
		t.Fatalf("record not reset: %+v", rec)
	}
	if _, ok := r.Grace("42"); ok {
		t.Fatal("grace entry should be removed")
	}
	if n.count("42", KindDeleted) != 1 {
		t.Fatal("missing deleted notice")
	}

	// the reset record no longer has a plan and is ignored
	st, _ = r.Scan(ctx)
	if st.Scanned != 0 {
		t.Fatalf("purged tenant still scanned: %+v", st)
	}
}

func TestRenewalClearsGrace(t *testing.T) {
	exp := time.Date(2026, 5, 1, 11, 0, 0, 0, time.UTC)
	r, store, _, _, files, c := setup(tenant.Record{ID: "9", Plan: "basic", Expiry: &exp})
	ctx := context.Background()
	_, _ = r.Scan(ctx)
	if _, ok := r.Grace("9"); !ok {
		t.Fatal("expected grace entry")
	}

	renewed := c.now.Add(30 * 24 * time.Hour)
	_ = store.Update(ctx, "9", tenant.Patch{Expiry: &renewed})
	_, _ = r.Scan(ctx)
	if _, ok := r.Grace("9"); ok {
		t.Fatal("renewal should clear grace")
	}

	// even long after the old grace deadline nothing is purged
	c.Advance(48 * time.Hour)
	st, _ := r.Scan(ctx)
	if st.Purged != 0 || len(files.removed) != 0 {
		t.Fatalf("renewed tenant purged: %+v", st)
	}
}

func TestNotificationFailureDoesNotAbortScan(t *testing.T) {
	exp := time.Date(2026, 5, 1, 11, 0, 0, 0, time.UTC)
	r, _, n, _, _, _ := setup(
		tenant.Record{ID: "a", Plan: "basic", Expiry: &exp},
		tenant.Record{ID: "b", Plan: "basic", Expiry: &exp},
		tenant.Record{ID: "c"},
	)
	n.failFor["a"] = true
	st, err := r.Scan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Scanned != 2 || st.Blocked != 2 || st.Failures != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if n.count("b", KindBlocked) != 1 {
		t.Fatal("second tenant not notified")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	r, _, _, _, _, _ := setup()
	r.opts.Interval = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestWebhookNotifier(t *testing.T) {
	var got Notice
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = decodeJSON(r, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wn := NewWebhookNotifier(srv.URL)
	if err := wn.Notify(context.Background(), Notice{Kind: KindDeleted, TenantID: "5"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got.Kind != KindDeleted || got.TenantID != "5" {
		t.Fatalf("unexpected payload: %+v", got)
	}

	bad := NewWebhookNotifier("http://127.0.0.1:1/unreachable")
	if err := (MultiNotifier{LogNotifier{}, bad}).Notify(context.Background(), Notice{Kind: KindWarning, TenantID: "5"}); err == nil {
		t.Fatal("expected error from unreachable webhook")
	}
}

func TestParseSchedule(t *testing.T) {
	for _, spec := range []string{"@every 30s", "@hourly", "*/5 * * * *", "0 */10 * * * *"} {
		if _, err := ParseSchedule(spec); err != nil {
			t.Fatalf("ParseSchedule(%q): %v", spec, err)
		}
	}
	if _, err := ParseSchedule("every minute"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestRunRejectsBadSchedule(t *testing.T) {
	r, _, _, _, _, _ := setup()
	r.opts.Schedule = "not a schedule"
	if err := r.Run(context.Background()); err == nil {
		t.Fatal("expected schedule error")
	}
}

func TestScheduleFallsBackToInterval(t *testing.T) {
	r, _, _, _, _, _ := setup()
	r.opts.Interval = 2 * time.Minute
	sched, err := r.schedule()
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	if got := sched.Next(now).Sub(now); got != 2*time.Minute {
		t.Fatalf("next tick after %v, want 2m", got)
	}
}
