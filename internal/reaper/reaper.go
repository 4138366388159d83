// Package reaper enforces hosting expiry: it warns tenants before their plan
// runs out, blocks them when it has, and purges their workspace once the
// grace period has elapsed.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loykin/scripthost/internal/history"
	"github.com/loykin/scripthost/internal/metrics"
	"github.com/loykin/scripthost/internal/tenant"
)

const (
	DefaultInterval    = time.Minute
	DefaultWarnWindow  = 24 * time.Hour
	DefaultGracePeriod = 24 * time.Hour
)

// Phase is where a tenant stands relative to its expiry.
type Phase int

const (
	PhaseActive Phase = iota
	PhaseWarning
	PhaseExpired
)

func (p Phase) String() string {
	switch p {
	case PhaseWarning:
		return "warning"
	case PhaseExpired:
		return "expired"
	default:
		return "active"
	}
}

// Evaluate classifies an expiry instant at now. The warning window is
// (0, window] and a tenant is expired only once now is past the expiry, so
// an expiry equal to now is neither.
func Evaluate(now, expiry time.Time, window time.Duration) Phase {
	left := expiry.Sub(now)
	switch {
	case left < 0:
		return PhaseExpired
	case left > 0 && left <= window:
		return PhaseWarning
	default:
		return PhaseActive
	}
}

// Stopper stops a tenant's live script.
type Stopper interface {
	Stop(ctx context.Context, tenantID string) bool
}

// Remover deletes a tenant's workspace.
type Remover interface {
	Remove(tenantID string) error
}

type Options struct {
	Interval    time.Duration
	// Schedule, when set, replaces Interval with a cron expression.
	Schedule    string
	WarnWindow  time.Duration
	GracePeriod time.Duration
	Notifier    Notifier
	History     history.Sink
	// Now is the clock; time.Now when nil.
	Now func() time.Time
}

// ScanStats summarises one pass.
type ScanStats struct {
	Scanned  int
	Warned   int
	Blocked  int
	Expired  int
	Purged   int
	Failures int
}

// Reaper holds the in-memory warning and grace state. Both are lost on
// restart, so a restarted daemon warns again and restarts grace periods.
type Reaper struct {
	store    tenant.Store
	runner   Stopper
	files    Remover
	opts     Options
	scanMu   sync.Mutex
	mu       sync.Mutex
	notified map[string]struct{}
	grace    map[string]time.Time
}

func New(store tenant.Store, runner Stopper, files Remover, opts Options) *Reaper {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.WarnWindow <= 0 {
		opts.WarnWindow = DefaultWarnWindow
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.Notifier == nil {
		opts.Notifier = LogNotifier{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reaper{
		store:    store,
		runner:   runner,
		files:    files,
		opts:     opts,
		notified: map[string]struct{}{},
		grace:    map[string]time.Time{},
	}
}

var scheduleParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a cron expression with optional seconds, or a
// descriptor such as "@hourly" or "@every 30s".
func ParseSchedule(spec string) (cron.Schedule, error) {
	sched, err := scheduleParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid reaper schedule %q: %w", spec, err)
	}
	return sched, nil
}

func (r *Reaper) schedule() (cron.Schedule, error) {
	if r.opts.Schedule != "" {
		return ParseSchedule(r.opts.Schedule)
	}
	return cron.Every(r.opts.Interval), nil
}

// Run scans once immediately, then on every tick of the schedule until ctx
// is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	sched, err := r.schedule()
	if err != nil {
		return err
	}
	slog.Info("reaper started", "interval", r.opts.Interval, "schedule", r.opts.Schedule,
		"warn_window", r.opts.WarnWindow, "grace", r.opts.GracePeriod)
	for {
		st, err := r.Scan(ctx)
		if err != nil {
			slog.Error("reaper scan failed", "error", err)
		} else if st.Warned+st.Blocked+st.Purged+st.Failures > 0 {
			slog.Info("reaper scan", "scanned", st.Scanned, "warned", st.Warned, "blocked", st.Blocked,
				"expired", st.Expired, "purged", st.Purged, "failures", st.Failures)
		}
		now := time.Now()
		t := time.NewTimer(sched.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			t.Stop()
			slog.Info("reaper stopped")
			return nil
		case <-t.C:
		}
	}
}

// Scan makes one pass over all tenant records. Failures for one tenant are
// logged and counted; only a failure to list the records is returned.
func (r *Reaper) Scan(ctx context.Context) (ScanStats, error) {
	r.scanMu.Lock()
	defer r.scanMu.Unlock()

	began := time.Now()
	defer func() { metrics.ObserveScan(time.Since(began).Seconds()) }()

	recs, err := r.store.List(ctx)
	if err != nil {
		return ScanStats{}, fmt.Errorf("list tenants: %w", err)
	}
	var st ScanStats
	now := r.opts.Now()
	for _, id := range tenant.IDs(recs) {
		if ctx.Err() != nil {
			return st, ctx.Err()
		}
		rec := recs[id]
		if !rec.HasPlan() {
			continue
		}
		st.Scanned++
		r.visit(ctx, now, rec, &st)
	}
	return st, nil
}

func (r *Reaper) visit(ctx context.Context, now time.Time, rec tenant.Record, st *ScanStats) {
	id := rec.ID
	phase := Evaluate(now, *rec.Expiry, r.opts.WarnWindow)

	if phase != PhaseExpired {
		if _, ok := r.takeGrace(id); ok {
			slog.Info("tenant renewed, grace cleared", "tenant", id, "expiry", rec.Expiry.Format(time.DateTime))
		}
	}

	switch phase {
	case PhaseActive:
	case PhaseWarning:
		if r.isNotified(id) {
			return
		}
		if err := r.notify(ctx, Notice{Kind: KindWarning, TenantID: id, Plan: rec.Plan, Expiry: rec.Expiry}); err != nil {
			st.Failures++
			return
		}
		r.setNotified(id, true)
		st.Warned++
		metrics.IncReaper("warned")
		history.Emit(ctx, r.opts.History, history.Event{Type: history.EventTenantWarned, TenantID: id,
			Detail: "expires " + tenant.FormatExpiry(*rec.Expiry)})
	case PhaseExpired:
		st.Expired++
		r.setNotified(id, false)
		deadline, ok := r.graceDeadline(id)
		switch {
		case !ok:
			deadline = now.Add(r.opts.GracePeriod)
			r.setGrace(id, deadline)
			st.Blocked++
			metrics.IncReaper("blocked")
			history.Emit(ctx, r.opts.History, history.Event{Type: history.EventTenantBlocked, TenantID: id,
				Detail: "grace until " + tenant.FormatExpiry(deadline)})
			if err := r.notify(ctx, Notice{Kind: KindBlocked, TenantID: id, Plan: rec.Plan, Expiry: rec.Expiry, GraceUntil: &deadline}); err != nil {
				st.Failures++
			}
		case now.After(deadline):
			if err := r.purge(ctx, rec); err != nil {
				st.Failures++
				metrics.IncReaper("failed")
				slog.Error("tenant purge failed", "tenant", id, "error", err)
				return
			}
			st.Purged++
		}
	}
}

// purge stops the script, deletes the workspace and resets the record. The
// grace entry is kept when the record update fails so the next scan retries.
func (r *Reaper) purge(ctx context.Context, rec tenant.Record) error {
	id := rec.ID
	if r.runner != nil && r.runner.Stop(ctx, id) {
		slog.Info("stopped script of expired tenant", "tenant", id)
	}
	if r.files != nil {
		if err := r.files.Remove(id); err != nil {
			return fmt.Errorf("remove workspace: %w", err)
		}
	}
	err := r.store.Update(ctx, id, tenant.Patch{
		ClearPlan:    true,
		ClearExpiry:  true,
		ScriptStatus: tenant.Ptr(tenant.StatusDeleted),
		HasFiles:     tenant.Ptr(false),
		FilesCount:   tenant.Ptr(0),
		EntryPoint:   tenant.Ptr(tenant.DefaultEntryPoint),
	})
	if err != nil {
		return fmt.Errorf("reset tenant record: %w", err)
	}
	r.takeGrace(id)
	metrics.IncReaper("purged")
	slog.Warn("tenant purged after grace period", "tenant", id)
	history.Emit(ctx, r.opts.History, history.Event{Type: history.EventTenantPurged, TenantID: id, Detail: "plan " + rec.Plan})
	// the purge already happened; a lost notice is only logged
	_ = r.notify(ctx, Notice{Kind: KindDeleted, TenantID: id, Plan: rec.Plan})
	return nil
}

func (r *Reaper) notify(ctx context.Context, n Notice) error {
	err := r.opts.Notifier.Notify(ctx, n)
	if err != nil {
		metrics.IncReaper("notify_failed")
		slog.Warn("tenant notification failed", "tenant", n.TenantID, "kind", n.Kind, "error", err)
	}
	return err
}

// Grace returns the recorded grace deadline of a tenant.
func (r *Reaper) Grace(tenantID string) (time.Time, bool) { return r.graceDeadline(tenantID) }

// Notified reports whether the tenant was warned during the current cycle.
func (r *Reaper) Notified(tenantID string) bool { return r.isNotified(tenantID) }

func (r *Reaper) graceDeadline(id string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.grace[id]
	return t, ok
}

func (r *Reaper) setGrace(id string, t time.Time) {
	r.mu.Lock()
	r.grace[id] = t
	r.mu.Unlock()
}

func (r *Reaper) takeGrace(id string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.grace[id]
	delete(r.grace, id)
	return t, ok
}

func (r *Reaper) isNotified(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.notified[id]
	return ok
}

func (r *Reaper) setNotified(id string, v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v {
		r.notified[id] = struct{}{}
	} else {
		delete(r.notified, id)
	}
}
