package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/scripthost/internal/env"
	"github.com/loykin/scripthost/internal/history"
	"github.com/loykin/scripthost/internal/logger"
	"github.com/loykin/scripthost/internal/metrics"
	"github.com/loykin/scripthost/internal/tenant"
)

const (
	DefaultStopTimeout  = 5 * time.Second
	DefaultDrainTimeout = 2 * time.Second
)

// Options configure a Runner.
type Options struct {
	// LogDir holds one tenant_<id>/script.log per tenant.
	LogDir         string
	StopTimeout    time.Duration
	// DrainTimeout bounds how long output is read after the script exits
	// while background children still hold its stdout or stderr.
	DrainTimeout   time.Duration
	Runtimes       Runtimes
	DefaultRuntime string
	Env            *env.Env
	Classifier     *Classifier
	Session        logger.SessionConfig
	History        history.Sink
}

// StartRequest describes one script launch.
type StartRequest struct {
	TenantID string
	// Entry is the path of the script to run. Relative paths are made absolute.
	Entry string
	// Runtime selects the interpreter; empty uses the default runtime.
	Runtime string
}

// Runner owns at most one child process per tenant.
type Runner struct {
	opts       Options
	classifier Classifier
	locks      *KeyedMutex

	mu    sync.Mutex
	procs map[string]*proc
}

func NewRunner(opts Options) *Runner {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	if opts.LogDir == "" {
		opts.LogDir = "logs"
	}
	if opts.DefaultRuntime == "" {
		opts.DefaultRuntime = tenant.DefaultRuntimeVersion
	}
	if opts.Env == nil {
		opts.Env = env.New(true, nil)
	}
	c := DefaultClassifier()
	if opts.Classifier != nil {
		c = *opts.Classifier
	}
	return &Runner{opts: opts, classifier: c, locks: NewKeyedMutex(), procs: make(map[string]*proc)}
}

// LogPath returns the session log file of a tenant.
func (r *Runner) LogPath(tenantID string) string {
	return filepath.Join(r.opts.LogDir, "tenant_"+tenantID, "script.log")
}

func (r *Runner) get(tenantID string) *proc {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.procs[tenantID]
}

func (r *Runner) remove(tenantID string, p *proc) {
	r.mu.Lock()
	if r.procs[tenantID] == p {
		delete(r.procs, tenantID)
	}
	r.mu.Unlock()
	r.updateRunning()
}

func (r *Runner) updateRunning() {
	r.mu.Lock()
	n := 0
	for _, p := range r.procs {
		if !p.exited() {
			n++
		}
	}
	r.mu.Unlock()
	metrics.SetRunning(n)
}

// Start launches the tenant's script. A tenant whose previous session has
// exited may start again; its old handle and log are replaced.
func (r *Runner) Start(ctx context.Context, req StartRequest) (Handle, error) {
	if err := tenant.ValidateID(req.TenantID); err != nil {
		return Handle{}, err
	}
	unlock := r.locks.Lock(req.TenantID)
	defer unlock()

	if p := r.get(req.TenantID); p != nil && !p.exited() {
		metrics.IncStart("already_running")
		return Handle{}, ErrAlreadyRunning
	}

	version := req.Runtime
	if version == "" {
		version = r.opts.DefaultRuntime
	}
	exe, err := r.opts.Runtimes.Executable(version)
	if err != nil {
		metrics.IncStart("unknown_runtime")
		return Handle{}, err
	}

	entry, err := filepath.Abs(req.Entry)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %s", ErrFileNotFound, req.Entry)
	}
	if fi, err := os.Stat(entry); err != nil || fi.IsDir() {
		metrics.IncStart("file_not_found")
		return Handle{}, fmt.Errorf("%w: %s", ErrFileNotFound, entry)
	}

	logW, err := r.opts.Session.SessionWriter(r.LogPath(req.TenantID))
	if err != nil {
		return Handle{}, fmt.Errorf("open session log: %w", err)
	}

	h := Handle{
		TenantID:  req.TenantID,
		SessionID: uuid.NewString(),
		Entry:     entry,
		Runtime:   version,
		StartedAt: time.Now(),
	}
	_ = writeHeader(logW, h.StartedAt, h.TenantID, h.SessionID)

	workDir := filepath.Dir(entry)
	// #nosec G204 interpreter comes from the configured runtime map
	cmd := exec.Command(exe, entry)
	cmd.Dir = workDir
	cmd.Env = r.opts.Env.ForTenant(req.TenantID, workDir)
	configureSysProcAttr(cmd)
	stdout, stderr, err := spawn(cmd)
	if err == nil {
		return r.launched(ctx, h, cmd, logW, stdout, stderr), nil
	}

	// the previous session (if any) is gone along with its log
	if old := r.get(req.TenantID); old != nil {
		r.remove(req.TenantID, old)
	}
	_, _ = io.WriteString(logW, formatLine(time.Now(), Stderr, SeverityError, "failed to start: "+err.Error()))
	_ = logW.Close()
	metrics.IncStart("spawn_error")
	slog.Error("script spawn failed", "tenant", req.TenantID, "entry", entry, "runtime", version, "error", err)
	return Handle{}, &SpawnError{TenantID: req.TenantID, Err: err}
}

// spawn starts cmd with stdout and stderr connected to fresh pipes and
// returns their read ends. The child owns the only write ends, so Wait
// returns when the script exits regardless of what its children inherit.
func spawn(cmd *exec.Cmd) (stdout, stderr *os.File, err error) {
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, nil, err
	}
	cmd.Stdout = outW
	cmd.Stderr = errW
	err = cmd.Start()
	_ = outW.Close()
	_ = errW.Close()
	if err != nil {
		_ = outR.Close()
		_ = errR.Close()
		return nil, nil, err
	}
	return outR, errR, nil
}

func (r *Runner) launched(ctx context.Context, h Handle, cmd *exec.Cmd, logW io.WriteCloser, stdout, stderr *os.File) Handle {
	h.PID = cmd.Process.Pid
	p := &proc{cmd: cmd, log: logW, done: make(chan struct{}), h: h}

	r.mu.Lock()
	r.procs[h.TenantID] = p
	r.mu.Unlock()
	r.updateRunning()

	go r.drain(p, stdout, stderr)

	metrics.IncStart("ok")
	slog.Info("script started", "tenant", h.TenantID, "pid", h.PID, "entry", h.Entry, "runtime", h.Runtime, "session", h.SessionID)
	history.Emit(context.WithoutCancel(ctx), r.opts.History, history.Event{
		Type:       history.EventScriptStart,
		TenantID:   h.TenantID,
		SessionID:  h.SessionID,
		PID:        h.PID,
		OccurredAt: h.StartedAt.UTC(),
		Detail:     h.Entry,
	})
	return p.snapshot()
}

// Stop terminates the tenant's process group: SIGTERM, then SIGKILL once
// StopTimeout has passed. The handle is dropped in every case. It returns
// false when no live process was registered.
func (r *Runner) Stop(ctx context.Context, tenantID string) bool {
	unlock := r.locks.Lock(tenantID)
	defer unlock()

	p := r.get(tenantID)
	if p == nil {
		return false
	}
	defer r.remove(tenantID, p)
	if p.exited() {
		return false
	}

	h := p.snapshot()
	slog.Info("stopping script", "tenant", tenantID, "pid", h.PID)
	mode := "graceful"
	if err := terminate(p.cmd.Process); err != nil {
		slog.Debug("terminate signal failed", "tenant", tenantID, "error", err)
	}
	timer := time.NewTimer(r.opts.StopTimeout)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		mode = "killed"
		slog.Warn("script ignored SIGTERM, killing", "tenant", tenantID, "pid", h.PID)
		_ = kill(p.cmd.Process)
		r.awaitDone(ctx, p)
	case <-ctx.Done():
		mode = "killed"
		_ = kill(p.cmd.Process)
		r.awaitDone(context.WithoutCancel(ctx), p)
	}

	metrics.IncStop(mode)
	final := p.snapshot()
	ev := history.Event{Type: history.EventScriptStop, TenantID: tenantID, SessionID: h.SessionID, PID: h.PID, Detail: mode, ExitCode: final.ExitCode}
	history.Emit(context.WithoutCancel(ctx), r.opts.History, ev)
	return true
}

// awaitDone waits for the drain goroutine after SIGKILL. The grace bound only
// matters when the kernel cannot reap the child (uninterruptible sleep).
func (r *Runner) awaitDone(ctx context.Context, p *proc) {
	select {
	case <-p.done:
	case <-ctx.Done():
	case <-time.After(r.opts.StopTimeout):
		slog.Error("script did not exit after SIGKILL", "tenant", p.snapshot().TenantID)
	}
}

// IsRunning reports whether the tenant has a registered process that has not exited.
func (r *Runner) IsRunning(tenantID string) bool {
	p := r.get(tenantID)
	return p != nil && !p.exited()
}

// Status renders the session state: "running", "stopped (code: N)" after an
// exit that has not been cleared by Stop, or "stopped".
func (r *Runner) Status(tenantID string) string {
	p := r.get(tenantID)
	if p == nil {
		return "stopped"
	}
	h := p.snapshot()
	if h.ExitCode == nil {
		return "running"
	}
	return fmt.Sprintf("stopped (code: %d)", *h.ExitCode)
}

// Handle returns a snapshot of the tenant's registered session.
func (r *Runner) Handle(tenantID string) (Handle, bool) {
	p := r.get(tenantID)
	if p == nil {
		return Handle{}, false
	}
	return p.snapshot(), true
}

// Running returns snapshots of all live sessions sorted by tenant.
func (r *Runner) Running() []Handle {
	r.mu.Lock()
	out := make([]Handle, 0, len(r.procs))
	for _, p := range r.procs {
		if h := p.snapshot(); h.Running() {
			out = append(out, h)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

// Logs returns the full session log. ok is false when no log exists.
func (r *Runner) Logs(tenantID string) (string, bool) {
	if tenant.ValidateID(tenantID) != nil {
		return "", false
	}
	b, err := os.ReadFile(r.LogPath(tenantID))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("read session log", "tenant", tenantID, "error", err)
		}
		return "", false
	}
	return string(b), true
}

// Errors returns only the ERROR-tagged lines of the session log. ok is false
// when there is no log or no error line in it.
func (r *Runner) Errors(tenantID string) (string, bool) {
	content, ok := r.Logs(tenantID)
	if !ok {
		return "", false
	}
	lines := errorLines(content)
	if len(lines) == 0 {
		return "", false
	}
	return strings.Join(lines, "\n"), true
}

// StopAll stops every live session concurrently.
func (r *Runner) StopAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, h := range r.Running() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			r.Stop(ctx, id)
		}(h.TenantID)
	}
	wg.Wait()
}
