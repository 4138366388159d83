// Package scripthost hosts user-supplied scripts, one live process per tenant.
// Host wires the tenant store, workspaces, process runner, expiry reaper and
// HTTP API from a single Config and is what the daemon runs; embedders can use
// it directly.
package scripthost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	cfg "github.com/loykin/scripthost/internal/config"
	"github.com/loykin/scripthost/internal/env"
	"github.com/loykin/scripthost/internal/history"
	hfactory "github.com/loykin/scripthost/internal/history/factory"
	"github.com/loykin/scripthost/internal/hosting"
	"github.com/loykin/scripthost/internal/metrics"
	"github.com/loykin/scripthost/internal/process"
	"github.com/loykin/scripthost/internal/reaper"
	iapi "github.com/loykin/scripthost/internal/server"
	"github.com/loykin/scripthost/internal/tenant"
	tfactory "github.com/loykin/scripthost/internal/tenant/factory"
	"github.com/loykin/scripthost/internal/workspace"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type RuntimeConfig = cfg.RuntimeConfig

type Record = tenant.Record

type Patch = tenant.Patch

type TenantStore = tenant.Store

type Handle = process.Handle

type Entry = workspace.Entry

type StartResult = hosting.StartResult

type UploadResult = hosting.UploadResult

type LibraryResult = hosting.LibraryResult

type Usage = hosting.Usage

type HistorySink = history.Sink

type Notifier = reaper.Notifier

type Notice = reaper.Notice

type ScanStats = reaper.ScanStats

var (
	ErrNotFound       = tenant.ErrNotFound
	ErrInvalidID      = tenant.ErrInvalidID
	ErrAlreadyRunning = process.ErrAlreadyRunning
	ErrFileNotFound   = process.ErrFileNotFound
	ErrUnknownRuntime = process.ErrUnknownRuntime
	ErrEntryNotFound  = workspace.ErrEntryNotFound
	ErrScriptRunning  = hosting.ErrScriptRunning
	ErrNoPlan         = hosting.ErrNoPlan
	ErrExtractFailed  = hosting.ErrExtractFailed
	ErrInvalidLibrary = hosting.ErrInvalidLibrary
	ErrNoRequirements = hosting.ErrNoRequirements
	ErrInstallFailed  = hosting.ErrInstallFailed
)

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T { return tenant.Ptr(v) }

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// ShutdownTimeout bounds how long Run waits for HTTP servers and scripts to stop.
const ShutdownTimeout = 15 * time.Second

type options struct {
	store    tenant.Store
	notifier reaper.Notifier
	history  []history.Sink
}

type Option func(*options)

// WithStore uses s instead of opening cfg.Store.DSN. Host.Close closes it.
func WithStore(s TenantStore) Option { return func(o *options) { o.store = s } }

// WithNotifier replaces the configured expiry notifiers.
func WithNotifier(n Notifier) Option { return func(o *options) { o.notifier = n } }

// WithHistory adds a history sink next to the configured ones.
func WithHistory(s HistorySink) Option { return func(o *options) { o.history = append(o.history, s) } }

type Host struct {
	cfg     *Config
	store   tenant.Store
	sinks   history.Multi
	runner  *process.Runner
	files   *workspace.Store
	svc     *hosting.Service
	reaper  *reaper.Reaper
	handler http.Handler
}

// NewHost builds every component from c. A tenant store that cannot be
// opened or migrated is an error; the daemon treats it as fatal.
func NewHost(c *Config, opts ...Option) (*Host, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			slog.Warn("metrics registration failed", "error", err)
		}
	}

	store := o.store
	if store == nil {
		s, err := tfactory.NewFromDSN(c.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("open tenant store: %w", err)
		}
		store = s
	}
	if err := store.EnsureSchema(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("prepare tenant store: %w", err)
	}

	sinks, err := hfactory.NewMulti(c.History.DSN)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open history sinks: %w", err)
	}
	sinks = append(sinks, o.history...)
	var sink history.Sink
	if len(sinks) > 0 {
		sink = sinks
	}

	global, err := c.GlobalEnv()
	if err != nil {
		_ = store.Close()
		_ = hfactory.Close(sinks)
		return nil, err
	}

	files, err := workspace.New(c.Workspace)
	if err != nil {
		_ = store.Close()
		_ = hfactory.Close(sinks)
		return nil, err
	}

	runner := process.NewRunner(process.Options{
		LogDir:         c.Runner.LogDir,
		StopTimeout:    c.Runner.StopTimeout,
		DrainTimeout:   c.Runner.DrainTimeout,
		Runtimes:       c.RuntimeMap(),
		DefaultRuntime: c.Runner.DefaultRuntime,
		Env:            env.New(c.Runner.UseOSEnv, global),
		Session:        c.Runner.Session(),
		History:        sink,
	})

	notifier := o.notifier
	if notifier == nil {
		ns := reaper.MultiNotifier{reaper.LogNotifier{}}
		if c.Reaper.WebhookURL != "" {
			ns = append(ns, reaper.NewWebhookNotifier(c.Reaper.WebhookURL))
		}
		notifier = ns
	}

	h := &Host{
		cfg:    c,
		store:  store,
		sinks:  sinks,
		runner: runner,
		files:  files,
		svc:    hosting.New(store, runner, files, hosting.Options{StorageQuotaMB: c.Hosting.StorageQuotaMB}),
		reaper: reaper.New(store, runner, files, reaper.Options{
			Interval:    c.Reaper.Interval,
			Schedule:    c.Reaper.Schedule,
			WarnWindow:  c.Reaper.WarnWindow,
			GracePeriod: c.Reaper.GracePeriod,
			Notifier:    notifier,
			History:     sink,
		}),
	}
	r := iapi.NewRouter(h.svc, c.Server.BasePath)
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		r = r.WithMetrics()
	}
	h.handler = r.Handler()
	return h, nil
}

func (h *Host) Start(ctx context.Context, tenantID string) (StartResult, error) {
	return h.svc.Start(ctx, tenantID)
}

func (h *Host) Stop(ctx context.Context, tenantID string) (bool, error) {
	return h.svc.Stop(ctx, tenantID)
}

func (h *Host) IsRunning(tenantID string) bool          { return h.svc.IsRunning(tenantID) }
func (h *Host) Status(tenantID string) string           { return h.svc.Status(tenantID) }
func (h *Host) Logs(tenantID string) (string, bool)     { return h.svc.Logs(tenantID) }
func (h *Host) Errors(tenantID string) (string, bool)   { return h.svc.Errors(tenantID) }
func (h *Host) Files(tenantID string) ([]string, error) { return h.svc.Files(tenantID) }
func (h *Host) Running() []Handle                       { return h.runner.Running() }
func (h *Host) Handle(tenantID string) (Handle, bool)   { return h.runner.Handle(tenantID) }
func (h *Host) LogPath(tenantID string) string          { return h.runner.LogPath(tenantID) }
func (h *Host) Workspace(tenantID string) string        { return h.files.Root(tenantID) }

func (h *Host) Tenants(ctx context.Context) (map[string]Record, error) {
	return h.store.List(ctx)
}

func (h *Host) ResourceUsage(ctx context.Context, tenantID string) (Usage, error) {
	return h.svc.ResourceUsage(ctx, tenantID)
}

func (h *Host) ResolveEntry(ctx context.Context, tenantID string) (Entry, error) {
	return h.svc.ResolveEntry(ctx, tenantID)
}

func (h *Host) Upload(ctx context.Context, tenantID string, archive []byte) (UploadResult, error) {
	return h.svc.Upload(ctx, tenantID, archive)
}

// Libraries lists the packages recorded as installed for the tenant.
func (h *Host) Libraries(ctx context.Context, tenantID string) ([]string, error) {
	return h.svc.Libraries(ctx, tenantID)
}

// InstallLibrary runs pip install with the tenant's interpreter. A non-zero
// pip exit returns ErrInstallFailed together with the captured output.
func (h *Host) InstallLibrary(ctx context.Context, tenantID, spec string) (LibraryResult, error) {
	return h.svc.InstallLibrary(ctx, tenantID, spec)
}

func (h *Host) InstallRequirements(ctx context.Context, tenantID string) (LibraryResult, error) {
	return h.svc.InstallRequirements(ctx, tenantID)
}

func (h *Host) UninstallLibrary(ctx context.Context, tenantID, name string) (LibraryResult, error) {
	return h.svc.UninstallLibrary(ctx, tenantID, name)
}

func (h *Host) DeleteFiles(ctx context.Context, tenantID string) error {
	return h.svc.DeleteFiles(ctx, tenantID)
}

func (h *Host) Download(ctx context.Context, tenantID string, w io.Writer) error {
	return h.svc.Download(ctx, tenantID, w)
}

func (h *Host) Tenant(ctx context.Context, tenantID string) (Record, error) {
	return h.svc.Tenant(ctx, tenantID)
}

// UpdateTenant upserts the tenant record, e.g. when a plan is bought or renewed.
func (h *Host) UpdateTenant(ctx context.Context, tenantID string, p Patch) error {
	if err := tenant.ValidateID(tenantID); err != nil {
		return err
	}
	return h.store.Update(ctx, tenantID, p)
}

// AdjustBalance adds delta to the tenant balance and returns the new value.
func (h *Host) AdjustBalance(ctx context.Context, tenantID string, delta int64) (int64, error) {
	if err := tenant.ValidateID(tenantID); err != nil {
		return 0, err
	}
	return h.store.AdjustBalance(ctx, tenantID, delta)
}

// StopAll stops every live script.
func (h *Host) StopAll(ctx context.Context) { h.runner.StopAll(ctx) }

// Scan runs one expiry pass immediately.
func (h *Host) Scan(ctx context.Context) (ScanStats, error) { return h.reaper.Scan(ctx) }

// Handler is the HTTP API, ready to mount under any mux.
func (h *Host) Handler() http.Handler { return h.handler }

// Run serves the HTTP API (and a separate metrics listener when configured)
// and runs the reaper until ctx is cancelled or a component fails. Every live
// script is stopped before Run returns.
func (h *Host) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	fail := func(err error) error {
		cancel()
		_ = g.Wait()
		return err
	}

	if h.cfg.Server.Listen != "" {
		srv := &http.Server{
			Handler:           h.handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := serve(gctx, g, srv, h.cfg.Server.Listen); err != nil {
			return fail(err)
		}
		slog.Info("api listening", "addr", h.cfg.Server.Listen, "base_path", h.cfg.Server.BasePath)
	}
	if h.cfg.Metrics.Enabled && h.cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := serve(gctx, g, srv, h.cfg.Metrics.Listen); err != nil {
			return fail(err)
		}
		slog.Info("metrics listening", "addr", h.cfg.Metrics.Listen)
	}
	if h.cfg.Reaper.Enabled {
		g.Go(func() error { return h.reaper.Run(gctx) })
	}

	err := g.Wait()
	sctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	h.StopAll(sctx)
	return err
}

// serve binds addr synchronously so listen errors surface before Run blocks,
// then serves on g until ctx ends.
func serve(ctx context.Context, g *errgroup.Group, srv *http.Server, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return nil
}

// Close releases the tenant store and history sinks.
func (h *Host) Close() error {
	return errors.Join(h.store.Close(), hfactory.Close(h.sinks))
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
