// Package hosting is the entry point used by callers: it ties tenant records,
// workspaces and the process runner together.
package hosting

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/loykin/scripthost/internal/process"
	"github.com/loykin/scripthost/internal/tenant"
	"github.com/loykin/scripthost/internal/workspace"
)

var (
	ErrScriptRunning = errors.New("script is running; stop it first")
	ErrNoPlan        = errors.New("no active hosting plan")
	ErrExtractFailed = errors.New("archive contains no files")
)

type Options struct {
	// StorageQuotaMB is reported as the storage total in ResourceUsage.
	StorageQuotaMB int
	Now            func() time.Time
}

// Service serialises Start, Stop, Upload and DeleteFiles per tenant so a
// workspace is never replaced while a script is being launched from it.
type Service struct {
	store  tenant.Store
	runner *process.Runner
	files  *workspace.Store
	opts   Options
	locks  *process.KeyedMutex
}

func New(store tenant.Store, runner *process.Runner, files *workspace.Store, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.StorageQuotaMB <= 0 {
		opts.StorageQuotaMB = 2048
	}
	return &Service{store: store, runner: runner, files: files, opts: opts, locks: process.NewKeyedMutex()}
}

// Runner exposes the underlying runner for handle queries.
func (s *Service) Runner() *process.Runner { return s.runner }

func (s *Service) activeRecord(ctx context.Context, tenantID string) (tenant.Record, error) {
	if err := tenant.ValidateID(tenantID); err != nil {
		return tenant.Record{}, err
	}
	rec, err := s.store.Get(ctx, tenantID)
	if err != nil {
		return tenant.Record{}, err
	}
	if !rec.HasPlan() || !rec.Expiry.After(s.opts.Now()) {
		return rec, ErrNoPlan
	}
	return rec, nil
}

// Tenant returns the tenant record.
func (s *Service) Tenant(ctx context.Context, tenantID string) (tenant.Record, error) {
	if err := tenant.ValidateID(tenantID); err != nil {
		return tenant.Record{}, err
	}
	return s.store.Get(ctx, tenantID)
}

type StartResult struct {
	Handle process.Handle  `json:"handle"`
	Entry  workspace.Entry `json:"entry"`
}

// Start resolves the tenant's entry point and launches it with the runtime
// recorded for the tenant.
func (s *Service) Start(ctx context.Context, tenantID string) (StartResult, error) {
	if err := tenant.ValidateID(tenantID); err != nil {
		return StartResult{}, err
	}
	unlock := s.locks.Lock(tenantID)
	defer unlock()
	rec, err := s.activeRecord(ctx, tenantID)
	if err != nil {
		return StartResult{}, err
	}
	entry, err := s.files.Resolve(tenantID, rec.Entry())
	if err != nil {
		return StartResult{}, err
	}
	h, err := s.runner.Start(ctx, process.StartRequest{TenantID: tenantID, Entry: entry.Path, Runtime: rec.Runtime()})
	if err != nil {
		return StartResult{}, err
	}
	s.patch(ctx, tenantID, tenant.Patch{ScriptStatus: tenant.Ptr(tenant.StatusRunning), EntryPoint: tenant.Ptr(entry.Display)})
	return StartResult{Handle: h, Entry: entry}, nil
}

// Stop stops the tenant's script; false when nothing was running.
func (s *Service) Stop(ctx context.Context, tenantID string) (bool, error) {
	if err := tenant.ValidateID(tenantID); err != nil {
		return false, err
	}
	unlock := s.locks.Lock(tenantID)
	defer unlock()
	stopped := s.runner.Stop(ctx, tenantID)
	if stopped {
		s.patch(ctx, tenantID, tenant.Patch{ScriptStatus: tenant.Ptr(tenant.StatusStopped)})
	}
	return stopped, nil
}

func (s *Service) IsRunning(tenantID string) bool { return s.runner.IsRunning(tenantID) }

func (s *Service) Status(tenantID string) string { return s.runner.Status(tenantID) }

func (s *Service) Logs(tenantID string) (string, bool) { return s.runner.Logs(tenantID) }

func (s *Service) Errors(tenantID string) (string, bool) { return s.runner.Errors(tenantID) }

// Usage is the host snapshot plus the tenant's storage.
type Usage struct {
	process.Usage
	StorageUsedMB  float64 `json:"storage_used_mb"`
	StorageTotalMB float64 `json:"storage_total_mb"`
}

func (s *Service) ResourceUsage(ctx context.Context, tenantID string) (Usage, error) {
	if err := tenant.ValidateID(tenantID); err != nil {
		return Usage{}, err
	}
	u, err := process.ResourceUsage(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("resource usage: %w", err)
	}
	return Usage{
		Usage:          u,
		StorageUsedMB:  float64(s.files.Size(tenantID)) / (1024 * 1024),
		StorageTotalMB: float64(s.opts.StorageQuotaMB),
	}, nil
}

// ResolveEntry reports which file Start would run.
func (s *Service) ResolveEntry(ctx context.Context, tenantID string) (workspace.Entry, error) {
	rec, err := s.Tenant(ctx, tenantID)
	if err != nil && !errors.Is(err, tenant.ErrNotFound) {
		return workspace.Entry{}, err
	}
	return s.files.Resolve(tenantID, rec.Entry())
}

type UploadResult struct {
	Extracted    int    `json:"extracted"`
	Saved        int    `json:"saved"`
	Entry        string `json:"entry,omitempty"`
	Requirements int    `json:"requirements"`
}

// Upload replaces the tenant workspace with the contents of a zip archive.
func (s *Service) Upload(ctx context.Context, tenantID string, archive []byte) (UploadResult, error) {
	if err := tenant.ValidateID(tenantID); err != nil {
		return UploadResult{}, err
	}
	unlock := s.locks.Lock(tenantID)
	defer unlock()
	if s.runner.IsRunning(tenantID) {
		return UploadResult{}, ErrScriptRunning
	}
	if _, err := s.activeRecord(ctx, tenantID); err != nil {
		return UploadResult{}, err
	}

	files := workspace.ExtractArchive(archive)
	if len(files) == 0 {
		return UploadResult{}, ErrExtractFailed
	}
	saved, err := s.files.Save(tenantID, files)
	if err != nil {
		return UploadResult{}, err
	}
	res := UploadResult{Extracted: len(files), Saved: saved}

	p := tenant.Patch{HasFiles: tenant.Ptr(saved > 0), FilesCount: tenant.Ptr(saved), ScriptStatus: tenant.Ptr(tenant.StatusStopped)}
	if entry, err := s.files.Resolve(tenantID, ""); err == nil {
		res.Entry = entry.Display
		p.EntryPoint = tenant.Ptr(entry.Display)
	} else {
		p.EntryPoint = tenant.Ptr(tenant.DefaultEntryPoint)
	}
	if reqs, ok := s.files.Requirements(tenantID); ok {
		res.Requirements = len(reqs)
	}
	if err := s.store.Update(ctx, tenantID, p); err != nil {
		return res, fmt.Errorf("update tenant record: %w", err)
	}
	slog.Info("workspace uploaded", "tenant", tenantID, "extracted", res.Extracted, "saved", res.Saved, "entry", res.Entry)
	return res, nil
}

// DeleteFiles removes the workspace and resets the file fields of the record.
func (s *Service) DeleteFiles(ctx context.Context, tenantID string) error {
	if err := tenant.ValidateID(tenantID); err != nil {
		return err
	}
	unlock := s.locks.Lock(tenantID)
	defer unlock()
	if s.runner.IsRunning(tenantID) {
		return ErrScriptRunning
	}
	if err := s.files.Remove(tenantID); err != nil {
		return err
	}
	return s.store.Update(ctx, tenantID, tenant.Patch{
		HasFiles:   tenant.Ptr(false),
		FilesCount: tenant.Ptr(0),
		EntryPoint: tenant.Ptr(tenant.DefaultEntryPoint),
	})
}

// Download writes the workspace as a zip archive.
func (s *Service) Download(_ context.Context, tenantID string, w io.Writer) error {
	return s.files.Archive(tenantID, w)
}

// Files lists the workspace files.
func (s *Service) Files(tenantID string) ([]string, error) { return s.files.List(tenantID) }

func (s *Service) patch(ctx context.Context, tenantID string, p tenant.Patch) {
	if err := s.store.Update(ctx, tenantID, p); err != nil {
		slog.Warn("tenant record update failed", "tenant", tenantID, "error", err)
	}
}
