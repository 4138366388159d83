package hosting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/loykin/scripthost/internal/metrics"
	"github.com/loykin/scripthost/internal/process"
	"github.com/loykin/scripthost/internal/tenant"
	"github.com/loykin/scripthost/internal/workspace"
)

var (
	ErrInvalidLibrary = errors.New("invalid library name")
	ErrNoRequirements = errors.New("workspace has no " + workspace.RequirementsFile)
	ErrInstallFailed  = errors.New("package command failed")
)

// installLog receives the output of every package command for a tenant.
const installLog = "install.log"

// A requirement specifier: name, optional extras, optional version clauses.
// Leading dashes are excluded so a name can never be read as a pip option.
var libraryRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*(\[[A-Za-z0-9._,-]+\])?((==|>=|<=|~=|!=|<|>)[A-Za-z0-9.*+!_-]+(,(==|>=|<=|~=|!=|<|>)[A-Za-z0-9.*+!_-]+)*)?$`)

// ValidateLibrary reports whether spec is a plain requirement specifier.
func ValidateLibrary(spec string) error {
	if len(spec) > 200 || !libraryRe.MatchString(spec) {
		return fmt.Errorf("%w: %q", ErrInvalidLibrary, spec)
	}
	return nil
}

// packageName strips extras, version clauses and markers from a specifier.
func packageName(spec string) string {
	if i := strings.IndexAny(spec, "[=<>!~; "); i >= 0 {
		spec = spec[:i]
	}
	return strings.TrimSpace(spec)
}

// LibraryResult is the outcome of a package command. Error holds the
// ERROR-tagged output lines when the command failed.
type LibraryResult struct {
	Libraries []string `json:"libraries"`
	ExitCode  int      `json:"exit_code"`
	Output    string   `json:"output"`
	Error     string   `json:"error,omitempty"`
}

// Libraries returns the packages recorded as installed for the tenant.
func (s *Service) Libraries(ctx context.Context, tenantID string) ([]string, error) {
	rec, err := s.Tenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if rec.Libraries == nil {
		return []string{}, nil
	}
	return rec.Libraries, nil
}

// InstallLibrary runs `pip install spec` with the tenant's interpreter and
// records the package on success.
func (s *Service) InstallLibrary(ctx context.Context, tenantID, spec string) (LibraryResult, error) {
	if err := ValidateLibrary(spec); err != nil {
		return LibraryResult{}, err
	}
	return s.pip(ctx, tenantID, "install", []string{"install", spec}, nil, func(have []string) []string {
		return addLibraries(have, packageName(spec))
	})
}

// InstallRequirements installs the workspace's top-level requirements.txt and
// records every package it names on success.
func (s *Service) InstallRequirements(ctx context.Context, tenantID string) (LibraryResult, error) {
	var names []string
	check := func() error {
		lines, ok := s.files.Requirements(tenantID)
		if !ok {
			return ErrNoRequirements
		}
		for _, ln := range lines {
			if strings.HasPrefix(ln, "-") {
				continue
			}
			if n := packageName(ln); n != "" {
				names = append(names, n)
			}
		}
		return nil
	}
	return s.pip(ctx, tenantID, "requirements", []string{"install", "-r", workspace.RequirementsFile}, check, func(have []string) []string {
		return addLibraries(have, names...)
	})
}

// UninstallLibrary runs `pip uninstall -y name` and drops the package from
// the record on success.
func (s *Service) UninstallLibrary(ctx context.Context, tenantID, name string) (LibraryResult, error) {
	if err := ValidateLibrary(name); err != nil {
		return LibraryResult{}, err
	}
	return s.pip(ctx, tenantID, "uninstall", []string{"uninstall", "-y", name}, nil, func(have []string) []string {
		return removeLibrary(have, packageName(name))
	})
}

// pip runs one package command under the tenant lock. check, when set, runs
// after the plan check and before the command; update computes the new
// package list after a successful run.
func (s *Service) pip(ctx context.Context, tenantID, action string, args []string, check func() error, update func([]string) []string) (LibraryResult, error) {
	if err := tenant.ValidateID(tenantID); err != nil {
		return LibraryResult{}, err
	}
	unlock := s.locks.Lock(tenantID)
	defer unlock()
	if s.runner.IsRunning(tenantID) {
		return LibraryResult{}, ErrScriptRunning
	}
	rec, err := s.activeRecord(ctx, tenantID)
	if err != nil {
		return LibraryResult{}, err
	}
	if check != nil {
		if err := check(); err != nil {
			return LibraryResult{}, err
		}
	}

	out, err := s.runner.Exec(ctx, process.ExecRequest{
		TenantID: tenantID,
		Runtime:  rec.Runtime(),
		Dir:      s.files.Root(tenantID),
		Args:     append([]string{"-m", "pip"}, args...),
		Log:      installLog,
	})
	res := LibraryResult{Libraries: rec.Libraries, ExitCode: out.ExitCode, Output: out.Output}
	if res.Libraries == nil {
		res.Libraries = []string{}
	}
	if err != nil {
		metrics.IncLibrary(action, false)
		return res, err
	}
	metrics.IncLibrary(action, out.OK())
	if !out.OK() {
		res.Error = out.Errors()
		if res.Error == "" {
			res.Error = fmt.Sprintf("pip exited with code %d", out.ExitCode)
		}
		slog.Warn("package command failed", "tenant", tenantID, "action", action, "code", out.ExitCode)
		return res, fmt.Errorf("%w: pip %s exited with code %d", ErrInstallFailed, action, out.ExitCode)
	}

	libs := update(rec.Libraries)
	res.Libraries = libs
	if err := s.store.Update(ctx, tenantID, tenant.Patch{Libraries: &libs}); err != nil {
		return res, fmt.Errorf("update tenant record: %w", err)
	}
	slog.Info("package command finished", "tenant", tenantID, "action", action, "libraries", len(libs))
	return res, nil
}

func addLibraries(have []string, names ...string) []string {
	out := append([]string{}, have...)
	for _, n := range names {
		found := false
		for _, h := range out {
			if strings.EqualFold(h, n) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, n)
		}
	}
	return out
}

func removeLibrary(have []string, name string) []string {
	out := make([]string, 0, len(have))
	for _, h := range have {
		if !strings.EqualFold(h, name) {
			out = append(out, h)
		}
	}
	return out
}
