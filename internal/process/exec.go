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
	"strings"
	"time"

	"github.com/loykin/scripthost/internal/tenant"
)

const maxExecOutput = 1 << 20

// ExecRequest runs the tenant's interpreter with Args, outside the script
// session. It backs maintenance commands such as package installs.
type ExecRequest struct {
	TenantID string
	// Runtime selects the interpreter; empty uses the default runtime.
	Runtime string
	Dir     string
	Args    []string
	// Log names the file under the tenant log directory that receives the
	// classified output; it is replaced on every call.
	Log string
}

// ExecResult is the outcome of a finished command. Output holds the
// classified lines in session log format, truncated at 1 MiB.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}

// OK reports a zero exit status.
func (e ExecResult) OK() bool { return e.ExitCode == 0 }

// Errors returns the ERROR-tagged lines of the output.
func (e ExecResult) Errors() string { return strings.Join(errorLines(e.Output), "\n") }

// Exec runs one command to completion. A non-zero exit is reported through
// ExecResult, not as an error. Cancelling ctx kills the process group.
func (r *Runner) Exec(ctx context.Context, req ExecRequest) (ExecResult, error) {
	if err := tenant.ValidateID(req.TenantID); err != nil {
		return ExecResult{}, err
	}
	version := req.Runtime
	if version == "" {
		version = r.opts.DefaultRuntime
	}
	exe, err := r.opts.Runtimes.Executable(version)
	if err != nil {
		return ExecResult{}, err
	}

	if err := ensureDir(req.Dir); err != nil {
		return ExecResult{}, err
	}
	var logW io.WriteCloser = nopWriteCloser{io.Discard}
	if req.Log != "" {
		logW, err = r.opts.Session.SessionWriter(filepath.Join(r.opts.LogDir, "tenant_"+req.TenantID, req.Log))
		if err != nil {
			return ExecResult{}, fmt.Errorf("open %s: %w", req.Log, err)
		}
	}
	defer func() { _ = logW.Close() }()

	// #nosec G204 interpreter comes from the configured runtime map
	cmd := exec.CommandContext(ctx, exe, req.Args...)
	cmd.Dir = req.Dir
	cmd.Env = r.opts.Env.ForTenant(req.TenantID, req.Dir)
	configureSysProcAttr(cmd)
	cmd.Cancel = func() error { return kill(cmd.Process) }

	began := time.Now()
	stdout, stderr, err := spawn(cmd)
	if err != nil {
		return ExecResult{}, &SpawnError{TenantID: req.TenantID, Err: err}
	}
	slog.Info("tenant command started", "tenant", req.TenantID, "pid", cmd.Process.Pid, "args", req.Args)

	exited := make(chan struct{})
	lines := r.pump(stdout, stderr, exited)
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(exited)
	}()

	var out strings.Builder
	for ln := range lines {
		v := r.classifier.Classify(ln.stream, ln.text)
		s := formatLine(time.Now(), ln.stream, v.Severity, ln.text)
		_, _ = io.WriteString(logW, s)
		if out.Len() < maxExecOutput {
			out.WriteString(s)
		}
	}
	<-exited

	res := ExecResult{ExitCode: exitCode(cmd.ProcessState), Output: out.String()}
	if ctx.Err() != nil {
		return res, fmt.Errorf("command interrupted: %w", ctx.Err())
	}
	var ee *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &ee) {
		return res, fmt.Errorf("wait for command: %w", waitErr)
	}
	slog.Info("tenant command finished", "tenant", req.TenantID, "code", res.ExitCode,
		"duration", time.Since(began).Round(time.Millisecond))
	return res, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// ensureDir creates dir when it is missing.
func ensureDir(dir string) error {
	if dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o750)
}
