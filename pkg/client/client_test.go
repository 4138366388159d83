package client

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/zip"

	"github.com/loykin/scripthost/internal/hosting"
	"github.com/loykin/scripthost/internal/process"
	"github.com/loykin/scripthost/internal/server"
	"github.com/loykin/scripthost/internal/tenant"
	"github.com/loykin/scripthost/internal/workspace"
)

func newDaemon(t *testing.T) *Client {
	t.Helper()
	return newDaemonWith(t, "/bin/sh")
}

func newDaemonWith(t *testing.T, interpreter string) *Client {
	t.Helper()
	gin.SetMode(gin.TestMode)
	files, err := workspace.New(workspace.Options{Root: t.TempDir(), EntryName: "main.sh", ScriptExt: ".sh"})
	if err != nil {
		t.Fatal(err)
	}
	runner := process.NewRunner(process.Options{
		LogDir:         t.TempDir(),
		StopTimeout:    2 * time.Second,
		Runtimes:       process.Runtimes{tenant.DefaultRuntimeVersion: interpreter},
		DefaultRuntime: tenant.DefaultRuntimeVersion,
	})
	exp := time.Now().Add(24 * time.Hour)
	svc := hosting.New(tenant.NewMemory(tenant.Record{ID: "42", Plan: "pro", Expiry: &exp}), runner, files, hosting.Options{})
	ts := httptest.NewServer(server.NewRouter(svc, "/api").Handler())
	t.Cleanup(func() {
		ts.Close()
		runner.StopAll(context.Background())
	})
	return New(Config{BaseURL: ts.URL + "/api", Timeout: 5 * time.Second})
}

func archive(t *testing.T, name, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(name)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = w.Write([]byte(body))
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestClientLifecycle(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	c := newDaemon(t)
	ctx := context.Background()

	if !c.IsReachable(ctx) {
		t.Fatal("daemon should be reachable")
	}
	up, err := c.Upload(ctx, "42", archive(t, "bot/main.sh", "echo hello\nsleep 30\n"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if up.Saved != 1 || up.Entry != "main.sh" {
		t.Fatalf("unexpected upload: %+v", up)
	}

	started, err := c.Start(ctx, "42")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Handle.PID == 0 || started.Entry.Display != "main.sh" {
		t.Fatalf("unexpected start: %+v", started)
	}
	st, err := c.Status(ctx, "42")
	if err != nil || !st.Running {
		t.Fatalf("status: %+v %v", st, err)
	}
	live, err := c.Running(ctx)
	if err != nil || len(live) != 1 {
		t.Fatalf("running: %v %v", live, err)
	}

	_, err = c.Start(ctx, "42")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 APIError, got %v", err)
	}

	stopped, err := c.Stop(ctx, "42")
	if err != nil || !stopped {
		t.Fatalf("stop: %v %v", stopped, err)
	}
	logs, err := c.Logs(ctx, "42")
	if err != nil || !strings.Contains(logs, "hello") {
		t.Fatalf("logs: %q %v", logs, err)
	}
	rec, err := c.Tenant(ctx, "42")
	if err != nil || rec.ScriptStatus != "stopped" || !rec.HasFiles {
		t.Fatalf("tenant: %+v %v", rec, err)
	}
}

func TestClientFiles(t *testing.T) {
	c := newDaemon(t)
	ctx := context.Background()
	if _, err := c.Upload(ctx, "42", archive(t, "main.sh", "echo hi\n")); err != nil {
		t.Fatalf("upload: %v", err)
	}
	files, err := c.Files(ctx, "42")
	if err != nil || len(files) != 1 || files[0] != "main.sh" {
		t.Fatalf("files: %v %v", files, err)
	}
	e, err := c.Entry(ctx, "42")
	if err != nil || e.Display != "main.sh" {
		t.Fatalf("entry: %+v %v", e, err)
	}
	var buf bytes.Buffer
	if err := c.Download(ctx, "42", &buf); err != nil {
		t.Fatalf("download: %v", err)
	}
	if got := workspace.ExtractArchive(buf.Bytes()); string(got["main.sh"]) != "echo hi\n" {
		t.Fatalf("unexpected archive content: %v", got)
	}
	if err := c.DeleteFiles(ctx, "42"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := c.Download(ctx, "42", &buf); err == nil {
		t.Fatal("download of an empty workspace should fail")
	}
}

func TestClientErrors(t *testing.T) {
	c := newDaemon(t)
	ctx := context.Background()
	var apiErr *APIError

	if _, err := c.Logs(ctx, "42"); !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
	if _, err := c.Tenant(ctx, "nobody"); !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
	if _, err := c.Upload(ctx, "42", []byte("nope")); !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}

	unreachable := New(Config{BaseURL: "http://127.0.0.1:1/api", Timeout: time.Second})
	if unreachable.IsReachable(ctx) {
		t.Fatal("closed port should be unreachable")
	}
}

func TestClientLibraries(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	exe := filepath.Join(t.TempDir(), "python3")
	script := "#!/bin/sh\necho \"pip $*\"\nif [ \"$4\" = bad ]; then echo 'ERROR: No matching distribution found for bad' 1>&2; exit 1; fi\n"
	if err := os.WriteFile(exe, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	c := newDaemonWith(t, exe)
	ctx := context.Background()
	var apiErr *APIError

	res, err := c.InstallLibrary(ctx, "42", "uvicorn[standard]")
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if len(res.Libraries) != 1 || res.Libraries[0] != "uvicorn" || !strings.Contains(res.Output, "pip -m pip install uvicorn[standard]") {
		t.Fatalf("unexpected response: %+v", res)
	}
	rec, err := c.Tenant(ctx, "42")
	if err != nil || len(rec.Libraries) != 1 {
		t.Fatalf("tenant libraries: %+v %v", rec, err)
	}

	_, err = c.InstallLibrary(ctx, "42", "bad")
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnprocessableEntity ||
		!strings.Contains(apiErr.Message, "No matching distribution found for bad") {
		t.Fatalf("expected 422 with pip error, got %v", err)
	}
	if _, err := c.InstallRequirements(ctx, "42"); !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}

	if _, err := c.UninstallLibrary(ctx, "42", "uvicorn"); err != nil {
		t.Fatalf("uninstall: %v", err)
	}
	libs, err := c.Libraries(ctx, "42")
	if err != nil || len(libs) != 0 {
		t.Fatalf("libraries = %v %v", libs, err)
	}
}
