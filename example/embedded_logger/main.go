package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/loykin/scripthost"
)

const configTemplate = `
[workspace]
root = "%s/workspaces"
entry_name = "main.sh"
script_ext = ".sh"

[runner]
log_dir = "%s/logs"
default_runtime = "sh"

[[runtimes]]
version = "sh"
executable = "/bin/sh"

[store]
dsn = "memory://"

[reaper]
enabled = false
`

// embedded_logger: runs a tenant script that writes to stdout and stderr and
// prints the classified session log and its error report.
func main() {
	dir := os.Getenv("SCRIPTHOST_DEMO_DIR")
	if dir == "" {
		dir = filepath.Join(os.TempDir(), fmt.Sprintf("scripthost-demo-%d", time.Now().UnixNano()))
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		panic(err)
	}
	conf := filepath.Join(dir, "scripthost.toml")
	if err := os.WriteFile(conf, []byte(fmt.Sprintf(configTemplate, dir, dir)), 0o600); err != nil {
		panic(err)
	}

	cfg, err := scripthost.LoadConfig(conf)
	if err != nil {
		panic(err)
	}

	host, err := scripthost.NewHost(cfg)
	if err != nil {
		panic(err)
	}
	defer func() { _ = host.Close() }()

	ctx := context.Background()
	until := time.Now().Add(time.Hour)
	err = host.UpdateTenant(ctx, "demo", scripthost.Patch{
		Plan:   scripthost.Ptr("trial"),
		Expiry: &until,
	})
	if err != nil {
		panic(err)
	}

	script := "echo connected\necho 'Traceback: boom' 1>&2\necho 'INFO: retrying' 1>&2\nsleep 0.2\n"
	if _, err := host.Upload(ctx, "demo", zipScript(script)); err != nil {
		panic(err)
	}
	if _, err := host.Start(ctx, "demo"); err != nil {
		panic(err)
	}
	time.Sleep(500 * time.Millisecond)

	logs, _ := host.Logs("demo")
	report, _ := host.Errors("demo")
	fmt.Println("Session log:", host.LogPath("demo"))
	fmt.Println(logs)
	fmt.Println("Error report:")
	fmt.Println(report)
}

func zipScript(body string) []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("main.sh")
	_, _ = w.Write([]byte(body))
	_ = zw.Close()
	return buf.Bytes()
}
