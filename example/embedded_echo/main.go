package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/loykin/scripthost"
)

// Mounts the scripthost API inside an Echo application next to its own routes.
// Tenant "demo" gets a one-week plan so it can upload and start right away:
//
//	curl -X POST --data-binary @bot.zip localhost:8080/api/tenants/demo/upload
//	curl -X POST localhost:8080/api/tenants/demo/start
func main() {
	dir := filepath.Join(os.TempDir(), "scripthost-echo")
	cfg, err := scripthost.LoadConfig("")
	if err != nil {
		log.Fatal(err)
	}
	cfg.Workspace.Root = filepath.Join(dir, "workspaces")
	cfg.Runner.LogDir = filepath.Join(dir, "logs")
	cfg.Store.DSN = "sqlite://" + filepath.Join(dir, "tenants.db")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.Fatal(err)
	}

	host, err := scripthost.NewHost(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = host.Close() }()
	defer host.StopAll(context.Background())

	until := time.Now().Add(7 * 24 * time.Hour)
	if err := host.UpdateTenant(context.Background(), "demo", scripthost.Patch{Plan: scripthost.Ptr("trial"), Expiry: &until}); err != nil {
		log.Fatal(err)
	}

	e := echo.New()
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	h := host.Handler()
	e.Any(cfg.Server.BasePath, echo.WrapHandler(h))
	e.Any(cfg.Server.BasePath+"/*", echo.WrapHandler(h))

	log.Println("starting echo server on :8080 with base", cfg.Server.BasePath)
	if err := e.Start(":8080"); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
