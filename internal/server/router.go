package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/scripthost/internal/hosting"
	"github.com/loykin/scripthost/internal/metrics"
	"github.com/loykin/scripthost/internal/process"
)

// MaxUploadBytes caps the size of an uploaded workspace archive.
const MaxUploadBytes = 64 << 20

// Router provides embeddable HTTP handlers over a hosting service.
// Endpoints, all relative to basePath:
//
//	GET    /tenants                    live sessions
//	GET    /tenants/:id                tenant record
//	POST   /tenants/:id/start
//	POST   /tenants/:id/stop
//	GET    /tenants/:id/status
//	GET    /tenants/:id/logs
//	GET    /tenants/:id/errors
//	GET    /tenants/:id/usage
//	GET    /tenants/:id/entry
//	GET    /tenants/:id/files
//	DELETE /tenants/:id/files
//	POST   /tenants/:id/upload         zip body or multipart field "file"
//	GET    /tenants/:id/download
//	GET    /tenants/:id/libraries
//	POST   /tenants/:id/libraries              {"name": "requests==2.31"}
//	POST   /tenants/:id/libraries/requirements
//	DELETE /tenants/:id/libraries/:name
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	svc      *hosting.Service
	basePath string
	metrics  bool
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(svc *hosting.Service, basePath string) *Router {
	return &Router{svc: svc, basePath: sanitizeBase(basePath)}
}

// WithMetrics also serves Prometheus metrics at {basePath}/metrics.
func (r *Router) WithMetrics() *Router {
	r.metrics = true
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/tenants", r.handleList)
	t := group.Group("/tenants/:id")
	t.GET("", r.handleTenant)
	t.POST("/start", r.handleStart)
	t.POST("/stop", r.handleStop)
	t.GET("/status", r.handleStatus)
	t.GET("/logs", r.handleLogs)
	t.GET("/errors", r.handleErrors)
	t.GET("/usage", r.handleUsage)
	t.GET("/entry", r.handleEntry)
	t.GET("/files", r.handleFiles)
	t.DELETE("/files", r.handleDeleteFiles)
	t.POST("/upload", r.handleUpload)
	t.GET("/download", r.handleDownload)
	t.GET("/libraries", r.handleLibraries)
	t.POST("/libraries", r.handleInstallLibrary)
	t.POST("/libraries/requirements", r.handleInstallRequirements)
	t.DELETE("/libraries/:name", r.handleUninstallLibrary)
	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// StatusResp is the body of GET /tenants/:id/status.
type StatusResp struct {
	TenantID string          `json:"tenant_id"`
	Running  bool            `json:"running"`
	Status   string          `json:"status"`
	Handle   *process.Handle `json:"handle,omitempty"`
}

// TextResp carries a log or error report.
type TextResp struct {
	TenantID string `json:"tenant_id"`
	Text     string `json:"text"`
}

// StopResp is the body of POST /tenants/:id/stop.
type StopResp struct {
	Stopped bool `json:"stopped"`
}

func (r *Router) handleList(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.svc.Runner().Running())
}

func (r *Router) handleTenant(c *gin.Context) {
	rec, err := r.svc.Tenant(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

func (r *Router) handleStart(c *gin.Context) {
	res, err := r.svc.Start(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handleStop(c *gin.Context) {
	stopped, err := r.svc.Stop(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, StopResp{Stopped: stopped})
}

func (r *Router) handleStatus(c *gin.Context) {
	id, ok := tenantParam(c)
	if !ok {
		return
	}
	resp := StatusResp{TenantID: id, Running: r.svc.IsRunning(id), Status: r.svc.Status(id)}
	if h, ok := r.svc.Runner().Handle(id); ok {
		resp.Handle = &h
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleLogs(c *gin.Context) {
	r.writeText(c, r.svc.Logs)
}

func (r *Router) handleErrors(c *gin.Context) {
	r.writeText(c, r.svc.Errors)
}

func (r *Router) writeText(c *gin.Context, read func(string) (string, bool)) {
	id, ok := tenantParam(c)
	if !ok {
		return
	}
	text, ok := read(id)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no log for tenant " + id})
		return
	}
	writeJSON(c, http.StatusOK, TextResp{TenantID: id, Text: text})
}

func (r *Router) handleUsage(c *gin.Context) {
	u, err := r.svc.ResourceUsage(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, u)
}

func (r *Router) handleEntry(c *gin.Context) {
	e, err := r.svc.ResolveEntry(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, e)
}

func (r *Router) handleFiles(c *gin.Context) {
	files, err := r.svc.Files(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if files == nil {
		files = []string{}
	}
	writeJSON(c, http.StatusOK, files)
}

func (r *Router) handleDeleteFiles(c *gin.Context) {
	if err := r.svc.DeleteFiles(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleUpload(c *gin.Context) {
	id, ok := tenantParam(c)
	if !ok {
		return
	}
	data, err := readArchive(c)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "read archive: " + err.Error()})
		return
	}
	res, err := r.svc.Upload(c.Request.Context(), id, data)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

// readArchive accepts either a multipart form with a "file" field or the raw zip body.
func readArchive(c *gin.Context) ([]byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadBytes)
	if c.ContentType() == "multipart/form-data" {
		fh, err := c.FormFile("file")
		if err != nil {
			return nil, err
		}
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		defer func() { _ = f.Close() }()
		return io.ReadAll(f)
	}
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("empty body")
	}
	return data, nil
}

func (r *Router) handleDownload(c *gin.Context) {
	id, ok := tenantParam(c)
	if !ok {
		return
	}
	files, err := r.svc.Files(id)
	if err != nil {
		writeError(c, err)
		return
	}
	if len(files) == 0 {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "workspace is empty"})
		return
	}
	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", `attachment; filename="tenant_`+id+`.zip"`)
	c.Status(http.StatusOK)
	if err := r.svc.Download(c.Request.Context(), id, c.Writer); err != nil {
		_ = c.Error(err)
	}
}

// LibraryReq is the body of POST /tenants/:id/libraries.
type LibraryReq struct {
	Name string `json:"name"`
}

func (r *Router) handleLibraries(c *gin.Context) {
	libs, err := r.svc.Libraries(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, libs)
}

func (r *Router) handleInstallLibrary(c *gin.Context) {
	var req LibraryReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid body: " + err.Error()})
		return
	}
	res, err := r.svc.InstallLibrary(c.Request.Context(), c.Param("id"), req.Name)
	writeLibraryResult(c, res, err)
}

func (r *Router) handleInstallRequirements(c *gin.Context) {
	res, err := r.svc.InstallRequirements(c.Request.Context(), c.Param("id"))
	writeLibraryResult(c, res, err)
}

func (r *Router) handleUninstallLibrary(c *gin.Context) {
	res, err := r.svc.UninstallLibrary(c.Request.Context(), c.Param("id"), c.Param("name"))
	writeLibraryResult(c, res, err)
}

// writeLibraryResult sends the pip output along with a failed install so the
// caller sees why it failed.
func writeLibraryResult(c *gin.Context, res hosting.LibraryResult, err error) {
	switch {
	case errors.Is(err, hosting.ErrInstallFailed):
		writeJSON(c, statusFor(err), res)
	case err != nil:
		writeError(c, err)
	default:
		writeJSON(c, http.StatusOK, res)
	}
}
