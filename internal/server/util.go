package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/scripthost/internal/hosting"
	"github.com/loykin/scripthost/internal/process"
	"github.com/loykin/scripthost/internal/tenant"
	"github.com/loykin/scripthost/internal/workspace"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var spawn *process.SpawnError
	switch {
	case errors.Is(err, tenant.ErrInvalidID),
		errors.Is(err, hosting.ErrExtractFailed),
		errors.Is(err, hosting.ErrInvalidLibrary),
		errors.Is(err, process.ErrUnknownRuntime):
		return http.StatusBadRequest
	case errors.Is(err, hosting.ErrNoPlan):
		return http.StatusForbidden
	case errors.Is(err, tenant.ErrNotFound),
		errors.Is(err, workspace.ErrEntryNotFound),
		errors.Is(err, process.ErrFileNotFound),
		errors.Is(err, hosting.ErrNoRequirements):
		return http.StatusNotFound
	case errors.Is(err, hosting.ErrScriptRunning),
		errors.Is(err, process.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, hosting.ErrInstallFailed):
		return http.StatusUnprocessableEntity
	case errors.As(err, &spawn):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
}

// tenantParam validates the :id path parameter, writing a 400 when it is malformed.
func tenantParam(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if err := tenant.ValidateID(id); err != nil {
		writeError(c, err)
		return "", false
	}
	return id, true
}
