package client

import "time"

// Handle mirrors a script session as reported by the daemon.
type Handle struct {
	TenantID  string    `json:"tenant_id"`
	SessionID string    `json:"session_id"`
	PID       int       `json:"pid"`
	Entry     string    `json:"entry"`
	Runtime   string    `json:"runtime"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
}

// Entry is a resolved workspace entry point.
type Entry struct {
	Path    string `json:"path"`
	Display string `json:"display"`
}

// StartResponse is returned by POST /tenants/:id/start.
type StartResponse struct {
	Handle Handle `json:"handle"`
	Entry  Entry  `json:"entry"`
}

// StatusResponse is returned by GET /tenants/:id/status.
type StatusResponse struct {
	TenantID string  `json:"tenant_id"`
	Running  bool    `json:"running"`
	Status   string  `json:"status"`
	Handle   *Handle `json:"handle,omitempty"`
}

type stopResponse struct {
	Stopped bool `json:"stopped"`
}

type textResponse struct {
	TenantID string `json:"tenant_id"`
	Text     string `json:"text"`
}

// UploadResponse is returned by POST /tenants/:id/upload.
type UploadResponse struct {
	Extracted    int    `json:"extracted"`
	Saved        int    `json:"saved"`
	Entry        string `json:"entry,omitempty"`
	Requirements int    `json:"requirements"`
}

// Usage is the host resource snapshot plus the tenant's storage.
type Usage struct {
	CPUPercent     float64 `json:"cpu_percent"`
	RAMUsedMB      float64 `json:"ram_used_mb"`
	RAMTotalMB     float64 `json:"ram_total_mb"`
	StorageUsedMB  float64 `json:"storage_used_mb"`
	StorageTotalMB float64 `json:"storage_total_mb"`
}

// Tenant is the tenant record as stored by the daemon.
type Tenant struct {
	ID             string     `json:"id"`
	Plan           string     `json:"plan,omitempty"`
	Expiry         *time.Time `json:"expiry,omitempty"`
	EntryPoint     string     `json:"entry_point,omitempty"`
	ScriptStatus   string     `json:"script_status,omitempty"`
	RuntimeVersion string     `json:"runtime_version,omitempty"`
	Balance        int64      `json:"balance"`
	HasFiles       bool       `json:"has_files"`
	FilesCount     int        `json:"files_count"`
	Libraries      []string   `json:"libraries,omitempty"`
}

// LibraryResponse is returned by the library install and uninstall calls.
type LibraryResponse struct {
	Libraries []string `json:"libraries"`
	ExitCode  int      `json:"exit_code"`
	Output    string   `json:"output"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
