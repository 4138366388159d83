package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"
)

// Client talks to a scripthost daemon over its HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	CACert   string       // PEM file used to verify an HTTPS endpoint
	Insecure bool         // Skip TLS verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080/api",
		Timeout: 30 * time.Second,
	}
}

// APIError is a non-200 answer from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// New creates a new API client.
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.CACert != "" || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	caCert, err := os.ReadFile(config.CACert)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tenants", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	c.logger.Debug("Daemon reachability check", "status", resp.StatusCode)
	return resp.StatusCode == http.StatusOK
}

func (c *Client) tenantURL(tenantID, action string) string {
	u := c.baseURL + "/tenants/" + url.PathEscape(tenantID)
	if action != "" {
		u += "/" + action
	}
	return u
}

// Running lists the live script sessions.
func (c *Client) Running(ctx context.Context) ([]Handle, error) {
	var out []Handle
	err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/tenants", nil, "", &out)
	return out, err
}

// Tenant fetches the tenant record.
func (c *Client) Tenant(ctx context.Context, tenantID string) (Tenant, error) {
	var out Tenant
	err := c.doJSON(ctx, http.MethodGet, c.tenantURL(tenantID, ""), nil, "", &out)
	return out, err
}

// Start launches the tenant's script.
func (c *Client) Start(ctx context.Context, tenantID string) (StartResponse, error) {
	c.logger.Debug("Starting script", "tenant", tenantID)
	var out StartResponse
	err := c.doJSON(ctx, http.MethodPost, c.tenantURL(tenantID, "start"), nil, "", &out)
	return out, err
}

// Stop stops the tenant's script and reports whether anything was running.
func (c *Client) Stop(ctx context.Context, tenantID string) (bool, error) {
	c.logger.Debug("Stopping script", "tenant", tenantID)
	var out stopResponse
	err := c.doJSON(ctx, http.MethodPost, c.tenantURL(tenantID, "stop"), nil, "", &out)
	return out.Stopped, err
}

func (c *Client) Status(ctx context.Context, tenantID string) (StatusResponse, error) {
	var out StatusResponse
	err := c.doJSON(ctx, http.MethodGet, c.tenantURL(tenantID, "status"), nil, "", &out)
	return out, err
}

// Logs returns the full session log.
func (c *Client) Logs(ctx context.Context, tenantID string) (string, error) {
	var out textResponse
	err := c.doJSON(ctx, http.MethodGet, c.tenantURL(tenantID, "logs"), nil, "", &out)
	return out.Text, err
}

// Errors returns the error report of the session log.
func (c *Client) Errors(ctx context.Context, tenantID string) (string, error) {
	var out textResponse
	err := c.doJSON(ctx, http.MethodGet, c.tenantURL(tenantID, "errors"), nil, "", &out)
	return out.Text, err
}

func (c *Client) Usage(ctx context.Context, tenantID string) (Usage, error) {
	var out Usage
	err := c.doJSON(ctx, http.MethodGet, c.tenantURL(tenantID, "usage"), nil, "", &out)
	return out, err
}

// Entry reports which file the daemon would run for the tenant.
func (c *Client) Entry(ctx context.Context, tenantID string) (Entry, error) {
	var out Entry
	err := c.doJSON(ctx, http.MethodGet, c.tenantURL(tenantID, "entry"), nil, "", &out)
	return out, err
}

func (c *Client) Files(ctx context.Context, tenantID string) ([]string, error) {
	var out []string
	err := c.doJSON(ctx, http.MethodGet, c.tenantURL(tenantID, "files"), nil, "", &out)
	return out, err
}

func (c *Client) DeleteFiles(ctx context.Context, tenantID string) error {
	return c.doJSON(ctx, http.MethodDelete, c.tenantURL(tenantID, "files"), nil, "", nil)
}

// Upload sends a zip archive that replaces the tenant workspace.
func (c *Client) Upload(ctx context.Context, tenantID string, archive []byte) (UploadResponse, error) {
	c.logger.Debug("Uploading workspace", "tenant", tenantID, "bytes", len(archive))
	var out UploadResponse
	err := c.doJSON(ctx, http.MethodPost, c.tenantURL(tenantID, "upload"), archive, "application/zip", &out)
	return out, err
}

// Download streams the workspace zip into w.
func (c *Client) Download(ctx context.Context, tenantID string, w io.Writer) error {
	resp, err := c.do(ctx, http.MethodGet, c.tenantURL(tenantID, "download"), nil, "")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

// Libraries lists the packages recorded as installed for the tenant.
func (c *Client) Libraries(ctx context.Context, tenantID string) ([]string, error) {
	var out []string
	err := c.doJSON(ctx, http.MethodGet, c.tenantURL(tenantID, "libraries"), nil, "", &out)
	return out, err
}

// InstallLibrary installs one requirement specifier such as "requests==2.31".
// A failed pip run comes back as an *APIError carrying its error lines.
func (c *Client) InstallLibrary(ctx context.Context, tenantID, name string) (LibraryResponse, error) {
	c.logger.Debug("Installing library", "tenant", tenantID, "name", name)
	body, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return LibraryResponse{}, err
	}
	var out LibraryResponse
	err = c.doJSON(ctx, http.MethodPost, c.tenantURL(tenantID, "libraries"), body, "application/json", &out)
	return out, err
}

// InstallRequirements installs the workspace requirements.txt.
func (c *Client) InstallRequirements(ctx context.Context, tenantID string) (LibraryResponse, error) {
	var out LibraryResponse
	err := c.doJSON(ctx, http.MethodPost, c.tenantURL(tenantID, "libraries/requirements"), nil, "", &out)
	return out, err
}

func (c *Client) UninstallLibrary(ctx context.Context, tenantID, name string) (LibraryResponse, error) {
	var out LibraryResponse
	err := c.doJSON(ctx, http.MethodDelete, c.tenantURL(tenantID, "libraries/"+url.PathEscape(name)), nil, "", &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, u string, body []byte, contentType string) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", u)
		return nil, fmt.Errorf("do request: %w", err)
	}
	return resp, nil
}

// doJSON performs a request and decodes a 200 answer into out when out is non-nil.
func (c *Client) doJSON(ctx context.Context, method, u string, body []byte, contentType string, out any) error {
	resp, err := c.do(ctx, method, u, body, contentType)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		c.logger.Error("Failed to decode error response", "status", resp.StatusCode)
		return &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: errorResp.Error}
}
