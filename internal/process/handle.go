package process

import (
	"io"
	"os/exec"
	"sync"
	"time"
)

// Handle is a snapshot of a tenant's script session.
type Handle struct {
	TenantID  string    `json:"tenant_id"`
	SessionID string    `json:"session_id"`
	PID       int       `json:"pid"`
	Entry     string    `json:"entry"`
	Runtime   string    `json:"runtime"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	// ExitCode stays nil while the process is alive. Negative values are the
	// number of the signal that terminated it.
	ExitCode *int `json:"exit_code,omitempty"`
}

// Running reports whether the snapshot was taken while the process was alive.
func (h Handle) Running() bool { return h.ExitCode == nil }

// proc is the registry entry owning one child process.
type proc struct {
	cmd *exec.Cmd
	log io.WriteCloser
	// done is closed by the drain goroutine once the child is reaped, its
	// output drained and the footer written.
	done chan struct{}

	mu sync.Mutex
	h  Handle
}

func (p *proc) snapshot() Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := p.h
	if h.ExitCode != nil {
		c := *h.ExitCode
		h.ExitCode = &c
	}
	return h
}

func (p *proc) exited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.h.ExitCode != nil
}

func (p *proc) markExited(code int, at time.Time) {
	p.mu.Lock()
	p.h.ExitCode = &code
	p.h.StoppedAt = at
	p.mu.Unlock()
}
