package process

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyRunning = errors.New("script already running")
	ErrFileNotFound   = errors.New("entry file not found")
	ErrUnknownRuntime = errors.New("unknown runtime version")
)

// SpawnError reports that the operating system refused to start the interpreter.
type SpawnError struct {
	TenantID string
	Err      error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("start script for tenant %s: %v", e.TenantID, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }
