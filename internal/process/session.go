package process

import (
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	sessionSeparator = "========================================"
	errorTag         = "[ERROR]"
)

func writeHeader(w io.Writer, at time.Time, tenantID, sessionID string) error {
	_, err := fmt.Fprintf(w, "=== SCRIPT STARTING ===\nTime: %s\nTenant: %s\nSession: %s\n%s\n\n",
		at.Format(time.DateTime), tenantID, sessionID, sessionSeparator)
	return err
}

// formatLine renders one captured line. Standard output carries no tag.
func formatLine(at time.Time, stream Stream, sev Severity, text string) string {
	ts := at.Format(time.TimeOnly)
	if stream == Stdout {
		return "[" + ts + "] " + text + "\n"
	}
	return "[" + ts + "] [" + string(sev) + "] " + text + "\n"
}

func writeFooter(w io.Writer, at time.Time, code int) error {
	result := "SUCCESS"
	if code != 0 {
		result = fmt.Sprintf("FAILED (code: %d)", code)
	}
	_, err := fmt.Fprintf(w, "\n%s\n=== SCRIPT FINISHED ===\nTime: %s\nExit code: %d\nResult: %s\n%s\n",
		sessionSeparator, at.Format(time.DateTime), code, result, sessionSeparator)
	return err
}

// errorLines keeps only the lines tagged as errors.
func errorLines(content string) []string {
	var out []string
	for _, ln := range strings.Split(content, "\n") {
		if strings.Contains(ln, errorTag) {
			out = append(out, ln)
		}
	}
	return out
}
