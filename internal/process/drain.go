package process

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/loykin/scripthost/internal/history"
	"github.com/loykin/scripthost/internal/metrics"
)

type captured struct {
	stream Stream
	text   string
}

// drain copies both output streams into the session log and reaps the child.
// The exit is recorded as soon as the script itself ends; output still held
// open by its background children is read for at most DrainTimeout more.
// drain is the only writer of the log after Start returns.
func (r *Runner) drain(p *proc, stdout, stderr *os.File) {
	h := p.snapshot()
	exited := make(chan struct{})
	lines := r.pump(stdout, stderr, exited)

	var (
		code int
		at   time.Time
	)
	go func() {
		waitErr := p.cmd.Wait()
		code = exitCode(p.cmd.ProcessState)
		var ee *exec.ExitError
		if waitErr != nil && !errors.As(waitErr, &ee) {
			slog.Warn("wait for script failed", "tenant", h.TenantID, "pid", h.PID, "error", waitErr)
		}
		at = time.Now()
		p.markExited(code, at)
		r.updateRunning()
		close(exited)
	}()

	for ln := range lines {
		v := r.classifier.Classify(ln.stream, ln.text)
		if _, err := io.WriteString(p.log, formatLine(time.Now(), ln.stream, v.Severity, ln.text)); err != nil {
			slog.Warn("session log write failed", "tenant", h.TenantID, "error", err)
		}
		metrics.IncLogLine(string(ln.stream), string(v.Severity))
	}
	<-exited

	_ = writeFooter(p.log, time.Now(), code)
	if err := p.log.Close(); err != nil {
		slog.Warn("close session log", "tenant", h.TenantID, "error", err)
	}
	close(p.done)

	metrics.ObserveExit(code == 0, at.Sub(h.StartedAt).Seconds())
	slog.Info("script exited", "tenant", h.TenantID, "pid", h.PID, "code", code, "runtime", at.Sub(h.StartedAt).Round(time.Millisecond))
	history.Emit(context.Background(), r.opts.History, history.Event{
		Type:       history.EventScriptExit,
		TenantID:   h.TenantID,
		SessionID:  h.SessionID,
		PID:        h.PID,
		ExitCode:   history.Code(code),
		OccurredAt: at.UTC(),
	})
}

// pump reads both streams into the returned channel, which is closed once
// both reach EOF. After exited is closed the streams get DrainTimeout more
// before their read ends are closed.
func (r *Runner) pump(stdout, stderr *os.File, exited <-chan struct{}) <-chan captured {
	lines := make(chan captured, 64)
	readersDone := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go readLines(stdout, Stdout, lines, &wg)
	go readLines(stderr, Stderr, lines, &wg)
	go func() {
		wg.Wait()
		close(lines)
		close(readersDone)
	}()
	go func() {
		<-exited
		t := time.NewTimer(r.opts.DrainTimeout)
		defer t.Stop()
		select {
		case <-readersDone:
		case <-t.C:
			slog.Debug("output still open after exit, closing")
		}
		_ = stdout.Close()
		_ = stderr.Close()
	}()
	return lines
}

// readLines forwards non-blank lines of src. Lines of any length are
// accepted and invalid UTF-8 is replaced rather than dropped.
func readLines(src io.Reader, stream Stream, out chan<- captured, wg *sync.WaitGroup) {
	defer wg.Done()
	br := bufio.NewReaderSize(src, 64*1024)
	for {
		line, err := br.ReadString('\n')
		if text := strings.TrimSpace(strings.ToValidUTF8(line, "�")); text != "" {
			out <- captured{stream: stream, text: text}
		}
		if err != nil {
			return
		}
	}
}
