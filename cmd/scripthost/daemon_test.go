package main

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func sleepShort() { time.Sleep(20 * time.Millisecond) }

func TestPidFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "test_daemon.pid")
	if err := writePidFile(pidFile, os.Getpid()); err != nil {
		t.Fatalf("writePidFile failed: %v", err)
	}
	data, err := os.ReadFile(pidFile)
	if err != nil || string(data) != strconv.Itoa(os.Getpid()) {
		t.Fatalf("unexpected pid file content %q: %v", data, err)
	}
	if err := removePidFile(pidFile); err != nil {
		t.Fatalf("removePidFile failed: %v", err)
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Fatal("PID file was not removed")
	}
	if err := removePidFile(""); err != nil {
		t.Fatalf("empty pid file path should be a no-op: %v", err)
	}
}
