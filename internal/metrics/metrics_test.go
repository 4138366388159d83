package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncStart("ok")
	IncStop("graceful")
	ObserveExit(true, 1.5)
	SetRunning(2)
	IncLogLine("stderr", "error")
	IncReaper("warned")
	ObserveScan(0.01)
	IncLibrary("install", false)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"scripthost_script_starts_total":         false,
		"scripthost_script_stops_total":          false,
		"scripthost_script_exits_total":          false,
		"scripthost_script_runtime_seconds":      false,
		"scripthost_script_running":              false,
		"scripthost_log_lines_total":             false,
		"scripthost_reaper_actions_total":        false,
		"scripthost_reaper_scan_duration_seconds": false,
		"scripthost_library_operations_total":     false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
}

func TestCollectorValues(t *testing.T) {
	regOK.Store(false)
	require.NoError(t, Register(prometheus.NewRegistry()))

	SetRunning(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(runningScripts))

	before := testutil.ToFloat64(reaperActions.WithLabelValues("blocked"))
	IncReaper("blocked")
	IncReaper("blocked")
	assert.Equal(t, before+2, testutil.ToFloat64(reaperActions.WithLabelValues("blocked")))

	lines := testutil.ToFloat64(logLines.WithLabelValues("stderr", "error"))
	IncLogLine("stderr", "error")
	assert.Equal(t, lines+1, testutil.ToFloat64(logLines.WithLabelValues("stderr", "error")))

	regOK.Store(false)
	SetRunning(9)
	assert.Equal(t, 3.0, testutil.ToFloat64(runningScripts), "unregistered metrics must not change")
}

func TestHandlerServesMetrics(t *testing.T) {
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	IncStart("ok")

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "scripthost_script_starts_total") {
		t.Fatalf("metrics output missing starts_total")
	}
}

func TestConcurrentIncrements(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncStart("ok")
			IncLogLine("stdout", "info")
			IncReaper("purged")
		}()
	}
	wg.Wait()
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}

func TestMetricsBeforeRegister(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	// no-ops; must not panic
	IncStart("ok")
	IncStop("killed")
	ObserveExit(false, 3)
	SetRunning(1)
	IncLogLine("stdout", "info")
	IncReaper("failed")
	ObserveScan(1)
}

func TestRegisterError(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	err := Register(errorRegisterer{})
	if err == nil {
		t.Fatal("Register should return error from failing registerer")
	}
	if err.Error() != "test registration error" {
		t.Fatalf("unexpected error: %v", err)
	}
}

type errorRegisterer struct{}

func (errorRegisterer) Register(prometheus.Collector) error {
	return errors.New("test registration error")
}

func (errorRegisterer) MustRegister(...prometheus.Collector) {}

func (errorRegisterer) Unregister(prometheus.Collector) bool { return false }
