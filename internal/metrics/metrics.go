package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	scriptStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scripthost",
			Subsystem: "script",
			Name:      "starts_total",
			Help:      "Number of start attempts by result (ok, already_running, not_found, spawn_error).",
		}, []string{"result"},
	)
	scriptStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scripthost",
			Subsystem: "script",
			Name:      "stops_total",
			Help:      "Number of stops by how the process ended (graceful or killed).",
		}, []string{"mode"},
	)
	scriptExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scripthost",
			Subsystem: "script",
			Name:      "exits_total",
			Help:      "Number of observed process exits by result (success or failure).",
		}, []string{"result"},
	)
	scriptRuntime = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "scripthost",
			Subsystem: "script",
			Name:      "runtime_seconds",
			Help:      "Wall-clock lifetime of tenant scripts.",
			Buckets:   []float64{1, 10, 60, 600, 3600, 6 * 3600, 24 * 3600},
		},
	)
	runningScripts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "scripthost",
			Subsystem: "script",
			Name:      "running",
			Help:      "Current number of live tenant scripts.",
		},
	)
	logLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scripthost",
			Subsystem: "log",
			Name:      "lines_total",
			Help:      "Classified script output lines by stream and severity.",
		}, []string{"stream", "severity"},
	)
	reaperActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scripthost",
			Subsystem: "reaper",
			Name:      "actions_total",
			Help:      "Expiry actions taken (warned, blocked, purged, failed).",
		}, []string{"action"},
	)
	reaperScanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "scripthost",
			Subsystem: "reaper",
			Name:      "scan_duration_seconds",
			Help:      "Duration of one full scan over tenant records.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	libraryOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scripthost",
			Subsystem: "library",
			Name:      "operations_total",
			Help:      "Package install and uninstall commands by action and result (ok or failed).",
		}, []string{"action", "result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{scriptStarts, scriptStops, scriptExits, scriptRuntime, runningScripts, logLines, reaperActions, reaperScanDuration, libraryOps}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(result string) {
	if regOK.Load() {
		scriptStarts.WithLabelValues(result).Inc()
	}
}

func IncStop(mode string) {
	if regOK.Load() {
		scriptStops.WithLabelValues(mode).Inc()
	}
}

func ObserveExit(success bool, seconds float64) {
	if !regOK.Load() {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	scriptExits.WithLabelValues(result).Inc()
	scriptRuntime.Observe(seconds)
}

func SetRunning(n int) {
	if regOK.Load() {
		runningScripts.Set(float64(n))
	}
}

func IncLogLine(stream, severity string) {
	if regOK.Load() {
		logLines.WithLabelValues(stream, severity).Inc()
	}
}

func IncReaper(action string) {
	if regOK.Load() {
		reaperActions.WithLabelValues(action).Inc()
	}
}

func ObserveScan(seconds float64) {
	if regOK.Load() {
		reaperScanDuration.Observe(seconds)
	}
}

func IncLibrary(action string, ok bool) {
	if !regOK.Load() {
		return
	}
	result := "failed"
	if ok {
		result = "ok"
	}
	libraryOps.WithLabelValues(action, result).Inc()
}
