// Package metrics exposes the exec source's Prometheus metrics over HTTP
// and writes final snapshots to disk.
//
// The telemetry package owns the per-event component_* and command_*
// families. The Collector here adds source-level process gauges:
//   - Process lifecycle: starts, restarts, exits, uptime
//   - Pipeline health: lines read and dropped per stream, degradation
//   - Throughput: rolling record and byte rates
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-exec-source/internal/timeseries"
)

// Exit categories for exec_source_process_exits_total.
const (
	ExitSuccess = "success"
	ExitError   = "error"
	ExitSignal  = "signal"
)

// Collector manages the source-level Prometheus metrics.
type Collector struct {
	info       *prometheus.GaugeVec
	running    prometheus.Gauge
	starts     prometheus.Counter
	restarts   prometheus.Counter
	exits      *prometheus.CounterVec
	uptime     prometheus.Histogram
	linesRead  *prometheus.GaugeVec
	linesDrop  *prometheus.GaugeVec
	degraded   prometheus.Gauge
	lastPID    prometheus.Gauge
	startTime  prometheus.Gauge
	elapsedSec prometheus.GaugeFunc
	eventsRate *prometheus.GaugeVec
	bytesRate  *prometheus.GaugeVec
}

// CollectorConfig holds the labels of the info series.
type CollectorConfig struct {
	Version string
	Command string
	Mode    string
}

// NewCollector creates a collector on the default registry.
func NewCollector(cfg CollectorConfig) *Collector {
	return NewCollectorWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector with a custom registry.
func NewCollectorWithRegistry(cfg CollectorConfig, registry prometheus.Registerer) *Collector {
	started := time.Now()

	c := &Collector{
		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "exec_source_info",
			Help: "Information about the exec source (value always 1)",
		}, []string{"version", "command", "mode"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exec_source_process_running",
			Help: "1 while a child process is running",
		}),
		starts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exec_source_process_starts_total",
			Help: "Child processes started",
		}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exec_source_process_restarts_total",
			Help: "Streaming-mode respawns",
		}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exec_source_process_exits_total",
			Help: "Child process exits by category",
		}, []string{"category"}),
		uptime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "exec_source_process_uptime_seconds",
			Help:    "Lifetime of each child process",
			Buckets: []float64{0.01, 0.1, 1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		}),
		linesRead: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "exec_source_pipeline_lines_read",
			Help: "Lines read from the current child's output streams",
		}, []string{"stream"}),
		linesDrop: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "exec_source_pipeline_lines_dropped",
			Help: "Lines dropped from the current child's output streams",
		}, []string{"stream"}),
		degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exec_source_pipeline_degraded",
			Help: "1 if the drop rate exceeds the configured threshold",
		}),
		lastPID: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exec_source_process_last_pid",
			Help: "PID of the most recently started child",
		}),
		startTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exec_source_start_time_seconds",
			Help: "Unix time the exec source started",
		}),
		eventsRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "exec_source_events_per_second",
			Help: "Records per second averaged over the window",
		}, []string{"window"}),
		bytesRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "exec_source_bytes_per_second",
			Help: "Encoded record bytes per second averaged over the window",
		}, []string{"window"}),
	}
	c.elapsedSec = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "exec_source_elapsed_seconds",
		Help: "Seconds since the exec source started",
	}, func() float64 { return time.Since(started).Seconds() })

	registry.MustRegister(
		c.info,
		c.running,
		c.starts,
		c.restarts,
		c.exits,
		c.uptime,
		c.linesRead,
		c.linesDrop,
		c.degraded,
		c.lastPID,
		c.startTime,
		c.elapsedSec,
		c.eventsRate,
		c.bytesRate,
	)

	c.info.WithLabelValues(cfg.Version, cfg.Command, cfg.Mode).Set(1)
	c.startTime.Set(float64(started.Unix()))

	return c
}

// ProcessStarted records a child start.
func (c *Collector) ProcessStarted(pid int) {
	c.starts.Inc()
	c.running.Set(1)
	c.lastPID.Set(float64(pid))
}

// ProcessRestarted records a respawn.
func (c *Collector) ProcessRestarted() {
	c.restarts.Inc()
}

// ProcessExited records a child exit. A nil exit status means the child
// was terminated by a signal.
func (c *Collector) ProcessExited(exitStatus *int, uptime time.Duration) {
	c.running.Set(0)
	c.exits.WithLabelValues(ExitCategory(exitStatus)).Inc()
	c.uptime.Observe(uptime.Seconds())
}

// SetPipelineStats publishes the current child's pipeline counters.
func (c *Collector) SetPipelineStats(stdoutRead, stdoutDropped, stderrRead, stderrDropped int64, degraded bool) {
	c.linesRead.WithLabelValues("stdout").Set(float64(stdoutRead))
	c.linesRead.WithLabelValues("stderr").Set(float64(stderrRead))
	c.linesDrop.WithLabelValues("stdout").Set(float64(stdoutDropped))
	c.linesDrop.WithLabelValues("stderr").Set(float64(stderrDropped))
	if degraded {
		c.degraded.Set(1)
	} else {
		c.degraded.Set(0)
	}
}

// SetRates publishes rolling throughput.
func (c *Collector) SetRates(r timeseries.Rates) {
	for _, w := range r.Windows {
		c.eventsRate.WithLabelValues(w.Label()).Set(w.EventsPerSec)
		c.bytesRate.WithLabelValues(w.Label()).Set(w.BytesPerSec)
	}
}

// ExitCategory buckets an exit status.
func ExitCategory(exitStatus *int) string {
	switch {
	case exitStatus == nil || *exitStatus > 128:
		return ExitSignal
	case *exitStatus == 0:
		return ExitSuccess
	default:
		return ExitError
	}
}
