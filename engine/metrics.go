package engine

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats is a point-in-time snapshot of engine activity.
type Stats struct {
	TotalWorkflows     int64 `json:"total_workflows"`
	RunningWorkflows   int   `json:"running_workflows"`
	CompletedWorkflows int64 `json:"completed_workflows"`
	FailedWorkflows    int64 `json:"failed_workflows"`
	CancelledWorkflows int64 `json:"cancelled_workflows"`
	QueuedWorkflows    int   `json:"queued_workflows"`

	// AvgDuration is the rolling average over completed workflows.
	AvgDuration time.Duration `json:"avg_duration"`

	// SystemLoad is running workflows over the concurrency cap.
	SystemLoad float64 `json:"system_load"`

	// Utilization is per-role busy-time over wall-time for the last
	// metrics interval.
	Utilization map[string]float64 `json:"utilization"`
}

// Stats returns the current snapshot.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Stats{
		TotalWorkflows:     e.totalN,
		RunningWorkflows:   e.runningN,
		CompletedWorkflows: e.completedN,
		FailedWorkflows:    e.failedN,
		CancelledWorkflows: e.cancelled,
		QueuedWorkflows:    len(e.queue),
		SystemLoad:         float64(e.runningN) / float64(e.maxConcurrent),
		Utilization:        make(map[string]float64, len(e.utilization)),
	}
	if e.durationCount > 0 {
		s.AvgDuration = e.durationSum / time.Duration(e.durationCount)
	}
	for role, u := range e.utilization {
		s.Utilization[role] = u
	}
	return s
}

func (e *Engine) metricsLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.metricsOnce(time.Now())
		}
	}
}

// metricsOnce closes the busy-time interval for every worker and derives
// per-role utilization for the elapsed window.
func (e *Engine) metricsOnce(now time.Time) {
	e.mu.Lock()

	elapsed := now.Sub(e.lastMetrics)
	e.lastMetrics = now

	busy := make(map[string]time.Duration)
	count := make(map[string]int)
	for _, w := range e.workers {
		if w.status == WorkerBusy {
			w.busyAccum += now.Sub(w.busySince)
			w.busySince = now
		}
		busy[w.role] += w.busyAccum
		count[w.role]++
		w.busyAccum = 0
	}

	e.utilization = make(map[string]float64, len(busy))
	if elapsed > 0 {
		for role, d := range busy {
			e.utilization[role] = float64(d) / (float64(elapsed) * float64(count[role]))
		}
	}

	stats := Stats{
		TotalWorkflows:   e.totalN,
		RunningWorkflows: e.runningN,
		QueuedWorkflows:  len(e.queue),
	}
	e.mu.Unlock()

	e.logger.Debug("engine metrics",
		"total", stats.TotalWorkflows,
		"running", stats.RunningWorkflows,
		"queued", stats.QueuedWorkflows,
	)
}

// collector exposes engine gauges to Prometheus from the Stats snapshot.
type collector struct {
	engine *Engine

	total       *prometheus.Desc
	running     *prometheus.Desc
	completed   *prometheus.Desc
	failed      *prometheus.Desc
	cancelled   *prometheus.Desc
	queued      *prometheus.Desc
	avgDuration *prometheus.Desc
	load        *prometheus.Desc
	utilization *prometheus.Desc
}

// Collector returns a Prometheus collector over the engine counters.
func (e *Engine) Collector() prometheus.Collector {
	return &collector{
		engine: e,
		total: prometheus.NewDesc("lexstream_workflows_total",
			"Workflows submitted since start.", nil, nil),
		running: prometheus.NewDesc("lexstream_workflows_running",
			"Workflows currently running.", nil, nil),
		completed: prometheus.NewDesc("lexstream_workflows_completed_total",
			"Workflows finished successfully.", nil, nil),
		failed: prometheus.NewDesc("lexstream_workflows_failed_total",
			"Workflows finished failed.", nil, nil),
		cancelled: prometheus.NewDesc("lexstream_workflows_cancelled_total",
			"Workflows cancelled.", nil, nil),
		queued: prometheus.NewDesc("lexstream_workflows_queued",
			"Workflows waiting for a running slot.", nil, nil),
		avgDuration: prometheus.NewDesc("lexstream_workflow_duration_seconds_avg",
			"Rolling average duration of completed workflows.", nil, nil),
		load: prometheus.NewDesc("lexstream_system_load",
			"Running workflows over the concurrency cap.", nil, nil),
		utilization: prometheus.NewDesc("lexstream_worker_utilization",
			"Per-role busy-time fraction over the last metrics interval.",
			[]string{"role"}, nil),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.total
	ch <- c.running
	ch <- c.completed
	ch <- c.failed
	ch <- c.cancelled
	ch <- c.queued
	ch <- c.avgDuration
	ch <- c.load
	ch <- c.utilization
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	s := c.engine.Stats()
	ch <- prometheus.MustNewConstMetric(c.total, prometheus.CounterValue, float64(s.TotalWorkflows))
	ch <- prometheus.MustNewConstMetric(c.running, prometheus.GaugeValue, float64(s.RunningWorkflows))
	ch <- prometheus.MustNewConstMetric(c.completed, prometheus.CounterValue, float64(s.CompletedWorkflows))
	ch <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, float64(s.FailedWorkflows))
	ch <- prometheus.MustNewConstMetric(c.cancelled, prometheus.CounterValue, float64(s.CancelledWorkflows))
	ch <- prometheus.MustNewConstMetric(c.queued, prometheus.GaugeValue, float64(s.QueuedWorkflows))
	ch <- prometheus.MustNewConstMetric(c.avgDuration, prometheus.GaugeValue, s.AvgDuration.Seconds())
	ch <- prometheus.MustNewConstMetric(c.load, prometheus.GaugeValue, s.SystemLoad)
	for role, u := range s.Utilization {
		ch <- prometheus.MustNewConstMetric(c.utilization, prometheus.GaugeValue, u, role)
	}
}
