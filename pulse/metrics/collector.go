package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/teranos/tempo/logger"
	"github.com/teranos/tempo/pulse/scheduler"
)

// storeQueryTimeout bounds the job store count taken on each scrape
const storeQueryTimeout = 2 * time.Second

// Collector reports a scheduler's Stats and job store contents as gauges
type Collector struct {
	sched *scheduler.Scheduler
	log   *zap.SugaredLogger

	up                 *prometheus.Desc
	pendingCompletions *prometheus.Desc
	executing          *prometheus.Desc
	workersBusy        *prometheus.Desc
	workersTotal       *prometheus.Desc
	storeFailures      *prometheus.Desc
	completionRetries  *prometheus.Desc
	jobs               *prometheus.Desc
	calendars          *prometheus.Desc
	triggers           *prometheus.Desc
}

// NewCollector creates a collector for s. Register it with a
// prometheus.Registerer.
func NewCollector(s *scheduler.Scheduler) *Collector {
	labels := prometheus.Labels{"scheduler": s.Name(), "instance_id": s.InstanceID()}
	desc := func(name, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(Namespace, Subsystem, name), help, variable, labels)
	}
	return &Collector{
		sched:              s,
		log:                logger.ComponentLogger("pulse.metrics"),
		up:                 desc("started", "1 when the scheduler is firing triggers"),
		pendingCompletions: desc("pending_completions", "Finished jobs the job store has not recorded yet"),
		executing:          desc("executing", "Jobs executing in this instance"),
		workersBusy:        desc("workers_busy", "Busy workers in the pool"),
		workersTotal:       desc("workers_total", "Size of the worker pool"),
		storeFailures:      desc("store_failures", "Failed trigger acquisitions since start"),
		completionRetries:  desc("completion_retries", "Retried completion writes since start"),
		jobs:               desc("store_jobs", "Jobs in the job store"),
		calendars:          desc("store_calendars", "Calendars in the job store"),
		triggers:           desc("store_triggers", "Triggers in the job store by state", "state"),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.up, c.pendingCompletions, c.executing, c.workersBusy, c.workersTotal,
		c.storeFailures, c.completionRetries, c.jobs, c.calendars, c.triggers,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.sched.Stats()

	up := 0.0
	if st.State == "started" {
		up = 1
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}

	gauge(c.up, up)
	gauge(c.pendingCompletions, float64(st.PendingCompletions))
	gauge(c.executing, float64(st.Executing))
	gauge(c.workersBusy, float64(st.Workers.WorkersActive))
	gauge(c.workersTotal, float64(st.Workers.WorkersTotal))
	counter(c.storeFailures, st.StoreFailures)
	counter(c.completionRetries, st.CompletionRetries)

	ctx, cancel := context.WithTimeout(context.Background(), storeQueryTimeout)
	defer cancel()
	counts, err := c.sched.StoreCounts(ctx)
	if err != nil {
		c.log.Warnw("Failed to count job store contents for metrics", logger.FieldError, err)
		return
	}
	gauge(c.jobs, float64(counts.Jobs))
	gauge(c.calendars, float64(counts.Calendars))
	for state, n := range counts.States {
		gauge(c.triggers, float64(n), string(state))
	}
}
