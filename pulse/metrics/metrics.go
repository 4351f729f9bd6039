// Package metrics exports scheduler activity to Prometheus.
//
// Listener counts executions, vetoes, fires, misfires and completions as
// they happen; Collector reports point-in-time gauges from
// scheduler.Stats and the job store on every scrape.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/teranos/tempo/pulse/async"
	"github.com/teranos/tempo/pulse/schedule"
	"github.com/teranos/tempo/pulse/scheduler"
)

const (
	// Namespace prefixes every metric
	Namespace = "tempo"
	// Subsystem groups the scheduler metrics
	Subsystem = "scheduler"
)

// Listener feeds scheduler events into Prometheus counters. Register it as
// a job, trigger and scheduler listener.
type Listener struct {
	JobsExecuted    *prometheus.CounterVec
	JobDuration     *prometheus.HistogramVec
	JobsVetoed      *prometheus.CounterVec
	JobsRunning     prometheus.Gauge
	TriggersFired   *prometheus.CounterVec
	Misfires        *prometheus.CounterVec
	Completions     *prometheus.CounterVec
	Finalized       prometheus.Counter
	SchedulerErrors prometheus.Counter
}

// NewListener creates the counters and registers them with reg (the
// default registerer when nil)
func NewListener(reg prometheus.Registerer) *Listener {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Listener{
		JobsExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "jobs_executed_total",
			Help:      "Job executions by job group and result",
		}, []string{"job_group", "result"}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "job_duration_seconds",
			Help:      "Duration of job executions in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 16), // 5ms to ~3min
		}, []string{"job_group"}),
		JobsVetoed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "jobs_vetoed_total",
			Help:      "Job executions vetoed by a trigger listener",
		}, []string{"job_group"}),
		JobsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "jobs_running",
			Help:      "Jobs currently executing in this instance",
		}),
		TriggersFired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "triggers_fired_total",
			Help:      "Trigger fires by trigger group",
		}, []string{"trigger_group"}),
		Misfires: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "trigger_misfires_total",
			Help:      "Misfired triggers by trigger group and policy",
		}, []string{"trigger_group", "instruction"}),
		Completions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "trigger_completions_total",
			Help:      "Completion instructions handed to the job store",
		}, []string{"instruction"}),
		Finalized: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "triggers_finalized_total",
			Help:      "Triggers that will never fire again",
		}),
		SchedulerErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "errors_total",
			Help:      "Errors reported by the scheduler, such as job store outages",
		}),
	}
}

// Register adds l to s as a job, trigger and scheduler listener
func (l *Listener) Register(s *scheduler.Scheduler) {
	s.AddJobListener(l)
	s.AddTriggerListener(l)
	s.AddSchedulerListener(l)
}

// Name implements scheduler.JobListener and scheduler.TriggerListener
func (l *Listener) Name() string { return "prometheus" }

func (l *Listener) JobToBeExecuted(*schedule.ExecutionContext) { l.JobsRunning.Inc() }

func (l *Listener) JobExecutionVetoed(ec *schedule.ExecutionContext) {
	l.JobsVetoed.WithLabelValues(ec.JobKey().Group).Inc()
}

func (l *Listener) JobWasExecuted(ec *schedule.ExecutionContext) {
	result := ec.Result.Kind.String()
	if ec.Result.Failed() {
		result = "failure"
		if code := async.ClassifyError(ec.Result.Err); code != async.ErrorCodeNone {
			result += "_" + string(code)
		}
	}
	l.JobsRunning.Dec()
	l.JobsExecuted.WithLabelValues(ec.JobKey().Group, result).Inc()
	l.JobDuration.WithLabelValues(ec.JobKey().Group).Observe(ec.Duration.Seconds())
}

func (l *Listener) TriggerFired(ec *schedule.ExecutionContext) {
	l.TriggersFired.WithLabelValues(ec.TriggerKey().Group).Inc()
}

func (l *Listener) VetoJobExecution(*schedule.ExecutionContext) bool { return false }

func (l *Listener) TriggerMisfired(t *schedule.Trigger) {
	l.Misfires.WithLabelValues(t.Key.Group, t.MisfireInstruction.String()).Inc()
}

func (l *Listener) TriggerComplete(_ *schedule.ExecutionContext, instr schedule.CompletionInstruction) {
	l.Completions.WithLabelValues(instr.String()).Inc()
}

func (l *Listener) JobScheduled(*schedule.Trigger)     {}
func (l *Listener) JobUnscheduled(schedule.TriggerKey) {}
func (l *Listener) TriggerFinalized(*schedule.Trigger) { l.Finalized.Inc() }
func (l *Listener) JobAdded(*schedule.JobDetail)       {}
func (l *Listener) JobDeleted(schedule.JobKey)         {}
func (l *Listener) SchedulerStarted()                  {}
func (l *Listener) SchedulerInStandby()                {}
func (l *Listener) SchedulerShutdown()                 {}
func (l *Listener) SchedulerError(string, error)       { l.SchedulerErrors.Inc() }
