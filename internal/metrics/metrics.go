// Package metrics provides Prometheus-compatible instrumentation for both
// planes, adapted from the teacher's graph/metrics.go PrometheusMetrics —
// same optional-nil, namespaced-gauge/histogram/counter shape, now
// covering instances, checkpoints, containers, and wake ticks instead of
// graph node executions.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds every metric RUNTARA exposes. A nil *Collector is valid
// everywhere it's accepted — every method is a no-op guard on nil receiver,
// so metrics remain strictly optional the way the teacher's engine made
// PrometheusMetrics optional.
type Collector struct {
	mu sync.RWMutex

	runningInstances   *prometheus.GaugeVec
	suspendedInstances *prometheus.GaugeVec
	checkpointWrites   *prometheus.CounterVec
	checkpointReplays  *prometheus.CounterVec
	signalDeliveries   *prometheus.CounterVec
	containerLaunches  *prometheus.CounterVec
	containerLaunchMS  *prometheus.HistogramVec
	wakeTickBatch      prometheus.Histogram
	wakeTickRelaunched prometheus.Counter
	terminations       *prometheus.CounterVec

	registry prometheus.Registerer
}

// New registers and returns a Collector against reg. Pass
// prometheus.NewRegistry() for an isolated registry in tests, or
// prometheus.DefaultRegisterer in production.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		runningInstances: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "runtara_running_instances",
			Help: "Current number of running instances, labeled by tenant.",
		}, []string{"tenant"}),
		suspendedInstances: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "runtara_suspended_instances",
			Help: "Current number of suspended instances, labeled by tenant and reason.",
		}, []string{"tenant", "reason"}),
		checkpointWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runtara_checkpoint_writes_total",
			Help: "Checkpoint write calls, labeled by outcome (fresh, replayed, retry_audit).",
		}, []string{"outcome"}),
		checkpointReplays: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runtara_checkpoint_replays_total",
			Help: "Checkpoint calls that returned a previously stored value.",
		}, []string{"tenant"}),
		signalDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runtara_signal_deliveries_total",
			Help: "Control signals attached to checkpoint responses or returned by poll_signals.",
		}, []string{"kind"}),
		containerLaunches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runtara_container_launches_total",
			Help: "Container launch attempts, labeled by outcome.",
		}, []string{"outcome"}),
		containerLaunchMS: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "runtara_container_launch_ms",
			Help:    "Container launch latency in milliseconds.",
			Buckets: []float64{5, 25, 100, 250, 500, 1000, 5000, 15000},
		}, []string{"runner_kind"}),
		wakeTickBatch: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "runtara_wake_tick_batch_size",
			Help:    "Number of suspended instances relaunched per wake-scheduler tick.",
			Buckets: prometheus.LinearBuckets(0, 5, 10),
		}),
		wakeTickRelaunched: factory.NewCounter(prometheus.CounterOpts{
			Name: "runtara_wake_relaunched_total",
			Help: "Total instances relaunched by the wake scheduler.",
		}),
		terminations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runtara_instance_terminations_total",
			Help: "Terminal instance transitions, labeled by termination_reason.",
		}, []string{"termination_reason"}),
	}
}

func (c *Collector) SetRunningInstances(tenant string, n float64) {
	if c == nil {
		return
	}
	c.runningInstances.WithLabelValues(tenant).Set(n)
}

func (c *Collector) SetSuspendedInstances(tenant, reason string, n float64) {
	if c == nil {
		return
	}
	c.suspendedInstances.WithLabelValues(tenant, reason).Set(n)
}

func (c *Collector) ObserveCheckpointWrite(outcome string) {
	if c == nil {
		return
	}
	c.checkpointWrites.WithLabelValues(outcome).Inc()
}

func (c *Collector) ObserveCheckpointReplay(tenant string) {
	if c == nil {
		return
	}
	c.checkpointReplays.WithLabelValues(tenant).Inc()
}

func (c *Collector) ObserveSignalDelivery(kind string) {
	if c == nil {
		return
	}
	c.signalDeliveries.WithLabelValues(kind).Inc()
}

func (c *Collector) ObserveContainerLaunch(outcome, runnerKind string, dur time.Duration) {
	if c == nil {
		return
	}
	c.containerLaunches.WithLabelValues(outcome).Inc()
	c.containerLaunchMS.WithLabelValues(runnerKind).Observe(float64(dur.Milliseconds()))
}

func (c *Collector) ObserveWakeTick(relaunched int) {
	if c == nil {
		return
	}
	c.wakeTickBatch.Observe(float64(relaunched))
	c.wakeTickRelaunched.Add(float64(relaunched))
}

func (c *Collector) ObserveTermination(reason string) {
	if c == nil {
		return
	}
	c.terminations.WithLabelValues(reason).Inc()
}
