// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/mgo/v3/bson"
	"github.com/juju/pubsub/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/juju/hostpool/pubsub/lifecycle"
	"github.com/juju/hostpool/state"
)

const metricsNamespace = "hostpool"

// scrapeStatuses are the machine statuses counted at scrape time.
// Deleted machines leave the store, so there is nothing to count.
var scrapeStatuses = []state.Status{
	state.StatusNew,
	state.StatusPreparing,
	state.StatusReady,
	state.StatusReserved,
	state.StatusTeardown,
	state.StatusFailed,
}

// Collector is a prometheus.Collector for the broker: machine counts
// straight from the store at scrape time, task and sweep activity fed
// by the lifecycle hub.
type Collector struct {
	pool  *state.Pool
	clock clock.Clock

	machines          *prometheus.GaugeVec
	tasksStarted      *prometheus.CounterVec
	tasksCompleted    *prometheus.CounterVec
	provisionDuration prometheus.Histogram
	sweptExpired      prometheus.Counter
	sweptDead         prometheus.Counter

	mu         sync.Mutex
	provisions map[string]time.Time
}

// NewCollector returns a collector over the given store.
func NewCollector(pool *state.Pool, clk clock.Clock) *Collector {
	return &Collector{
		pool:       pool,
		clock:      clk,
		provisions: make(map[string]time.Time),
		machines: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "machines",
				Help:      "The number of machines in the pool, by status.",
			}, []string{"status"},
		),
		tasksStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "tasks_started_total",
				Help:      "The number of tasks started, by kind.",
			}, []string{"kind"},
		),
		tasksCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "tasks_completed_total",
				Help:      "The number of tasks completed, by kind and result.",
			}, []string{"kind", "result"},
		),
		provisionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "provision_duration_seconds",
				Help:      "The time taken by provisioning tasks.",
				Buckets:   []float64{10, 60, 300, 900, 1800, 3600, 7200},
			},
		),
		sweptExpired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "swept_expired_total",
				Help:      "The number of expired machines sent to teardown by the house keeper.",
			},
		),
		sweptDead: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "swept_dead_total",
				Help:      "The number of dead machines deleted by the house keeper.",
			},
		),
	}
}

// subscribe feeds the collector from the lifecycle hub, returning a
// function that undoes every subscription.
func (c *Collector) subscribe(hub *pubsub.SimpleHub) func() {
	unsubs := []func(){
		hub.Subscribe(lifecycle.TaskStartedTopic, c.taskStarted),
		hub.Subscribe(lifecycle.TaskDoneTopic, c.taskDone),
		hub.Subscribe(lifecycle.SweepTopic, c.swept),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

func (c *Collector) taskStarted(topic string, data interface{}) {
	event, ok := data.(*lifecycle.TaskEvent)
	if !ok {
		return
	}
	c.tasksStarted.WithLabelValues(event.Kind).Inc()
	if event.Kind == "provision" {
		c.mu.Lock()
		c.provisions[event.UUID] = c.clock.Now()
		c.mu.Unlock()
	}
}

func (c *Collector) taskDone(topic string, data interface{}) {
	event, ok := data.(*lifecycle.TaskEvent)
	if !ok {
		return
	}
	c.tasksCompleted.WithLabelValues(event.Kind, event.Result).Inc()
	c.mu.Lock()
	started, ok := c.provisions[event.UUID]
	delete(c.provisions, event.UUID)
	c.mu.Unlock()
	if ok {
		c.provisionDuration.Observe(c.clock.Now().Sub(started).Seconds())
	}
}

func (c *Collector) swept(topic string, data interface{}) {
	event, ok := data.(*lifecycle.SweepEvent)
	if !ok {
		return
	}
	c.sweptExpired.Add(float64(event.Expired))
	c.sweptDead.Add(float64(event.Dead))
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.machines.Describe(ch)
	c.tasksStarted.Describe(ch)
	c.tasksCompleted.Describe(ch)
	c.provisionDuration.Describe(ch)
	c.sweptExpired.Describe(ch)
	c.sweptDead.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, status := range scrapeStatuses {
		count, err := c.pool.CountMachines(bson.D{{"status", string(status)}})
		if err != nil {
			logger.Warningf("cannot count %s machines: %v", status, err)
			continue
		}
		c.machines.WithLabelValues(string(status)).Set(float64(count))
	}
	c.machines.Collect(ch)
	c.tasksStarted.Collect(ch)
	c.tasksCompleted.Collect(ch)
	c.provisionDuration.Collect(ch)
	c.sweptExpired.Collect(ch)
	c.sweptDead.Collect(ch)
}
