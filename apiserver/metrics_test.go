// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver_test

import (
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/pubsub/v2"
	jc "github.com/juju/testing/checkers"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	gc "gopkg.in/check.v1"

	"github.com/juju/hostpool/apiserver"
	"github.com/juju/hostpool/pubsub/lifecycle"
	"github.com/juju/hostpool/state"
	coretesting "github.com/juju/hostpool/testing"
)

type metricsSuite struct {
	coretesting.BaseSuite
	pool      *state.Pool
	clock     *testclock.Clock
	hub       *pubsub.SimpleHub
	collector *apiserver.Collector
	registry  *prometheus.Registry
	unsub     func()
}

var _ = gc.Suite(&metricsSuite{})

func (s *metricsSuite) SetUpTest(c *gc.C) {
	s.BaseSuite.SetUpTest(c)
	s.pool = state.NewMemory()
	s.clock = testclock.NewClock(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	s.hub = pubsub.NewSimpleHub(nil)
	s.collector = apiserver.NewCollector(s.pool, s.clock)
	s.unsub = apiserver.Subscribe(s.collector, s.hub)
	s.registry = prometheus.NewRegistry()
	c.Assert(s.registry.Register(s.collector), jc.ErrorIsNil)
}

func (s *metricsSuite) TearDownTest(c *gc.C) {
	s.unsub()
	c.Check(s.pool.Close(), jc.ErrorIsNil)
	s.BaseSuite.TearDownTest(c)
}

// publish pushes an event through the hub and waits for the handlers
// to run.
func (s *metricsSuite) publish(c *gc.C, topic string, data interface{}) {
	select {
	case <-pubsub.Wait(s.hub.Publish(topic, data)):
	case <-time.After(coretesting.LongWait):
		c.Fatalf("timed out waiting for %s subscribers", topic)
	}
}

func (s *metricsSuite) family(c *gc.C, name string) *dto.MetricFamily {
	families, err := s.registry.Gather()
	c.Assert(err, jc.ErrorIsNil)
	for _, family := range families {
		if family.GetName() == name {
			return family
		}
	}
	return nil
}

func (s *metricsSuite) TestMachineCountsAtScrape(c *gc.C) {
	for _, status := range []state.Status{state.StatusReady, state.StatusReady, state.StatusFailed} {
		m, err := s.pool.NewMachine()
		c.Assert(err, jc.ErrorIsNil)
		m.Set("hostname", "h.example.com")
		m.Set("status", string(status))
		c.Assert(m.Save(), jc.ErrorIsNil)
	}

	counts := map[string]float64{}
	family := s.family(c, "hostpool_machines")
	c.Assert(family, gc.NotNil)
	for _, metric := range family.GetMetric() {
		c.Assert(metric.GetLabel(), gc.HasLen, 1)
		counts[metric.GetLabel()[0].GetValue()] = metric.GetGauge().GetValue()
	}
	c.Check(counts["ready"], gc.Equals, 2.0)
	c.Check(counts["failed"], gc.Equals, 1.0)
	c.Check(counts["new"], gc.Equals, 0.0)
}

func (s *metricsSuite) TestTaskCounters(c *gc.C) {
	s.publish(c, lifecycle.TaskStartedTopic, &lifecycle.TaskEvent{UUID: "t1", Kind: "provision"})
	s.clock.Advance(90 * time.Second)
	s.publish(c, lifecycle.TaskDoneTopic, &lifecycle.TaskEvent{
		UUID: "t1", Kind: "provision", Result: lifecycle.ResultSuccess,
	})

	started := s.family(c, "hostpool_tasks_started_total")
	c.Assert(started, gc.NotNil)
	c.Assert(started.GetMetric(), gc.HasLen, 1)
	c.Check(started.GetMetric()[0].GetCounter().GetValue(), gc.Equals, 1.0)

	completed := s.family(c, "hostpool_tasks_completed_total")
	c.Assert(completed, gc.NotNil)
	c.Assert(completed.GetMetric(), gc.HasLen, 1)

	duration := s.family(c, "hostpool_provision_duration_seconds")
	c.Assert(duration, gc.NotNil)
	c.Assert(duration.GetMetric(), gc.HasLen, 1)
	histogram := duration.GetMetric()[0].GetHistogram()
	c.Check(histogram.GetSampleCount(), gc.Equals, uint64(1))
	c.Check(histogram.GetSampleSum(), gc.Equals, 90.0)
}

func (s *metricsSuite) TestSweepCounters(c *gc.C) {
	s.publish(c, lifecycle.SweepTopic, &lifecycle.SweepEvent{Expired: 2, Dead: 1})
	s.publish(c, lifecycle.SweepTopic, &lifecycle.SweepEvent{Expired: 1})

	expired := s.family(c, "hostpool_swept_expired_total")
	c.Assert(expired, gc.NotNil)
	c.Check(expired.GetMetric()[0].GetCounter().GetValue(), gc.Equals, 3.0)

	dead := s.family(c, "hostpool_swept_dead_total")
	c.Assert(dead, gc.NotNil)
	c.Check(dead.GetMetric()[0].GetCounter().GetValue(), gc.Equals, 1.0)
}
