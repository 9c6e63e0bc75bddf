// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package task_test

import (
	"time"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/hostpool/pubsub/lifecycle"
	"github.com/juju/hostpool/query"
	"github.com/juju/hostpool/state"
	"github.com/juju/hostpool/task"
	coretesting "github.com/juju/hostpool/testing"
)

type reserveSuite struct {
	fixture
}

var _ = gc.Suite(&reserveSuite{})

func (s *reserveSuite) reserve(c *gc.C, machines []*state.Machine, seconds int64) *task.Reserve {
	q := query.Query{"reserve-duration": query.Bare(query.IntValue(seconds))}
	t, err := task.NewReserve(s.deps, machines, q)
	c.Assert(err, jc.ErrorIsNil)
	return t
}

func (s *reserveSuite) TestReserveHoldsUntilExpiry(c *gc.C) {
	m := s.readyMachine(c, "h1.example.com")
	t := s.reserve(c, []*state.Machine{m}, 3600)

	done := s.subscribeDone(t.UUID())
	c.Assert(s.engine.StartTask(t), jc.ErrorIsNil)
	c.Check(m.Status(), gc.Equals, state.StatusReserved)
	start, ok := m.TimeAttr("meta.reserve-start_time")
	c.Assert(ok, jc.IsTrue)
	c.Check(start.Equal(s.clock.Now()), jc.IsTrue)

	c.Assert(s.clock.WaitAdvance(time.Hour, coretesting.LongWait, 1), jc.ErrorIsNil)
	ev := s.waitEvent(c, done)
	c.Check(ev.Result, gc.Equals, lifecycle.ResultSuccess)

	c.Check(m.Status(), gc.Equals, state.StatusReady)
	c.Check(m.Tasks(), gc.HasLen, 0)
	_, ok = m.TimeAttr("meta.reserve-start_time")
	c.Check(ok, jc.IsFalse)
	c.Check(s.checker.checkedMagics(), jc.DeepEquals, []string{m.Magic()})
}

func (s *reserveSuite) TestReserveReleaseEarly(c *gc.C) {
	m := s.readyMachine(c, "h1.example.com")
	t := s.reserve(c, []*state.Machine{m}, 3600)

	done := s.subscribeDone(t.UUID())
	c.Assert(s.engine.StartTask(t), jc.ErrorIsNil)
	c.Assert(s.clock.WaitAdvance(0, coretesting.LongWait, 1), jc.ErrorIsNil)
	c.Check(m.Status(), gc.Equals, state.StatusReserved)

	c.Check(s.engine.CancelTask(t.UUID()), jc.IsTrue)
	ev := s.waitEvent(c, done)
	c.Check(ev.Result, gc.Equals, lifecycle.ResultSuccess)

	c.Check(m.Status(), gc.Equals, state.StatusReady)
	c.Check(m.Tasks(), gc.HasLen, 0)
	_, ok := m.TimeAttr("meta.reserve-start_time")
	c.Check(ok, jc.IsFalse)
}

func (s *reserveSuite) TestReserveInspectionFailureKeepsMachineFailed(c *gc.C) {
	m1 := s.readyMachine(c, "h1.example.com")
	m2 := s.readyMachine(c, "h2.example.com")
	s.checker.fail = map[string]string{m1.Magic(): "unreachable"}
	t := s.reserve(c, []*state.Machine{m1, m2}, 60)

	done := s.subscribeDone(t.UUID())
	c.Assert(s.engine.StartTask(t), jc.ErrorIsNil)
	c.Assert(s.clock.WaitAdvance(time.Minute, coretesting.LongWait, 1), jc.ErrorIsNil)
	ev := s.waitEvent(c, done)

	// The reservation itself still succeeds; only the unreachable
	// machine is held back.
	c.Check(ev.Result, gc.Equals, lifecycle.ResultSuccess)
	c.Check(m1.Status(), gc.Equals, state.StatusFailed)
	c.Check(m1.FailureMessage(), gc.Equals, "unreachable")
	c.Check(m2.Status(), gc.Equals, state.StatusReady)
	c.Check(m1.Tasks(), gc.HasLen, 0)
	c.Check(m2.Tasks(), gc.HasLen, 0)
}
