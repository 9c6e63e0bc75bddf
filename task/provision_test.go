// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package task_test

import (
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/hostpool/pubsub/lifecycle"
	"github.com/juju/hostpool/query"
	"github.com/juju/hostpool/state"
	"github.com/juju/hostpool/task"
)

type provisionSuite struct {
	fixture
}

var _ = gc.Suite(&provisionSuite{})

func (s *provisionSuite) TestProvisionReadiesMachines(c *gc.C) {
	m1 := s.newMachine(c)
	m2 := s.newMachine(c)
	q := query.Query{
		"count":    query.Bare(query.IntValue(2)),
		"cpu-arch": query.Bare(query.StringValue("x86_64")),
	}
	t, err := task.NewProvision(s.deps, []*state.Machine{m1, m2}, q, s.prov)
	c.Assert(err, jc.ErrorIsNil)

	ev := s.startAndWait(c, t)
	c.Check(ev.Result, gc.Equals, lifecycle.ResultSuccess)
	c.Check(s.prov.provisionCount(), gc.Equals, 1)

	for _, m := range []*state.Machine{m1, m2} {
		c.Check(m.Status(), gc.Equals, state.StatusReady)
		c.Check(m.Hostname(), gc.Not(gc.Equals), "")
		c.Check(m.Provisioner(), gc.Equals, "stub")
		arch, ok := m.StringAttr("cpu-arch")
		c.Check(ok, jc.IsTrue)
		c.Check(arch, gc.Equals, "x86_64")
		_, ok = m.ExpireTime()
		c.Check(ok, jc.IsTrue)
		c.Check(m.Tasks(), gc.HasLen, 0)
	}
	c.Check(s.checker.checkedMagics(), jc.SameContents, []string{m1.Magic(), m2.Magic()})
}

func (s *provisionSuite) TestProvisionFailureFailsMachines(c *gc.C) {
	m := s.newMachine(c)
	s.prov.provisionErr = errors.New("beaker says no")
	t, err := task.NewProvision(s.deps, []*state.Machine{m}, nil, s.prov)
	c.Assert(err, jc.ErrorIsNil)

	ev := s.startAndWait(c, t)
	c.Check(ev.Result, gc.Equals, lifecycle.ResultFailed)
	c.Check(ev.Error, gc.Matches, ".*beaker says no.*")

	c.Check(m.Status(), gc.Equals, state.StatusFailed)
	c.Check(m.FailureMessage(), gc.Matches, ".*beaker says no.*")
	c.Check(m.Tasks(), gc.HasLen, 0)
	// The machine never reached a hostname, so nothing was inspected.
	c.Check(s.checker.checkedMagics(), gc.HasLen, 0)
}

func (s *provisionSuite) TestProvisionCancelReleasesJob(c *gc.C) {
	m := s.newMachine(c)
	s.prov.blockProvision = true
	t, err := task.NewProvision(s.deps, []*state.Machine{m}, nil, s.prov)
	c.Assert(err, jc.ErrorIsNil)
	done := s.subscribeDone(t.UUID())
	c.Assert(s.engine.StartTask(t), jc.ErrorIsNil)

	c.Check(s.engine.CancelTask(t.UUID()), jc.IsTrue)
	ev := s.waitEvent(c, done)
	c.Check(ev.Result, gc.Equals, lifecycle.ResultCancelled)

	c.Check(s.prov.teardownCalls(), gc.HasLen, 1)
	c.Check(m.Status(), gc.Equals, state.StatusFailed)
	c.Check(m.Tasks(), gc.HasLen, 0)
}

func (s *provisionSuite) TestProvisionInspectionFailureFailsTask(c *gc.C) {
	m := s.newMachine(c)
	s.checker.fail = map[string]string{m.Magic(): "ssh: no route to host"}
	t, err := task.NewProvision(s.deps, []*state.Machine{m}, nil, s.prov)
	c.Assert(err, jc.ErrorIsNil)

	ev := s.startAndWait(c, t)
	c.Check(ev.Result, gc.Equals, lifecycle.ResultFailed)
	c.Check(m.Status(), gc.Equals, state.StatusFailed)
	c.Check(m.FailureMessage(), gc.Matches, ".*ssh: no route to host.*")
}

func (s *provisionSuite) TestProvisionNeverSeedsIdentityFields(c *gc.C) {
	m := s.newMachine(c)
	q := query.Query{
		"magic":  query.Bare(query.StringValue("intruder")),
		"status": query.Bare(query.StringValue("ready")),
	}
	t, err := task.NewProvision(s.deps, []*state.Machine{m}, q, s.prov)
	c.Assert(err, jc.ErrorIsNil)

	ev := s.startAndWait(c, t)
	c.Check(ev.Result, gc.Equals, lifecycle.ResultSuccess)
	c.Check(m.Magic(), gc.Not(gc.Equals), "intruder")
	c.Check(m.Status(), gc.Equals, state.StatusReady)
}
