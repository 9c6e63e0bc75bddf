// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state_test

import (
	"time"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/hostpool/state"
)

type machineSuite struct {
	pool *state.Pool
}

var _ = gc.Suite(&machineSuite{})

func (s *machineSuite) SetUpTest(c *gc.C) {
	s.pool = state.NewMemory()
}

func (s *machineSuite) TestNewMachine(c *gc.C) {
	m, err := s.pool.NewMachine()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(m.Magic(), gc.Not(gc.Equals), "")
	c.Check(m.Status(), gc.Equals, state.StatusNew)
	c.Check(m.Hostname(), gc.Equals, "")
	c.Check(m.Tasks(), gc.HasLen, 0)
	c.Check(m.String(), gc.Equals, m.Magic())
}

func (s *machineSuite) TestJournalSave(c *gc.C) {
	m, err := s.pool.NewMachine()
	c.Assert(err, jc.ErrorIsNil)

	m.Set("hostname", "h1.example.com")
	m.Set("status", string(state.StatusReady))
	m.Set("meta.note", "from-test")
	c.Check(m.Dirty(), jc.IsTrue)
	c.Assert(m.Save(), jc.ErrorIsNil)
	c.Check(m.Dirty(), jc.IsFalse)

	fresh, err := s.pool.Machine(m.Magic())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(fresh.Hostname(), gc.Equals, "h1.example.com")
	c.Check(fresh.Status(), gc.Equals, state.StatusReady)
	note, ok := fresh.StringAttr("meta.note")
	c.Check(ok, jc.IsTrue)
	c.Check(note, gc.Equals, "from-test")
	c.Check(fresh.String(), gc.Equals, "h1.example.com")
}

func (s *machineSuite) TestJournalUnset(c *gc.C) {
	m, err := s.pool.NewMachine()
	c.Assert(err, jc.ErrorIsNil)
	m.Set("whiteboard", "scribble")
	c.Assert(m.Save(), jc.ErrorIsNil)

	m.Unset("whiteboard")
	c.Assert(m.Save(), jc.ErrorIsNil)

	fresh, err := s.pool.Machine(m.Magic())
	c.Assert(err, jc.ErrorIsNil)
	_, ok := fresh.Attr("whiteboard")
	c.Check(ok, jc.IsFalse)
}

func (s *machineSuite) TestSaveValidatesHostname(c *gc.C) {
	m, err := s.pool.NewMachine()
	c.Assert(err, jc.ErrorIsNil)
	m.Set("status", string(state.StatusReady))
	err = m.Save()
	c.Assert(err, jc.ErrorIs, errors.NotValid)
	// The journal survives a failed flush.
	c.Check(m.Dirty(), jc.IsTrue)

	m.Set("hostname", "h1.example.com")
	c.Assert(m.Save(), jc.ErrorIsNil)
}

func (s *machineSuite) TestSaveEmptyJournal(c *gc.C) {
	m, err := s.pool.NewMachine()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(m.Save(), jc.ErrorIsNil)
}

func (s *machineSuite) TestApplyReflectsPostImage(c *gc.C) {
	m, err := s.pool.NewMachine()
	c.Assert(err, jc.ErrorIsNil)

	other, err := s.pool.Machine(m.Magic())
	c.Assert(err, jc.ErrorIsNil)
	update := state.NewUpdate().Set("cpu-arch", "x86_64").Set("memory-total_size", 8192)
	c.Assert(other.Apply(update), jc.ErrorIsNil)

	c.Assert(m.Refresh(), jc.ErrorIsNil)
	arch, _ := m.StringAttr("cpu-arch")
	c.Check(arch, gc.Equals, "x86_64")
	size, _ := m.IntAttr("memory-total_size")
	c.Check(size, gc.Equals, int64(8192))
}

func (s *machineSuite) TestUpdateLastWriteWins(c *gc.C) {
	m, err := s.pool.NewMachine()
	c.Assert(err, jc.ErrorIsNil)
	update := state.NewUpdate().
		Set("whiteboard", "first").
		Unset("whiteboard").
		Set("whiteboard", "last")
	c.Assert(m.Apply(update), jc.ErrorIsNil)
	board, ok := m.StringAttr("whiteboard")
	c.Check(ok, jc.IsTrue)
	c.Check(board, gc.Equals, "last")
}

func (s *machineSuite) TestSetUnsetFields(c *gc.C) {
	m, err := s.pool.NewMachine()
	c.Assert(err, jc.ErrorIsNil)
	err = m.SetFields(bsonD("disk-number", 2))
	c.Assert(err, jc.ErrorIsNil)
	n, ok := m.IntAttr("disk-number")
	c.Check(ok, jc.IsTrue)
	c.Check(n, gc.Equals, int64(2))

	c.Assert(m.UnsetFields("disk-number"), jc.ErrorIsNil)
	_, ok = m.Attr("disk-number")
	c.Check(ok, jc.IsFalse)
}

func (s *machineSuite) TestInc(c *gc.C) {
	m, err := s.pool.NewMachine()
	c.Assert(err, jc.ErrorIsNil)
	n, err := m.Inc("meta.failure_count", 1)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(n, gc.Equals, int64(1))
	n, err = m.Inc("meta.failure_count", 2)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(n, gc.Equals, int64(3))
}

func (s *machineSuite) TestRemove(c *gc.C) {
	m, err := s.pool.NewMachine()
	c.Assert(err, jc.ErrorIsNil)
	magic := m.Magic()
	c.Assert(m.Remove(), jc.ErrorIsNil)
	c.Check(m.Removed(), jc.IsTrue)
	c.Check(m.Status(), gc.Equals, state.StatusDeleted)

	// Removal is idempotent.
	c.Assert(m.Remove(), jc.ErrorIsNil)

	_, err = s.pool.Machine(magic)
	c.Assert(err, jc.ErrorIs, errors.NotFound)
}

func (s *machineSuite) TestOpsAfterRemove(c *gc.C) {
	m, err := s.pool.NewMachine()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(m.Remove(), jc.ErrorIsNil)

	c.Check(m.SetFields(bsonD("a", 1)), jc.ErrorIs, state.ErrRemoved)
	c.Check(m.Refresh(), jc.ErrorIs, state.ErrRemoved)
	c.Check(m.Fail("nope"), jc.ErrorIs, state.ErrRemoved)
	m.Set("a", 1)
	c.Check(m.Save(), jc.ErrorIs, state.ErrRemoved)
}

func (s *machineSuite) TestVanishedUnderneath(c *gc.C) {
	m, err := s.pool.NewMachine()
	c.Assert(err, jc.ErrorIsNil)
	other, err := s.pool.Machine(m.Magic())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(other.Remove(), jc.ErrorIsNil)

	err = m.SetFields(bsonD("a", 1))
	c.Assert(err, jc.ErrorIs, state.ErrRemoved)
	c.Check(m.Removed(), jc.IsTrue)
}

func (s *machineSuite) TestStatusTransitions(c *gc.C) {
	for i, t := range []struct {
		from, to state.Status
		ok       bool
	}{
		{state.StatusNew, state.StatusPreparing, true},
		{state.StatusNew, state.StatusReady, false},
		{state.StatusNew, state.StatusFailed, true},
		{state.StatusPreparing, state.StatusReady, true},
		{state.StatusPreparing, state.StatusTeardown, true},
		{state.StatusPreparing, state.StatusReserved, false},
		{state.StatusReady, state.StatusReserved, true},
		{state.StatusReady, state.StatusTeardown, true},
		{state.StatusReady, state.StatusPreparing, false},
		{state.StatusReserved, state.StatusReady, true},
		{state.StatusReserved, state.StatusTeardown, true},
		{state.StatusTeardown, state.StatusDeleted, true},
		{state.StatusTeardown, state.StatusReady, false},
		{state.StatusFailed, state.StatusTeardown, true},
		{state.StatusFailed, state.StatusReady, false},
		{state.StatusDeleted, state.StatusFailed, false},
		{state.StatusDeleted, state.StatusDeleted, false},
		{state.StatusReady, state.StatusReady, true},
	} {
		c.Check(t.from.CanTransition(t.to), gc.Equals, t.ok,
			gc.Commentf("case %d: %s -> %s", i, t.from, t.to))
	}
}

func (s *machineSuite) TestSetStatusLifecycle(c *gc.C) {
	m, err := s.pool.NewMachine()
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(m.SetStatus(state.StatusPreparing), jc.ErrorIsNil)

	// ready needs a hostname.
	err = m.SetStatus(state.StatusReady)
	c.Assert(err, jc.ErrorIs, errors.NotValid)

	c.Assert(m.SetFields(bsonD("hostname", "h1.example.com")), jc.ErrorIsNil)
	c.Assert(m.SetStatus(state.StatusReady), jc.ErrorIsNil)
	c.Assert(m.SetStatus(state.StatusReserved), jc.ErrorIsNil)
	c.Assert(m.SetStatus(state.StatusReady), jc.ErrorIsNil)

	// Invalid hop.
	err = m.SetStatus(state.StatusPreparing)
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *machineSuite) TestFail(c *gc.C) {
	m, err := s.pool.NewMachine()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(m.Fail("beaker exploded"), jc.ErrorIsNil)
	c.Check(m.Status(), gc.Equals, state.StatusFailed)
	c.Check(m.FailureMessage(), gc.Equals, "beaker exploded")
}

func (s *machineSuite) TestLeavingFailedClearsMessage(c *gc.C) {
	m, err := s.pool.NewMachine()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(m.SetFields(bsonD("hostname", "h1.example.com")), jc.ErrorIsNil)
	c.Assert(m.Fail("boom"), jc.ErrorIsNil)

	c.Assert(m.SetStatus(state.StatusTeardown), jc.ErrorIsNil)
	c.Check(m.FailureMessage(), gc.Equals, "")
	_, ok := m.Attr("failure-message")
	c.Check(ok, jc.IsFalse)
}

func (s *machineSuite) TestAttachDetachTask(c *gc.C) {
	m, err := s.pool.NewMachine()
	c.Assert(err, jc.ErrorIsNil)
	ref := state.TaskRef{
		Type:   "provision",
		Status: "running",
		Query:  map[string]interface{}{"cpu-arch": "x86_64"},
	}
	c.Assert(m.AttachTask("0123-uuid", ref), jc.ErrorIsNil)

	fresh, err := s.pool.Machine(m.Magic())
	c.Assert(err, jc.ErrorIsNil)
	tasks := fresh.Tasks()
	c.Assert(tasks, gc.HasLen, 1)
	c.Check(tasks["0123-uuid"].Type, gc.Equals, "provision")
	c.Check(tasks["0123-uuid"].Status, gc.Equals, "running")
	c.Check(tasks["0123-uuid"].Query, jc.DeepEquals, map[string]interface{}{"cpu-arch": "x86_64"})

	c.Assert(fresh.DetachTask("0123-uuid"), jc.ErrorIsNil)
	c.Check(fresh.Tasks(), gc.HasLen, 0)
}

func (s *machineSuite) TestTimesKeepMilliseconds(c *gc.C) {
	m, err := s.pool.NewMachine()
	c.Assert(err, jc.ErrorIsNil)
	start := time.Date(2026, 2, 14, 10, 30, 0, 123456789, time.UTC)
	c.Assert(m.SetFields(bsonD("start_time", start)), jc.ErrorIsNil)
	got, ok := m.StartTime()
	c.Assert(ok, jc.IsTrue)
	c.Check(got, gc.Equals, start.Truncate(time.Millisecond))
}

func (s *machineSuite) TestUniqueMagic(c *gc.C) {
	doc := map[string]interface{}{"magic": "dup", "status": "new"}
	c.Assert(state.InsertDoc(s.pool, doc), jc.ErrorIsNil)
	err := state.InsertDoc(s.pool, map[string]interface{}{
		"_id": "other", "magic": "dup", "status": "new",
	})
	c.Assert(err, jc.ErrorIs, errors.AlreadyExists)
}
