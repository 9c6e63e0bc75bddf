// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state_test

import (
	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/hostpool/state"
)

func bsonD(name string, value interface{}) bson.D {
	return bson.D{{name, value}}
}

type poolSuite struct {
	pool *state.Pool
}

var _ = gc.Suite(&poolSuite{})

func (s *poolSuite) SetUpTest(c *gc.C) {
	s.pool = state.NewMemory()
}

func (s *poolSuite) addMachine(c *gc.C, fields map[string]interface{}) *state.Machine {
	m, err := s.pool.NewMachine()
	c.Assert(err, jc.ErrorIsNil)
	if len(fields) == 0 {
		return m
	}
	update := state.NewUpdate()
	for name, value := range fields {
		update.Set(name, value)
	}
	c.Assert(m.Apply(update), jc.ErrorIsNil)
	return m
}

func (s *poolSuite) TestMachineByMagic(c *gc.C) {
	m := s.addMachine(c, nil)
	found, err := s.pool.Machine(m.Magic())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(found.Magic(), gc.Equals, m.Magic())

	_, err = s.pool.Machine("no-such-magic")
	c.Assert(err, jc.ErrorIs, errors.NotFound)
}

func (s *poolSuite) TestFindMachines(c *gc.C) {
	s.addMachine(c, map[string]interface{}{"cpu-arch": "x86_64"})
	s.addMachine(c, map[string]interface{}{"cpu-arch": "x86_64"})
	s.addMachine(c, map[string]interface{}{"cpu-arch": "aarch64"})

	machines, err := s.pool.FindMachines(bsonD("cpu-arch", "x86_64"), 0)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(machines, gc.HasLen, 2)

	machines, err = s.pool.FindMachines(bsonD("cpu-arch", "x86_64"), 1)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(machines, gc.HasLen, 1)

	machines, err = s.pool.FindMachines(bsonD("cpu-arch", "riscv"), 0)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(machines, gc.HasLen, 0)
}

func (s *poolSuite) TestFindMachinesInsertionOrder(c *gc.C) {
	first := s.addMachine(c, nil)
	second := s.addMachine(c, nil)
	machines, err := s.pool.FindMachines(nil, 0)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(machines, gc.HasLen, 2)
	c.Check(machines[0].Magic(), gc.Equals, first.Magic())
	c.Check(machines[1].Magic(), gc.Equals, second.Magic())
}

func (s *poolSuite) TestFindOneMachine(c *gc.C) {
	m := s.addMachine(c, map[string]interface{}{"hostname": "h1.example.com"})
	found, err := s.pool.FindOneMachine(bsonD("hostname", "h1.example.com"))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(found.Magic(), gc.Equals, m.Magic())

	_, err = s.pool.FindOneMachine(bsonD("hostname", "absent"))
	c.Assert(err, jc.ErrorIs, errors.NotFound)
}

func (s *poolSuite) TestCountMachines(c *gc.C) {
	s.addMachine(c, map[string]interface{}{"status": "ready", "hostname": "a"})
	s.addMachine(c, map[string]interface{}{"status": "ready", "hostname": "b"})
	s.addMachine(c, nil)

	n, err := s.pool.CountMachines(bsonD("status", "ready"))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(n, gc.Equals, 2)

	n, err = s.pool.CountMachines(nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(n, gc.Equals, 3)
}

func (s *poolSuite) TestClose(c *gc.C) {
	c.Assert(s.pool.Close(), jc.ErrorIsNil)
}
