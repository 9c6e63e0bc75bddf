// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package inspector_test

import (
	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/hostpool/inspector"
	"github.com/juju/hostpool/query"
)

type registrySuite struct {
	baseSuite
}

var _ = gc.Suite(&registrySuite{})

func (s *registrySuite) TestBuiltInOrder(c *gc.C) {
	reg, err := inspector.NewRegistry(inspector.BuiltIn()...)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(reg.Names(), gc.DeepEquals, []string{
		"core", "cpu", "memory", "disk", "numa", "meta", "tag", "devices",
	})
}

func (s *registrySuite) TestRegisterDuplicate(c *gc.C) {
	reg, err := inspector.NewRegistry(inspector.NewCore())
	c.Assert(err, jc.ErrorIsNil)
	err = reg.Register(inspector.NewCore())
	c.Assert(err, jc.ErrorIs, errors.AlreadyExists)
}

func (s *registrySuite) TestRegisterParameters(c *gc.C) {
	reg, err := inspector.NewRegistry(inspector.BuiltIn()...)
	c.Assert(err, jc.ErrorIsNil)
	qreg := query.NewRegistry()
	c.Assert(reg.RegisterParameters(qreg), jc.ErrorIsNil)

	desc, ok := qreg.Lookup("cpu-arch")
	c.Assert(ok, jc.IsTrue)
	c.Check(desc.Type, gc.Equals, query.KindString)
	c.Check(desc.Sources, gc.DeepEquals, []query.Source{
		{Kind: query.SourceInspector, Name: "cpu"},
	})

	// The core inspector's lifespan declaration merges into the
	// pipeline intrinsic.
	desc, ok = qreg.Lookup("lifespan")
	c.Assert(ok, jc.IsTrue)
	c.Check(desc.Sources, gc.HasLen, 2)
	c.Check(desc.Default.Int64(), gc.Equals, int64(86400))
}

func (s *registrySuite) TestProvisionFilterThreadsRewrites(c *gc.C) {
	reg, err := inspector.NewRegistry(inspector.BuiltIn()...)
	c.Assert(err, jc.ErrorIsNil)

	q := query.Query{
		"1g_hugepage": query.Bare(query.BoolValue(true)),
		"cpu-arch":    query.Bare(query.StringValue("x86_64")),
	}
	out := reg.ProvisionFilter(q)
	_, ok := out["1g_hugepage"]
	c.Check(ok, jc.IsFalse)
	flags, ok := out["cpu-flags"]
	c.Assert(ok, jc.IsTrue)
	c.Check(flags.Value().Strings(), gc.DeepEquals, []string{"pdpe1gb"})
	// The original query is left alone.
	_, ok = q["1g_hugepage"]
	c.Check(ok, jc.IsTrue)
}

func (s *registrySuite) TestRegistryMatch(c *gc.C) {
	reg, err := inspector.NewRegistry(inspector.BuiltIn()...)
	c.Assert(err, jc.ErrorIsNil)

	m := s.addMachine(c, map[string]interface{}{
		"hostname":          "host-1.example.com",
		"cpu-arch":          "x86_64",
		"memory-total_size": 16384,
	})
	c.Check(reg.Match(m, query.Query{
		"cpu-arch":          query.Bare(query.StringValue("x86_64")),
		"memory-total_size": query.Cond(query.OpGte, query.IntValue(8192)),
	}), jc.IsTrue)
	c.Check(reg.Match(m, query.Query{
		"cpu-arch": query.Bare(query.StringValue("aarch64")),
	}), jc.IsFalse)
	// Constraints on attributes the machine lacks fail the match.
	c.Check(reg.Match(m, query.Query{
		"disk-number": query.Bare(query.IntValue(2)),
	}), jc.IsFalse)
}

type composeSuite struct {
	registry *inspector.Registry
}

var _ = gc.Suite(&composeSuite{})

func (s *composeSuite) SetUpTest(c *gc.C) {
	reg, err := inspector.NewRegistry(inspector.BuiltIn()...)
	c.Assert(err, jc.ErrorIsNil)
	s.registry = reg
}

func (s *composeSuite) TestComposeFilter(c *gc.C) {
	q := query.Query{
		"cpu-arch":          query.Bare(query.StringValue("x86_64")),
		"memory-total_size": query.Cond(query.OpGte, query.IntValue(8192)),
		"lifespan":          query.Bare(query.IntValue(3600)),
		"tags":              query.Bare(query.ListValue("lab", "perf")),
		"whiteboard":        query.Bare(query.StringValue("scratch")),
		"count":             query.Bare(query.IntValue(2)),
		"rack":              query.Bare(query.StringValue("b2")),
	}
	filter := s.registry.ComposeFilter(q)
	c.Check(filter, jc.DeepEquals, bson.D{
		{"lifespan", bson.D{{"$gte", int64(3600)}}},
		{"cpu-arch", "x86_64"},
		{"memory-total_size", bson.D{{"$gte", int64(8192)}}},
		{"tags", bson.D{{"$all", []interface{}{"lab", "perf"}}}},
		{"rack", "b2"},
	})
}

func (s *composeSuite) TestComposeFilterReservedMagic(c *gc.C) {
	// magic=new must select no existing machine, whatever else the
	// query asks for.
	filter := s.registry.ComposeFilter(query.Query{
		"magic":    query.Bare(query.StringValue(query.MagicNew)),
		"cpu-arch": query.Bare(query.StringValue("x86_64")),
	})
	c.Check(filter, jc.DeepEquals, bson.D{{"_id", 0}})

	filter = s.registry.ComposeFilter(query.Query{
		"magic": query.Bare(query.StringValue(query.MagicNoProvision)),
	})
	c.Check(filter, gc.HasLen, 0)

	filter = s.registry.ComposeFilter(query.Query{
		"magic": query.Bare(query.StringValue("0a26f77a-2a1b-4b47-bbe2-c0b4b4cc3a07")),
	})
	c.Check(filter, jc.DeepEquals, bson.D{
		{"magic", "0a26f77a-2a1b-4b47-bbe2-c0b4b4cc3a07"},
	})
}

func (s *composeSuite) TestComposeFilterHugePage(c *gc.C) {
	filter := s.registry.ComposeFilter(query.Query{
		"1g_hugepage": query.Bare(query.BoolValue(true)),
	})
	c.Check(filter, jc.DeepEquals, bson.D{
		{"cpu-flags", bson.D{{"$all", []interface{}{"pdpe1gb"}}}},
	})
}

func (s *composeSuite) TestComposeFilterEmptyQuery(c *gc.C) {
	c.Check(s.registry.ComposeFilter(query.Query{}), gc.HasLen, 0)
}
