// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package query_test

import (
	"net/url"
	"time"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/hostpool/query"
)

type matchSuite struct{}

var _ = gc.Suite(&matchSuite{})

func (s *matchSuite) compile(c *gc.C, vals url.Values) query.Query {
	q, err := query.ParseURL(vals)
	c.Assert(err, jc.ErrorIsNil)
	return q
}

func (s *matchSuite) TestBareEquality(c *gc.C) {
	q := s.compile(c, url.Values{"cpu.model": {"EPYC"}})
	attrs := map[string]interface{}{"cpu.model": "EPYC"}
	c.Check(query.Match(attrs, q, "cpu.model"), jc.IsTrue)

	attrs["cpu.model"] = "Xeon"
	c.Check(query.Match(attrs, q, "cpu.model"), jc.IsFalse)
}

func (s *matchSuite) TestNumericComparisons(c *gc.C) {
	attrs := map[string]interface{}{"memory.size": 16384}
	for vals, want := range map[string]bool{
		"8192":  true,
		"16384": true,
		"32768": false,
	} {
		q := s.compile(c, url.Values{"memory.size:gte": {vals}})
		clean, err := query.Sanitize(q, s.memoryRegistry(c))
		c.Assert(err, jc.ErrorIsNil)
		c.Check(query.Match(attrs, clean, "memory.size"), gc.Equals, want,
			gc.Commentf("memory.size:gte=%s", vals))
	}
}

func (s *matchSuite) memoryRegistry(c *gc.C) *query.Registry {
	reg := query.NewRegistry()
	err := reg.Register(query.SourceInspector, "memory", map[string]query.Descriptor{
		"memory.size": {Type: query.KindInt, Ops: query.AllOps()},
	})
	c.Assert(err, jc.ErrorIsNil)
	return reg
}

func (s *matchSuite) TestRangeBothEnds(c *gc.C) {
	q := s.compile(c, url.Values{
		"memory.size:gt": {"1024"},
		"memory.size:lt": {"65536"},
	})
	clean, err := query.Sanitize(q, s.memoryRegistry(c))
	c.Assert(err, jc.ErrorIsNil)

	c.Check(query.Match(map[string]interface{}{"memory.size": 16384}, clean, "memory.size"), jc.IsTrue)
	c.Check(query.Match(map[string]interface{}{"memory.size": 1024}, clean, "memory.size"), jc.IsFalse)
	c.Check(query.Match(map[string]interface{}{"memory.size": 65536}, clean, "memory.size"), jc.IsFalse)
}

func (s *matchSuite) TestInMembership(c *gc.C) {
	q := s.compile(c, url.Values{"cpu.model:in[]": {"EPYC", "Xeon"}})
	c.Check(query.Match(map[string]interface{}{"cpu.model": "Xeon"}, q, "cpu.model"), jc.IsTrue)
	c.Check(query.Match(map[string]interface{}{"cpu.model": "Atom"}, q, "cpu.model"), jc.IsFalse)
}

func (s *matchSuite) TestScalarAgainstListAttribute(c *gc.C) {
	q := s.compile(c, url.Values{"tags": {"gpu"}})
	attrs := map[string]interface{}{"tags": []string{"gpu", "fast"}}
	c.Check(query.Match(attrs, q, "tags"), jc.IsTrue)

	attrs["tags"] = []string{"slow"}
	c.Check(query.Match(attrs, q, "tags"), jc.IsFalse)
}

func (s *matchSuite) TestListAgainstListAttribute(c *gc.C) {
	q := s.compile(c, url.Values{"tags[]": {"gpu", "fast"}})
	c.Check(query.Match(map[string]interface{}{"tags": []string{"gpu", "fast"}}, q, "tags"), jc.IsTrue)
	c.Check(query.Match(map[string]interface{}{"tags": []string{"fast", "gpu"}}, q, "tags"), jc.IsFalse)
}

func (s *matchSuite) TestMissingAttributeFails(c *gc.C) {
	q := s.compile(c, url.Values{"cpu.model": {"EPYC"}})
	c.Check(query.Match(map[string]interface{}{}, q, "cpu.model"), jc.IsFalse)
}

func (s *matchSuite) TestUnconstrainedNameIgnored(c *gc.C) {
	q := s.compile(c, url.Values{"cpu.model": {"EPYC"}})
	attrs := map[string]interface{}{"cpu.model": "EPYC"}
	c.Check(query.Match(attrs, q, "cpu.model", "memory.size"), jc.IsTrue)
}

func (s *matchSuite) TestNamesOutsideScopeIgnored(c *gc.C) {
	q := s.compile(c, url.Values{
		"cpu.model":   {"EPYC"},
		"memory.size": {"le-mans"},
	})
	attrs := map[string]interface{}{"cpu.model": "EPYC"}
	// Only cpu.model is judged; the unmatchable memory.size constraint
	// belongs to a different inspector.
	c.Check(query.Match(attrs, q, "cpu.model"), jc.IsTrue)
}

func (s *matchSuite) TestTimeComparison(c *gc.C) {
	epoch := time.Unix(1700000000, 0)
	reg := query.NewRegistry()
	err := reg.Register(query.SourceInspector, "core", map[string]query.Descriptor{
		"start_time": {Type: query.KindTime, Ops: query.AllOps()},
	})
	c.Assert(err, jc.ErrorIsNil)

	q := s.compile(c, url.Values{"start_time:lte": {"1700000000"}})
	clean, err := query.Sanitize(q, reg)
	c.Assert(err, jc.ErrorIsNil)

	c.Check(query.Match(map[string]interface{}{"start_time": epoch}, clean, "start_time"), jc.IsTrue)
	c.Check(query.Match(map[string]interface{}{"start_time": epoch.Add(time.Second)}, clean, "start_time"), jc.IsFalse)
}

func (s *matchSuite) TestIntFloatCrossMatch(c *gc.C) {
	q := s.compile(c, url.Values{"cpu.speed": {"2.5"}})
	reg := query.NewRegistry()
	err := reg.Register(query.SourceInspector, "cpu", map[string]query.Descriptor{
		"cpu.speed": {Type: query.KindFloat, Ops: query.AllOps()},
	})
	c.Assert(err, jc.ErrorIsNil)
	clean, err := query.Sanitize(q, reg)
	c.Assert(err, jc.ErrorIsNil)

	c.Check(query.Match(map[string]interface{}{"cpu.speed": 2.5}, clean, "cpu.speed"), jc.IsTrue)
	c.Check(query.Match(map[string]interface{}{"cpu.speed": float32(2.5)}, clean, "cpu.speed"), jc.IsTrue)
}
