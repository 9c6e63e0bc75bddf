// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver_test

import (
	"encoding/json"
	"net/http"
	"strings"

	jc "github.com/juju/testing/checkers"
	"github.com/kr/pretty"
	gc "gopkg.in/check.v1"

	"github.com/juju/hostpool/apiserver/params"
	"github.com/juju/hostpool/state"
	coretesting "github.com/juju/hostpool/testing"
	"github.com/juju/hostpool/version"
)

type serverSuite struct {
	coretesting.BaseSuite
	fixture
}

var _ = gc.Suite(&serverSuite{})

func (s *serverSuite) SetUpTest(c *gc.C) {
	s.BaseSuite.SetUpTest(c)
	s.fixture.SetUpTest(c)
}

func (s *serverSuite) TearDownTest(c *gc.C) {
	s.fixture.TearDownTest(c)
	s.BaseSuite.TearDownTest(c)
}

func (s *serverSuite) TestIndex(c *gc.C) {
	status, data := s.newSession(c).do(c, "GET", "/", nil)
	c.Assert(status, gc.Equals, http.StatusOK)
	var index params.Index
	c.Assert(json.Unmarshal(data, &index), jc.ErrorIsNil)
	c.Check(index.Message, gc.Equals, "hostpool is working.")
	c.Check(index.Version, gc.Equals, version.Current)
}

func (s *serverSuite) TestParameters(c *gc.C) {
	status, data := s.newSession(c).do(c, "GET", "/parameters", nil)
	c.Assert(status, gc.Equals, http.StatusOK)
	var schema map[string]map[string]interface{}
	c.Assert(json.Unmarshal(data, &schema), jc.ErrorIsNil)

	// Intrinsics and contributions from inspectors and provisioners
	// are merged into one schema.
	for _, name := range []string{"count", "magic", "reserve-duration", "lifespan", "cpu-arch", "hostname"} {
		c.Check(schema[name], gc.Not(gc.IsNil), gc.Commentf("parameter %q", name))
	}
	c.Check(schema["count"]["type"], gc.Equals, "int")
	c.Check(schema["count"]["default"], gc.Equals, float64(1))
}

func (s *serverSuite) TestProvisioners(c *gc.C) {
	status, data := s.newSession(c).do(c, "GET", "/provisioners", nil)
	c.Assert(status, gc.Equals, http.StatusOK)
	var provisioners map[string]string
	c.Assert(json.Unmarshal(data, &provisioners), jc.ErrorIsNil)
	c.Check(provisioners, jc.DeepEquals, map[string]string{"stub": "stub"})
}

func (s *serverSuite) TestMachinesQuery(c *gc.C) {
	s.readyMachine(c, "h1.example.com")
	s.readyMachine(c, "h2.example.com")

	status, machines := s.newSession(c).getMachines(c, "/machines"+args("hostname", "h1.example.com"))
	c.Assert(status, gc.Equals, http.StatusOK)
	c.Assert(machines, gc.HasLen, 1, gc.Commentf("machines: %# v", pretty.Formatter(machines)))
	c.Check(machines[0].Hostname(), gc.Equals, "h1.example.com")
	c.Check(machines[0].Status(), gc.Equals, "ready")
	c.Check(machines[0]["_id"], gc.IsNil)
}

func (s *serverSuite) TestMachinesInvalidQuery(c *gc.C) {
	status, data := s.newSession(c).do(c, "GET", "/machines?a%5Bb%5D%5Bc%5D=1", nil)
	c.Assert(status, gc.Equals, http.StatusBadRequest)
	c.Check(decodeError(c, data).Code, gc.Equals, params.CodeInvalidQuery)
}

func (s *serverSuite) TestProvision(c *gc.C) {
	status, machines := s.newSession(c).postMachines(c, "/machines/provision", map[string]interface{}{
		"cpu-arch":          "x86_64",
		"memory-total_size": map[string]interface{}{"$gte": 8192},
		"count":             1,
	})
	c.Assert(status, gc.Equals, http.StatusAccepted)
	c.Assert(machines, gc.HasLen, 1)
	c.Check(machines[0].Magic(), gc.Not(gc.Equals), "")
	c.Check(machines[0].Status(), gc.Equals, "ready")
	c.Check(machines[0]["provisioner"], gc.Equals, "stub")
	_, ok := machines[0].Time("expire_time")
	c.Check(ok, jc.IsTrue)
}

func (s *serverSuite) TestProvisionRepeatSameSession(c *gc.C) {
	session := s.newSession(c)
	q := map[string]interface{}{"cpu-arch": "x86_64"}

	_, first := session.postMachines(c, "/machines/provision", q)
	c.Assert(first, gc.HasLen, 1)
	_, repeat := session.postMachines(c, "/machines/provision", q)
	c.Assert(repeat, gc.HasLen, 1)
	c.Check(repeat[0].Magic(), gc.Equals, first[0].Magic())
	c.Check(s.prov.provisionCount(), gc.Equals, 1)

	// A distinct session is not deduplicated against the first.
	_, other := s.newSession(c).postMachines(c, "/machines/provision", q)
	c.Assert(other, gc.HasLen, 1)
	c.Check(other[0].Magic(), gc.Not(gc.Equals), first[0].Magic())
	c.Check(s.prov.provisionCount(), gc.Equals, 2)
}

func (s *serverSuite) TestProvisionMagicNewBypassesMemo(c *gc.C) {
	session := s.newSession(c)
	q := map[string]interface{}{"cpu-arch": "x86_64"}
	_, first := session.postMachines(c, "/machines/provision", q)
	c.Assert(first, gc.HasLen, 1)

	q["magic"] = "new"
	_, fresh := session.postMachines(c, "/machines/provision", q)
	c.Assert(fresh, gc.HasLen, 1)
	c.Check(fresh[0].Magic(), gc.Not(gc.Equals), first[0].Magic())
	c.Check(s.prov.provisionCount(), gc.Equals, 2)
}

func (s *serverSuite) TestProvisionVetoed(c *gc.C) {
	status, data := s.newSession(c).do(c, "POST", "/machines/provision", map[string]interface{}{
		"cpu-arch": "x86_64",
		"magic":    "noprovision",
	})
	c.Assert(status, gc.Equals, http.StatusNotAcceptable)
	c.Check(decodeError(c, data).Code, gc.Equals, params.CodeNoProvisioner)
}

func (s *serverSuite) TestRequestReserveThenRelease(c *gc.C) {
	s.readyMachine(c, "h1.example.com")
	session := s.newSession(c)

	status, machines := session.postMachines(c, "/machines/request", map[string]interface{}{
		"hostname": "h1.example.com",
	})
	c.Assert(status, gc.Equals, http.StatusOK)
	c.Assert(machines, gc.HasLen, 1)
	c.Check(machines[0].Hostname(), gc.Equals, "h1.example.com")
	c.Check(machines[0].Status(), gc.Equals, "reserved")

	status, released := session.postMachines(c, "/machines/release", map[string]interface{}{
		"hostname": "h1.example.com",
	})
	c.Assert(status, gc.Equals, http.StatusOK)
	c.Assert(released, gc.HasLen, 1)

	m, err := s.pool.Machine(released[0].Magic())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(m.Status(), gc.Equals, state.StatusReady)
}

func (s *serverSuite) TestRequestMissIs404WithMessage(c *gc.C) {
	status, data := s.newSession(c).do(c, "GET", "/machines/request"+args(
		"hostname", "absent.example.com", "magic", "noprovision"), nil)
	c.Assert(status, gc.Equals, http.StatusNotFound)
	perr := decodeError(c, data)
	c.Check(perr.Message, gc.Equals, "Failed to find or provision a machine")
	c.Check(perr.Code, gc.Equals, params.CodeNotFound)
}

func (s *serverSuite) TestTeardown(c *gc.C) {
	m := s.readyMachine(c, "h1.example.com")

	status, machines := s.newSession(c).postMachines(c, "/machines/teardown", map[string]interface{}{
		"hostname": "h1.example.com",
	})
	c.Assert(status, gc.Equals, http.StatusOK)
	c.Assert(machines, gc.HasLen, 1)
	c.Check(s.prov.teardownCalls(), jc.DeepEquals, [][]string{{m.Magic()}})

	count, err := s.pool.CountMachines(nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(count, gc.Equals, 0)
}

func (s *serverSuite) TestDelete(c *gc.C) {
	s.readyMachine(c, "h1.example.com")
	s.readyMachine(c, "h2.example.com")

	status, data := s.newSession(c).do(c, "DELETE", "/machines"+args("hostname", "h1.example.com"), nil)
	c.Assert(status, gc.Equals, http.StatusOK)
	machines := decodeMachines(c, data)
	c.Assert(machines, gc.HasLen, 1)

	// The record is gone without the provisioner hearing about it.
	count, err := s.pool.CountMachines(nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(count, gc.Equals, 1)
	c.Check(s.prov.teardownCalls(), gc.HasLen, 0)
}

func (s *serverSuite) TestDescribeMe(c *gc.C) {
	s.readyMachine(c, "h1.example.com")
	s.resolver.resolve("127.0.0.1", "h1.example.com.")

	status, machines := s.newSession(c).getMachines(c, "/describ_me")
	c.Assert(status, gc.Equals, http.StatusOK)
	c.Assert(machines, gc.HasLen, 1)
	c.Check(machines[0].Hostname(), gc.Equals, "h1.example.com")
}

func (s *serverSuite) TestReleaseMe(c *gc.C) {
	s.readyMachine(c, "h1.example.com")
	s.resolver.resolve("127.0.0.1", "h1.example.com.")
	session := s.newSession(c)

	status, machines := session.postMachines(c, "/machines/request", map[string]interface{}{
		"hostname": "h1.example.com",
	})
	c.Assert(status, gc.Equals, http.StatusOK)
	c.Assert(machines, gc.HasLen, 1)
	c.Assert(machines[0].Status(), gc.Equals, "reserved")

	status, released := session.getMachines(c, "/release_me")
	c.Assert(status, gc.Equals, http.StatusOK)
	c.Assert(released, gc.HasLen, 1)

	m, err := s.pool.Machine(released[0].Magic())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(m.Status(), gc.Equals, state.StatusReady)
}

func (s *serverSuite) TestTearMeDown(c *gc.C) {
	m := s.readyMachine(c, "h1.example.com")
	s.resolver.resolve("127.0.0.1", "h1.example.com.")

	status, machines := s.newSession(c).getMachines(c, "/tear_me_down")
	c.Assert(status, gc.Equals, http.StatusOK)
	c.Assert(machines, gc.HasLen, 1)
	c.Check(s.prov.teardownCalls(), jc.DeepEquals, [][]string{{m.Magic()}})
}

func (s *serverSuite) TestCallbackUnknownPeer(c *gc.C) {
	s.readyMachine(c, "h1.example.com")

	status, data := s.newSession(c).do(c, "GET", "/release_me", nil)
	c.Assert(status, gc.Equals, http.StatusBadRequest)
	perr := decodeError(c, data)
	c.Check(perr.Message, gc.Matches, "Can't find a machine with any following hostname .*127.0.0.1.*")
}

func (s *serverSuite) TestMetrics(c *gc.C) {
	s.readyMachine(c, "h1.example.com")

	status, data := s.newSession(c).do(c, "GET", "/metrics", nil)
	c.Assert(status, gc.Equals, http.StatusOK)
	body := string(data)
	c.Check(strings.Contains(body, `hostpool_machines{status="ready"} 1`), jc.IsTrue, gc.Commentf("body: %s", body))
}
