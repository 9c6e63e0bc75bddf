// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
	"github.com/juju/pubsub/v2"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/hostpool/apiserver"
	"github.com/juju/hostpool/apiserver/params"
	"github.com/juju/hostpool/broker"
	"github.com/juju/hostpool/inspector"
	"github.com/juju/hostpool/magic"
	"github.com/juju/hostpool/provisioner"
	"github.com/juju/hostpool/query"
	"github.com/juju/hostpool/state"
	"github.com/juju/hostpool/task"
)

// fixture runs a complete server over the memory pool with a stub
// provisioner and checker, listening on a loopback port.
type fixture struct {
	pool     *state.Pool
	hub      *pubsub.SimpleHub
	prov     *stubProvisioner
	resolver *stubResolver
	engine   *task.Engine
	server   *apiserver.Server
	baseURL  string
}

func (s *fixture) SetUpTest(c *gc.C) {
	s.pool = state.NewMemory()
	s.hub = pubsub.NewSimpleHub(nil)
	s.prov = &stubProvisioner{name: "stub"}
	s.resolver = &stubResolver{names: make(map[string][]string)}

	provisioners, err := provisioner.NewRegistry(s.prov)
	c.Assert(err, jc.ErrorIsNil)
	inspectors, err := inspector.NewRegistry(inspector.BuiltIn()...)
	c.Assert(err, jc.ErrorIsNil)

	checker := &stubChecker{}
	s.engine, err = task.NewEngine(task.EngineConfig{
		Deps: task.Deps{
			Pool:         s.pool,
			Clock:        clock.WallClock,
			Checker:      checker,
			Provisioners: provisioners,
		},
		Hub: s.hub,
	})
	c.Assert(err, jc.ErrorIsNil)

	b, err := broker.New(broker.Config{
		Pool:         s.pool,
		Clock:        clock.WallClock,
		Checker:      checker,
		Inspectors:   inspectors,
		Provisioners: provisioners,
		Engine:       s.engine,
		Deduplicator: magic.NewDeduplicator(s.pool),
	})
	c.Assert(err, jc.ErrorIsNil)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, jc.ErrorIsNil)
	s.server, err = apiserver.NewServer(apiserver.Config{
		Broker:        b,
		Pool:          s.pool,
		Clock:         clock.WallClock,
		Hub:           s.hub,
		Listener:      listener,
		ProvisionWait: 5 * time.Second,
		Resolver:      s.resolver,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.baseURL = fmt.Sprintf("http://%s", s.server.Addr())
}

func (s *fixture) TearDownTest(c *gc.C) {
	if s.server != nil {
		s.server.Kill()
		c.Check(s.server.Wait(), jc.ErrorIsNil)
	}
	if s.engine != nil {
		s.engine.Kill()
		c.Check(s.engine.Wait(), jc.ErrorIsNil)
	}
	if s.pool != nil {
		c.Check(s.pool.Close(), jc.ErrorIsNil)
	}
}

// session is one cookie-carrying HTTP client against the fixture.
type session struct {
	base   string
	client *http.Client
}

func (s *fixture) newSession(c *gc.C) *session {
	jar, err := cookiejar.New(nil)
	c.Assert(err, jc.ErrorIsNil)
	return &session{base: s.baseURL, client: &http.Client{Jar: jar}}
}

func (s *session) do(c *gc.C, method, path string, body interface{}) (int, []byte) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		c.Assert(err, jc.ErrorIsNil)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, s.base+path, reader)
	c.Assert(err, jc.ErrorIsNil)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.client.Do(req)
	c.Assert(err, jc.ErrorIsNil)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	c.Assert(err, jc.ErrorIsNil)
	return resp.StatusCode, data
}

func (s *session) getMachines(c *gc.C, path string) (int, []params.Machine) {
	status, data := s.do(c, "GET", path, nil)
	return status, decodeMachines(c, data)
}

func (s *session) postMachines(c *gc.C, path string, q map[string]interface{}) (int, []params.Machine) {
	status, data := s.do(c, "POST", path, q)
	return status, decodeMachines(c, data)
}

func decodeMachines(c *gc.C, data []byte) []params.Machine {
	var machines []params.Machine
	c.Assert(json.Unmarshal(data, &machines), jc.ErrorIsNil, gc.Commentf("body: %s", data))
	return machines
}

func decodeError(c *gc.C, data []byte) *params.Error {
	var perr params.Error
	c.Assert(json.Unmarshal(data, &perr), jc.ErrorIsNil, gc.Commentf("body: %s", data))
	return &perr
}

func args(pairs ...string) string {
	values := url.Values{}
	for i := 0; i+1 < len(pairs); i += 2 {
		values.Add(pairs[i], pairs[i+1])
	}
	return "?" + values.Encode()
}

// readyMachine seeds a provisioned machine parked in ready.
func (s *fixture) readyMachine(c *gc.C, hostname string) *state.Machine {
	m, err := s.pool.NewMachine()
	c.Assert(err, jc.ErrorIsNil)
	m.Set("hostname", hostname)
	m.Set("status", string(state.StatusReady))
	m.Set("provisioner", s.prov.name)
	m.Set("cpu-arch", "x86_64")
	c.Assert(m.Save(), jc.ErrorIsNil)
	return m
}

type stubResolver struct {
	mu    sync.Mutex
	names map[string][]string
}

func (r *stubResolver) LookupAddr(addr string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	names, ok := r.names[addr]
	if !ok {
		return nil, errors.Errorf("no reverse record for %q", addr)
	}
	return names, nil
}

func (r *stubResolver) resolve(addr string, names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names[addr] = names
}

type stubChecker struct{}

func (s *stubChecker) PerformCheck(m *state.Machine, abort <-chan struct{}) error {
	return nil
}

// stubProvisioner fills machines with deterministic attributes.
type stubProvisioner struct {
	name string

	mu         sync.Mutex
	seq        int
	provisions int
	teardowns  [][]string
}

func (s *stubProvisioner) Name() string { return s.name }

func (s *stubProvisioner) Parameters() map[string]query.Descriptor {
	return map[string]query.Descriptor{
		"cpu-arch": {
			Type: query.KindString,
			Ops:  query.Ops(query.OpNone, query.OpEq, query.OpIn),
		},
		"memory-total_size": {
			Type: query.KindInt,
			Ops:  query.AllOps(),
		},
	}
}

func (s *stubProvisioner) Available(query.Query) bool { return true }

func (s *stubProvisioner) Cost(query.Query) float64 { return 10 }

func (s *stubProvisioner) Provision(ctx context.Context, machines []*state.Machine, q query.Query) error {
	s.mu.Lock()
	s.provisions++
	s.mu.Unlock()
	start := time.Now().UTC().Truncate(time.Second)
	lifespan := q.Int("provision-lifespan", 86400)
	for _, m := range machines {
		s.mu.Lock()
		s.seq++
		hostname := fmt.Sprintf("host-%d.stub.example", s.seq)
		s.mu.Unlock()
		err := m.SetFields(bson.D{
			{Name: "hostname", Value: hostname},
			{Name: "cpu-arch", Value: "x86_64"},
			{Name: "memory-total_size", Value: 16384},
			{Name: "start_time", Value: start},
			{Name: "lifespan", Value: lifespan},
			{Name: "expire_time", Value: start.Add(time.Duration(lifespan) * time.Second)},
		})
		if err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (s *stubProvisioner) Resume(ctx context.Context, machines []*state.Machine, q query.Query) error {
	return s.Provision(ctx, machines, q)
}

func (s *stubProvisioner) Teardown(ctx context.Context, machines []*state.Machine, q query.Query) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	called := make([]string, len(machines))
	for i, m := range machines {
		called[i] = m.Magic()
	}
	s.teardowns = append(s.teardowns, called)
	return nil
}

func (s *stubProvisioner) IsTornDown(context.Context, []*state.Machine, query.Query) (bool, error) {
	return false, nil
}

func (s *stubProvisioner) provisionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provisions
}

func (s *stubProvisioner) teardownCalls() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.teardowns...)
}
