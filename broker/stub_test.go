// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package broker_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"

	"github.com/juju/hostpool/query"
	"github.com/juju/hostpool/state"
)

// stubChecker stands in for the inspection pipeline: it records what
// it checked and can fail chosen machines the way the real checker
// does.
type stubChecker struct {
	mu      sync.Mutex
	checked []string
	fail    map[string]string
}

func (s *stubChecker) PerformCheck(m *state.Machine, abort <-chan struct{}) error {
	s.mu.Lock()
	s.checked = append(s.checked, m.Magic())
	message, failThis := s.fail[m.Magic()]
	s.mu.Unlock()
	if failThis {
		return m.Fail(message)
	}
	return nil
}

func (s *stubChecker) checkedMagics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.checked...)
}

// stubProvisioner fills machines with deterministic attributes and
// records every call. It can be made unavailable, blocked until
// cancellation or failed outright; entered signals each Provision
// call as it comes in.
type stubProvisioner struct {
	name    string
	entered chan struct{}

	mu          sync.Mutex
	seq         int
	provisions  int
	unavailable bool
	block       bool
	failWith    error
	teardowns   [][]string
}

func (s *stubProvisioner) Name() string { return s.name }

func (s *stubProvisioner) Parameters() map[string]query.Descriptor {
	return map[string]query.Descriptor{
		"cpu-arch": {
			Type: query.KindString,
			Ops:  query.Ops(query.OpNone, query.OpEq, query.OpIn),
		},
	}
}

func (s *stubProvisioner) Available(query.Query) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.unavailable
}

func (s *stubProvisioner) Cost(query.Query) float64 { return 10 }

func (s *stubProvisioner) Provision(ctx context.Context, machines []*state.Machine, q query.Query) error {
	s.mu.Lock()
	s.provisions++
	blocked := s.block
	failWith := s.failWith
	s.mu.Unlock()
	select {
	case s.entered <- struct{}{}:
	default:
	}
	if blocked {
		<-ctx.Done()
		return ctx.Err()
	}
	if failWith != nil {
		return failWith
	}
	return s.fill(machines, q)
}

func (s *stubProvisioner) Resume(ctx context.Context, machines []*state.Machine, q query.Query) error {
	return s.fill(machines, q)
}

func (s *stubProvisioner) fill(machines []*state.Machine, q query.Query) error {
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	lifespan := q.Int("provision-lifespan", 86400)
	for _, m := range machines {
		s.mu.Lock()
		s.seq++
		hostname := fmt.Sprintf("host-%d.stub.example", s.seq)
		s.mu.Unlock()
		err := m.SetFields(bson.D{
			{Name: "hostname", Value: hostname},
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

func (s *stubProvisioner) setUnavailable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = true
}

func (s *stubProvisioner) setBlock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.block = true
}

func (s *stubProvisioner) setFailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}
