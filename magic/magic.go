// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package magic implements the request deduplicator. Browsers and
// scripted clients retry identical requests, and every retry of a
// provisioning request would otherwise start another provisioning
// flight. Each session carries a Memo recording the hash of its last
// request and the magics of the machines that request produced; an
// identical repeat gets the recorded machines back instead of new
// ones, for as long as any of them survive in the store.
//
// The reserved magic values opt out: new forces a fresh allocation
// past the memo, noprovision forbids a provisioning flight entirely.
package magic

import (
	"sync"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/mgo/v3/bson"
	"github.com/juju/utils/v4"
	"golang.org/x/sync/singleflight"

	"github.com/juju/hostpool/query"
	"github.com/juju/hostpool/state"
)

var logger = loggo.GetLogger("hostpool.magic")

// Memo is one session's deduplicator bookkeeping: the hash of the
// last provisioning request and the magics of the machines it
// produced, plus the flight group that collapses concurrent repeats.
// Handlers sharing a session use it concurrently.
type Memo struct {
	mu      sync.Mutex
	hash    string
	magics  []string
	flights singleflight.Group
}

// LastRequest returns the recorded request hash and machine magics.
func (m *Memo) LastRequest() (string, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hash, append([]string(nil), m.magics...)
}

// RememberRequest replaces the recorded request.
func (m *Memo) RememberRequest(hash string, magics []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hash = hash
	m.magics = append([]string(nil), magics...)
}

// Deduplicator applies the session memos against the machine store.
// A nil Memo on any call disables deduplication for that call, which
// is what callers without a session (the house keeper, tests) want.
type Deduplicator struct {
	pool *state.Pool
}

// NewDeduplicator returns a Deduplicator over the given store.
func NewDeduplicator(pool *state.Pool) *Deduplicator {
	return &Deduplicator{pool: pool}
}

// PreQuery returns the machines an identical earlier request from the
// same session produced, so far as they still exist in the store. A
// nil result means the request must run the full pipeline: the memo
// is cold, the query differs, the machines are gone, or the caller
// asked for magic=new.
func (d *Deduplicator) PreQuery(memo *Memo, q query.Query) ([]*state.Machine, error) {
	if memo == nil {
		return nil, nil
	}
	if s, ok := q.Magic(); ok && s == query.MagicNew {
		return nil, nil
	}
	hash, magics := memo.LastRequest()
	if len(magics) == 0 || hash != query.Hash(q) {
		return nil, nil
	}
	machines, err := d.pool.FindMachines(bson.D{
		{"magic", bson.D{{"$in", magics}}},
	}, 0)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(machines) == 0 {
		return nil, nil
	}
	logger.Debugf("deduplicated request, returning %d of %d remembered machines", len(machines), len(magics))
	return machines, nil
}

// PreProvision stamps a fresh magic on any machine that lacks one and
// records the request against the session, binding the machines this
// flight produces to any identical repeat.
func (d *Deduplicator) PreProvision(memo *Memo, machines []*state.Machine, q query.Query) error {
	magics := make([]string, 0, len(machines))
	for _, m := range machines {
		if m.Magic() == "" {
			if err := m.SetFields(bson.D{{"magic", utils.MustNewUUID().String()}}); err != nil {
				return errors.Trace(err)
			}
		}
		magics = append(magics, m.Magic())
	}
	if memo != nil {
		memo.RememberRequest(query.Hash(q), magics)
	}
	return nil
}

// AllowProvision reports whether the query may start a provisioning
// flight. magic=noprovision pins a request to existing machines.
func (d *Deduplicator) AllowProvision(q query.Query) bool {
	s, ok := q.Magic()
	return !ok || s != query.MagicNoProvision
}

// Flight runs fn, collapsing concurrent callers: while one identical
// request from the same session is already provisioning, later ones
// wait for it and share its machines instead of starting their own
// flight. Sequential repeats are the memo's job, not Flight's.
func (d *Deduplicator) Flight(memo *Memo, q query.Query, fn func() ([]*state.Machine, error)) ([]*state.Machine, error) {
	if memo == nil {
		return fn()
	}
	v, err, shared := memo.flights.Do(query.Hash(q), func() (interface{}, error) {
		return fn()
	})
	if shared {
		logger.Debugf("concurrent duplicate request shared one provisioning flight")
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	machines, _ := v.([]*state.Machine)
	return machines, nil
}
