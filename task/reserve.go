// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package task

import (
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
	"github.com/juju/utils/v4"

	"github.com/juju/hostpool/query"
	"github.com/juju/hostpool/state"
)

// reserveStartField records when a reservation began, so a restarted
// broker can sleep out only the remainder.
const reserveStartField = "meta.reserve-start_time"

func reserveParams() map[string]query.Descriptor {
	return map[string]query.Descriptor{
		"reserve-duration": {
			Type:        query.KindInt,
			Ops:         query.Ops(query.OpNone),
			Default:     query.IntValue(86400),
			Description: "seconds a reservation lasts",
		},
	}
}

// Reserve parks machines in reserved status for a bounded time, then
// inspects them and hands them back to the ready pool. Cancelling a
// reservation releases it early through the same path.
type Reserve struct {
	common
	deps Deps
}

// NewReserve returns a reserve task over the given machines.
func NewReserve(deps Deps, machines []*state.Machine, q query.Query) (*Reserve, error) {
	return newReserve(utils.MustNewUUID().String(), deps, machines, q)
}

func newReserve(uuid string, deps Deps, machines []*state.Machine, q query.Query) (*Reserve, error) {
	if err := deps.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	c, err := newCommon(uuid, KindReserve, machines, q, reserveParams())
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Reserve{common: c, deps: deps}, nil
}

// Duration returns the reservation length.
func (t *Reserve) Duration() time.Duration {
	return time.Duration(t.query.Int("reserve-duration", 86400)) * time.Second
}

// OnStart stamps the reservation start on each machine and moves it to
// reserved. A machine resuming an interrupted reservation keeps its
// original stamp.
func (t *Reserve) OnStart() error {
	now := t.deps.Clock.Now().UTC()
	for _, m := range t.machines {
		if _, ok := m.TimeAttr(reserveStartField); !ok {
			if err := m.SetFields(bson.D{{Name: reserveStartField, Value: now}}); err != nil {
				return errors.Trace(err)
			}
		}
		if err := m.SetStatus(state.StatusReserved); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// Routine sleeps out the reservation on the clock. Cancellation means
// release: the sleep ends early and the routine still succeeds, so the
// machines travel back to ready through the success path.
func (t *Reserve) Routine(ctx *Context) error {
	remaining := t.Duration()
	if ctx.Resumed() {
		remaining = t.remaining()
	}
	select {
	case <-t.deps.Clock.After(remaining):
	case <-ctx.Done():
	}
	return nil
}

// remaining computes the time left from the earliest recorded start.
func (t *Reserve) remaining() time.Duration {
	duration := t.Duration()
	now := t.deps.Clock.Now()
	left := duration
	for _, m := range t.machines {
		start, ok := m.TimeAttr(reserveStartField)
		if !ok {
			continue
		}
		if l := start.Add(duration).Sub(now); l < left {
			left = l
		}
	}
	if left < 0 {
		return 0
	}
	return left
}

// OnSuccess inspects the machines and returns them to ready. A machine
// that fails its inspection stays failed; the others are released
// regardless.
func (t *Reserve) OnSuccess() error {
	for _, m := range t.machines {
		err := t.deps.Checker.PerformCheck(m, t.abort)
		switch {
		case errors.Is(err, state.ErrRemoved):
			continue
		case err != nil:
			return errors.Trace(err)
		}
		if m.Status() == state.StatusFailed {
			continue
		}
		if err := m.SetStatus(state.StatusReady); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// OnDone clears the reservation stamps; the next reservation starts
// its own clock.
func (t *Reserve) OnDone() error {
	for _, m := range t.machines {
		if err := m.UnsetFields(reserveStartField); err != nil && !errors.Is(err, state.ErrRemoved) {
			return errors.Trace(err)
		}
	}
	return nil
}
