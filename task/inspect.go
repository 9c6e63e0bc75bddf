// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package task

import (
	"github.com/juju/errors"
	"github.com/juju/utils/v4"

	"github.com/juju/hostpool/query"
	"github.com/juju/hostpool/state"
)

// Inspect refreshes the recorded attributes of its machines without
// moving them through the lifecycle.
type Inspect struct {
	common
	deps Deps
}

// NewInspect returns an inspect task over the given machines.
func NewInspect(deps Deps, machines []*state.Machine, q query.Query) (*Inspect, error) {
	return newInspect(utils.MustNewUUID().String(), deps, machines, q)
}

func newInspect(uuid string, deps Deps, machines []*state.Machine, q query.Query) (*Inspect, error) {
	if err := deps.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	c, err := newCommon(uuid, KindInspect, machines, q, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Inspect{common: c, deps: deps}, nil
}

// Routine runs the inspection pipeline over every machine. Inspection
// is idempotent, so a resumed routine is no different from a fresh
// one.
func (t *Inspect) Routine(ctx *Context) error {
	for _, m := range t.machines {
		if err := t.deps.Checker.PerformCheck(m, ctx.Done()); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}
