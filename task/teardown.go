// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package task

import (
	"sort"
	"time"

	"github.com/juju/errors"
	"github.com/juju/retry"
	"github.com/juju/utils/v4"

	"github.com/juju/hostpool/query"
	"github.com/juju/hostpool/state"
)

const (
	teardownAttempts = 5
	teardownDelay    = time.Second
	teardownMaxDelay = time.Minute
)

// Teardown releases machines back to their provisioners and removes
// them from the pool. The external release retries with backoff; when
// it keeps failing the task fails and the machines stay behind in
// failed for the dead sweep to reap.
type Teardown struct {
	common
	deps Deps
}

// NewTeardown returns a teardown task over the given machines.
func NewTeardown(deps Deps, machines []*state.Machine, q query.Query) (*Teardown, error) {
	return newTeardown(utils.MustNewUUID().String(), deps, machines, q)
}

func newTeardown(uuid string, deps Deps, machines []*state.Machine, q query.Query) (*Teardown, error) {
	if err := deps.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	c, err := newCommon(uuid, KindTeardown, machines, q, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Teardown{common: c, deps: deps}, nil
}

// OnStart moves the machines into teardown where the state machine
// permits. Machines that never made it to a hostname cannot hold
// teardown status and keep their current one.
func (t *Teardown) OnStart() error {
	for _, m := range t.machines {
		err := m.SetStatus(state.StatusTeardown)
		switch {
		case err == nil:
		case errors.Is(err, state.ErrRemoved):
		case errors.Is(err, errors.NotValid):
			logger.Debugf("machine %s stays in status %q through teardown: %v", m, m.Status(), err)
		default:
			return errors.Trace(err)
		}
	}
	return nil
}

// Routine releases the machines provisioner by provisioner, each group
// passed as its own fresh slice. Machines without a recorded
// provisioner have nothing external to release. Release may be invoked
// again for machines already released; provisioners treat it as
// idempotent.
func (t *Teardown) Routine(ctx *Context) error {
	groups := make(map[string][]*state.Machine)
	var names []string
	for _, m := range t.machines {
		name := m.Provisioner()
		if _, ok := groups[name]; !ok {
			names = append(names, name)
		}
		groups[name] = append(groups[name], m)
	}
	sort.Strings(names)

	for _, name := range names {
		if name == "" {
			logger.Warningf("machines %s have no provisioner recorded, removing without external release",
				machineNames(groups[name]))
			continue
		}
		p, err := t.deps.Provisioners.Provisioner(name)
		if err != nil {
			return errors.Trace(err)
		}
		group := groups[name]
		err = retry.Call(retry.CallArgs{
			Func: func() error {
				return p.Teardown(ctx, group, t.query)
			},
			IsFatalError: func(error) bool { return ctx.Err() != nil },
			NotifyFunc: func(err error, attempt int) {
				logger.Warningf("teardown attempt %d with %s failed: %v", attempt, name, err)
			},
			Attempts:    teardownAttempts,
			Delay:       teardownDelay,
			MaxDelay:    teardownMaxDelay,
			BackoffFunc: retry.DoubleDelay,
			Clock:       t.deps.Clock,
			Stop:        ctx.Done(),
		})
		if err != nil {
			return errors.Annotatef(err, "releasing machines of %s", name)
		}
	}
	return nil
}

// OnSuccess removes the machine documents; once the external resources
// are gone the machines leave the pool.
func (t *Teardown) OnSuccess() error {
	for _, m := range t.machines {
		if err := m.Remove(); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}
