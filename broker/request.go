// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package broker

import (
	"fmt"

	"github.com/juju/errors"

	"github.com/juju/hostpool/magic"
	"github.com/juju/hostpool/query"
	"github.com/juju/hostpool/state"
	"github.com/juju/hostpool/task"
)

// Request is the blocking give-me-a-machine operation: it hands out
// ready machines matching q, provisioning new ones when there are
// none, and reserves whatever it obtained for the query's
// reserve-duration. Provisioning runs without a timeout. The error is
// NotFound-flavoured whenever no machine could be found or produced.
func (b *Broker) Request(memo *magic.Memo, q query.Query) ([]*state.Machine, error) {
	sanitised, err := b.sanitize(q)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if machines, err := b.config.Deduplicator.PreQuery(memo, sanitised); err != nil {
		return nil, errors.Trace(err)
	} else if len(machines) > 0 {
		return machines, nil
	}

	machines, err := b.findReady(sanitised)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(machines) == 0 {
		if !b.config.Deduplicator.AllowProvision(sanitised) {
			return nil, errors.Trace(noProvisionErr())
		}
		provisioned, err := b.config.Deduplicator.Flight(memo, sanitised, func() ([]*state.Machine, error) {
			return b.provision(memo, sanitised, 0)
		})
		if err != nil {
			return nil, errors.Trace(err)
		}
		machines = readyOnly(provisioned)
	}
	if len(machines) == 0 {
		return nil, fmt.Errorf("Failed to find or provision a machine%w", errors.Hide(errors.NotFound))
	}

	if err := b.reserve(machines, sanitised); err != nil {
		return nil, errors.Trace(err)
	}
	return b.reload(machines)
}

// findReady returns up to the query's count of ready machines.
func (b *Broker) findReady(q query.Query) ([]*state.Machine, error) {
	count := int(q.Int("count", 1))
	if count < 1 {
		count = 1
	}
	ready := q.Clone()
	ready["status"] = query.Bare(query.StringValue(string(state.StatusReady)))
	machines, err := b.find(ready, count)
	return machines, errors.Trace(err)
}

// readyOnly filters machines to those that survived provisioning.
func readyOnly(machines []*state.Machine) []*state.Machine {
	out := make([]*state.Machine, 0, len(machines))
	for _, m := range machines {
		if m.Status() == state.StatusReady {
			out = append(out, m)
		}
	}
	return out
}

// Reserve parks the machines matching q in reserved status for the
// query's reserve-duration. The reservation runs detached and releases
// the machines back to ready on its own; a machine already owned by a
// conflicting task rejects the whole reservation.
func (b *Broker) Reserve(q query.Query) ([]*state.Machine, error) {
	sanitised, err := b.sanitize(q)
	if err != nil {
		return nil, errors.Trace(err)
	}
	machines, err := b.find(sanitised, 0)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(machines) == 0 {
		return nil, nil
	}
	if err := b.reserve(machines, sanitised); err != nil {
		return nil, errors.Trace(err)
	}
	return b.reload(machines)
}

// reserve spawns a detached reservation over machines. The machines
// are reserved by the time it returns.
func (b *Broker) reserve(machines []*state.Machine, q query.Query) error {
	t, err := task.NewReserve(b.config.taskDeps(), machines, q)
	if err != nil {
		return errors.Trace(err)
	}
	if err := b.config.Engine.StartTask(t); err != nil {
		return errors.Trace(err)
	}
	logger.Debugf("reserved %d machines for %s under task %s", len(machines), t.Duration(), t.UUID())
	return nil
}
