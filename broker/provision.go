// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package broker

import (
	"fmt"
	"time"

	"github.com/juju/errors"

	"github.com/juju/hostpool/magic"
	"github.com/juju/hostpool/query"
	"github.com/juju/hostpool/state"
	"github.com/juju/hostpool/task"
)

// Provision acquires new machines through the cheapest provisioner
// that accepts q and waits up to wait for them to come ready. When the
// wait runs out the machines are returned as they stand and the task
// keeps running; callers poll them by magic. A zero or negative wait
// blocks until the task finishes. A repeat of the session's last
// request returns that request's machines instead of provisioning
// again, and identical concurrent requests collapse into a single
// provisioning flight; magic=new opts out of both.
func (b *Broker) Provision(memo *magic.Memo, q query.Query, wait time.Duration) ([]*state.Machine, error) {
	sanitised, err := b.sanitize(q)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if machines, err := b.config.Deduplicator.PreQuery(memo, sanitised); err != nil {
		return nil, errors.Trace(err)
	} else if len(machines) > 0 {
		return machines, nil
	}
	if !b.config.Deduplicator.AllowProvision(sanitised) {
		return nil, errors.Trace(noProvisionErr())
	}
	machines, err := b.config.Deduplicator.Flight(memo, sanitised, func() ([]*state.Machine, error) {
		return b.provision(memo, sanitised, wait)
	})
	return machines, errors.Trace(err)
}

// noProvisionErr reports a magic=noprovision veto. It wears the same
// traits as an exhausted provisioner registry so callers treat the two
// alike.
func noProvisionErr() error {
	return fmt.Errorf("provisioning forbidden by magic=%s%w%w",
		query.MagicNoProvision, errors.Hide(ErrNoProvisioner), errors.Hide(errors.NotFound))
}

// provision runs one provisioning flight over an already sanitised
// query. Blank machines created before a failure stay behind in status
// new with no task attached; the dead sweep reaps them.
func (b *Broker) provision(memo *magic.Memo, q query.Query, wait time.Duration) ([]*state.Machine, error) {
	pq := b.config.Inspectors.ProvisionFilter(q)
	p, pq, err := b.config.Provisioners.FindAvailable(pq)
	if err != nil {
		return nil, errors.Trace(err)
	}

	count := int(q.Int("count", 1))
	if count < 1 {
		count = 1
	}
	machines := make([]*state.Machine, count)
	for i := range machines {
		m, err := b.config.Pool.NewMachine()
		if err != nil {
			return nil, errors.Trace(err)
		}
		machines[i] = m
	}
	if err := b.config.Deduplicator.PreProvision(memo, machines, q); err != nil {
		return nil, errors.Trace(err)
	}

	t, err := task.NewProvision(b.config.taskDeps(), machines, pq, p)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := b.config.Engine.StartTask(t); err != nil {
		return nil, errors.Trace(err)
	}
	logger.Infof("provisioning %d machines through %q under task %s", count, p.Name(), t.UUID())

	if err := b.config.Engine.WaitTask(t.UUID(), wait); err != nil {
		if !errors.Is(err, errors.Timeout) {
			return nil, errors.Trace(err)
		}
		logger.Debugf("provision task %s still running after %s", t.UUID(), wait)
	}
	return b.reload(machines)
}
