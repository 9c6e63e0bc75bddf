// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package broker composes the pool, the query pipeline, the task
// engine and the provisioners into the operations served to clients:
// query, provision, reserve, release, teardown, request and delete.
// Every operation takes a compiled query, sanitises it against the
// merged parameter schema and drives the work through tasks, so the
// broker itself holds no machine state beyond the pool.
package broker

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/juju/hostpool/inspector"
	"github.com/juju/hostpool/magic"
	"github.com/juju/hostpool/provisioner"
	"github.com/juju/hostpool/query"
	"github.com/juju/hostpool/state"
	"github.com/juju/hostpool/task"
)

var logger = loggo.GetLogger("hostpool.broker")

// ErrNoProvisioner mirrors provisioner.ErrNoProvisioner for callers
// that only deal with the broker.
const ErrNoProvisioner = provisioner.ErrNoProvisioner

// cancelWait bounds how long an operation waits for a cancelled or
// awaited task to unwind before carrying on without it.
const cancelWait = time.Minute

// Config holds the broker's collaborators.
type Config struct {
	Pool         *state.Pool
	Clock        clock.Clock
	Checker      task.Checker
	Inspectors   *inspector.Registry
	Provisioners *provisioner.Registry
	Engine       *task.Engine
	Deduplicator *magic.Deduplicator
}

// Validate is part of the usual config validation contract.
func (config Config) Validate() error {
	if config.Pool == nil {
		return errors.NotValidf("nil Pool")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Checker == nil {
		return errors.NotValidf("nil Checker")
	}
	if config.Inspectors == nil {
		return errors.NotValidf("nil Inspectors")
	}
	if config.Provisioners == nil {
		return errors.NotValidf("nil Provisioners")
	}
	if config.Engine == nil {
		return errors.NotValidf("nil Engine")
	}
	if config.Deduplicator == nil {
		return errors.NotValidf("nil Deduplicator")
	}
	return nil
}

// taskDeps narrows the config to the collaborators the task kinds use.
func (config Config) taskDeps() task.Deps {
	return task.Deps{
		Pool:         config.Pool,
		Clock:        config.Clock,
		Checker:      config.Checker,
		Provisioners: config.Provisioners,
	}
}

// Broker is the single entry point for machine operations.
type Broker struct {
	config   Config
	registry *query.Registry
}

// New returns a broker whose parameter schema merges the declarations
// of every inspector, every provisioner and the task kinds.
func New(config Config) (*Broker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	registry := query.NewRegistry()
	if err := config.Inspectors.RegisterParameters(registry); err != nil {
		return nil, errors.Trace(err)
	}
	if err := config.Provisioners.RegisterParameters(registry); err != nil {
		return nil, errors.Trace(err)
	}
	if err := task.RegisterParameters(registry); err != nil {
		return nil, errors.Trace(err)
	}
	return &Broker{config: config, registry: registry}, nil
}

// Registry exposes the merged parameter schema.
func (b *Broker) Registry() *query.Registry {
	return b.registry
}

// Provisioners exposes the provisioner registry, for surfaces that
// list the configured back ends.
func (b *Broker) Provisioners() *provisioner.Registry {
	return b.config.Provisioners
}

func (b *Broker) sanitize(q query.Query) (query.Query, error) {
	sanitised, err := query.Sanitize(q, b.registry)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return sanitised, nil
}

// find runs a sanitised query against the pool.
func (b *Broker) find(q query.Query, limit int) ([]*state.Machine, error) {
	filter := b.config.Inspectors.ComposeFilter(q)
	machines, err := b.config.Pool.FindMachines(filter, limit)
	return machines, errors.Trace(err)
}

// reload returns fresh pool snapshots of the given machines. Handles
// owned by a running task keep being written to; the broker only ever
// hands out records read back from the store. Machines removed in the
// meantime drop out.
func (b *Broker) reload(machines []*state.Machine) ([]*state.Machine, error) {
	out := make([]*state.Machine, 0, len(machines))
	for _, m := range machines {
		fresh, err := b.config.Pool.Machine(m.Magic())
		if errors.Is(err, errors.NotFound) {
			continue
		}
		if err != nil {
			return nil, errors.Trace(err)
		}
		out = append(out, fresh)
	}
	return out, nil
}

// Query returns the machines matching q. A repeat of the session's
// last provisioning request short-circuits to the machines that
// request produced, however far along they are.
func (b *Broker) Query(memo *magic.Memo, q query.Query) ([]*state.Machine, error) {
	sanitised, err := b.sanitize(q)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if machines, err := b.config.Deduplicator.PreQuery(memo, sanitised); err != nil {
		return nil, errors.Trace(err)
	} else if len(machines) > 0 {
		return machines, nil
	}
	machines, err := b.find(sanitised, 0)
	return machines, errors.Trace(err)
}
