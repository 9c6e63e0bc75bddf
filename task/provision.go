// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package task

import (
	"context"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
	"github.com/juju/utils/v4"

	"github.com/juju/hostpool/provisioner"
	"github.com/juju/hostpool/query"
	"github.com/juju/hostpool/state"
)

// provisionParams declares the provision task's own parameters. They
// shadow the plain count, whiteboard and lifespan leaves so that the
// values survive in the recorded descriptor under unambiguous names.
func provisionParams() map[string]query.Descriptor {
	return map[string]query.Descriptor{
		"provision-count": {
			Type: query.KindInt,
			Ops:  query.Ops(query.OpNone),
			DefaultFunc: func(q query.Query) query.Value {
				return query.IntValue(q.Int("count", 1))
			},
			Description: "number of machines one provisioning job acquires",
		},
		"provision-whiteboard": {
			Type: query.KindString,
			Ops:  query.Ops(query.OpNone),
			DefaultFunc: func(q query.Query) query.Value {
				s, _ := q.Str("whiteboard")
				return query.StringValue(s)
			},
			Description: "note attached to the external provisioning job",
		},
		"provision-lifespan": {
			Type: query.KindInt,
			Ops:  query.Ops(query.OpNone),
			DefaultFunc: func(q query.Query) query.Value {
				return query.IntValue(q.Int("lifespan", 86400))
			},
			Description: "seconds the provisioned machines remain valid",
		},
	}
}

// seedSkip holds the query leaves never copied onto machine records.
var seedSkip = set.NewStrings("magic", "status", "hostname", "provisioner")

// Provision acquires machines from one provisioner, inspects them and
// moves them to ready.
type Provision struct {
	common
	deps        Deps
	provisioner provisioner.Provisioner
}

// NewProvision returns a provision task that fills the given blank
// machines through p.
func NewProvision(deps Deps, machines []*state.Machine, q query.Query, p provisioner.Provisioner) (*Provision, error) {
	return newProvision(utils.MustNewUUID().String(), deps, machines, q, p)
}

func newProvision(uuid string, deps Deps, machines []*state.Machine, q query.Query, p provisioner.Provisioner) (*Provision, error) {
	if err := deps.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if p == nil {
		return nil, errors.NotValidf("provision task without provisioner")
	}
	c, err := newCommon(uuid, KindProvision, machines, q, provisionParams())
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Provision{common: c, deps: deps, provisioner: p}, nil
}

// Provisioner returns the provisioner serving the task.
func (t *Provision) Provisioner() provisioner.Provisioner {
	return t.provisioner
}

// Routine seeds every machine with the query's scalar fields and the
// provisioner name, runs the provisioner, then inspects the machines
// and readies them. A resumed routine re-attaches to the provider's
// earlier job instead of submitting a new one. On cancellation the
// external job is released before the machines are failed.
func (t *Provision) Routine(ctx *Context) error {
	seed := t.seedFields()
	for _, m := range t.machines {
		if err := m.SetFields(seed); err != nil {
			return errors.Trace(err)
		}
		if m.Status().CanTransition(state.StatusPreparing) {
			if err := m.SetStatus(state.StatusPreparing); err != nil {
				return errors.Trace(err)
			}
		}
	}

	provision := t.provisioner.Provision
	if ctx.Resumed() {
		provision = t.provisioner.Resume
	}
	if err := provision(ctx, t.machines, t.query); err != nil {
		if ctx.Err() != nil {
			t.releaseJob()
		}
		t.inspectWreckage(ctx)
		return errors.Trace(err)
	}

	for _, m := range t.machines {
		if err := t.deps.Checker.PerformCheck(m, ctx.Done()); err != nil {
			return errors.Trace(err)
		}
		if m.Status() == state.StatusFailed {
			return errors.Errorf("machine %s failed inspection: %s", m, m.FailureMessage())
		}
		if err := m.SetStatus(state.StatusReady); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// seedFields is the initial write: every bare string leaf of the query
// plus the provisioner name.
func (t *Provision) seedFields() bson.D {
	fields := bson.D{}
	for _, name := range t.query.Names() {
		if seedSkip.Contains(name) {
			continue
		}
		if s, ok := t.query.Str(name); ok {
			fields = append(fields, bson.DocElem{Name: name, Value: s})
		}
	}
	fields = append(fields, bson.DocElem{Name: "provisioner", Value: t.provisioner.Name()})
	return fields
}

// releaseJob cancels the provider side of an interrupted provisioning.
func (t *Provision) releaseJob() {
	if err := t.provisioner.Teardown(context.Background(), t.machines, t.query); err != nil {
		logger.Errorf("cannot cancel provisioning of task %s: %v", t.uuid, err)
	}
}

// inspectWreckage collects what it can from machines of a failed
// provisioning, so the records carry their last known attributes.
func (t *Provision) inspectWreckage(ctx *Context) {
	for _, m := range t.machines {
		if m.Hostname() == "" {
			continue
		}
		if err := t.deps.Checker.PerformCheck(m, ctx.Done()); err != nil {
			logger.Debugf("inspecting %s after failed provisioning: %v", m, err)
		}
	}
}
