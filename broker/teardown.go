// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package broker

import (
	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/juju/hostpool/query"
	"github.com/juju/hostpool/state"
	"github.com/juju/hostpool/task"
)

// Teardown releases the machines matching q back to their provisioners
// and removes them from the pool. Every task attached to a machine is
// cancelled first, so a reservation or a provisioning in flight never
// blocks a teardown. The returned records carry the machines' final
// state; a teardown outlasting the wait bound finishes in the
// background.
func (b *Broker) Teardown(q query.Query) ([]*state.Machine, error) {
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
	if err := b.clearTasks(machines); err != nil {
		return nil, errors.Trace(err)
	}

	t, err := task.NewTeardown(b.config.taskDeps(), machines, sanitised)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := b.config.Engine.StartTask(t); err != nil {
		return nil, errors.Trace(err)
	}
	if err := b.config.Engine.WaitTask(t.UUID(), cancelWait); err != nil {
		logger.Warningf("teardown task %s is still running: %v", t.UUID(), err)
		return b.reload(machines)
	}
	// The task is over and nothing writes these handles any more; they
	// carry the last recorded state of the now removed machines.
	return machines, nil
}

// clearTasks cancels every running task attached to the machines and
// waits out the cancellations. A descriptor whose task is not running
// is a leftover of an interrupted process that Resume could not
// rebuild; it is detached so it cannot hold the machine busy forever.
func (b *Broker) clearTasks(machines []*state.Machine) error {
	cancelled := set.NewStrings()
	for _, m := range machines {
		for uuid, ref := range m.Tasks() {
			if b.config.Engine.CancelTask(uuid) {
				cancelled.Add(uuid)
				continue
			}
			logger.Warningf("detaching stale %s task %s from machine %s", ref.Type, uuid, m)
			if err := m.DetachTask(uuid); err != nil && !errors.Is(err, state.ErrRemoved) {
				return errors.Trace(err)
			}
		}
	}
	if cancelled.IsEmpty() {
		return nil
	}
	for _, uuid := range cancelled.SortedValues() {
		if err := b.config.Engine.WaitTask(uuid, cancelWait); err != nil {
			return errors.Trace(err)
		}
	}
	// The cancelled tasks detached their descriptors through their own
	// handles; refresh ours so the engine's conflict check sees the
	// store's current view.
	for _, m := range machines {
		if err := m.Refresh(); err != nil && !errors.Is(err, state.ErrRemoved) {
			return errors.Trace(err)
		}
	}
	return nil
}

// Delete removes the matching machine records outright, without
// releasing anything with their provisioners. Tasks still running on
// them are left to find out on their own; every write path tolerates a
// removed machine.
func (b *Broker) Delete(q query.Query) ([]*state.Machine, error) {
	sanitised, err := b.sanitize(q)
	if err != nil {
		return nil, errors.Trace(err)
	}
	machines, err := b.find(sanitised, 0)
	if err != nil {
		return nil, errors.Trace(err)
	}
	for _, m := range machines {
		if err := m.Remove(); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return machines, nil
}
