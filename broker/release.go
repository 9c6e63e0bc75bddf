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

// Release ends the reservations of the machines matching q and returns
// the machines whose reservation was cancelled. A cancelled reservation
// inspects its machines and moves them back to ready before release
// returns; one that takes longer than the wait bound finishes in the
// background.
func (b *Broker) Release(q query.Query) ([]*state.Machine, error) {
	sanitised, err := b.sanitize(q)
	if err != nil {
		return nil, errors.Trace(err)
	}
	machines, err := b.find(sanitised, 0)
	if err != nil {
		return nil, errors.Trace(err)
	}

	var released []*state.Machine
	cancelled := set.NewStrings()
	for _, m := range machines {
		found := false
		for uuid, ref := range m.Tasks() {
			if ref.Type != string(task.KindReserve) {
				continue
			}
			if b.config.Engine.CancelTask(uuid) {
				cancelled.Add(uuid)
				found = true
			}
		}
		if found {
			released = append(released, m)
		}
	}

	for _, uuid := range cancelled.SortedValues() {
		if err := b.config.Engine.WaitTask(uuid, cancelWait); err != nil {
			logger.Warningf("cancelled reservation %s is still unwinding: %v", uuid, err)
		}
	}
	return b.reload(released)
}
