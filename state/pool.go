// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package state implements the machine store: one collection of
// open-ended machine documents with a unique magic identifier, atomic
// field updates returning post-images, and a journalled entity type
// layered on top. Two backends satisfy the same contract, mongo for
// production and an in-memory store for tests and small deployments.
package state

import (
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"
	"github.com/juju/utils/v4"
)

var logger = loggo.GetLogger("hostpool.state")

// ErrRemoved is returned by machine operations whose backing document
// has vanished from the store, typically because a teardown task or
// the house keeper deleted it from under the caller.
const ErrRemoved = errors.ConstError("machine removed")

// backend is the raw document store under a Pool. Both
// implementations speak mgo's vocabulary: a missing document is
// mgo.ErrNotFound, leaving mapping to friendlier errors to the Pool
// and Machine layers.
type backend interface {
	insert(doc map[string]interface{}) error
	find(filter bson.D, limit int) ([]map[string]interface{}, error)
	findOne(filter bson.D) (map[string]interface{}, error)
	count(filter bson.D) (int, error)
	apply(ident, set, unset, inc bson.D) (map[string]interface{}, error)
	remove(ident bson.D) error
	close() error
}

// Pool is the machine store.
type Pool struct {
	backend backend
}

// NewMachine creates an empty machine with a fresh magic and status
// new. Every other field is written later by the task that owns it.
func (p *Pool) NewMachine() (*Machine, error) {
	magic := utils.MustNewUUID().String()
	doc := map[string]interface{}{
		"_id":    magic,
		"magic":  magic,
		"status": string(StatusNew),
		"tasks":  map[string]interface{}{},
	}
	if err := p.backend.insert(doc); err != nil {
		return nil, errors.Trace(err)
	}
	logger.Debugf("new machine %q", magic)
	return newMachine(p, doc), nil
}

// Machine returns the machine with the given magic.
func (p *Pool) Machine(magic string) (*Machine, error) {
	doc, err := p.backend.findOne(bson.D{{"magic", magic}})
	if err == mgo.ErrNotFound {
		return nil, errors.NotFoundf("machine %q", magic)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return newMachine(p, doc), nil
}

// FindMachines returns the machines matching the store filter, up to
// limit when limit is positive.
func (p *Pool) FindMachines(filter bson.D, limit int) ([]*Machine, error) {
	docs, err := p.backend.find(filter, limit)
	if err != nil {
		return nil, errors.Trace(err)
	}
	machines := make([]*Machine, len(docs))
	for i, doc := range docs {
		machines[i] = newMachine(p, doc)
	}
	return machines, nil
}

// FindOneMachine returns the first machine matching the store filter.
func (p *Pool) FindOneMachine(filter bson.D) (*Machine, error) {
	doc, err := p.backend.findOne(filter)
	if err == mgo.ErrNotFound {
		return nil, errors.NotFoundf("machine matching filter")
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return newMachine(p, doc), nil
}

// CountMachines returns how many machines match the store filter.
func (p *Pool) CountMachines(filter bson.D) (int, error) {
	n, err := p.backend.count(filter)
	return n, errors.Trace(err)
}

// Close releases the backing store.
func (p *Pool) Close() error {
	return errors.Trace(p.backend.close())
}
