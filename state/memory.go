// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"sync"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"
)

// NewMemory returns a pool over an in-memory store. It backs the
// APP_STORE=memory escape hatch and most of the test suite, and
// interprets the same filter documents the mongo backend is given.
func NewMemory() *Pool {
	return &Pool{backend: &memoryBackend{
		docs: make(map[string]map[string]interface{}),
	}}
}

type memoryBackend struct {
	mu    sync.Mutex
	docs  map[string]map[string]interface{}
	order []string
}

func (b *memoryBackend) insert(doc map[string]interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	doc = normaliseDoc(doc)
	magic, _ := docString(doc["magic"])
	id, _ := docString(doc["_id"])
	if id == "" {
		id = magic
		doc["_id"] = id
	}
	if id == "" {
		return errors.NotValidf("machine document without id")
	}
	if _, taken := b.docs[id]; taken {
		return errors.AlreadyExistsf("machine %q", id)
	}
	for _, other := range b.docs {
		if magic != "" && other["magic"] == magic {
			return errors.AlreadyExistsf("machine %q", magic)
		}
	}
	b.docs[id] = doc
	b.order = append(b.order, id)
	return nil
}

// matchIDs returns the ids of documents matching the filter, in
// insertion order.
func (b *memoryBackend) matchIDs(filter bson.D) []string {
	var ids []string
	for _, id := range b.order {
		if matchFilter(b.docs[id], filter) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (b *memoryBackend) find(filter bson.D, limit int) ([]map[string]interface{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var docs []map[string]interface{}
	for _, id := range b.matchIDs(filter) {
		docs = append(docs, normaliseDoc(b.docs[id]))
		if limit > 0 && len(docs) == limit {
			break
		}
	}
	return docs, nil
}

func (b *memoryBackend) findOne(filter bson.D) (map[string]interface{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range b.matchIDs(filter) {
		return normaliseDoc(b.docs[id]), nil
	}
	return nil, mgo.ErrNotFound
}

func (b *memoryBackend) count(filter bson.D) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.matchIDs(filter)), nil
}

func (b *memoryBackend) apply(ident, set, unset, inc bson.D) (map[string]interface{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := b.matchIDs(ident)
	if len(ids) == 0 {
		return nil, mgo.ErrNotFound
	}
	doc := b.docs[ids[0]]
	for _, elem := range set {
		setDocValue(doc, elem.Name, elem.Value)
	}
	for _, elem := range unset {
		unsetDocValue(doc, elem.Name)
	}
	for _, elem := range inc {
		delta, _ := docInt(elem.Value)
		current, ok := docValue(doc, elem.Name)
		if !ok {
			setDocValue(doc, elem.Name, delta)
			continue
		}
		if f, isFloat := current.(float64); isFloat {
			setDocValue(doc, elem.Name, f+float64(delta))
			continue
		}
		n, _ := docInt(current)
		setDocValue(doc, elem.Name, n+delta)
	}
	return normaliseDoc(doc), nil
}

func (b *memoryBackend) remove(ident bson.D) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := b.matchIDs(ident)
	if len(ids) == 0 {
		return mgo.ErrNotFound
	}
	delete(b.docs, ids[0])
	for i, id := range b.order {
		if id == ids[0] {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return nil
}

func (b *memoryBackend) close() error {
	return nil
}
