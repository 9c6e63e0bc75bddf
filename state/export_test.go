// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"github.com/juju/mgo/v3/bson"
)

var MatchFilter = matchFilter

// InsertDoc feeds a raw document into the pool's backend, sidestepping
// NewMachine's field conventions.
func InsertDoc(p *Pool, doc map[string]interface{}) error {
	return p.backend.insert(doc)
}

// FindDocs exposes the backend find for filter tests.
func FindDocs(p *Pool, filter bson.D) ([]map[string]interface{}, error) {
	return p.backend.find(filter, 0)
}
