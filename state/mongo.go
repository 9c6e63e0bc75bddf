// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"
)

const machinesC = "machines"

// MongoInfo describes how to reach the backing mongo.
type MongoInfo struct {
	Addr     string
	Database string
	Username string
	Password string
	Timeout  time.Duration
}

// OpenMongo dials mongo and ensures the machine collection indexes,
// returning a pool over it.
func OpenMongo(info MongoInfo) (*Pool, error) {
	if info.Timeout == 0 {
		info.Timeout = 10 * time.Second
	}
	session, err := mgo.DialWithInfo(&mgo.DialInfo{
		Addrs:    []string{info.Addr},
		Timeout:  info.Timeout,
		Database: info.Database,
		Username: info.Username,
		Password: info.Password,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "cannot connect to mongo at %q", info.Addr)
	}
	index := mgo.Index{Key: []string{"magic"}, Unique: true}
	if err := session.DB(info.Database).C(machinesC).EnsureIndex(index); err != nil {
		session.Close()
		return nil, errors.Annotate(err, "cannot ensure machine indexes")
	}
	logger.Infof("connected to mongo at %q, database %q", info.Addr, info.Database)
	return &Pool{backend: &mongoBackend{
		session:  session,
		database: info.Database,
	}}, nil
}

type mongoBackend struct {
	session  *mgo.Session
	database string
}

// machines returns the machine collection on a copied session, and a
// closer releasing it.
func (b *mongoBackend) machines() (*mgo.Collection, func()) {
	session := b.session.Copy()
	return session.DB(b.database).C(machinesC), session.Close
}

func (b *mongoBackend) insert(doc map[string]interface{}) error {
	coll, closer := b.machines()
	defer closer()
	if err := coll.Insert(doc); err != nil {
		if mgo.IsDup(err) {
			return errors.AlreadyExistsf("machine %q", doc["magic"])
		}
		return errors.Trace(err)
	}
	return nil
}

func (b *mongoBackend) find(filter bson.D, limit int) ([]map[string]interface{}, error) {
	coll, closer := b.machines()
	defer closer()
	query := coll.Find(filter)
	if limit > 0 {
		query = query.Limit(limit)
	}
	var docs []map[string]interface{}
	if err := query.All(&docs); err != nil {
		return nil, errors.Trace(err)
	}
	return docs, nil
}

func (b *mongoBackend) findOne(filter bson.D) (map[string]interface{}, error) {
	coll, closer := b.machines()
	defer closer()
	var doc map[string]interface{}
	if err := coll.Find(filter).One(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (b *mongoBackend) count(filter bson.D) (int, error) {
	coll, closer := b.machines()
	defer closer()
	n, err := coll.Find(filter).Count()
	return n, errors.Trace(err)
}

func (b *mongoBackend) apply(ident, set, unset, inc bson.D) (map[string]interface{}, error) {
	coll, closer := b.machines()
	defer closer()
	update := bson.D{}
	if len(set) > 0 {
		update = append(update, bson.DocElem{Name: "$set", Value: set})
	}
	if len(unset) > 0 {
		update = append(update, bson.DocElem{Name: "$unset", Value: unset})
	}
	if len(inc) > 0 {
		update = append(update, bson.DocElem{Name: "$inc", Value: inc})
	}
	var doc map[string]interface{}
	if len(update) == 0 {
		err := coll.Find(ident).One(&doc)
		return doc, err
	}
	change := mgo.Change{Update: update, ReturnNew: true}
	if _, err := coll.Find(ident).Apply(change, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (b *mongoBackend) remove(ident bson.D) error {
	coll, closer := b.machines()
	defer closer()
	return coll.Remove(ident)
}

func (b *mongoBackend) close() error {
	b.session.Close()
	return nil
}
