// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"
)

// Status is the lifecycle state of a machine.
type Status string

const (
	StatusNew       Status = "new"
	StatusPreparing Status = "preparing"
	StatusReady     Status = "ready"
	StatusReserved  Status = "reserved"
	StatusTeardown  Status = "teardown"
	StatusFailed    Status = "failed"
	StatusDeleted   Status = "deleted"
)

// Known reports whether s is one of the machine statuses.
func (s Status) Known() bool {
	switch s {
	case StatusNew, StatusPreparing, StatusReady, StatusReserved,
		StatusTeardown, StatusFailed, StatusDeleted:
		return true
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusDeleted
}

// needsHostname lists the statuses a machine may only hold once a
// provisioner has assigned its hostname.
func (s Status) needsHostname() bool {
	switch s {
	case StatusReady, StatusReserved, StatusTeardown:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusNew:       {StatusPreparing},
	StatusPreparing: {StatusReady, StatusTeardown},
	StatusReady:     {StatusReserved, StatusTeardown},
	StatusReserved:  {StatusReady, StatusTeardown},
	StatusTeardown:  {StatusDeleted},
	StatusFailed:    {StatusTeardown},
}

// CanTransition reports whether the machine state machine permits
// moving from s to next. failed is reachable from any non-terminal
// status, and re-asserting a non-terminal status is always allowed.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	if s == next || next == StatusFailed {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TaskRef is the task descriptor embedded in a machine document under
// tasks.<uuid>. It is the only task state that survives a process
// restart; the engine rebuilds in-memory tasks from it.
type TaskRef struct {
	Type   string
	Status string
	Query  map[string]interface{}
}

// Machine is an in-memory view of one machine document plus an update
// journal. Reserved fields have typed accessors; everything else is
// reachable through Attr and friends. Mutations through Set and Unset
// accumulate on the journal until Save flushes them in one atomic
// update; SetFields, UnsetFields, Inc and Apply go straight to the
// store and reflect the post-image back, bypassing the journal.
type Machine struct {
	pool    *Pool
	doc     map[string]interface{}
	journal *Update
	removed bool
}

func newMachine(pool *Pool, doc map[string]interface{}) *Machine {
	return &Machine{
		pool:    pool,
		doc:     normaliseDoc(doc),
		journal: NewUpdate(),
	}
}

// Magic returns the machine's stable opaque identifier.
func (m *Machine) Magic() string {
	magic, _ := docString(m.doc["magic"])
	return magic
}

// Hostname returns the machine's hostname, empty until provisioned.
func (m *Machine) Hostname() string {
	hostname, _ := docString(m.doc["hostname"])
	return hostname
}

// Status returns the machine's lifecycle status.
func (m *Machine) Status() Status {
	status, _ := docString(m.doc["status"])
	return Status(status)
}

// Provisioner returns the name of the provisioner that created the
// machine, empty before provisioning starts.
func (m *Machine) Provisioner() string {
	name, _ := docString(m.doc["provisioner"])
	return name
}

// FailureMessage returns the recorded failure, present only while the
// machine status is failed.
func (m *Machine) FailureMessage() string {
	message, _ := docString(m.doc["failure-message"])
	return message
}

// StartTime returns when provisioning of the machine began.
func (m *Machine) StartTime() (time.Time, bool) {
	return docTime(m.doc["start_time"])
}

// ExpireTime returns when the machine stops being valid.
func (m *Machine) ExpireTime() (time.Time, bool) {
	return docTime(m.doc["expire_time"])
}

// Lifespan returns how long the machine remains valid after its start
// time, in seconds.
func (m *Machine) Lifespan() (int64, bool) {
	return docInt(m.doc["lifespan"])
}

// Meta returns a copy of the provisioner- and task-private scratch
// document.
func (m *Machine) Meta() map[string]interface{} {
	meta, ok := asMap(m.doc["meta"])
	if !ok {
		return map[string]interface{}{}
	}
	return normaliseDoc(meta)
}

// Tasks returns the task descriptors currently attached to the
// machine, keyed by task uuid.
func (m *Machine) Tasks() map[string]TaskRef {
	out := make(map[string]TaskRef)
	tasks, ok := asMap(m.doc["tasks"])
	if !ok {
		return out
	}
	for uuid, raw := range tasks {
		fields, ok := asMap(raw)
		if !ok {
			continue
		}
		ref := TaskRef{}
		ref.Type, _ = docString(fields["type"])
		ref.Status, _ = docString(fields["status"])
		if q, ok := asMap(fields["query"]); ok {
			ref.Query = normaliseDoc(q)
		}
		out[uuid] = ref
	}
	return out
}

// Attr resolves a possibly dotted attribute path on the document.
func (m *Machine) Attr(path string) (interface{}, bool) {
	return docValue(m.doc, path)
}

// StringAttr resolves a string attribute.
func (m *Machine) StringAttr(path string) (string, bool) {
	value, ok := docValue(m.doc, path)
	if !ok {
		return "", false
	}
	return docString(value)
}

// IntAttr resolves an integer attribute, coercing the numeric types
// mongo may hand back.
func (m *Machine) IntAttr(path string) (int64, bool) {
	value, ok := docValue(m.doc, path)
	if !ok {
		return 0, false
	}
	return docInt(value)
}

// TimeAttr resolves a timestamp attribute.
func (m *Machine) TimeAttr(path string) (time.Time, bool) {
	value, ok := docValue(m.doc, path)
	if !ok {
		return time.Time{}, false
	}
	return docTime(value)
}

// Doc returns a deep copy of the machine document.
func (m *Machine) Doc() map[string]interface{} {
	return normaliseDoc(m.doc)
}

// Removed reports whether the backing document is known to be gone.
func (m *Machine) Removed() bool {
	return m.removed
}

// String identifies the machine in logs, preferring the hostname once
// provisioning has assigned one.
func (m *Machine) String() string {
	if hostname := m.Hostname(); hostname != "" {
		return hostname
	}
	return m.Magic()
}

// ident is the store selector for this machine: magic when present,
// then hostname, then the raw document id.
func (m *Machine) ident() bson.D {
	if magic, _ := docString(m.doc["magic"]); magic != "" {
		return bson.D{{"magic", magic}}
	}
	if hostname, _ := docString(m.doc["hostname"]); hostname != "" {
		return bson.D{{"hostname", hostname}}
	}
	return bson.D{{"_id", m.doc["_id"]}}
}

// Set queues a field write on the journal and applies it to the local
// document immediately. Save flushes the journal to the store.
func (m *Machine) Set(name string, value interface{}) {
	m.journal.Set(name, value)
	setDocValue(m.doc, name, value)
}

// Unset queues a field removal on the journal and applies it to the
// local document immediately.
func (m *Machine) Unset(name string) {
	m.journal.Unset(name)
	unsetDocValue(m.doc, name)
}

// Dirty reports whether the journal holds unsaved changes.
func (m *Machine) Dirty() bool {
	return !m.journal.Empty()
}

// Save validates the document and flushes the journal as one atomic
// multi-field update, then clears the journal. The journal is kept on
// failure so the flush can be retried.
func (m *Machine) Save() error {
	if m.removed {
		return errors.Trace(ErrRemoved)
	}
	if m.journal.Empty() {
		return nil
	}
	if err := m.validate(); err != nil {
		return errors.Trace(err)
	}
	if err := m.Apply(m.journal); err != nil {
		return errors.Trace(err)
	}
	m.journal = NewUpdate()
	return nil
}

// Apply runs the update as a single atomic operation against the
// store and reflects the post-image into the machine. It bypasses the
// journal; pending journalled changes stay queued for Save.
func (m *Machine) Apply(update *Update) error {
	if update.Empty() {
		return nil
	}
	set, unset := update.split()
	return errors.Trace(m.applyRaw(set, unset, nil))
}

// SetFields atomically writes the given fields, bypassing the journal.
func (m *Machine) SetFields(fields bson.D) error {
	return errors.Trace(m.applyRaw(fields, nil, nil))
}

// UnsetFields atomically removes the given fields, bypassing the
// journal.
func (m *Machine) UnsetFields(names ...string) error {
	unset := make(bson.D, 0, len(names))
	for _, name := range names {
		unset = append(unset, bson.DocElem{Name: name, Value: 1})
	}
	return errors.Trace(m.applyRaw(nil, unset, nil))
}

// Inc atomically increments a numeric field and returns its new value.
func (m *Machine) Inc(name string, delta int64) (int64, error) {
	if err := m.applyRaw(nil, nil, bson.D{{name, delta}}); err != nil {
		return 0, errors.Trace(err)
	}
	value, _ := docValue(m.doc, name)
	n, _ := docInt(value)
	return n, nil
}

func (m *Machine) applyRaw(set, unset, inc bson.D) error {
	if m.removed {
		return errors.Trace(ErrRemoved)
	}
	doc, err := m.pool.backend.apply(m.ident(), set, unset, inc)
	if err == mgo.ErrNotFound {
		m.removed = true
		return errors.Trace(ErrRemoved)
	}
	if err != nil {
		return errors.Trace(err)
	}
	m.doc = normaliseDoc(doc)
	return nil
}

// SetStatus moves the machine through its status state machine,
// clearing any stale failure message on the way out of failed.
func (m *Machine) SetStatus(status Status) error {
	if m.removed {
		return errors.Trace(ErrRemoved)
	}
	if !status.Known() {
		return errors.NotValidf("machine status %q", status)
	}
	from := m.Status()
	if !from.CanTransition(status) {
		return errors.NotValidf("status transition %q -> %q", from, status)
	}
	if status.needsHostname() && m.Hostname() == "" {
		return errors.NotValidf("status %q without hostname", status)
	}
	update := NewUpdate().Set("status", string(status))
	if _, failed := m.doc["failure-message"]; failed && status != StatusFailed {
		update.Unset("failure-message")
	}
	return errors.Trace(m.Apply(update))
}

// Fail marks the machine failed with the given message. Any
// non-terminal status may fail.
func (m *Machine) Fail(message string) error {
	if m.removed {
		return errors.Trace(ErrRemoved)
	}
	if m.Status().Terminal() {
		return errors.NotValidf("failing machine %q in status %q", m, m.Status())
	}
	update := NewUpdate().
		Set("status", string(StatusFailed)).
		Set("failure-message", message)
	return errors.Trace(m.Apply(update))
}

// AttachTask records a task descriptor on the machine.
func (m *Machine) AttachTask(uuid string, ref TaskRef) error {
	descriptor := map[string]interface{}{
		"type":   ref.Type,
		"status": ref.Status,
		"query":  ref.Query,
	}
	return errors.Trace(m.SetFields(bson.D{{"tasks." + uuid, descriptor}}))
}

// DetachTask removes a task descriptor from the machine.
func (m *Machine) DetachTask(uuid string) error {
	return errors.Trace(m.UnsetFields("tasks." + uuid))
}

// Refresh reloads the machine document from the store.
func (m *Machine) Refresh() error {
	if m.removed {
		return errors.Trace(ErrRemoved)
	}
	doc, err := m.pool.backend.findOne(m.ident())
	if err == mgo.ErrNotFound {
		m.removed = true
		return errors.Trace(ErrRemoved)
	}
	if err != nil {
		return errors.Trace(err)
	}
	m.doc = normaliseDoc(doc)
	return nil
}

// Remove deletes the machine document. Removal is idempotent: a
// document already gone from the store still leaves the machine
// marked removed.
func (m *Machine) Remove() error {
	if m.removed {
		return nil
	}
	err := m.pool.backend.remove(m.ident())
	if err != nil && err != mgo.ErrNotFound {
		return errors.Trace(err)
	}
	m.removed = true
	m.doc["status"] = string(StatusDeleted)
	return nil
}

// validate is the self check run before a journal flush: a machine
// must keep its magic, a known status, and a hostname in the statuses
// that require one.
func (m *Machine) validate() error {
	if m.Magic() == "" {
		return errors.NotValidf("machine without magic")
	}
	status := m.Status()
	if !status.Known() {
		return errors.NotValidf("machine %q status %q", m.Magic(), status)
	}
	if status.needsHostname() && m.Hostname() == "" {
		return errors.NotValidf("machine %q in status %q without hostname", m.Magic(), status)
	}
	return nil
}
