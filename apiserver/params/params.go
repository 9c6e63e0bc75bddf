// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package params holds the wire structures shared by the API server
// and the Go client. Machine records travel as open JSON objects, the
// same shape they have in the store, so the package stays small: an
// error envelope with a code, the index document and a few helpers.
package params

import (
	"time"
)

// Error codes carried in error responses.
const (
	CodeInvalidQuery  = "invalid query"
	CodeNotValid      = "not valid"
	CodeNotFound      = "not found"
	CodeNoProvisioner = "no provisioner"
	CodeConflict      = "conflict"
	CodeServerError   = "server error"
)

// Error is the JSON error envelope.
type Error struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Error is part of the error interface.
func (e *Error) Error() string {
	return e.Message
}

// ErrorCode lets httprequest clients inspect the code.
func (e *Error) ErrorCode() string {
	return e.Code
}

// Index is the response of GET /.
type Index struct {
	Message string `json:"message"`
	Version string `json:"version"`
}

// Machine is one machine record on the wire: the stored document with
// timestamps rendered as RFC 3339 strings.
type Machine map[string]interface{}

// Magic returns the machine's stable identifier.
func (m Machine) Magic() string {
	s, _ := m["magic"].(string)
	return s
}

// Hostname returns the machine's hostname, if provisioned.
func (m Machine) Hostname() string {
	s, _ := m["hostname"].(string)
	return s
}

// Status returns the machine's lifecycle status.
func (m Machine) Status() string {
	s, _ := m["status"].(string)
	return s
}

// Time parses the named field as an RFC 3339 timestamp.
func (m Machine) Time(name string) (time.Time, bool) {
	s, ok := m[name].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
