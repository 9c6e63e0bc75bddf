// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/errors"

	"github.com/juju/hostpool/apiserver/params"
	"github.com/juju/hostpool/broker"
	"github.com/juju/hostpool/query"
	"github.com/juju/hostpool/state"
	"github.com/juju/hostpool/version"
)

func (s *Server) router(metrics http.Handler) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", s.index).Methods("GET")
	r.HandleFunc("/parameters", s.parameters).Methods("GET")
	r.HandleFunc("/provisioners", s.provisioners).Methods("GET")
	r.HandleFunc("/machines", s.machines).Methods("GET")
	r.HandleFunc("/machines", s.deleteMachines).Methods("DELETE")
	r.HandleFunc("/machines/provision", s.provision).Methods("POST")
	r.HandleFunc("/machines/teardown", s.teardown).Methods("POST")
	r.HandleFunc("/machines/release", s.release).Methods("POST")
	r.HandleFunc("/machines/request", s.request).Methods("GET", "POST")
	r.HandleFunc("/release_me", s.releaseMe).Methods("GET")
	r.HandleFunc("/describ_me", s.describeMe).Methods("GET")
	r.HandleFunc("/tear_me_down", s.tearMeDown).Methods("GET")
	r.Handle("/metrics", metrics).Methods("GET")
	return r
}

func (s *Server) index(w http.ResponseWriter, req *http.Request) {
	sendJSON(w, http.StatusOK, params.Index{
		Message: "hostpool is working.",
		Version: version.Current,
	})
}

func (s *Server) parameters(w http.ResponseWriter, req *http.Request) {
	sendJSON(w, http.StatusOK, s.config.Broker.Registry().Public())
}

func (s *Server) provisioners(w http.ResponseWriter, req *http.Request) {
	names := s.config.Broker.Provisioners().Names()
	out := make(map[string]string, len(names))
	for _, name := range names {
		out[name] = name
	}
	sendJSON(w, http.StatusOK, out)
}

func (s *Server) machines(w http.ResponseWriter, req *http.Request) {
	q, err := query.ParseURL(req.URL.Query())
	if err != nil {
		s.sendError(w, req, err)
		return
	}
	machines, err := s.config.Broker.Query(s.sessions.memo(w, req), q)
	if err != nil {
		s.sendError(w, req, err)
		return
	}
	sendMachines(w, http.StatusOK, machines)
}

func (s *Server) provision(w http.ResponseWriter, req *http.Request) {
	q, err := bodyQuery(req)
	if err != nil {
		s.sendError(w, req, err)
		return
	}
	machines, err := s.config.Broker.Provision(s.sessions.memo(w, req), q, s.config.ProvisionWait)
	if err != nil {
		s.sendError(w, req, err)
		return
	}
	// The provisioning task may still be running; callers poll the
	// returned records by magic.
	sendMachines(w, http.StatusAccepted, machines)
}

func (s *Server) teardown(w http.ResponseWriter, req *http.Request) {
	q, err := bodyQuery(req)
	if err != nil {
		s.sendError(w, req, err)
		return
	}
	machines, err := s.config.Broker.Teardown(q)
	if err != nil {
		s.sendError(w, req, err)
		return
	}
	sendMachines(w, http.StatusOK, machines)
}

func (s *Server) release(w http.ResponseWriter, req *http.Request) {
	q, err := bodyQuery(req)
	if err != nil {
		s.sendError(w, req, err)
		return
	}
	machines, err := s.config.Broker.Release(q)
	if err != nil {
		s.sendError(w, req, err)
		return
	}
	sendMachines(w, http.StatusOK, machines)
}

func (s *Server) request(w http.ResponseWriter, req *http.Request) {
	var q query.Query
	var err error
	if req.Method == "POST" {
		q, err = bodyQuery(req)
	} else {
		q, err = query.ParseURL(req.URL.Query())
	}
	if err != nil {
		s.sendError(w, req, err)
		return
	}
	machines, err := s.config.Broker.Request(s.sessions.memo(w, req), q)
	if errors.Is(err, broker.ErrNoProvisioner) {
		// On this endpoint an exhausted (or vetoed) arbitration is
		// just a miss.
		s.sendNotFound(w, "Failed to find or provision a machine")
		return
	}
	if err != nil {
		s.sendError(w, req, err)
		return
	}
	sendMachines(w, http.StatusOK, machines)
}

func (s *Server) deleteMachines(w http.ResponseWriter, req *http.Request) {
	q, err := query.ParseURL(req.URL.Query())
	if err != nil {
		s.sendError(w, req, err)
		return
	}
	machines, err := s.config.Broker.Delete(q)
	if err != nil {
		s.sendError(w, req, err)
		return
	}
	sendMachines(w, http.StatusOK, machines)
}

// bodyQuery decodes a JSON request body into a compiled query.
func bodyQuery(req *http.Request) (query.Query, error) {
	defer req.Body.Close()
	var doc map[string]interface{}
	if err := json.NewDecoder(req.Body).Decode(&doc); err != nil {
		return nil, errors.Annotatef(query.ErrInvalidQuery, "decoding request body: %v", err)
	}
	q, err := query.FromDoc(doc)
	return q, errors.Trace(err)
}

func sendJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Errorf("writing response: %v", err)
	}
}

func sendMachines(w http.ResponseWriter, status int, machines []*state.Machine) {
	out := make([]params.Machine, len(machines))
	for i, m := range machines {
		out[i] = renderMachine(m)
	}
	sendJSON(w, status, out)
}

// renderMachine shapes a machine for the wire: the stored document
// without the internal id, timestamps as RFC 3339.
func renderMachine(m *state.Machine) params.Machine {
	doc := m.Doc()
	out := make(params.Machine, len(doc))
	for name, value := range doc {
		if name == "_id" {
			continue
		}
		out[name] = renderValue(value)
	}
	return out
}

func renderValue(value interface{}) interface{} {
	switch v := value.(type) {
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for name, inner := range v {
			out[name] = renderValue(inner)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, inner := range v {
			out[i] = renderValue(inner)
		}
		return out
	default:
		return value
	}
}
