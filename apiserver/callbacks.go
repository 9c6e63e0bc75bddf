// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"net"
	"net/http"
	"strings"

	"github.com/juju/collections/set"

	"github.com/juju/hostpool/query"
	"github.com/juju/hostpool/state"
)

// Resolver reverse-resolves peer addresses. The system resolver is
// used outside tests.
type Resolver interface {
	LookupAddr(addr string) ([]string, error)
}

type netResolver struct{}

func (netResolver) LookupAddr(addr string) ([]string, error) {
	return net.LookupAddr(addr)
}

// The self-service callbacks let a provisioned machine act on itself
// with nothing but curl: the peer address picks the machine. The peer
// is identified by every name its address resolves to, since the
// stored hostname may be any of them.

func (s *Server) releaseMe(w http.ResponseWriter, req *http.Request) {
	machines, ok := s.peerMachines(w, req)
	if !ok {
		return
	}
	released, err := s.config.Broker.Release(hostnameQuery(machines))
	if err != nil {
		s.sendError(w, req, err)
		return
	}
	sendMachines(w, http.StatusOK, released)
}

func (s *Server) describeMe(w http.ResponseWriter, req *http.Request) {
	machines, ok := s.peerMachines(w, req)
	if !ok {
		return
	}
	sendMachines(w, http.StatusOK, machines)
}

func (s *Server) tearMeDown(w http.ResponseWriter, req *http.Request) {
	machines, ok := s.peerMachines(w, req)
	if !ok {
		return
	}
	torndown, err := s.config.Broker.Teardown(hostnameQuery(machines))
	if err != nil {
		s.sendError(w, req, err)
		return
	}
	sendMachines(w, http.StatusOK, torndown)
}

// peerMachines resolves the calling peer to the machines registered
// under any of its names. A peer matching nothing is a 400, reported
// with every hostname that was tried.
func (s *Server) peerMachines(w http.ResponseWriter, req *http.Request) ([]*state.Machine, bool) {
	candidates := s.peerHostnames(req)
	if len(candidates) == 0 {
		s.sendBadRequest(w, "Can't resolve the peer address")
		return nil, false
	}
	q := query.Query{
		"hostname": query.Cond(query.OpIn, query.ListValue(candidates...)),
	}
	machines, err := s.config.Broker.Query(nil, q)
	if err != nil {
		s.sendError(w, req, err)
		return nil, false
	}
	if len(machines) == 0 {
		s.sendBadRequest(w, "Can't find a machine with any following hostname "+strings.Join(candidates, ", "))
		return nil, false
	}
	return machines, true
}

// peerHostnames returns the peer's address and every name it reverse
// resolves to, with and without the trailing dot.
func (s *Server) peerHostnames(req *http.Request) []string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	if host == "" {
		return nil
	}
	candidates := set.NewStrings(host)
	names, err := s.config.Resolver.LookupAddr(host)
	if err != nil {
		logger.Debugf("reverse lookup of %q: %v", host, err)
	}
	for _, name := range names {
		candidates.Add(name)
		candidates.Add(strings.TrimSuffix(name, "."))
	}
	return candidates.SortedValues()
}

// hostnameQuery pins an operation to exactly the machines already
// matched, by hostname.
func hostnameQuery(machines []*state.Machine) query.Query {
	hostnames := make([]string, 0, len(machines))
	for _, m := range machines {
		if hostname := m.Hostname(); hostname != "" {
			hostnames = append(hostnames, hostname)
		}
	}
	return query.Query{
		"hostname": query.Cond(query.OpIn, query.ListValue(hostnames...)),
	}
}
