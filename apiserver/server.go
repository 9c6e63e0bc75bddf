// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package apiserver exposes the broker over HTTP: machine queries and
// operations, the public parameter schema, per-machine self-service
// callbacks and prometheus metrics. Sessions ride a cookie and carry
// the request-deduplication memo.
package apiserver

import (
	"net"
	"net/http"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4/catacomb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/juju/hostpool/broker"
	"github.com/juju/hostpool/state"
)

var logger = loggo.GetLogger("hostpool.apiserver")

// defaultSessionTTL is how long an idle session keeps its memo.
const defaultSessionTTL = time.Hour

// Config holds the server's collaborators.
type Config struct {
	Broker *broker.Broker
	Pool   *state.Pool
	Clock  clock.Clock
	Hub    *pubsub.SimpleHub

	// Listener is the accepted socket; the server owns it.
	Listener net.Listener

	// ProvisionWait bounds the synchronous wait of the provision
	// endpoint. Zero means the endpoint blocks until the task is done.
	ProvisionWait time.Duration

	// SessionTTL bounds how long an idle session survives. Defaults
	// to an hour.
	SessionTTL time.Duration

	// Resolver reverse-resolves peer addresses for the self-service
	// callbacks. Defaults to the system resolver.
	Resolver Resolver
}

// Validate is part of the usual config validation contract.
func (config Config) Validate() error {
	if config.Broker == nil {
		return errors.NotValidf("nil Broker")
	}
	if config.Pool == nil {
		return errors.NotValidf("nil Pool")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	if config.Listener == nil {
		return errors.NotValidf("nil Listener")
	}
	return nil
}

// Server is the HTTP front end, run as a worker.
type Server struct {
	catacomb  catacomb.Catacomb
	config    Config
	sessions  *sessionStore
	collector *Collector
	unsub     func()
	server    *http.Server
}

// NewServer starts a server on the configured listener.
func NewServer(config Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.SessionTTL <= 0 {
		config.SessionTTL = defaultSessionTTL
	}
	if config.Resolver == nil {
		config.Resolver = netResolver{}
	}
	s := &Server{
		config:    config,
		sessions:  newSessionStore(config.Clock, config.SessionTTL),
		collector: NewCollector(config.Pool, config.Clock),
	}
	s.unsub = s.collector.subscribe(config.Hub)

	registry := prometheus.NewRegistry()
	if err := registry.Register(s.collector); err != nil {
		s.unsub()
		return nil, errors.Trace(err)
	}
	s.server = &http.Server{
		Handler: s.router(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})),
	}
	err := catacomb.Invoke(catacomb.Plan{
		Site: &s.catacomb,
		Work: s.loop,
	})
	if err != nil {
		s.unsub()
		return nil, errors.Trace(err)
	}
	return s, nil
}

// Kill is part of the worker.Worker interface.
func (s *Server) Kill() {
	s.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *Server) Wait() error {
	return s.catacomb.Wait()
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() net.Addr {
	return s.config.Listener.Addr()
}

func (s *Server) loop() error {
	defer s.unsub()
	logger.Infof("serving on %s", s.Addr())
	served := make(chan error, 1)
	go func() {
		served <- s.server.Serve(s.config.Listener)
	}()
	select {
	case <-s.catacomb.Dying():
		if err := s.server.Close(); err != nil {
			logger.Warningf("closing http server: %v", err)
		}
		<-served
		return s.catacomb.ErrDying()
	case err := <-served:
		return errors.Trace(err)
	}
}
