// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"net/http"

	"github.com/juju/errors"

	"github.com/juju/hostpool/apiserver/params"
	"github.com/juju/hostpool/broker"
	"github.com/juju/hostpool/query"
	"github.com/juju/hostpool/state"
)

// sendError maps an operation error to its wire envelope and status.
func (s *Server) sendError(w http.ResponseWriter, req *http.Request, err error) {
	perr, status := serverErrorAndStatus(err)
	logger.Debugf("returning error from %s %s: %v", req.Method, req.URL, err)
	sendJSON(w, status, perr)
}

// serverErrorAndStatus classifies err. A vetoed or exhausted
// provisioner arbitration is 406 on the provision endpoint and 404 on
// request; both wear the NotFound trait, so NoProvisioner is checked
// first and request's handler path never sees 406 for a plain miss.
func serverErrorAndStatus(err error) (*params.Error, int) {
	perr := &params.Error{Message: err.Error()}
	switch {
	case errors.Is(err, query.ErrInvalidQuery):
		perr.Code = params.CodeInvalidQuery
		return perr, http.StatusBadRequest
	case errors.Is(err, query.ErrValidation), errors.Is(err, errors.NotValid):
		perr.Code = params.CodeNotValid
		return perr, http.StatusBadRequest
	case errors.Is(err, errors.BadRequest):
		perr.Code = params.CodeInvalidQuery
		return perr, http.StatusBadRequest
	case errors.Is(err, broker.ErrNoProvisioner):
		perr.Code = params.CodeNoProvisioner
		return perr, http.StatusNotAcceptable
	case errors.Is(err, errors.NotFound):
		perr.Code = params.CodeNotFound
		return perr, http.StatusNotFound
	case errors.Is(err, state.ErrRemoved), errors.Is(err, errors.AlreadyExists):
		perr.Code = params.CodeConflict
		return perr, http.StatusConflict
	default:
		perr.Code = params.CodeServerError
		return perr, http.StatusInternalServerError
	}
}

// sendNotFound reports a miss with a literal message, the way the
// request endpoint has always phrased it.
func (s *Server) sendNotFound(w http.ResponseWriter, message string) {
	sendJSON(w, http.StatusNotFound, &params.Error{
		Message: message,
		Code:    params.CodeNotFound,
	})
}

// sendBadRequest reports a client error with a literal message.
func (s *Server) sendBadRequest(w http.ResponseWriter, message string) {
	sendJSON(w, http.StatusBadRequest, &params.Error{
		Message: message,
		Code:    params.CodeInvalidQuery,
	})
}
