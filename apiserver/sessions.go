// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/juju/hostpool/magic"
)

// sessionCookie names the cookie carrying the session id.
const sessionCookie = "hostpool-session"

// session pairs an id with its deduplication memo. The memo is all
// the state a session holds; everything else about a request is
// stateless.
type session struct {
	memo    magic.Memo
	expires time.Time
}

// sessionStore is the in-process session table. Sessions expire after
// a TTL of inactivity and are pruned as a side effect of lookups.
type sessionStore struct {
	clock clock.Clock
	ttl   time.Duration

	mu       sync.Mutex
	sessions map[string]*session
}

func newSessionStore(clk clock.Clock, ttl time.Duration) *sessionStore {
	return &sessionStore{
		clock:    clk,
		ttl:      ttl,
		sessions: make(map[string]*session),
	}
}

// memo returns the request's session memo, creating the session and
// setting its cookie when the request carries none. Every hit renews
// the session's expiry.
func (s *sessionStore) memo(w http.ResponseWriter, req *http.Request) *magic.Memo {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	s.pruneLocked(now)

	if cookie, err := req.Cookie(sessionCookie); err == nil {
		if sess, ok := s.sessions[cookie.Value]; ok {
			sess.expires = now.Add(s.ttl)
			return &sess.memo
		}
	}

	id := uuid.New().String()
	sess := &session{expires: now.Add(s.ttl)}
	s.sessions[id] = sess
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
	})
	return &sess.memo
}

func (s *sessionStore) pruneLocked(now time.Time) {
	for id, sess := range s.sessions {
		if sess.expires.Before(now) {
			delete(s.sessions, id)
		}
	}
}
