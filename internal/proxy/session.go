// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package proxy

import (
	"net"
	"sync"

	"github.com/yvespollah/coordinator/internal/token"
)

// Session holds the volatile, per-connection state owned exclusively by the
// proxy. It is created on TCP accept and destroyed on either-side close;
// there is no durable representation.
type Session struct {
	RemoteAddr string

	writeMu sync.Mutex // serialises writes to conn
	conn    net.Conn

	mu            sync.Mutex // protects the fields below
	authenticated bool
	subjectID     string
	role          token.Role
	token         string
	subscribed    map[string]struct{}
}

// newSession creates a Session wrapping conn.
func newSession(conn net.Conn) *Session {
	return &Session{
		RemoteAddr: conn.RemoteAddr().String(),
		conn:       conn,
		subscribed: make(map[string]struct{}),
	}
}

// Write serialises a write of raw bytes to the client socket.
func (s *Session) Write(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(b)
	return err
}

// Subscribe adds channels to the session's subscribed set.
func (s *Session) Subscribe(chans ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chans {
		s.subscribed[c] = struct{}{}
	}
}

// Unsubscribe removes channels from the session's subscribed set. Passing no
// channels clears the set entirely, matching UNSUBSCRIBE with no arguments.
func (s *Session) Unsubscribe(chans ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(chans) == 0 {
		s.subscribed = make(map[string]struct{})
		return
	}
	for _, c := range chans {
		delete(s.subscribed, c)
	}
}

// IsSubscribed reports whether the session is currently subscribed to
// channel.
func (s *Session) IsSubscribed(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subscribed[channel]
	return ok
}

// SetAuth records the subject/role discovered from a successfully
// authorised publication.
func (s *Session) SetAuth(subjectID string, role token.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = true
	s.subjectID = subjectID
	s.role = role
}

// Auth returns the session's currently known authentication state.
func (s *Session) Auth() (authenticated bool, subjectID string, role token.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated, s.subjectID, s.role
}

// Close closes the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}
