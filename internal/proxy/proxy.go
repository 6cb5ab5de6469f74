// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package proxy implements the authorisation proxy: a transparent
// interception proxy that terminates client connections, parses the pub/sub
// wire protocol, applies per-channel authorisation on publish, rewrites
// payloads, and fans incoming publications back out to subscribed sessions.
package proxy

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/yvespollah/coordinator/internal/channels"
	"github.com/yvespollah/coordinator/internal/clog"
	"github.com/yvespollah/coordinator/internal/envelope"
	"github.com/yvespollah/coordinator/internal/token"
	"github.com/yvespollah/coordinator/internal/wire"
)

// Dialer opens a fresh connection to the upstream pub/sub store.
type Dialer func() (net.Conn, error)

// Proxy terminates client connections and mediates every publish/subscribe
// against the channel catalogue and ACL.
type Proxy struct {
	*clog.CLogger

	listenAddr string
	dial       Dialer

	acl    *channels.ACL
	cat    *channels.Catalogue
	tokens *token.Service

	readTimeout time.Duration

	mu       sync.Mutex // protects sessions
	sessions map[*Session]struct{}

	listener net.Listener
}

// New builds a Proxy that listens on listenAddr and dials upstream via
// dial. acl/cat/tokens are shared, read-only at steady state.
func New(listenAddr string, dial Dialer, acl *channels.ACL, cat *channels.Catalogue, tokens *token.Service) *Proxy {
	return &Proxy{
		CLogger:     clog.New("proxy "),
		listenAddr:  listenAddr,
		dial:        dial,
		acl:         acl,
		cat:         cat,
		tokens:      tokens,
		readTimeout: 5 * time.Second,
		sessions:    make(map[*Session]struct{}),
	}
}

// ListenAndServe starts the accept loop and the upstream fan-out listener,
// blocking until ctx is canceled or the listener fails.
func (p *Proxy) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.listenAddr)
	if err != nil {
		return fmt.Errorf("proxy: binding %s: %w", p.listenAddr, err)
	}
	p.listener = ln

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.runFanout(ctx)
	}()

	go func() {
		<-ctx.Done()
		ln.Close() // unblocks Accept below
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				wg.Wait()
				return nil
			default:
				return fmt.Errorf("proxy: accept: %w", err)
			}
		}
		go p.handleConn(ctx, conn)
	}
}

// Addr returns the proxy's bound address, valid once ListenAndServe has
// started listening.
func (p *Proxy) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

func (p *Proxy) addSession(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[s] = struct{}{}
}

func (p *Proxy) removeSession(s *Session) {
	p.mu.Lock()
	delete(p.sessions, s)
	p.mu.Unlock()
	s.Close()
}

// snapshotSubscribers takes a snapshot of sessions subscribed to channel
// without holding the sessions-table lock during delivery.
func (p *Proxy) snapshotSubscribers(channel string) []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*Session
	for s := range p.sessions {
		if sessionMatchesChannel(s, channel) {
			out = append(out, s)
		}
	}
	return out
}

func sessionMatchesChannel(s *Session, channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pattern := range s.subscribed {
		if pattern == channel {
			return true
		}
		if isPatternChannel(pattern) && patternMatches(pattern, channel) {
			return true
		}
	}
	return false
}

func isPatternChannel(s string) bool {
	return len(s) > 0 && (s[len(s)-1] == '*' || s[len(s)-1] == '#')
}

func patternMatches(pattern, channel string) bool {
	glob := strings.TrimSuffix(strings.TrimSuffix(pattern, "*"), "#") + "**"
	ok, _ := doublestar.Match(glob, channel)
	return ok
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// handleConn mediates one client connection bidirectionally against a fresh
// upstream connection.
func (p *Proxy) handleConn(ctx context.Context, conn net.Conn) {
	sess := newSession(conn)
	p.addSession(sess)
	defer p.removeSession(sess)

	up, err := p.dial()
	if err != nil {
		p.Errorf("proxy: failed dialing upstream for %s: %v", sess.RemoteAddr, err)
		return
	}
	defer up.Close()

	loopback := isLoopback(sess.RemoteAddr)
	r := bufio.NewReader(conn)
	upr := bufio.NewReader(up)

	for {
		if dl, ok := ctx.Deadline(); ok {
			conn.SetReadDeadline(dl)
		}
		frame, err := wire.ReadFrame(r)
		if err != nil {
			return // client disconnected or protocol error: tear down this session
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		if !wire.IsPubSubRelated(frame.Command) {
			p.passthrough(frame, up, upr, conn)
			continue
		}

		switch frame.Command {
		case "PING", "PONG":
			p.passthrough(frame, up, upr, conn)
		case "SUBSCRIBE", "PSUBSCRIBE":
			sess.Subscribe(frame.Args...)
			p.passthrough(frame, up, upr, conn)
		case "UNSUBSCRIBE", "PUNSUBSCRIBE":
			sess.Unsubscribe(frame.Args...)
			p.passthrough(frame, up, upr, conn)
		case "PUBLISH":
			p.handlePublish(sess, loopback, frame, up, upr, conn)
		default:
			p.passthrough(frame, up, upr, conn)
		}
	}
}

// passthrough forwards frame's raw bytes upstream unmodified, then relays
// exactly one upstream reply frame back to the client, with no ACL applied.
func (p *Proxy) passthrough(frame wire.Frame, up net.Conn, upr *bufio.Reader, conn net.Conn) {
	if _, err := up.Write(frame.Raw); err != nil {
		p.Errorf("proxy: forwarding to upstream failed: %v", err)
		return
	}
	reply, err := wire.ReadFrame(upr)
	if err != nil {
		p.Errorf("proxy: reading upstream reply failed: %v", err)
		return
	}
	conn.Write(reply.Raw)
}

// handlePublish decodes the envelope, authorises the publish, transforms
// and strips the token from the payload, then forwards it upstream.
func (p *Proxy) handlePublish(sess *Session, loopback bool, frame wire.Frame, up net.Conn, upr *bufio.Reader, conn net.Conn) {
	if len(frame.Args) < 2 {
		conn.Write(wire.EncodeSimpleError("ERR wrong number of arguments for 'publish' command"))
		return
	}
	channel, rawPayload := frame.Args[0], frame.Args[1]

	env, err := envelope.Decode([]byte(rawPayload))
	if err != nil {
		conn.Write(wire.EncodeSimpleError("ERR WRONGTYPE Invalid JSON format"))
		return
	}

	allowed, role, subject, hasToken := p.authorizePublish(channel, loopback, env)
	if !allowed {
		conn.Write(wire.EncodeSimpleError("ERR NOAUTH Permission denied"))
		return
	}
	if hasToken {
		sess.SetAuth(subject, role)
	}

	senderRole, senderID := string(role), subject
	if !hasToken {
		if loopback {
			senderRole, senderID = "coordinator", "coordinator"
		} else {
			senderRole, senderID = "", ""
		}
	}

	body, err := decodeJSONObject([]byte(rawPayload))
	if err != nil {
		conn.Write(wire.EncodeSimpleError("ERR WRONGTYPE Invalid JSON format"))
		return
	}

	body = transformPayload(body, senderID, senderRole, sess.RemoteAddr, channel)
	body = stripToken(body)

	out, err := encodeJSONObject(body)
	if err != nil {
		p.Errorf("proxy: re-encoding payload failed: %v", err)
		return
	}

	pubFrame := wire.EncodePublish(channel, string(out))
	if _, err := up.Write(pubFrame); err != nil {
		p.Errorf("proxy: forwarding publish to upstream failed: %v", err)
		return
	}
	reply, err := wire.ReadFrame(upr)
	if err != nil {
		p.Errorf("proxy: reading upstream publish reply failed: %v", err)
		return
	}
	conn.Write(reply.Raw)
}

// authorizePublish allows a publish when the channel is open, the connection
// is loopback, or a verified token's role satisfies the channel's ACL.
func (p *Proxy) authorizePublish(channel string, loopback bool, msg envelope.Message) (allowed bool, role token.Role, subject string, hasToken bool) {
	if msg.Token != "" {
		if payload, ok := p.tokens.Verify(msg.Token); ok {
			role, subject, hasToken = payload.Role, payload.Subject, true
		}
	}
	if p.acl.IsOpen(channel) || loopback {
		return true, role, subject, hasToken
	}
	if hasToken && p.acl.CanPublish(channel, role, false) {
		return true, role, subject, hasToken
	}
	return false, role, subject, hasToken
}

// runFanout owns the single long-lived upstream subscription that receives
// every publication on every catalogue channel and fans each one out to the
// sessions currently subscribed to it.
func (p *Proxy) runFanout(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := p.runFanoutOnce(ctx); err != nil {
			p.Errorf("proxy: fan-out listener error: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (p *Proxy) runFanoutOnce(ctx context.Context) error {
	up, err := p.dial()
	if err != nil {
		return fmt.Errorf("dialing upstream: %w", err)
	}
	defer up.Close()

	patterns := p.cat.Patterns()
	isPattern := make(map[string]bool, len(patterns))
	for _, p := range patterns {
		isPattern[p] = true
	}
	var literal []string
	for ch := range p.cat.All() {
		if !isPattern[ch] {
			literal = append(literal, ch)
		}
	}

	if len(literal) > 0 {
		if _, err := up.Write(subscribeFrame("SUBSCRIBE", literal)); err != nil {
			return err
		}
	}
	if len(patterns) > 0 {
		if _, err := up.Write(subscribeFrame("PSUBSCRIBE", patterns)); err != nil {
			return err
		}
	}

	r := bufio.NewReader(up)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		frame, err := wire.ReadFrame(r)
		if err != nil {
			return err
		}

		channel, payload, ok := extractMessage(frame)
		if !ok {
			continue
		}
		p.fanOut(channel, payload)
	}
}

// extractMessage recognises upstream "message"/"pmessage" push frames,
// returning (channel, payload, true) when frame is one.
func extractMessage(frame wire.Frame) (channel, payload string, ok bool) {
	switch frame.Command {
	case "MESSAGE":
		if len(frame.Args) >= 2 {
			return frame.Args[0], frame.Args[1], true
		}
	case "PMESSAGE":
		if len(frame.Args) >= 3 {
			return frame.Args[1], frame.Args[2], true
		}
	}
	return "", "", false
}

// fanOut delivers one copy of channel/payload to every currently subscribed
// session, encoded exactly as a native store would emit it. A session whose
// write fails is removed; it is the only kind of session affected by a
// fan-out failure.
func (p *Proxy) fanOut(channel, payload string) {
	frame := wire.EncodeMessage(channel, payload)
	for _, sess := range p.snapshotSubscribers(channel) {
		if err := sess.Write(frame); err != nil {
			p.removeSession(sess)
		}
	}
}

func subscribeFrame(command string, args []string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "*%d\r\n$%d\r\n%s\r\n", len(args)+1, len(command), command)
	for _, a := range args {
		fmt.Fprintf(&b, "$%d\r\n%s\r\n", len(a), a)
	}
	return []byte(b.String())
}
