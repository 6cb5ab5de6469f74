// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yvespollah/coordinator/internal/channels"
	"github.com/yvespollah/coordinator/internal/token"
	"github.com/yvespollah/coordinator/internal/wire"
)

// fakeUpstream stands in for the native pub/sub store: it acknowledges
// SUBSCRIBE/PSUBSCRIBE/PUBLISH like a real store would and records every
// publish it received, so tests can assert on what the proxy forwarded.
type fakeUpstream struct {
	mu        sync.Mutex
	conns     []net.Conn
	publishes [][2]string // channel, payload
}

func (f *fakeUpstream) dial() (net.Conn, error) {
	client, server := net.Pipe()
	f.mu.Lock()
	f.conns = append(f.conns, server)
	f.mu.Unlock()
	go f.serve(server)
	return client, nil
}

func (f *fakeUpstream) serve(conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		frame, err := wire.ReadFrame(r)
		if err != nil {
			return
		}
		switch frame.Command {
		case "PUBLISH":
			if len(frame.Args) >= 2 {
				f.mu.Lock()
				f.publishes = append(f.publishes, [2]string{frame.Args[0], frame.Args[1]})
				f.mu.Unlock()
			}
			conn.Write([]byte(":1\r\n"))
		default:
			conn.Write([]byte("+OK\r\n"))
		}
	}
}

func (f *fakeUpstream) lastPublish() ([2]string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.publishes) == 0 {
		return [2]string{}, false
	}
	return f.publishes[len(f.publishes)-1], true
}

// fanoutConn returns the server side of the proxy's long-lived fan-out
// connection, which is always the first one dialed.
func (f *fakeUpstream) fanoutConn() net.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[0]
}

func newTestProxy(t *testing.T) (*Proxy, *fakeUpstream, *token.Service) {
	t.Helper()
	cat := channels.NewCatalogue()
	acl := channels.NewACL(cat)
	tokens := token.New("test-secret-test-secret")
	up := &fakeUpstream{}
	p := New("127.0.0.1:0", up.dial, acl, cat, tokens)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go p.ListenAndServe(ctx)

	require.Eventually(t, func() bool { return p.Addr() != nil }, time.Second, time.Millisecond)
	// Give the fan-out listener time to dial and issue its bulk subscription.
	time.Sleep(50 * time.Millisecond)

	return p, up, tokens
}

func dialProxy(t *testing.T, p *Proxy) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", p.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readReply(t *testing.T, r *bufio.Reader) wire.Frame {
	t.Helper()
	frame, err := wire.ReadFrame(r)
	require.NoError(t, err)
	return frame
}

func TestPublishOpenChannelInjectsMetadataAndForwards(t *testing.T) {
	p, up, _ := newTestProxy(t)
	conn := dialProxy(t, p)
	r := bufio.NewReader(conn)

	body := map[string]any{"username": "alice", "email": "a@example.com", "password": "hunter2", "is_admin": true}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	conn.Write(wire.EncodePublish("auth/register", string(raw)))
	reply := readReply(t, r)
	require.Equal(t, ":", reply.Command)

	require.Eventually(t, func() bool {
		_, ok := up.lastPublish()
		return ok
	}, time.Second, time.Millisecond)

	pub, _ := up.lastPublish()
	require.Equal(t, "auth/register", pub[0])

	var forwarded map[string]any
	require.NoError(t, json.Unmarshal([]byte(pub[1]), &forwarded))
	require.Equal(t, "hunter2", forwarded["password"]) // auth/register allowlists password as-is
	require.NotEmpty(t, forwarded["_timestamp"])
	require.Contains(t, forwarded, "_sender_id")
	require.Equal(t, "a@example.com", forwarded["email"]) // in the allowlist
	require.NotContains(t, forwarded, "is_admin")         // not in the allowlist
}

func TestPublishMasksPasswordOnOrdinaryChannels(t *testing.T) {
	p, up, tokens := newTestProxy(t)
	conn := dialProxy(t, p)
	r := bufio.NewReader(conn)

	tok, err := tokens.Issue("mgr-1", token.RoleManager, time.Hour)
	require.NoError(t, err)

	body := map[string]any{"data": map[string]any{"password": "hunter2", "note": "hi"}, "token": tok}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	conn.Write(wire.EncodePublish("manager/status", string(raw)))
	reply := readReply(t, r)
	require.Equal(t, ":", reply.Command)

	require.Eventually(t, func() bool { _, ok := up.lastPublish(); return ok }, time.Second, time.Millisecond)
	pub, _ := up.lastPublish()

	var forwarded map[string]any
	require.NoError(t, json.Unmarshal([]byte(pub[1]), &forwarded))
	require.Equal(t, passwordMask, forwarded["password"])
	require.Equal(t, "hi", forwarded["note"])
	require.NotContains(t, forwarded, "token") // stripped before forwarding
}

func TestPublishRejectedWithoutAuthorization(t *testing.T) {
	p, up, _ := newTestProxy(t)
	// A net.Pipe connection has no IP address, so unlike a TCP dial to
	// 127.0.0.1 it is not treated as a trusted loopback client.
	conn, server := net.Pipe()
	t.Cleanup(func() { conn.Close() })
	go p.handleConn(context.Background(), server)
	r := bufio.NewReader(conn)

	body := map[string]any{"data": map[string]any{"status": "busy"}}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	conn.Write(wire.EncodePublish("manager/status", string(raw)))
	reply := readReply(t, r)
	require.Equal(t, "-", reply.Command)
	require.Contains(t, reply.Args[0], "NOAUTH")

	time.Sleep(20 * time.Millisecond)
	_, ok := up.lastPublish()
	require.False(t, ok, "unauthorised publish must never reach upstream")
}

func TestPublishRejectedOnMalformedJSON(t *testing.T) {
	p, _, _ := newTestProxy(t)
	conn := dialProxy(t, p)
	r := bufio.NewReader(conn)

	conn.Write(wire.EncodePublish("auth/register", "not-json"))
	reply := readReply(t, r)
	require.Equal(t, "-", reply.Command)
	require.Contains(t, reply.Args[0], "WRONGTYPE")
}

func TestFanOutDeliversOnlyToSubscribedSessions(t *testing.T) {
	p, up, _ := newTestProxy(t)

	subscriber := dialProxy(t, p)
	subR := bufio.NewReader(subscriber)
	subscriber.Write(subscribeFrame("SUBSCRIBE", []string{"task/status"}))
	readReply(t, subR) // ack

	bystander := dialProxy(t, p)
	bystR := bufio.NewReader(bystander)
	bystander.Write(subscribeFrame("SUBSCRIBE", []string{"task/accept"}))
	readReply(t, bystR) // ack

	time.Sleep(20 * time.Millisecond)

	fanout := up.fanoutConn()
	fanout.Write(wire.EncodeMessage("task/status", `{"ok":true}`))

	subscriber.SetReadDeadline(time.Now().Add(time.Second))
	msg := readReply(t, subR)
	require.Equal(t, "MESSAGE", msg.Command)
	require.Equal(t, "task/status", msg.Args[0])
	require.Equal(t, `{"ok":true}`, msg.Args[1])

	bystander.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, err := wire.ReadFrame(bystR)
	require.Error(t, err, "a session not subscribed to the channel must receive nothing")
}
