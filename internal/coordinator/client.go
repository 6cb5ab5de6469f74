// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package coordinator implements the long-lived pub/sub participant that
// runs inside the coordinator process itself: it connects to the
// authorisation proxy with the coordinator's own privileged token,
// bulk-subscribes to every channel a handler is registered for, and runs a
// single dispatch loop that fans decoded envelopes out to handler workers.
package coordinator

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cenkalti/backoff/v4"

	"github.com/yvespollah/coordinator/internal/clog"
	"github.com/yvespollah/coordinator/internal/envelope"
	"github.com/yvespollah/coordinator/internal/msglog"
	"github.com/yvespollah/coordinator/internal/wire"
)

// Handler processes one decoded inbound envelope received on channel.
type Handler func(ctx context.Context, c *Client, channel string, msg envelope.Message)

// Client is the coordinator's own connection to the proxy: one handler
// registry, one dispatch loop, reconnecting with backoff on transport
// failure.
type Client struct {
	*clog.CLogger

	addr        string
	senderID    string
	token       string
	workerCount int

	log *msglog.Logger

	mu       sync.Mutex
	handlers map[string]Handler

	connMu sync.Mutex
	conn   net.Conn
	writer *bufio.Writer
}

// New builds a Client that will dial addr, identify itself as senderID, and
// authenticate its own publications with token (minted for role=coordinator).
func New(addr, senderID, token string, log *msglog.Logger) *Client {
	return &Client{
		CLogger:     clog.New("coordinator "),
		addr:        addr,
		senderID:    senderID,
		token:       token,
		workerCount: 8,
		log:         log,
		handlers:    make(map[string]Handler),
	}
}

// Attach wires conn as the client's outbound connection directly, bypassing
// Run's dial/subscribe sequence. Intended for handler-level tests that only
// need Publish to work against a fake peer.
func (c *Client) Attach(conn net.Conn) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.conn = conn
	c.writer = bufio.NewWriter(conn)
}

// Register binds fn to channel. Must be called before Run.
func (c *Client) Register(channel string, fn Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[channel] = fn
}

func (c *Client) channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.handlers))
	for ch := range c.handlers {
		out = append(out, ch)
	}
	return out
}

func (c *Client) handlerFor(channel string) (Handler, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn, ok := c.handlers[channel]; ok {
		return fn, true
	}
	for pattern, fn := range c.handlers {
		if isPatternChannel(pattern) && patternMatches(pattern, channel) {
			return fn, true
		}
	}
	return nil, false
}

func isPatternChannel(s string) bool {
	return len(s) > 0 && (s[len(s)-1] == '*' || s[len(s)-1] == '#')
}

func patternMatches(pattern, channel string) bool {
	glob := strings.TrimSuffix(strings.TrimSuffix(pattern, "*"), "#") + "**"
	ok, _ := doublestar.Match(glob, channel)
	return ok
}

// splitChannels partitions channels into literal names (subscribed via
// SUBSCRIBE) and patterns ending in '*' or '#' (subscribed via PSUBSCRIBE).
func splitChannels(channels []string) (literal, patterns []string) {
	for _, ch := range channels {
		if isPatternChannel(ch) {
			patterns = append(patterns, ch)
		} else {
			literal = append(literal, ch)
		}
	}
	return literal, patterns
}

// Run connects, subscribes, and dispatches until ctx is canceled,
// reconnecting with exponential backoff (capped at a small number of
// attempts per minute) whenever the transport fails.
func (c *Client) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // the caller's ctx bounds the overall retry lifetime
	bo.MaxInterval = 10 * time.Second

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.runOnce(ctx); err != nil {
			c.Errorf("coordinator: session ended: %v", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := bo.NextBackOff()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		return fmt.Errorf("dialing proxy: %w", err)
	}
	defer conn.Close()

	c.connMu.Lock()
	c.conn = conn
	c.writer = bufio.NewWriter(conn)
	c.connMu.Unlock()

	literal, patterns := splitChannels(c.channels())
	if len(literal) > 0 {
		if err := c.writeFrame(subscribeFrame("SUBSCRIBE", literal)); err != nil {
			return fmt.Errorf("subscribing: %w", err)
		}
	}
	if len(patterns) > 0 {
		if err := c.writeFrame(subscribeFrame("PSUBSCRIBE", patterns)); err != nil {
			return fmt.Errorf("subscribing: %w", err)
		}
	}

	jobs := make(chan job, 64)
	var wg sync.WaitGroup
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	for i := 0; i < c.workerCount; i++ {
		wg.Add(1)
		go c.worker(workerCtx, jobs, &wg)
	}
	defer func() {
		close(jobs)
		wg.Wait()
	}()

	r := bufio.NewReader(conn)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		frame, err := wire.ReadFrame(r)
		if err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}
		channel, payload, ok := extractMessage(frame)
		if !ok {
			continue
		}
		msg, err := envelope.Decode([]byte(payload))
		if err != nil {
			c.Errorf("coordinator: dropping undecodable payload on %s: %v", channel, err)
			continue
		}
		select {
		case jobs <- job{channel: channel, msg: msg}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type job struct {
	channel string
	msg     envelope.Message
}

func (c *Client) worker(ctx context.Context, jobs <-chan job, wg *sync.WaitGroup) {
	defer wg.Done()
	for j := range jobs {
		fn, ok := c.handlerFor(j.channel)
		if !ok {
			continue
		}
		fn(ctx, c, j.channel, j.msg)
	}
}

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

func subscribeFrame(command string, channels []string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "*%d\r\n$%d\r\n%s\r\n", len(channels)+1, len(command), command)
	for _, ch := range channels {
		fmt.Fprintf(&b, "$%d\r\n%s\r\n", len(ch), ch)
	}
	return []byte(b.String())
}

func (c *Client) writeFrame(b []byte) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.writer == nil {
		return fmt.Errorf("coordinator: not connected")
	}
	if _, err := c.writer.Write(b); err != nil {
		return err
	}
	return c.writer.Flush()
}
