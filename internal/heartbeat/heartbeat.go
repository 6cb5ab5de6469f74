// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package heartbeat implements periodic liveness publication and tracking:
// every participant (including the coordinator itself) publishes on
// coord/heartbeat/<role>/<id> at a fixed interval, and a presence.Tracker
// on the coordinator side turns that stream into a liveness count plus an
// expiry sweep for silent participants.
package heartbeat

import (
	"context"
	"time"

	"github.com/yvespollah/coordinator/internal/clog"
	"github.com/yvespollah/coordinator/internal/coordinator"
	"github.com/yvespollah/coordinator/internal/envelope"
	"github.com/yvespollah/coordinator/internal/presence"
)

const (
	// Pattern is the catalogue entry every heartbeat publishes under.
	Pattern = "coord/heartbeat/*"

	interval = 15 * time.Second
	timeout  = 45 * time.Second
)

// Service owns the Tracker fed by every participant's heartbeat and
// publishes the coordinator's own.
type Service struct {
	*clog.CLogger
	tracker *presence.Tracker
}

// New builds a Service with an empty Tracker.
func New() *Service {
	return &Service{CLogger: clog.New("heartbeat "), tracker: presence.NewTracker()}
}

// Tracker exposes the underlying presence.Tracker for read access (e.g. an
// operator CLI reporting live counts).
func (s *Service) Tracker() *presence.Tracker {
	return s.tracker
}

// Register binds the pattern handler that records every inbound heartbeat.
func (s *Service) Register(c *coordinator.Client) {
	c.Register(Pattern, s.handleHeartbeat)
}

type beat struct {
	Role string `json:"role"`
	ID   string `json:"id"`
}

func (s *Service) handleHeartbeat(ctx context.Context, c *coordinator.Client, channel string, msg envelope.Message) {
	var in beat
	if err := msg.DecodeData(&in); err != nil || in.Role == "" || in.ID == "" {
		return
	}
	s.tracker.Seen(in.Role, in.ID, time.Now())
}

// Run publishes the coordinator's own heartbeat every interval and sweeps
// expired entries out of the tracker, until ctx is canceled.
func (s *Service) Run(ctx context.Context, c *coordinator.Client, coordinatorID string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tracker.Seen("coordinator", coordinatorID, time.Now())
			if _, err := c.Publish("coord/heartbeat/coordinator/"+coordinatorID, beat{Role: "coordinator", ID: coordinatorID}); err != nil {
				s.Errorf("heartbeat: publishing failed: %v", err)
			}
			cutoff := time.Now().Add(-timeout)
			for _, role := range []string{"manager", "volunteer"} {
				if dropped := s.tracker.Expire(role, cutoff); len(dropped) > 0 {
					s.Printf("heartbeat: %d %s(s) expired: %v", len(dropped), role, dropped)
				}
			}
		}
	}
}
