// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package envelope implements the canonical message format carried in every
// pub/sub payload: a normalised inbound/outbound message with a correlation
// id, sender identity, payload, and optional bearer token.
package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Type is the kind of a Message, distinguishing requests from the replies,
// events and heartbeats that flow over the same channels.
type Type string

const (
	TypeRequest   Type = "request"
	TypeResponse  Type = "response"
	TypeEvent     Type = "event"
	TypeHeartbeat Type = "heartbeat"
	TypeError     Type = "error"
)

// Sender identifies the originator of a Message.
type Sender struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Message is the canonical envelope carried as UTF-8 JSON in every pub/sub
// payload. Every field is mandatory except Token.
type Message struct {
	RequestID string          `json:"request_id"`
	Sender    Sender          `json:"sender"`
	Type      Type            `json:"message_type"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Token     string          `json:"token,omitempty"`
}

// nowISO is overridable in tests; it returns the current UTC time formatted
// per the wire's ISO-8601 timestamp convention.
var nowISO = func() string {
	return isoNow()
}

// New builds a fresh Message with a newly minted request id, unless
// requestID is supplied (used by responses, which reuse the request's id).
func New(senderType, senderID string, typ Type, data any, requestID string) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("envelope: failed encoding data: %w", err)
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return Message{
		RequestID: requestID,
		Sender:    Sender{Type: senderType, ID: senderID},
		Type:      typ,
		Timestamp: nowISO(),
		Data:      raw,
	}, nil
}

// Reply builds a response Message that carries the same RequestID as req, as
// required by the response-correlation contract.
func Reply(senderType, senderID string, req Message, data any) (Message, error) {
	return New(senderType, senderID, TypeResponse, data, req.RequestID)
}

// Encode serialises a Message to its wire JSON form.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses wire JSON into a Message. Non-JSON or structurally invalid
// input is reported as an error; callers treat this as "invalid envelope".
func Decode(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("envelope: invalid JSON: %w", err)
	}
	return m, nil
}

// DecodeData unmarshals the envelope's Data field into v.
func (m Message) DecodeData(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("envelope: empty data")
	}
	return json.Unmarshal(m.Data, v)
}

// WithToken returns a copy of m carrying the given token.
func (m Message) WithToken(token string) Message {
	m.Token = token
	return m
}
