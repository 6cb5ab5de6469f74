// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package coordinator

import (
	"strings"

	"github.com/yvespollah/coordinator/internal/envelope"
	"github.com/yvespollah/coordinator/internal/model"
	"github.com/yvespollah/coordinator/internal/wire"
)

const senderType = "coordinator"

type publishConfig struct {
	requestID    string
	token        string
	messageType  envelope.Type
	realSenderID string
}

// PublishOption customises a single Publish call.
type PublishOption func(*publishConfig)

// WithRequestID reuses an existing request id instead of minting a fresh one,
// used when publishing a response that must carry the request's id.
func WithRequestID(id string) PublishOption {
	return func(c *publishConfig) { c.requestID = id }
}

// WithToken attaches token to the envelope instead of the coordinator's own.
func WithToken(token string) PublishOption {
	return func(c *publishConfig) { c.token = token }
}

// WithMessageType overrides the inferred envelope.Type.
func WithMessageType(t envelope.Type) PublishOption {
	return func(c *publishConfig) { c.messageType = t }
}

// WithRealSenderID records who the publication is really on behalf of in the
// message log, distinct from the coordinator process that physically emits
// it on the wire.
func WithRealSenderID(id string) PublishOption {
	return func(c *publishConfig) { c.realSenderID = id }
}

// Publish builds an envelope around data, signs it with the coordinator's own
// token unless WithToken overrides it, sends it on channel, records it to the
// message log, and returns the request id for correlation. Every call is
// fire-and-forget; a caller that needs the response subscribes separately and
// correlates on the returned id.
func (c *Client) Publish(channel string, data any, opts ...PublishOption) (string, error) {
	cfg := publishConfig{messageType: envelope.TypeEvent, token: c.token, realSenderID: c.senderID}
	if strings.HasSuffix(channel, "_response") {
		cfg.messageType = envelope.TypeResponse
	}
	for _, o := range opts {
		o(&cfg)
	}

	msg, err := envelope.New(senderType, c.senderID, cfg.messageType, data, cfg.requestID)
	if err != nil {
		return "", err
	}
	if cfg.token != "" {
		msg = msg.WithToken(cfg.token)
	}

	raw, err := envelope.Encode(msg)
	if err != nil {
		return "", err
	}
	if err := c.writeFrame(wire.EncodePublish(channel, string(raw))); err != nil {
		return "", err
	}

	if c.log != nil {
		c.log.Record(model.MessageLogEntry{
			SenderType:  senderType,
			SenderID:    cfg.realSenderID,
			Channel:     channel,
			RequestID:   msg.RequestID,
			MessageType: string(cfg.messageType),
			Content:     string(raw),
		})
	}
	return msg.RequestID, nil
}
