// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package proxy

import (
	"encoding/json"
	"time"
)

// passwordMask replaces a plaintext password field once it has been
// authorised and is about to be forwarded upstream.
const passwordMask = "********"

// registerAllowlist is the set of keys retained on auth/register: the
// envelope's own fields plus the registration fields. There the
// sensitive-data filter drops everything else instead of masking, since the
// handler needs the plaintext password and no other stray fields belong on
// the wire for this channel.
var registerAllowlist = map[string]bool{
	"request_id":   true,
	"sender":       true,
	"message_type": true,
	"timestamp":    true,
	"data":         true,
	"username":     true,
	"email":        true,
	"password":     true,
}

// transformPayload applies the transformer pipeline to a decoded envelope
// payload in order: (1) inject sender metadata, (2) redact or filter
// sensitive fields. It never mutates data in place; it always returns a new
// map.
func transformPayload(data map[string]any, senderID, senderRole, clientIP, channel string) map[string]any {
	out := injectMetadata(data, senderID, senderRole, clientIP)
	out = filterSensitive(out, channel)
	return out
}

// injectMetadata adds _sender_id, _sender_role, _timestamp and _client_ip
// keyed fields to a copy of data, preserving every existing key including
// "data" itself.
func injectMetadata(data map[string]any, senderID, senderRole, clientIP string) map[string]any {
	out := make(map[string]any, len(data)+4)
	for k, v := range data {
		out[k] = v
	}
	out["_sender_id"] = senderID
	out["_sender_role"] = senderRole
	out["_timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	out["_client_ip"] = clientIP
	return out
}

// filterSensitive redacts the "password" key on every channel except
// auth/register, where it allowlists known-safe keys instead (dropping
// stray fields) because the handler there needs the plaintext password.
func filterSensitive(data map[string]any, channel string) map[string]any {
	if channel == "auth/register" {
		out := make(map[string]any, len(registerAllowlist))
		for k, v := range data {
			if registerAllowlist[k] || isMetadataKey(k) {
				out[k] = v
			}
		}
		return out
	}

	out := make(map[string]any, len(data))
	for k, v := range data {
		if k == "password" {
			out[k] = passwordMask
			continue
		}
		out[k] = v
	}
	return out
}

func isMetadataKey(k string) bool {
	switch k {
	case "_sender_id", "_sender_role", "_timestamp", "_client_ip":
		return true
	default:
		return false
	}
}

// stripToken removes the "token" field from a decoded envelope body shaped
// as map[string]any, used right before forwarding upstream.
func stripToken(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if k == "token" {
			continue
		}
		out[k] = v
	}
	return out
}

// decodeJSONObject decodes raw JSON bytes into a map for transformation. It
// is the proxy-side counterpart of envelope.Decode, operating on the whole
// publish payload (envelope JSON), not just its Data field.
func decodeJSONObject(raw []byte) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func encodeJSONObject(m map[string]any) ([]byte, error) {
	return json.Marshal(m)
}
