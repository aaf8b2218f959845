// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"fmt"

	"github.com/atelier-collab/atelier/lib/codec"
)

// maxFrameSize bounds both incoming websocket messages and the
// declared uncompressed size of a payload. Workspace manifests for
// very large trees stay well under this.
const maxFrameSize = 16 << 20

// envelope is the wire frame. Every websocket message in either
// direction is one CBOR-encoded envelope.
//
// A request carries id and type; the response echoes the id in
// reply_to and carries either payload or error. A push from the
// server carries type with id zero and expects no reply. The payload
// is the CBOR encoding of the message body, compressed per the flags
// tag; size records the uncompressed length when a compression tag
// is set.
type envelope struct {
	ID      uint64       `cbor:"id,omitempty"`
	ReplyTo uint64       `cbor:"reply_to,omitempty"`
	Type    string       `cbor:"type,omitempty"`
	Flags   uint8        `cbor:"flags,omitempty"`
	Size    uint32       `cbor:"size,omitempty"`
	Payload []byte       `cbor:"payload,omitempty"`
	Error   *ServerError `cbor:"error,omitempty"`
}

// encodeFrame builds the wire bytes for one message. The body is CBOR
// encoded, then compressed when it is at least floor bytes and the
// probe finds a worthwhile ratio.
func encodeFrame(id, replyTo uint64, msgType string, body any, floor int) ([]byte, error) {
	raw, err := codec.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("rpc: encoding %s body: %w", msgType, err)
	}

	env := envelope{
		ID:      id,
		ReplyTo: replyTo,
		Type:    msgType,
		Payload: raw,
	}

	if len(raw) >= floor {
		tag := selectCompression(raw)
		if tag != CompressionNone {
			compressed, err := compressPayload(raw, tag)
			switch {
			case err == nil:
				env.Flags = uint8(tag)
				env.Size = uint32(len(raw))
				env.Payload = compressed
			case isIncompressible(err):
				// Keep the uncompressed payload.
			default:
				return nil, fmt.Errorf("rpc: compressing %s body: %w", msgType, err)
			}
		}
	}

	frame, err := codec.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("rpc: encoding %s envelope: %w", msgType, err)
	}
	return frame, nil
}

// decodeFrame parses one wire message into an envelope. The payload
// is left compressed; call decodePayload to get the CBOR body.
func decodeFrame(frame []byte) (*envelope, error) {
	var env envelope
	if err := codec.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("rpc: decoding envelope: %w", err)
	}
	return &env, nil
}

// decodePayload returns the CBOR body of the envelope, decompressing
// per the flags tag. The declared uncompressed size is validated
// before any allocation.
func (e *envelope) decodePayload() (codec.RawMessage, error) {
	tag := CompressionTag(e.Flags)
	if tag == CompressionNone {
		return codec.RawMessage(e.Payload), nil
	}

	if e.Size == 0 || e.Size > maxFrameSize {
		return nil, fmt.Errorf("rpc: envelope declares invalid uncompressed size %d", e.Size)
	}

	raw, err := decompressPayload(e.Payload, tag, int(e.Size))
	if err != nil {
		return nil, fmt.Errorf("rpc: payload: %w", err)
	}
	return codec.RawMessage(raw), nil
}
