// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the wire codec for Atelier messages: CBOR with Core
// Deterministic Encoding, so the same logical value always produces
// identical bytes. Consumers import this package, never fxamacker/cbor
// directly.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode applies Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer widths, no indefinite-length items.
var encMode cbor.EncMode

// decMode accepts standard CBOR and ignores unknown fields, so newer
// servers can add envelope fields without breaking older agents.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: encoder init: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Atelier messages only ever use text map keys. Any-typed
		// decode targets get map[string]any instead of the CBOR
		// default map[any]any, which nothing downstream can consume.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: decoder init: " + err.Error())
	}
}

// Marshal encodes v deterministically.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value, used to defer payload
// decoding until the message type is known.
type RawMessage = cbor.RawMessage
