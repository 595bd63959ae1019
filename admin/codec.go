// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2025 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package admin

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// The wire format is canonical CBOR: deterministic map ordering so the
// same message always serializes to the same bytes on both sides of the
// channel.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Codec configuration is static; a failure here is a programming
	// error caught by any test, not a runtime condition.
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

// requestEnvelope frames every command on the wire.
type requestEnvelope struct {
	Version uint32          `cbor:"v"`
	Tag     Tag             `cbor:"tag"`
	Body    cbor.RawMessage `cbor:"body,omitempty"`
}

// responseEnvelope frames every command response. Exactly one of Err and
// Body is meaningful.
type responseEnvelope struct {
	Version uint32          `cbor:"v"`
	Err     *Error          `cbor:"err,omitempty"`
	Body    cbor.RawMessage `cbor:"body,omitempty"`
}

// EncodeRequest serializes a command and its payload.
func EncodeRequest(tag Tag, body any) ([]byte, error) {
	var (
		raw []byte
		err error
	)
	if body != nil {
		raw, err = encMode.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}
	return encMode.Marshal(requestEnvelope{
		Version: APIVersion,
		Tag:     tag,
		Body:    raw,
	})
}

// DecodeRequest deserializes a command envelope, rejecting version
// mismatches.
func DecodeRequest(data []byte) (Tag, cbor.RawMessage, *Error) {
	var env requestEnvelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return 0, nil, badArgument("malformed request: %v", err)
	}
	if env.Version != APIVersion {
		return 0, nil, badArgument(
			"api version mismatch: got %d, want %d", env.Version, APIVersion)
	}
	return env.Tag, env.Body, nil
}

// EncodeResponse serializes a successful response payload.
func EncodeResponse(body any) ([]byte, error) {
	raw, err := encMode.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response body: %w", err)
	}
	return encMode.Marshal(responseEnvelope{
		Version: APIVersion,
		Body:    raw,
	})
}

// EncodeErrorResponse serializes a failed response.
func EncodeErrorResponse(e *Error) ([]byte, error) {
	return encMode.Marshal(responseEnvelope{
		Version: APIVersion,
		Err:     e,
	})
}

// DecodeResponse deserializes a response into body. A command error is
// returned as *Error.
func DecodeResponse(data []byte, body any) error {
	var env responseEnvelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("malformed response: %w", err)
	}
	if env.Version != APIVersion {
		return badArgument(
			"api version mismatch: got %d, want %d", env.Version, APIVersion)
	}
	if env.Err != nil {
		return env.Err
	}
	if body == nil || env.Body == nil {
		return nil
	}
	if err := decMode.Unmarshal(env.Body, body); err != nil {
		return fmt.Errorf("failed to unmarshal response body: %w", err)
	}
	return nil
}

// unmarshalBody decodes a request payload, mapping failures to
// CodeBadArgument.
func unmarshalBody(raw cbor.RawMessage, body any) *Error {
	if raw == nil {
		return badArgument("missing request body")
	}
	if err := decMode.Unmarshal(raw, body); err != nil {
		return badArgument("malformed request body: %v", err)
	}
	return nil
}
