// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package c2

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"

	"github.com/absmach/fluxc2/transport"
)

// Body is a decoded message payload. Numbers decode as json.Number.
type Body map[string]any

// Clone returns a shallow copy. A nil body clones to an empty one.
func (b Body) Clone() Body {
	if b == nil {
		return Body{}
	}
	return maps.Clone(b)
}

// Has reports whether key is present.
func (b Body) Has(key string) bool {
	_, ok := b[key]
	return ok
}

// String returns the value of key rendered as a string. Strings are
// returned as is, numbers in their JSON form. Anything else yields "".
func (b Body) String(key string) string {
	switch v := b[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

// AckID returns the body's ackid, or "".
func (b Body) AckID() string {
	return b.String(FieldAckID)
}

// Envelope is a decoded inbound message.
type Envelope struct {
	MessageID  string
	Command    string
	Kind       Kind
	Target     string
	Source     string
	Attributes map[string]string
	Body       Body
}

// Encode serializes body and builds the attribute set: command, target
// when non-empty, and any extra attributes. Extra attributes cannot
// override command or target.
func Encode(command string, body Body, target string, extra map[string]string) ([]byte, map[string]string, error) {
	if ParseKind(command) == KindUnknown {
		return nil, nil, fmt.Errorf("%w: invalid command %q", ErrMalformed, command)
	}
	if body == nil {
		body = Body{}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, nil, fmt.Errorf("encode %s body: %w", command, err)
	}

	attrs := make(map[string]string, len(extra)+2)
	maps.Copy(attrs, extra)
	delete(attrs, AttrTarget)
	attrs[AttrCommand] = command
	if target != "" {
		attrs[AttrTarget] = target
	}
	return data, attrs, nil
}

// Decode extracts the envelope from msg. A missing command attribute or a
// body that is not a JSON object yields an error wrapping ErrMalformed.
func Decode(msg *transport.Message) (*Envelope, error) {
	command, ok := msg.Attributes[AttrCommand]
	if !ok || command == "" {
		return nil, fmt.Errorf("%w: missing command attribute", ErrMalformed)
	}

	dec := json.NewDecoder(bytes.NewReader(msg.Data))
	dec.UseNumber()

	var body Body
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %s body: %v", ErrMalformed, command, err)
	}
	if body == nil {
		return nil, fmt.Errorf("%w: %s body is not a JSON object", ErrMalformed, command)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: %s body has trailing data", ErrMalformed, command)
	}

	return &Envelope{
		MessageID:  msg.ID,
		Command:    command,
		Kind:       ParseKind(command),
		Target:     msg.Attributes[AttrTarget],
		Source:     msg.Attributes[AttrSource],
		Attributes: msg.Attributes,
		Body:       body,
	}, nil
}
