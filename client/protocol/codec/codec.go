// Package codec serializes application messages carried over the room data
// channel.
//
// Every message is a flat UTF-8 JSON object holding the routing keys "topic"
// and "action" next to the payload fields:
//
//	{"topic":"participant-control","action":"kick","identity":"bob__x1z9"}
//
// Receivers ignore fields they do not know about.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	fieldTopic  = "topic"
	fieldAction = "action"
)

var (
	// ErrDecode is returned for byte sequences that are not a valid message.
	ErrDecode = errors.New("undecodable message")
	// ErrEncode is returned when a payload cannot be represented on the wire.
	ErrEncode = errors.New("unable to encode message")
)

// Validator is implemented by payloads with constraints on field values.
type Validator interface {
	Validate() error
}

// Requirer is implemented by payloads whose keys must be present on the
// wire. A key holding null counts as missing.
type Requirer interface {
	Required() []string
}

// Message is a decoded datagram.
type Message struct {
	Topic  string
	Action string
	// Body is the complete JSON object, routing keys included.
	Body json.RawMessage
}

// Bind decodes message payload into v and validates it.
func (m Message) Bind(v any) error {
	if req, ok := v.(Requirer); ok {
		if err := m.require(req.Required()); err != nil {
			return err
		}
	}
	if err := json.Unmarshal(m.Body, v); err != nil {
		return errors.Join(ErrDecode, err)
	}
	if val, ok := v.(Validator); ok {
		if err := val.Validate(); err != nil {
			return errors.Join(ErrDecode, err)
		}
	}
	return nil
}

func (m Message) require(keys []string) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(m.Body, &fields); err != nil {
		return errors.Join(ErrDecode, err)
	}
	for _, key := range keys {
		raw, ok := fields[key]
		if !ok || bytes.Equal(raw, []byte("null")) {
			return fmt.Errorf("%w: missing %s", ErrDecode, key)
		}
	}
	return nil
}

// Encode serializes payload under topic and action. Payload must marshal to
// a JSON object (or be nil); its own "topic"/"action" fields are overridden.
func Encode(topic, action string, payload any) ([]byte, error) {
	if topic == "" || action == "" {
		return nil, fmt.Errorf("%w: empty topic or action", ErrEncode)
	}
	fields := make(map[string]json.RawMessage)
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Join(ErrEncode, err)
		}
		if !bytes.Equal(b, []byte("null")) {
			if err = json.Unmarshal(b, &fields); err != nil {
				return nil, fmt.Errorf("%w: payload is not an object", ErrEncode)
			}
		}
	}
	fields[fieldTopic], _ = json.Marshal(topic)
	fields[fieldAction], _ = json.Marshal(action)

	b, err := json.Marshal(fields)
	if err != nil {
		return nil, errors.Join(ErrEncode, err)
	}
	return b, nil
}

// Decode parses raw datagram bytes. It fails with ErrDecode if data is not
// a JSON object or lacks a non-empty topic or action.
func Decode(data []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Message{}, errors.Join(ErrDecode, err)
	}
	if fields == nil {
		return Message{}, fmt.Errorf("%w: not an object", ErrDecode)
	}
	topic, err := stringField(fields, fieldTopic)
	if err != nil {
		return Message{}, err
	}
	action, err := stringField(fields, fieldAction)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Topic:  topic,
		Action: action,
		Body:   json.RawMessage(bytes.Clone(data)),
	}, nil
}

func stringField(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok {
		return "", fmt.Errorf("%w: missing %s", ErrDecode, name)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: %s is not a string", ErrDecode, name)
	}
	if s == "" {
		return "", fmt.Errorf("%w: empty %s", ErrDecode, name)
	}
	return s, nil
}
