package consensus

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// requiredFields lists the top-level keys each kind must carry on the wire.
var requiredFields = map[Kind][]string{
	KindPrePrepare: {"view", "sequence", "sender", "digest", "content"},
	KindPrepare:    {"view", "sequence", "sender", "digest"},
	KindCommit:     {"view", "sequence", "sender", "digest"},
	KindViewChange: {"view", "sequence", "sender", "prepared"},
	KindNewView:    {"view", "sequence", "sender", "view_changes", "prepared"},
}

// EncodeMessage serializes a message payload. The kind travels separately.
func EncodeMessage(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", m.Kind(), err)
	}
	return data, nil
}

// DecodeMessage parses a payload of the given kind. Unknown kinds, unknown
// fields, missing required fields and trailing data are all rejected.
func DecodeMessage(kind Kind, payload []byte) (Message, error) {
	var m Message
	switch kind {
	case KindPrePrepare:
		m = &PrePrepare{}
	case KindPrepare:
		m = &Prepare{}
	case KindCommit:
		m = &Commit{}
	case KindViewChange:
		m = &ViewChange{}
	case KindNewView:
		m = &NewView{}
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrInvalidMessage, uint8(kind))
	}

	var present map[string]json.RawMessage
	if err := json.Unmarshal(payload, &present); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrInvalidMessage, kind, err)
	}
	for _, key := range requiredFields[kind] {
		if _, ok := present[key]; !ok {
			return nil, fmt.Errorf("%w: %s missing field %q", ErrInvalidMessage, kind, key)
		}
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrInvalidMessage, kind, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after %s", ErrInvalidMessage, kind)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
