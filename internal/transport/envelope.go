// Package transport carries consensus messages between validators over gRPC.
//
// Messages travel inside an Envelope encoded with protobuf wire format by a
// codec registered under the "synergy" content-subtype; the typed message
// itself is the strict JSON payload produced by the consensus package.
package transport

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/mem"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/synergy-network/synergy-node/internal/consensus"
)

// CodecName is the gRPC content-subtype of the envelope codec.
const CodecName = "synergy"

// ErrMalformedEnvelope is returned when an envelope fails wire decoding or
// validation.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope field numbers.
const (
	fieldClusterID protowire.Number = 1
	fieldKind      protowire.Number = 2
	fieldSender    protowire.Number = 3
	fieldPayload   protowire.Number = 4
	fieldSentAt    protowire.Number = 5

	fieldAccepted protowire.Number = 1
)

// Envelope is the unit delivered between peers.
type Envelope struct {
	ClusterID      string
	Kind           consensus.Kind
	Sender         string
	Payload        []byte
	SentAtUnixNano int64
}

// Ack is the receiver's answer to a delivery.
type Ack struct {
	Accepted bool
}

// Seal wraps a protocol message for clusterID.
func Seal(clusterID string, m consensus.Message, sentAt time.Time) (*Envelope, error) {
	payload, err := consensus.EncodeMessage(m)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ClusterID:      clusterID,
		Kind:           m.Kind(),
		Sender:         consensus.HeaderOf(m).Sender,
		Payload:        payload,
		SentAtUnixNano: sentAt.UnixNano(),
	}, nil
}

// Open decodes the protocol message and checks that its sender matches the
// envelope.
func (e *Envelope) Open() (consensus.Message, error) {
	m, err := consensus.DecodeMessage(e.Kind, e.Payload)
	if err != nil {
		return nil, err
	}
	if sender := consensus.HeaderOf(m).Sender; sender != e.Sender {
		return nil, fmt.Errorf("%w: payload sender %q differs from envelope sender %q", ErrMalformedEnvelope, sender, e.Sender)
	}
	return m, nil
}

// SentAt returns the sender's timestamp.
func (e *Envelope) SentAt() time.Time {
	return time.Unix(0, e.SentAtUnixNano)
}

// MarshalWire encodes the envelope in protobuf wire format.
func (e *Envelope) MarshalWire() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldClusterID, protowire.BytesType)
	b = protowire.AppendString(b, e.ClusterID)
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Kind))
	b = protowire.AppendTag(b, fieldSender, protowire.BytesType)
	b = protowire.AppendString(b, e.Sender)
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Payload)
	b = protowire.AppendTag(b, fieldSentAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.SentAtUnixNano))
	return b
}

// UnmarshalWire decodes an envelope. Unknown fields, wrong wire types,
// unknown kinds and missing identity fields are rejected.
func (e *Envelope) UnmarshalWire(b []byte) error {
	*e = Envelope{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedEnvelope, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldClusterID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return fmt.Errorf("%w: cluster_id: %v", ErrMalformedEnvelope, protowire.ParseError(n))
			}
			e.ClusterID, b = v, b[n:]
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: kind: %v", ErrMalformedEnvelope, protowire.ParseError(n))
			}
			if v > 255 || !consensus.Kind(v).IsValid() {
				return fmt.Errorf("%w: unknown kind %d", ErrMalformedEnvelope, v)
			}
			e.Kind, b = consensus.Kind(v), b[n:]
		case num == fieldSender && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return fmt.Errorf("%w: sender: %v", ErrMalformedEnvelope, protowire.ParseError(n))
			}
			e.Sender, b = v, b[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: payload: %v", ErrMalformedEnvelope, protowire.ParseError(n))
			}
			e.Payload, b = append([]byte(nil), v...), b[n:]
		case num == fieldSentAt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: sent_at: %v", ErrMalformedEnvelope, protowire.ParseError(n))
			}
			e.SentAtUnixNano, b = int64(v), b[n:]
		default:
			return fmt.Errorf("%w: unexpected field %d (wire type %d)", ErrMalformedEnvelope, num, typ)
		}
	}

	if e.ClusterID == "" || e.Sender == "" || e.Kind == 0 {
		return fmt.Errorf("%w: cluster_id, kind and sender are required", ErrMalformedEnvelope)
	}
	return nil
}

// MarshalWire encodes the ack in protobuf wire format.
func (a *Ack) MarshalWire() []byte {
	if !a.Accepted {
		return []byte{}
	}
	b := protowire.AppendTag(nil, fieldAccepted, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

// UnmarshalWire decodes an ack.
func (a *Ack) UnmarshalWire(b []byte) error {
	*a = Ack{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedEnvelope, protowire.ParseError(n))
		}
		b = b[n:]
		if num != fieldAccepted || typ != protowire.VarintType {
			return fmt.Errorf("%w: unexpected ack field %d", ErrMalformedEnvelope, num)
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return fmt.Errorf("%w: accepted: %v", ErrMalformedEnvelope, protowire.ParseError(n))
		}
		a.Accepted, b = protowire.DecodeBool(v), b[n:]
	}
	return nil
}

// wireCodec is the grpc encoding.CodecV2 for envelopes and acks.
type wireCodec struct{}

func (wireCodec) Name() string { return CodecName }

func (wireCodec) Marshal(v any) (mem.BufferSlice, error) {
	switch m := v.(type) {
	case *Envelope:
		return mem.BufferSlice{mem.SliceBuffer(m.MarshalWire())}, nil
	case *Ack:
		return mem.BufferSlice{mem.SliceBuffer(m.MarshalWire())}, nil
	default:
		return nil, fmt.Errorf("synergy codec: cannot marshal %T", v)
	}
}

func (wireCodec) Unmarshal(data mem.BufferSlice, v any) error {
	b := data.Materialize()
	switch m := v.(type) {
	case *Envelope:
		return m.UnmarshalWire(b)
	case *Ack:
		return m.UnmarshalWire(b)
	default:
		return fmt.Errorf("synergy codec: cannot unmarshal into %T", v)
	}
}

func init() {
	encoding.RegisterCodecV2(wireCodec{})
}
