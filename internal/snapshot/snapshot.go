// Package snapshot provides the versioned envelope used to persist component
// state for crash recovery.
//
// An envelope carries the component kind, the component schema version, a
// CBOR payload and a SHA-256 checksum of that payload. Decoding is strict:
// unknown fields, duplicate map keys, a kind or version other than the one
// requested, or a checksum mismatch all fail closed.
package snapshot

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// EnvelopeVersion is the version of the envelope layout itself.
const EnvelopeVersion = 1

var (
	// ErrCorrupt is returned when a snapshot cannot be decoded or fails its checksum.
	ErrCorrupt = errors.New("snapshot corrupt")
	// ErrVersionMismatch is returned when a snapshot was written by an
	// incompatible schema version.
	ErrVersionMismatch = errors.New("snapshot version mismatch")
	// ErrKindMismatch is returned when a snapshot belongs to another component.
	ErrKindMismatch = errors.New("snapshot kind mismatch")
)

// Kind names the component a snapshot belongs to.
type Kind string

const (
	KindConsensus Kind = "consensus"
	KindClusters  Kind = "clusters"
	KindPoints    Kind = "points"
)

// Envelope is the on-disk form of a snapshot.
type Envelope struct {
	EnvelopeVersion int    `cbor:"1,keyasint"`
	Kind            Kind   `cbor:"2,keyasint"`
	SchemaVersion   int    `cbor:"3,keyasint"`
	Checksum        []byte `cbor:"4,keyasint"`
	Payload         []byte `cbor:"5,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("snapshot: building cbor encoder: %v", err))
	}
	encMode = em

	dm, err := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("snapshot: building cbor decoder: %v", err))
	}
	decMode = dm
}

// Encode serializes v as a snapshot of the given kind and schema version.
func Encode(kind Kind, schemaVersion int, v any) ([]byte, error) {
	payload, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", kind, err)
	}
	sum := sha256.Sum256(payload)
	env := Envelope{
		EnvelopeVersion: EnvelopeVersion,
		Kind:            kind,
		SchemaVersion:   schemaVersion,
		Checksum:        sum[:],
		Payload:         payload,
	}
	data, err := encMode.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", kind, err)
	}
	return data, nil
}

// Decode verifies data and decodes its payload into v.
func Decode(data []byte, kind Kind, schemaVersion int, v any) error {
	env, err := Inspect(data)
	if err != nil {
		return err
	}
	if env.Kind != kind {
		return fmt.Errorf("%w: want %s, got %s", ErrKindMismatch, kind, env.Kind)
	}
	if env.SchemaVersion != schemaVersion {
		return fmt.Errorf("%w: %s schema %d, want %d", ErrVersionMismatch, kind, env.SchemaVersion, schemaVersion)
	}
	if err := decMode.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: decoding %s payload: %v", ErrCorrupt, kind, err)
	}
	return nil
}

// Inspect decodes and verifies the envelope without decoding the payload.
func Inspect(data []byte) (*Envelope, error) {
	var env Envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: decoding envelope: %v", ErrCorrupt, err)
	}
	if env.EnvelopeVersion != EnvelopeVersion {
		return nil, fmt.Errorf("%w: envelope version %d", ErrVersionMismatch, env.EnvelopeVersion)
	}
	sum := sha256.Sum256(env.Payload)
	if !bytes.Equal(sum[:], env.Checksum) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	return &env, nil
}
