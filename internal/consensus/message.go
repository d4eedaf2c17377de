package consensus

import (
	"encoding/hex"
	"fmt"
)

// Message is the closed set of protocol messages: *PrePrepare, *Prepare,
// *Commit, *ViewChange and *NewView.
type Message interface {
	Kind() Kind
	Validate() error
	header() Header
}

// Header carries the fields every protocol message has.
type Header struct {
	View     uint64 `json:"view"`
	Sequence uint64 `json:"sequence"`
	Sender   string `json:"sender"`
}

func (h Header) header() Header { return h }

// HeaderOf returns the common header of any message.
func HeaderOf(m Message) Header {
	return m.header()
}

// PrePrepare is the primary's proposal binding content to (view, sequence).
type PrePrepare struct {
	Header
	Digest  string `json:"digest"`
	Content []byte `json:"content"`
}

// Prepare is a backup's acknowledgement of a PrePrepare.
type Prepare struct {
	Header
	Digest string `json:"digest"`
}

// Commit announces that the sender has prepared the digest.
type Commit struct {
	Header
	Digest string `json:"digest"`
}

// PreparedCertificate proves a proposal was prepared: its PrePrepare plus at
// least 2f matching Prepares from distinct members.
type PreparedCertificate struct {
	PrePrepare PrePrepare `json:"pre_prepare"`
	Prepares   []Prepare  `json:"prepares"`
}

// ViewChange asks to move to Header.View. Header.Sequence is the sender's
// highest known sequence number.
type ViewChange struct {
	Header
	Prepared []PreparedCertificate `json:"prepared"`
}

// NewView is the new primary's announcement that a view is installed. It
// carries the 2f+1 ViewChange messages that justify it and the prepared
// entries to carry over.
type NewView struct {
	Header
	ViewChanges []ViewChange          `json:"view_changes"`
	Prepared    []PreparedCertificate `json:"prepared"`
}

func (*PrePrepare) Kind() Kind { return KindPrePrepare }
func (*Prepare) Kind() Kind    { return KindPrepare }
func (*Commit) Kind() Kind     { return KindCommit }
func (*ViewChange) Kind() Kind { return KindViewChange }
func (*NewView) Kind() Kind    { return KindNewView }

// Validate checks required fields.
func (m *PrePrepare) Validate() error {
	if err := m.Header.validate(true); err != nil {
		return err
	}
	if err := validateDigest(m.Digest); err != nil {
		return err
	}
	if len(m.Content) == 0 {
		return fmt.Errorf("%w: pre-prepare content is empty", ErrInvalidMessage)
	}
	return nil
}

// Validate checks required fields.
func (m *Prepare) Validate() error {
	if err := m.Header.validate(true); err != nil {
		return err
	}
	return validateDigest(m.Digest)
}

// Validate checks required fields.
func (m *Commit) Validate() error {
	if err := m.Header.validate(true); err != nil {
		return err
	}
	return validateDigest(m.Digest)
}

// Validate checks required fields.
func (m *ViewChange) Validate() error {
	if err := m.Header.validate(false); err != nil {
		return err
	}
	for i := range m.Prepared {
		if err := m.Prepared[i].validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks required fields.
func (m *NewView) Validate() error {
	if err := m.Header.validate(false); err != nil {
		return err
	}
	if len(m.ViewChanges) == 0 {
		return fmt.Errorf("%w: new-view carries no view changes", ErrInvalidMessage)
	}
	for i := range m.ViewChanges {
		if err := m.ViewChanges[i].Validate(); err != nil {
			return err
		}
	}
	for i := range m.Prepared {
		if err := m.Prepared[i].validate(); err != nil {
			return err
		}
	}
	return nil
}

func (h Header) validate(needSequence bool) error {
	if h.Sender == "" {
		return fmt.Errorf("%w: sender is required", ErrInvalidMessage)
	}
	if needSequence && h.Sequence == 0 {
		return fmt.Errorf("%w: sequence must be positive", ErrInvalidMessage)
	}
	return nil
}

func (c *PreparedCertificate) validate() error {
	if err := c.PrePrepare.Validate(); err != nil {
		return err
	}
	for i := range c.Prepares {
		if err := c.Prepares[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

func validateDigest(d string) error {
	b, err := hex.DecodeString(d)
	if err != nil || len(b) != DigestSize {
		return fmt.Errorf("%w: malformed digest %q", ErrInvalidMessage, d)
	}
	return nil
}
