// Package consensus implements the per-cluster Byzantine agreement protocol:
// a three-phase pre-prepare/prepare/commit exchange with view-change recovery.
//
// An Instance is a sequential state machine guarded by its own mutex. It never
// touches the network: every operation that synthesizes protocol messages
// returns them as an outbox for the caller to hand to the transport.
package consensus

import (
	"errors"
	"fmt"
)

var (
	// ErrNotPrimary is returned when a proposal is made by a non-primary node.
	ErrNotPrimary = errors.New("node is not the primary for the current view")
	// ErrNotMember is returned when the local node is absent from the membership.
	ErrNotMember = errors.New("node is not a cluster member")
	// ErrEmptyMembership is returned when an instance is built with no members.
	ErrEmptyMembership = errors.New("membership is empty")
	// ErrDuplicateMember is returned when the membership lists a validator twice.
	ErrDuplicateMember = errors.New("duplicate member")
	// ErrViewChanging is returned when a proposal is made during a view change.
	ErrViewChanging = errors.New("view change in progress")
	// ErrInvalidMessage is returned when a message fails decoding or validation.
	ErrInvalidMessage = errors.New("invalid consensus message")
)

// State is the protocol state of an instance.
type State string

const (
	StateIdle         State = "idle"
	StatePrePrepared  State = "pre_prepared"
	StatePrepared     State = "prepared"
	StateCommitted    State = "committed"
	StateViewChanging State = "view_changing"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// IsValid returns true if the state is a known protocol state.
func (s State) IsValid() bool {
	switch s {
	case StateIdle, StatePrePrepared, StatePrepared, StateCommitted, StateViewChanging:
		return true
	default:
		return false
	}
}

// Kind identifies a protocol message type on the wire.
type Kind uint8

const (
	KindPrePrepare Kind = iota + 1
	KindPrepare
	KindCommit
	KindViewChange
	KindNewView
)

// String returns the string representation of the message kind.
func (k Kind) String() string {
	switch k {
	case KindPrePrepare:
		return "pre_prepare"
	case KindPrepare:
		return "prepare"
	case KindCommit:
		return "commit"
	case KindViewChange:
		return "view_change"
	case KindNewView:
		return "new_view"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// IsValid returns true if the kind is a known message kind.
func (k Kind) IsValid() bool {
	return k >= KindPrePrepare && k <= KindNewView
}

// DropReason explains why a message was not accepted. Drops are protocol
// outcomes, not errors.
type DropReason string

const (
	DropNone             DropReason = ""
	DropUnknownSender    DropReason = "unknown_sender"
	DropViewMismatch     DropReason = "view_mismatch"
	DropStaleView        DropReason = "stale_view"
	DropNotPrimary       DropReason = "not_primary"
	DropAlreadyCommitted DropReason = "already_committed"
	DropBadDigest        DropReason = "bad_digest"
	DropConflicting      DropReason = "conflicting_pre_prepare"
	DropDuplicate        DropReason = "duplicate"
	DropNoPrePrepare     DropReason = "no_pre_prepare"
	DropMissingProof     DropReason = "missing_view_change_proof"
	DropMalformed        DropReason = "malformed"
)

// Committed is a result that reached a commit quorum. It is handed out exactly
// once per sequence number.
type Committed struct {
	Sequence uint64
	View     uint64
	Digest   string
	Content  []byte
	// Voters are the members whose commits formed the quorum, sorted.
	Voters []string
}

// Outcome is what the caller gets back from feeding a message or a proposal
// into an instance.
type Outcome struct {
	Accepted  bool
	Reason    DropReason
	Committed *Committed
	Outbox    []Message
}

// TimerOutcome is what a maintenance tick produces.
type TimerOutcome struct {
	// ViewChanged is true when an expired deadline moved the instance to a new view.
	ViewChanged bool
	View        uint64
	FailedViews int
	// Escalate is true once the run of consecutive failed views reaches the
	// configured ceiling. It stays true on every further failed view.
	Escalate bool
	Outbox   []Message
}

// Info is a point-in-time summary of an instance.
type Info struct {
	NodeID      string `json:"node_id"`
	View        uint64 `json:"view"`
	Sequence    uint64 `json:"sequence"`
	Primary     string `json:"primary"`
	IsPrimary   bool   `json:"is_primary"`
	State       State  `json:"state"`
	Members     int    `json:"members"`
	Faulty      int    `json:"f"`
	Results     int    `json:"results"`
	FailedViews int    `json:"failed_views"`
}
