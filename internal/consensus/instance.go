package consensus

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Default timing values.
const (
	DefaultRequestTimeout    = 30 * time.Second
	DefaultViewChangeTimeout = 30 * time.Second
	DefaultMaxFailedViews    = 5
)

// Config configures an Instance.
type Config struct {
	// NodeID is the local validator; it must appear in Members.
	NodeID string
	// Members is the ordered cluster membership. It is fixed for the
	// lifetime of the instance.
	Members           []string
	RequestTimeout    time.Duration
	ViewChangeTimeout time.Duration
	// MaxFailedViews is the number of consecutive timed-out views after
	// which CheckTimers asks for operator escalation. Zero disables it.
	MaxFailedViews int
	Digest         DigestFunc
	Now            func() time.Time
	Logger         *slog.Logger
}

// DefaultConfig returns a Config with default timeouts.
func DefaultConfig(nodeID string, members []string) Config {
	return Config{
		NodeID:            nodeID,
		Members:           members,
		RequestTimeout:    DefaultRequestTimeout,
		ViewChangeTimeout: DefaultViewChangeTimeout,
		MaxFailedViews:    DefaultMaxFailedViews,
	}
}

type result struct {
	view    uint64
	digest  string
	content []byte
}

// Instance is the agreement state machine for one cluster.
type Instance struct {
	mu sync.Mutex

	nodeID  string
	members []string
	index   map[string]int
	f       int

	requestTimeout    time.Duration
	viewChangeTimeout time.Duration
	maxFailedViews    int
	digest            DigestFunc
	now               func() time.Time
	logger            *slog.Logger

	view     uint64
	sequence uint64
	state    State

	// sequence -> digest -> message
	prePrepares map[uint64]map[string]*PrePrepare
	// sequence -> digest -> sender -> message
	prepares map[uint64]map[string]map[string]*Prepare
	commits  map[uint64]map[string]map[string]*Commit
	results  map[uint64]*result

	requestTimers      map[uint64]time.Time
	viewChangeDeadline time.Time
	// view -> sender -> message
	viewChanges map[uint64]map[string]*ViewChange
	newViews    map[uint64]*NewView
	failedViews int
}

// New creates an instance in view 0 with no history.
func New(cfg Config) (*Instance, error) {
	if len(cfg.Members) == 0 {
		return nil, ErrEmptyMembership
	}
	index := make(map[string]int, len(cfg.Members))
	for i, m := range cfg.Members {
		if m == "" {
			return nil, fmt.Errorf("%w: empty member id at %d", ErrInvalidMessage, i)
		}
		if _, dup := index[m]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateMember, m)
		}
		index[m] = i
	}
	if _, ok := index[cfg.NodeID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotMember, cfg.NodeID)
	}

	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.ViewChangeTimeout <= 0 {
		cfg.ViewChangeTimeout = DefaultViewChangeTimeout
	}
	if cfg.MaxFailedViews < 0 {
		cfg.MaxFailedViews = 0
	}
	if cfg.Digest == nil {
		cfg.Digest = SHA256Digest
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Instance{
		nodeID:            cfg.NodeID,
		members:           append([]string(nil), cfg.Members...),
		index:             index,
		f:                 (len(cfg.Members) - 1) / 3,
		requestTimeout:    cfg.RequestTimeout,
		viewChangeTimeout: cfg.ViewChangeTimeout,
		maxFailedViews:    cfg.MaxFailedViews,
		digest:            cfg.Digest,
		now:               cfg.Now,
		logger:            cfg.Logger.With("component", "consensus", "node_id", cfg.NodeID),
		state:             StateIdle,
		prePrepares:       make(map[uint64]map[string]*PrePrepare),
		prepares:          make(map[uint64]map[string]map[string]*Prepare),
		commits:           make(map[uint64]map[string]map[string]*Commit),
		results:           make(map[uint64]*result),
		requestTimers:     make(map[uint64]time.Time),
		viewChanges:       make(map[uint64]map[string]*ViewChange),
		newViews:          make(map[uint64]*NewView),
	}, nil
}

// FaultTolerance returns f, the number of faulty members tolerated.
func (i *Instance) FaultTolerance() int {
	return i.f
}

// Members returns a copy of the ordered membership.
func (i *Instance) Members() []string {
	return append([]string(nil), i.members...)
}

// NodeID returns the local validator identifier.
func (i *Instance) NodeID() string {
	return i.nodeID
}

// PrimaryFor returns the primary of a view: members[view mod n].
func (i *Instance) PrimaryFor(view uint64) string {
	return i.members[view%uint64(len(i.members))]
}

// View returns the current view.
func (i *Instance) View() uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.view
}

// State returns the current protocol state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// IsPrimary reports whether the local node is primary for the current view.
func (i *Instance) IsPrimary() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.PrimaryFor(i.view) == i.nodeID
}

// Result returns the committed content for a sequence number.
func (i *Instance) Result(sequence uint64) ([]byte, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	r, ok := i.results[sequence]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), r.content...), true
}

// Info returns a summary of the instance.
func (i *Instance) Info() Info {
	i.mu.Lock()
	defer i.mu.Unlock()
	primary := i.PrimaryFor(i.view)
	return Info{
		NodeID:      i.nodeID,
		View:        i.view,
		Sequence:    i.sequence,
		Primary:     primary,
		IsPrimary:   primary == i.nodeID,
		State:       i.state,
		Members:     len(i.members),
		Faulty:      i.f,
		Results:     len(i.results),
		FailedViews: i.failedViews,
	}
}

// StartConsensus proposes content under the next sequence number. Only the
// primary of the current view may propose. The returned outbox starts with
// the PrePrepare to broadcast to the cluster.
func (i *Instance) StartConsensus(content []byte) (uint64, Outcome, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.PrimaryFor(i.view) != i.nodeID {
		return 0, Outcome{}, ErrNotPrimary
	}
	if i.state == StateViewChanging {
		return 0, Outcome{}, ErrViewChanging
	}
	if len(content) == 0 {
		return 0, Outcome{}, fmt.Errorf("%w: empty content", ErrInvalidMessage)
	}

	seq := i.sequence + 1
	pp := &PrePrepare{
		Header:  Header{View: i.view, Sequence: seq, Sender: i.nodeID},
		Digest:  i.digest(i.view, seq, content),
		Content: append([]byte(nil), content...),
	}

	out := Outcome{Accepted: true, Outbox: []Message{clonePrePrepare(pp)}}
	i.acceptPrePrepare(pp, &out)

	i.logger.Debug("proposal started", "view", i.view, "sequence", seq, "digest", pp.Digest)
	return seq, out, nil
}

// ReceiveMessage feeds an inbound message into the state machine. Messages
// from non-members, for the wrong view, or otherwise invalid are dropped
// without mutating state.
func (i *Instance) ReceiveMessage(m Message) Outcome {
	i.mu.Lock()
	defer i.mu.Unlock()

	var out Outcome
	reason := i.dispatch(m, &out)
	if reason != DropNone {
		out = Outcome{Reason: reason}
		if m != nil {
			h := m.header()
			i.logger.Debug("dropped message",
				"kind", m.Kind().String(),
				"sender", h.Sender,
				"view", h.View,
				"sequence", h.Sequence,
				"reason", string(reason),
			)
		}
		return out
	}
	out.Accepted = true
	return out
}

func (i *Instance) dispatch(m Message, out *Outcome) DropReason {
	if m == nil {
		return DropMalformed
	}
	if err := m.Validate(); err != nil {
		return DropMalformed
	}
	if !i.isMember(m.header().Sender) {
		return DropUnknownSender
	}

	switch msg := m.(type) {
	case *PrePrepare:
		return i.onPrePrepare(msg, out)
	case *Prepare:
		return i.onPrepare(msg, out)
	case *Commit:
		return i.onCommit(msg, out)
	case *ViewChange:
		return i.onViewChange(msg, out)
	case *NewView:
		return i.onNewView(msg, out)
	default:
		return DropMalformed
	}
}

func (i *Instance) isMember(id string) bool {
	_, ok := i.index[id]
	return ok
}

func (i *Instance) onPrePrepare(m *PrePrepare, out *Outcome) DropReason {
	if m.View != i.view {
		return DropViewMismatch
	}
	if i.state == StateViewChanging {
		return DropViewMismatch
	}
	if m.Sender != i.PrimaryFor(m.View) {
		return DropNotPrimary
	}
	if _, done := i.results[m.Sequence]; done {
		return DropAlreadyCommitted
	}
	if i.digest(m.View, m.Sequence, m.Content) != m.Digest {
		return DropBadDigest
	}
	for d, existing := range i.prePrepares[m.Sequence] {
		if existing.View != m.View {
			continue
		}
		if d == m.Digest {
			return DropDuplicate
		}
		return DropConflicting
	}

	i.acceptPrePrepare(clonePrePrepare(m), out)
	return DropNone
}

// acceptPrePrepare stores a validated PrePrepare and, on a backup, answers
// it with a Prepare.
func (i *Instance) acceptPrePrepare(pp *PrePrepare, out *Outcome) {
	i.storePrePrepare(pp, i.now())
	i.state = StatePrePrepared

	if i.PrimaryFor(i.view) != i.nodeID {
		p := &Prepare{
			Header: Header{View: i.view, Sequence: pp.Sequence, Sender: i.nodeID},
			Digest: pp.Digest,
		}
		i.recordPrepare(p)
		out.Outbox = append(out.Outbox, p)
	}
	i.checkPrepared(pp.Sequence, pp.Digest, out)
}

func (i *Instance) storePrePrepare(pp *PrePrepare, now time.Time) {
	byDigest, ok := i.prePrepares[pp.Sequence]
	if !ok {
		byDigest = make(map[string]*PrePrepare)
		i.prePrepares[pp.Sequence] = byDigest
	}
	byDigest[pp.Digest] = pp
	if pp.Sequence > i.sequence {
		i.sequence = pp.Sequence
	}
	if _, armed := i.requestTimers[pp.Sequence]; !armed {
		i.requestTimers[pp.Sequence] = now.Add(i.requestTimeout)
	}
}

func (i *Instance) onPrepare(m *Prepare, out *Outcome) DropReason {
	if m.View != i.view {
		return DropViewMismatch
	}
	if i.state == StateViewChanging {
		return DropViewMismatch
	}
	if i.prePrepares[m.Sequence][m.Digest] == nil {
		return DropNoPrePrepare
	}
	if i.prepares[m.Sequence][m.Digest][m.Sender] != nil {
		return DropDuplicate
	}

	p := *m
	i.recordPrepare(&p)
	i.checkPrepared(m.Sequence, m.Digest, out)
	return DropNone
}

func (i *Instance) recordPrepare(p *Prepare) {
	byDigest, ok := i.prepares[p.Sequence]
	if !ok {
		byDigest = make(map[string]map[string]*Prepare)
		i.prepares[p.Sequence] = byDigest
	}
	bySender, ok := byDigest[p.Digest]
	if !ok {
		bySender = make(map[string]*Prepare)
		byDigest[p.Digest] = bySender
	}
	bySender[p.Sender] = p
}

// checkPrepared moves to PREPARED and emits a Commit once 2f Prepares match
// a known PrePrepare. The Commit is emitted at most once per view.
func (i *Instance) checkPrepared(seq uint64, digest string, out *Outcome) {
	if i.prePrepares[seq][digest] == nil {
		return
	}
	if _, done := i.results[seq]; done {
		return
	}
	if len(i.prepares[seq][digest]) < 2*i.f {
		return
	}
	if own := i.commits[seq][digest][i.nodeID]; own != nil && own.View == i.view {
		return
	}

	i.state = StatePrepared
	c := &Commit{
		Header: Header{View: i.view, Sequence: seq, Sender: i.nodeID},
		Digest: digest,
	}
	i.recordCommit(c)
	out.Outbox = append(out.Outbox, c)
	i.checkCommitted(seq, digest, out)
}

func (i *Instance) onCommit(m *Commit, out *Outcome) DropReason {
	if m.View != i.view {
		return DropViewMismatch
	}
	if existing := i.commits[m.Sequence][m.Digest][m.Sender]; existing != nil && existing.View == m.View {
		return DropDuplicate
	}

	c := *m
	i.recordCommit(&c)
	i.checkCommitted(m.Sequence, m.Digest, out)
	return DropNone
}

func (i *Instance) recordCommit(c *Commit) {
	byDigest, ok := i.commits[c.Sequence]
	if !ok {
		byDigest = make(map[string]map[string]*Commit)
		i.commits[c.Sequence] = byDigest
	}
	bySender, ok := byDigest[c.Digest]
	if !ok {
		bySender = make(map[string]*Commit)
		byDigest[c.Digest] = bySender
	}
	bySender[c.Sender] = c
}

// checkCommitted commits the sequence once 2f+1 Commits match a known
// PrePrepare. A sequence number commits exactly once.
func (i *Instance) checkCommitted(seq uint64, digest string, out *Outcome) {
	if _, done := i.results[seq]; done {
		return
	}
	pp := i.prePrepares[seq][digest]
	if pp == nil {
		return
	}
	votes := i.commits[seq][digest]
	if len(votes) < 2*i.f+1 {
		return
	}

	i.state = StateCommitted
	i.results[seq] = &result{view: i.view, digest: digest, content: pp.Content}
	delete(i.requestTimers, seq)
	i.failedViews = 0

	voters := make([]string, 0, len(votes))
	for sender := range votes {
		voters = append(voters, sender)
	}
	sort.Strings(voters)

	out.Committed = &Committed{
		Sequence: seq,
		View:     i.view,
		Digest:   digest,
		Content:  append([]byte(nil), pp.Content...),
		Voters:   voters,
	}
	i.logger.Info("sequence committed", "view", i.view, "sequence", seq, "digest", digest)
}

func clonePrePrepare(m *PrePrepare) *PrePrepare {
	c := *m
	c.Content = append([]byte(nil), m.Content...)
	return &c
}
