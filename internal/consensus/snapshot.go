package consensus

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/synergy-network/synergy-node/internal/snapshot"
)

// SnapshotVersion is the schema version of Snapshot.
const SnapshotVersion = 1

// ResultRecord is a committed result in a snapshot.
type ResultRecord struct {
	Sequence uint64 `json:"sequence"`
	View     uint64 `json:"view"`
	Digest   string `json:"digest"`
	Content  []byte `json:"content"`
}

// TimerRecord is an armed request deadline in a snapshot.
type TimerRecord struct {
	Sequence uint64 `json:"sequence"`
	Deadline int64  `json:"deadline_unix_nano"`
}

// Snapshot is the complete persisted state of an instance. Every collection
// is sorted so that equal states produce equal snapshots.
type Snapshot struct {
	NodeID             string         `json:"node_id"`
	Members            []string       `json:"members"`
	View               uint64         `json:"view"`
	Sequence           uint64         `json:"sequence"`
	State              State          `json:"state"`
	PrePrepares        []PrePrepare   `json:"pre_prepares"`
	Prepares           []Prepare      `json:"prepares"`
	Commits            []Commit       `json:"commits"`
	Results            []ResultRecord `json:"results"`
	RequestTimers      []TimerRecord  `json:"request_timers"`
	ViewChangeDeadline int64          `json:"view_change_deadline_unix_nano"`
	ViewChanges        []ViewChange   `json:"view_changes"`
	NewViews           []NewView      `json:"new_views"`
	FailedViews        int            `json:"failed_views"`
}

// Snapshot captures the instance state.
func (i *Instance) Snapshot() *Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()

	s := &Snapshot{
		NodeID:        i.nodeID,
		Members:       append([]string(nil), i.members...),
		View:          i.view,
		Sequence:      i.sequence,
		State:         i.state,
		PrePrepares:   []PrePrepare{},
		Prepares:      []Prepare{},
		Commits:       []Commit{},
		Results:       []ResultRecord{},
		RequestTimers: []TimerRecord{},
		ViewChanges:   []ViewChange{},
		NewViews:      []NewView{},
		FailedViews:   i.failedViews,
	}
	if !i.viewChangeDeadline.IsZero() {
		s.ViewChangeDeadline = i.viewChangeDeadline.UnixNano()
	}

	for _, seq := range sortedKeys(i.prePrepares) {
		for _, d := range sortedKeys(i.prePrepares[seq]) {
			s.PrePrepares = append(s.PrePrepares, *clonePrePrepare(i.prePrepares[seq][d]))
		}
	}
	for _, seq := range sortedKeys(i.prepares) {
		for _, d := range sortedKeys(i.prepares[seq]) {
			s.Prepares = append(s.Prepares, sortedPrepares(i.prepares[seq][d])...)
		}
	}
	for _, seq := range sortedKeys(i.commits) {
		for _, d := range sortedKeys(i.commits[seq]) {
			bySender := i.commits[seq][d]
			for _, sender := range sortedKeys(bySender) {
				s.Commits = append(s.Commits, *bySender[sender])
			}
		}
	}
	for _, seq := range sortedKeys(i.results) {
		r := i.results[seq]
		s.Results = append(s.Results, ResultRecord{
			Sequence: seq,
			View:     r.view,
			Digest:   r.digest,
			Content:  append([]byte(nil), r.content...),
		})
	}
	for _, seq := range sortedKeys(i.requestTimers) {
		s.RequestTimers = append(s.RequestTimers, TimerRecord{Sequence: seq, Deadline: i.requestTimers[seq].UnixNano()})
	}
	for _, view := range sortedKeys(i.viewChanges) {
		bySender := i.viewChanges[view]
		for _, sender := range sortedKeys(bySender) {
			s.ViewChanges = append(s.ViewChanges, *cloneViewChange(bySender[sender]))
		}
	}
	for _, view := range sortedKeys(i.newViews) {
		s.NewViews = append(s.NewViews, *cloneNewView(i.newViews[view]))
	}
	return s
}

// MarshalSnapshot encodes the instance state in a versioned envelope.
func (i *Instance) MarshalSnapshot() ([]byte, error) {
	return snapshot.Encode(snapshot.KindConsensus, SnapshotVersion, i.Snapshot())
}

// Restore decodes a snapshot produced by MarshalSnapshot and rebuilds the
// instance. cfg supplies timeouts and collaborators; its NodeID and, if set,
// Members must match the snapshot. Inconsistent snapshots are rejected with
// snapshot.ErrCorrupt.
func Restore(cfg Config, data []byte) (*Instance, error) {
	var s Snapshot
	if err := snapshot.Decode(data, snapshot.KindConsensus, SnapshotVersion, &s); err != nil {
		return nil, err
	}
	return FromSnapshot(cfg, &s)
}

// FromSnapshot rebuilds an instance from a decoded snapshot.
func FromSnapshot(cfg Config, s *Snapshot) (*Instance, error) {
	if cfg.NodeID != s.NodeID {
		return nil, fmt.Errorf("%w: snapshot belongs to %s, not %s", snapshot.ErrCorrupt, s.NodeID, cfg.NodeID)
	}
	if len(cfg.Members) > 0 && !slices.Equal(cfg.Members, s.Members) {
		return nil, fmt.Errorf("%w: snapshot membership differs from cluster membership", snapshot.ErrCorrupt)
	}
	cfg.Members = s.Members

	inst, err := New(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", snapshot.ErrCorrupt, err)
	}
	if !s.State.IsValid() {
		return nil, fmt.Errorf("%w: unknown state %q", snapshot.ErrCorrupt, s.State)
	}

	inst.view = s.View
	inst.sequence = s.Sequence
	inst.state = s.State
	inst.failedViews = s.FailedViews
	if s.ViewChangeDeadline != 0 {
		inst.viewChangeDeadline = time.Unix(0, s.ViewChangeDeadline)
	}

	for k := range s.PrePrepares {
		pp := clonePrePrepare(&s.PrePrepares[k])
		if !inst.isMember(pp.Sender) || inst.digest(pp.View, pp.Sequence, pp.Content) != pp.Digest {
			return nil, fmt.Errorf("%w: pre-prepare %d/%s fails verification", snapshot.ErrCorrupt, pp.Sequence, pp.Digest)
		}
		if pp.Sequence > inst.sequence {
			return nil, fmt.Errorf("%w: pre-prepare sequence %d beyond counter %d", snapshot.ErrCorrupt, pp.Sequence, inst.sequence)
		}
		if inst.prePrepares[pp.Sequence] == nil {
			inst.prePrepares[pp.Sequence] = make(map[string]*PrePrepare)
		}
		inst.prePrepares[pp.Sequence][pp.Digest] = pp
	}
	for k := range s.Prepares {
		p := s.Prepares[k]
		if !inst.isMember(p.Sender) {
			return nil, fmt.Errorf("%w: prepare from non-member %s", snapshot.ErrCorrupt, p.Sender)
		}
		inst.recordPrepare(&p)
	}
	for k := range s.Commits {
		c := s.Commits[k]
		if !inst.isMember(c.Sender) {
			return nil, fmt.Errorf("%w: commit from non-member %s", snapshot.ErrCorrupt, c.Sender)
		}
		inst.recordCommit(&c)
	}
	for _, r := range s.Results {
		pp := inst.prePrepares[r.Sequence][r.Digest]
		if pp == nil || !slices.Equal(pp.Content, r.Content) {
			return nil, fmt.Errorf("%w: result %d has no matching pre-prepare", snapshot.ErrCorrupt, r.Sequence)
		}
		inst.results[r.Sequence] = &result{view: r.View, digest: r.Digest, content: pp.Content}
	}
	for _, t := range s.RequestTimers {
		inst.requestTimers[t.Sequence] = time.Unix(0, t.Deadline)
	}
	for k := range s.ViewChanges {
		vc := cloneViewChange(&s.ViewChanges[k])
		if !inst.isMember(vc.Sender) {
			return nil, fmt.Errorf("%w: view change from non-member %s", snapshot.ErrCorrupt, vc.Sender)
		}
		inst.recordViewChange(vc)
	}
	for k := range s.NewViews {
		nv := cloneNewView(&s.NewViews[k])
		inst.newViews[nv.View] = nv
	}
	return inst, nil
}

func sortedKeys[K uint64 | string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool { return keys[a] < keys[b] })
	return keys
}
