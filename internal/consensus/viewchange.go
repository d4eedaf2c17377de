package consensus

import (
	"sort"
	"time"
)

// TriggerViewChange moves the instance to the next view and returns the
// ViewChange to broadcast. Views only ever increase.
func (i *Instance) TriggerViewChange() []Message {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.startViewChange(i.now())
}

func (i *Instance) startViewChange(now time.Time) []Message {
	target := i.view + 1
	i.enterView(target, now)

	out := &Outcome{}
	vc := i.buildViewChange()
	i.recordViewChange(vc)
	out.Outbox = append(out.Outbox, vc)
	i.maybeNewView(target, out)

	i.logger.Warn("view change started", "view", target, "primary", i.PrimaryFor(target))
	return out.Outbox
}

// enterView adopts a higher view and waits for its NewView.
func (i *Instance) enterView(view uint64, now time.Time) {
	i.view = view
	i.state = StateViewChanging
	i.viewChangeDeadline = now.Add(i.viewChangeTimeout)
	i.requestTimers = make(map[uint64]time.Time)
}

func (i *Instance) buildViewChange() *ViewChange {
	return &ViewChange{
		Header:   Header{View: i.view, Sequence: i.sequence, Sender: i.nodeID},
		Prepared: i.preparedCertificates(),
	}
}

// preparedCertificates collects, per sequence number, the highest-view
// proposal that gathered 2f Prepares locally.
func (i *Instance) preparedCertificates() []PreparedCertificate {
	seqs := make([]uint64, 0, len(i.prePrepares))
	for seq := range i.prePrepares {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(a, b int) bool { return seqs[a] < seqs[b] })

	certs := make([]PreparedCertificate, 0)
	for _, seq := range seqs {
		var best *PreparedCertificate
		for digest, pp := range i.prePrepares[seq] {
			votes := i.prepares[seq][digest]
			if len(votes) < 2*i.f {
				continue
			}
			if best != nil && best.PrePrepare.View >= pp.View {
				continue
			}
			cert := PreparedCertificate{PrePrepare: *clonePrePrepare(pp), Prepares: sortedPrepares(votes)}
			best = &cert
		}
		if best != nil {
			certs = append(certs, *best)
		}
	}
	return certs
}

func sortedPrepares(bySender map[string]*Prepare) []Prepare {
	senders := make([]string, 0, len(bySender))
	for s := range bySender {
		senders = append(senders, s)
	}
	sort.Strings(senders)
	out := make([]Prepare, 0, len(senders))
	for _, s := range senders {
		out = append(out, *bySender[s])
	}
	return out
}

func (i *Instance) recordViewChange(vc *ViewChange) {
	bySender, ok := i.viewChanges[vc.View]
	if !ok {
		bySender = make(map[string]*ViewChange)
		i.viewChanges[vc.View] = bySender
	}
	bySender[vc.Sender] = vc
}

func (i *Instance) onViewChange(m *ViewChange, out *Outcome) DropReason {
	if m.View < i.view {
		return DropStaleView
	}
	if i.viewChanges[m.View][m.Sender] != nil {
		return DropDuplicate
	}

	if m.View > i.view {
		i.enterView(m.View, i.now())
		i.logger.Warn("joining view change", "view", m.View, "initiator", m.Sender)
		if i.viewChanges[m.View][i.nodeID] == nil {
			own := i.buildViewChange()
			i.recordViewChange(own)
			out.Outbox = append(out.Outbox, own)
		}
	}

	vc := cloneViewChange(m)
	i.recordViewChange(vc)
	i.maybeNewView(m.View, out)
	return DropNone
}

// maybeNewView installs and announces a view once 2f+1 ViewChange messages
// for it are on record and the local node is its primary.
func (i *Instance) maybeNewView(view uint64, out *Outcome) {
	if view != i.view || i.PrimaryFor(view) != i.nodeID {
		return
	}
	if i.newViews[view] != nil {
		return
	}
	bySender := i.viewChanges[view]
	quorum := 2*i.f + 1
	if len(bySender) < quorum {
		return
	}

	senders := make([]string, 0, len(bySender))
	for s := range bySender {
		senders = append(senders, s)
	}
	sort.Strings(senders)

	proofs := make([]ViewChange, 0, quorum)
	for _, s := range senders[:quorum] {
		proofs = append(proofs, *cloneViewChange(bySender[s]))
	}

	nv := &NewView{
		Header:      Header{View: view, Sequence: i.sequence, Sender: i.nodeID},
		ViewChanges: proofs,
		Prepared:    i.unionPrepared(proofs),
	}
	out.Outbox = append(out.Outbox, nv)
	i.installNewView(nv, out)
}

// unionPrepared merges the prepared entries of a set of ViewChange messages,
// keeping for each sequence number the valid certificate with the highest view.
func (i *Instance) unionPrepared(proofs []ViewChange) []PreparedCertificate {
	best := make(map[uint64]PreparedCertificate)
	for _, vc := range proofs {
		for _, cert := range vc.Prepared {
			if !i.validCertificate(&cert) {
				continue
			}
			seq := cert.PrePrepare.Sequence
			if cur, ok := best[seq]; ok && cur.PrePrepare.View >= cert.PrePrepare.View {
				continue
			}
			best[seq] = cert
		}
	}

	seqs := make([]uint64, 0, len(best))
	for seq := range best {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(a, b int) bool { return seqs[a] < seqs[b] })

	certs := make([]PreparedCertificate, 0, len(seqs))
	for _, seq := range seqs {
		certs = append(certs, best[seq])
	}
	return certs
}

// validCertificate checks that a prepared entry was proposed by the primary
// of its view, that its digest matches its content, and that 2f distinct
// members prepared it.
func (i *Instance) validCertificate(c *PreparedCertificate) bool {
	pp := &c.PrePrepare
	if !i.isMember(pp.Sender) || pp.Sender != i.PrimaryFor(pp.View) {
		return false
	}
	if i.digest(pp.View, pp.Sequence, pp.Content) != pp.Digest {
		return false
	}
	seen := make(map[string]struct{}, len(c.Prepares))
	for _, p := range c.Prepares {
		if !i.isMember(p.Sender) || p.View != pp.View || p.Sequence != pp.Sequence || p.Digest != pp.Digest {
			return false
		}
		seen[p.Sender] = struct{}{}
	}
	return len(seen) >= 2*i.f
}

func (i *Instance) onNewView(m *NewView, out *Outcome) DropReason {
	if m.Sender != i.PrimaryFor(m.View) {
		return DropNotPrimary
	}
	if m.View < i.view {
		return DropStaleView
	}
	if i.newViews[m.View] != nil {
		return DropDuplicate
	}

	proven := make(map[string]struct{}, len(m.ViewChanges))
	for _, vc := range m.ViewChanges {
		if vc.View == m.View && i.isMember(vc.Sender) {
			proven[vc.Sender] = struct{}{}
		}
	}
	if len(proven) < 2*i.f+1 {
		return DropMissingProof
	}
	if !sameEntries(i.unionPrepared(m.ViewChanges), m.Prepared) {
		return DropMalformed
	}

	i.installNewView(cloneNewView(m), out)
	return DropNone
}

func sameEntries(a, b []PreparedCertificate) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if a[k].PrePrepare.Sequence != b[k].PrePrepare.Sequence || a[k].PrePrepare.Digest != b[k].PrePrepare.Digest {
			return false
		}
	}
	return true
}

// installNewView adopts the view and replays its carried prepared entries
// for every sequence number that has not committed locally.
func (i *Instance) installNewView(nv *NewView, out *Outcome) {
	i.view = nv.View
	i.state = StateIdle
	i.viewChangeDeadline = time.Time{}
	i.requestTimers = make(map[uint64]time.Time)
	i.newViews[nv.View] = nv

	i.logger.Info("new view installed", "view", nv.View, "primary", nv.Sender, "carried", len(nv.Prepared))

	now := i.now()
	for k := range nv.Prepared {
		cert := &nv.Prepared[k]
		seq := cert.PrePrepare.Sequence
		if _, done := i.results[seq]; done {
			continue
		}
		if !i.validCertificate(cert) {
			continue
		}
		if i.prePrepares[seq][cert.PrePrepare.Digest] == nil {
			i.storePrePrepare(clonePrePrepare(&cert.PrePrepare), now)
		} else if _, armed := i.requestTimers[seq]; !armed {
			i.requestTimers[seq] = now.Add(i.requestTimeout)
		}
		for _, p := range cert.Prepares {
			if i.prepares[seq][p.Digest][p.Sender] == nil {
				prep := p
				i.recordPrepare(&prep)
			}
		}
		i.checkPrepared(seq, cert.PrePrepare.Digest, out)
	}
}

func cloneViewChange(m *ViewChange) *ViewChange {
	c := *m
	c.Prepared = cloneCertificates(m.Prepared)
	return &c
}

func cloneNewView(m *NewView) *NewView {
	c := *m
	if m.ViewChanges != nil {
		c.ViewChanges = make([]ViewChange, len(m.ViewChanges))
		for k := range m.ViewChanges {
			c.ViewChanges[k] = *cloneViewChange(&m.ViewChanges[k])
		}
	}
	c.Prepared = cloneCertificates(m.Prepared)
	return &c
}

func cloneCertificates(in []PreparedCertificate) []PreparedCertificate {
	if in == nil {
		return nil
	}
	out := make([]PreparedCertificate, len(in))
	for k, cert := range in {
		out[k] = PreparedCertificate{
			PrePrepare: *clonePrePrepare(&cert.PrePrepare),
			Prepares:   append([]Prepare(nil), cert.Prepares...),
		}
	}
	return out
}
