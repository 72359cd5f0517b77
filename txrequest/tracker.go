package txrequest

import (
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

func errf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}

// Tracker decides, for each item a peer has announced, which peer to
// ask for it next and when. It is pure in-memory state driven by
// method calls and a caller-supplied monotonic-ish clock value; it
// does not fetch data, open connections, or persist anything. See the
// package doc for the full contract.
//
// A Tracker is not safe for concurrent use: every public method can
// touch the full per-item view, so the design makes no attempt at
// finer-grained locking than a single mutex the caller wraps around
// the whole object, the way the teacher's TxFetcher serializes all
// state mutation through its own event loop.
type Tracker struct {
	store  *store
	oracle oracle

	log     zerolog.Logger
	metrics *trackerMetrics
}

// NewTracker constructs an empty Tracker. When deterministic is true
// the priority oracle's key is fixed to zero, which is required for
// reproducible tests; otherwise the key is drawn from a cryptographic
// RNG so an adversary cannot grind announcements into always winning
// selection.
func NewTracker(deterministic bool, opts ...Option) *Tracker {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Tracker{
		store:   newStore(),
		oracle:  newOracle(deterministic),
		log:     cfg.logger,
		metrics: newTrackerMetrics(cfg.registry),
	}
}

// ReceivedInv records that peer announced item, available from reqtime
// onward. If an announcement for (peer, item) already exists in any
// state, this call is a silent no-op: the first announcement wins,
// even if this one carries a different preferred or reqtime.
func (t *Tracker) ReceivedInv(peer PeerID, item ItemID, preferred bool, reqtime Timestamp, now Timestamp) {
	k := key{peer: peer, item: item}
	if _, exists := t.store.get(k); exists {
		t.metrics.announcementsDropped.Inc()
		t.log.Trace().Int64("peer", int64(peer)).Stringer("item", item).Msg("duplicate announcement ignored")
		return
	}

	a := &announcement{
		peer:      peer,
		item:      item,
		preferred: preferred,
		sequence:  t.store.nextSequence(),
		priority:  t.oracle.compute(item, peer, preferred),
		time:      reqtime,
	}
	if reqtime > now {
		a.state = candidateDelayed
	} else {
		a.state = candidateReady
	}
	t.store.insert(a)
	t.metrics.announcementsIn.Inc()

	if a.state == candidateReady {
		t.store.recomputeBest(item)
	}
	t.syncSizeMetric()
	t.log.Trace().Int64("peer", int64(peer)).Stringer("item", item).
		Bool("preferred", preferred).Stringer("state", a.state).Msg("announcement received")
}

// RequestedTx transitions the (peer, item) announcement to Requested
// with the given exptime, intended to be called only for a pair
// GetRequestable most recently returned for peer. The contract
// tolerates arbitrary calls: if no matching candidate announcement
// exists, this is a no-op. Any other announcement for the same item
// that was Requested becomes Completed; all other candidates for the
// item are left exactly as they were, as fallbacks for if this
// request times out.
func (t *Tracker) RequestedTx(peer PeerID, item ItemID, exptime Timestamp) {
	a, ok := t.store.get(key{peer: peer, item: item})
	if !ok || !a.state.isCandidate() {
		return
	}
	for _, other := range t.store.byItem[item] {
		if other.state == requested {
			t.store.setState(other, completed, other.time)
		}
	}
	t.store.setState(a, requested, exptime)
	t.store.recomputeBest(item)

	t.metrics.requestsOut.Inc()
	t.log.Debug().Int64("peer", int64(peer)).Stringer("item", item).Msg("request sent")
}

// ReceivedResponse marks the (peer, item) announcement Completed, if
// it exists. If every announcement for item is then Completed, all of
// them are erased together; a subsequent ReceivedInv for item is then
// treated as a brand-new announcement.
func (t *Tracker) ReceivedResponse(peer PeerID, item ItemID) {
	a, ok := t.store.get(key{peer: peer, item: item})
	if !ok {
		return
	}
	t.store.setState(a, completed, a.time)
	t.store.recomputeBest(item)
	t.store.cleanupItem(item)

	t.metrics.responsesIn.Inc()
	t.syncSizeMetric()
	t.log.Debug().Int64("peer", int64(peer)).Stringer("item", item).Msg("response received")
}

// ForgetItem erases every announcement for item regardless of state.
func (t *Tracker) ForgetItem(item ItemID) {
	before := len(t.store.byItem[item])
	t.store.forgetItem(item)
	if before > 0 {
		t.metrics.itemsForgotten.Inc()
		t.syncSizeMetric()
		t.log.Debug().Stringer("item", item).Int("announcements", before).Msg("item forgotten")
	}
}

// DisconnectedPeer erases every announcement for peer. For each item
// that had an announcement from peer, an item left with only Completed
// announcements is erased, and otherwise the candidateBest invariant
// is re-established among the remaining announcements.
func (t *Tracker) DisconnectedPeer(peer PeerID) {
	before := len(t.store.byPeer[peer])
	touched := t.store.forgetPeer(peer)
	for _, item := range touched {
		t.store.cleanupItem(item)
		t.store.recomputeBest(item)
	}
	if before > 0 {
		t.metrics.peersDisconnected.Inc()
		t.syncSizeMetric()
		t.log.Debug().Int64("peer", int64(peer)).Int("announcements", before).Msg("peer disconnected")
	}
}

// syncSizeMetric reconciles the announcements-tracked gauge with the
// store's actual size; simpler and harder to get wrong than threading
// an Inc/Dec through every index mutation that can add or remove
// announcements in bulk (cleanup, forget, disconnect).
func (t *Tracker) syncSizeMetric() {
	t.metrics.itemsTracked.Set(float64(t.store.size()))
}

// GetRequestable advances time to now (expiring overdue requests and
// promoting due candidates along the way), then returns, in the order
// the caller should issue requests, every item for which peer is
// currently the best available candidate, plus the set of (peer,
// item) pairs whose outstanding request just expired. This is the
// only method that mutates state as a side effect of a query.
func (t *Tracker) GetRequestable(peer PeerID, now Timestamp) (selected []ItemID, expired []PeerItem) {
	due := t.store.popDue(now)

	affected := make(map[ItemID]struct{}, len(due))
	for _, a := range due {
		affected[a.item] = struct{}{}
		switch a.state {
		case requested:
			expired = append(expired, PeerItem{Peer: a.peer, Item: a.item})
			a.state = completed
			t.metrics.requestsExpired.Inc()
			t.log.Trace().Int64("peer", int64(a.peer)).Stringer("item", a.item).Msg("request expired")
		case candidateDelayed:
			a.state = candidateReady
		}
	}
	for item := range affected {
		t.store.cleanupItem(item)
		t.store.recomputeBest(item)
	}

	var best []*announcement
	for _, a := range t.store.byPeer[peer] {
		if a.state == candidateBest {
			best = append(best, a)
		}
	}
	sort.Slice(best, func(i, j int) bool { return best[i].sequence < best[j].sequence })
	for _, a := range best {
		selected = append(selected, a.item)
	}

	if len(affected) > 0 {
		t.syncSizeMetric()
	}
	return selected, expired
}

// PeerItem identifies an announcement by the peer that made it and
// the item it announced, used for GetRequestable's expired-request
// output.
type PeerItem struct {
	Peer PeerID
	Item ItemID
}

// Size returns the total number of live announcements across all
// peers and items.
func (t *Tracker) Size() int {
	return t.store.size()
}

// Count returns the number of live announcements from peer.
func (t *Tracker) Count(peer PeerID) int {
	return t.store.peerCount(peer)
}

// CountInFlight returns the number of peer's announcements currently
// in the Requested state.
func (t *Tracker) CountInFlight(peer PeerID) int {
	return t.store.peerCountInFlight(peer)
}

// CountCandidates returns the number of peer's announcements
// currently in any candidate sub-state.
func (t *Tracker) CountCandidates(peer PeerID) int {
	return t.store.peerCountCandidates(peer)
}

// ComputePriority returns the oracle's priority for (item, peer,
// preferred). It is deterministic across repeated calls within a
// process and does not depend on tracker state.
func (t *Tracker) ComputePriority(item ItemID, peer PeerID, preferred bool) uint64 {
	return t.oracle.compute(item, peer, preferred)
}

// SanityCheck verifies the data-model invariants that do not depend on
// the clock: consistent keys, unique sequences, at most one Requested
// and one CandidateBest per item, CandidateBest being the
// highest-priority ready candidate, and no item left with only
// Completed announcements. The time-dependent invariants are checked
// by PostGetRequestableSanityCheck. It is meant to be called from
// tests after a sequence of operations, not from production code paths.
func (t *Tracker) SanityCheck() error {
	var result *multierror.Error

	seenSeq := make(map[uint64]bool, t.store.size())
	for k, a := range t.store.byKey {
		if a.peer != k.peer || a.item != k.item {
			result = multierror.Append(result, errf("key mismatch for %v", k))
		}
		if seenSeq[a.sequence] {
			result = multierror.Append(result, errf("duplicate sequence %d", a.sequence))
		}
		seenSeq[a.sequence] = true
	}

	requestedByItem := make(map[ItemID]int)
	bestByItem := make(map[ItemID]int)
	for item, peers := range t.store.byItem {
		var bestPriority uint64
		var haveBest bool
		completedCount := 0
		for _, a := range peers {
			switch a.state {
			case requested:
				requestedByItem[item]++
			case candidateBest:
				bestByItem[item]++
				haveBest = true
				bestPriority = a.priority
			case completed:
				completedCount++
			}
		}
		if completedCount == len(peers) {
			result = multierror.Append(result, errf("item %v has only Completed announcements", item))
		}
		if requestedByItem[item] > 1 {
			result = multierror.Append(result, errf("item %v has %d Requested announcements", item, requestedByItem[item]))
		}
		if bestByItem[item] > 1 {
			result = multierror.Append(result, errf("item %v has %d CandidateBest announcements", item, bestByItem[item]))
		}
		if haveBest && requestedByItem[item] > 0 {
			result = multierror.Append(result, errf("item %v has both CandidateBest and Requested", item))
		}
		for _, a := range peers {
			if a.state == candidateReady && haveBest && a.priority > bestPriority {
				result = multierror.Append(result, errf("item %v has CandidateReady with priority %d exceeding CandidateBest priority %d", item, a.priority, bestPriority))
			}
		}
		if !haveBest && requestedByItem[item] == 0 {
			if best := t.store.bestReady(item); best != nil {
				result = multierror.Append(result, errf("item %v has a CandidateReady that should be CandidateBest (peer %d)", item, best.peer))
			}
		}
	}
	for peer, items := range t.store.byPeer {
		for item, a := range items {
			if a.peer != peer || a.item != item {
				result = multierror.Append(result, errf("by-peer index corrupt for peer %d item %v", peer, item))
			}
		}
	}

	return result.ErrorOrNil()
}

// PostGetRequestableSanityCheck additionally verifies that, as of
// now, no CandidateDelayed announcement has time <= now and no
// Requested announcement has time <= now. It must only be called
// immediately after a GetRequestable(_, now) call at the same now.
func (t *Tracker) PostGetRequestableSanityCheck(now Timestamp) error {
	var result *multierror.Error
	if err := t.SanityCheck(); err != nil {
		result = multierror.Append(result, err)
	}
	for _, a := range t.store.byKey {
		if a.state == candidateDelayed && a.time <= now {
			result = multierror.Append(result, errf("CandidateDelayed announcement for item %v peer %d has time %d <= now %d", a.item, a.peer, a.time, now))
		}
		if a.state == requested && a.time <= now {
			result = multierror.Append(result, errf("Requested announcement for item %v peer %d has time %d <= now %d", a.item, a.peer, a.time, now))
		}
	}
	return result.ErrorOrNil()
}
