package txrequest

import (
	"github.com/google/btree"
)

// timerEntry orders announcements in the due-time index by (time,
// sequence); sequence is the final tie-breaker and, since it is
// globally unique, also what lets the tree tell two announcements
// with the same time apart.
type timerEntry struct {
	ann *announcement
}

func (t timerEntry) Less(than btree.Item) bool {
	o := than.(timerEntry)
	if t.ann.time != o.ann.time {
		return t.ann.time < o.ann.time
	}
	return t.ann.sequence < o.ann.sequence
}

// store is the announcement multi-index: one primary table plus four
// auxiliary views, kept in lockstep on every insertion and removal.
type store struct {
	byKey  map[key]*announcement
	byPeer map[PeerID]map[ItemID]*announcement
	byItem map[ItemID]map[PeerID]*announcement
	best   map[ItemID]*announcement

	// due holds every announcement in candidateDelayed or requested
	// state, ordered by (time, sequence), so the next-event query
	// (spec §4.2) and the bulk expire/promote pass in GetRequestable
	// don't need a linear scan.
	due *btree.BTree

	nextSeq uint64
}

func newStore() *store {
	return &store{
		byKey:  make(map[key]*announcement),
		byPeer: make(map[PeerID]map[ItemID]*announcement),
		byItem: make(map[ItemID]map[PeerID]*announcement),
		best:   make(map[ItemID]*announcement),
		due:    btree.New(32),
	}
}

func (s *store) nextSequence() uint64 {
	seq := s.nextSeq
	s.nextSeq++
	return seq
}

func (s *store) get(k key) (*announcement, bool) {
	a, ok := s.byKey[k]
	return a, ok
}

// insert adds a brand-new announcement to every index. The caller is
// responsible for having set a.state correctly first.
func (s *store) insert(a *announcement) {
	k := a.k()
	s.byKey[k] = a

	if s.byPeer[a.peer] == nil {
		s.byPeer[a.peer] = make(map[ItemID]*announcement)
	}
	s.byPeer[a.peer][a.item] = a

	if s.byItem[a.item] == nil {
		s.byItem[a.item] = make(map[PeerID]*announcement)
	}
	s.byItem[a.item][a.peer] = a

	if a.state == candidateDelayed || a.state == requested {
		s.due.ReplaceOrInsert(timerEntry{ann: a})
	}
}

// remove deletes an announcement from every index, including best, if
// it happened to hold that slot.
func (s *store) remove(a *announcement) {
	k := a.k()
	delete(s.byKey, k)

	if peerItems := s.byPeer[a.peer]; peerItems != nil {
		delete(peerItems, a.item)
		if len(peerItems) == 0 {
			delete(s.byPeer, a.peer)
		}
	}
	if itemPeers := s.byItem[a.item]; itemPeers != nil {
		delete(itemPeers, a.peer)
		if len(itemPeers) == 0 {
			delete(s.byItem, a.item)
		}
	}
	if a.state == candidateDelayed || a.state == requested {
		s.due.Delete(timerEntry{ann: a})
	}
	if s.best[a.item] == a {
		delete(s.best, a.item)
	}
}

// setState transitions a's state (and, for candidate/requested
// states, its time) and keeps the due index consistent. It does not
// touch the best index; callers that move an announcement in or out
// of candidateBest must update s.best themselves.
func (s *store) setState(a *announcement, newState state, newTime Timestamp) {
	wasDue := a.state == candidateDelayed || a.state == requested
	willBeDue := newState == candidateDelayed || newState == requested

	if wasDue {
		s.due.Delete(timerEntry{ann: a})
	}
	a.state = newState
	a.time = newTime
	if willBeDue {
		s.due.ReplaceOrInsert(timerEntry{ann: a})
	}
}

// setBest records newBest (nil clears) as the candidateBest for item,
// demoting the previous holder to candidateReady if there was one. The
// previous holder is only touched while it is still actually in
// candidateBest: a caller may have already moved it to some other
// state (e.g. completed) via setState before calling in here, and that
// state must not be clobbered.
func (s *store) setBest(item ItemID, newBest *announcement) {
	if old, ok := s.best[item]; ok && old != newBest && old.state == candidateBest {
		old.state = candidateReady
	}
	if newBest != nil {
		newBest.state = candidateBest
		s.best[item] = newBest
	} else {
		delete(s.best, item)
	}
}

// bestReady returns the candidateReady announcement for item with the
// highest priority, or nil if there is none.
func (s *store) bestReady(item ItemID) *announcement {
	var best *announcement
	for _, a := range s.byItem[item] {
		if a.state != candidateReady && a.state != candidateBest {
			continue
		}
		if best == nil || a.priority > best.priority {
			best = a
		}
	}
	return best
}

// recomputeBest re-evaluates the candidateBest for item from scratch:
// it exists iff no Requested announcement exists for the item and at
// least one candidateReady/candidateBest announcement does, and it is
// always the highest-priority one among those.
func (s *store) recomputeBest(item ItemID) {
	for _, a := range s.byItem[item] {
		if a.state == requested {
			if old, ok := s.best[item]; ok {
				if old != a && old.state == candidateBest {
					old.state = candidateReady
				}
				delete(s.best, item)
			}
			return
		}
	}
	want := s.bestReady(item)
	if cur, ok := s.best[item]; ok && cur == want {
		return
	}
	s.setBest(item, want)
}

// popDue removes and returns every candidateDelayed/requested
// announcement whose time is <= now, ordered by (time, sequence).
func (s *store) popDue(now Timestamp) []*announcement {
	var due []*announcement
	pivot := timerEntry{ann: &announcement{time: now + 1, sequence: 0}}
	s.due.AscendLessThan(pivot, func(item btree.Item) bool {
		due = append(due, item.(timerEntry).ann)
		return true
	})
	for _, a := range due {
		s.due.Delete(timerEntry{ann: a})
	}
	return due
}

// nextDue returns the smallest time among candidateDelayed/requested
// announcements, and whether one exists at all.
func (s *store) nextDue() (Timestamp, bool) {
	item := s.due.Min()
	if item == nil {
		return 0, false
	}
	return item.(timerEntry).ann.time, true
}

func (s *store) size() int {
	return len(s.byKey)
}

func (s *store) peerCount(peer PeerID) int {
	return len(s.byPeer[peer])
}

func (s *store) peerCountInFlight(peer PeerID) int {
	n := 0
	for _, a := range s.byPeer[peer] {
		if a.state == requested {
			n++
		}
	}
	return n
}

func (s *store) peerCountCandidates(peer PeerID) int {
	n := 0
	for _, a := range s.byPeer[peer] {
		if a.state.isCandidate() {
			n++
		}
	}
	return n
}

// cleanupItem erases every announcement for item if all of them are
// completed (spec §3 invariant 5). It is a no-op unless the item has
// at least one announcement and none of them are in a non-completed
// state.
func (s *store) cleanupItem(item ItemID) {
	peers := s.byItem[item]
	if len(peers) == 0 {
		return
	}
	for _, a := range peers {
		if a.state != completed {
			return
		}
	}
	for _, a := range peers {
		s.remove(a)
	}
}

// forgetItem erases every announcement for item regardless of state.
func (s *store) forgetItem(item ItemID) {
	peers := s.byItem[item]
	if len(peers) == 0 {
		return
	}
	list := make([]*announcement, 0, len(peers))
	for _, a := range peers {
		list = append(list, a)
	}
	for _, a := range list {
		s.remove(a)
	}
}

// forgetPeer erases every announcement for peer regardless of state,
// returning the set of distinct items that were touched so the caller
// can re-evaluate candidateBest for each.
func (s *store) forgetPeer(peer PeerID) []ItemID {
	items := s.byPeer[peer]
	if len(items) == 0 {
		return nil
	}
	touched := make([]ItemID, 0, len(items))
	list := make([]*announcement, 0, len(items))
	for item, a := range items {
		touched = append(touched, item)
		list = append(list, a)
	}
	for _, a := range list {
		s.remove(a)
	}
	return touched
}
