package txrequest

import (
	"container/heap"
	"crypto/sha256"
)

// naiveMaxItems and naiveMaxPeers bound the state space the naive
// oracle below enumerates over, mirroring MAX_TXIDS/MAX_PEERS in the
// upstream fuzz tester this harness is grounded on
// (src/test/fuzz/txrequest.cpp): a handful of items and peers is
// enough to exercise every transition, and a dense linear scan over
// a bounded grid is the whole point of "naive."
const (
	naiveMaxItems = 8
	naiveMaxPeers = 6
)

// naiveItemIDs are deterministically derived so every fuzz/property
// run explores the same item identifiers.
var naiveItemIDs = func() [naiveMaxItems]ItemID {
	var ids [naiveMaxItems]ItemID
	for i := range ids {
		ids[i] = sha256.Sum256([]byte{byte(i)})
	}
	return ids
}()

// naiveState is deliberately coarser than the real tracker's state:
// it does not distinguish CandidateDelayed/Ready/Best, only whether an
// announcement is a candidate at all.
type naiveState uint8

const (
	naiveNothing naiveState = iota
	naiveCandidate
	naiveRequested
	naiveCompleted
)

type naiveAnnouncement struct {
	state     naiveState
	time      Timestamp
	sequence  uint64
	preferred bool
	priority  uint64
	// ready is set once the candidate's reqtime has been reached at a
	// receivedInv or GetRequestable call, and is never cleared: the
	// tracker does not demote a promoted candidate when time moves back.
	ready bool
}

// timeHeap is a min-heap of pending reqtime/exptime values, used by
// advanceToEvent the same way the upstream tester's m_events
// priority_queue lets the fuzzer jump straight to the next interesting
// instant instead of single-stepping.
type timeHeap []Timestamp

func (h timeHeap) Len() int            { return len(h) }
func (h timeHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h timeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timeHeap) Push(x interface{}) { *h = append(*h, x.(Timestamp)) }
func (h *timeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// naiveOracle is the dense MAX_ITEMS x MAX_PEERS reimplementation from
// spec.md §4.4: every public Tracker call is mirrored here, and the
// output of GetRequestable and every counter must match on every
// step. It uses the real tracker's priority oracle so the two agree
// on tie-breaks.
type naiveOracle struct {
	tracker *Tracker
	anns    [naiveMaxItems][naiveMaxPeers]naiveAnnouncement
	seq     uint64
	now     Timestamp
	events  timeHeap
}

func newNaiveOracle(deterministic bool) *naiveOracle {
	return &naiveOracle{
		tracker: NewTracker(deterministic),
		now:     244466666,
	}
}

func (n *naiveOracle) pushEvent(t Timestamp) {
	if t > n.now {
		heap.Push(&n.events, t)
	}
}

// advanceTime moves now forward or backward by offset, discarding any
// now-past events along the way.
func (n *naiveOracle) advanceTime(offset Timestamp) {
	n.now += offset
	for len(n.events) > 0 && n.events[0] <= n.now {
		heap.Pop(&n.events)
	}
}

// advanceToEvent jumps straight to the next pending event, if any.
func (n *naiveOracle) advanceToEvent() {
	for len(n.events) > 0 && n.events[0] <= n.now {
		heap.Pop(&n.events)
	}
	if len(n.events) > 0 {
		n.now = heap.Pop(&n.events).(Timestamp)
	}
}

// cleanup erases item's row if every non-nothing entry is completed.
func (n *naiveOracle) cleanup(item int) {
	allNothing := true
	for peer := 0; peer < naiveMaxPeers; peer++ {
		st := n.anns[item][peer].state
		if st != naiveNothing {
			if st != naiveCompleted {
				return
			}
			allNothing = false
		}
	}
	if allNothing {
		return
	}
	for peer := 0; peer < naiveMaxPeers; peer++ {
		n.anns[item][peer] = naiveAnnouncement{}
	}
}

// selected returns the peer currently selected for item, or -1 if
// there's an in-flight request or no eligible candidate.
func (n *naiveOracle) selected(item int) int {
	ret := -1
	var retPriority uint64
	for peer := 0; peer < naiveMaxPeers; peer++ {
		ann := n.anns[item][peer]
		if ann.state == naiveRequested {
			return -1
		}
		if ann.state == naiveCandidate && ann.ready {
			if ret == -1 || ann.priority > retPriority {
				ret, retPriority = peer, ann.priority
			}
		}
	}
	return ret
}

func (n *naiveOracle) receivedInv(peer, item int, preferred bool, reqtime Timestamp) {
	ann := &n.anns[item][peer]
	if ann.state == naiveNothing {
		ann.preferred = preferred
		ann.state = naiveCandidate
		ann.time = reqtime
		ann.ready = reqtime <= n.now
		ann.sequence = n.seq
		n.seq++
		ann.priority = n.tracker.ComputePriority(naiveItemIDs[item], PeerID(peer), preferred)
		n.pushEvent(reqtime)
	}
	n.tracker.ReceivedInv(PeerID(peer), naiveItemIDs[item], preferred, reqtime, n.now)
}

func (n *naiveOracle) requestedTx(peer, item int, exptime Timestamp) {
	if n.anns[item][peer].state == naiveCandidate {
		for peer2 := 0; peer2 < naiveMaxPeers; peer2++ {
			if n.anns[item][peer2].state == naiveRequested {
				n.anns[item][peer2].state = naiveCompleted
			}
		}
		n.anns[item][peer].state = naiveRequested
		n.anns[item][peer].time = exptime
	}
	n.pushEvent(exptime)
	n.tracker.RequestedTx(PeerID(peer), naiveItemIDs[item], exptime)
}

func (n *naiveOracle) receivedResponse(peer, item int) {
	if n.anns[item][peer].state != naiveNothing {
		n.anns[item][peer].state = naiveCompleted
		n.cleanup(item)
	}
	n.tracker.ReceivedResponse(PeerID(peer), naiveItemIDs[item])
}

func (n *naiveOracle) forgetItem(item int) {
	for peer := 0; peer < naiveMaxPeers; peer++ {
		n.anns[item][peer] = naiveAnnouncement{}
	}
	n.tracker.ForgetItem(naiveItemIDs[item])
}

func (n *naiveOracle) disconnectedPeer(peer int) {
	for item := 0; item < naiveMaxItems; item++ {
		if n.anns[item][peer].state != naiveNothing {
			n.anns[item][peer] = naiveAnnouncement{}
			n.cleanup(item)
		}
	}
	n.tracker.DisconnectedPeer(PeerID(peer))
}

// getRequestableDiff runs GetRequestable against both implementations
// and returns a non-empty mismatch description if they disagree.
func (n *naiveOracle) getRequestableDiff(peer int) string {
	var result []seqItem
	var expectedExpired []PeerItem

	for item := 0; item < naiveMaxItems; item++ {
		for peer2 := 0; peer2 < naiveMaxPeers; peer2++ {
			ann := &n.anns[item][peer2]
			if ann.state == naiveRequested && ann.time <= n.now {
				expectedExpired = append(expectedExpired, PeerItem{Peer: PeerID(peer2), Item: naiveItemIDs[item]})
				ann.state = naiveCompleted
				break
			}
		}
		for peer2 := 0; peer2 < naiveMaxPeers; peer2++ {
			if ann := &n.anns[item][peer2]; ann.state == naiveCandidate && ann.time <= n.now {
				ann.ready = true
			}
		}
		n.cleanup(item)
		ann := n.anns[item][peer]
		if ann.state == naiveCandidate && n.selected(item) == peer {
			result = append(result, seqItem{ann.sequence, item})
		}
	}

	actual, expired := n.tracker.GetRequestable(PeerID(peer), n.now)

	if mismatch := diffPeerItemSets(expired, expectedExpired); mismatch != "" {
		return "expired mismatch: " + mismatch
	}
	if err := n.tracker.PostGetRequestableSanityCheck(n.now); err != nil {
		return "post-sanity-check failed: " + err.Error()
	}
	if len(actual) != len(result) {
		return "selected length mismatch"
	}
	sortSeqItems(result)
	for i, r := range result {
		if actual[i] != naiveItemIDs[r.item] {
			return "selected item mismatch at position"
		}
	}
	return ""
}

type seqItem struct {
	sequence uint64
	item     int
}

func sortSeqItems(items []seqItem) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j-1].sequence > items[j].sequence; j-- {
			items[j-1], items[j] = items[j], items[j-1]
		}
	}
}

func diffPeerItemSets(a, b []PeerItem) string {
	if len(a) != len(b) {
		return "length differs"
	}
	count := make(map[PeerItem]int)
	for _, x := range a {
		count[x]++
	}
	for _, x := range b {
		count[x]--
	}
	for _, c := range count {
		if c != 0 {
			return "contents differ"
		}
	}
	return ""
}

// check compares Size/Count/CountInFlight/CountCandidates against the
// naive state, and runs the real tracker's own sanity check.
func (n *naiveOracle) check() string {
	total := 0
	for peer := 0; peer < naiveMaxPeers; peer++ {
		tracked, inflight, candidates := 0, 0, 0
		for item := 0; item < naiveMaxItems; item++ {
			switch n.anns[item][peer].state {
			case naiveRequested:
				tracked++
				inflight++
			case naiveCandidate:
				tracked++
				candidates++
			case naiveCompleted:
				tracked++
			}
		}
		if n.tracker.Count(PeerID(peer)) != tracked {
			return "Count mismatch"
		}
		if n.tracker.CountInFlight(PeerID(peer)) != inflight {
			return "CountInFlight mismatch"
		}
		if n.tracker.CountCandidates(PeerID(peer)) != candidates {
			return "CountCandidates mismatch"
		}
		total += tracked
	}
	if n.tracker.Size() != total {
		return "Size mismatch"
	}
	if err := n.tracker.SanityCheck(); err != nil {
		return "sanity check failed: " + err.Error()
	}
	return ""
}
