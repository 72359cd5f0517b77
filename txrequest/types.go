// Package txrequest tracks which peer to ask for a given announced
// item, and when, for a flood-fill peer-to-peer network. Peers
// announce "I have X" for inventory items; the tracker picks exactly
// one peer to request X from at a time, prefers well-behaved peers,
// and falls back to another peer if the first does not answer before
// its request expires.
//
// The tracker is pure in-memory state driven by method calls and a
// caller-supplied "now" timestamp. It does not fetch data, open
// connections, or persist anything across restarts.
package txrequest

import "fmt"

// ItemID identifies an announced piece of inventory (e.g. a
// transaction id). It carries no semantics beyond equality and hash.
type ItemID [32]byte

func (id ItemID) String() string {
	return fmt.Sprintf("%x", id[:4])
}

// PeerID identifies a connected peer.
type PeerID int64

// Timestamp is a signed count of microseconds since an epoch chosen
// by the caller. It is monotonic within a well-behaved run but the
// tracker tolerates it moving backward.
type Timestamp int64

// state is the lifecycle stage of a single announcement.
type state uint8

const (
	// candidateDelayed announcements may not yet be selected; time is
	// their reqtime, still in the future.
	candidateDelayed state = iota
	// candidateReady announcements are eligible for selection; time is
	// their reqtime, already past.
	candidateReady
	// candidateBest is the single candidateReady announcement per item
	// with the highest priority.
	candidateBest
	// requested announcements have an outstanding request; time is
	// their exptime.
	requested
	// completed announcements are kept only to block re-announcement
	// from the same peer until the item as a whole is resolved.
	completed
)

func (s state) String() string {
	switch s {
	case candidateDelayed:
		return "CandidateDelayed"
	case candidateReady:
		return "CandidateReady"
	case candidateBest:
		return "CandidateBest"
	case requested:
		return "Requested"
	case completed:
		return "Completed"
	default:
		return "Unknown"
	}
}

func (s state) isCandidate() bool {
	return s == candidateDelayed || s == candidateReady || s == candidateBest
}

// key identifies an announcement by its owning peer and item, the
// joint key the spec requires uniqueness over.
type key struct {
	peer PeerID
	item ItemID
}

// announcement is the central entity: one per observed (peer, item)
// pair ever seen by the tracker, for as long as it remains relevant.
type announcement struct {
	peer      PeerID
	item      ItemID
	state     state
	preferred bool
	// time is reqtime while the announcement is a candidate, exptime
	// while it is requested, and unused once completed.
	time Timestamp
	// sequence is assigned once at creation and never changes; it
	// orders the result of GetRequestable and is the final tie-breaker
	// nothing else needs.
	sequence uint64
	// priority is the oracle's output for (item, peer, preferred),
	// cached at creation since it never changes afterwards.
	priority uint64
}

func (a *announcement) k() key {
	return key{peer: a.peer, item: a.item}
}
