package txrequest

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// preferredBit is forced on for preferred announcements and off for
// non-preferred ones, so that every preferred priority strictly
// outranks every non-preferred priority for the same item regardless
// of what the underlying hash produces.
const preferredBit = uint64(1) << 63

// oracle computes a keyed pseudo-random priority for (item, peer,
// preferred) triples. The key is fixed per process (random unless the
// tracker was constructed deterministic), so ordering is stable
// within a run but cannot be predicted or ground by an adversary
// across runs.
type oracle struct {
	key [16]byte
}

// newOracle draws a fresh key from a cryptographic source, unless
// deterministic is set, in which case the key is all zero so that
// tests can assert on exact priority values.
func newOracle(deterministic bool) oracle {
	var o oracle
	if !deterministic {
		if _, err := rand.Read(o.key[:]); err != nil {
			// crypto/rand failing is a fatal platform problem, not
			// something the tracker can recover from or route around.
			panic("txrequest: failed to read process priority key: " + err.Error())
		}
	}
	return o
}

// compute returns the priority of an announcement of item by peer.
// Higher values win. Deterministic within a process; preferred always
// outranks non-preferred for the same item.
func (o oracle) compute(item ItemID, peer PeerID, preferred bool) uint64 {
	var buf [16 + 32 + 8]byte
	n := copy(buf[:], o.key[:])
	n += copy(buf[n:], item[:])
	binary.LittleEndian.PutUint64(buf[n:], uint64(peer))

	h := xxhash.Sum64(buf[:])
	if preferred {
		return h | preferredBit
	}
	return h &^ preferredBit
}
