package chain

import "github.com/ethereum/go-ethereum/common"

// ring is the sliding window of recent block hashes and the unconfirmed
// events recorded against them. It backs both the live follower and the
// lookback scanner, which share it so that the confirmation gate and
// deduplication behave identically regardless of which one discovered an
// event.
//
// Entries older than the oldest number still tracked are evicted as the
// follower emits; entries displaced by a reorg are dropped without ever
// being handed to events.
type ring struct {
	headers map[uint64]common.Hash
	events  map[common.Hash][]Event
}

func newRing() *ring {
	return &ring{
		headers: make(map[uint64]common.Hash),
		events:  make(map[common.Hash][]Event),
	}
}

// setHeader records the canonical hash observed for a block number.
func (r *ring) setHeader(number uint64, hash common.Hash) {
	r.headers[number] = hash
}

// header returns the hash recorded for number, if any.
func (r *ring) header(number uint64) (common.Hash, bool) {
	h, ok := r.headers[number]
	return h, ok
}

// record appends ev to the events pending against blockHash. The ring has no
// locking: lookback events reach it through the follower's merge channel, so
// only the follower's goroutine calls it.
func (r *ring) record(blockHash common.Hash, ev Event) {
	r.events[blockHash] = append(r.events[blockHash], ev)
}

// take returns and removes the events recorded against hash.
func (r *ring) take(hash common.Hash) []Event {
	evs := r.events[hash]
	delete(r.events, hash)
	return evs
}

// dropBefore evicts tracked headers (and any events still filed under them)
// older than number, bounding the window's memory.
func (r *ring) dropBefore(number uint64) {
	for n, h := range r.headers {
		if n < number {
			delete(r.headers, n)
			delete(r.events, h)
		}
	}
}

// dropFrom discards every header at or above number, and the events filed
// under those hashes. Used when a reorg displaces the tail of the window.
func (r *ring) dropFrom(number uint64) {
	for n, h := range r.headers {
		if n >= number {
			delete(r.headers, n)
			delete(r.events, h)
		}
	}
}
