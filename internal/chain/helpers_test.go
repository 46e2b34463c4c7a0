package chain

import "github.com/ethereum/go-ethereum/common"

// addr and hash build distinct deterministic test fixtures from a small
// integer, so tests read as "block 1's hash" rather than raw hex literals.
func addr(n byte) common.Address {
	var a common.Address
	a[len(a)-1] = n
	return a
}

func hash(n byte) common.Hash {
	var h common.Hash
	h[len(h)-1] = n
	return h
}
