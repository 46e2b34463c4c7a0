// Package chain holds the data model shared by the chain follower, the
// lookback scanner and the cross-chain dispatcher: chain identity, per-chain
// config and confirmed events. The work items derived from those events live
// in package dispatch.
package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ID names one of the two chains this relay bridges. There are exactly two
// inhabitants; every item in the pipeline is tagged with the chain it was
// observed on, and the peer chain is implied.
type ID uint8

const (
	Home ID = iota
	Side
)

func (c ID) String() string {
	switch c {
	case Home:
		return "home"
	case Side:
		return "side"
	default:
		return fmt.Sprintf("ID(%d)", uint8(c))
	}
}

// Peer returns the chain on the other side of the bridge.
func (c ID) Peer() ID {
	if c == Home {
		return Side
	}
	return Home
}

// ParseID parses the case-insensitive chain names used on the wire (the HTTP
// ingest path segment).
func ParseID(s string) (ID, error) {
	switch strings.ToLower(s) {
	case "home":
		return Home, nil
	case "side":
		return Side, nil
	default:
		return 0, fmt.Errorf("chain: unknown chain %q", s)
	}
}

// Config is the per-chain configuration validated before a Follower starts.
type Config struct {
	WSURI          string
	Token          common.Address
	Relay          common.Address
	Account        common.Address
	Confirmations  uint64
	Interval       uint64 // seconds between periodic lookback re-scans
	Timeout        uint64 // seconds before a stalled header subscription reconnects
	Free           bool   // gasPrice = 0 for submissions targeting this chain
	GasLimit       uint64
	MaxLookback    uint64 // blocks scanned on startup, at most
	LookbackWindow uint64 // blocks re-scanned every Interval seconds
	AnchorFrequency uint64 // sidechain only; 0 on homechain
}

// Validate checks the invariants the follower assumes hold before start.
func (c Config) Validate() error {
	if c.WSURI == "" {
		return fmt.Errorf("chain: wsuri is required")
	}
	if c.Token == (common.Address{}) {
		return fmt.Errorf("chain: token contract address is required")
	}
	if c.Relay == (common.Address{}) {
		return fmt.Errorf("chain: relay contract address is required")
	}
	if c.Account == (common.Address{}) {
		return fmt.Errorf("chain: account address is required")
	}
	if c.Confirmations == 0 {
		return fmt.Errorf("chain: confirmations must be positive")
	}
	if c.Timeout == 0 {
		return fmt.Errorf("chain: timeout must be positive")
	}
	if c.GasLimit == 0 {
		return fmt.Errorf("chain: gas limit must be positive")
	}
	return nil
}

// BlockHeader is the minimal view of a chain head: number, hash, parent hash
// and timestamp. The follower itself works on go-ethereum's *types.Header and
// does not use this type.
type BlockHeader struct {
	Number     uint64
	Hash       common.Hash
	ParentHash common.Hash
	Timestamp  uint64
}

// Identity is the deduplication key for a confirmed event: tx_hash alone is
// not unique across reorgs, so identity is the triple (tx_hash, block_hash,
// block_number).
type Identity struct {
	TxHash      common.Hash
	BlockHash   common.Hash
	BlockNumber uint64
}

func (id Identity) String() string {
	return fmt.Sprintf("%s/%s@%d", id.TxHash.Hex(), id.BlockHash.Hex(), id.BlockNumber)
}

// TransferEvent is a confirmed ERC20 Transfer into or out of the relay
// contract on one chain.
type TransferEvent struct {
	Chain       ID
	TxHash      common.Hash
	BlockHash   common.Hash
	BlockNumber uint64
	LogIndex    uint
	From        common.Address
	To          common.Address
	Value       *big.Int

	// Inbound is true when To == the relay contract (a deposit awaiting
	// withdrawal approval on the peer chain) and false when From == the
	// relay contract (an outbound transfer being confirmed).
	Inbound bool
}

// Identity returns the event's dedup key.
func (e TransferEvent) Identity() Identity {
	return Identity{TxHash: e.TxHash, BlockHash: e.BlockHash, BlockNumber: e.BlockNumber}
}

// AnchorEvent is emitted only for sidechain blocks whose number is a
// multiple of the configured anchor frequency.
type AnchorEvent struct {
	BlockHash   common.Hash
	BlockNumber uint64
}

// Identity returns the event's dedup key. Anchor events have no tx hash, so
// the block hash doubles as the unique component.
func (e AnchorEvent) Identity() Identity {
	return Identity{TxHash: e.BlockHash, BlockHash: e.BlockHash, BlockNumber: e.BlockNumber}
}

// Event is anything a Follower can hand to a Dispatcher.
type Event interface {
	Identity() Identity
}
