// Package dispatch converts confirmed chain events into signed, submitted
// transactions on the peer chain (spec §4.3, the Cross-Chain Dispatcher).
package dispatch

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/polyswarm/relay/internal/chain"
	"github.com/polyswarm/relay/internal/contract"
)

// Kind tags the two shapes an ApprovalWorkItem can take (spec §3).
type Kind uint8

const (
	Withdrawal Kind = iota
	Anchor
)

func (k Kind) String() string {
	if k == Anchor {
		return "anchor"
	}
	return "withdrawal"
}

// WorkItem is an in-memory record of pending cross-chain action derived
// from a confirmed event (spec §3, §4.3).
type WorkItem struct {
	Kind      Kind
	Identity  chain.Identity
	DestChain chain.ID

	// Withdrawal-only fields.
	Destination common.Address
	Amount      *big.Int
	TxHash      common.Hash

	BlockHash   common.Hash
	BlockNumber uint64
}

// CallData encodes the relay contract call this work item submits.
func (w WorkItem) CallData() ([]byte, error) {
	switch w.Kind {
	case Withdrawal:
		return contract.PackApproveWithdrawal(w.Destination, w.Amount, w.TxHash, w.BlockHash, w.BlockNumber)
	case Anchor:
		return contract.PackAnchor(w.BlockHash, w.BlockNumber)
	default:
		return nil, fmt.Errorf("dispatch: unknown work item kind %d", w.Kind)
	}
}

// RouteEvent implements the dispatcher's event -> work item mapping (spec
// §4.3 table): a Transfer into or out of the relay contract on the source
// chain becomes an approveWithdrawal call on the peer chain; a sidechain
// AnchorEvent becomes an anchor call on the homechain.
func RouteEvent(ev chain.Event) (WorkItem, bool) {
	switch e := ev.(type) {
	case chain.TransferEvent:
		return WorkItem{
			Kind:        Withdrawal,
			Identity:    e.Identity(),
			DestChain:   e.Chain.Peer(),
			Destination: e.From,
			Amount:      e.Value,
			TxHash:      e.TxHash,
			BlockHash:   e.BlockHash,
			BlockNumber: e.BlockNumber,
		}, true
	case chain.AnchorEvent:
		return WorkItem{
			Kind:        Anchor,
			Identity:    e.Identity(),
			DestChain:   chain.Home,
			BlockHash:   e.BlockHash,
			BlockNumber: e.BlockNumber,
		}, true
	default:
		return WorkItem{}, false
	}
}
