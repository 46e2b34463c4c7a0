package contract

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// relayABIJSON is the fixed external ABI of the multi-sig relay contract
// (spec §6). isVerifier is not named by the spec's ABI table; it is the
// read-only check the supplemented verifier self-check (SPEC_FULL.md,
// "Verifier self-check at startup") calls at dispatcher startup, and is
// assumed present on the contract the way any federation member-list lookup
// would be exposed.
const relayABIJSON = `[
	{"constant":false,"inputs":[
		{"name":"destination","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"txHash","type":"bytes32"},
		{"name":"blockHash","type":"bytes32"},
		{"name":"blockNumber","type":"uint256"}
	],"name":"approveWithdrawal","outputs":[],"type":"function"},
	{"constant":false,"inputs":[
		{"name":"txHash","type":"bytes32"},
		{"name":"blockHash","type":"bytes32"},
		{"name":"blockNumber","type":"uint256"}
	],"name":"unapproveWithdrawal","outputs":[],"type":"function"},
	{"constant":false,"inputs":[
		{"name":"blockHash","type":"bytes32"},
		{"name":"blockNumber","type":"uint256"}
	],"name":"anchor","outputs":[],"type":"function"},
	{"constant":false,"inputs":[],"name":"unanchor","outputs":[],"type":"function"},
	{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"isVerifier","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"destination","type":"address"},
		{"indexed":false,"name":"amount","type":"uint256"},
		{"indexed":false,"name":"txHash","type":"bytes32"},
		{"indexed":false,"name":"blockHash","type":"bytes32"},
		{"indexed":false,"name":"blockNumber","type":"uint256"}
	],"name":"WithdrawalProcessed","type":"event"},
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"blockHash","type":"bytes32"},
		{"indexed":true,"name":"blockNumber","type":"uint256"}
	],"name":"AnchoredBlock","type":"event"}
]`

// Relay is the parsed relay contract ABI.
var Relay abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(relayABIJSON))
	if err != nil {
		panic(fmt.Sprintf("contract: invalid relay ABI: %v", err))
	}
	Relay = parsed
}

// PackApproveWithdrawal encodes an approveWithdrawal call: the submission
// every confirmed TransferEvent produces on the peer chain.
func PackApproveWithdrawal(destination common.Address, amount *big.Int, txHash, blockHash common.Hash, blockNumber uint64) ([]byte, error) {
	return Relay.Pack("approveWithdrawal", destination, amount, txHash, blockHash, new(big.Int).SetUint64(blockNumber))
}

// PackAnchor encodes an anchor call: the submission every confirmed
// AnchorEvent produces on the homechain.
func PackAnchor(blockHash common.Hash, blockNumber uint64) ([]byte, error) {
	return Relay.Pack("anchor", blockHash, new(big.Int).SetUint64(blockNumber))
}

// PackUnapproveWithdrawal encodes the reversal call. No relay code path
// invokes this automatically (spec §9 open question (b), resolved in
// SPEC_FULL.md: left to operator intervention); it exists so an operator
// tool can use the same ABI this package already parsed.
func PackUnapproveWithdrawal(txHash, blockHash common.Hash, blockNumber uint64) ([]byte, error) {
	return Relay.Pack("unapproveWithdrawal", txHash, blockHash, new(big.Int).SetUint64(blockNumber))
}

// PackUnanchor encodes the anchor-reversal call. Also never invoked by the
// relay itself; see PackUnapproveWithdrawal.
func PackUnanchor() ([]byte, error) {
	return Relay.Pack("unanchor")
}

// PackIsVerifier encodes the read-only verifier-membership check used by the
// dispatcher's startup self-check.
func PackIsVerifier(account common.Address) ([]byte, error) {
	return Relay.Pack("isVerifier", account)
}

// UnpackIsVerifier decodes the boolean result of an isVerifier eth_call.
func UnpackIsVerifier(output []byte) (bool, error) {
	result, err := Relay.Unpack("isVerifier", output)
	if err != nil {
		return false, fmt.Errorf("contract: unpack isVerifier result: %w", err)
	}
	if len(result) != 1 {
		return false, fmt.Errorf("contract: isVerifier returned %d values, want 1", len(result))
	}
	ok, valid := result[0].(bool)
	if !valid {
		return false, fmt.Errorf("contract: isVerifier result is not a bool")
	}
	return ok, nil
}
