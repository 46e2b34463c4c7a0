package contract

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestPackApproveWithdrawalDecodesBack(t *testing.T) {
	destination := common.HexToAddress("0x0000000000000000000000000000000000000a")
	amount := big.NewInt(500)
	txHash := common.HexToHash("0x01")
	blockHash := common.HexToHash("0x02")

	data, err := PackApproveWithdrawal(destination, amount, txHash, blockHash, 100)
	if err != nil {
		t.Fatalf("PackApproveWithdrawal: %v", err)
	}

	method, err := Relay.MethodById(data[:4])
	if err != nil {
		t.Fatalf("MethodById: %v", err)
	}
	if method.Name != "approveWithdrawal" {
		t.Fatalf("method = %q, want approveWithdrawal", method.Name)
	}

	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		t.Fatalf("unpack args: %v", err)
	}
	if args[0].(common.Address) != destination {
		t.Errorf("destination = %v, want %v", args[0], destination)
	}
	if args[1].(*big.Int).Cmp(amount) != 0 {
		t.Errorf("amount = %v, want %v", args[1], amount)
	}
}

func TestPackAnchor(t *testing.T) {
	blockHash := common.HexToHash("0x03")
	data, err := PackAnchor(blockHash, 42)
	if err != nil {
		t.Fatalf("PackAnchor: %v", err)
	}
	method, err := Relay.MethodById(data[:4])
	if err != nil {
		t.Fatalf("MethodById: %v", err)
	}
	if method.Name != "anchor" {
		t.Fatalf("method = %q, want anchor", method.Name)
	}
}

func TestPackAndUnpackIsVerifier(t *testing.T) {
	account := common.HexToAddress("0x0000000000000000000000000000000000000b")
	data, err := PackIsVerifier(account)
	if err != nil {
		t.Fatalf("PackIsVerifier: %v", err)
	}
	method, err := Relay.MethodById(data[:4])
	if err != nil {
		t.Fatalf("MethodById: %v", err)
	}
	if method.Name != "isVerifier" {
		t.Fatalf("method = %q, want isVerifier", method.Name)
	}

	encodedTrue, err := method.Outputs.Pack(true)
	if err != nil {
		t.Fatalf("pack bool output: %v", err)
	}
	ok, err := UnpackIsVerifier(encodedTrue)
	if err != nil {
		t.Fatalf("UnpackIsVerifier: %v", err)
	}
	if !ok {
		t.Fatal("UnpackIsVerifier = false, want true")
	}
}

func TestPackUnapproveWithdrawalAndUnanchor(t *testing.T) {
	if _, err := PackUnapproveWithdrawal(common.HexToHash("0x01"), common.HexToHash("0x02"), 1); err != nil {
		t.Fatalf("PackUnapproveWithdrawal: %v", err)
	}
	if _, err := PackUnanchor(); err != nil {
		t.Fatalf("PackUnanchor: %v", err)
	}
}
