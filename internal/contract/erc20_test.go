package contract

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func encodeTransferData(t *testing.T, value *big.Int) []byte {
	t.Helper()
	packed, err := ERC20.Events["Transfer"].Inputs.NonIndexed().Pack(value)
	if err != nil {
		t.Fatalf("pack transfer data: %v", err)
	}
	return packed
}

func TestTransferLogQueryTopics(t *testing.T) {
	relay := common.HexToAddress("0x00000000000000000000000000000000000001")
	relayTopic := common.BytesToHash(relay.Bytes())

	in := TransferLogQuery(relay, true)
	if len(in) != 3 || in[0][0] != TransferEventID || in[1] != nil || in[2][0] != relayTopic {
		t.Fatalf("inbound query = %+v, unexpected shape", in)
	}

	out := TransferLogQuery(relay, false)
	if len(out) != 3 || out[0][0] != TransferEventID || out[1][0] != relayTopic || out[2] != nil {
		t.Fatalf("outbound query = %+v, unexpected shape", out)
	}
}

func TestDecodeTransferRoundTrip(t *testing.T) {
	from := common.HexToAddress("0x00000000000000000000000000000000000002")
	to := common.HexToAddress("0x00000000000000000000000000000000000003")
	value := big.NewInt(12345)

	l := types.Log{
		Topics: []common.Hash{
			TransferEventID,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: encodeTransferData(t, value),
	}

	got, err := DecodeTransfer(l)
	if err != nil {
		t.Fatalf("DecodeTransfer: %v", err)
	}
	if got.From != from || got.To != to || got.Value.Cmp(value) != 0 {
		t.Fatalf("DecodeTransfer = %+v, want from=%v to=%v value=%v", got, from, to, value)
	}
}

func TestDecodeTransferRejectsWrongTopicCount(t *testing.T) {
	l := types.Log{Topics: []common.Hash{TransferEventID}}
	if _, err := DecodeTransfer(l); err == nil {
		t.Fatal("expected error for a log missing indexed topics")
	}
}

func TestDecodeTransferRejectsWrongEventSignature(t *testing.T) {
	l := types.Log{Topics: []common.Hash{{0xff}, {0x01}, {0x02}}}
	if _, err := DecodeTransfer(l); err == nil {
		t.Fatal("expected error for a log with a mismatched event signature")
	}
}
