package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// fakeClient is a hand-rolled stand-in for the RPC node, exercised the way
// the teacher's accounts/abi/bind tests fake a ContractCaller rather than
// dialing a live backend.
type fakeClient struct {
	headers    map[uint64]*types.Header
	filterFunc func(ethereum.FilterQuery) ([]types.Log, error)
	head       uint64
}

func (f *fakeClient) Close() {}

func (f *fakeClient) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	return nil, errors.New("fakeClient: SubscribeNewHead not used in this test")
}

func (f *fakeClient) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errors.New("fakeClient: SubscribeFilterLogs not used in this test")
}

func (f *fakeClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if f.filterFunc == nil {
		return nil, nil
	}
	return f.filterFunc(q)
}

func (f *fakeClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	h, ok := f.headers[number.Uint64()]
	if !ok {
		return nil, fmt.Errorf("fakeClient: no header at %d", number.Uint64())
	}
	return h, nil
}

func (f *fakeClient) BlockNumber(ctx context.Context) (uint64, error) {
	return f.head, nil
}

func testFollower(id ID, confirmations uint64) *Follower {
	return NewFollower(id, Config{Confirmations: confirmations, Timeout: 30}, nil)
}

func TestFollowerOnHeaderAdvancesSequentially(t *testing.T) {
	f := testFollower(Home, 6)
	client := &fakeClient{headers: map[uint64]*types.Header{}}
	ctx := context.Background()

	prevHash := common.Hash{}
	for n := uint64(1); n <= 10; n++ {
		h := &types.Header{Number: big.NewInt(int64(n)), ParentHash: prevHash}
		if err := f.onHeader(ctx, client, h); err != nil {
			t.Fatalf("onHeader(%d): %v", n, err)
		}
		prevHash = h.Hash()
	}

	if f.latestHead != 10 {
		t.Fatalf("latestHead = %d, want 10", f.latestHead)
	}
	if f.confirmed != 4 {
		t.Fatalf("confirmed = %d, want 4 (10-6)", f.confirmed)
	}
	if snap := f.StatusSnapshot(); snap.LatestHead != 10 || snap.ConfirmedHead != 4 {
		t.Fatalf("status snapshot = %+v, want {10 4}", snap)
	}
}

func TestFollowerEmitGatesOnConfirmedHeadAndOrdersByLogIndex(t *testing.T) {
	f := testFollower(Home, 6)
	f.ring.setHeader(1, hash(1))
	f.ring.setHeader(2, hash(2))
	f.ring.record(hash(1), TransferEvent{LogIndex: 2, Value: big.NewInt(1)})
	f.ring.record(hash(1), TransferEvent{LogIndex: 0, Value: big.NewInt(2)})
	f.ring.record(hash(1), TransferEvent{LogIndex: 1, Value: big.NewInt(3)})
	f.confirmed = 1 // block 2 is not yet confirmed

	out := make(chan Event, 10)
	if err := f.emit(context.Background(), out); err != nil {
		t.Fatalf("emit: %v", err)
	}
	close(out)

	var got []TransferEvent
	for ev := range out {
		got = append(got, ev.(TransferEvent))
	}
	if len(got) != 3 {
		t.Fatalf("emitted %d events, want 3", len(got))
	}
	for i, want := range []int64{2, 3, 1} {
		if got[i].Value.Int64() != want {
			t.Errorf("event %d value = %d, want %d", i, got[i].Value.Int64(), want)
		}
	}
	if f.lastEmitted != 1 {
		t.Fatalf("lastEmitted = %d, want 1 (block 2 withheld)", f.lastEmitted)
	}
}

func TestFollowerEmitAnchorCadenceOnSidechain(t *testing.T) {
	f := NewFollower(Side, Config{Confirmations: 1, AnchorFrequency: 10}, nil)
	f.ring.setHeader(10, hash(10))
	f.confirmed = 10

	out := make(chan Event, 10)
	if err := f.emit(context.Background(), out); err != nil {
		t.Fatalf("emit: %v", err)
	}
	close(out)

	var anchors int
	for ev := range out {
		if _, ok := ev.(AnchorEvent); ok {
			anchors++
		}
	}
	if anchors != 1 {
		t.Fatalf("emitted %d anchor events, want 1", anchors)
	}
}

func TestFollowerHandleReorgRewindsAndReplaysLogs(t *testing.T) {
	f := testFollower(Home, 6)
	// Stale canonical chain: blocks 1-4 agree, block 5 is about to be
	// displaced by a competing chain.
	for n := uint64(1); n <= 4; n++ {
		f.ring.setHeader(n, hash(byte(n)))
	}
	f.ring.setHeader(5, hash(99)) // the old, soon-to-be-orphaned block 5
	f.ring.record(hash(99), TransferEvent{LogIndex: 0})
	f.latestHead = 5
	f.lastEmitted = 2

	newHead5 := &types.Header{Number: big.NewInt(5), ParentHash: hash(4)}
	client := &fakeClient{
		headers: map[uint64]*types.Header{},
		filterFunc: func(q ethereum.FilterQuery) ([]types.Log, error) {
			return []types.Log{
				{BlockNumber: 5, BlockHash: newHead5.Hash(), TxHash: hash(200), Index: 0,
					Topics: []common.Hash{transferTopicStub()},
				},
			}, nil
		},
	}

	if err := f.handleReorg(context.Background(), client, newHead5); err != nil {
		t.Fatalf("handleReorg: %v", err)
	}
	// The stub log above is intentionally undecodable (see transferTopicStub);
	// handleReorg logs and skips malformed replayed logs rather than failing,
	// so what we assert here is the resulting ring state.
	if _, ok := f.ring.header(5); f.latestHead != 5 || !ok {
		t.Fatalf("expected latestHead advanced to 5 with a recorded header, got latestHead=%d ok=%v", f.latestHead, ok)
	}
	if got, _ := f.ring.header(5); got != newHead5.Hash() {
		t.Fatalf("ring header at 5 = %v, want new canonical hash %v", got, newHead5.Hash())
	}
}

func TestFollowerInsertWhenDisconnected(t *testing.T) {
	f := testFollower(Home, 6)
	err := f.Insert(context.Background(), TransferEvent{}, hash(1), 1)
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("Insert while disconnected: got %v, want ErrDisconnected", err)
	}
}

// transferTopicStub returns a topic that is not the real Transfer event
// signature, so contract.DecodeTransfer rejects it deterministically without
// this test needing the full ABI-encoded log.
func transferTopicStub() common.Hash {
	return hash(250)
}
