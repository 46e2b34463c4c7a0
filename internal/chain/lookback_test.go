package chain

import (
	"context"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
)

func TestConfirmedHeadOf(t *testing.T) {
	if got := confirmedHeadOf(100, 6); got != 94 {
		t.Fatalf("confirmedHeadOf(100, 6) = %d, want 94", got)
	}
	if got := confirmedHeadOf(3, 6); got != 0 {
		t.Fatalf("confirmedHeadOf(3, 6) = %d, want 0 (clamped)", got)
	}
}

// TestScanRangeNeverExceedsConfirmedHead exercises the spec invariant that a
// lookback scan never issues a window reaching past the confirmed head,
// including the boundary where the window size does not evenly divide the
// range.
func TestScanRangeNeverExceedsConfirmedHead(t *testing.T) {
	s := &LookbackScanner{
		chainID: Home,
		cfg:     Config{Relay: addr(1), Token: addr(2)},
	}

	var tos []uint64
	confirmed := uint64(2500)
	client := &fakeClient{
		filterFunc: func(q ethereum.FilterQuery) ([]types.Log, error) {
			tos = append(tos, q.ToBlock.Uint64())
			return nil, nil
		},
	}

	if err := s.scanRange(context.Background(), client, 0, confirmed); err != nil {
		t.Fatalf("scanRange: %v", err)
	}
	if len(tos) == 0 {
		t.Fatal("expected scanWindow to be invoked at least once")
	}
	for _, to := range tos {
		if to > confirmed {
			t.Errorf("window ends at %d, want <= confirmed head %d", to, confirmed)
		}
	}
	if tos[len(tos)-1] != confirmed {
		t.Fatalf("last window ends at %d, want %d", tos[len(tos)-1], confirmed)
	}
}

func TestScanRangeNoOpWhenStartPastConfirmed(t *testing.T) {
	s := &LookbackScanner{chainID: Home, cfg: Config{Relay: addr(1), Token: addr(2)}}
	called := false
	client := &fakeClient{filterFunc: func(ethereum.FilterQuery) ([]types.Log, error) {
		called = true
		return nil, nil
	}}
	if err := s.scanRange(context.Background(), client, 100, 50); err != nil {
		t.Fatalf("scanRange: %v", err)
	}
	if called {
		t.Fatal("expected no scan window when start > confirmed")
	}
}
