package chain

import (
	"context"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/polyswarm/relay/internal/contract"
)

// lookbackWindowSize is the fixed eth_getLogs window (spec §4.2: "default
// 1,000 blocks").
const lookbackWindowSize = 1000

// LookbackScanner closes the gap between the last block a follower saw
// before a restart (or downtime) and the current chain head, by replaying
// eth_getLogs over historical ranges into the bound Follower's ring (spec
// §4.2). It never emits to the dispatcher directly.
type LookbackScanner struct {
	chainID ID
	cfg     Config
	dial    Dialer
	bind    *Follower
	log     log.Logger
}

// NewLookbackScanner builds a scanner bound to follower. cfg must match the
// follower's configuration.
func NewLookbackScanner(chainID ID, cfg Config, dial Dialer, follower *Follower) *LookbackScanner {
	return &LookbackScanner{
		chainID: chainID,
		cfg:     cfg,
		dial:    dial,
		bind:    follower,
		log:     log.New("chain", chainID.String(), "component", "lookback"),
	}
}

// Start runs the initial catch-up scan, then re-scans the recent window
// every cfg.Interval seconds until ctx is cancelled.
func (s *LookbackScanner) Start(ctx context.Context) error {
	if err := s.runCatchUp(ctx); err != nil {
		s.log.Error("initial lookback failed", "err", err)
	}

	interval := time.Duration(s.cfg.Interval) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.runRecent(ctx); err != nil {
				s.log.Error("periodic lookback failed", "err", err)
			}
		}
	}
}

func (s *LookbackScanner) runCatchUp(ctx context.Context) error {
	client, err := s.dial(ctx, s.cfg.WSURI)
	if err != nil {
		return err
	}
	defer client.Close()

	head, err := client.BlockNumber(ctx)
	if err != nil {
		return err
	}
	confirmed := confirmedHeadOf(head, s.cfg.Confirmations)

	start := uint64(0)
	if head > s.cfg.MaxLookback {
		start = head - s.cfg.MaxLookback
	}
	return s.scanRange(ctx, client, start, confirmed)
}

func (s *LookbackScanner) runRecent(ctx context.Context) error {
	client, err := s.dial(ctx, s.cfg.WSURI)
	if err != nil {
		return err
	}
	defer client.Close()

	head, err := client.BlockNumber(ctx)
	if err != nil {
		return err
	}
	confirmed := confirmedHeadOf(head, s.cfg.Confirmations)

	start := uint64(0)
	if confirmed > s.cfg.LookbackWindow {
		start = confirmed - s.cfg.LookbackWindow
	}
	return s.scanRange(ctx, client, start, confirmed)
}

// scanRange never requests blocks beyond confirmed (spec invariant: "lookback
// ranges never request blocks beyond confirmed_head").
func (s *LookbackScanner) scanRange(ctx context.Context, client Client, start, confirmed uint64) error {
	if start > confirmed {
		return nil
	}
	for from := start; from <= confirmed; from += lookbackWindowSize {
		to := from + lookbackWindowSize - 1
		if to > confirmed {
			to = confirmed
		}
		if err := s.scanWindow(ctx, client, from, to); err != nil {
			return err
		}
	}
	return nil
}

func (s *LookbackScanner) scanWindow(ctx context.Context, client Client, from, to uint64) error {
	for _, topics := range [][][]common.Hash{
		contract.TransferLogQuery(s.cfg.Relay, true),
		contract.TransferLogQuery(s.cfg.Relay, false),
	} {
		logs, err := client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{s.cfg.Token},
			Topics:    topics,
		})
		if err != nil {
			return err
		}
		for _, l := range logs {
			d, err := contract.DecodeTransfer(l)
			if err != nil {
				s.log.Error("malformed transfer log during lookback, skipping", "err", err)
				continue
			}
			ev := TransferEvent{
				Chain:       s.chainID,
				TxHash:      l.TxHash,
				BlockHash:   l.BlockHash,
				BlockNumber: l.BlockNumber,
				LogIndex:    l.Index,
				From:        d.From,
				To:          d.To,
				Value:       d.Value,
				Inbound:     d.To == s.cfg.Relay,
			}
			if err := s.bind.InsertLookback(ctx, ev, l.BlockHash, l.BlockNumber); err != nil {
				return err
			}
		}
	}
	return nil
}

func confirmedHeadOf(head, confirmations uint64) uint64 {
	if head >= confirmations {
		return head - confirmations
	}
	return 0
}
