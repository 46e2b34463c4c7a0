package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync/atomic"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"

	"github.com/polyswarm/relay/internal/contract"
)

// pendingMargin is the slack kept on top of Confirmations for the sliding
// ring window (spec §4.1: "last confirmations + margin blocks").
const pendingMargin = 12

// maxReorgWalk bounds how far back handleReorg will walk looking for a
// common ancestor before giving up and treating the height where the walk
// stopped as the fork point.
const maxReorgWalk = 256

// backoffCap is the maximum reconnect backoff (spec §4.1: "capped at 60s").
const backoffCap = 60 * time.Second

// ErrDisconnected is returned by Insert when the follower has no live
// connection to inject the transaction into.
var ErrDisconnected = errors.New("chain: follower is disconnected")

// Dialer opens an RPC connection. Production code dials a real node;
// tests substitute an in-memory implementation.
type Dialer func(ctx context.Context, wsuri string) (Client, error)

// Client is the subset of *ethclient.Client the follower and lookback
// scanner need. Narrowing it to an interface lets tests fake an RPC node.
type Client interface {
	Close()
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// DialEthClient is the production Dialer, backed by go-ethereum's ethclient.
func DialEthClient(ctx context.Context, wsuri string) (Client, error) {
	c, err := ethclient.DialContext(ctx, wsuri)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Follower maintains a live view of one chain and produces a strictly
// ordered stream of confirmed events to a bound Dispatcher (spec §4.1).
type Follower struct {
	chainID ID
	cfg     Config
	dial    Dialer
	log     log.Logger

	ring        *ring
	lastEmitted uint64
	latestHead  uint64
	confirmed   uint64

	mergeCh   chan mergeItem
	connected atomic.Bool

	// statusHead and statusConfirmed mirror latestHead/confirmed for
	// lock-free reads from Status(); only runOnce's goroutine writes them.
	statusHead      atomic.Uint64
	statusConfirmed atomic.Uint64
}

// FollowerSnapshot is the lock-free health view read by relay.Relay.Status.
type FollowerSnapshot struct {
	LatestHead    uint64
	ConfirmedHead uint64
}

// StatusSnapshot reports the follower's last-observed head and confirmed
// head. Safe to call from any goroutine.
func (f *Follower) StatusSnapshot() FollowerSnapshot {
	return FollowerSnapshot{
		LatestHead:    f.statusHead.Load(),
		ConfirmedHead: f.statusConfirmed.Load(),
	}
}

type mergeItem struct {
	event       Event
	blockHash   common.Hash
	blockNumber uint64
}

// NewFollower builds a Follower for one chain. cfg must already be
// validated.
func NewFollower(chainID ID, cfg Config, dial Dialer) *Follower {
	return &Follower{
		chainID: chainID,
		cfg:     cfg,
		dial:    dial,
		log:     log.New("chain", chainID.String()),
		ring:    newRing(),
		mergeCh: make(chan mergeItem, 1024),
	}
}

// Insert feeds a pre-decoded event (from the HTTP ingest endpoint) into the
// same confirmation-and-dedup path the live subscription uses. It requires a
// live subscription, matching the HTTP endpoint's own 503-when-disconnected
// contract (spec §4.4); it blocks only as long as the merge channel is full,
// providing the same backpressure the spec requires between components.
func (f *Follower) Insert(ctx context.Context, ev Event, blockHash common.Hash, blockNumber uint64) error {
	if !f.connected.Load() {
		return ErrDisconnected
	}
	return f.InsertLookback(ctx, ev, blockHash, blockNumber)
}

// InsertLookback feeds a historical event discovered by the bound
// LookbackScanner into the same ring the live subscription writes to. Unlike
// Insert, it does not require a live subscription: the scanner is started
// concurrently with Start and its first eth_getLogs round trip routinely
// completes before the follower finishes dialing and subscribing, and a ring
// write needs no live connection of its own. Emission still waits for
// confirmed_head to advance from real headers regardless of when the write
// lands.
func (f *Follower) InsertLookback(ctx context.Context, ev Event, blockHash common.Hash, blockNumber uint64) error {
	select {
	case f.mergeCh <- mergeItem{event: ev, blockHash: blockHash, blockNumber: blockNumber}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connected reports whether the follower currently holds a live
// subscription, for the HTTP ingest endpoint's 503 decision.
func (f *Follower) Connected() bool { return f.connected.Load() }

// Start begins following until ctx is cancelled, emitting confirmed events
// (and, on the sidechain, AnchorEvents) to out. It returns nil, and only once
// ctx is done: every dial, subscription and stall failure, including a
// refused subscription, is retried with backoff.
func (f *Follower) Start(ctx context.Context, out chan<- Event) error {
	backoff := time.Second
	for {
		err := f.runOnce(ctx, out)
		f.connected.Store(false)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			f.log.Warn("connection lost, reconnecting", "err", err, "backoff", backoff)
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
}

func (f *Follower) runOnce(ctx context.Context, out chan<- Event) error {
	client, err := f.dial(ctx, f.cfg.WSURI)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer client.Close()

	headCh := make(chan *types.Header, 16)
	headSub, err := client.SubscribeNewHead(ctx, headCh)
	if err != nil {
		return fmt.Errorf("subscribe newHeads: %w", err)
	}
	defer headSub.Unsubscribe()

	logCh := make(chan types.Log, 256)
	inSub, err := client.SubscribeFilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{f.cfg.Token},
		Topics:    contract.TransferLogQuery(f.cfg.Relay, true),
	}, logCh)
	if err != nil {
		return fmt.Errorf("subscribe inbound transfer logs: %w", err)
	}
	defer inSub.Unsubscribe()

	outSub, err := client.SubscribeFilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{f.cfg.Token},
		Topics:    contract.TransferLogQuery(f.cfg.Relay, false),
	}, logCh)
	if err != nil {
		return fmt.Errorf("subscribe outbound transfer logs: %w", err)
	}
	defer outSub.Unsubscribe()

	f.connected.Store(true)
	timeout := time.Duration(f.cfg.Timeout) * time.Second
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-headSub.Err():
			return fmt.Errorf("newHeads subscription: %w", err)
		case err := <-inSub.Err():
			return fmt.Errorf("inbound log subscription: %w", err)
		case err := <-outSub.Err():
			return fmt.Errorf("outbound log subscription: %w", err)

		case <-timer.C:
			return fmt.Errorf("no header received within %s", timeout)

		case h := <-headCh:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(timeout)
			if err := f.onHeader(ctx, client, h); err != nil {
				return err
			}
			if err := f.emit(ctx, out); err != nil {
				return err
			}

		case l := <-logCh:
			ev, err := f.decodeTransferLog(l)
			if err != nil {
				f.log.Error("malformed transfer log, skipping", "err", err, "tx", l.TxHash)
				continue
			}
			f.ring.setHeader(l.BlockNumber, l.BlockHash)
			f.ring.record(l.BlockHash, ev)

		case item := <-f.mergeCh:
			f.ring.setHeader(item.blockNumber, item.blockHash)
			f.ring.record(item.blockHash, item.event)
			if err := f.emit(ctx, out); err != nil {
				return err
			}
		}
	}
}

func (f *Follower) decodeTransferLog(l types.Log) (TransferEvent, error) {
	d, err := contract.DecodeTransfer(l)
	if err != nil {
		return TransferEvent{}, err
	}
	return TransferEvent{
		Chain:       f.chainID,
		TxHash:      l.TxHash,
		BlockHash:   l.BlockHash,
		BlockNumber: l.BlockNumber,
		LogIndex:    l.Index,
		From:        d.From,
		To:          d.To,
		Value:       d.Value,
		Inbound:     d.To == f.cfg.Relay,
	}, nil
}

// onHeader advances latestHead from a newly observed header, detecting and
// repairing reorgs before returning.
func (f *Follower) onHeader(ctx context.Context, client Client, h *types.Header) error {
	number := h.Number.Uint64()

	if f.latestHead == 0 {
		f.ring.setHeader(number, h.Hash())
		f.latestHead = number
		f.advanceConfirmed()
		return nil
	}

	switch {
	case number == f.latestHead+1:
		parent, ok := f.ring.header(f.latestHead)
		if ok && parent != h.ParentHash {
			if err := f.handleReorg(ctx, client, h); err != nil {
				return err
			}
		} else {
			f.ring.setHeader(number, h.Hash())
			f.latestHead = number
		}

	case number > f.latestHead+1:
		// Gap in the header stream (e.g. a burst of blocks while the
		// process was busy). Walk forward and fill in headers, then
		// re-fetch logs for the same range: the same transport hiccup that
		// produced the gap may also have dropped log subscription
		// deliveries, and a reorg could have occurred inside the gap.
		gapFrom := f.latestHead + 1
		for n := gapFrom; n <= number; n++ {
			hdr, err := client.HeaderByNumber(ctx, new(big.Int).SetUint64(n))
			if err != nil {
				return fmt.Errorf("backfill header %d: %w", n, err)
			}
			f.ring.setHeader(n, hdr.Hash())
		}
		if err := f.refetchLogs(ctx, client, new(big.Int).SetUint64(gapFrom), new(big.Int).SetUint64(number)); err != nil {
			return fmt.Errorf("refetch logs for header gap: %w", err)
		}
		f.latestHead = number

	default:
		// number <= latestHead: a repeated or stale header notification.
		// Only a genuine reorg (parent hash mismatch) requires action, and
		// that is handled when the next head above it arrives.
	}

	f.advanceConfirmed()
	return nil
}

func (f *Follower) advanceConfirmed() {
	f.confirmed = confirmedHeadOf(f.latestHead, f.cfg.Confirmations)
	f.statusHead.Store(f.latestHead)
	f.statusConfirmed.Store(f.confirmed)
}

// handleReorg rewinds the ring to the deepest ancestor still valid, discards
// events recorded against displaced blocks, and re-fetches logs for the
// replaced range (spec §4.1 "Reorg policy").
func (f *Follower) handleReorg(ctx context.Context, client Client, newHead *types.Header) error {
	number := newHead.Number.Uint64()
	current := newHead
	fork := number - 1
	walked := 0
	for {
		recorded, ok := f.ring.header(fork)
		if ok && recorded == current.ParentHash {
			break
		}
		if fork == 0 || walked >= maxReorgWalk {
			break
		}
		parentHdr, err := client.HeaderByNumber(ctx, new(big.Int).SetUint64(fork))
		if err != nil {
			return fmt.Errorf("walk reorg ancestry at %d: %w", fork, err)
		}
		current = parentHdr
		fork--
		walked++
	}
	if fork < f.lastEmitted {
		f.log.Error("reorg deeper than confirmations, cannot unwind past emitted blocks",
			"fork", fork, "lastEmitted", f.lastEmitted)
		fork = f.lastEmitted
	}

	f.log.Warn("reorg detected", "fork", fork, "newHead", number)
	f.ring.dropFrom(fork + 1)

	if err := f.refetchLogs(ctx, client, new(big.Int).SetUint64(fork+1), newHead.Number); err != nil {
		return fmt.Errorf("refetch logs after reorg: %w", err)
	}

	for n := fork + 1; n < number; n++ {
		if _, ok := f.ring.header(n); !ok {
			hdr, err := client.HeaderByNumber(ctx, new(big.Int).SetUint64(n))
			if err != nil {
				return fmt.Errorf("refetch header %d after reorg: %w", n, err)
			}
			f.ring.setHeader(n, hdr.Hash())
		}
	}
	f.ring.setHeader(number, newHead.Hash())
	f.latestHead = number
	return nil
}

// refetchLogs re-fetches inbound and outbound transfer logs over [from, to]
// and records each against its block hash in the ring. Shared by handleReorg
// (replaying the displaced range) and onHeader's header-gap branch (a burst
// of headers can be caused by the same transport hiccup that drops log
// subscription deliveries, or hide a reorg inside the skipped range).
func (f *Follower) refetchLogs(ctx context.Context, client Client, from, to *big.Int) error {
	q := func(topics [][]common.Hash) ethereum.FilterQuery {
		return ethereum.FilterQuery{
			FromBlock: from,
			ToBlock:   to,
			Addresses: []common.Address{f.cfg.Token},
			Topics:    topics,
		}
	}
	for _, topics := range [][][]common.Hash{
		contract.TransferLogQuery(f.cfg.Relay, true),
		contract.TransferLogQuery(f.cfg.Relay, false),
	} {
		logs, err := client.FilterLogs(ctx, q(topics))
		if err != nil {
			return err
		}
		for _, l := range logs {
			ev, err := f.decodeTransferLog(l)
			if err != nil {
				f.log.Error("malformed transfer log on replay, skipping", "err", err)
				continue
			}
			f.ring.setHeader(l.BlockNumber, l.BlockHash)
			f.ring.record(l.BlockHash, ev)
		}
	}
	return nil
}

// emit releases every event recorded against blocks up to confirmed, in
// block-number then log-index order, and evicts the ring window behind it.
func (f *Follower) emit(ctx context.Context, out chan<- Event) error {
	for n := f.lastEmitted + 1; n <= f.confirmed; n++ {
		hash, ok := f.ring.header(n)
		if !ok {
			break // not yet known; retry once a later header fills it in
		}
		events := f.ring.take(hash)
		sort.Slice(events, func(i, j int) bool {
			ti, iok := events[i].(TransferEvent)
			tj, jok := events[j].(TransferEvent)
			if iok && jok {
				return ti.LogIndex < tj.LogIndex
			}
			return false
		})
		for _, ev := range events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if f.chainID == Side && f.cfg.AnchorFrequency > 0 && n%f.cfg.AnchorFrequency == 0 {
			select {
			case out <- AnchorEvent{BlockHash: hash, BlockNumber: n}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		f.lastEmitted = n
		if n > pendingMargin+f.cfg.Confirmations {
			f.ring.dropBefore(n - pendingMargin - f.cfg.Confirmations)
		}
	}
	return nil
}
