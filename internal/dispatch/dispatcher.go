package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"

	"github.com/polyswarm/relay/internal/chain"
	"github.com/polyswarm/relay/internal/contract"
)

// seenCacheSize bounds the dispatcher's in-memory dedup set. Durable dedup
// is the on-chain contract's responsibility (spec §3); this is only a
// process-lifetime optimization to avoid resubmitting work this instance
// already approved.
const seenCacheSize = 1 << 16

// submitRetryLimit bounds retries on transport failure during submission
// (spec §4.3 "Failure semantics": "up to a bounded retry count").
const submitRetryLimit = 5

// FatalError wraps a systemic failure that should terminate the process
// (spec §7 kind 5). The only one produced is the startup check finding that
// the account is not a registered verifier; chain id mismatch and nonce
// corruption are not detected.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("dispatch: fatal: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// Client is the subset of *ethclient.Client the dispatcher needs to submit
// and track transactions.
type Client interface {
	Close()
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Dialer opens a connection to the chain a Dispatcher submits to.
type Dialer func(ctx context.Context, wsuri string) (Client, error)

// DialEthClient is the production Dialer.
func DialEthClient(ctx context.Context, wsuri string) (Client, error) {
	return ethclient.DialContext(ctx, wsuri)
}

// Dispatcher owns one chain's account nonce, signs transactions locally,
// and re-submits on transient failure (spec §4.3). A Dispatcher instance
// always targets one chain; followers on both chains feed it through In.
type Dispatcher struct {
	target chain.ID
	cfg    chain.Config
	dial   Dialer
	signer Signer
	log    log.Logger

	In chan WorkItem

	nextNonce uint64
	inFlight  map[uint64]uuid.UUID
	retired   chan uint64
	seen      *lru.Cache

	// statusNonce and statusInFlight mirror nextNonce/len(inFlight) for
	// lock-free reads from Status(); only Run's goroutine writes them.
	statusNonce    atomic.Uint64
	statusInFlight atomic.Int64
}

// Snapshot is the lock-free health view read by relay.Relay.Status.
type Snapshot struct {
	NextNonce     uint64
	InFlightCount int
}

// StatusSnapshot reports the dispatcher's next nonce and in-flight
// submission count. Safe to call from any goroutine.
func (d *Dispatcher) StatusSnapshot() Snapshot {
	return Snapshot{
		NextNonce:     d.statusNonce.Load(),
		InFlightCount: int(d.statusInFlight.Load()),
	}
}

// New builds a Dispatcher for the given target chain. cfg is the target
// chain's configuration (its relay contract, its account, its gas policy).
func New(target chain.ID, cfg chain.Config, dial Dialer, signer Signer) (*Dispatcher, error) {
	seen, err := lru.New(seenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("dispatch: build seen cache: %w", err)
	}
	return &Dispatcher{
		target:   target,
		cfg:      cfg,
		dial:     dial,
		signer:   signer,
		log:      log.New("chain", target.String(), "component", "dispatcher"),
		In:       make(chan WorkItem, 1024),
		inFlight: make(map[uint64]uuid.UUID),
		retired:  make(chan uint64, 1024),
		seen:     seen,
	}, nil
}

// Run initializes the nonce and verifier status, then processes work items
// until ctx is cancelled. A *FatalError here should terminate the process;
// any other error is unexpected internal failure.
func (d *Dispatcher) Run(ctx context.Context) error {
	client, err := d.dial(ctx, d.cfg.WSURI)
	if err != nil {
		return fmt.Errorf("dispatch: dial %s: %w", d.target, err)
	}
	defer client.Close()

	nonce, err := client.PendingNonceAt(ctx, d.cfg.Account)
	if err != nil {
		return fmt.Errorf("dispatch: initial nonce for %s: %w", d.target, err)
	}
	d.nextNonce = nonce
	d.statusNonce.Store(nonce)

	if err := d.checkVerifier(ctx, client); err != nil {
		return err
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("dispatch: chain id for %s: %w", d.target, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case wi := <-d.In:
			d.handle(ctx, client, chainID, wi)
		case nonce := <-d.retired:
			delete(d.inFlight, nonce)
			d.statusInFlight.Store(int64(len(d.inFlight)))
		}
	}
}

func (d *Dispatcher) checkVerifier(ctx context.Context, client Client) error {
	data, err := contract.PackIsVerifier(d.signer.Address())
	if err != nil {
		return fmt.Errorf("dispatch: pack isVerifier: %w", err)
	}
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &d.cfg.Relay, Data: data}, nil)
	if err != nil {
		return fmt.Errorf("dispatch: call isVerifier: %w", err)
	}
	ok, err := contract.UnpackIsVerifier(out)
	if err != nil {
		return fmt.Errorf("dispatch: decode isVerifier: %w", err)
	}
	if !ok {
		return &FatalError{Err: fmt.Errorf("account %s is not a registered verifier on %s", d.signer.Address().Hex(), d.target)}
	}
	return nil
}

func (d *Dispatcher) handle(ctx context.Context, client Client, chainID *big.Int, wi WorkItem) {
	key := wi.Identity.String()
	if d.seen.Contains(key) {
		d.log.Debug("duplicate work item, skipping", "kind", wi.Kind, "identity", wi.Identity)
		return
	}

	data, err := wi.CallData()
	if err != nil {
		d.log.Error("failed to encode call data, dropping work item", "kind", wi.Kind, "err", err)
		return
	}

	backoff := 250 * time.Millisecond
	for attempt := 0; attempt <= submitRetryLimit; attempt++ {
		gasPrice := big.NewInt(0)
		if !d.cfg.Free {
			price, err := client.SuggestGasPrice(ctx)
			if err != nil {
				d.log.Warn("gas price lookup failed, retrying", "err", err)
				if !d.sleep(ctx, backoff) {
					return
				}
				backoff *= 2
				continue
			}
			gasPrice = price
		}

		tx := types.NewTx(&types.LegacyTx{
			Nonce:    d.nextNonce,
			To:       &d.cfg.Relay,
			Value:    big.NewInt(0),
			Gas:      d.cfg.GasLimit,
			GasPrice: gasPrice,
			Data:     data,
		})
		signed, err := d.signer.SignTx(tx, chainID)
		if err != nil {
			d.log.Error("signing failed, dropping work item", "kind", wi.Kind, "err", err)
			return
		}

		err = client.SendTransaction(ctx, signed)
		outcome := classify(err)
		switch outcome {
		case outcomeSuccess, outcomeAlreadyKnown:
			id := uuid.New()
			nonce := d.nextNonce
			d.inFlight[nonce] = id
			d.seen.Add(key, id)
			d.nextNonce++
			d.statusNonce.Store(d.nextNonce)
			d.statusInFlight.Store(int64(len(d.inFlight)))
			d.log.Info("submitted approval", "kind", wi.Kind, "identity", wi.Identity, "nonce", signed.Nonce(), "tx", signed.Hash())
			go d.watchReceipt(context.Background(), client, signed.Hash(), nonce, wi)
			return

		case outcomeNonceTooLow:
			fresh, nerr := client.PendingNonceAt(ctx, d.cfg.Account)
			if nerr != nil {
				d.log.Error("failed to refresh nonce after nonce-too-low", "err", nerr)
				if !d.sleep(ctx, backoff) {
					return
				}
				backoff *= 2
				continue
			}
			d.log.Warn("nonce too low, refreshing", "had", d.nextNonce, "refreshed", fresh)
			d.nextNonce = fresh
			d.statusNonce.Store(fresh)
			continue

		case outcomeTransient:
			d.log.Warn("transient submission failure, retrying", "attempt", attempt, "err", err)
			if !d.sleep(ctx, backoff) {
				return
			}
			backoff *= 2
			continue

		default:
			d.log.Error("unexpected submission error, dropping work item", "kind", wi.Kind, "err", err)
			return
		}
	}
	d.log.Error("submission retries exhausted, dropping work item", "kind", wi.Kind, "identity", wi.Identity)
}

func (d *Dispatcher) sleep(ctx context.Context, wait time.Duration) bool {
	select {
	case <-time.After(wait):
		return true
	case <-ctx.Done():
		return false
	}
}

// watchReceipt polls for the submission's receipt and logs a contract-policy
// revert as benign (spec §7 kind 4): the on-chain require()s that reject
// duplicate approvals or unknown verifiers are expected in a federation.
func (d *Dispatcher) watchReceipt(ctx context.Context, client Client, txHash common.Hash, nonce uint64, wi WorkItem) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			receipt, err := client.TransactionReceipt(ctx, txHash)
			if errors.Is(err, ethereum.NotFound) {
				continue
			}
			if err != nil {
				return
			}
			if receipt.Status == types.ReceiptStatusFailed {
				d.log.Info("submission reverted, treating as benign contract-policy rejection",
					"kind", wi.Kind, "identity", wi.Identity, "tx", txHash)
			}
			select {
			case d.retired <- nonce:
			case <-ctx.Done():
			}
			return
		}
	}
}

type outcome uint8

const (
	outcomeSuccess outcome = iota
	outcomeAlreadyKnown
	outcomeNonceTooLow
	outcomeTransient
)

func classify(err error) outcome {
	if err == nil {
		return outcomeSuccess
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "nonce too low"):
		return outcomeNonceTooLow
	case strings.Contains(msg, "already known"), strings.Contains(msg, "known transaction"):
		return outcomeAlreadyKnown
	case strings.Contains(msg, "connection"), strings.Contains(msg, "timeout"),
		strings.Contains(msg, "eof"), strings.Contains(msg, "temporarily unavailable"):
		return outcomeTransient
	default:
		return outcomeTransient
	}
}
