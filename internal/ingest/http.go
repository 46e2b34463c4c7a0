// Package ingest implements the HTTP side-channel that lets operators
// re-inject a missed transaction hash back into the confirmed-event path.
package ingest

import (
	"context"
	"errors"
	"net/http"
	"regexp"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/julienschmidt/httprouter"

	"github.com/polyswarm/relay/internal/chain"
	"github.com/polyswarm/relay/internal/contract"
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// Client is the subset of *ethclient.Client the ingest handler needs to
// resolve a transaction hash into its logs.
type Client interface {
	TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Follower is the subset of *chain.Follower the ingest handler needs.
type Follower interface {
	Insert(ctx context.Context, ev chain.Event, blockHash common.Hash, blockNumber uint64) error
	Connected() bool
}

// Target binds one chain's follower, RPC client, and contract addresses
// for the ingest handler.
type Target struct {
	Chain    chain.ID
	Follower Follower
	Client   Client
	Token    common.Address
	Relay    common.Address
}

// Handler serves POST /<chain>/<txhash> for the homechain and sidechain
// targets given to New.
type Handler struct {
	targets map[chain.ID]Target
	log     log.Logger
}

// New builds the ingest handler's router. targets must contain exactly the
// home and side entries.
func New(targets map[chain.ID]Target) http.Handler {
	h := &Handler{targets: targets, log: log.New("component", "ingest")}
	router := httprouter.New()
	router.POST("/:chain/:txhash", h.handle)
	return router
}

func (h *Handler) handle(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	chainName := ps.ByName("chain")
	txHashStr := ps.ByName("txhash")

	id, err := chain.ParseID(chainName)
	if err != nil {
		http.Error(w, "unknown chain", http.StatusBadRequest)
		return
	}
	if !txHashPattern.MatchString(txHashStr) {
		http.Error(w, "malformed transaction hash", http.StatusBadRequest)
		return
	}
	target, ok := h.targets[id]
	if !ok {
		http.Error(w, "unknown chain", http.StatusBadRequest)
		return
	}
	if !target.Follower.Connected() {
		http.Error(w, "follower disconnected", http.StatusServiceUnavailable)
		return
	}

	ctx := r.Context()
	txHash := common.HexToHash(txHashStr)

	_, isPending, err := target.Client.TransactionByHash(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		http.Error(w, "transaction unknown to node", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "upstream RPC error", http.StatusServiceUnavailable)
		return
	}
	if isPending {
		http.Error(w, "transaction not yet mined", http.StatusNotFound)
		return
	}

	receipt, err := target.Client.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		http.Error(w, "transaction unknown to node", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "upstream RPC error", http.StatusServiceUnavailable)
		return
	}

	queued := 0
	for _, l := range receipt.Logs {
		if l.Address != target.Token {
			continue
		}
		d, err := contract.DecodeTransfer(*l)
		if err != nil {
			continue
		}
		if d.From != target.Relay && d.To != target.Relay {
			continue
		}
		ev := chain.TransferEvent{
			Chain:       id,
			TxHash:      l.TxHash,
			BlockHash:   l.BlockHash,
			BlockNumber: l.BlockNumber,
			LogIndex:    l.Index,
			From:        d.From,
			To:          d.To,
			Value:       d.Value,
			Inbound:     d.To == target.Relay,
		}
		if err := target.Follower.Insert(ctx, ev, l.BlockHash, l.BlockNumber); err != nil {
			http.Error(w, "follower disconnected", http.StatusServiceUnavailable)
			return
		}
		queued++
	}

	h.log.Info("re-injected transaction", "chain", id, "tx", txHash, "events", queued)
	w.WriteHeader(http.StatusAccepted)
}
