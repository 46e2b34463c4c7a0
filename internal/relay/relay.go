// Package relay wires the chain followers, lookback scanners, dispatchers
// and HTTP ingest endpoint for both chains into a single supervised process.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/polyswarm/relay/internal/chain"
	"github.com/polyswarm/relay/internal/config"
	"github.com/polyswarm/relay/internal/dispatch"
	"github.com/polyswarm/relay/internal/ingest"
)

// Snapshot is the health view exposed by Status, one per chain.
type Snapshot struct {
	LatestHead    uint64
	ConfirmedHead uint64
	NextNonce     uint64
	InFlightCount int
}

// httpShutdownGrace bounds how long the HTTP ingest endpoint waits for
// in-flight requests to finish during shutdown.
const httpShutdownGrace = 10 * time.Second

// Relay owns both chains' followers, lookback scanners and dispatchers, plus
// the HTTP ingest endpoint, and supervises them as a single errgroup.
type Relay struct {
	cfg *config.Config

	homeFollower *chain.Follower
	sideFollower *chain.Follower

	homeLookback *chain.LookbackScanner
	sideLookback *chain.LookbackScanner

	homeDispatcher *dispatch.Dispatcher
	sideDispatcher *dispatch.Dispatcher

	homeOut chan chain.Event
	sideOut chan chain.Event

	httpSrv *http.Server
	log     log.Logger
}

// Signers bundles the two chains' transaction signers; each chain's key is
// owned exclusively by its own dispatcher (spec §5).
type Signers struct {
	Home dispatch.Signer
	Side dispatch.Signer
}

// New builds a Relay from a loaded, validated configuration and the signers
// for each chain's account. ingestClients supplies the RPC client the HTTP
// endpoint uses to resolve re-injected transaction hashes; production code
// dials a real node, tests supply a fake.
func New(cfg *config.Config, signers Signers, chainDial chain.Dialer, dispatchDial dispatch.Dialer, ingestClients map[chain.ID]ingest.Client) (*Relay, error) {
	homeCfg := cfg.ChainConfig(chain.Home)
	sideCfg := cfg.ChainConfig(chain.Side)
	if err := homeCfg.Validate(); err != nil {
		return nil, fmt.Errorf("relay: homechain config: %w", err)
	}
	if err := sideCfg.Validate(); err != nil {
		return nil, fmt.Errorf("relay: sidechain config: %w", err)
	}

	homeFollower := chain.NewFollower(chain.Home, homeCfg, chainDial)
	sideFollower := chain.NewFollower(chain.Side, sideCfg, chainDial)

	homeDispatcher, err := dispatch.New(chain.Home, homeCfg, dispatchDial, signers.Home)
	if err != nil {
		return nil, fmt.Errorf("relay: homechain dispatcher: %w", err)
	}
	sideDispatcher, err := dispatch.New(chain.Side, sideCfg, dispatchDial, signers.Side)
	if err != nil {
		return nil, fmt.Errorf("relay: sidechain dispatcher: %w", err)
	}

	r := &Relay{
		cfg:            cfg,
		homeFollower:   homeFollower,
		sideFollower:   sideFollower,
		homeLookback:   chain.NewLookbackScanner(chain.Home, homeCfg, chainDial, homeFollower),
		sideLookback:   chain.NewLookbackScanner(chain.Side, sideCfg, chainDial, sideFollower),
		homeDispatcher: homeDispatcher,
		sideDispatcher: sideDispatcher,
		homeOut:        make(chan chain.Event, 1024),
		sideOut:        make(chan chain.Event, 1024),
		log:            log.New("component", "relay"),
	}

	handler := ingest.New(map[chain.ID]ingest.Target{
		chain.Home: {Chain: chain.Home, Follower: homeFollower, Client: ingestClients[chain.Home], Token: homeCfg.Token, Relay: homeCfg.Relay},
		chain.Side: {Chain: chain.Side, Follower: sideFollower, Client: ingestClients[chain.Side], Token: sideCfg.Token, Relay: sideCfg.Relay},
	})
	r.httpSrv = &http.Server{
		Addr:    net.JoinHostPort("", strconv.Itoa(cfg.Endpoint.Port)),
		Handler: handler,
	}

	return r, nil
}

// Run starts every task and blocks until ctx is cancelled or one task fails
// fatally. A returned *dispatch.FatalError should terminate the process with
// a non-zero exit code (spec §6 exit code 3); any other error is
// unexpected internal failure.
func (r *Relay) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.homeFollower.Start(ctx, r.homeOut) })
	g.Go(func() error { return r.sideFollower.Start(ctx, r.sideOut) })
	g.Go(func() error { return r.homeLookback.Start(ctx) })
	g.Go(func() error { return r.sideLookback.Start(ctx) })
	g.Go(func() error { return r.homeDispatcher.Run(ctx) })
	g.Go(func() error { return r.sideDispatcher.Run(ctx) })
	g.Go(func() error { return r.route(ctx, r.homeOut) })
	g.Go(func() error { return r.route(ctx, r.sideOut) })

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownGrace)
		defer cancel()
		return r.httpSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		r.log.Info("http ingest endpoint listening", "addr", r.httpSrv.Addr)
		if err := r.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relay: http ingest endpoint: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// route forwards each chain's confirmed events to the dispatcher targeting
// the work item's destination chain (spec §4.3's routing table).
func (r *Relay) route(ctx context.Context, out <-chan chain.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-out:
			wi, ok := dispatch.RouteEvent(ev)
			if !ok {
				continue
			}
			target := r.homeDispatcher
			if wi.DestChain == chain.Side {
				target = r.sideDispatcher
			}
			select {
			case target.In <- wi:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Status reports a point-in-time health snapshot of both chains, the
// concrete form of spec §7's "the operator observes this externally."
func (r *Relay) Status() map[chain.ID]Snapshot {
	homeFollower := r.homeFollower.StatusSnapshot()
	sideFollower := r.sideFollower.StatusSnapshot()
	homeDispatcher := r.homeDispatcher.StatusSnapshot()
	sideDispatcher := r.sideDispatcher.StatusSnapshot()
	return map[chain.ID]Snapshot{
		chain.Home: {
			LatestHead:    homeFollower.LatestHead,
			ConfirmedHead: homeFollower.ConfirmedHead,
			NextNonce:     homeDispatcher.NextNonce,
			InFlightCount: homeDispatcher.InFlightCount,
		},
		chain.Side: {
			LatestHead:    sideFollower.LatestHead,
			ConfirmedHead: sideFollower.ConfirmedHead,
			NextNonce:     sideDispatcher.NextNonce,
			InFlightCount: sideDispatcher.InFlightCount,
		},
	}
}
