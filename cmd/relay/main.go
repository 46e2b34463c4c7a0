// Command relay runs the federated cross-chain token bridge relay: two chain
// followers, two lookback scanners, two dispatchers and an HTTP ingest
// endpoint, supervised as a single process.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/urfave/cli/v2"

	"github.com/polyswarm/relay/internal/chain"
	"github.com/polyswarm/relay/internal/config"
	"github.com/polyswarm/relay/internal/dispatch"
	"github.com/polyswarm/relay/internal/ingest"
	"github.com/polyswarm/relay/internal/logging"
	"github.com/polyswarm/relay/internal/relay"
)

var (
	configFlag = &cli.StringFlag{
		Name:     "config",
		Usage:    "path to the relay's TOML configuration file",
		Required: true,
	}
	logFormatFlag = &cli.StringFlag{
		Name:  "log-format",
		Usage: "overrides [logging] format from the config file (raw, json)",
	}
	logFileFlag = &cli.StringFlag{
		Name:  "log-file",
		Usage: "rotate logs to this file instead of stderr",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "log verbosity, 0 (silent) to 5 (trace)",
		Value: 3,
	}
)

func main() {
	app := &cli.App{
		Name:   "relay",
		Usage:  "federated cross-chain token bridge relay",
		Flags:  []cli.Flag{configFlag, logFormatFlag, logFileFlag, verbosityFlag},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	format := cfg.Logging.Format
	if v := c.String("log-format"); v != "" {
		format = v
	}
	if err := logging.Setup(format, c.Int("verbosity"), c.String("log-file")); err != nil {
		return err
	}

	signer, err := dispatch.NewKeystoreSigner(cfg.Relay.KeyfileDir, cfg.Relay.Account, cfg.Relay.Password)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A plain *ethclient.Client satisfies chain.Client, dispatch.Client and
	// ingest.Client; production code needs only one connection per chain for
	// the ingest endpoint's transaction lookups.
	homeClient, err := ethclient.DialContext(ctx, cfg.Relay.Homechain.WSURI)
	if err != nil {
		return fmt.Errorf("relay: dial homechain for ingest: %w", err)
	}
	sideClient, err := ethclient.DialContext(ctx, cfg.Relay.Sidechain.WSURI)
	if err != nil {
		return fmt.Errorf("relay: dial sidechain for ingest: %w", err)
	}

	r, err := relay.New(
		cfg,
		relay.Signers{Home: signer, Side: signer},
		chain.DialEthClient,
		dispatch.DialEthClient,
		map[chain.ID]ingest.Client{
			chain.Home: homeClient,
			chain.Side: sideClient,
		},
	)
	if err != nil {
		return &config.ConfigError{Err: err}
	}

	return r.Run(ctx)
}

// exitCodeFor maps an error kind to the process exit codes spec §6 defines:
// 1 for configuration errors, 2 for key-decryption failure, 3 for a fatal
// systemic dispatcher failure (an unregistered verifier account). Any other
// error also exits with 2.
func exitCodeFor(err error) int {
	var cfgErr *config.ConfigError
	var keyErr *dispatch.KeyError
	var fatal *dispatch.FatalError
	switch {
	case errors.As(err, &cfgErr):
		return 1
	case errors.As(err, &keyErr):
		return 2
	case errors.As(err, &fatal):
		return 3
	default:
		return 2
	}
}
