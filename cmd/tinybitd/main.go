// tinybitd wires a node.Config from command-line flags into a running
// Manager. Everything interesting lives in service/node; this binary only
// parses flags, forwards signals and maps failure classes onto the
// documented exit codes (0 clean shutdown, 1 fatal init error, 2
// unrecoverable storage corruption).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/juju/loggo"
	"github.com/spf13/cobra"

	"github.com/ironpeak/tinybit/database"
	"github.com/ironpeak/tinybit/service/node"
)

const (
	exitClean      = 0
	exitInitError  = 1
	exitCorruption = 2
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	cfg := node.DefaultConfig()
	var network string

	rootCmd := &cobra.Command{
		Use:           "tinybitd",
		Short:         "tinybit full node daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg, network)
		},
	}
	flags := rootCmd.Flags()
	flags.StringVar(&cfg.DataDir, "datadir", "", "node data directory")
	flags.StringVar(&cfg.ListenAddr, "listen", "0.0.0.0:8333", "listen address")
	flags.IntVar(&cfg.MaxPeers, "maxpeers", cfg.MaxPeers, "global peer cap")
	flags.IntVar(&cfg.PerIPLimit, "periplimit", cfg.PerIPLimit, "per-IP connection cap")
	flags.Float64Var(&cfg.FluffProbability, "fluffprobability", cfg.FluffProbability, "dandelion fluff probability")
	flags.Uint64Var(&cfg.StemTimeoutMs, "stemtimeoutms", cfg.StemTimeoutMs, "dandelion stem timeout in ms")
	flags.IntVar(&cfg.MaxStemHops, "maxstemhops", cfg.MaxStemHops, "dandelion stem hop cap")
	flags.Int64Var(&cfg.MempoolMaxBytes, "mempoolmaxbytes", cfg.MempoolMaxBytes, "mempool byte cap")
	flags.Uint64Var(&cfg.MempoolTTLSec, "mempoolttlsec", cfg.MempoolTTLSec, "mempool entry TTL in seconds")
	flags.Uint64Var(&cfg.BanDurationSec, "bandurationsec", cfg.BanDurationSec, "temporary ban duration in seconds")
	flags.Uint64Var(&cfg.StorageSizeCeiling, "storageceiling", cfg.StorageSizeCeiling, "storage size ceiling in bytes, 0 disables")
	flags.BoolVar(&cfg.BlockSanity, "blocksanity", cfg.BlockSanity, "run full block sanity checks before storing")
	flags.StringVar(&cfg.LogLevel, "loglevel", cfg.LogLevel, "log level (trace, debug, info, warning, error)")
	flags.StringVar(&network, "network", "mainnet", "network (mainnet, testnet, regtest)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tinybitd: %v\n", err)
		if errors.Is(err, database.CorruptionError("")) {
			return exitCorruption
		}
		return exitInitError
	}
	return exitClean
}

func chainParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
}

func run(cfg *node.Config, network string) error {
	if err := loggo.ConfigureLoggers("<root>=" + cfg.LogLevel); err != nil {
		return fmt.Errorf("configure loggers: %w", err)
	}

	params, err := chainParams(network)
	if err != nil {
		return err
	}

	m, err := node.New(cfg, params)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		_ = m.Shutdown()
		return err
	}

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, os.Interrupt, syscall.SIGTERM)
	<-sigC

	cancel()
	return m.Shutdown()
}
