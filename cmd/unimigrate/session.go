package main

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/unimigrate/internal/artifacts"
	"github.com/3cpo-dev/unimigrate/internal/chain"
	core "github.com/3cpo-dev/unimigrate/internal/core"
	"github.com/3cpo-dev/unimigrate/internal/networks"
	"github.com/3cpo-dev/unimigrate/internal/telemetry"
	"github.com/3cpo-dev/unimigrate/internal/wallet"
)

// session is everything one command needs to talk to one network.
type session struct {
	cfg       core.Config
	network   networks.Network
	plan      core.Plan
	conn      *chain.Conn
	deployer  *chain.Deployer
	ledger    *core.Store
	artifacts *artifacts.Store
	metrics   *telemetry.Collector
}

func loadConfig(cmd *cobra.Command) (core.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	return core.LoadConfig(cfgPath)
}

// openSession resolves the network and plan, derives the signer when
// signing is true, dials the endpoint and opens the ledger. Credentials
// are checked before any connection is made.
func openSession(cmd *cobra.Command, signing bool) (*session, error) {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	netName, _ := cmd.Flags().GetString("network")
	network, err := cfg.Registry().Get(netName)
	if err != nil {
		return nil, &core.ConfigError{Field: "network", Err: err}
	}
	planName, _ := cmd.Flags().GetString("plan")
	if planName == "" {
		planName = cfg.Plan
	}
	plan, err := core.NewPlan(planName, network.ReferenceToken)
	if err != nil {
		return nil, err
	}

	var account *wallet.Account
	if signing {
		if account, err = resolveAccount(cfg, network); err != nil {
			return nil, err
		}
	}

	endpoint, err := network.Endpoint(cfg.APIKey)
	if err != nil {
		return nil, &core.ConfigError{Field: "API_KEY", Err: err}
	}
	conn, err := chain.Dial(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var submitter chain.Submitter = chain.ReadOnly{}
	switch {
	case account != nil:
		chainID, err := conn.ChainID(ctx)
		if err != nil {
			conn.Close()
			return nil, err
		}
		submitter = chain.NewKeySubmitter(conn, account.Key, chainID, network.GasPriceWei())
	case signing:
		ns, err := chain.NewNodeSubmitter(ctx, conn.RPC(), network.GasPriceWei())
		if err != nil {
			conn.Close()
			return nil, err
		}
		submitter = ns
	}

	ledger, err := core.NewStore(cfg.LedgerPath)
	if err != nil {
		conn.Close()
		return nil, err
	}

	s := &session{
		cfg:       cfg,
		network:   network,
		plan:      plan,
		conn:      conn,
		ledger:    ledger,
		artifacts: artifacts.NewStore(cfg.ArtifactsDir),
		metrics:   telemetry.InitGlobal(cfg.Telemetry.Enabled),
		deployer: chain.NewDeployer(conn, submitter, chain.Options{
			Gas:           network.Gas,
			Confirmations: network.Confirmations,
			Timeout:       time.Duration(cfg.TxTimeoutSeconds) * time.Second,
			PollInterval:  time.Duration(cfg.PollSeconds) * time.Second,
		}),
	}
	if signing {
		s.logAccount(ctx)
	}
	return s, nil
}

// resolveAccount picks the signing key: a key file, else the mnemonic. A
// local node signs with its own accounts when neither is configured.
func resolveAccount(cfg core.Config, n networks.Network) (*wallet.Account, error) {
	if cfg.Wallet.KeyFile != "" {
		return wallet.LoadPrivateKey(cfg.Wallet.KeyFile)
	}
	if cfg.Mnemonic == "" {
		if n.Local() {
			return nil, nil
		}
		return nil, &core.ConfigError{Field: "MNEMONIC", Err: errors.New("network " + n.Name + " needs MNEMONIC or wallet.key_file")}
	}
	path := wallet.Path(cfg.Wallet.Index)
	if cfg.Wallet.HDPath != "" {
		p, err := accounts.ParseDerivationPath(cfg.Wallet.HDPath)
		if err != nil {
			return nil, &core.ConfigError{Field: "wallet.hd_path", Err: err}
		}
		path = p
	}
	acct, err := wallet.FromMnemonic(cfg.Mnemonic, "", path)
	if err != nil {
		return nil, &core.ConfigError{Field: "MNEMONIC", Err: err}
	}
	return acct, nil
}

func (s *session) logAccount(ctx context.Context) {
	ev := log.Info().Str("network", s.network.Name).Str("from", s.deployer.From().Hex())
	if bal, err := s.deployer.Balance(ctx); err == nil {
		ev = ev.Str("balance_eth", weiToEther(bal))
	}
	ev.Msg("deployer account")
}

func (s *session) orchestrator(reset bool) *core.Orchestrator {
	return core.NewOrchestrator(s.deployer, s.artifacts, s.ledger, core.Options{
		Network: s.network,
		Reset:   reset,
		Metrics: s.metrics,
	})
}

func (s *session) Close() {
	telemetry.Shutdown()
	if s.ledger != nil {
		_ = s.ledger.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}

func weiToEther(wei *big.Int) string {
	f := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e18))
	return f.Text('f', 6)
}
