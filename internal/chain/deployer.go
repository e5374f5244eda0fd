package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/unimigrate/internal/artifacts"
)

var (
	ErrReverted       = errors.New("transaction reverted")
	ErrTimeout        = errors.New("timed out waiting for transaction")
	ErrNoCodeDeployed = errors.New("no code at deployed address")
	ErrWrongChain     = errors.New("connected to unexpected chain")
)

const (
	DefaultTxTimeout    = 750 * time.Second
	DefaultPollInterval = 2 * time.Second
)

// Options control gas and confirmation behaviour for every transaction a Deployer sends.
type Options struct {
	Gas           uint64 // 0 estimates per transaction
	Confirmations uint64
	Timeout       time.Duration
	PollInterval  time.Duration
}

// Deployment is the outcome of one contract creation.
type Deployment struct {
	Contract    string
	Address     common.Address
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
	Args        []interface{}
	EncodedArgs []byte // ABI-encoded constructor arguments, as explorers expect them
}

// Deployer creates contracts and calls them through a Submitter, waiting
// for each transaction to be mined before returning.
type Deployer struct {
	client    Client
	submitter Submitter
	opts      Options
}

func NewDeployer(client Client, submitter Submitter, opts Options) *Deployer {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTxTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Deployer{client: client, submitter: submitter, opts: opts}
}

// From is the account paying for deployments.
func (d *Deployer) From() common.Address { return d.submitter.From() }

// CheckChain fails unless the endpoint's chain id satisfies match.
func (d *Deployer) CheckChain(ctx context.Context, match func(*big.Int) bool) (*big.Int, error) {
	id, err := d.client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("get chain id: %w", err)
	}
	if !match(id) {
		return id, fmt.Errorf("%w: chain id %s", ErrWrongChain, id)
	}
	return id, nil
}

// NetworkID returns the endpoint's net_version, which can differ from the
// chain id on development nodes.
func (d *Deployer) NetworkID(ctx context.Context) (*big.Int, error) {
	id, err := d.client.NetworkID(ctx)
	if err != nil {
		return nil, fmt.Errorf("get network id: %w", err)
	}
	return id, nil
}

// NextNonce is the nonce the next transaction from the deployer will use.
func (d *Deployer) NextNonce(ctx context.Context) (uint64, error) {
	return d.client.PendingNonceAt(ctx, d.From())
}

// Balance returns the deployer account's balance.
func (d *Deployer) Balance(ctx context.Context) (*big.Int, error) {
	return d.client.BalanceAt(ctx, d.From(), nil)
}

// EstimateDeploy estimates the gas a contract creation would use without sending it.
func (d *Deployer) EstimateDeploy(ctx context.Context, a *artifacts.Artifact, args ...interface{}) (uint64, error) {
	data, err := a.DeployData(args...)
	if err != nil {
		return 0, err
	}
	gas, err := d.client.EstimateGas(ctx, ethereum.CallMsg{From: d.From(), Data: data})
	if err != nil {
		return 0, fmt.Errorf("estimate %s: %w", a.ContractName, err)
	}
	return gas, nil
}

// Deploy creates a from its artifact with the given constructor arguments.
func (d *Deployer) Deploy(ctx context.Context, a *artifacts.Artifact, args ...interface{}) (*Deployment, error) {
	data, err := a.DeployData(args...)
	if err != nil {
		return nil, err
	}
	encoded, err := a.PackConstructor(args...)
	if err != nil {
		return nil, err
	}
	hash, err := d.submitter.Submit(ctx, TxRequest{Data: data, Gas: d.opts.Gas})
	if err != nil {
		return nil, fmt.Errorf("deploy %s: %w", a.ContractName, err)
	}
	log.Info().Str("contract", a.ContractName).Str("tx", hash.Hex()).Msg("deployment sent")

	receipt, err := d.WaitMined(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("deploy %s: %w", a.ContractName, err)
	}
	if receipt.ContractAddress == (common.Address{}) {
		return nil, fmt.Errorf("deploy %s: receipt %s has no contract address", a.ContractName, hash.Hex())
	}
	code, err := d.client.CodeAt(ctx, receipt.ContractAddress, nil)
	if err != nil {
		return nil, fmt.Errorf("deploy %s: get code: %w", a.ContractName, err)
	}
	if len(code) == 0 {
		return nil, fmt.Errorf("deploy %s at %s: %w", a.ContractName, receipt.ContractAddress.Hex(), ErrNoCodeDeployed)
	}

	return &Deployment{
		Contract:    a.ContractName,
		Address:     receipt.ContractAddress,
		TxHash:      hash,
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
		Args:        args,
		EncodedArgs: encoded,
	}, nil
}

// Transact sends a state-changing call of method on the contract at to.
func (d *Deployer) Transact(ctx context.Context, to common.Address, a *artifacts.Artifact, method string, args ...interface{}) (*types.Receipt, error) {
	data, err := a.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	hash, err := d.submitter.Submit(ctx, TxRequest{To: &to, Data: data, Gas: d.opts.Gas})
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", a.ContractName, method, err)
	}
	log.Info().Str("contract", a.ContractName).Str("method", method).Str("tx", hash.Hex()).Msg("transaction sent")

	receipt, err := d.WaitMined(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", a.ContractName, method, err)
	}
	return receipt, nil
}

// Call performs a read-only call and decodes its outputs.
func (d *Deployer) Call(ctx context.Context, to common.Address, a *artifacts.Artifact, method string, args ...interface{}) ([]interface{}, error) {
	data, err := a.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	out, err := d.client.CallContract(ctx, ethereum.CallMsg{From: d.From(), To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s.%s: %w", a.ContractName, method, err)
	}
	return a.Unpack(method, out)
}

// CallAddress performs a read-only call of a getter returning a single address.
func (d *Deployer) CallAddress(ctx context.Context, to common.Address, a *artifacts.Artifact, method string) (common.Address, error) {
	out, err := d.Call(ctx, to, a, method)
	if err != nil {
		return common.Address{}, err
	}
	if len(out) != 1 {
		return common.Address{}, fmt.Errorf("%s.%s: expected 1 output, got %d", a.ContractName, method, len(out))
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%s.%s: output is %T, not address", a.ContractName, method, out[0])
	}
	return addr, nil
}

// WaitMined polls for the receipt of hash until it is mined and has the
// configured number of confirmations, the timeout elapses, or ctx is done.
func (d *Deployer) WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	var receipt *types.Receipt
	for {
		r, err := d.client.TransactionReceipt(ctx, hash)
		if err == nil && r != nil {
			receipt = r
			break
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			log.Debug().Err(err).Str("tx", hash.Hex()).Msg("receipt lookup failed, retrying")
		}
		if err := sleepTick(ctx, ticker, hash); err != nil {
			return nil, err
		}
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("tx %s: %w", hash.Hex(), ErrReverted)
	}

	if d.opts.Confirmations > 0 {
		target := receipt.BlockNumber.Uint64() + d.opts.Confirmations
		for {
			head, err := d.client.BlockNumber(ctx)
			if err == nil && head >= target {
				break
			}
			if err := sleepTick(ctx, ticker, hash); err != nil {
				return nil, err
			}
		}
	}

	log.Debug().
		Str("tx", hash.Hex()).
		Uint64("block", receipt.BlockNumber.Uint64()).
		Uint64("gas_used", receipt.GasUsed).
		Msg("transaction mined")
	return receipt, nil
}

func sleepTick(ctx context.Context, ticker *time.Ticker, hash common.Hash) error {
	select {
	case <-ticker.C:
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("tx %s: %w", hash.Hex(), ErrTimeout)
		}
		return ctx.Err()
	}
}

// HasCode reports whether a contract is deployed at addr.
func (d *Deployer) HasCode(ctx context.Context, addr common.Address) (bool, error) {
	code, err := d.client.CodeAt(ctx, addr, nil)
	if err != nil {
		return false, fmt.Errorf("get code at %s: %w", addr.Hex(), err)
	}
	return len(code) > 0, nil
}
