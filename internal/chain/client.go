// Package chain talks to an EVM JSON-RPC endpoint: it submits contract
// creations and calls, and blocks until they are mined.
package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Client is the subset of ethclient.Client the deployer needs.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	NetworkID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// RPC is the raw JSON-RPC surface used for node-managed accounts.
type RPC interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// Conn is a dialed endpoint exposing both the typed client and raw RPC.
type Conn struct {
	*ethclient.Client
	rpc *rpc.Client
}

// Dial connects to an Ethereum RPC endpoint.
func Dial(ctx context.Context, url string) (*Conn, error) {
	rc, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", redact(url), err)
	}
	return &Conn{Client: ethclient.NewClient(rc), rpc: rc}, nil
}

// RPC returns the underlying JSON-RPC client.
func (c *Conn) RPC() RPC { return c.rpc }

// redact hides the path of hosted-provider URLs, which carries the API key.
func redact(url string) string {
	for i := len("https://"); i < len(url); i++ {
		if url[i] == '/' {
			return url[:i] + "/***"
		}
	}
	return url
}
