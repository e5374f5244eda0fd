package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
)

var ErrNoAccounts = errors.New("node has no unlocked accounts")

// TxRequest describes a transaction before nonce, pricing and signing.
type TxRequest struct {
	To    *common.Address // nil creates a contract
	Data  []byte
	Value *big.Int
	Gas   uint64 // 0 estimates
}

// Submitter sends transactions on behalf of a single account.
type Submitter interface {
	From() common.Address
	Submit(ctx context.Context, req TxRequest) (common.Hash, error)
}

// KeySubmitter signs locally and broadcasts raw transactions.
type KeySubmitter struct {
	client   Client
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	gasPrice *big.Int
}

// NewKeySubmitter creates a submitter for key. A nil gasPrice asks the node for one per transaction.
func NewKeySubmitter(client Client, key *ecdsa.PrivateKey, chainID, gasPrice *big.Int) *KeySubmitter {
	return &KeySubmitter{
		client:   client,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:  chainID,
		gasPrice: gasPrice,
	}
}

func (s *KeySubmitter) From() common.Address { return s.from }

// gasBufferPercent pads estimates; estimates at the pending block run short
// once a constructor touches freshly written storage.
const gasBufferPercent = 120

func (s *KeySubmitter) Submit(ctx context.Context, req TxRequest) (common.Hash, error) {
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	nonce, err := s.client.PendingNonceAt(ctx, s.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("get nonce: %w", err)
	}

	gasPrice := s.gasPrice
	if gasPrice == nil {
		if gasPrice, err = s.client.SuggestGasPrice(ctx); err != nil {
			return common.Hash{}, fmt.Errorf("get gas price: %w", err)
		}
	}

	gas := req.Gas
	if gas == 0 {
		est, err := s.client.EstimateGas(ctx, ethereum.CallMsg{
			From:     s.from,
			To:       req.To,
			GasPrice: gasPrice,
			Value:    value,
			Data:     req.Data,
		})
		if err != nil {
			return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
		}
		gas = est * gasBufferPercent / 100
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       req.To,
		Value:    value,
		Data:     req.Data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}
	if err := s.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send transaction: %w", err)
	}

	log.Debug().
		Str("tx", signed.Hash().Hex()).
		Uint64("nonce", nonce).
		Uint64("gas", gas).
		Str("gas_price", gasPrice.String()).
		Msg("transaction submitted")
	return signed.Hash(), nil
}

// NodeSubmitter lets the node sign with one of its unlocked accounts
// (eth_sendTransaction), as local development chains expect.
type NodeSubmitter struct {
	rpc      RPC
	from     common.Address
	gasPrice *big.Int
}

// NewNodeSubmitter picks the node's first account.
func NewNodeSubmitter(ctx context.Context, rpc RPC, gasPrice *big.Int) (*NodeSubmitter, error) {
	var accounts []common.Address
	if err := rpc.CallContext(ctx, &accounts, "eth_accounts"); err != nil {
		return nil, fmt.Errorf("eth_accounts: %w", err)
	}
	if len(accounts) == 0 {
		return nil, ErrNoAccounts
	}
	return &NodeSubmitter{rpc: rpc, from: accounts[0], gasPrice: gasPrice}, nil
}

func (s *NodeSubmitter) From() common.Address { return s.from }

type sendTxArgs struct {
	From     common.Address  `json:"from"`
	To       *common.Address `json:"to,omitempty"`
	Gas      *hexutil.Uint64 `json:"gas,omitempty"`
	GasPrice *hexutil.Big    `json:"gasPrice,omitempty"`
	Value    *hexutil.Big    `json:"value,omitempty"`
	Data     hexutil.Bytes   `json:"data"`
}

func (s *NodeSubmitter) Submit(ctx context.Context, req TxRequest) (common.Hash, error) {
	args := sendTxArgs{From: s.from, To: req.To, Data: req.Data}
	if req.Gas > 0 {
		g := hexutil.Uint64(req.Gas)
		args.Gas = &g
	}
	if s.gasPrice != nil {
		args.GasPrice = (*hexutil.Big)(s.gasPrice)
	}
	if req.Value != nil {
		args.Value = (*hexutil.Big)(req.Value)
	}
	var hash common.Hash
	if err := s.rpc.CallContext(ctx, &hash, "eth_sendTransaction", args); err != nil {
		return common.Hash{}, fmt.Errorf("eth_sendTransaction: %w", err)
	}
	log.Debug().Str("tx", hash.Hex()).Str("from", s.from.Hex()).Msg("transaction submitted to node")
	return hash, nil
}

var ErrReadOnly = errors.New("read-only session cannot send transactions")

// ReadOnly is the Submitter of sessions that only call views.
type ReadOnly struct{ Addr common.Address }

func (r ReadOnly) From() common.Address { return r.Addr }

func (ReadOnly) Submit(context.Context, TxRequest) (common.Hash, error) {
	return common.Hash{}, ErrReadOnly
}
