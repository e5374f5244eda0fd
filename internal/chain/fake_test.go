package chain

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// fakeClient is an in-memory chain that mines every transaction on send.
type fakeClient struct {
	mu       sync.Mutex
	chainID  *big.Int
	netID    *big.Int // net_version; chainID when nil
	head     uint64
	nonces   map[common.Address]uint64
	code     map[common.Address][]byte
	receipts map[common.Hash]*types.Receipt
	sent     []*types.Transaction

	revert      bool   // mine every tx with status 0
	noReceipt   bool   // never return a receipt
	pendingPoll int    // receipt lookups that return NotFound first
	callResult  []byte // CallContract output
	estimate    uint64
}

func newFakeClient(chainID int64) *fakeClient {
	return &fakeClient{
		chainID:  big.NewInt(chainID),
		head:     1,
		nonces:   map[common.Address]uint64{},
		code:     map[common.Address][]byte{},
		receipts: map[common.Hash]*types.Receipt{},
		estimate: 100_000,
	}
}

func (f *fakeClient) ChainID(context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeClient) NetworkID(context.Context) (*big.Int, error) {
	if f.netID != nil {
		return f.netID, nil
	}
	return f.chainID, nil
}

func (f *fakeClient) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	// every poll advances the chain, like a dev node with automine and a block timer
	f.head++
	return f.head, nil
}

func (f *fakeClient) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(1e18), nil
}

func (f *fakeClient) PendingNonceAt(_ context.Context, a common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonces[a], nil
}

func (f *fakeClient) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(7), nil }

func (f *fakeClient) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return f.estimate, nil
}

func (f *fakeClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	from, err := types.Sender(types.LatestSignerForChainID(f.chainID), tx)
	if err != nil {
		return err
	}
	f.mine(from, tx.To(), tx.Hash())
	f.mu.Lock()
	f.sent = append(f.sent, tx)
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) mine(from common.Address, to *common.Address, hash common.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	nonce := f.nonces[from]
	f.nonces[from] = nonce + 1
	f.head++
	r := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      hash,
		BlockNumber: new(big.Int).SetUint64(f.head),
		GasUsed:     21_000,
	}
	if f.revert {
		r.Status = types.ReceiptStatusFailed
	}
	if to == nil {
		r.ContractAddress = crypto.CreateAddress(from, nonce)
		if !f.revert {
			f.code[r.ContractAddress] = []byte{0x60, 0x80}
		}
	}
	f.receipts[hash] = r
}

func (f *fakeClient) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.noReceipt {
		return nil, ethereum.NotFound
	}
	if f.pendingPoll > 0 {
		f.pendingPoll--
		return nil, ethereum.NotFound
	}
	r, ok := f.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeClient) CodeAt(_ context.Context, a common.Address, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code[a], nil
}

func (f *fakeClient) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return f.callResult, nil
}
