package wallet

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/vaultbet/internal/apperr"
	"github.com/mbd888/vaultbet/internal/currency"
	"github.com/mbd888/vaultbet/internal/withdrawal"
)

const testContract = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"

type fakeEth struct {
	mu       sync.Mutex
	nonce    uint64
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	sendErr  error
	balance  *big.Int
}

func (f *fakeEth) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce + uint64(len(f.sent)), nil
}

func (f *fakeEth) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeEth) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 0, errors.New("estimation unavailable")
}

func (f *fakeEth) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeEth) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeEth) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return common.LeftPadBytes(f.balance.Bytes(), 32), nil
}

func (f *fakeEth) Close() {}

func newSettler(t *testing.T, client *fakeEth) (*USDCSettler, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	s, err := NewUSDCSettler(ChainConfig{
		RPCURL:       "http://localhost:8545",
		PrivateKey:   hex.EncodeToString(crypto.FromECDSA(key)),
		ChainID:      84532,
		USDCContract: testContract,
	}, WithClient(client))
	require.NoError(t, err)
	return s, crypto.PubkeyToAddress(key.PublicKey)
}

func usdcTicket(dest string, amount int64) *withdrawal.Ticket {
	return &withdrawal.Ticket{ID: "wdt_chain", Player: "alice", Currency: currency.USDC, Amount: amount, Destination: dest}
}

func TestUSDCSettler_Submit(t *testing.T) {
	client := &fakeEth{nonce: 7}
	s, addr := newSettler(t, client)
	assert.Equal(t, addr.Hex(), s.Address())

	dest := "0x742d35cc6634c0532925a3b844bc454e4438f44e"
	ref, err := s.Submit(context.Background(), usdcTicket(dest, 12_500000))
	require.NoError(t, err)

	require.Len(t, client.sent, 1)
	tx := client.sent[0]
	assert.Equal(t, tx.Hash().Hex(), ref)
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, DefaultGasLimit, tx.Gas())
	assert.Equal(t, common.HexToAddress(testContract), *tx.To())

	from, err := types.Sender(types.NewEIP155Signer(big.NewInt(84532)), tx)
	require.NoError(t, err)
	assert.Equal(t, addr, from)

	method := s.erc20.Methods["transfer"]
	assert.Equal(t, method.ID, tx.Data()[:4])
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(dest), args[0])
	amount, ok := args[1].(*big.Int)
	require.True(t, ok)
	assert.Equal(t, int64(12_500000), amount.Int64())

	// The next transfer takes the next nonce.
	_, err = s.Submit(context.Background(), usdcTicket(dest, 1))
	require.NoError(t, err)
	assert.Equal(t, uint64(8), client.sent[1].Nonce())
}

func TestUSDCSettler_SubmitErrors(t *testing.T) {
	client := &fakeEth{}
	s, _ := newSettler(t, client)
	ctx := context.Background()

	tk := usdcTicket("0x742d35cc6634c0532925a3b844bc454e4438f44e", 1)
	tk.Currency = currency.DOGE
	_, err := s.Submit(ctx, tk)
	assert.True(t, apperr.Is(err, apperr.CurrencyMismatch))

	_, err = s.Submit(ctx, usdcTicket("not-an-address", 1))
	assert.True(t, apperr.Is(err, apperr.InvalidDestination))

	client.sendErr = errors.New("nonce too low")
	_, err = s.Submit(ctx, usdcTicket("0x742d35cc6634c0532925a3b844bc454e4438f44e", 1))
	var te *TransferError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "send", te.Op)
	assert.NotEmpty(t, te.TxHash)
}

func TestUSDCSettler_Status(t *testing.T) {
	ok := common.HexToHash("0x01")
	reverted := common.HexToHash("0x02")
	client := &fakeEth{receipts: map[common.Hash]*types.Receipt{
		ok:       {Status: types.ReceiptStatusSuccessful},
		reverted: {Status: types.ReceiptStatusFailed},
	}}
	s, _ := newSettler(t, client)

	tests := []struct {
		name  string
		txRef string
		want  withdrawal.Outcome
	}{
		{"no tx yet", "", withdrawal.OutcomePending},
		{"not mined", common.HexToHash("0x03").Hex(), withdrawal.OutcomePending},
		{"mined", ok.Hex(), withdrawal.OutcomeConfirmed},
		{"reverted", reverted.Hex(), withdrawal.OutcomeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := usdcTicket("0x742d35cc6634c0532925a3b844bc454e4438f44e", 1)
			tk.TxRef = tt.txRef
			res, err := s.Status(context.Background(), tk)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Outcome)
		})
	}
}

func TestUSDCSettler_HotBalance(t *testing.T) {
	s, _ := newSettler(t, &fakeEth{balance: big.NewInt(1_234_567890)})
	bal, err := s.HotBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1_234_567890), bal)
}

func TestValidateConfig(t *testing.T) {
	valid := ChainConfig{
		RPCURL:       "https://sepolia.base.org",
		PrivateKey:   "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
		ChainID:      84532,
		USDCContract: testContract,
	}
	tests := []struct {
		name    string
		mutate  func(*ChainConfig)
		wantErr bool
	}{
		{"valid config", func(*ChainConfig) {}, false},
		{"valid config with 0x prefix", func(c *ChainConfig) { c.PrivateKey = "0x" + c.PrivateKey }, false},
		{"missing RPC URL", func(c *ChainConfig) { c.RPCURL = "" }, true},
		{"missing private key", func(c *ChainConfig) { c.PrivateKey = "" }, true},
		{"invalid private key length", func(c *ChainConfig) { c.PrivateKey = "tooshort" }, true},
		{"missing chain ID", func(c *ChainConfig) { c.ChainID = 0 }, true},
		{"bad contract", func(c *ChainConfig) { c.USDCContract = "usdc" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := validateConfig(cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTransferError(t *testing.T) {
	inner := errors.New("network error")
	withHash := &TransferError{Op: "send", TxHash: "0xabc123", Err: inner}
	assert.Contains(t, withHash.Error(), "0xabc123")
	assert.ErrorIs(t, withHash, inner)

	noHash := &TransferError{Op: "nonce", Err: inner}
	assert.Contains(t, noHash.Error(), "nonce failed")
}
