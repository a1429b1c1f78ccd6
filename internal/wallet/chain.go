package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/vaultbet/internal/apperr"
	"github.com/mbd888/vaultbet/internal/currency"
	"github.com/mbd888/vaultbet/internal/withdrawal"
)

var (
	ErrInvalidPrivateKey = errors.New("wallet: invalid private key")
	ErrRPCConnection     = errors.New("wallet: RPC connection failed")
	ErrWrongCurrency     = apperr.New(apperr.CurrencyMismatch, "wallet: chain settler only pays USDC")
)

// TransferError wraps on-chain transfer failures with the step that failed.
type TransferError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *TransferError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("wallet: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("wallet: %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// EthClient is the part of ethclient.Client the settler uses.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// ERC20 minimal ABI for transfer and balanceOf
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

// DefaultGasLimit for ERC20 transfers
const DefaultGasLimit = uint64(100000)

// ChainConfig configures the USDC hot wallet.
type ChainConfig struct {
	RPCURL       string
	PrivateKey   string // hex, with or without 0x
	ChainID      int64
	USDCContract string
}

// ChainOption configures a USDCSettler.
type ChainOption func(*USDCSettler)

// WithClient sets a custom Ethereum client (useful for testing)
func WithClient(client EthClient) ChainOption {
	return func(s *USDCSettler) { s.client = client }
}

// WithChainLogger sets the logger.
func WithChainLogger(l *slog.Logger) ChainOption {
	return func(s *USDCSettler) { s.logger = l }
}

// USDCSettler pays USDC withdrawals from a hot wallet by ERC-20 transfer
// and reports settlement from the transaction receipt. USDC minor units
// equal the token's base units, so amounts pass through unchanged.
type USDCSettler struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	contract   common.Address
	erc20      abi.ABI
	logger     *slog.Logger

	sendMu sync.Mutex // one nonce at a time
}

var _ withdrawal.Settler = (*USDCSettler)(nil)

// NewUSDCSettler creates the settler, dialing RPCURL unless a client is
// supplied.
func NewUSDCSettler(cfg ChainConfig, opts ...ChainOption) (*USDCSettler, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	s := &USDCSettler{
		privateKey: key,
		address:    crypto.PubkeyToAddress(*pub),
		chainID:    big.NewInt(cfg.ChainID),
		contract:   common.HexToAddress(cfg.USDCContract),
		erc20:      parsed,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		s.client = client
	}
	return s, nil
}

func validateConfig(cfg ChainConfig) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	if cfg.PrivateKey == "" {
		return fmt.Errorf("%w: private key required", ErrInvalidPrivateKey)
	}
	if len(strings.TrimPrefix(cfg.PrivateKey, "0x")) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return errors.New("wallet: chain ID required")
	}
	if !common.IsHexAddress(cfg.USDCContract) {
		return errors.New("wallet: USDC contract address required")
	}
	return nil
}

// Address returns the hot wallet address.
func (s *USDCSettler) Address() string {
	return s.address.Hex()
}

// HotBalance returns the hot wallet's USDC balance in minor units.
func (s *USDCSettler) HotBalance(ctx context.Context) (int64, error) {
	data, err := s.erc20.Pack("balanceOf", s.address)
	if err != nil {
		return 0, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}
	result, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &s.contract, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to call balanceOf: %w", err)
	}
	bal := new(big.Int).SetBytes(result)
	if !bal.IsInt64() {
		return 0, errors.New("wallet: hot balance overflows int64")
	}
	return bal.Int64(), nil
}

// Submit signs and broadcasts the ERC-20 transfer for t and returns the
// transaction hash.
func (s *USDCSettler) Submit(ctx context.Context, t *withdrawal.Ticket) (string, error) {
	if t.Currency != currency.USDC {
		return "", ErrWrongCurrency
	}
	if !common.IsHexAddress(t.Destination) {
		return "", currency.ErrInvalidAddress
	}
	to := common.HexToAddress(t.Destination)
	amount := big.NewInt(t.Amount)

	data, err := s.erc20.Pack("transfer", to, amount)
	if err != nil {
		return "", &TransferError{Op: "pack", Err: err}
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	nonce, err := s.client.PendingNonceAt(ctx, s.address)
	if err != nil {
		chainSubmits.WithLabelValues("error").Inc()
		return "", &TransferError{Op: "nonce", Err: err}
	}
	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		chainSubmits.WithLabelValues("error").Inc()
		return "", &TransferError{Op: "gas_price", Err: err}
	}
	gasLimit, err := s.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  s.address,
		To:    &s.contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, s.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(s.chainID), s.privateKey)
	if err != nil {
		chainSubmits.WithLabelValues("error").Inc()
		return "", &TransferError{Op: "sign", Err: err}
	}
	hash := signed.Hash().Hex()
	if err := s.client.SendTransaction(ctx, signed); err != nil {
		chainSubmits.WithLabelValues("error").Inc()
		return "", &TransferError{Op: "send", TxHash: hash, Err: err}
	}

	chainSubmits.WithLabelValues("sent").Inc()
	s.logger.Info("usdc withdrawal broadcast", "ticket", t.ID, "to", to.Hex(), "amount", t.Amount, "tx", hash, "nonce", nonce)
	return hash, nil
}

// Status reads the receipt of the ticket's transaction. A transaction not
// yet mined is pending; a reverted one has failed.
func (s *USDCSettler) Status(ctx context.Context, t *withdrawal.Ticket) (withdrawal.Result, error) {
	if t.TxRef == "" {
		return withdrawal.Result{Outcome: withdrawal.OutcomePending}, nil
	}
	receipt, err := s.client.TransactionReceipt(ctx, common.HexToHash(t.TxRef))
	if errors.Is(err, ethereum.NotFound) {
		return withdrawal.Result{Outcome: withdrawal.OutcomePending}, nil
	}
	if err != nil {
		return withdrawal.Result{}, fmt.Errorf("failed to get receipt: %w", err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return withdrawal.Result{Outcome: withdrawal.OutcomeFailed, TxRef: t.TxRef, Reason: "transaction reverted"}, nil
	}
	return withdrawal.Result{Outcome: withdrawal.OutcomeConfirmed, TxRef: t.TxRef}, nil
}

// Close closes the client connection
func (s *USDCSettler) Close() error {
	if s.client != nil {
		s.client.Close()
	}
	return nil
}
