// Package watcher monitors the chain for USDC sent to the platform
// address and credits the sender's deposit pocket.
//
// The sender's lowercase address is the player id. Each Transfer log is
// credited under its transaction hash and log index, so re-scanning a
// block range after a restart never credits twice.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/vaultbet/internal/currency"
	"github.com/mbd888/vaultbet/internal/wallet"
)

// ERC20 Transfer event signature
var transferEventSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// Creditor credits deposits; the wallet service in production.
type Creditor interface {
	Deposit(ctx context.Context, req wallet.DepositRequest) (*wallet.Receipt, error)
}

// ChainReader is the part of ethclient.Client the watcher uses.
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Config for the deposit watcher
type Config struct {
	RPCURL          string
	USDCContract    common.Address
	PlatformAddress common.Address
	PollInterval    time.Duration
	StartBlock      uint64 // 0 = latest
	Confirmations   uint64 // blocks behind head before a log is credited
	MaxRange        uint64 // blocks per FilterLogs call
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PollInterval:  15 * time.Second,
		Confirmations: 3,
		MaxRange:      2000,
	}
}

// Watcher monitors for incoming USDC deposits
type Watcher struct {
	client   ChainReader
	config   Config
	creditor Creditor
	logger   *slog.Logger

	mu        sync.Mutex
	lastBlock uint64

	stop chan struct{}
	done chan struct{}
}

// Dial connects to cfg.RPCURL and creates a watcher.
func Dial(cfg Config, creditor Creditor, logger *slog.Logger) (*Watcher, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	return New(cfg, client, creditor, logger), nil
}

// New creates a new deposit watcher over client.
func New(cfg Config, client ChainReader, creditor Creditor, logger *slog.Logger) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.MaxRange == 0 {
		cfg.MaxRange = DefaultConfig().MaxRange
	}
	return &Watcher{
		client:   client,
		config:   cfg,
		creditor: creditor,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start picks the starting block and begins polling.
func (w *Watcher) Start(ctx context.Context) error {
	start := w.config.StartBlock
	if start == 0 {
		head, err := w.client.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("failed to get block number: %w", err)
		}
		start = head
	}
	w.mu.Lock()
	w.lastBlock = start
	w.mu.Unlock()

	w.logger.Info("deposit watcher started",
		"platform", w.config.PlatformAddress.Hex(),
		"usdc", w.config.USDCContract.Hex(),
		"startBlock", start,
		"confirmations", w.config.Confirmations,
	)

	go w.pollLoop(ctx)
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
}

// LastBlock returns the highest block fully scanned.
func (w *Watcher) LastBlock() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastBlock
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if _, err := w.Poll(ctx); err != nil {
				w.logger.Error("deposit check failed", "error", err)
			}
		}
	}
}

// Poll scans confirmed blocks after the last scanned one and credits
// every Transfer to the platform address. It returns the number of new
// credits. The scan position only advances past a range whose logs were
// all credited.
func (w *Watcher) Poll(ctx context.Context) (int, error) {
	head, err := w.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get block number: %w", err)
	}
	if head < w.config.Confirmations {
		return 0, nil
	}
	safe := head - w.config.Confirmations

	credited := 0
	for {
		from := w.LastBlock() + 1
		if from > safe {
			return credited, nil
		}
		to := min(safe, from+w.config.MaxRange-1)

		logs, err := w.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{w.config.USDCContract},
			Topics: [][]common.Hash{
				{transferEventSig},
				nil,
				{common.BytesToHash(w.config.PlatformAddress.Bytes())},
			},
		})
		if err != nil {
			return credited, fmt.Errorf("failed to filter logs: %w", err)
		}

		var failed error
		for _, vLog := range logs {
			ok, err := w.processTransfer(ctx, vLog)
			if err != nil {
				w.logger.Error("failed to process transfer", "tx", vLog.TxHash.Hex(), "error", err)
				failed = errors.Join(failed, err)
				continue
			}
			if ok {
				credited++
			}
		}
		if failed != nil {
			return credited, failed
		}

		w.mu.Lock()
		w.lastBlock = to
		w.mu.Unlock()
	}
}

// processTransfer credits one Transfer log. It reports whether the log
// produced a new credit.
func (w *Watcher) processTransfer(ctx context.Context, vLog types.Log) (bool, error) {
	if vLog.Removed {
		return false, nil
	}
	// Topics[1] = from, Topics[2] = to, Data = amount
	if len(vLog.Topics) < 3 {
		return false, fmt.Errorf("invalid transfer event")
	}
	from := strings.ToLower(common.HexToAddress(vLog.Topics[1].Hex()).Hex())
	amount := new(big.Int).SetBytes(vLog.Data)
	if amount.Sign() == 0 {
		return false, nil
	}
	if !amount.IsInt64() {
		return false, fmt.Errorf("transfer amount %s overflows int64", amount)
	}

	ref := fmt.Sprintf("%s:%d", vLog.TxHash.Hex(), vLog.Index)
	rec, err := w.creditor.Deposit(ctx, wallet.DepositRequest{
		Player:   from,
		Currency: currency.USDC,
		Amount:   amount.Int64(),
		TxHash:   ref,
		Source:   "watcher",
	})
	if err != nil {
		return false, fmt.Errorf("failed to credit balance: %w", err)
	}
	if rec.Replayed {
		return false, nil
	}
	w.logger.Info("usdc deposit detected", "player", from, "amount", amount.Int64(), "tx", ref, "block", vLog.BlockNumber)
	return true, nil
}
