// Package wallet moves money into and between a player's pockets:
// deposits from the chain, transfers between pockets, and conversions
// between currencies at configured rates. It also carries the on-chain
// USDC settler used for withdrawals.
package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mbd888/vaultbet/internal/apperr"
	"github.com/mbd888/vaultbet/internal/currency"
	"github.com/mbd888/vaultbet/internal/events"
	"github.com/mbd888/vaultbet/internal/idgen"
	"github.com/mbd888/vaultbet/internal/ledger"
	"github.com/mbd888/vaultbet/internal/traces"
)

var (
	ErrInvalidRequest = apperr.New(apperr.Invalid, "wallet: invalid request")
	ErrTransferRoute  = apperr.New(apperr.Invalid, "wallet: transfer between these pockets is not allowed")
	ErrNoRate         = apperr.New(apperr.Invalid, "wallet: no conversion rate for pair")
	ErrDustConversion = apperr.New(apperr.BelowMinimum, "wallet: amount converts to zero")
)

// transferRoutes lists the pocket moves a player may make.
var transferRoutes = map[ledger.Pocket][]ledger.Pocket{
	ledger.Deposit:  {ledger.Gaming},
	ledger.Gaming:   {ledger.Deposit},
	ledger.Winnings: {ledger.Deposit},
}

// Service posts deposits, transfers and conversions to the ledger.
type Service struct {
	ledger     *ledger.Ledger
	currencies *currency.Table
	rates      Rates
	publisher  events.Publisher
	logger     *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithRates sets the conversion rates.
func WithRates(r Rates) Option {
	return func(s *Service) { s.rates = r }
}

// WithPublisher sets where balance events go.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a wallet service.
func NewService(l *ledger.Ledger, currencies *currency.Table, opts ...Option) *Service {
	s := &Service{
		ledger:     l,
		currencies: currencies,
		publisher:  events.Nop{},
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Receipt is the outcome of a posted movement.
type Receipt struct {
	CorrelationID string          `json:"correlationId"`
	Entries       []*ledger.Entry `json:"entries"`
	Replayed      bool            `json:"replayed"`
}

func validPlayer(player string) error {
	if player == "" || strings.HasPrefix(player, "@") {
		return fmt.Errorf("%w: player is required", ErrInvalidRequest)
	}
	return nil
}

// post commits drafts under id, reporting whether id was already
// committed with the same movement.
func (s *Service) post(ctx context.Context, id string, drafts []ledger.Draft) (*Receipt, error) {
	prior, err := s.ledger.Correlated(ctx, id)
	if err != nil {
		return nil, err
	}
	entries, err := s.ledger.Post(ctx, id, drafts)
	if err != nil {
		return nil, err
	}
	return &Receipt{CorrelationID: id, Entries: entries, Replayed: len(prior) > 0}, nil
}

// DepositRequest credits an on-chain deposit. TxHash identifies it: a
// repeated deposit with the same hash and amount is a no-op.
type DepositRequest struct {
	Player   string
	Currency currency.Code
	Amount   int64
	TxHash   string
	Source   string // "callback" or "watcher"
}

// DepositCorrelation is the correlation id under which a chain
// transaction is credited.
func DepositCorrelation(cur currency.Code, txHash string) string {
	return "deposit:" + string(cur) + ":" + strings.ToLower(txHash)
}

// Deposit credits the player's deposit pocket from @chain.
func (s *Service) Deposit(ctx context.Context, req DepositRequest) (_ *Receipt, err error) {
	ctx, span := traces.StartSpan(ctx, "wallet.Deposit",
		traces.Player(req.Player),
		traces.Currency(string(req.Currency)),
		traces.Amount(req.Amount),
	)
	defer func() { traces.End(span, err) }()

	if err := validPlayer(req.Player); err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if req.TxHash == "" {
		return nil, fmt.Errorf("%w: tx_hash is required", ErrInvalidRequest)
	}
	if _, err := s.currencies.Lookup(req.Currency); err != nil {
		return nil, err
	}

	meta := map[string]string{"tx_hash": req.TxHash}
	if req.Source != "" {
		meta["source"] = req.Source
	}
	rec, err := s.post(ctx, DepositCorrelation(req.Currency, req.TxHash), []ledger.Draft{{
		Debit:    ledger.Chain(req.Currency),
		Credit:   ledger.PlayerAccount(req.Player, req.Currency, ledger.Deposit),
		Amount:   req.Amount,
		Kind:     ledger.KindDeposit,
		Metadata: meta,
	}})
	if err != nil {
		return nil, err
	}
	if rec.Replayed {
		depositsReplayed.Inc()
		return rec, nil
	}

	depositsCredited.WithLabelValues(string(req.Currency)).Inc()
	s.logger.Info("deposit credited", "player", req.Player, "currency", req.Currency,
		"amount", req.Amount, "tx", req.TxHash, "source", req.Source)
	events.Emit(ctx, s.publisher, s.logger, events.New(events.DepositCredited, req.Player, map[string]any{
		"currency": req.Currency,
		"amount":   req.Amount,
		"txHash":   req.TxHash,
	}))
	s.balanceChanged(ctx, req.Player, req.Currency)
	return rec, nil
}

// TransferRequest moves funds between two of the player's pockets.
type TransferRequest struct {
	TransferID string // optional; generated when empty
	Player     string
	Currency   currency.Code
	From, To   ledger.Pocket
	Amount     int64
}

// Transfer moves Amount between pockets along an allowed route.
func (s *Service) Transfer(ctx context.Context, req TransferRequest) (_ *Receipt, err error) {
	ctx, span := traces.StartSpan(ctx, "wallet.Transfer",
		traces.Player(req.Player),
		traces.Currency(string(req.Currency)),
		traces.Amount(req.Amount),
	)
	defer func() { traces.End(span, err) }()

	if err := validPlayer(req.Player); err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if _, err := s.currencies.Lookup(req.Currency); err != nil {
		return nil, err
	}
	if !allowed(req.From, req.To) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrTransferRoute, req.From, req.To)
	}
	if req.TransferID == "" {
		req.TransferID = idgen.WithPrefix(idgen.TransferPrefix)
	}

	rec, err := s.post(ctx, req.TransferID, []ledger.Draft{{
		Debit:    ledger.PlayerAccount(req.Player, req.Currency, req.From),
		Credit:   ledger.PlayerAccount(req.Player, req.Currency, req.To),
		Amount:   req.Amount,
		Kind:     ledger.KindInternalTransfer,
		Metadata: map[string]string{"transfer_id": req.TransferID},
	}})
	if err != nil {
		return nil, err
	}
	if !rec.Replayed {
		s.logger.Info("pocket transfer", "player", req.Player, "currency", req.Currency,
			"from", req.From, "to", req.To, "amount", req.Amount)
		s.balanceChanged(ctx, req.Player, req.Currency)
	}
	return rec, nil
}

func allowed(from, to ledger.Pocket) bool {
	for _, p := range transferRoutes[from] {
		if p == to {
			return true
		}
	}
	return false
}

// ConvertRequest converts Amount of From into To at the configured rate.
// Both legs use the deposit pocket.
type ConvertRequest struct {
	ConversionID string // optional; generated when empty
	Player       string
	From, To     currency.Code
	Amount       int64 // minor units of From
}

// Conversion reports a committed conversion.
type Conversion struct {
	Receipt
	From     currency.Code `json:"from"`
	To       currency.Code `json:"to"`
	Debited  int64         `json:"debited"`
	Credited int64         `json:"credited"`
	Rate     string        `json:"rate"`
}

// Convert posts two single-currency legs in one batch: the player's From
// deposit pocket pays @house, and @house pays the player's To deposit
// pocket. The credited amount is rounded down.
func (s *Service) Convert(ctx context.Context, req ConvertRequest) (_ *Conversion, err error) {
	ctx, span := traces.StartSpan(ctx, "wallet.Convert",
		traces.Player(req.Player),
		traces.Currency(string(req.From)),
		traces.Amount(req.Amount),
	)
	defer func() { traces.End(span, err) }()

	if err := validPlayer(req.Player); err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	from, err := s.currencies.Lookup(req.From)
	if err != nil {
		return nil, err
	}
	to, err := s.currencies.Lookup(req.To)
	if err != nil {
		return nil, err
	}
	if from.Code == to.Code {
		return nil, fmt.Errorf("%w: from and to are the same currency", ErrInvalidRequest)
	}
	rate, ok := s.rates.Rate(from.Code, to.Code)
	if !ok {
		return nil, fmt.Errorf("%w: %s -> %s", ErrNoRate, from.Code, to.Code)
	}
	credited := convert(req.Amount, from, to, rate)
	if credited <= 0 {
		return nil, fmt.Errorf("%w: %s %s", ErrDustConversion, from.FormatAmount(req.Amount), from.Code)
	}
	if req.ConversionID == "" {
		req.ConversionID = idgen.WithPrefix(idgen.TransferPrefix)
	}

	meta := map[string]string{
		"conversion_id": req.ConversionID,
		"from_currency": string(from.Code),
		"to_currency":   string(to.Code),
		"rate":          rate.String(),
	}
	rec, err := s.post(ctx, req.ConversionID, []ledger.Draft{
		{
			Debit:    ledger.PlayerAccount(req.Player, from.Code, ledger.Deposit),
			Credit:   ledger.House(from.Code),
			Amount:   req.Amount,
			Kind:     ledger.KindConversion,
			Metadata: meta,
		},
		{
			Debit:    ledger.House(to.Code),
			Credit:   ledger.PlayerAccount(req.Player, to.Code, ledger.Deposit),
			Amount:   credited,
			Kind:     ledger.KindConversion,
			Metadata: meta,
		},
	})
	if err != nil {
		return nil, err
	}
	if !rec.Replayed {
		conversions.WithLabelValues(string(from.Code), string(to.Code)).Inc()
		s.logger.Info("currency converted", "player", req.Player, "from", from.Code, "to", to.Code,
			"debited", req.Amount, "credited", credited, "rate", rate.String())
		s.balanceChanged(ctx, req.Player, from.Code)
		s.balanceChanged(ctx, req.Player, to.Code)
	}
	return &Conversion{
		Receipt:  *rec,
		From:     from.Code,
		To:       to.Code,
		Debited:  req.Amount,
		Credited: credited,
		Rate:     rate.String(),
	}, nil
}

// Balances returns every non-empty account the player owns.
func (s *Service) Balances(ctx context.Context, player string) ([]ledger.AccountBalance, error) {
	if err := validPlayer(player); err != nil {
		return nil, err
	}
	return s.ledger.Balances(ctx, player)
}

// History returns a page of the player's journal after the entry id
// after, and the id to resume from (0 when exhausted).
func (s *Service) History(ctx context.Context, player string, f ledger.Filter, limit int) ([]*ledger.Entry, int64, error) {
	if err := validPlayer(player); err != nil {
		return nil, 0, err
	}
	return s.ledger.Page(ctx, player, f, limit)
}

// Rates returns the configured conversion rates.
func (s *Service) Rates() Rates { return s.rates }

func (s *Service) balanceChanged(ctx context.Context, player string, cur currency.Code) {
	balances, err := s.ledger.Balances(ctx, player)
	if err != nil {
		s.logger.Warn("failed to read balances for event", "player", player, "error", err)
		return
	}
	var pockets []ledger.AccountBalance
	for _, b := range balances {
		if b.Account.Currency == cur {
			pockets = append(pockets, b)
		}
	}
	events.Emit(ctx, s.publisher, s.logger, events.New(events.BalanceChanged, player, map[string]any{
		"currency": cur,
		"pockets":  pockets,
	}))
}
