package wallet

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/vaultbet/internal/auth"
	"github.com/mbd888/vaultbet/internal/currency"
	"github.com/mbd888/vaultbet/internal/ledger"
	"github.com/mbd888/vaultbet/internal/pagination"
	"github.com/mbd888/vaultbet/internal/validation"
)

// Handler provides HTTP endpoints for balances, deposits, transfers and
// conversions.
type Handler struct {
	service    *Service
	currencies *currency.Table
}

// NewHandler creates a new wallet handler.
func NewHandler(s *Service, currencies *currency.Table) *Handler {
	return &Handler{service: s, currencies: currencies}
}

// RegisterProtectedRoutes sets up player-authenticated routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/wallet/:player", auth.RequireOwnership("player"), h.GetBalances)
	r.GET("/wallet/:player/history", auth.RequireOwnership("player"), h.History)
	r.POST("/wallet/transfer", h.Transfer)
	r.POST("/wallet/convert", h.Convert)
}

// RegisterInternalRoutes sets up routes guarded by the internal secret.
func (h *Handler) RegisterInternalRoutes(r *gin.RouterGroup) {
	r.POST("/deposit", h.Deposit)
}

// PocketView is one pocket's balance in display units.
type PocketView struct {
	Balance        string `json:"balance"`
	Held           string `json:"held"`
	Available      string `json:"available"`
	AvailableMinor int64  `json:"availableMinor"`
}

// CurrencyView groups a player's pockets in one currency.
type CurrencyView struct {
	Currency currency.Code                `json:"currency"`
	Pockets  map[ledger.Pocket]PocketView `json:"pockets"`
}

// EntryView is the wire form of a journal entry.
type EntryView struct {
	ID            int64             `json:"id"`
	Kind          ledger.Kind       `json:"kind"`
	Currency      currency.Code     `json:"currency"`
	Debit         string            `json:"debit"`
	Credit        string            `json:"credit"`
	Amount        string            `json:"amount"`
	AmountMinor   int64             `json:"amountMinor"`
	CorrelationID string            `json:"correlationId"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
}

func (h *Handler) spec(code currency.Code) currency.Spec {
	spec, err := h.currencies.Lookup(code)
	if err != nil {
		return currency.Spec{Code: code}
	}
	return spec
}

func (h *Handler) entryViews(entries []*ledger.Entry) []EntryView {
	out := make([]EntryView, len(entries))
	for i, e := range entries {
		out[i] = EntryView{
			ID:            e.ID,
			Kind:          e.Kind,
			Currency:      e.Currency,
			Debit:         e.Debit.String(),
			Credit:        e.Credit.String(),
			Amount:        h.spec(e.Currency).FormatAmount(e.Amount),
			AmountMinor:   e.Amount,
			CorrelationID: e.CorrelationID,
			Metadata:      e.Metadata,
			CreatedAt:     e.CreatedAt,
		}
	}
	return out
}

// GetBalances handles GET /wallet/:player
func (h *Handler) GetBalances(c *gin.Context) {
	player := c.Param("player")
	balances, err := h.service.Balances(c.Request.Context(), player)
	if err != nil {
		validation.RespondError(c, err)
		return
	}

	byCur := make(map[currency.Code]*CurrencyView)
	for _, b := range balances {
		cur := b.Account.Currency
		v, ok := byCur[cur]
		if !ok {
			v = &CurrencyView{Currency: cur, Pockets: make(map[ledger.Pocket]PocketView)}
			byCur[cur] = v
		}
		spec := h.spec(cur)
		v.Pockets[b.Account.Pocket] = PocketView{
			Balance:        spec.FormatAmount(b.Balance),
			Held:           spec.FormatAmount(b.Held),
			Available:      spec.FormatAmount(b.Available),
			AvailableMinor: b.Available,
		}
	}
	views := make([]CurrencyView, 0, len(byCur))
	for _, code := range h.currencies.Codes() {
		if v, ok := byCur[code]; ok {
			views = append(views, *v)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"player":     player,
		"currencies": views,
	})
}

// History handles GET /wallet/:player/history
func (h *Handler) History(c *gin.Context) {
	after, err := pagination.DecodeEntry(c.Query("cursor"))
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	f := ledger.Filter{After: after}
	if raw := c.Query("currency"); raw != "" {
		spec, err := h.currencies.Parse(raw)
		if err != nil {
			validation.RespondError(c, err)
			return
		}
		f.Currency = spec.Code
	}
	if raw := c.Query("kind"); raw != "" {
		f.Kinds = []ledger.Kind{ledger.Kind(raw)}
	}

	entries, next, err := h.service.History(c.Request.Context(), c.Param("player"), f, pagination.ParseLimit(c.Query("limit")))
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	cursor := pagination.EncodeEntry(next)
	c.JSON(http.StatusOK, gin.H{
		"entries":    h.entryViews(entries),
		"count":      len(entries),
		"nextCursor": cursor,
		"hasMore":    cursor != "",
	})
}

type depositRequest struct {
	Player   string `json:"player" binding:"required"`
	Currency string `json:"currency" binding:"required"`
	Amount   string `json:"amount" binding:"required"`
	TxHash   string `json:"tx_hash" binding:"required"`
}

// Deposit handles POST /internal/deposit
func (h *Handler) Deposit(c *gin.Context) {
	var body depositRequest
	if !validation.BindJSON(c, &body) {
		return
	}
	if errs := validation.Validate(
		validation.ValidPlayer("player", body.Player),
		validation.MaxLength("tx_hash", body.TxHash, 128),
	); len(errs) > 0 {
		validation.RespondValidation(c, errs)
		return
	}
	spec, err := h.currencies.Parse(body.Currency)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	amount, err := spec.ParseAmount(body.Amount)
	if err != nil {
		validation.RespondError(c, err)
		return
	}

	rec, err := h.service.Deposit(c.Request.Context(), DepositRequest{
		Player:   body.Player,
		Currency: spec.Code,
		Amount:   amount,
		TxHash:   body.TxHash,
		Source:   "callback",
	})
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	status := http.StatusCreated
	if rec.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"credited": spec.FormatAmount(amount),
		"entries":  h.entryViews(rec.Entries),
		"replayed": rec.Replayed,
	})
}

type transferRequest struct {
	TransferID string `json:"transfer_id"`
	Player     string `json:"player"`
	Currency   string `json:"currency"`
	From       string `json:"from"`
	To         string `json:"to"`
	Amount     string `json:"amount"`
}

// Transfer handles POST /wallet/transfer
func (h *Handler) Transfer(c *gin.Context) {
	var body transferRequest
	if !validation.BindJSON(c, &body) {
		return
	}
	if errs := validation.Validate(
		validation.ValidPlayer("player", body.Player),
		validation.Required("currency", body.Currency),
		validation.Required("from", body.From),
		validation.Required("to", body.To),
		validation.Required("amount", body.Amount),
		validation.MaxLength("transfer_id", body.TransferID, 64),
	); len(errs) > 0 {
		validation.RespondValidation(c, errs)
		return
	}
	if !auth.RequireOwner(c, body.Player) {
		return
	}
	spec, err := h.currencies.Parse(body.Currency)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	amount, err := spec.ParseAmount(body.Amount)
	if err != nil {
		validation.RespondError(c, err)
		return
	}

	rec, err := h.service.Transfer(c.Request.Context(), TransferRequest{
		TransferID: body.TransferID,
		Player:     body.Player,
		Currency:   spec.Code,
		From:       ledger.Pocket(body.From),
		To:         ledger.Pocket(body.To),
		Amount:     amount,
	})
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transferId": rec.CorrelationID,
		"entries":    h.entryViews(rec.Entries),
		"replayed":   rec.Replayed,
	})
}

type convertRequest struct {
	ConversionID string `json:"conversion_id"`
	Player       string `json:"player"`
	From         string `json:"from"`
	To           string `json:"to"`
	Amount       string `json:"amount"`
}

// Convert handles POST /wallet/convert
func (h *Handler) Convert(c *gin.Context) {
	var body convertRequest
	if !validation.BindJSON(c, &body) {
		return
	}
	if errs := validation.Validate(
		validation.ValidPlayer("player", body.Player),
		validation.Required("from", body.From),
		validation.Required("to", body.To),
		validation.Required("amount", body.Amount),
		validation.MaxLength("conversion_id", body.ConversionID, 64),
	); len(errs) > 0 {
		validation.RespondValidation(c, errs)
		return
	}
	if !auth.RequireOwner(c, body.Player) {
		return
	}
	from, err := h.currencies.Parse(body.From)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	to, err := h.currencies.Parse(body.To)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	amount, err := from.ParseAmount(body.Amount)
	if err != nil {
		validation.RespondError(c, err)
		return
	}

	conv, err := h.service.Convert(c.Request.Context(), ConvertRequest{
		ConversionID: body.ConversionID,
		Player:       body.Player,
		From:         from.Code,
		To:           to.Code,
		Amount:       amount,
	})
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversionId": conv.CorrelationID,
		"from":         conv.From,
		"to":           conv.To,
		"debited":      from.FormatAmount(conv.Debited),
		"credited":     to.FormatAmount(conv.Credited),
		"rate":         conv.Rate,
		"replayed":     conv.Replayed,
	})
}
