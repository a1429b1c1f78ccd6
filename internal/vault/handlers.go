package vault

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/vaultbet/internal/auth"
	"github.com/mbd888/vaultbet/internal/currency"
	"github.com/mbd888/vaultbet/internal/pagination"
	"github.com/mbd888/vaultbet/internal/validation"
	"github.com/mbd888/vaultbet/internal/withdrawal"
)

// Handler provides HTTP endpoints for the savings vault.
type Handler struct {
	vault      *Vault
	currencies *currency.Table
}

// NewHandler creates a new vault handler.
func NewHandler(v *Vault, currencies *currency.Table) *Handler {
	return &Handler{vault: v, currencies: currencies}
}

// RegisterProtectedRoutes sets up player-authenticated routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/savings/:player", auth.RequireOwnership("player"), h.GetSavings)
	r.POST("/savings/withdraw", h.Withdraw)
}

type holdingView struct {
	Holding
	SavingsDisplay   string `json:"savingsDisplay"`
	AvailableDisplay string `json:"availableDisplay"`
	LiquidityDisplay string `json:"liquidityDisplay"`
}

type lossView struct {
	Loss
	AmountDisplay       string `json:"amountDisplay"`
	RunningTotalDisplay string `json:"runningTotalDisplay"`
}

// GetSavings handles GET /savings/:player
func (h *Handler) GetSavings(c *gin.Context) {
	after, err := pagination.DecodeEntry(c.Query("cursor"))
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	s, err := h.vault.Summary(c.Request.Context(), c.Param("player"), after, pagination.ParseLimit(c.Query("limit")))
	if err != nil {
		validation.RespondError(c, err)
		return
	}

	holdings := make([]holdingView, len(s.Holdings))
	for i, hd := range s.Holdings {
		spec := h.spec(hd.Currency)
		holdings[i] = holdingView{
			Holding:          hd,
			SavingsDisplay:   spec.FormatAmount(hd.Savings),
			AvailableDisplay: spec.FormatAmount(hd.SavingsAvailable),
			LiquidityDisplay: spec.FormatAmount(hd.Liquidity),
		}
	}
	losses := make([]lossView, len(s.Losses))
	for i, l := range s.Losses {
		spec := h.spec(l.Currency)
		losses[i] = lossView{
			Loss:                l,
			AmountDisplay:       spec.FormatAmount(l.Amount),
			RunningTotalDisplay: spec.FormatAmount(l.RunningTotal),
		}
	}

	next := pagination.EncodeEntry(s.Next)
	c.JSON(http.StatusOK, gin.H{
		"player":     s.Player,
		"holdings":   holdings,
		"losses":     losses,
		"stats":      s.Stats,
		"winRate":    s.WinRate,
		"nextCursor": next,
		"hasMore":    next != "",
	})
}

func (h *Handler) spec(code currency.Code) currency.Spec {
	spec, err := h.currencies.Lookup(code)
	if err != nil {
		return currency.Spec{Code: code}
	}
	return spec
}

type withdrawRequest struct {
	Player      string `json:"player"`
	Currency    string `json:"currency"`
	Amount      string `json:"amount"`
	Destination string `json:"destination"`
}

// Withdraw handles POST /savings/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	var body withdrawRequest
	if !validation.BindJSON(c, &body) {
		return
	}
	if errs := validation.Validate(
		validation.ValidPlayer("player", body.Player),
		validation.Required("currency", body.Currency),
		validation.Required("amount", body.Amount),
		validation.Required("destination", body.Destination),
		validation.MaxLength("destination", body.Destination, 128),
	); len(errs) > 0 {
		validation.RespondValidation(c, errs)
		return
	}
	if !auth.RequireOwner(c, body.Player) {
		return
	}

	req, spec, err := withdrawal.ParseRequest(h.currencies, body.Player, body.Currency, body.Amount, body.Destination)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	t, err := h.vault.PrepareWithdrawal(c.Request.Context(), req.Player, req.Currency, req.Amount, req.Destination)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	if t, err = h.vault.Submit(c.Request.Context(), t.ID); err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ticket": withdrawal.NewView(t, spec)})
}
