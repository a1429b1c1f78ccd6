package withdrawal

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/vaultbet/internal/auth"
	"github.com/mbd888/vaultbet/internal/currency"
	"github.com/mbd888/vaultbet/internal/ledger"
	"github.com/mbd888/vaultbet/internal/validation"
)

// Handler provides HTTP endpoints for withdrawals.
type Handler struct {
	manager    *Manager
	currencies *currency.Table
}

// NewHandler creates a new withdrawal handler.
func NewHandler(m *Manager, currencies *currency.Table) *Handler {
	return &Handler{manager: m, currencies: currencies}
}

// RegisterProtectedRoutes sets up player-authenticated routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/wallet/withdraw", h.Withdraw)
	r.GET("/withdrawals/:id", h.GetTicket)
}

// RegisterInternalRoutes sets up routes guarded by the internal secret.
func (h *Handler) RegisterInternalRoutes(r *gin.RouterGroup) {
	r.POST("/settlement", h.Settlement)
}

// View is the wire form of a ticket.
type View struct {
	ID          string        `json:"ticketId"`
	Player      string        `json:"player"`
	Currency    currency.Code `json:"currency"`
	Amount      string        `json:"amount"`
	AmountMinor int64         `json:"amountMinor"`
	Destination string        `json:"destination"`
	Pocket      ledger.Pocket `json:"sourcePocket"`
	State       State         `json:"state"`
	TxRef       string        `json:"externalTxRef,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	SubmittedAt *time.Time    `json:"submittedAt,omitempty"`
	SettledAt   *time.Time    `json:"settledAt,omitempty"`
}

// NewView renders t for the wire.
func NewView(t *Ticket, spec currency.Spec) View {
	return View{
		ID:          t.ID,
		Player:      t.Player,
		Currency:    t.Currency,
		Amount:      spec.FormatAmount(t.Amount),
		AmountMinor: t.Amount,
		Destination: t.Destination,
		Pocket:      t.Pocket,
		State:       t.State,
		TxRef:       t.TxRef,
		Reason:      t.Reason,
		CreatedAt:   t.CreatedAt,
		SubmittedAt: t.SubmittedAt,
		SettledAt:   t.SettledAt,
	}
}

func (h *Handler) view(t *Ticket) View {
	spec, err := h.currencies.Lookup(t.Currency)
	if err != nil {
		spec = currency.Spec{Code: t.Currency}
	}
	return NewView(t, spec)
}

// WithdrawRequest is the JSON body of POST /wallet/withdraw.
type WithdrawRequest struct {
	Player      string `json:"player"`
	Currency    string `json:"currency"`
	Amount      string `json:"amount"`
	Destination string `json:"destination"`
	Pocket      string `json:"pocket"`
}

// ParseRequest validates body fields common to every withdrawal route and
// converts the display amount to minor units.
func ParseRequest(currencies *currency.Table, player, cur, amount, destination string) (Request, currency.Spec, error) {
	spec, err := currencies.Parse(cur)
	if err != nil {
		return Request{}, currency.Spec{}, err
	}
	minor, err := spec.ParseAmount(amount)
	if err != nil {
		return Request{}, currency.Spec{}, err
	}
	return Request{
		Player:      player,
		Currency:    spec.Code,
		Amount:      minor,
		Destination: destination,
	}, spec, nil
}

// Withdraw handles POST /wallet/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	var body WithdrawRequest
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

	req, spec, err := ParseRequest(h.currencies, body.Player, body.Currency, body.Amount, body.Destination)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	req.Pocket = ledger.Deposit
	if body.Pocket != "" {
		req.Pocket = ledger.Pocket(body.Pocket)
	}

	t, err := h.manager.Withdraw(c.Request.Context(), req)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ticket": NewView(t, spec)})
}

// GetTicket handles GET /withdrawals/:id
func (h *Handler) GetTicket(c *gin.Context) {
	t, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	if !auth.RequireOwner(c, t.Player) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"ticket": h.view(t)})
}

type settlementRequest struct {
	TicketID string `json:"ticket_id" binding:"required"`
	Result   string `json:"result" binding:"required"`
	TxRef    string `json:"tx_ref"`
	Reason   string `json:"reason"`
}

// Settlement handles POST /internal/settlement
func (h *Handler) Settlement(c *gin.Context) {
	var req settlementRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	t, err := h.manager.OnSettlement(c.Request.Context(), req.TicketID, Result{
		Outcome: Outcome(req.Result),
		TxRef:   validation.SanitizeString(req.TxRef, 128),
		Reason:  validation.SanitizeString(req.Reason, 256),
	})
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ticket": h.view(t)})
}
