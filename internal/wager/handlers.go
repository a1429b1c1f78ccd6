package wager

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/vaultbet/internal/auth"
	"github.com/mbd888/vaultbet/internal/currency"
	"github.com/mbd888/vaultbet/internal/ledger"
	"github.com/mbd888/vaultbet/internal/pagination"
	"github.com/mbd888/vaultbet/internal/policy"
	"github.com/mbd888/vaultbet/internal/retry"
	"github.com/mbd888/vaultbet/internal/validation"
)

// Handler provides HTTP endpoints for betting.
type Handler struct {
	coord      *Coordinator
	currencies *currency.Table
}

// NewHandler creates a new wager handler.
func NewHandler(coord *Coordinator, currencies *currency.Table) *Handler {
	return &Handler{coord: coord, currencies: currencies}
}

// RegisterProtectedRoutes sets up player-authenticated routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/games/bet", h.PlaceBet)
	r.GET("/games/history/:player", auth.RequireOwnership("player"), h.History)
}

// RegisterInternalRoutes sets up routes guarded by the internal secret.
func (h *Handler) RegisterInternalRoutes(r *gin.RouterGroup) {
	r.POST("/games/void", h.Void)
}

// BetRequestBody is the JSON body of POST /games/bet.
type BetRequestBody struct {
	BetID    string `json:"bet_id"`
	Player   string `json:"player"`
	GameKind string `json:"game_kind"`
	Stake    string `json:"stake"`
	Currency string `json:"currency"`
}

// View is the wire form of a wager: amounts in display units alongside
// the exact minor units.
type View struct {
	ID          string            `json:"wagerId"`
	Player      string            `json:"player"`
	Currency    currency.Code     `json:"currency"`
	GameKind    policy.GameKind   `json:"gameKind"`
	Stake       string            `json:"stake"`
	StakeMinor  int64             `json:"stakeMinor"`
	Outcome     Outcome           `json:"outcome"`
	Payout      string            `json:"payout"`
	PayoutMinor int64             `json:"payoutMinor"`
	Multiplier  string            `json:"multiplier,omitempty"`
	Sources     map[string]string `json:"sources"`
	RngSeed     string            `json:"rngSeed"`
	PlanID      string            `json:"planId,omitempty"`
	Note        string            `json:"note,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	SettledAt   *time.Time        `json:"settledAt,omitempty"`
}

// NewView renders w for the wire.
func NewView(w *Wager, spec currency.Spec) View {
	v := View{
		ID:          w.ID,
		Player:      w.Player,
		Currency:    w.Currency,
		GameKind:    w.GameKind,
		Stake:       spec.FormatAmount(w.Stake),
		StakeMinor:  w.Stake,
		Outcome:     w.Outcome,
		Payout:      spec.FormatAmount(w.Payout),
		PayoutMinor: w.Payout,
		Sources:     make(map[string]string, len(w.Sources)),
		RngSeed:     w.Seed,
		PlanID:      w.PlanID,
		Note:        w.Note,
		CreatedAt:   w.CreatedAt,
		SettledAt:   w.SettledAt,
	}
	if w.Multiplier > 0 {
		v.Multiplier = decimal.New(w.Multiplier, -4).String()
	}
	for _, pocket := range ledger.SpendOrder {
		if amt, ok := w.Sources[pocket]; ok {
			v.Sources[string(pocket)] = spec.FormatAmount(amt)
		}
	}
	return v
}

func (h *Handler) view(w *Wager) View {
	spec, err := h.currencies.Lookup(w.Currency)
	if err != nil {
		spec = currency.Spec{Code: w.Currency}
	}
	return NewView(w, spec)
}

// PlaceBet handles POST /games/bet
func (h *Handler) PlaceBet(c *gin.Context) {
	var body BetRequestBody
	if !validation.BindJSON(c, &body) {
		return
	}
	if errs := validation.Validate(
		validation.ValidPlayer("player", body.Player),
		validation.Required("game_kind", body.GameKind),
		validation.Required("currency", body.Currency),
		validation.Required("stake", body.Stake),
		validation.MaxLength("bet_id", body.BetID, 64),
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
	stake, err := spec.ParseAmount(body.Stake)
	if err != nil {
		validation.RespondError(c, err)
		return
	}

	req := BetRequest{
		WagerID:  body.BetID,
		Player:   body.Player,
		Currency: spec.Code,
		GameKind: policy.GameKind(body.GameKind),
		Stake:    stake,
	}
	// Retries must land on the same wager id.
	if req.WagerID == "" {
		req.WagerID = newWagerID()
	}

	var rec *Receipt
	err = retry.Transient(c.Request.Context(), retry.Default, func() error {
		var err error
		rec, err = h.coord.PlaceBet(c.Request.Context(), req)
		return err
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
		"wager":    NewView(rec.Wager, spec),
		"replayed": rec.Replayed,
	})
}

// History handles GET /games/history/:player
func (h *Handler) History(c *gin.Context) {
	player := c.Param("player")
	limit := pagination.ParseLimit(c.Query("limit"))

	wagers, next, err := h.coord.ListByPlayer(c.Request.Context(), player, c.Query("cursor"), limit)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	views := make([]View, len(wagers))
	for i, w := range wagers {
		views[i] = h.view(w)
	}
	c.JSON(http.StatusOK, gin.H{
		"wagers":     views,
		"count":      len(views),
		"nextCursor": next,
		"hasMore":    next != "",
	})
}

type voidRequest struct {
	WagerID string `json:"wager_id" binding:"required"`
	Reason  string `json:"reason"`
}

// Void handles POST /games/void
func (h *Handler) Void(c *gin.Context) {
	var req voidRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	w, err := h.coord.VoidWager(c.Request.Context(), req.WagerID, validation.SanitizeString(req.Reason, 256))
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wager": h.view(w)})
}
