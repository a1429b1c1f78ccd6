package autoplay

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/vaultbet/internal/auth"
	"github.com/mbd888/vaultbet/internal/currency"
	"github.com/mbd888/vaultbet/internal/pagination"
	"github.com/mbd888/vaultbet/internal/policy"
	"github.com/mbd888/vaultbet/internal/validation"
)

// Handler provides HTTP endpoints for autoplay.
type Handler struct {
	scheduler  *Scheduler
	currencies *currency.Table
}

// NewHandler creates a new autoplay handler.
func NewHandler(s *Scheduler, currencies *currency.Table) *Handler {
	return &Handler{scheduler: s, currencies: currencies}
}

// RegisterProtectedRoutes sets up player-authenticated routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/autoplay/start", h.Start)
	r.POST("/autoplay/stop", h.Stop)
	r.POST("/autoplay/pause", h.Pause)
	r.POST("/autoplay/resume", h.Resume)
	r.GET("/autoplay/status/:player", auth.RequireOwnership("player"), h.Status)
}

// StartRequest is the JSON body of POST /autoplay/start. Amounts are
// display units; durations are milliseconds.
type StartRequest struct {
	Player          string   `json:"player"`
	Currency        string   `json:"currency"`
	Stake           string   `json:"stake"`
	GameKinds       []string `json:"game_kinds"`
	InterBetDelayMs int64    `json:"inter_bet_delay_ms"`
	StopOnTotalLoss string   `json:"stop_on_total_loss"`
	StopOnNetGain   string   `json:"stop_on_net_gain"`
	MaxDurationMs   int64    `json:"max_duration_ms"`
	MaxBets         int      `json:"max_bets"`
}

// PlanView is the wire form of a plan.
type PlanView struct {
	ID              string            `json:"planId"`
	Player          string            `json:"player"`
	Currency        currency.Code     `json:"currency"`
	Stake           string            `json:"stake"`
	StakeMinor      int64             `json:"stakeMinor"`
	GameKinds       []policy.GameKind `json:"gameKinds"`
	InterBetDelayMs int64             `json:"interBetDelayMs"`
	StopOnTotalLoss string            `json:"stopOnTotalLoss,omitempty"`
	StopOnNetGain   string            `json:"stopOnNetGain,omitempty"`
	MaxDurationMs   int64             `json:"maxDurationMs,omitempty"`
	MaxBets         int               `json:"maxBets,omitempty"`
	State           State             `json:"state"`
	StopReason      string            `json:"stopReason,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// SessionView is the wire form of a session.
type SessionView struct {
	ID             string     `json:"sessionId"`
	StartedAt      time.Time  `json:"startedAt"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
	BetsPlaced     int        `json:"betsPlaced"`
	NetChange      string     `json:"netChange"`
	NetChangeMinor int64      `json:"netChangeMinor"`
	StopReason     string     `json:"stopReason,omitempty"`
}

// StatusView is a plan with its sessions.
type StatusView struct {
	Plan     PlanView      `json:"plan"`
	Sessions []SessionView `json:"sessions"`
}

// NewPlanView renders p for the wire.
func NewPlanView(p *Plan, spec currency.Spec) PlanView {
	v := PlanView{
		ID:              p.ID,
		Player:          p.Player,
		Currency:        p.Currency,
		Stake:           spec.FormatAmount(p.Stake),
		StakeMinor:      p.Stake,
		GameKinds:       p.GameKinds,
		InterBetDelayMs: p.InterBetDelay.Milliseconds(),
		MaxDurationMs:   p.MaxDuration.Milliseconds(),
		MaxBets:         p.MaxBets,
		State:           p.State,
		StopReason:      p.StopReason,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
	if p.StopOnTotalLoss > 0 {
		v.StopOnTotalLoss = spec.FormatAmount(p.StopOnTotalLoss)
	}
	if p.StopOnNetGain > 0 {
		v.StopOnNetGain = spec.FormatAmount(p.StopOnNetGain)
	}
	return v
}

func (h *Handler) spec(code currency.Code) currency.Spec {
	spec, err := h.currencies.Lookup(code)
	if err != nil {
		return currency.Spec{Code: code}
	}
	return spec
}

func (h *Handler) statusView(st *Status) StatusView {
	spec := h.spec(st.Plan.Currency)
	v := StatusView{Plan: NewPlanView(st.Plan, spec), Sessions: make([]SessionView, len(st.Sessions))}
	for i, s := range st.Sessions {
		v.Sessions[i] = SessionView{
			ID:             s.ID,
			StartedAt:      s.StartedAt,
			EndedAt:        s.EndedAt,
			BetsPlaced:     s.BetsPlaced,
			NetChange:      spec.FormatAmount(s.NetChange),
			NetChangeMinor: s.NetChange,
			StopReason:     s.StopReason,
		}
	}
	return v
}

// parseOptional parses a display amount that may be empty.
func parseOptional(spec currency.Spec, s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return spec.ParseAmount(s)
}

// Start handles POST /autoplay/start
func (h *Handler) Start(c *gin.Context) {
	var body StartRequest
	if !validation.BindJSON(c, &body) {
		return
	}
	if errs := validation.Validate(
		validation.ValidPlayer("player", body.Player),
		validation.Required("currency", body.Currency),
		validation.Required("stake", body.Stake),
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
	req := PlanRequest{
		Player:        body.Player,
		Currency:      spec.Code,
		InterBetDelay: time.Duration(body.InterBetDelayMs) * time.Millisecond,
		MaxDuration:   time.Duration(body.MaxDurationMs) * time.Millisecond,
		MaxBets:       body.MaxBets,
	}
	for _, k := range body.GameKinds {
		req.GameKinds = append(req.GameKinds, policy.GameKind(k))
	}
	if req.Stake, err = spec.ParseAmount(body.Stake); err != nil {
		validation.RespondError(c, err)
		return
	}
	if req.StopOnTotalLoss, err = parseOptional(spec, body.StopOnTotalLoss); err != nil {
		validation.RespondError(c, err)
		return
	}
	if req.StopOnNetGain, err = parseOptional(spec, body.StopOnNetGain); err != nil {
		validation.RespondError(c, err)
		return
	}

	p, err := h.scheduler.Start(c.Request.Context(), req)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"plan_id": p.ID,
		"plan":    NewPlanView(p, spec),
	})
}

type planRequest struct {
	PlanID string `json:"plan_id" binding:"required"`
}

// owned loads the plan named in the body and checks the caller owns it.
func (h *Handler) owned(c *gin.Context) (string, bool) {
	var body planRequest
	if !validation.BindJSON(c, &body) {
		return "", false
	}
	st, err := h.scheduler.Get(c.Request.Context(), body.PlanID)
	if err != nil {
		validation.RespondError(c, err)
		return "", false
	}
	if !auth.RequireOwner(c, st.Plan.Player) {
		return "", false
	}
	return body.PlanID, true
}

// Stop handles POST /autoplay/stop
func (h *Handler) Stop(c *gin.Context) {
	id, ok := h.owned(c)
	if !ok {
		return
	}
	p, err := h.scheduler.Stop(c.Request.Context(), id)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stopped": !p.State.Active(),
		"plan":    NewPlanView(p, h.spec(p.Currency)),
	})
}

// Pause handles POST /autoplay/pause
func (h *Handler) Pause(c *gin.Context) {
	id, ok := h.owned(c)
	if !ok {
		return
	}
	p, err := h.scheduler.Pause(c.Request.Context(), id)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plan": NewPlanView(p, h.spec(p.Currency))})
}

// Resume handles POST /autoplay/resume
func (h *Handler) Resume(c *gin.Context) {
	id, ok := h.owned(c)
	if !ok {
		return
	}
	p, err := h.scheduler.Resume(c.Request.Context(), id)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plan": NewPlanView(p, h.spec(p.Currency))})
}

// Status handles GET /autoplay/status/:player
func (h *Handler) Status(c *gin.Context) {
	statuses, err := h.scheduler.ListByPlayer(c.Request.Context(), c.Param("player"), pagination.ParseLimit(c.Query("limit")))
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	views := make([]StatusView, len(statuses))
	for i, st := range statuses {
		views[i] = h.statusView(st)
	}
	c.JSON(http.StatusOK, gin.H{
		"player": c.Param("player"),
		"plans":  views,
		"count":  len(views),
	})
}
