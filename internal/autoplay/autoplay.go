// Package autoplay issues bets on a player's behalf at a fixed pace until a
// stop condition holds.
//
// Flow:
//  1. Player starts a plan → plan and session persisted, loop spawned
//  2. Each tick → stop conditions evaluated, then one bet through the
//     wager coordinator
//  3. A condition holds, or the player stops the plan → session closed
//
// Ticks that arrive while a bet is still in flight are dropped.
package autoplay

import (
	"context"
	"slices"
	"time"

	"github.com/mbd888/vaultbet/internal/apperr"
	"github.com/mbd888/vaultbet/internal/currency"
	"github.com/mbd888/vaultbet/internal/policy"
)

var (
	ErrPlanNotFound    = apperr.New(apperr.NotFound, "autoplay: plan not found")
	ErrPlanExists      = apperr.New(apperr.DuplicateCorrelation, "autoplay: plan already exists")
	ErrPlanFinished    = apperr.New(apperr.ConflictingState, "autoplay: plan already finished")
	ErrInvalidPlan     = apperr.New(apperr.Invalid, "autoplay: invalid plan")
	ErrTooManyPlans    = apperr.New(apperr.ConflictingState, "autoplay: too many active plans")
	ErrSchedulerClosed = apperr.New(apperr.Internal, "autoplay: scheduler shut down")
)

// State is the lifecycle state of a plan.
type State string

const (
	Running   State = "running"
	Paused    State = "paused"
	Completed State = "completed" // a stop condition held
	Cancelled State = "cancelled" // the player stopped it
)

// Active reports whether the plan still has a loop.
func (s State) Active() bool {
	return s == Running || s == Paused
}

// Stop reasons recorded on the plan and its session.
const (
	ReasonLossLimit         = "loss_limit"
	ReasonGainTarget        = "gain_target"
	ReasonMaxDuration       = "max_duration"
	ReasonMaxBets           = "max_bets"
	ReasonInsufficientFunds = "insufficient_funds"
	ReasonCancelled         = "cancelled"
	ReasonError             = "error"
)

// Plan is an autoplay configuration and its state.
type Plan struct {
	ID              string            `json:"id"`
	Player          string            `json:"player"`
	Currency        currency.Code     `json:"currency"`
	Stake           int64             `json:"stake"`
	GameKinds       []policy.GameKind `json:"gameKinds"`
	InterBetDelay   time.Duration     `json:"interBetDelay"`
	StopOnTotalLoss int64             `json:"stopOnTotalLoss,omitempty"`
	StopOnNetGain   int64             `json:"stopOnNetGain,omitempty"`
	MaxDuration     time.Duration     `json:"maxDuration,omitempty"`
	MaxBets         int               `json:"maxBets,omitempty"`
	State           State             `json:"state"`
	StopReason      string            `json:"stopReason,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

func (p *Plan) clone() *Plan {
	cp := *p
	cp.GameKinds = slices.Clone(p.GameKinds)
	return &cp
}

// Session accumulates the results of one run of a plan.
type Session struct {
	ID         string            `json:"id"`
	PlanID     string            `json:"planId"`
	Player     string            `json:"player"`
	GameKinds  []policy.GameKind `json:"gameKinds"`
	StartedAt  time.Time         `json:"startedAt"`
	EndedAt    *time.Time        `json:"endedAt,omitempty"`
	BetsPlaced int               `json:"betsPlaced"`
	NetChange  int64             `json:"netChange"`
	StopReason string            `json:"stopReason,omitempty"`
}

func (s *Session) clone() *Session {
	cp := *s
	cp.GameKinds = slices.Clone(s.GameKinds)
	if s.EndedAt != nil {
		t := *s.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

// Status is a plan with its sessions, oldest first.
type Status struct {
	Plan     *Plan      `json:"plan"`
	Sessions []*Session `json:"sessions"`
}

// Store persists plans and sessions.
type Store interface {
	// Create saves a new plan with its first session.
	Create(ctx context.Context, p *Plan, s *Session) error
	GetPlan(ctx context.Context, id string) (*Plan, error)
	UpdatePlan(ctx context.Context, p *Plan) error
	ListByPlayer(ctx context.Context, player string, limit int) ([]*Plan, error)
	// ListActive returns running and paused plans.
	ListActive(ctx context.Context) ([]*Plan, error)

	CreateSession(ctx context.Context, s *Session) error
	UpdateSession(ctx context.Context, s *Session) error
	ListSessions(ctx context.Context, planID string) ([]*Session, error)
}
