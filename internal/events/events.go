// Package events carries domain events (wager settled, ticket moved,
// balance changed) from the core to whoever listens: the websocket hub,
// a NATS subject tree or a Kafka topic.
//
// Publishing is best effort. Events are emitted after the ledger commit
// that caused them, so a lost event never loses money; subscribers that
// need certainty read the journal.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/vaultbet/internal/idgen"
)

// Type names an event.
type Type string

const (
	BalanceChanged    Type = "balance.changed"
	WagerSettled      Type = "wager.settled"
	WagerVoided       Type = "wager.voided"
	WithdrawalUpdated Type = "withdrawal.updated"
	AutoplayUpdated   Type = "autoplay.updated"
	DepositCredited   Type = "deposit.credited"
)

// Event is one domain event addressed to a player.
type Event struct {
	ID     string    `json:"id"`
	Type   Type      `json:"type"`
	Player string    `json:"player"`
	At     time.Time `json:"at"`
	Data   any       `json:"data,omitempty"`
}

// New stamps an event with an id and the current time.
func New(typ Type, player string, data any) Event {
	return Event{
		ID:     idgen.New(),
		Type:   typ,
		Player: player,
		At:     time.Now().UTC(),
		Data:   data,
	}
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to several publishers. Every publisher is tried;
// the joined error is returned.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emit publishes ev and logs a failure instead of returning it. Callers
// emit after commit, where a publish failure must not fail the operation.
func Emit(ctx context.Context, p Publisher, logger *slog.Logger, ev Event) {
	if p == nil {
		return
	}
	if err := p.Publish(context.WithoutCancel(ctx), ev); err != nil {
		eventsFailed.WithLabelValues(string(ev.Type)).Inc()
		logger.Warn("event publish failed", "type", ev.Type, "player", ev.Player, "error", err)
		return
	}
	eventsPublished.WithLabelValues(string(ev.Type)).Inc()
}

// Recorder keeps every published event in memory. Tests use it to assert
// on emitted events.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events, optionally filtered by type.
func (r *Recorder) Events(types ...Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0, len(r.events))
	for _, ev := range r.events {
		if len(types) == 0 || containsType(types, ev.Type) {
			out = append(out, ev)
		}
	}
	return out
}

func containsType(types []Type, t Type) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}
