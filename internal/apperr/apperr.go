// Package apperr defines the closed set of error kinds surfaced by the core
// and their mapping onto HTTP status codes.
//
// Domain packages declare their own sentinel errors with New so that callers
// can match either the precise sentinel or the broader kind:
//
//	var ErrInsufficientFunds = apperr.New(apperr.InsufficientFunds, "ledger: insufficient funds")
//
//	errors.Is(err, ledger.ErrInsufficientFunds) // precise
//	errors.Is(err, apperr.InsufficientFunds)    // kind
package apperr

import (
	"context"
	"errors"
	"net/http"
)

// Kind classifies an error. A Kind is itself an error so it can be used
// as an errors.Is target.
type Kind string

func (k Kind) Error() string { return string(k) }

const (
	InsufficientFunds     Kind = "insufficient_funds"
	InsufficientAvailable Kind = "insufficient_available"
	InvalidDestination    Kind = "invalid_destination"
	BelowMinimum          Kind = "below_minimum"
	CurrencyMismatch      Kind = "currency_mismatch"
	UnknownGame           Kind = "unknown_game"
	UnknownPlayer         Kind = "unknown_player"
	Unauthorized          Kind = "unauthorized"
	Deadline              Kind = "deadline"
	DuplicateCorrelation  Kind = "duplicate_correlation"
	ConflictingState      Kind = "conflicting_state"
	TransientStorage      Kind = "transient_storage"
	SettlementFailed      Kind = "settlement_failed"
	Internal              Kind = "internal"

	// Invalid covers malformed input that has no more specific kind
	// (non-positive stake, unknown currency, bad pocket).
	Invalid Kind = "invalid_request"

	// NotFound is an unknown wager, ticket or plan id.
	NotFound Kind = "not_found"
)

// Error is a kinded error with an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// New returns a kinded error. Use it to declare package sentinels.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a kind to err. A nil err yields nil.
func Wrap(kind Kind, err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// ErrForbidden is an Unauthorized error for an authenticated caller acting
// on someone else's resources.
var ErrForbidden = New(Unauthorized, "forbidden")

// KindOf returns the kind attached to err. Context deadline and cancellation
// errors map to Deadline; anything unclassified maps to Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Deadline
	}
	return Internal
}

// Is reports whether err carries kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Status maps an error onto an HTTP status code.
func Status(err error) int {
	if errors.Is(err, ErrForbidden) {
		return http.StatusForbidden
	}
	switch KindOf(err) {
	case InvalidDestination, BelowMinimum, CurrencyMismatch, UnknownGame, Invalid:
		return http.StatusBadRequest
	case UnknownPlayer, NotFound:
		return http.StatusNotFound
	case InsufficientFunds, InsufficientAvailable:
		return http.StatusPaymentRequired
	case DuplicateCorrelation, ConflictingState:
		return http.StatusConflict
	case Unauthorized:
		return http.StatusUnauthorized
	case Deadline:
		return http.StatusGatewayTimeout
	case SettlementFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Message returns a caller-safe message. Internal and storage failures are
// not described to the caller.
func Message(err error) string {
	switch KindOf(err) {
	case Internal, TransientStorage:
		return "internal error"
	}
	return err.Error()
}
