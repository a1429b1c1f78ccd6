package withdrawal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/vaultbet/internal/apperr"
	"github.com/mbd888/vaultbet/internal/circuitbreaker"
	"github.com/mbd888/vaultbet/internal/currency"
	"github.com/mbd888/vaultbet/internal/ledger"
	"github.com/mbd888/vaultbet/internal/retry"
)

var fastRetry = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond}

func sampleSubmitted() *Ticket {
	return &Ticket{ID: "wdt_http", Player: "alice", Currency: currency.USDC, Amount: 7_000000, Destination: dest, Pocket: ledger.Deposit, State: Submitted}
}

func TestHTTPSettler_SubmitSigned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/withdrawals", r.URL.Path)
		var body submitBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "wdt_http", body.TicketID)
		assert.Equal(t, int64(7_000000), body.Amount)

		payload, _ := json.Marshal(body)
		ts := r.Header.Get("X-Vaultbet-Timestamp")
		assert.Equal(t, Sign("s3cret", ts, payload), r.Header.Get("X-Vaultbet-Signature"))
		_ = json.NewEncoder(w).Encode(map[string]string{"tx_ref": "0xabc"})
	}))
	defer srv.Close()

	s, err := NewHTTPSettler(srv.URL, "s3cret", nil, fastRetry)
	require.NoError(t, err)
	ref, err := s.Submit(t.Context(), sampleSubmitted())
	require.NoError(t, err)
	assert.Equal(t, "0xabc", ref)
}

func TestHTTPSettler_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"tx_ref": "0x3"})
	}))
	defer srv.Close()

	s, err := NewHTTPSettler(srv.URL, "", nil, fastRetry)
	require.NoError(t, err)
	ref, err := s.Submit(t.Context(), sampleSubmitted())
	require.NoError(t, err)
	assert.Equal(t, "0x3", ref)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPSettler_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	s, err := NewHTTPSettler(srv.URL, "", nil, fastRetry)
	require.NoError(t, err)
	_, err = s.Submit(t.Context(), sampleSubmitted())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.SettlementFailed))
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPSettler_BreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	breaker := circuitbreaker.New(2, time.Minute)
	s, err := NewHTTPSettler(srv.URL, "", breaker, retry.Policy{Attempts: 1})
	require.NoError(t, err)

	for range 2 {
		_, err = s.Submit(t.Context(), sampleSubmitted())
		require.Error(t, err)
	}
	_, err = s.Submit(t.Context(), sampleSubmitted())
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPSettler_Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/withdrawals/")
		switch id {
		case "wdt_ok":
			_ = json.NewEncoder(w).Encode(Result{Outcome: OutcomeConfirmed, TxRef: "0x9"})
		case "wdt_wait":
			_ = json.NewEncoder(w).Encode(Result{Outcome: OutcomePending})
		case "wdt_weird":
			_ = json.NewEncoder(w).Encode(map[string]string{"result": "sideways"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	s, err := NewHTTPSettler(srv.URL, "", nil, fastRetry)
	require.NoError(t, err)

	tests := []struct {
		id      string
		outcome Outcome
		wantErr bool
	}{
		{"wdt_ok", OutcomeConfirmed, false},
		{"wdt_wait", OutcomePending, false},
		{"wdt_gone", OutcomeFailed, false},
		{"wdt_weird", "", true},
	}
	for _, tc := range tests {
		res, err := s.Status(t.Context(), &Ticket{ID: tc.id})
		if tc.wantErr {
			assert.Error(t, err, tc.id)
			continue
		}
		require.NoError(t, err, tc.id)
		assert.Equal(t, tc.outcome, res.Outcome, tc.id)
	}
}

func TestNewHTTPSettler_RejectsBadURL(t *testing.T) {
	_, err := NewHTTPSettler("not a url", "", nil, fastRetry)
	assert.Error(t, err)
}

func TestSign(t *testing.T) {
	ts := strconv.FormatInt(1700000000, 10)
	a := Sign("k", ts, []byte(`{}`))
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, Sign("k", ts, []byte(`{"x":1}`)))
	assert.NotEqual(t, a, Sign("other", ts, []byte(`{}`)))
}

type fixedSettler struct{ ref string }

func (f fixedSettler) Submit(context.Context, *Ticket) (string, error) { return f.ref, nil }

func (f fixedSettler) Status(context.Context, *Ticket) (Result, error) {
	return Result{Outcome: OutcomeConfirmed, TxRef: f.ref}, nil
}

func TestCurrencyRouter(t *testing.T) {
	r := NewCurrencyRouter(fixedSettler{ref: "sim"}).Route(currency.USDC, fixedSettler{ref: "0xchain"})

	usdc := &Ticket{ID: "wdt_1", Currency: currency.USDC}
	doge := &Ticket{ID: "wdt_2", Currency: currency.DOGE}

	ref, err := r.Submit(context.Background(), usdc)
	require.NoError(t, err)
	assert.Equal(t, "0xchain", ref)

	ref, err = r.Submit(context.Background(), doge)
	require.NoError(t, err)
	assert.Equal(t, "sim", ref)

	res, err := r.Status(context.Background(), usdc)
	require.NoError(t, err)
	assert.Equal(t, "0xchain", res.TxRef)
}
