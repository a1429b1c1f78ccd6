package withdrawal

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/vaultbet/internal/apperr"
	"github.com/mbd888/vaultbet/internal/circuitbreaker"
	"github.com/mbd888/vaultbet/internal/currency"
	"github.com/mbd888/vaultbet/internal/idgen"
	"github.com/mbd888/vaultbet/internal/retry"
)

// SimulatedSettler confirms every ticket after a fixed delay. It stands in
// for a real payout service in development and tests.
type SimulatedSettler struct {
	delay time.Duration
	fail  func(*Ticket) string // non-empty reason fails the ticket

	mu       sync.Mutex
	callback func(ctx context.Context, id string, res Result) (*Ticket, error)
	results  map[string]Result
}

// NewSimulatedSettler creates a settler that reports after delay.
func NewSimulatedSettler(delay time.Duration) *SimulatedSettler {
	return &SimulatedSettler{delay: delay, results: make(map[string]Result)}
}

// FailWhen makes tickets matching fn fail with the returned reason.
func (s *SimulatedSettler) FailWhen(fn func(*Ticket) string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fn
}

// Attach wires the settlement callback, normally Manager.OnSettlement.
// Without a callback results are only visible through Status.
func (s *SimulatedSettler) Attach(fn func(ctx context.Context, id string, res Result) (*Ticket, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callback = fn
}

func (s *SimulatedSettler) Submit(_ context.Context, t *Ticket) (string, error) {
	ref := "sim_" + idgen.Hex(16)
	res := Result{Outcome: OutcomeConfirmed, TxRef: ref}

	s.mu.Lock()
	if s.fail != nil {
		if reason := s.fail(t); reason != "" {
			res = Result{Outcome: OutcomeFailed, Reason: reason}
		}
	}
	cb := s.callback
	s.mu.Unlock()

	id := t.ID
	time.AfterFunc(s.delay, func() {
		s.mu.Lock()
		s.results[id] = res
		s.mu.Unlock()
		if cb != nil {
			_, _ = cb(context.Background(), id, res)
		}
	})
	return ref, nil
}

func (s *SimulatedSettler) Status(_ context.Context, t *Ticket) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res, ok := s.results[t.ID]; ok {
		return res, nil
	}
	return Result{Outcome: OutcomePending}, nil
}

// CurrencyRouter sends each ticket to the settler registered for its
// currency, or to the fallback. Status goes to the same settler Submit
// used, since the choice depends only on the ticket's currency.
type CurrencyRouter struct {
	routes   map[currency.Code]Settler
	fallback Settler
}

// NewCurrencyRouter creates a router over fallback.
func NewCurrencyRouter(fallback Settler) *CurrencyRouter {
	return &CurrencyRouter{routes: make(map[currency.Code]Settler), fallback: fallback}
}

// Route registers s for code. It is not safe to call once tickets flow.
func (r *CurrencyRouter) Route(code currency.Code, s Settler) *CurrencyRouter {
	r.routes[code] = s
	return r
}

func (r *CurrencyRouter) pick(t *Ticket) Settler {
	if s, ok := r.routes[t.Currency]; ok {
		return s
	}
	return r.fallback
}

func (r *CurrencyRouter) Submit(ctx context.Context, t *Ticket) (string, error) {
	return r.pick(t).Submit(ctx, t)
}

func (r *CurrencyRouter) Status(ctx context.Context, t *Ticket) (Result, error) {
	return r.pick(t).Status(ctx, t)
}

// HTTPSettler hands tickets to a payout service over HTTP. Requests are
// signed with HMAC-SHA256 over the body when a secret is configured.
//
//	POST {base}/withdrawals       {ticket}        -> {"tx_ref": "..."}
//	GET  {base}/withdrawals/{id}                  -> {"result": "...", "tx_ref": "...", "reason": "..."}
type HTTPSettler struct {
	base    string
	secret  string
	client  *http.Client
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
	key     string
}

// NewHTTPSettler creates a client for the payout service at baseURL.
func NewHTTPSettler(baseURL, secret string, breaker *circuitbreaker.Breaker, policy retry.Policy) (*HTTPSettler, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("withdrawal: invalid settler url %q", baseURL)
	}
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	return &HTTPSettler{
		base:    u.String(),
		secret:  secret,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: breaker,
		policy:  policy,
		key:     "settler:" + u.Host,
	}, nil
}

type submitBody struct {
	TicketID    string `json:"ticket_id"`
	Player      string `json:"player"`
	Currency    string `json:"currency"`
	Amount      int64  `json:"amount"`
	Destination string `json:"destination"`
}

func (s *HTTPSettler) Submit(ctx context.Context, t *Ticket) (string, error) {
	payload, err := json.Marshal(submitBody{
		TicketID:    t.ID,
		Player:      t.Player,
		Currency:    string(t.Currency),
		Amount:      t.Amount,
		Destination: t.Destination,
	})
	if err != nil {
		return "", err
	}

	var out struct {
		TxRef string `json:"tx_ref"`
	}
	status, err := s.call(ctx, http.MethodPost, s.base+"/withdrawals", payload, &out)
	if err != nil {
		return "", apperr.Wrap(apperr.SettlementFailed, err, "withdrawal: submit")
	}
	if status >= 400 {
		return "", apperr.New(apperr.SettlementFailed, "withdrawal: submit rejected with status "+strconv.Itoa(status))
	}
	return out.TxRef, nil
}

func (s *HTTPSettler) Status(ctx context.Context, t *Ticket) (Result, error) {
	var res Result
	status, err := s.call(ctx, http.MethodGet, s.base+"/withdrawals/"+url.PathEscape(t.ID), nil, &res)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.SettlementFailed, err, "withdrawal: status")
	}
	switch {
	case status == http.StatusNotFound:
		return Result{Outcome: OutcomeFailed, Reason: "unknown to settlement service"}, nil
	case status >= 400:
		return Result{}, apperr.New(apperr.SettlementFailed, "withdrawal: status query returned "+strconv.Itoa(status))
	}
	switch res.Outcome {
	case OutcomeConfirmed, OutcomeFailed, OutcomePending:
		return res, nil
	case "":
		return Result{Outcome: OutcomePending}, nil
	default:
		return Result{}, apperr.New(apperr.SettlementFailed, "withdrawal: unexpected result "+strconv.Quote(string(res.Outcome)))
	}
}

// call performs one request under the breaker, retrying 5xx and transport
// errors. 4xx responses are returned to the caller as a status code.
func (s *HTTPSettler) call(ctx context.Context, method, target string, payload []byte, out any) (int, error) {
	var status int
	err := retry.Do(ctx, s.policy, func() error {
		err := s.breaker.Execute(ctx, s.key, func(ctx context.Context) error {
			code, err := s.do(ctx, method, target, payload, out)
			status = code
			if err != nil {
				return err
			}
			if code >= 500 {
				return fmt.Errorf("settlement service returned %d", code)
			}
			return nil
		})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(err)
		}
		return err
	})
	return status, err
}

func (s *HTTPSettler) do(ctx context.Context, method, target string, payload []byte, out any) (int, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return 0, retry.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.secret != "" {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set("X-Vaultbet-Timestamp", ts)
		req.Header.Set("X-Vaultbet-Signature", Sign(s.secret, ts, payload))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && out != nil {
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return resp.StatusCode, retry.Permanent(fmt.Errorf("decode response: %w", err))
		}
	}
	return resp.StatusCode, nil
}

// Sign returns the hex HMAC-SHA256 of timestamp "." body under secret.
func Sign(secret, timestamp string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte{'.'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
