// Package auth proves wallet ownership and issues bearer tokens.
//
// Flow:
//   - POST /auth/challenge returns a one-time message bound to the wallet
//   - the wallet signs it (EIP-191 personal_sign on EVM, ed25519 on Solana)
//   - POST /auth/verify checks the signature and issues an HS256 JWT whose
//     subject is the wallet and whose jti is recorded for revocation
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mbd888/vaultbet/internal/apperr"
	"github.com/mbd888/vaultbet/internal/currency"
	"github.com/mbd888/vaultbet/internal/idgen"
)

// Errors
var (
	ErrChallengeNotFound  = apperr.New(apperr.Unauthorized, "auth: challenge expired or already used")
	ErrChallengeMismatch  = apperr.New(apperr.Unauthorized, "auth: challenge was issued to another wallet")
	ErrBadSignature       = apperr.New(apperr.Unauthorized, "auth: signature does not match wallet")
	ErrInvalidToken       = apperr.New(apperr.Unauthorized, "auth: invalid or expired token")
	ErrTokenNotFound      = apperr.New(apperr.Unauthorized, "auth: token not recognised")
	ErrUnsupportedNetwork = apperr.New(apperr.Invalid, "auth: unsupported network")
	ErrInvalidWallet      = apperr.New(apperr.Invalid, "auth: malformed wallet address")
)

const (
	DefaultTokenTTL = 24 * time.Hour
	DefaultNonceTTL = 300 * time.Second
	issuer          = "vaultbet"
)

// Network selects the signature scheme.
type Network string

const (
	Ethereum Network = "ethereum"
	Solana   Network = "solana"
)

// ParseNetwork accepts the network names wallets send. EVM chains share
// one scheme.
func ParseNetwork(s string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ethereum", "evm", "eth", "polygon", "bsc", "base":
		return Ethereum, nil
	case "solana", "sol":
		return Solana, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedNetwork, s)
}

// CanonicalWallet validates wallet for network and returns the form used
// as a player id: lowercase hex for EVM, the base58 key as-is for Solana.
func CanonicalWallet(network Network, wallet string) (string, error) {
	var format currency.AddressFormat
	switch network {
	case Ethereum:
		format = currency.EVMFormat
	case Solana:
		format = currency.SolanaFormat
	default:
		return "", ErrUnsupportedNetwork
	}
	if err := (currency.Spec{Format: format}).ValidateAddress(wallet); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidWallet, err)
	}
	if network == Ethereum {
		return strings.ToLower(wallet), nil
	}
	return wallet, nil
}

// Challenge is a pending sign-in.
type Challenge struct {
	ID        string    `json:"nonce"`
	Wallet    string    `json:"wallet"`
	Network   Network   `json:"network"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenRecord is the server-side half of an issued token.
type TokenRecord struct {
	JTI       string     `json:"jti"`
	Player    string     `json:"player"`
	Network   Network    `json:"network"`
	IssuedAt  time.Time  `json:"issuedAt"`
	ExpiresAt time.Time  `json:"expiresAt"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
}

// Active reports whether the token may still be used at now.
func (r *TokenRecord) Active(now time.Time) bool {
	return r.RevokedAt == nil && now.Before(r.ExpiresAt)
}

// NonceStore keeps challenges until they are consumed or expire.
type NonceStore interface {
	Put(ctx context.Context, c *Challenge, ttl time.Duration) error
	// Take returns and deletes the challenge atomically, so each one
	// verifies at most once.
	Take(ctx context.Context, id string) (*Challenge, error)
}

// TokenStore records issued tokens.
type TokenStore interface {
	Create(ctx context.Context, r *TokenRecord) error
	Get(ctx context.Context, jti string) (*TokenRecord, error)
	Revoke(ctx context.Context, jti string, at time.Time) error
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// Claims are the JWT claims. Subject is the canonical wallet.
type Claims struct {
	Network Network `json:"net"`
	jwt.RegisteredClaims
}

// Config holds Manager settings.
type Config struct {
	Secret   []byte
	TokenTTL time.Duration
	NonceTTL time.Duration
}

// Manager handles authentication
type Manager struct {
	nonces NonceStore
	tokens TokenStore
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a new auth manager
func NewManager(nonces NonceStore, tokens TokenStore, cfg Config, logger *slog.Logger) *Manager {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.NonceTTL <= 0 {
		cfg.NonceTTL = DefaultNonceTTL
	}
	return &Manager{nonces: nonces, tokens: tokens, cfg: cfg, logger: logger, now: time.Now}
}

// Challenge issues a one-time sign-in message for wallet.
func (m *Manager) Challenge(ctx context.Context, wallet, network string) (*Challenge, error) {
	net, err := ParseNetwork(network)
	if err != nil {
		return nil, err
	}
	canonical, err := CanonicalWallet(net, wallet)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	c := &Challenge{
		ID:        idgen.WithPrefix(idgen.NoncePrefix),
		Wallet:    canonical,
		Network:   net,
		ExpiresAt: now.Add(m.cfg.NonceTTL),
	}
	c.Message = challengeMessage(c, now)
	if err := m.nonces.Put(ctx, c, m.cfg.NonceTTL); err != nil {
		return nil, err
	}
	return c, nil
}

func challengeMessage(c *Challenge, issued time.Time) string {
	return fmt.Sprintf("Sign in to VaultBet\n\nWallet: %s\nNetwork: %s\nNonce: %s\nIssued At: %s",
		c.Wallet, c.Network, c.ID, issued.Format(time.RFC3339))
}

// VerifyRequest is a signed challenge. Network may be empty, in which
// case the network the challenge was issued for applies.
type VerifyRequest struct {
	Nonce     string
	Wallet    string
	Network   string
	Signature string
}

// Verify consumes the challenge, checks the signature and issues a token.
// The challenge is spent even when verification fails.
func (m *Manager) Verify(ctx context.Context, req VerifyRequest) (string, *TokenRecord, error) {
	c, err := m.nonces.Take(ctx, req.Nonce)
	if err != nil {
		return "", nil, err
	}
	net := c.Network
	if req.Network != "" {
		if net, err = ParseNetwork(req.Network); err != nil {
			return "", nil, err
		}
	}
	wallet, err := CanonicalWallet(net, req.Wallet)
	if err != nil {
		return "", nil, err
	}
	if c.Wallet != wallet || c.Network != net {
		return "", nil, ErrChallengeMismatch
	}
	if !m.now().Before(c.ExpiresAt) {
		return "", nil, ErrChallengeNotFound
	}

	switch net {
	case Ethereum:
		err = VerifyEVM(c.Message, req.Signature, wallet)
	case Solana:
		err = VerifySolana(c.Message, req.Signature, wallet)
	}
	if err != nil {
		m.logger.Info("challenge signature rejected", "wallet", wallet, "network", net, "error", err)
		return "", nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return m.Issue(ctx, wallet, net)
}

// Issue signs a token for player and records its jti.
func (m *Manager) Issue(ctx context.Context, player string, net Network) (string, *TokenRecord, error) {
	now := m.now().UTC().Truncate(time.Second)
	rec := &TokenRecord{
		JTI:       uuid.NewString(),
		Player:    player,
		Network:   net,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.cfg.TokenTTL),
	}
	claims := Claims{
		Network: net,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   player,
			ID:        rec.JTI,
			IssuedAt:  jwt.NewNumericDate(rec.IssuedAt),
			NotBefore: jwt.NewNumericDate(rec.IssuedAt.Add(-5 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(rec.ExpiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.cfg.Secret)
	if err != nil {
		return "", nil, fmt.Errorf("auth: sign token: %w", err)
	}
	if err := m.tokens.Create(ctx, rec); err != nil {
		return "", nil, err
	}
	return signed, rec, nil
}

// Authenticate validates a bearer token and returns its claims. The jti
// must be recorded and not revoked.
func (m *Manager) Authenticate(ctx context.Context, bearer string) (*Claims, error) {
	raw := strings.TrimSpace(strings.TrimPrefix(bearer, "Bearer "))
	if raw == "" {
		return nil, ErrInvalidToken
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return m.cfg.Secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(m.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid || claims.Subject == "" || claims.ID == "" {
		return nil, ErrInvalidToken
	}

	rec, err := m.tokens.Get(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if rec.Player != claims.Subject || !rec.Active(m.now()) {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Revoke invalidates a token before its expiry.
func (m *Manager) Revoke(ctx context.Context, jti string) error {
	return m.tokens.Revoke(ctx, jti, m.now().UTC())
}

// PurgeExpired drops token records that can no longer authenticate.
func (m *Manager) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := m.tokens.DeleteExpired(ctx, m.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info("purged expired tokens", "count", n)
	}
	return n, nil
}
