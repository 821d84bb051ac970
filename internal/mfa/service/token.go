package service

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"

	"github.com/louisbranch/secondfactor/internal/platform/id"
)

// TokenConfig configures completion tokens, read from the environment.
// Tokens are off unless a signing key is configured.
type TokenConfig struct {
	Enabled    bool          `env:"MFA_TOKEN_ENABLED"`
	PrivateKey string        `env:"MFA_TOKEN_PRIVATE_KEY"` // base64 raw ed25519 seed
	Issuer     string        `env:"MFA_TOKEN_ISSUER"       envDefault:"secondfactor"`
	TTL        time.Duration `env:"MFA_TOKEN_TTL"          envDefault:"10m"`
}

// TokenIssuer mints short-lived signed proofs that a second-factor ceremony
// completed. Downstream services verify them instead of re-querying state.
type TokenIssuer struct {
	signingKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	issuer     string
	ttl        time.Duration
	now        func() time.Time
}

type completionClaims struct {
	jwt.RegisteredClaims
	CredentialID string `json:"cid"`
}

// LoadTokenIssuerFromEnv builds a TokenIssuer from the environment, or nil
// when completion tokens are disabled.
func LoadTokenIssuerFromEnv() (*TokenIssuer, error) {
	var cfg TokenConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse token env: %w", err)
	}
	if !cfg.Enabled {
		return nil, nil
	}
	return NewTokenIssuer(cfg)
}

// NewTokenIssuer builds an issuer from explicit configuration.
func NewTokenIssuer(cfg TokenConfig) (*TokenIssuer, error) {
	seed, err := base64.StdEncoding.DecodeString(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decode token private key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("token private key must be a %d-byte ed25519 seed", ed25519.SeedSize)
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("token ttl must be positive")
	}
	signingKey := ed25519.NewKeyFromSeed(seed)
	return &TokenIssuer{
		signingKey: signingKey,
		publicKey:  signingKey.Public().(ed25519.PublicKey),
		issuer:     cfg.Issuer,
		ttl:        cfg.TTL,
		now:        time.Now,
	}, nil
}

// WithClock overrides the issuer clock. Tests only.
func (t *TokenIssuer) WithClock(now func() time.Time) *TokenIssuer {
	t.now = now
	return t
}

// PublicKey returns the verification key for distribution to downstream
// services.
func (t *TokenIssuer) PublicKey() ed25519.PublicKey {
	return t.publicKey
}

// Mint signs a completion token binding the user to the credential that
// satisfied the ceremony.
func (t *TokenIssuer) Mint(userID, credentialID string) (string, error) {
	now := t.now().UTC()
	tokenID, err := id.NewID()
	if err != nil {
		return "", fmt.Errorf("generate token id: %w", err)
	}
	claims := completionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Issuer:    t.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
		CredentialID: credentialID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(t.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign completion token: %w", err)
	}
	return signed, nil
}

// Verify checks a completion token's signature, issuer, and expiry, returning
// the user and credential it binds.
func (t *TokenIssuer) Verify(tokenString string) (userID, credentialID string, err error) {
	claims := &completionClaims{}
	_, err = jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", token.Method.Alg())
		}
		return t.publicKey, nil
	},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return t.now().UTC() }),
	)
	if err != nil {
		return "", "", fmt.Errorf("parse completion token: %w", err)
	}
	if claims.Subject == "" || claims.CredentialID == "" {
		return "", "", fmt.Errorf("completion token missing subject or credential")
	}
	return claims.Subject, claims.CredentialID, nil
}
