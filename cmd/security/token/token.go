package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/CarstenHoyer/ginvite/cmd/identity/ids"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// MinSecretBytes is the minimum HMAC secret size.
	MinSecretBytes = 32

	// DefaultTTL is used when Config.TTL is zero.
	DefaultTTL = 12 * time.Hour

	signingMethod = "HS256"
	leeway        = 30 * time.Second
)

// Config is shared by Issuer and Verifier.
type Config struct {
	Secret   []byte
	Issuer   string
	Audience string
	TTL      time.Duration
	Now      func() time.Time
}

// Claims is what a verified token says about its bearer.
type Claims struct {
	UserID    string
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

func (c Config) normalize() (Config, error) {
	if len(c.Secret) == 0 {
		return Config{}, ErrSecretMissing
	}
	if len(c.Secret) < MinSecretBytes {
		return Config{}, ErrSecretTooShort
	}
	c.Issuer = strings.TrimSpace(c.Issuer)
	c.Audience = strings.TrimSpace(c.Audience)
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c, nil
}

// Verifier validates bearer tokens.
type Verifier struct {
	cfg Config
}

// NewVerifier constructs a Verifier.
func NewVerifier(cfg Config) (*Verifier, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	return &Verifier{cfg: cfg}, nil
}

// Verify parses raw and checks signature, algorithm, expiry, issuer and audience.
func (v *Verifier) Verify(raw string) (Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, ErrInvalidToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{signingMethod}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(leeway),
		jwt.WithTimeFunc(v.cfg.Now),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	var parsed jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &parsed, func(*jwt.Token) (any, error) {
		return v.cfg.Secret, nil
	}, opts...)
	if err != nil {
		return Claims{}, mapJWTError(err)
	}

	sub := strings.TrimSpace(parsed.Subject)
	if sub == "" {
		return Claims{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	out := Claims{UserID: sub, ID: parsed.ID}
	if parsed.ExpiresAt != nil {
		out.ExpiresAt = parsed.ExpiresAt.Time.UTC()
	}
	if parsed.IssuedAt != nil {
		out.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	return out, nil
}

// Authenticate returns the user id carried by raw.
func (v *Verifier) Authenticate(ctx context.Context, raw string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c, err := v.Verify(raw)
	if err != nil {
		return "", err
	}
	return c.UserID, nil
}

// Issuer mints bearer tokens.
type Issuer struct {
	cfg Config
}

// NewIssuer constructs an Issuer.
func NewIssuer(cfg Config) (*Issuer, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	return &Issuer{cfg: cfg}, nil
}

// Issue returns a signed token for userID and its expiry.
func (i *Issuer) Issue(userID string) (string, time.Time, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", time.Time{}, errors.New("token: user id is required")
	}

	now := i.cfg.Now().UTC()
	jti, err := ids.NewULID(now)
	if err != nil {
		return "", time.Time{}, err
	}
	exp := now.Add(i.cfg.TTL)

	claims := jwt.RegisteredClaims{
		Subject:   userID,
		ID:        jti,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	if i.cfg.Issuer != "" {
		claims.Issuer = i.cfg.Issuer
	}
	if i.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{i.cfg.Audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.cfg.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return ErrExpired
	}
	return fmt.Errorf("%w: %v", ErrInvalidToken, err)
}
