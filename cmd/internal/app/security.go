package app

import (
	"errors"
	"fmt"

	"github.com/CarstenHoyer/ginvite/cmd/security/token"
)

// ValidateSecurityConfig enforces the token policy at startup.
//
// Fail-fast: a server without a usable signing secret would reject every request.
func ValidateSecurityConfig(cfg Config) error {
	if _, err := token.NewVerifier(tokenConfig(cfg)); err != nil {
		switch {
		case errors.Is(err, token.ErrSecretMissing):
			return errors.New("security policy: GINVITE_TOKEN_SECRET is missing")
		case errors.Is(err, token.ErrSecretTooShort):
			return fmt.Errorf("security policy: GINVITE_TOKEN_SECRET is too short (min %d bytes)", token.MinSecretBytes)
		default:
			return err
		}
	}
	return nil
}

func tokenConfig(cfg Config) token.Config {
	return token.Config{
		// Measured in bytes, not runes: the secret is used as raw HMAC key material.
		Secret:   []byte(cfg.TokenSecret),
		Issuer:   cfg.TokenIssuer,
		Audience: cfg.TokenAudience,
	}
}
