package token

import "errors"

// Public, stable errors for callers.
var (
	ErrSecretMissing  = errors.New("token secret missing")
	ErrSecretTooShort = errors.New("token secret too short")
	ErrInvalidToken   = errors.New("invalid token")
	ErrExpired        = errors.New("token expired")
)
