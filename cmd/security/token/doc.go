// Package token issues and verifies the bearer tokens that identify the acting user.
//
// Tokens are HS256 JWTs: the subject is the user id, and issuer and audience
// are checked when configured. The shared secret must be at least
// MinSecretBytes long.
package token
