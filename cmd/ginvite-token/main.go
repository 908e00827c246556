// Command ginvite-token mints a bearer token for a user id, for local
// development and smoke tests. It reads the same GINVITE_TOKEN_* settings as
// the server.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/CarstenHoyer/ginvite/cmd/security/token"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "ginvite-token:", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	fs := pflag.NewFlagSet("ginvite-token", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	envFile := fs.String("env-file", ".env", "dotenv file to load first")
	user := fs.StringP("user", "u", "", "user id to put in the token subject (required)")
	ttl := fs.Duration("ttl", token.DefaultTTL, "token lifetime")
	verbose := fs.BoolP("verbose", "v", false, "print the expiry after the token")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", *envFile, err)
		}
	}
	if strings.TrimSpace(*user) == "" {
		return errors.New("--user is required")
	}

	issuer, err := token.NewIssuer(token.Config{
		Secret:   []byte(os.Getenv("GINVITE_TOKEN_SECRET")),
		Issuer:   envOr("GINVITE_TOKEN_ISSUER", "ginvite"),
		Audience: os.Getenv("GINVITE_TOKEN_AUDIENCE"),
		TTL:      *ttl,
	})
	if err != nil {
		return err
	}

	tok, exp, err := issuer.Issue(*user)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, tok)
	if *verbose {
		fmt.Fprintln(stderr, "expires", exp.UTC().Format(time.RFC3339))
	}
	return nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
