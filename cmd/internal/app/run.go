package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
)

// flagOverrides holds command-line values that win over the environment.
type flagOverrides struct {
	envFile   string
	addr      string
	logLevel  string
	logFormat string
}

func parseFlags(args []string, stderr io.Writer) (flagOverrides, error) {
	var f flagOverrides

	fs := pflag.NewFlagSet("ginvite", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.envFile, "env-file", ".env", "dotenv file to load before reading GINVITE_* variables")
	fs.StringVar(&f.addr, "addr", "", "listen address (overrides GINVITE_HTTP_ADDR)")
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error (overrides GINVITE_LOG_LEVEL)")
	fs.StringVar(&f.logFormat, "log-format", "", "json or pretty (overrides GINVITE_LOG_FORMAT)")

	if err := fs.Parse(args); err != nil {
		return flagOverrides{}, err
	}
	if fs.NArg() > 0 {
		return flagOverrides{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return f, nil
}

func (f flagOverrides) apply(cfg *Config) {
	if f.addr != "" {
		cfg.HTTPAddr = f.addr
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.logFormat != "" {
		cfg.LogFormat = f.logFormat
	}
}

// Run is the CLI entrypoint used by cmd/ginvite.
// It returns an error instead of calling os.Exit to keep defers effective.
func Run(args []string) error {
	flags, err := parseFlags(args, os.Stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := LoadConfig(flags.envFile)
	if err != nil {
		return err
	}
	flags.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}
