package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
)

var errNoDatabase = errors.New("database not configured")

// Run is the CLI entrypoint used by cmd/secrets.
// It returns an error instead of calling os.Exit so defers still run.
func Run() error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}
