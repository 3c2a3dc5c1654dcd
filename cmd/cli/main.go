// cmd/cli/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/keshon/tts-bot/internal/admin"
	"github.com/keshon/tts-bot/internal/config"
	"github.com/keshon/tts-bot/internal/events"
	"github.com/keshon/tts-bot/internal/logging"
	"github.com/keshon/tts-bot/internal/storage"
	"github.com/keshon/tts-bot/pkg/cmd"
)

const requestTimeout = 15 * time.Second

func main() {
	cfg, err := config.New()
	if err != nil {
		boot := logging.New("info", "console")
		boot.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := logging.NewWithWriter(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Names and usage only; commands run through runRemote or runLocal.
	catalog := admin.Commands(admin.Deps{Logger: zerolog.Nop()})
	args := os.Args[1:]
	if len(args) == 0 || args[0] == "help" {
		usage(catalog)
		os.Exit(2)
	}
	if catalog.Get(args[0]) == nil {
		fmt.Fprintln(os.Stderr, &cmd.UnknownCommandError{Name: args[0]})
		usage(catalog)
		os.Exit(2)
	}

	if cfg.NatsURL != "" {
		err = runRemote(ctx, cfg, logger, args)
	} else {
		err = runLocal(ctx, cfg, logger, args)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		var usageErr *cmd.UsageError
		if errors.As(err, &usageErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// runRemote has the running bot apply the command to its own settings.
func runRemote(ctx context.Context, cfg *config.Config, logger zerolog.Logger, args []string) error {
	nc, err := events.Connect(cfg.NatsURL, logger)
	if err != nil {
		return err
	}
	defer nc.Close()

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	out, err := events.Request(ctx, nc, cfg.AdminSubject, args[0], args[1:])
	fmt.Print(out)
	return err
}

// runLocal edits the settings file directly. The bot must be stopped: it
// keeps its own copy in memory and overwrites the file on its next save.
func runLocal(ctx context.Context, cfg *config.Config, logger zerolog.Logger, args []string) error {
	logger.Warn().Str("file", cfg.StoragePath).Msg("NATS_URL not set, editing the settings file directly; stop the bot first")

	store, err := storage.New(ctx, cfg.StoragePath)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	registry := admin.Commands(admin.Deps{Store: store, Logger: logger})
	runErr := registry.Run(ctx, args[0], &cmd.Invocation{Args: args[1:], Out: os.Stdout})
	if err := store.Close(); err != nil {
		return errors.Join(runErr, fmt.Errorf("save storage: %w", err))
	}
	return runErr
}

func usage(registry *cmd.Registry) {
	fmt.Fprintln(os.Stderr, "usage: cli <command> [args]")
	for _, c := range registry.GetAll() {
		fmt.Fprintf(os.Stderr, "  %-15s %s\n", c.Name(), c.Usage())
	}
}
