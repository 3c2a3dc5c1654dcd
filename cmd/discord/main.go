// cmd/discord/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keshon/tts-bot/internal/app"
	"github.com/keshon/tts-bot/internal/config"
	"github.com/keshon/tts-bot/internal/logging"
	v "github.com/keshon/tts-bot/internal/version"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.New()
	if err != nil {
		boot := logging.New("info", "console")
		boot.Fatal().Err(err).Msg("invalid configuration")
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info().Str("app", v.AppName).Str("commit", v.Commit).Str("built", v.BuildDate).Msg("starting bot")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize")
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.Run(ctx); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		logger.Info().Stringer("signal", s).Msg("received signal, shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("bot error")
		}
	}
	cancel()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer closeCancel()
	if err := a.Close(closeCtx); err != nil {
		logger.Error().Err(err).Msg("unclean shutdown")
		os.Exit(1)
	}
	logger.Info().Msg("bot exited cleanly")
}
