// Package app wires the engine together. One App exists per process; it is
// built by New, started by Run and torn down by Close.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/keshon/tts-bot/internal/admin"
	"github.com/keshon/tts-bot/internal/audio"
	"github.com/keshon/tts-bot/internal/config"
	"github.com/keshon/tts-bot/internal/discord"
	"github.com/keshon/tts-bot/internal/dispatch"
	"github.com/keshon/tts-bot/internal/entitlement"
	"github.com/keshon/tts-bot/internal/events"
	"github.com/keshon/tts-bot/internal/metrics"
	"github.com/keshon/tts-bot/internal/speaker"
	"github.com/keshon/tts-bot/internal/speech"
	"github.com/keshon/tts-bot/internal/storage"
	"github.com/keshon/tts-bot/internal/voice"
	"github.com/keshon/tts-bot/pkg/cmd"
	"github.com/keshon/tts-bot/pkg/jobmgr"
	"github.com/keshon/tts-bot/pkg/retrylimit"
)

const commandTimeout = 10 * time.Second

// Catalog holds the voice lists fetched from the speech service at start.
type Catalog struct {
	GCloudVoices         map[string]map[string]string
	TranslationLanguages map[string]string
}

type App struct {
	cfg *config.Config
	log zerolog.Logger

	store        *storage.Storage
	entitlements *entitlement.Cache
	speakers     *speaker.Cache
	speech       *speech.Client
	voice        *voice.Manager
	dispatcher   *dispatch.Dispatcher
	session      *discordgo.Session
	bot          *discord.Bot

	registry      *prometheus.Registry
	metrics       *metrics.Metrics
	metricsServer *metrics.Server

	nats       *nats.Conn
	subscriber *events.Subscriber
	commands   *cmd.Registry
	commandSub *events.Subscriber

	jobs    *jobmgr.Manager
	catalog Catalog
}

// New builds every component. Nothing touches the network until Run. ctx
// bounds the settings autosave; Close still saves once more.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	session, err := discord.NewSession(cfg.DiscordToken)
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, log, session, discord.NewTransport(session))
}

func newApp(ctx context.Context, cfg *config.Config, log zerolog.Logger, session *discordgo.Session, transport voice.Transport) (*App, error) {
	store, err := storage.New(ctx, cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	client, err := speech.NewClient(cfg.TTSServiceURL, cfg.TTSServiceKey, &http.Client{})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a := &App{
		cfg:          cfg,
		log:          log,
		store:        store,
		entitlements: entitlement.New(store, cfg.EntitlementTTL),
		speakers:     speaker.New(cfg.AnnounceWindow),
		speech:       client,
		session:      session,
		registry:     prometheus.NewRegistry(),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	a.voice = voice.NewManager(transport, voice.Options{
		LockTimeout:        cfg.JoinLockTimeout,
		ReconnectAttempts:  cfg.ReconnectAttempts,
		ReconnectBaseDelay: cfg.ReconnectBaseDelay,
		ReconnectMaxDelay:  cfg.ReconnectMaxDelay,
		Logger:             log,
	})

	fetcher := speech.NewFetcher(speech.RemoteEngines(client), speech.FetcherOptions{
		Limiter: retrylimit.NewAdaptiveLimiter(5, 1, 20, 1, 0.5),
		Logger:  log,
	})

	a.dispatcher = dispatch.New(dispatch.Deps{
		Entitlements: a.entitlements,
		Fetcher:      fetcher,
		Voice:        a.voice,
		Player:       audio.NewPlayer(audio.FFmpeg{}),
		Speakers:     a.speakers,
	}, dispatch.Options{
		QueueCapacity: cfg.QueueCapacity,
		IdleTimeout:   cfg.QueueIdleTimeout,
		DrainLimit:    cfg.DrainLimit,
		FetchTimeout:  cfg.FetchTimeout,
		Logger:        log,
		Metrics:       a.metrics,
	})

	a.voice.OnTransition(func(guildID string, from, to voice.State) {
		a.metrics.Transition(to.String())
	})
	a.voice.OnTerminal(a.dispatcher.HandleTerminal)

	a.bot = discord.NewBot(session, cfg, store, a.dispatcher, a.voice, log)
	a.commands = admin.Commands(admin.Deps{
		Store:  store,
		Notify: a.entitlementChanged,
		Logger: log.With().Str("component", "admin").Logger(),
	})
	return a, nil
}

// entitlementChanged drops the cached entitlement here and tells every other
// subscriber about it.
func (a *App) entitlementChanged(subjectID string) error {
	a.entitlements.Invalidate(subjectID)
	if a.nats == nil {
		return nil
	}
	return events.Publish(a.nats, a.cfg.EntitlementSubject, subjectID)
}

// RunCommand runs an operator command against this process's settings.
func (a *App) RunCommand(ctx context.Context, name string, args []string, out io.Writer) error {
	return a.commands.Run(ctx, name, &cmd.Invocation{Args: args, Out: out})
}

// Run starts background work and the Discord connection, then blocks until
// ctx ends.
func (a *App) Run(ctx context.Context) error {
	if err := a.start(ctx); err != nil {
		return err
	}
	if err := a.bot.Open(); err != nil {
		return err
	}
	<-ctx.Done()
	a.log.Info().Msg("shutdown signal received, cleaning up")
	return nil
}

// start brings up everything except the gateway connection.
func (a *App) start(ctx context.Context) error {
	a.jobs = jobmgr.NewManager(ctx, func(status string) {
		a.log.Debug().Str("job", status).Msg("job status")
	})
	if err := a.startJobs(); err != nil {
		return err
	}

	if a.cfg.MetricsAddr != "" {
		a.metricsServer = metrics.NewServer(a.cfg.MetricsAddr, a.registry, a.log)
		a.metricsServer.Start()
	}

	if a.cfg.NatsURL != "" {
		if err := a.connectEvents(); err != nil {
			// Entitlements still expire by TTL without events.
			a.log.Warn().Err(err).Msg("event bus unavailable")
		}
	}

	a.loadCatalog(ctx)
	return nil
}

func (a *App) startJobs() error {
	interval := a.cfg.MaintenanceInterval
	return errors.Join(
		a.jobs.StartAsync("dispatcher", a.dispatcher.Run),
		a.jobs.Every("entitlement-sweep", interval, func(ctx context.Context) error {
			if n := a.entitlements.Sweep(); n > 0 {
				a.log.Debug().Int("removed", n).Msg("expired entitlements swept")
			}
			return nil
		}),
		a.jobs.Every("speaker-sweep", interval, func(ctx context.Context) error {
			// Past the window a speaker is announced again anyway.
			a.speakers.Sweep(time.Now(), a.cfg.AnnounceWindow)
			return nil
		}),
		a.jobs.Every("evict-idle", interval, func(ctx context.Context) error {
			if !a.dispatcher.Post(dispatch.CmdEvictIdle) {
				return errors.New("dispatcher control channel full")
			}
			return nil
		}),
	)
}

func (a *App) connectEvents() error {
	conn, err := events.Connect(a.cfg.NatsURL, a.log)
	if err != nil {
		return err
	}
	sub, err := events.Subscribe(conn, a.cfg.EntitlementSubject, a.entitlements, a.log)
	if err != nil {
		conn.Close()
		return err
	}
	a.nats = conn
	a.subscriber = sub

	commandSub, err := events.Serve(conn, a.cfg.AdminSubject, a.RunCommand, commandTimeout, a.log)
	if err != nil {
		return fmt.Errorf("operator commands: %w", err)
	}
	a.commandSub = commandSub
	return nil
}

// loadCatalog fetches the voice lists. Failures only cost the catalog.
func (a *App) loadCatalog(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.FetchTimeout)
	defer cancel()

	var raw []speech.GoogleVoice
	if err := a.speech.Voices(ctx, speech.ModeGCloud, &raw); err != nil {
		a.log.Warn().Err(err).Msg("failed to load gCloud voices")
	} else {
		a.catalog.GCloudVoices = speech.PrepareGCloudVoices(raw)
		a.log.Info().Int("languages", len(a.catalog.GCloudVoices)).Msg("loaded gCloud voices")
	}

	langs, err := a.speech.TranslationLanguages(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("failed to load translation languages")
		return
	}
	a.catalog.TranslationLanguages = langs
	a.log.Info().Int("languages", len(langs)).Msg("loaded translation languages")
}

// Catalog returns the voice lists loaded by Run.
func (a *App) Catalog() Catalog {
	return a.catalog
}

// Close tears everything down in dependency order: background jobs, the
// workers, voice connections, the gateway, then storage and transports.
func (a *App) Close(ctx context.Context) error {
	var errs []error

	if a.jobs != nil {
		a.jobs.StopAll()
	}
	if err := a.dispatcher.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close dispatcher: %w", err))
	}
	if err := a.voice.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("leave voice: %w", err))
	}
	if err := a.bot.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close discord session: %w", err))
	}
	if err := a.commandSub.Close(); err != nil {
		errs = append(errs, fmt.Errorf("stop command handler: %w", err))
	}
	if err := a.subscriber.Close(); err != nil {
		errs = append(errs, fmt.Errorf("unsubscribe: %w", err))
	}
	if a.nats != nil {
		if err := a.nats.Drain(); err != nil {
			errs = append(errs, fmt.Errorf("drain nats: %w", err))
		}
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop metrics server: %w", err))
		}
	}
	a.entitlements.Flush()
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}

	a.log.Info().Msg("shutdown complete")
	return errors.Join(errs...)
}
