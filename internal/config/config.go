// /internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

func init() {
	err := godotenv.Load()
	if err != nil {
		log.Println("No .env file found, falling back to system environment variables")
	}
}

type Config struct {
	DiscordToken          string   `env:"DISCORD_TOKEN,required,notEmpty"`
	DiscordGuildBlacklist []string `env:"DISCORD_GUILD_BLACKLIST" envSeparator:","`
	StoragePath           string   `env:"STORAGE_PATH" envDefault:"datastore.json"`

	TTSServiceURL string        `env:"TTS_SERVICE_URL,required,notEmpty"`
	TTSServiceKey string        `env:"TTS_SERVICE_KEY"`
	FetchTimeout  time.Duration `env:"FETCH_TIMEOUT" envDefault:"15s"`
	MaxTextLength int           `env:"MAX_TEXT_LENGTH" envDefault:"300"`

	QueueCapacity    int           `env:"QUEUE_CAPACITY" envDefault:"20"`
	QueueIdleTimeout time.Duration `env:"QUEUE_IDLE_TIMEOUT" envDefault:"10m"`
	DrainLimit       int           `env:"DRAIN_LIMIT" envDefault:"100"`

	JoinLockTimeout    time.Duration `env:"JOIN_LOCK_TIMEOUT" envDefault:"10s"`
	ReconnectAttempts  int           `env:"RECONNECT_ATTEMPTS" envDefault:"5"`
	ReconnectBaseDelay time.Duration `env:"RECONNECT_BASE_DELAY" envDefault:"1s"`
	ReconnectMaxDelay  time.Duration `env:"RECONNECT_MAX_DELAY" envDefault:"30s"`

	EntitlementTTL      time.Duration `env:"ENTITLEMENT_TTL" envDefault:"5m"`
	AnnounceWindow      time.Duration `env:"ANNOUNCE_WINDOW" envDefault:"2m"`
	MaintenanceInterval time.Duration `env:"MAINTENANCE_INTERVAL" envDefault:"1m"`

	NatsURL            string `env:"NATS_URL"`
	EntitlementSubject string `env:"ENTITLEMENT_SUBJECT" envDefault:"tts.entitlement.invalidate"`
	AdminSubject       string `env:"ADMIN_SUBJECT" envDefault:"tts.admin"`

	MetricsAddr string `env:"METRICS_ADDR"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"console"`
}

// New reads the configuration from the environment and validates it.
func New() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if _, err := url.ParseRequestURI(c.TTSServiceURL); err != nil {
		errs = append(errs, fmt.Errorf("TTS_SERVICE_URL is invalid: %w", err))
	}
	if c.QueueCapacity < 1 {
		errs = append(errs, errors.New("QUEUE_CAPACITY must be at least 1"))
	}
	if c.MaxTextLength < 1 {
		errs = append(errs, errors.New("MAX_TEXT_LENGTH must be at least 1"))
	}
	if c.DrainLimit < 0 {
		errs = append(errs, errors.New("DRAIN_LIMIT must not be negative"))
	}
	if c.ReconnectAttempts < 1 {
		errs = append(errs, errors.New("RECONNECT_ATTEMPTS must be at least 1"))
	}
	if c.ReconnectBaseDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		errs = append(errs, errors.New("RECONNECT_BASE_DELAY must be positive and not above RECONNECT_MAX_DELAY"))
	}
	for name, d := range map[string]time.Duration{
		"FETCH_TIMEOUT":        c.FetchTimeout,
		"JOIN_LOCK_TIMEOUT":    c.JoinLockTimeout,
		"ENTITLEMENT_TTL":      c.EntitlementTTL,
		"QUEUE_IDLE_TIMEOUT":   c.QueueIdleTimeout,
		"MAINTENANCE_INTERVAL": c.MaintenanceInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	return errors.Join(errs...)
}
