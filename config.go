package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Storage backends, chosen by Verify.
const (
	backendSQL   = "sql"
	backendGCS   = "gcs"
	backendLocal = "local"
)

// Config holds all settings, read from the environment.
type Config struct {
	Port                string        `envconfig:"PORT"`
	BaseURL             string        `envconfig:"BASE_URL"`
	LogLevel            string        `envconfig:"LOG_LEVEL"`
	Timezone            string        `envconfig:"TIMEZONE"` // Zone reminder dates and times are written in
	StorageBucket       string        `envconfig:"STORAGE_BUCKET"`
	LocalStorage        string        `envconfig:"LOCAL_STORAGE"`
	DBType              string        `envconfig:"DB_TYPE"`
	DBDSN               string        `envconfig:"DB_DSN"`
	VAPIDPublicKey      string        `envconfig:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey     string        `envconfig:"VAPID_PRIVATE_KEY"`
	VAPIDSubject        string        `envconfig:"VAPID_SUBJECT"`
	IconURL             string        `envconfig:"ICON_URL"`
	AppURL              string        `envconfig:"APP_URL"` // Opened when a notification is clicked
	PollToken           string        `envconfig:"POLL_TOKEN"`
	PushTimeout         time.Duration `envconfig:"PUSH_TIMEOUT"`
	PushTTL             time.Duration `envconfig:"PUSH_TTL"`
	DispatchConcurrency int           `envconfig:"DISPATCH_CONCURRENCY"`
	UserConcurrency     int           `envconfig:"USER_CONCURRENCY"`
	MockPush            bool          `envconfig:"MOCK_PUSH"`

	backend  string
	location *time.Location
	level    slog.Level
}

func defaultConfig() Config {
	return Config{
		Port:                "8080",
		BaseURL:             "http://localhost:8080",
		LogLevel:            "info",
		Timezone:            "UTC",
		DBType:              "sqlite",
		IconURL:             "/vite.svg",
		AppURL:              "/",
		PushTimeout:         10 * time.Second,
		PushTTL:             24 * time.Hour,
		DispatchConcurrency: 4,
		UserConcurrency:     4,
	}
}

// loadConfig reads the environment over the defaults and verifies the result.
func loadConfig() (*Config, error) {
	cfg := defaultConfig()
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Verify(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Verify checks the settings and resolves the storage backend, time zone and log level.
func (c *Config) Verify() error {
	var errs []error

	if err := c.level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q is invalid, must be debug, info, warn or error", c.LogLevel))
	}

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		errs = append(errs, fmt.Errorf("TIMEZONE %q is invalid: %w", c.Timezone, err))
	}
	c.location = loc

	switch {
	case c.DBDSN != "":
		c.backend = backendSQL
		c.DBType = strings.ToLower(c.DBType)
		if c.DBType != "sqlite" && c.DBType != "postgres" && c.DBType != "mysql" {
			errs = append(errs, fmt.Errorf("DB_TYPE %q is invalid, must be sqlite, postgres or mysql", c.DBType))
		}
	case c.StorageBucket != "":
		c.backend = backendGCS
	default:
		c.backend = backendLocal
		if c.LocalStorage == "" {
			c.LocalStorage = "./data"
		}
	}

	if !c.MockPush {
		if c.VAPIDPublicKey == "" || c.VAPIDPrivateKey == "" {
			errs = append(errs, errors.New("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY are required unless MOCK_PUSH is set"))
		}
		if c.VAPIDSubject == "" {
			errs = append(errs, errors.New("VAPID_SUBJECT is required unless MOCK_PUSH is set (e.g. mailto:ops@example.com)"))
		}
	}

	if c.PushTimeout <= 0 {
		errs = append(errs, errors.New("PUSH_TIMEOUT must be positive"))
	}
	if c.PushTTL < 0 {
		errs = append(errs, errors.New("PUSH_TTL must not be negative"))
	}
	if c.DispatchConcurrency <= 0 || c.UserConcurrency <= 0 {
		errs = append(errs, errors.New("DISPATCH_CONCURRENCY and USER_CONCURRENCY must be positive"))
	}

	return errors.Join(errs...)
}
