package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "COLLAB"

	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultLogLevel          = "info"
	defaultSQLitePath        = "collab.db"
	defaultInactivityTimeout = 5 * time.Minute
	defaultStoreTimeout      = 10 * time.Second
	defaultSnapshotEvery     = 100
)

// AppConfig captures runtime configuration for the relay.
type AppConfig struct {
	HTTPAddress string
	LogLevel    string

	AuthSigningSecret string
	AuthIssuer        string

	RoomInactivityTimeout time.Duration
	RoomMaxClients        int
	RoomMaxRooms          int

	EventStoreURL     string
	EventStoreTimeout time.Duration
	SQLitePath        string
	SnapshotEvery     int

	NATSURL string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("room.inactivity_timeout", defaultInactivityTimeout)
	configViper.SetDefault("room.max_clients", 0)
	configViper.SetDefault("room.max_rooms", 0)
	configViper.SetDefault("eventstore.timeout", defaultStoreTimeout)
	configViper.SetDefault("eventstore.sqlite_path", defaultSQLitePath)
	configViper.SetDefault("eventstore.snapshot_every", defaultSnapshotEvery)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:           configViper.GetString("http.address"),
		LogLevel:              configViper.GetString("log.level"),
		AuthSigningSecret:     configViper.GetString("auth.signing_secret"),
		AuthIssuer:            configViper.GetString("auth.issuer"),
		RoomInactivityTimeout: configViper.GetDuration("room.inactivity_timeout"),
		RoomMaxClients:        configViper.GetInt("room.max_clients"),
		RoomMaxRooms:          configViper.GetInt("room.max_rooms"),
		EventStoreURL:         configViper.GetString("eventstore.url"),
		EventStoreTimeout:     configViper.GetDuration("eventstore.timeout"),
		SQLitePath:            configViper.GetString("eventstore.sqlite_path"),
		SnapshotEvery:         configViper.GetInt("eventstore.snapshot_every"),
		NATSURL:               configViper.GetString("nats.url"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// UsesRemoteStore reports whether updates persist to the event store service
// instead of the embedded database.
func (c AppConfig) UsesRemoteStore() bool {
	return strings.TrimSpace(c.EventStoreURL) != ""
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.RoomInactivityTimeout <= 0 {
		return fmt.Errorf("room.inactivity_timeout must be positive")
	}
	if c.RoomMaxClients < 0 {
		return fmt.Errorf("room.max_clients must not be negative")
	}
	if c.RoomMaxRooms < 0 {
		return fmt.Errorf("room.max_rooms must not be negative")
	}
	if c.EventStoreTimeout <= 0 {
		return fmt.Errorf("eventstore.timeout must be positive")
	}
	if c.SnapshotEvery < 0 {
		return fmt.Errorf("eventstore.snapshot_every must not be negative")
	}
	if !c.UsesRemoteStore() && strings.TrimSpace(c.SQLitePath) == "" {
		return fmt.Errorf("eventstore.sqlite_path is required without eventstore.url")
	}
	return nil
}
