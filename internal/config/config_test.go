package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(testContext *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		testContext.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddress != "0.0.0.0:8080" {
		testContext.Fatalf("http address = %q", cfg.HTTPAddress)
	}
	if cfg.LogLevel != "info" {
		testContext.Fatalf("log level = %q", cfg.LogLevel)
	}
	if cfg.RoomInactivityTimeout != 5*time.Minute {
		testContext.Fatalf("inactivity timeout = %v", cfg.RoomInactivityTimeout)
	}
	if cfg.SQLitePath != "collab.db" {
		testContext.Fatalf("sqlite path = %q", cfg.SQLitePath)
	}
	if cfg.SnapshotEvery != 100 {
		testContext.Fatalf("snapshot cadence = %d", cfg.SnapshotEvery)
	}
	if cfg.UsesRemoteStore() {
		testContext.Fatal("default config should use the embedded store")
	}
}

func TestLoadReadsEnvironment(testContext *testing.T) {
	testContext.Setenv("COLLAB_HTTP_ADDRESS", "127.0.0.1:9000")
	testContext.Setenv("COLLAB_EVENTSTORE_URL", "http://store:2113")
	testContext.Setenv("COLLAB_ROOM_MAX_CLIENTS", "32")
	testContext.Setenv("COLLAB_NATS_URL", "nats://broker:4222")

	cfg, err := Load(NewViper())
	if err != nil {
		testContext.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddress != "127.0.0.1:9000" {
		testContext.Fatalf("http address = %q", cfg.HTTPAddress)
	}
	if !cfg.UsesRemoteStore() || cfg.EventStoreURL != "http://store:2113" {
		testContext.Fatalf("event store url = %q", cfg.EventStoreURL)
	}
	if cfg.RoomMaxClients != 32 {
		testContext.Fatalf("max clients = %d", cfg.RoomMaxClients)
	}
	if cfg.NATSURL != "nats://broker:4222" {
		testContext.Fatalf("nats url = %q", cfg.NATSURL)
	}
}

func TestLoadRejectsInvalidValues(testContext *testing.T) {
	cases := map[string]string{
		"COLLAB_ROOM_INACTIVITY_TIMEOUT": "0",
		"COLLAB_ROOM_MAX_CLIENTS":        "-1",
		"COLLAB_EVENTSTORE_TIMEOUT":      "0",
	}
	for key, value := range cases {
		testContext.Run(key, func(subContext *testing.T) {
			subContext.Setenv(key, value)
			if _, err := Load(NewViper()); err == nil {
				subContext.Fatalf("expected %s=%s to be rejected", key, value)
			}
		})
	}
}

func TestLoadRequiresSQLitePathWithoutRemoteStore(testContext *testing.T) {
	testContext.Setenv("COLLAB_EVENTSTORE_SQLITE_PATH", "  ")
	if _, err := Load(NewViper()); err == nil {
		testContext.Fatal("expected missing sqlite path to be rejected")
	}
}
