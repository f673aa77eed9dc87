package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("POSTGRES_CONN_STRING", "postgres://u:p@localhost:5432/db")

	conf, err := load(viper.New(), t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if conf.Relay.MaxAttempts != 5 {
		t.Errorf("relay.maxAttempts = %d, want 5", conf.Relay.MaxAttempts)
	}
	if conf.Relay.StaleLockTimeout != 5*time.Minute {
		t.Errorf("relay.staleLockTimeout = %s", conf.Relay.StaleLockTimeout)
	}
	if conf.EventStore.SnapshotThreshold != 100 {
		t.Errorf("eventStore.snapshotThreshold = %d", conf.EventStore.SnapshotThreshold)
	}
	if conf.Listener.Channel != "outbox_entries_inserted" {
		t.Errorf("listener.channel = %q", conf.Listener.Channel)
	}
	if conf.Postgres.MigrationsDir != "resources/migrations" {
		t.Errorf("postgres.migrations_dir = %q", conf.Postgres.MigrationsDir)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("POSTGRES_CONN_STRING", "postgres://u:p@localhost:5432/db")
	t.Setenv("RELAY_WORKERS", "16")
	t.Setenv("RELAY_BACKOFFBASE", "250ms")
	t.Setenv("LOGGING_LEVEL", "debug")

	conf, err := load(viper.New(), t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if conf.Relay.Workers != 16 {
		t.Errorf("relay.workers = %d, want 16", conf.Relay.Workers)
	}
	if conf.Relay.BackoffBase != 250*time.Millisecond {
		t.Errorf("relay.backoffBase = %s", conf.Relay.BackoffBase)
	}
	if conf.LoggingLevel != "debug" {
		t.Errorf("logging-level = %q", conf.LoggingLevel)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("POSTGRES_CONN_STRING", "postgres://u:p@localhost:5432/db")
	t.Setenv("PUBLISHER_KIND", "carrier-pigeon")

	if _, err := load(viper.New(), t.TempDir()); err == nil {
		t.Fatal("expected validation error for unknown publisher kind")
	}
}

func TestLoadRequiresConnString(t *testing.T) {
	t.Setenv("POSTGRES_CONN_STRING", "")

	if _, err := load(viper.New(), t.TempDir()); err == nil {
		t.Fatal("expected validation error for empty conn string")
	}
}

func TestLoadRejectsNegativeHTTPRetries(t *testing.T) {
	t.Setenv("POSTGRES_CONN_STRING", "postgres://u:p@localhost:5432/db")
	t.Setenv("HTTPCLIENT_MAXRETRIES", "-1")

	if _, err := load(viper.New(), t.TempDir()); err == nil {
		t.Fatal("expected validation error for negative httpClient.maxRetries")
	}
}
