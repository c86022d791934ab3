package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Live.ProducerWait != 40*time.Second {
		t.Errorf("ProducerWait = %v, want 40s", cfg.Live.ProducerWait)
	}
	if cfg.Live.InactivityTimeout != 300*time.Second {
		t.Errorf("InactivityTimeout = %v, want 300s", cfg.Live.InactivityTimeout)
	}
	if cfg.Live.ViewerCountInterval != 3*time.Second {
		t.Errorf("ViewerCountInterval = %v, want 3s", cfg.Live.ViewerCountInterval)
	}
	if len(cfg.WebRTC.ICEUrls) == 0 {
		t.Error("expected a default ICE server")
	}
}

func TestLiveKnobsOverridable(t *testing.T) {
	t.Setenv("LIVE_PRODUCER_WAIT_SEC", "10")
	t.Setenv("LIVE_INACTIVITY_TIMEOUT_SEC", "60")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Live.ProducerWait != 10*time.Second {
		t.Errorf("ProducerWait = %v, want 10s", cfg.Live.ProducerWait)
	}
	if cfg.Live.InactivityTimeout != 60*time.Second {
		t.Errorf("InactivityTimeout = %v, want 60s", cfg.Live.InactivityTimeout)
	}
}

func TestDSNFromComponents(t *testing.T) {
	db := DatabaseConfig{
		Host: "db", Port: "5432", User: "u", Password: "p", DBName: "live", SSLMode: "disable",
	}
	want := "postgres://u:p@db:5432/live?sslmode=disable"
	if got := db.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
	db.URL = "postgres://as-is"
	if got := db.DSN(); got != "postgres://as-is" {
		t.Errorf("DSN() = %q, want URL as-is", got)
	}
}
