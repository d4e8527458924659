package config

import "testing"

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != "0.0.0.0:8080" {
		t.Fatalf("unexpected http address: %q", cfg.HTTPAddress)
	}
	if cfg.DatabasePath != "wayplan.db" {
		t.Fatalf("unexpected database path: %q", cfg.DatabasePath)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("unexpected log level: %q", cfg.LogLevel)
	}
	if cfg.NominatimServer == "" {
		t.Fatalf("expected default nominatim server")
	}
}

func TestLoadRejectsEmptyDatabasePath(t *testing.T) {
	configViper := NewViper()
	configViper.Set("database.path", "   ")
	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error for blank database path")
	}
}

func TestLoadReadsOverrides(t *testing.T) {
	configViper := NewViper()
	configViper.Set("http.address", "127.0.0.1:9090")
	configViper.Set("amap.key", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != "127.0.0.1:9090" || cfg.AmapKey != "secret" {
		t.Fatalf("unexpected config: %#v", cfg)
	}
}
