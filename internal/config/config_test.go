package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.WaveSize != 3 {
		t.Fatalf("expected default wave size 3, got %d", cfg.WaveSize)
	}
	if cfg.WaveDelaySeconds != 120 {
		t.Fatalf("expected default wave delay 120s, got %d", cfg.WaveDelaySeconds)
	}
	if got := cfg.DepositAmountsCents["home_lockout"]; got != 4900 {
		t.Fatalf("expected home_lockout deposit 4900, got %d", got)
	}
	if got := cfg.DepositAmountsCents["smart_lock"]; got != 9900 {
		t.Fatalf("expected smart_lock deposit 9900, got %d", got)
	}
	if !cfg.IsDevelopment() {
		t.Fatalf("expected default env to be development")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("APP_ENV", "production")
	t.Setenv("WAVE_SIZE", "5")
	t.Setenv("SERVICE_AREAS", "Laredo, San Antonio")
	t.Setenv("DEPOSIT_AMOUNTS", `{"home_lockout":5500}`)

	cfg := Load()
	if cfg.Port != "9090" {
		t.Fatalf("expected overridden port 9090, got %s", cfg.Port)
	}
	if cfg.IsDevelopment() {
		t.Fatalf("expected production env to not be development")
	}
	if cfg.WaveSize != 5 {
		t.Fatalf("expected overridden wave size 5, got %d", cfg.WaveSize)
	}
	if len(cfg.ServiceAreas) != 2 || cfg.ServiceAreas[0] != "Laredo" {
		t.Fatalf("expected parsed service areas, got %v", cfg.ServiceAreas)
	}
	if got := cfg.DepositAmountsCents["home_lockout"]; got != 5500 {
		t.Fatalf("expected overridden home_lockout deposit 5500, got %d", got)
	}
	if got := cfg.DepositAmountsCents["rekey"]; got != 7900 {
		t.Fatalf("expected default rekey deposit to survive partial override, got %d", got)
	}
}
