package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("ENV", "")
	t.Setenv("EXPIRATION_INTERVAL", "")
	t.Setenv("EXPIRATION_TIMEOUT", "")
	t.Setenv("REFUND_PARTIAL_PERCENT", "")
	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port, got %s", cfg.Port)
	}
	if cfg.Env != "development" {
		t.Fatalf("expected default env, got %s", cfg.Env)
	}
	if cfg.ExpirationInterval != 5*time.Minute {
		t.Fatalf("expected 5m sweep interval, got %s", cfg.ExpirationInterval)
	}
	if cfg.ExpirationTimeout != 15*time.Minute {
		t.Fatalf("expected 15m pending timeout, got %s", cfg.ExpirationTimeout)
	}
	if cfg.MaxPendingPerPatient != 3 {
		t.Fatalf("expected max pending 3, got %d", cfg.MaxPendingPerPatient)
	}
	if !cfg.RefundPartialPercent.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("expected partial refund 30, got %s", cfg.RefundPartialPercent)
	}
	if cfg.RefundWindow != 720*time.Hour {
		t.Fatalf("expected 30 day refund window, got %s", cfg.RefundWindow)
	}
	if !cfg.RequireNotesOnComplete {
		t.Fatalf("expected notes required by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://user@host/db")
	t.Setenv("DEPOSIT_PERCENT", "25.5")
	t.Setenv("EXPIRATION_TIMEOUT", "20m")
	t.Setenv("RECONCILE_ALLOW_OLD", "true")
	t.Setenv("APPOINTMENT_REQUIRE_NOTES", "false")
	t.Setenv("BOOKING_MAX_PENDING", "5")
	cfg := Load()
	if cfg.Port != "9090" {
		t.Fatalf("expected override port, got %s", cfg.Port)
	}
	if cfg.DatabaseURL != "postgres://user@host/db" {
		t.Fatalf("expected db override, got %s", cfg.DatabaseURL)
	}
	if !cfg.DepositPercent.Equal(decimal.RequireFromString("25.5")) {
		t.Fatalf("expected deposit override, got %s", cfg.DepositPercent)
	}
	if cfg.ExpirationTimeout != 20*time.Minute {
		t.Fatalf("expected timeout override, got %s", cfg.ExpirationTimeout)
	}
	if !cfg.ReconcileAllowOld {
		t.Fatalf("expected allow old override")
	}
	if cfg.RequireNotesOnComplete {
		t.Fatalf("expected notes requirement disabled")
	}
	if cfg.MaxPendingPerPatient != 5 {
		t.Fatalf("expected max pending override, got %d", cfg.MaxPendingPerPatient)
	}
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("WORKER_COUNT", "many")
	t.Setenv("RECONCILE_PAUSE", "soon")
	t.Setenv("DEPOSIT_PERCENT", "thirty")
	cfg := Load()
	if cfg.WorkerCount != 2 {
		t.Fatalf("expected default worker count, got %d", cfg.WorkerCount)
	}
	if cfg.ReconcilePause != 500*time.Millisecond {
		t.Fatalf("expected default pause, got %s", cfg.ReconcilePause)
	}
	if !cfg.DepositPercent.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("expected default deposit percent, got %s", cfg.DepositPercent)
	}
}

func TestClinicLocation(t *testing.T) {
	cfg := &Config{ClinicTimezone: "Asia/Ho_Chi_Minh"}
	if cfg.ClinicLocation().String() != "Asia/Ho_Chi_Minh" {
		t.Fatalf("unexpected location %s", cfg.ClinicLocation())
	}
	cfg.ClinicTimezone = "Not/AZone"
	if cfg.ClinicLocation() != time.UTC {
		t.Fatalf("expected UTC fallback")
	}
}

func TestCORSOriginsList(t *testing.T) {
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.example, ,https://b.example ")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	cfg := Load()
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins %v", cfg.CORSAllowedOrigins)
	}
	if cfg.RateLimitRPS != 2.5 {
		t.Fatalf("expected 2.5 rps, got %v", cfg.RateLimitRPS)
	}
}

func TestIsDevelopment(t *testing.T) {
	for env, want := range map[string]bool{
		"development": true,
		" Test ":      true,
		"local":       true,
		"production":  false,
		"staging":     false,
		"":            false,
	} {
		if got := (&Config{Env: env}).IsDevelopment(); got != want {
			t.Errorf("IsDevelopment(%q) = %v, want %v", env, got, want)
		}
	}
	var nilCfg *Config
	if nilCfg.IsDevelopment() {
		t.Error("nil config must not count as development")
	}
}
