package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("unexpected listen addr: %q", cfg.ListenAddr)
	}
	if cfg.PredictorBackend != BackendHTTP {
		t.Fatalf("unexpected backend: %q", cfg.PredictorBackend)
	}
	if cfg.BatchConcurrency != 1 {
		t.Fatalf("expected sequential batches by default, got %d", cfg.BatchConcurrency)
	}
	if cfg.PredictTimeout != 10*time.Second {
		t.Fatalf("unexpected predict timeout: %v", cfg.PredictTimeout)
	}
	if len(cfg.CORSAllowedOrigins) != 1 || cfg.CORSAllowedOrigins[0] != "*" {
		t.Fatalf("unexpected CORS origins: %v", cfg.CORSAllowedOrigins)
	}
}

func TestLoadNormalizesValues(t *testing.T) {
	t.Setenv("PREDICTOR_BACKEND", " GRPC ")
	t.Setenv("PREDICTOR_URL", "http://model:9000/")
	t.Setenv("PREDICTOR_PATH", "predict")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("CORS_ALLOWED_ORIGINS", "http://a.test, ,http://b.test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.PredictorBackend != BackendGRPC {
		t.Fatalf("unexpected backend: %q", cfg.PredictorBackend)
	}
	if cfg.PredictorURL != "http://model:9000" {
		t.Fatalf("unexpected url: %q", cfg.PredictorURL)
	}
	if cfg.PredictorPath != "/predict" {
		t.Fatalf("unexpected path: %q", cfg.PredictorPath)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("unexpected log level: %q", cfg.LogLevel)
	}
	if strings.Join(cfg.CORSAllowedOrigins, "|") != "http://a.test|http://b.test" {
		t.Fatalf("unexpected CORS origins: %v", cfg.CORSAllowedOrigins)
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("PREDICTOR_BACKEND", "tensorflow")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "PREDICTOR_BACKEND") {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestValidateRejectsNonPositiveConcurrency(t *testing.T) {
	t.Setenv("BATCH_CONCURRENCY", "0")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "BATCH_CONCURRENCY") {
		t.Fatalf("expected concurrency error, got %v", err)
	}
}
