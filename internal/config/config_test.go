package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Audio.ChunkSize != 1024 {
		t.Fatalf("expected default chunk size 1024, got %d", cfg.Audio.ChunkSize)
	}
	if cfg.Audio.RecognitionSampleRate != 16000 {
		t.Fatalf("expected default recognition rate 16000, got %d", cfg.Audio.RecognitionSampleRate)
	}
	if cfg.Audio.MaxDuration() != 15*time.Second {
		t.Fatalf("expected default max duration 15s, got %v", cfg.Audio.MaxDuration())
	}
	if cfg.Gateway.HTTP.Addr() != "0.0.0.0:8000" {
		t.Fatalf("unexpected gateway addr %s", cfg.Gateway.HTTP.Addr())
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RELAY_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("RELAY_BUS_TLS_INSECURE", "true")
	t.Setenv("RELAY_AUDIO_CHUNK_SIZE", "2048")
	t.Setenv("RELAY_AUDIO_RESAMPLER", "hq")
	t.Setenv("RELAY_TTS_MAX_CONCURRENCY", "5")
	t.Setenv("RELAY_STT_MAX_BODY_BYTES", "1048576")
	t.Setenv("RELAY_GATEWAY_TTS_URL", "http://tts.internal:8082")
	t.Setenv("RELAY_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("RELAY_EVENT_STORE_PATH", "./tmp.db")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Audio.ChunkSize != 2048 {
		t.Fatalf("expected chunk size override, got %d", cfg.Audio.ChunkSize)
	}
	if cfg.Audio.Resampler != "hq" {
		t.Fatalf("expected resampler override, got %s", cfg.Audio.Resampler)
	}
	if cfg.TTS.Limits.MaxConcurrency != 5 {
		t.Fatalf("expected tts concurrency override, got %d", cfg.TTS.Limits.MaxConcurrency)
	}
	if cfg.STT.MaxBodyBytes != 1<<20 {
		t.Fatalf("expected stt body limit override, got %d", cfg.STT.MaxBodyBytes)
	}
	if cfg.Gateway.TTSURL != "http://tts.internal:8082" {
		t.Fatalf("expected gateway tts url override")
	}
	if cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store override")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	data := []byte(`
runtime_name: relay-test
audio:
  chunk_size: 512
  max_duration_ms: 5000
tts:
  enabled: true
  mode: exec
  command: "synth --voice alto"
gateway:
  enabled: false
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "relay-test" {
		t.Fatalf("expected runtime name from file, got %s", cfg.RuntimeName)
	}
	if cfg.Audio.ChunkSize != 512 || cfg.Audio.MaxDuration() != 5*time.Second {
		t.Fatalf("expected audio section from file, got %+v", cfg.Audio)
	}
	if cfg.Audio.RecognitionSampleRate != 16000 {
		t.Fatalf("expected untouched defaults to survive, got %d", cfg.Audio.RecognitionSampleRate)
	}
	if cfg.TTS.Command != "synth --voice alto" {
		t.Fatalf("unexpected tts command %q", cfg.TTS.Command)
	}
	if cfg.Gateway.Enabled {
		t.Fatal("expected gateway disabled")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"odd chunk size", func(c *Config) { c.Audio.ChunkSize = 1023 }},
		{"unknown resampler", func(c *Config) { c.Audio.Resampler = "cubic" }},
		{"exec without command", func(c *Config) { c.STT.Mode = "exec" }},
		{"zero concurrency", func(c *Config) { c.Gateway.ASRLimits.MaxConcurrency = 0 }},
		{"nothing enabled", func(c *Config) {
			c.TTS.Enabled = false
			c.STT.Enabled = false
			c.Gateway.Enabled = false
		}},
		{"bad retention mode", func(c *Config) { c.EventStore.RetentionMode = "forever" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
