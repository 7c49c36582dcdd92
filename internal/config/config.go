package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

// Addr returns the listen address for the listener.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Bind, h.Port)
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Audio       AudioConfig      `yaml:"audio"`
	TTS         TTSConfig        `yaml:"tts"`
	STT         STTConfig        `yaml:"stt"`
	Gateway     GatewayConfig    `yaml:"gateway"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// AudioConfig holds the PCM contract shared by every component.
type AudioConfig struct {
	ChunkSize             int    `yaml:"chunk_size"`
	SynthesisSampleRate   int    `yaml:"synthesis_sample_rate"`
	RecognitionSampleRate int    `yaml:"recognition_sample_rate"`
	MaxDurationMS         int    `yaml:"max_duration_ms"`
	Resampler             string `yaml:"resampler"`
	MinSampleRate         int    `yaml:"min_sample_rate"`
	MaxSampleRate         int    `yaml:"max_sample_rate"`
	MaxChannels           int    `yaml:"max_channels"`
}

// MaxDuration is the recognition ceiling on input audio.
func (a AudioConfig) MaxDuration() time.Duration {
	return time.Duration(a.MaxDurationMS) * time.Millisecond
}

// LimitsConfig bounds concurrent calls into a shared engine or upstream.
type LimitsConfig struct {
	MaxConcurrency int `yaml:"max_concurrency"`
	QueueSize      int `yaml:"queue_size"`
	TimeoutMS      int `yaml:"timeout_ms"`
}

func (l LimitsConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutMS) * time.Millisecond
}

type TTSConfig struct {
	Enabled       bool         `yaml:"enabled"`
	HTTP          HTTPConfig   `yaml:"http"`
	Mode          string       `yaml:"mode"`
	Command       string       `yaml:"command"`
	Voice         string       `yaml:"voice"`
	Language      string       `yaml:"language"`
	MaxTextLength int          `yaml:"max_text_length"`
	Limits        LimitsConfig `yaml:"limits"`
}

type STTConfig struct {
	Enabled      bool         `yaml:"enabled"`
	HTTP         HTTPConfig   `yaml:"http"`
	Mode         string       `yaml:"mode"`
	Command      string       `yaml:"command"`
	ModelPath    string       `yaml:"model_path"`
	Language     string       `yaml:"language"`
	MaxBodyBytes int64        `yaml:"max_body_bytes"`
	Limits       LimitsConfig `yaml:"limits"`
}

type GatewayConfig struct {
	Enabled          bool         `yaml:"enabled"`
	HTTP             HTTPConfig   `yaml:"http"`
	TTSURL           string       `yaml:"tts_url"`
	ASRURL           string       `yaml:"asr_url"`
	Language         string       `yaml:"language"`
	MaxBodyBytes     int64        `yaml:"max_body_bytes"`
	HealthIntervalMS int          `yaml:"health_interval_ms"`
	HealthTimeoutMS  int          `yaml:"health_timeout_ms"`
	TTSLimits        LimitsConfig `yaml:"tts_limits"`
	ASRLimits        LimitsConfig `yaml:"asr_limits"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-relay",
		Environment: "development",
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			LogFormat:      "json",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/relay-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 7,
			MaxSessions:   10000,
		},
		Audio: AudioConfig{
			ChunkSize:             1024,
			SynthesisSampleRate:   22050,
			RecognitionSampleRate: 16000,
			MaxDurationMS:         15000,
			Resampler:             "linear",
			MinSampleRate:         8000,
			MaxSampleRate:         48000,
			MaxChannels:           2,
		},
		TTS: TTSConfig{
			Enabled:       true,
			HTTP:          HTTPConfig{Bind: "0.0.0.0", Port: 8082},
			Mode:          "mock",
			Voice:         "default",
			Language:      "en",
			MaxTextLength: 1000,
			Limits:        LimitsConfig{MaxConcurrency: 2, QueueSize: 8, TimeoutMS: 30000},
		},
		STT: STTConfig{
			Enabled:      true,
			HTTP:         HTTPConfig{Bind: "0.0.0.0", Port: 8081},
			Mode:         "mock",
			Language:     "en",
			MaxBodyBytes: 8 << 20,
			Limits:       LimitsConfig{MaxConcurrency: 2, QueueSize: 8, TimeoutMS: 30000},
		},
		Gateway: GatewayConfig{
			Enabled:          true,
			HTTP:             HTTPConfig{Bind: "0.0.0.0", Port: 8000},
			TTSURL:           "http://localhost:8082",
			ASRURL:           "http://localhost:8081",
			Language:         "en",
			MaxBodyBytes:     8 << 20,
			HealthIntervalMS: 5000,
			HealthTimeoutMS:  2000,
			TTSLimits:        LimitsConfig{MaxConcurrency: 16, QueueSize: 32, TimeoutMS: 60000},
			ASRLimits:        LimitsConfig{MaxConcurrency: 8, QueueSize: 16, TimeoutMS: 30000},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "RELAY_RUNTIME_NAME")
	overrideString(&cfg.Environment, "RELAY_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.Telemetry.LogLevel, "RELAY_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "RELAY_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "RELAY_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "RELAY_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "RELAY_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "RELAY_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "RELAY_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "RELAY_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "RELAY_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "RELAY_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "RELAY_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "RELAY_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "RELAY_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "RELAY_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "RELAY_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "RELAY_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "RELAY_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "RELAY_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "RELAY_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "RELAY_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Audio.ChunkSize, "RELAY_AUDIO_CHUNK_SIZE")
	overrideInt(&cfg.Audio.SynthesisSampleRate, "RELAY_AUDIO_SYNTHESIS_SAMPLE_RATE")
	overrideInt(&cfg.Audio.RecognitionSampleRate, "RELAY_AUDIO_RECOGNITION_SAMPLE_RATE")
	overrideInt(&cfg.Audio.MaxDurationMS, "RELAY_AUDIO_MAX_DURATION_MS")
	overrideString(&cfg.Audio.Resampler, "RELAY_AUDIO_RESAMPLER")
	overrideInt(&cfg.Audio.MaxChannels, "RELAY_AUDIO_MAX_CHANNELS")
	overrideBool(&cfg.TTS.Enabled, "RELAY_TTS_ENABLED")
	overrideString(&cfg.TTS.HTTP.Bind, "RELAY_TTS_BIND")
	overrideInt(&cfg.TTS.HTTP.Port, "RELAY_TTS_PORT")
	overrideString(&cfg.TTS.Mode, "RELAY_TTS_MODE")
	overrideString(&cfg.TTS.Command, "RELAY_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "RELAY_TTS_VOICE")
	overrideString(&cfg.TTS.Language, "RELAY_TTS_LANGUAGE")
	overrideInt(&cfg.TTS.MaxTextLength, "RELAY_TTS_MAX_TEXT_LENGTH")
	overrideInt(&cfg.TTS.Limits.MaxConcurrency, "RELAY_TTS_MAX_CONCURRENCY")
	overrideInt(&cfg.TTS.Limits.QueueSize, "RELAY_TTS_QUEUE_SIZE")
	overrideInt(&cfg.TTS.Limits.TimeoutMS, "RELAY_TTS_TIMEOUT_MS")
	overrideBool(&cfg.STT.Enabled, "RELAY_STT_ENABLED")
	overrideString(&cfg.STT.HTTP.Bind, "RELAY_STT_BIND")
	overrideInt(&cfg.STT.HTTP.Port, "RELAY_STT_PORT")
	overrideString(&cfg.STT.Mode, "RELAY_STT_MODE")
	overrideString(&cfg.STT.Command, "RELAY_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "RELAY_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "RELAY_STT_LANGUAGE")
	overrideInt64(&cfg.STT.MaxBodyBytes, "RELAY_STT_MAX_BODY_BYTES")
	overrideInt(&cfg.STT.Limits.MaxConcurrency, "RELAY_STT_MAX_CONCURRENCY")
	overrideInt(&cfg.STT.Limits.QueueSize, "RELAY_STT_QUEUE_SIZE")
	overrideInt(&cfg.STT.Limits.TimeoutMS, "RELAY_STT_TIMEOUT_MS")
	overrideBool(&cfg.Gateway.Enabled, "RELAY_GATEWAY_ENABLED")
	overrideString(&cfg.Gateway.HTTP.Bind, "RELAY_GATEWAY_BIND")
	overrideInt(&cfg.Gateway.HTTP.Port, "RELAY_GATEWAY_PORT")
	overrideString(&cfg.Gateway.TTSURL, "RELAY_GATEWAY_TTS_URL")
	overrideString(&cfg.Gateway.ASRURL, "RELAY_GATEWAY_ASR_URL")
	overrideString(&cfg.Gateway.Language, "RELAY_GATEWAY_LANGUAGE")
	overrideInt64(&cfg.Gateway.MaxBodyBytes, "RELAY_GATEWAY_MAX_BODY_BYTES")
	overrideInt(&cfg.Gateway.HealthIntervalMS, "RELAY_GATEWAY_HEALTH_INTERVAL_MS")
	overrideInt(&cfg.Gateway.HealthTimeoutMS, "RELAY_GATEWAY_HEALTH_TIMEOUT_MS")
	overrideInt(&cfg.Gateway.TTSLimits.MaxConcurrency, "RELAY_GATEWAY_TTS_MAX_CONCURRENCY")
	overrideInt(&cfg.Gateway.TTSLimits.QueueSize, "RELAY_GATEWAY_TTS_QUEUE_SIZE")
	overrideInt(&cfg.Gateway.TTSLimits.TimeoutMS, "RELAY_GATEWAY_TTS_TIMEOUT_MS")
	overrideInt(&cfg.Gateway.ASRLimits.MaxConcurrency, "RELAY_GATEWAY_ASR_MAX_CONCURRENCY")
	overrideInt(&cfg.Gateway.ASRLimits.QueueSize, "RELAY_GATEWAY_ASR_QUEUE_SIZE")
	overrideInt(&cfg.Gateway.ASRLimits.TimeoutMS, "RELAY_GATEWAY_ASR_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Telemetry.LogFormat {
	case "json", "text":
	default:
		return errors.New("telemetry.log_format must be one of json|text")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if err := validateAudio(cfg.Audio); err != nil {
		return err
	}
	if !cfg.TTS.Enabled && !cfg.STT.Enabled && !cfg.Gateway.Enabled {
		return errors.New("at least one of tts, stt or gateway must be enabled")
	}
	if cfg.TTS.Enabled {
		if err := validatePort("tts.http.port", cfg.TTS.HTTP.Port); err != nil {
			return err
		}
		switch cfg.TTS.Mode {
		case "mock", "exec":
		default:
			return errors.New("tts.mode must be one of mock|exec")
		}
		if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		if cfg.TTS.MaxTextLength <= 0 {
			return errors.New("tts.max_text_length must be positive")
		}
		if err := validateLimits("tts.limits", cfg.TTS.Limits); err != nil {
			return err
		}
	}
	if cfg.STT.Enabled {
		if err := validatePort("stt.http.port", cfg.STT.HTTP.Port); err != nil {
			return err
		}
		switch cfg.STT.Mode {
		case "mock", "exec":
		default:
			return errors.New("stt.mode must be one of mock|exec")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
		if cfg.STT.MaxBodyBytes <= 0 {
			return errors.New("stt.max_body_bytes must be positive")
		}
		if err := validateLimits("stt.limits", cfg.STT.Limits); err != nil {
			return err
		}
	}
	if cfg.Gateway.Enabled {
		if err := validatePort("gateway.http.port", cfg.Gateway.HTTP.Port); err != nil {
			return err
		}
		if cfg.Gateway.TTSURL == "" || cfg.Gateway.ASRURL == "" {
			return errors.New("gateway.tts_url and gateway.asr_url must be set")
		}
		if cfg.Gateway.MaxBodyBytes <= 0 {
			return errors.New("gateway.max_body_bytes must be positive")
		}
		if cfg.Gateway.HealthTimeoutMS <= 0 {
			return errors.New("gateway.health_timeout_ms must be positive")
		}
		if err := validateLimits("gateway.tts_limits", cfg.Gateway.TTSLimits); err != nil {
			return err
		}
		if err := validateLimits("gateway.asr_limits", cfg.Gateway.ASRLimits); err != nil {
			return err
		}
	}
	return nil
}

func validateAudio(a AudioConfig) error {
	if a.ChunkSize <= 0 || a.ChunkSize%2 != 0 {
		return errors.New("audio.chunk_size must be a positive multiple of 2")
	}
	if a.SynthesisSampleRate <= 0 {
		return errors.New("audio.synthesis_sample_rate must be positive")
	}
	if a.RecognitionSampleRate <= 0 {
		return errors.New("audio.recognition_sample_rate must be positive")
	}
	if a.MaxDurationMS <= 0 {
		return errors.New("audio.max_duration_ms must be positive")
	}
	switch a.Resampler {
	case "linear", "hq":
	default:
		return errors.New("audio.resampler must be one of linear|hq")
	}
	if a.MinSampleRate <= 0 || a.MaxSampleRate < a.MinSampleRate {
		return errors.New("audio.min_sample_rate/max_sample_rate must form a positive range")
	}
	if a.MaxChannels <= 0 {
		return errors.New("audio.max_channels must be positive")
	}
	return nil
}

func validateLimits(name string, l LimitsConfig) error {
	if l.MaxConcurrency <= 0 {
		return fmt.Errorf("%s.max_concurrency must be >= 1", name)
	}
	if l.QueueSize < 0 {
		return fmt.Errorf("%s.queue_size must be >= 0", name)
	}
	if l.TimeoutMS <= 0 {
		return fmt.Errorf("%s.timeout_ms must be positive", name)
	}
	return nil
}

func validatePort(name string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535", name)
	}
	return nil
}
