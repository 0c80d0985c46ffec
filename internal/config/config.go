package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	// StdoutTraces enables the pretty printing trace exporter when no OTLP
	// endpoint is configured.
	StdoutTraces bool `yaml:"stdout_traces"`
	// ServiceVersion is reported as service.version; the daemon fills in its
	// build version when empty.
	ServiceVersion string `yaml:"service_version"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
	// MaxBodyBytes bounds uploaded transcripts and WAV clips.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
	STT         STTConfig         `yaml:"stt"`
	Conditioner ConditionerConfig `yaml:"conditioner"`
	Triage      TriageConfig      `yaml:"triage"`
}

type BusConfig struct {
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

type STTConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Mode       string `yaml:"mode"` // mock, exec
	Command    string `yaml:"command"`
	ModelPath  string `yaml:"model_path"`
	Language   string `yaml:"language"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	TimeoutMS  int    `yaml:"timeout_ms"`
	// MaxClipSeconds caps the audio buffered per session.
	MaxClipSeconds int `yaml:"max_clip_seconds"`
}

type ConditionerConfig struct {
	TargetSampleRate int     `yaml:"target_sample_rate"`
	NoiseReduction   bool    `yaml:"noise_reduction"`
	Normalize        bool    `yaml:"normalize"`
	HeadroomDB       float64 `yaml:"headroom_db"`
	HighPassHz       float64 `yaml:"high_pass_hz"`
	LowPassHz        float64 `yaml:"low_pass_hz"`
	FilterOrder      int     `yaml:"filter_order"`
	Alpha            float64 `yaml:"alpha"`
	Beta             float64 `yaml:"beta"`
}

type TriageConfig struct {
	Enabled      bool   `yaml:"enabled"`
	TaxonomyPath string `yaml:"taxonomy_path"`
	// Dispatch controls whether dispatch requests are published for verdicts.
	Dispatch bool `yaml:"dispatch"`
	// DispatchMinTier is the lowest tier that produces a dispatch request.
	DispatchMinTier string `yaml:"dispatch_min_tier"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-triage",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:         "0.0.0.0",
			Port:         8080,
			MaxBodyBytes: 16 << 20,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/triage-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		STT: STTConfig{
			Enabled:        false,
			Mode:           "mock",
			SampleRate:     16000,
			Channels:       1,
			TimeoutMS:      45000,
			MaxClipSeconds: 300,
		},
		Conditioner: ConditionerConfig{
			TargetSampleRate: 16000,
			NoiseReduction:   true,
			Normalize:        true,
			HeadroomDB:       0,
			HighPassHz:       80,
			LowPassHz:        8000,
			FilterOrder:      5,
			Alpha:            2.0,
			Beta:             0.01,
		},
		Triage: TriageConfig{
			Enabled:         true,
			Dispatch:        true,
			DispatchMinTier: "LOW",
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
	overrideString(&cfg.RuntimeName, "TRIAGE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "TRIAGE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "TRIAGE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "TRIAGE_HTTP_PORT")
	overrideInt64(&cfg.HTTP.MaxBodyBytes, "TRIAGE_HTTP_MAX_BODY_BYTES")
	overrideString(&cfg.Telemetry.LogLevel, "TRIAGE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "TRIAGE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "TRIAGE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "TRIAGE_TELEMETRY_STDOUT_TRACES")
	overrideString(&cfg.Telemetry.ServiceVersion, "TRIAGE_TELEMETRY_SERVICE_VERSION")
	overrideBool(&cfg.Bus.Embedded, "TRIAGE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "TRIAGE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "TRIAGE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "TRIAGE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "TRIAGE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "TRIAGE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "TRIAGE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "TRIAGE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "TRIAGE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "TRIAGE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "TRIAGE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "TRIAGE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "TRIAGE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "TRIAGE_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.STT.Enabled, "TRIAGE_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "TRIAGE_STT_MODE")
	overrideString(&cfg.STT.Command, "TRIAGE_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "TRIAGE_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "TRIAGE_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "TRIAGE_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "TRIAGE_STT_CHANNELS")
	overrideInt(&cfg.STT.TimeoutMS, "TRIAGE_STT_TIMEOUT_MS")
	overrideInt(&cfg.STT.MaxClipSeconds, "TRIAGE_STT_MAX_CLIP_SECONDS")
	overrideInt(&cfg.Conditioner.TargetSampleRate, "TRIAGE_CONDITIONER_TARGET_SAMPLE_RATE")
	overrideBool(&cfg.Conditioner.NoiseReduction, "TRIAGE_CONDITIONER_NOISE_REDUCTION")
	overrideBool(&cfg.Conditioner.Normalize, "TRIAGE_CONDITIONER_NORMALIZE")
	overrideFloat(&cfg.Conditioner.HeadroomDB, "TRIAGE_CONDITIONER_HEADROOM_DB")
	overrideFloat(&cfg.Conditioner.HighPassHz, "TRIAGE_CONDITIONER_HIGH_PASS_HZ")
	overrideFloat(&cfg.Conditioner.LowPassHz, "TRIAGE_CONDITIONER_LOW_PASS_HZ")
	overrideInt(&cfg.Conditioner.FilterOrder, "TRIAGE_CONDITIONER_FILTER_ORDER")
	overrideFloat(&cfg.Conditioner.Alpha, "TRIAGE_CONDITIONER_ALPHA")
	overrideFloat(&cfg.Conditioner.Beta, "TRIAGE_CONDITIONER_BETA")
	overrideBool(&cfg.Triage.Enabled, "TRIAGE_TRIAGE_ENABLED")
	overrideString(&cfg.Triage.TaxonomyPath, "TRIAGE_TRIAGE_TAXONOMY_PATH")
	overrideBool(&cfg.Triage.Dispatch, "TRIAGE_TRIAGE_DISPATCH")
	overrideString(&cfg.Triage.DispatchMinTier, "TRIAGE_TRIAGE_DISPATCH_MIN_TIER")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.MaxBodyBytes <= 0 {
		return errors.New("http.max_body_bytes must be positive")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.STT.Enabled {
		switch cfg.STT.Mode {
		case "mock", "exec":
		default:
			return errors.New("stt.mode must be one of mock|exec")
		}
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
		if cfg.STT.TimeoutMS <= 0 {
			return errors.New("stt.timeout_ms must be positive")
		}
		if cfg.STT.MaxClipSeconds <= 0 {
			return errors.New("stt.max_clip_seconds must be positive")
		}
	}
	if err := validateConditioner(cfg.Conditioner); err != nil {
		return err
	}
	switch strings.ToUpper(cfg.Triage.DispatchMinTier) {
	case "HIGH", "MEDIUM", "LOW":
	default:
		return errors.New("triage.dispatch_min_tier must be one of HIGH|MEDIUM|LOW")
	}
	return nil
}

func validateConditioner(c ConditionerConfig) error {
	if c.TargetSampleRate <= 0 {
		return errors.New("conditioner.target_sample_rate must be positive")
	}
	if c.HeadroomDB < 0 {
		return errors.New("conditioner.headroom_db must be >= 0")
	}
	if c.FilterOrder < 1 || c.FilterOrder > 8 {
		return errors.New("conditioner.filter_order must be between 1 and 8")
	}
	if c.HighPassHz <= 0 || c.LowPassHz <= c.HighPassHz {
		return errors.New("conditioner cutoffs must satisfy 0 < high_pass_hz < low_pass_hz")
	}
	if c.Alpha <= 0 {
		return errors.New("conditioner.alpha must be positive")
	}
	if c.Beta < 0 || c.Beta >= 1 {
		return errors.New("conditioner.beta must be in [0, 1)")
	}
	return nil
}
