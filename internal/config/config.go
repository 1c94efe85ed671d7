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
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Capture     CaptureConfig    `yaml:"capture"`
	Recognizer  RecognizerConfig `yaml:"recognizer"`
	Session     SessionConfig    `yaml:"session"`
	EventStore  EventStoreConfig `yaml:"event_store"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type CaptureConfig struct {
	Backend           string  `yaml:"backend"` // portaudio, mock
	BlockDurationMS   int     `yaml:"block_duration_ms"`
	ChannelCapacity   int     `yaml:"channel_capacity"`
	MeterIntervalMS   int     `yaml:"meter_interval_ms"`
	VoiceRMSThreshold float64 `yaml:"voice_rms_threshold"`
	RouteDebounceMS   int     `yaml:"route_debounce_ms"`
	RoutePollMS       int     `yaml:"route_poll_ms"`
	FlushIntervalMS   int     `yaml:"flush_interval_ms"`
	FlushStableReads  int     `yaml:"flush_stable_reads"`
	FlushMaxAttempts  int     `yaml:"flush_max_attempts"`
}

type RecognizerConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Mode           string `yaml:"mode"` // mock, exec
	Command        string `yaml:"command"`
	ModelPath      string `yaml:"model_path"`
	Language       string `yaml:"language"`
	SampleRate     int    `yaml:"sample_rate"`
	Channels       int    `yaml:"channels"`
	PartialEveryMS int    `yaml:"partial_every_ms"`
	EmitPartials   bool   `yaml:"emit_partials"`
}

type SessionConfig struct {
	RecordingsDir string `yaml:"recordings_dir"`
	StopTimeoutMS int    `yaml:"stop_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRecordings int    `yaml:"max_recordings"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "quill-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Capture: CaptureConfig{
			Backend:           "portaudio",
			BlockDurationMS:   20,
			ChannelCapacity:   64,
			MeterIntervalMS:   33,
			VoiceRMSThreshold: 0.12,
			RouteDebounceMS:   180,
			RoutePollMS:       500,
			FlushIntervalMS:   50,
			FlushStableReads:  3,
			FlushMaxAttempts:  20,
		},
		Recognizer: RecognizerConfig{
			Enabled:        true,
			Mode:           "mock",
			SampleRate:     16000,
			Channels:       1,
			PartialEveryMS: 800,
			EmitPartials:   true,
		},
		Session: SessionConfig{
			RecordingsDir: "./data/recordings",
			StopTimeoutMS: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/quill-recordings.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxRecordings: 10000,
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
	overrideString(&cfg.RuntimeName, "QUILL_RUNTIME_NAME")
	overrideString(&cfg.Environment, "QUILL_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "QUILL_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "QUILL_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "QUILL_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "QUILL_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "QUILL_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "QUILL_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "QUILL_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "QUILL_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "QUILL_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "QUILL_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "QUILL_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "QUILL_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "QUILL_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "QUILL_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Capture.Backend, "QUILL_CAPTURE_BACKEND")
	overrideInt(&cfg.Capture.BlockDurationMS, "QUILL_CAPTURE_BLOCK_DURATION_MS")
	overrideInt(&cfg.Capture.ChannelCapacity, "QUILL_CAPTURE_CHANNEL_CAPACITY")
	overrideInt(&cfg.Capture.MeterIntervalMS, "QUILL_CAPTURE_METER_INTERVAL_MS")
	overrideFloat(&cfg.Capture.VoiceRMSThreshold, "QUILL_CAPTURE_VOICE_RMS_THRESHOLD")
	overrideInt(&cfg.Capture.RouteDebounceMS, "QUILL_CAPTURE_ROUTE_DEBOUNCE_MS")
	overrideInt(&cfg.Capture.RoutePollMS, "QUILL_CAPTURE_ROUTE_POLL_MS")
	overrideInt(&cfg.Capture.FlushIntervalMS, "QUILL_CAPTURE_FLUSH_INTERVAL_MS")
	overrideInt(&cfg.Capture.FlushStableReads, "QUILL_CAPTURE_FLUSH_STABLE_READS")
	overrideInt(&cfg.Capture.FlushMaxAttempts, "QUILL_CAPTURE_FLUSH_MAX_ATTEMPTS")
	overrideBool(&cfg.Recognizer.Enabled, "QUILL_RECOGNIZER_ENABLED")
	overrideString(&cfg.Recognizer.Mode, "QUILL_RECOGNIZER_MODE")
	overrideString(&cfg.Recognizer.Command, "QUILL_RECOGNIZER_COMMAND")
	overrideString(&cfg.Recognizer.ModelPath, "QUILL_RECOGNIZER_MODEL_PATH")
	overrideString(&cfg.Recognizer.Language, "QUILL_RECOGNIZER_LANGUAGE")
	overrideInt(&cfg.Recognizer.SampleRate, "QUILL_RECOGNIZER_SAMPLE_RATE")
	overrideInt(&cfg.Recognizer.Channels, "QUILL_RECOGNIZER_CHANNELS")
	overrideInt(&cfg.Recognizer.PartialEveryMS, "QUILL_RECOGNIZER_PARTIAL_EVERY_MS")
	overrideBool(&cfg.Recognizer.EmitPartials, "QUILL_RECOGNIZER_EMIT_PARTIALS")
	overrideString(&cfg.Session.RecordingsDir, "QUILL_SESSION_RECORDINGS_DIR")
	overrideInt(&cfg.Session.StopTimeoutMS, "QUILL_SESSION_STOP_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "QUILL_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "QUILL_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "QUILL_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxRecordings, "QUILL_EVENT_STORE_MAX_RECORDINGS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "QUILL_EVENT_STORE_VACUUM_ON_START")
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.Capture.Backend {
	case "portaudio", "mock":
		// ok
	default:
		return errors.New("capture.backend must be one of portaudio|mock")
	}
	if cfg.Capture.BlockDurationMS <= 0 {
		return errors.New("capture.block_duration_ms must be positive")
	}
	if cfg.Capture.ChannelCapacity <= 0 {
		return errors.New("capture.channel_capacity must be positive")
	}
	if cfg.Capture.VoiceRMSThreshold < 0 || cfg.Capture.VoiceRMSThreshold > 1 {
		return errors.New("capture.voice_rms_threshold must be in [0,1]")
	}
	if cfg.Capture.RouteDebounceMS < 0 {
		return errors.New("capture.route_debounce_ms must be >= 0")
	}
	if cfg.Capture.FlushStableReads <= 0 {
		return errors.New("capture.flush_stable_reads must be positive")
	}
	if cfg.Capture.FlushMaxAttempts < cfg.Capture.FlushStableReads {
		return errors.New("capture.flush_max_attempts must be >= flush_stable_reads")
	}
	if cfg.Recognizer.Enabled {
		switch cfg.Recognizer.Mode {
		case "mock", "exec":
		default:
			return errors.New("recognizer.mode must be one of mock|exec")
		}
		if cfg.Recognizer.Mode == "exec" && cfg.Recognizer.Command == "" {
			return errors.New("recognizer.command must be set when mode=exec")
		}
		if cfg.Recognizer.SampleRate <= 0 {
			return errors.New("recognizer.sample_rate must be positive")
		}
		if cfg.Recognizer.Channels <= 0 {
			return errors.New("recognizer.channels must be positive")
		}
	}
	if cfg.Session.RecordingsDir == "" {
		return errors.New("session.recordings_dir must not be empty")
	}
	if cfg.Session.StopTimeoutMS <= 0 {
		return errors.New("session.stop_timeout_ms must be positive")
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
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	return nil
}
