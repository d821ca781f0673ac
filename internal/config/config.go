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

type AudioConfig struct {
	Mode            string `yaml:"mode"` // mock, exec
	Command         string `yaml:"command"`
	Device          string `yaml:"device"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
	RingDurationMS  int    `yaml:"ring_duration_ms"`
}

type VADConfig struct {
	Threshold        float64 `yaml:"threshold"`
	OnsetFrames      int     `yaml:"onset_frames"`
	HangoverMS       int     `yaml:"hangover_ms"`
	PrefillMS        int     `yaml:"prefill_ms"`
	DynamicThreshold bool    `yaml:"dynamic_threshold"`
	NoiseFloorAlpha  float64 `yaml:"noise_floor_alpha"`
	NoiseFloorMargin float64 `yaml:"noise_floor_margin"`
	MaxThreshold     float64 `yaml:"max_threshold"`
	NoiseGateRMS     float64 `yaml:"noise_gate_rms"`
}

type DecoderConfig struct {
	Mode              string `yaml:"mode"` // mock, exec, whisper
	Command           string `yaml:"command"`
	ModelPath         string `yaml:"model_path"`
	Language          string `yaml:"language"`
	PartialIntervalMS int    `yaml:"partial_interval_ms"`
	ContextWindowMS   int    `yaml:"context_window_ms"`
	Concurrency       int    `yaml:"max_concurrency"`
}

type SessionConfig struct {
	MaxSegmentMS     int `yaml:"max_segment_ms"`
	DrainTimeoutMS   int `yaml:"drain_timeout_ms"`
	FeedBufferFrames int `yaml:"feed_buffer_frames"`
}

type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Audio       AudioConfig     `yaml:"audio"`
	VAD         VADConfig       `yaml:"vad"`
	Decoder     DecoderConfig   `yaml:"decoder"`
	Session     SessionConfig   `yaml:"session"`
	History     HistoryConfig   `yaml:"history"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-dictate",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9092",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Audio: AudioConfig{
			Mode:            "mock",
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 30,
			RingDurationMS:  2000,
		},
		VAD: VADConfig{
			Threshold:        0.5,
			OnsetFrames:      3,
			HangoverMS:       600,
			PrefillMS:        300,
			DynamicThreshold: true,
			NoiseFloorAlpha:  0.05,
			NoiseFloorMargin: 0.15,
			MaxThreshold:     0.9,
			NoiseGateRMS:     0.004,
		},
		Decoder: DecoderConfig{
			Mode:              "mock",
			Language:          "en",
			PartialIntervalMS: 500,
			ContextWindowMS:   30000,
			Concurrency:       2,
		},
		Session: SessionConfig{
			MaxSegmentMS:     30000,
			DrainTimeoutMS:   10000,
			FeedBufferFrames: 64,
		},
		History: HistoryConfig{
			Path:          "./data/dictate-history.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
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
	overrideString(&cfg.RuntimeName, "LOQA_DICTATE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_DICTATE_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_DICTATE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_DICTATE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_DICTATE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_DICTATE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_DICTATE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_DICTATE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_DICTATE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_DICTATE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_DICTATE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_DICTATE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_DICTATE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_DICTATE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_DICTATE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_DICTATE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Audio.Mode, "LOQA_DICTATE_AUDIO_MODE")
	overrideString(&cfg.Audio.Command, "LOQA_DICTATE_AUDIO_COMMAND")
	overrideString(&cfg.Audio.Device, "LOQA_DICTATE_AUDIO_DEVICE")
	overrideInt(&cfg.Audio.SampleRate, "LOQA_DICTATE_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "LOQA_DICTATE_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.FrameDurationMS, "LOQA_DICTATE_AUDIO_FRAME_DURATION_MS")
	overrideInt(&cfg.Audio.RingDurationMS, "LOQA_DICTATE_AUDIO_RING_DURATION_MS")
	overrideFloat(&cfg.VAD.Threshold, "LOQA_DICTATE_VAD_THRESHOLD")
	overrideInt(&cfg.VAD.OnsetFrames, "LOQA_DICTATE_VAD_ONSET_FRAMES")
	overrideInt(&cfg.VAD.HangoverMS, "LOQA_DICTATE_VAD_HANGOVER_MS")
	overrideInt(&cfg.VAD.PrefillMS, "LOQA_DICTATE_VAD_PREFILL_MS")
	overrideBool(&cfg.VAD.DynamicThreshold, "LOQA_DICTATE_VAD_DYNAMIC_THRESHOLD")
	overrideFloat(&cfg.VAD.NoiseFloorAlpha, "LOQA_DICTATE_VAD_NOISE_ALPHA")
	overrideFloat(&cfg.VAD.NoiseFloorMargin, "LOQA_DICTATE_VAD_NOISE_MARGIN")
	overrideFloat(&cfg.VAD.MaxThreshold, "LOQA_DICTATE_VAD_MAX_THRESHOLD")
	overrideFloat(&cfg.VAD.NoiseGateRMS, "LOQA_DICTATE_VAD_NOISE_GATE_RMS")
	overrideString(&cfg.Decoder.Mode, "LOQA_DICTATE_DECODER_MODE")
	overrideString(&cfg.Decoder.Command, "LOQA_DICTATE_DECODER_COMMAND")
	overrideString(&cfg.Decoder.ModelPath, "LOQA_DICTATE_DECODER_MODEL_PATH")
	overrideString(&cfg.Decoder.Language, "LOQA_DICTATE_DECODER_LANGUAGE")
	overrideInt(&cfg.Decoder.PartialIntervalMS, "LOQA_DICTATE_DECODER_PARTIAL_INTERVAL_MS")
	overrideInt(&cfg.Decoder.ContextWindowMS, "LOQA_DICTATE_DECODER_CONTEXT_WINDOW_MS")
	overrideInt(&cfg.Decoder.Concurrency, "LOQA_DICTATE_DECODER_MAX_CONCURRENCY")
	overrideInt(&cfg.Session.MaxSegmentMS, "LOQA_DICTATE_SESSION_MAX_SEGMENT_MS")
	overrideInt(&cfg.Session.DrainTimeoutMS, "LOQA_DICTATE_SESSION_DRAIN_TIMEOUT_MS")
	overrideInt(&cfg.Session.FeedBufferFrames, "LOQA_DICTATE_SESSION_FEED_BUFFER_FRAMES")
	overrideString(&cfg.History.Path, "LOQA_DICTATE_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "LOQA_DICTATE_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "LOQA_DICTATE_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxSessions, "LOQA_DICTATE_HISTORY_MAX_SESSIONS")
	overrideBool(&cfg.History.VacuumOnStart, "LOQA_DICTATE_HISTORY_VACUUM_ON_START")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
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
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Audio.Mode {
	case "mock", "exec":
	default:
		return errors.New("audio.mode must be one of mock|exec")
	}
	if cfg.Audio.Mode == "exec" && cfg.Audio.Command == "" {
		return errors.New("audio.command must be set when mode=exec")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if cfg.Audio.FrameDurationMS <= 0 {
		return errors.New("audio.frame_duration_ms must be positive")
	}
	if cfg.Audio.RingDurationMS < cfg.Audio.FrameDurationMS {
		return errors.New("audio.ring_duration_ms must cover at least one frame")
	}
	if cfg.VAD.Threshold < 0 || cfg.VAD.Threshold > 1 {
		return errors.New("vad.threshold must be between 0 and 1")
	}
	if cfg.VAD.OnsetFrames <= 0 {
		return errors.New("vad.onset_frames must be positive")
	}
	if cfg.VAD.HangoverMS < 0 {
		return errors.New("vad.hangover_ms must be >= 0")
	}
	if cfg.VAD.PrefillMS < 0 {
		return errors.New("vad.prefill_ms must be >= 0")
	}
	if cfg.VAD.MaxThreshold < cfg.VAD.Threshold {
		return errors.New("vad.max_threshold must be >= vad.threshold")
	}
	switch cfg.Decoder.Mode {
	case "mock", "exec", "whisper":
	default:
		return errors.New("decoder.mode must be one of mock|exec|whisper")
	}
	if cfg.Decoder.Mode == "exec" && cfg.Decoder.Command == "" {
		return errors.New("decoder.command must be set when mode=exec")
	}
	if cfg.Decoder.Mode == "whisper" && cfg.Decoder.ModelPath == "" {
		return errors.New("decoder.model_path must be set when mode=whisper")
	}
	if cfg.Decoder.PartialIntervalMS < 0 {
		return errors.New("decoder.partial_interval_ms must be >= 0")
	}
	if cfg.Decoder.Concurrency <= 0 {
		return errors.New("decoder.max_concurrency must be >= 1")
	}
	if cfg.Session.MaxSegmentMS <= 0 {
		return errors.New("session.max_segment_ms must be positive")
	}
	if cfg.Session.DrainTimeoutMS <= 0 {
		return errors.New("session.drain_timeout_ms must be positive")
	}
	if cfg.Session.FeedBufferFrames <= 0 {
		return errors.New("session.feed_buffer_frames must be >= 1")
	}
	if cfg.History.Path == "" {
		return errors.New("history.path must not be empty")
	}
	switch cfg.History.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("history.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	return nil
}
