// Package config loads the service configuration from YAML with VOICED_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chriscow/voice-session-go/pkg/agent"
	"github.com/chriscow/voice-session-go/pkg/plugin"
)

type HTTPConfig struct {
	Bind           string   `yaml:"bind"`
	Port           int      `yaml:"port"`
	PingIntervalMS int      `yaml:"ping_interval_ms"`
	WriteTimeoutMS int      `yaml:"write_timeout_ms"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type TelemetryConfig struct {
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"` // json, console
	TraceExporter string `yaml:"trace_exporter"`
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	OTLPInsecure  bool   `yaml:"otlp_insecure"`
}

type EventStoreConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Servers        []string `yaml:"servers"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// ProviderConfig selects a registered plugin and passes it options.
type ProviderConfig struct {
	Provider string         `yaml:"provider"`
	Options  map[string]any `yaml:"options"`
}

// Selection converts the config into a registry selection.
func (p ProviderConfig) Selection() plugin.Selection {
	return plugin.Selection{Name: p.Provider, Options: p.Options}
}

type SessionConfig struct {
	SampleRate          int     `yaml:"sample_rate"`
	Channels            int     `yaml:"channels"`
	Encoding            string  `yaml:"encoding"`
	Language            string  `yaml:"language"`
	MaxFrameBytes       int     `yaml:"max_frame_bytes"`
	IngressQueueSize    int     `yaml:"ingress_queue_size"`
	Backpressure        string  `yaml:"backpressure"`
	IngressTimeoutMS    int     `yaml:"ingress_timeout_ms"`
	RecognitionRetries  int     `yaml:"recognition_retries"`
	MaxReplayFrames     int     `yaml:"max_replay_frames"`
	SystemPrompt        string  `yaml:"system_prompt"`
	MaxTokens           int     `yaml:"max_tokens"`
	Temperature         float64 `yaml:"temperature"`
	GenerationTimeoutMS int     `yaml:"generation_timeout_ms"`
	GenerationRetries   int     `yaml:"generation_retries"`
	Voice               string  `yaml:"voice"`
	ChunkTimeoutMS      int     `yaml:"synthesis_chunk_timeout_ms"`
	SynthesisRetries    int     `yaml:"synthesis_retries"`
	EgressTimeoutMS     int     `yaml:"egress_timeout_ms"`
	HistoryTurns        int     `yaml:"history_turns"`
	MaxQueuedTurns      int     `yaml:"max_queued_turns"`
	TurnPolicy          string  `yaml:"turn_policy"`
	SpeakApology        bool    `yaml:"speak_apology"`
	ApologyText         string  `yaml:"apology_text"`
	GracePeriodMS       int     `yaml:"grace_period_ms"`
}

type Config struct {
	ServiceName string           `yaml:"service_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Bus         BusConfig        `yaml:"bus"`
	STT         ProviderConfig   `yaml:"stt"`
	LLM         ProviderConfig   `yaml:"llm"`
	TTS         ProviderConfig   `yaml:"tts"`
	Session     SessionConfig    `yaml:"session"`
}

func Default() Config {
	opts := agent.DefaultOptions()
	return Config{
		ServiceName: "voiced",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:           "0.0.0.0",
			Port:           8080,
			PingIntervalMS: 30000,
			WriteTimeoutMS: 10000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:      "info",
			LogFormat:     "json",
			TraceExporter: "none",
			OTLPInsecure:  true,
		},
		EventStore: EventStoreConfig{
			Enabled:       false,
			Path:          "./data/voiced-events.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
		},
		Bus: BusConfig{
			Enabled:        false,
			Servers:        []string{"nats://localhost:4222"},
			SubjectPrefix:  "voiced.session",
			ConnectTimeout: 2000,
		},
		STT: ProviderConfig{Provider: "fake"},
		LLM: ProviderConfig{Provider: "fake"},
		TTS: ProviderConfig{Provider: "fake"},
		Session: SessionConfig{
			SampleRate:          opts.SampleRate,
			Channels:            opts.NumChannels,
			Encoding:            opts.Encoding,
			Language:            opts.Language,
			MaxFrameBytes:       opts.MaxFrameBytes,
			IngressQueueSize:    opts.IngressQueueSize,
			Backpressure:        string(opts.Backpressure),
			IngressTimeoutMS:    ms(opts.IngressTimeout),
			RecognitionRetries:  opts.RecognitionRetry.MaxRetries,
			MaxReplayFrames:     opts.MaxReplayFrames,
			SystemPrompt:        opts.SystemPrompt,
			MaxTokens:           opts.MaxTokens,
			Temperature:         float64(opts.Temperature),
			GenerationTimeoutMS: ms(opts.GenerationTimeout),
			GenerationRetries:   opts.GenerationRetry.MaxRetries,
			ChunkTimeoutMS:      ms(opts.SynthesisChunkTimeout),
			SynthesisRetries:    opts.SynthesisRetry.MaxRetries,
			EgressTimeoutMS:     ms(opts.EgressTimeout),
			HistoryTurns:        opts.HistoryTurns,
			MaxQueuedTurns:      opts.MaxQueuedTurns,
			TurnPolicy:          string(opts.TurnPolicy),
			ApologyText:         opts.ApologyText,
			GracePeriodMS:       ms(opts.GracePeriod),
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

// Addr is the HTTP listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Bind, c.HTTP.Port)
}

// SessionOptions maps the session section onto agent options. Retry budgets
// keep the default backoff curve.
func (c Config) SessionOptions() agent.Options {
	s := c.Session
	opts := agent.DefaultOptions()

	opts.SampleRate = s.SampleRate
	opts.NumChannels = s.Channels
	opts.Encoding = s.Encoding
	opts.Language = s.Language
	opts.MaxFrameBytes = s.MaxFrameBytes
	opts.IngressQueueSize = s.IngressQueueSize
	opts.Backpressure = agent.BackpressurePolicy(s.Backpressure)
	opts.IngressTimeout = duration(s.IngressTimeoutMS)
	opts.RecognitionRetry.MaxRetries = s.RecognitionRetries
	opts.MaxReplayFrames = s.MaxReplayFrames
	opts.SystemPrompt = s.SystemPrompt
	opts.MaxTokens = s.MaxTokens
	opts.Temperature = float32(s.Temperature)
	opts.GenerationTimeout = duration(s.GenerationTimeoutMS)
	opts.GenerationRetry.MaxRetries = s.GenerationRetries
	opts.Voice = s.Voice
	opts.SynthesisChunkTimeout = duration(s.ChunkTimeoutMS)
	opts.SynthesisRetry.MaxRetries = s.SynthesisRetries
	opts.EgressTimeout = duration(s.EgressTimeoutMS)
	opts.HistoryTurns = s.HistoryTurns
	opts.MaxQueuedTurns = s.MaxQueuedTurns
	opts.TurnPolicy = agent.TurnPolicy(s.TurnPolicy)
	opts.SpeakApology = s.SpeakApology
	opts.ApologyText = s.ApologyText
	opts.GracePeriod = duration(s.GracePeriodMS)
	return opts
}

func ms(d time.Duration) int { return int(d / time.Millisecond) }

func duration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ServiceName, "VOICED_SERVICE_NAME")
	overrideString(&cfg.Environment, "VOICED_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOICED_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOICED_HTTP_PORT")
	overrideInt(&cfg.HTTP.PingIntervalMS, "VOICED_HTTP_PING_INTERVAL_MS")
	overrideInt(&cfg.HTTP.WriteTimeoutMS, "VOICED_HTTP_WRITE_TIMEOUT_MS")
	overrideStringSlice(&cfg.HTTP.AllowedOrigins, "VOICED_HTTP_ALLOWED_ORIGINS")
	overrideString(&cfg.Telemetry.LogLevel, "VOICED_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "VOICED_LOG_FORMAT")
	overrideString(&cfg.Telemetry.TraceExporter, "VOICED_TELEMETRY_TRACE_EXPORTER")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOICED_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOICED_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.EventStore.Enabled, "VOICED_EVENT_STORE_ENABLED")
	overrideString(&cfg.EventStore.Path, "VOICED_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "VOICED_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "VOICED_EVENT_STORE_RETENTION_DAYS")
	overrideBool(&cfg.Bus.Enabled, "VOICED_BUS_ENABLED")
	overrideStringSlice(&cfg.Bus.Servers, "VOICED_BUS_SERVERS")
	overrideString(&cfg.Bus.SubjectPrefix, "VOICED_BUS_SUBJECT_PREFIX")
	overrideString(&cfg.Bus.Username, "VOICED_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOICED_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOICED_BUS_TOKEN")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOICED_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.STT.Provider, "VOICED_STT_PROVIDER")
	overrideString(&cfg.LLM.Provider, "VOICED_LLM_PROVIDER")
	overrideString(&cfg.TTS.Provider, "VOICED_TTS_PROVIDER")
	overrideString(&cfg.Session.Language, "VOICED_SESSION_LANGUAGE")
	overrideString(&cfg.Session.Backpressure, "VOICED_SESSION_BACKPRESSURE")
	overrideString(&cfg.Session.TurnPolicy, "VOICED_SESSION_TURN_POLICY")
	overrideString(&cfg.Session.SystemPrompt, "VOICED_SESSION_SYSTEM_PROMPT")
	overrideString(&cfg.Session.Voice, "VOICED_SESSION_VOICE")
	overrideInt(&cfg.Session.GenerationTimeoutMS, "VOICED_SESSION_GENERATION_TIMEOUT_MS")
	overrideInt(&cfg.Session.HistoryTurns, "VOICED_SESSION_HISTORY_TURNS")
	overrideInt(&cfg.Session.MaxQueuedTurns, "VOICED_SESSION_MAX_QUEUED_TURNS")
	overrideBool(&cfg.Session.SpeakApology, "VOICED_SESSION_SPEAK_APOLOGY")
	overrideFloat(&cfg.Session.Temperature, "VOICED_SESSION_TEMPERATURE")
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
		var trimmed []string
		for _, p := range strings.Split(value, ",") {
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
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.PingIntervalMS <= 0 || cfg.HTTP.WriteTimeoutMS <= 0 {
		return errors.New("http.ping_interval_ms and http.write_timeout_ms must be positive")
	}
	switch strings.ToLower(cfg.Telemetry.LogFormat) {
	case "json", "console", "text":
	default:
		return errors.New("telemetry.log_format must be one of json|console")
	}
	switch cfg.Telemetry.TraceExporter {
	case "", "none", "stdout":
	case "otlp":
		if cfg.Telemetry.OTLPEndpoint == "" {
			return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
		}
	default:
		return errors.New("telemetry.trace_exporter must be one of none|stdout|otlp")
	}
	if cfg.EventStore.Enabled {
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty")
		}
		switch cfg.EventStore.RetentionMode {
		case "ephemeral", "persistent":
		default:
			return errors.New("event_store.retention_mode must be one of ephemeral|persistent")
		}
		if cfg.EventStore.RetentionDays < 0 {
			return errors.New("event_store.retention_days must be >= 0")
		}
	}
	if cfg.Bus.Enabled {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when the bus is enabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty")
		}
	}
	for kind, p := range map[string]ProviderConfig{"stt": cfg.STT, "llm": cfg.LLM, "tts": cfg.TTS} {
		if p.Provider == "" {
			return fmt.Errorf("%s.provider must not be empty", kind)
		}
	}
	if err := cfg.SessionOptions().Validate(); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	return nil
}
