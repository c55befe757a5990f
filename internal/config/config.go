package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Routing       RoutingConfig       `yaml:"routing"`
	Media         MediaConfig         `yaml:"media"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Generation    GenerationConfig    `yaml:"generation"`
	Session       SessionConfig       `yaml:"session"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig contains HTTP server configuration for the telephony
// webhook and the monitoring API
type ServerConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
}

// RoutingConfig contains the destination-number to call-flow bindings
type RoutingConfig struct {
	Bindings []RouteBinding `yaml:"bindings"`
}

// RouteBinding maps one destination number to a named call flow
type RouteBinding struct {
	DID      string `yaml:"did"`
	CallFlow string `yaml:"call_flow"`
}

// MediaConfig contains the call-control plane client configuration
type MediaConfig struct {
	ControlEndpoint string `yaml:"control_endpoint"`
	APIKey          string `yaml:"api_key"`
	SilenceCutoffMs int    `yaml:"silence_cutoff_ms"`
	MaxUtteranceMs  int    `yaml:"max_utterance_ms"`
	CaptureTimeout  int    `yaml:"capture_timeout"`  // seconds
	PlaybackTimeout int    `yaml:"playback_timeout"` // seconds
	ApologyText     string `yaml:"apology_text"`
}

// TranscriptionConfig contains the streaming speech-to-text configuration
type TranscriptionConfig struct {
	Endpoint   string `yaml:"endpoint"` // websocket URL
	APIKey     string `yaml:"api_key"`
	Language   string `yaml:"language"`
	SampleRate int    `yaml:"sample_rate"`
	Timeout    int    `yaml:"timeout"` // seconds
	MaxRetries int    `yaml:"max_retries"`
}

// GenerationConfig contains the language model configuration
type GenerationConfig struct {
	ModelID      string  `yaml:"model_id"`
	Region       string  `yaml:"region"`
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float64 `yaml:"temperature"`
	SystemPrompt string  `yaml:"system_prompt"`
	Timeout      int     `yaml:"timeout"` // seconds
	MaxRetries   int     `yaml:"max_retries"`
}

// SessionConfig contains call session orchestration parameters
type SessionConfig struct {
	MaxTurns        int      `yaml:"max_turns"`
	QueueCapacity   int      `yaml:"queue_capacity"`
	IdleTimeout     int      `yaml:"idle_timeout"` // seconds
	ClosingPatterns []string `yaml:"closing_patterns"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Routing.Validate(); err != nil {
		return fmt.Errorf("routing config: %w", err)
	}

	if err := c.Media.Validate(); err != nil {
		return fmt.Errorf("media config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Generation.Validate(); err != nil {
		return fmt.Errorf("generation config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	return nil
}

// Validate validates routing configuration
func (r *RoutingConfig) Validate() error {
	if len(r.Bindings) == 0 {
		return fmt.Errorf("at least one routing binding is required")
	}

	seen := make(map[string]bool, len(r.Bindings))
	for i, b := range r.Bindings {
		if b.DID == "" {
			return fmt.Errorf("binding %d: did cannot be empty", i)
		}
		if b.CallFlow == "" {
			return fmt.Errorf("binding %d: call_flow cannot be empty", i)
		}
		if seen[b.DID] {
			return fmt.Errorf("duplicate binding for did %s", b.DID)
		}
		seen[b.DID] = true
	}

	return nil
}

// Validate validates media control configuration
func (m *MediaConfig) Validate() error {
	if m.ControlEndpoint == "" {
		return fmt.Errorf("control_endpoint cannot be empty")
	}

	if m.SilenceCutoffMs < 100 {
		return fmt.Errorf("silence_cutoff_ms must be at least 100, got %d", m.SilenceCutoffMs)
	}

	if m.MaxUtteranceMs <= m.SilenceCutoffMs {
		return fmt.Errorf("max_utterance_ms (%d) must be greater than silence_cutoff_ms (%d)",
			m.MaxUtteranceMs, m.SilenceCutoffMs)
	}

	if m.CaptureTimeout < 1 {
		return fmt.Errorf("capture_timeout must be at least 1 second, got %d", m.CaptureTimeout)
	}

	if m.PlaybackTimeout < 1 {
		return fmt.Errorf("playback_timeout must be at least 1 second, got %d", m.PlaybackTimeout)
	}

	if m.ApologyText == "" {
		return fmt.Errorf("apology_text cannot be empty")
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	if t.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if t.Language == "" {
		return fmt.Errorf("language cannot be empty")
	}

	if t.SampleRate != 8000 && t.SampleRate != 16000 {
		return fmt.Errorf("sample_rate must be 8000 or 16000 Hz, got %d", t.SampleRate)
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", t.MaxRetries)
	}

	return nil
}

// Validate validates generation configuration
func (g *GenerationConfig) Validate() error {
	if g.ModelID == "" {
		return fmt.Errorf("model_id cannot be empty")
	}

	if g.Region == "" {
		return fmt.Errorf("region cannot be empty")
	}

	if g.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be at least 1, got %d", g.MaxTokens)
	}

	if g.Temperature < 0 || g.Temperature > 1 {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", g.Temperature)
	}

	if g.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", g.Timeout)
	}

	if g.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", g.MaxRetries)
	}

	return nil
}

// Validate validates session configuration
func (s *SessionConfig) Validate() error {
	if s.MaxTurns < 1 {
		return fmt.Errorf("max_turns must be at least 1, got %d", s.MaxTurns)
	}

	if s.QueueCapacity < 1 {
		return fmt.Errorf("queue_capacity must be at least 1, got %d", s.QueueCapacity)
	}

	if s.IdleTimeout < 1 {
		return fmt.Errorf("idle_timeout must be at least 1 second, got %d", s.IdleTimeout)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetCaptureTimeout returns the capture timeout as a time.Duration
func (m *MediaConfig) GetCaptureTimeout() time.Duration {
	return time.Duration(m.CaptureTimeout) * time.Second
}

// GetPlaybackTimeout returns the playback timeout as a time.Duration
func (m *MediaConfig) GetPlaybackTimeout() time.Duration {
	return time.Duration(m.PlaybackTimeout) * time.Second
}

// GetTimeoutDuration returns the transcription deadline as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetTimeoutDuration returns the generation deadline as a time.Duration
func (g *GenerationConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(g.Timeout) * time.Second
}

// GetIdleTimeout returns the session idle timeout as a time.Duration
func (s *SessionConfig) GetIdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}
