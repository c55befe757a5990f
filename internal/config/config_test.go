package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:    8080,
			Address: "0.0.0.0",
		},
		Routing: RoutingConfig{
			Bindings: []RouteBinding{
				{DID: "+15551230001", CallFlow: "concierge"},
			},
		},
		Media: MediaConfig{
			ControlEndpoint: "https://media.example.com/v1/calls",
			APIKey:          "test-key",
			SilenceCutoffMs: 1500,
			MaxUtteranceMs:  30000,
			CaptureTimeout:  35,
			PlaybackTimeout: 30,
			ApologyText:     "Sorry, please call back later.",
		},
		Transcription: TranscriptionConfig{
			Endpoint:   "wss://stt.example.com/v1/stream",
			APIKey:     "test-key",
			Language:   "en-US",
			SampleRate: 8000,
			Timeout:    60,
			MaxRetries: 2,
		},
		Generation: GenerationConfig{
			ModelID:     "amazon.nova-micro-v1:0",
			Region:      "us-east-1",
			MaxTokens:   256,
			Temperature: 0.7,
			Timeout:     30,
			MaxRetries:  2,
		},
		Session: SessionConfig{
			MaxTurns:      20,
			QueueCapacity: 16,
			IdleTimeout:   300,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:        "valid configuration",
			mutate:      func(c *Config) {},
			expectError: false,
		},
		{
			name:        "invalid server port",
			mutate:      func(c *Config) { c.Server.Port = 70000 },
			expectError: true,
			errorMsg:    "port",
		},
		{
			name:        "empty bind address",
			mutate:      func(c *Config) { c.Server.Address = "" },
			expectError: true,
			errorMsg:    "address",
		},
		{
			name:        "no routing bindings",
			mutate:      func(c *Config) { c.Routing.Bindings = nil },
			expectError: true,
			errorMsg:    "binding",
		},
		{
			name: "duplicate routing binding",
			mutate: func(c *Config) {
				c.Routing.Bindings = append(c.Routing.Bindings, RouteBinding{
					DID: "+15551230001", CallFlow: "support",
				})
			},
			expectError: true,
			errorMsg:    "duplicate",
		},
		{
			name:        "empty control endpoint",
			mutate:      func(c *Config) { c.Media.ControlEndpoint = "" },
			expectError: true,
			errorMsg:    "control_endpoint",
		},
		{
			name:        "silence cutoff too small",
			mutate:      func(c *Config) { c.Media.SilenceCutoffMs = 50 },
			expectError: true,
			errorMsg:    "silence_cutoff_ms",
		},
		{
			name: "max utterance below silence cutoff",
			mutate: func(c *Config) {
				c.Media.MaxUtteranceMs = 1000
				c.Media.SilenceCutoffMs = 1500
			},
			expectError: true,
			errorMsg:    "max_utterance_ms",
		},
		{
			name:        "empty apology text",
			mutate:      func(c *Config) { c.Media.ApologyText = "" },
			expectError: true,
			errorMsg:    "apology_text",
		},
		{
			name:        "unsupported sample rate",
			mutate:      func(c *Config) { c.Transcription.SampleRate = 44100 },
			expectError: true,
			errorMsg:    "sample_rate",
		},
		{
			name:        "negative transcription retries",
			mutate:      func(c *Config) { c.Transcription.MaxRetries = -1 },
			expectError: true,
			errorMsg:    "max_retries",
		},
		{
			name:        "empty model id",
			mutate:      func(c *Config) { c.Generation.ModelID = "" },
			expectError: true,
			errorMsg:    "model_id",
		},
		{
			name:        "temperature out of range",
			mutate:      func(c *Config) { c.Generation.Temperature = 1.5 },
			expectError: true,
			errorMsg:    "temperature",
		},
		{
			name:        "zero max turns",
			mutate:      func(c *Config) { c.Session.MaxTurns = 0 },
			expectError: true,
			errorMsg:    "max_turns",
		},
		{
			name:        "zero queue capacity",
			mutate:      func(c *Config) { c.Session.QueueCapacity = 0 },
			expectError: true,
			errorMsg:    "queue_capacity",
		},
		{
			name:        "invalid log level",
			mutate:      func(c *Config) { c.Logging.Level = "verbose" },
			expectError: true,
			errorMsg:    "level",
		},
		{
			name:        "invalid log format",
			mutate:      func(c *Config) { c.Logging.Format = "xml" },
			expectError: true,
			errorMsg:    "format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.expectError {
				if err == nil {
					t.Error("expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("error %q does not contain %q", err.Error(), tt.errorMsg)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	content := `
server:
  port: 8080
  address: "0.0.0.0"

routing:
  bindings:
    - did: "+15551230001"
      call_flow: "concierge"

media:
  control_endpoint: "https://media.example.com/v1/calls"
  api_key: "test-key"
  silence_cutoff_ms: 1500
  max_utterance_ms: 30000
  capture_timeout: 35
  playback_timeout: 30
  apology_text: "Sorry, please call back later."

transcription:
  endpoint: "wss://stt.example.com/v1/stream"
  api_key: "test-key"
  language: "en-US"
  sample_rate: 8000
  timeout: 60
  max_retries: 2

generation:
  model_id: "amazon.nova-micro-v1:0"
  region: "us-east-1"
  max_tokens: 256
  temperature: 0.7
  timeout: 30
  max_retries: 2

session:
  max_turns: 20
  queue_capacity: 16
  idle_timeout: 300
  closing_patterns:
    - "goodbye"

logging:
  level: "debug"
  format: "text"
  output: "stdout"
`

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, expected 8080", cfg.Server.Port)
	}
	if len(cfg.Routing.Bindings) != 1 || cfg.Routing.Bindings[0].CallFlow != "concierge" {
		t.Errorf("unexpected routing bindings: %+v", cfg.Routing.Bindings)
	}
	if cfg.Generation.ModelID != "amazon.nova-micro-v1:0" {
		t.Errorf("Generation.ModelID = %s", cfg.Generation.ModelID)
	}
	if len(cfg.Session.ClosingPatterns) != 1 {
		t.Errorf("ClosingPatterns = %v", cfg.Session.ClosingPatterns)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %s, expected debug", cfg.Logging.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := validConfig()

	if got := cfg.Media.GetCaptureTimeout(); got != 35*time.Second {
		t.Errorf("GetCaptureTimeout() = %v, expected 35s", got)
	}
	if got := cfg.Media.GetPlaybackTimeout(); got != 30*time.Second {
		t.Errorf("GetPlaybackTimeout() = %v, expected 30s", got)
	}
	if got := cfg.Transcription.GetTimeoutDuration(); got != 60*time.Second {
		t.Errorf("Transcription.GetTimeoutDuration() = %v, expected 60s", got)
	}
	if got := cfg.Generation.GetTimeoutDuration(); got != 30*time.Second {
		t.Errorf("Generation.GetTimeoutDuration() = %v, expected 30s", got)
	}
	if got := cfg.Session.GetIdleTimeout(); got != 5*time.Minute {
		t.Errorf("GetIdleTimeout() = %v, expected 5m", got)
	}
}
