package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/voxgate/pstn-voice-agent/internal/config"
	"github.com/voxgate/pstn-voice-agent/internal/generate"
	"github.com/voxgate/pstn-voice-agent/internal/media"
	"github.com/voxgate/pstn-voice-agent/internal/metrics"
	"github.com/voxgate/pstn-voice-agent/internal/queue"
	"github.com/voxgate/pstn-voice-agent/internal/routing"
	"github.com/voxgate/pstn-voice-agent/internal/server"
	"github.com/voxgate/pstn-voice-agent/internal/session"
	"github.com/voxgate/pstn-voice-agent/internal/transcribe"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "pstn-voice-agent"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	// Log service startup
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("port", cfg.Server.Port),
		slog.String("address", cfg.Server.Address),
		slog.Int("route_bindings", len(cfg.Routing.Bindings)),
		slog.String("control_endpoint", cfg.Media.ControlEndpoint),
		slog.String("transcription_endpoint", cfg.Transcription.Endpoint),
		slog.String("model_id", cfg.Generation.ModelID),
		slog.Int("max_turns", cfg.Session.MaxTurns),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// Load AWS configuration for the S3 and Bedrock clients
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Generation.Region))
	if err != nil {
		logger.Error("Failed to load AWS configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	s3Client := s3.NewFromConfig(awsCfg)
	bedrockClient := bedrockruntime.NewFromConfig(awsCfg)

	// Build the routing table from the configured bindings
	bindings := make([]routing.Binding, 0, len(cfg.Routing.Bindings))
	for _, b := range cfg.Routing.Bindings {
		bindings = append(bindings, routing.Binding{DID: b.DID, CallFlow: b.CallFlow})
	}
	routes, err := routing.NewTable(bindings)
	if err != nil {
		logger.Error("Failed to build routing table", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Routing table initialized", slog.Int("bindings", routes.Size()))

	// Session queue broker
	broker := queue.NewBroker(logger, cfg.Session.QueueCapacity)

	// Telephony control-plane client
	mediaCtrl, err := media.NewController(media.Config{
		Endpoint:        cfg.Media.ControlEndpoint,
		APIKey:          cfg.Media.APIKey,
		SilenceCutoffMs: cfg.Media.SilenceCutoffMs,
		MaxUtteranceMs:  cfg.Media.MaxUtteranceMs,
	}, logger)
	if err != nil {
		logger.Error("Failed to create media controller", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Streaming transcription client
	transcriber, err := transcribe.NewClient(transcribe.Config{
		Endpoint:   cfg.Transcription.Endpoint,
		APIKey:     cfg.Transcription.APIKey,
		Language:   cfg.Transcription.Language,
		SampleRate: cfg.Transcription.SampleRate,
		Timeout:    cfg.Transcription.GetTimeoutDuration(),
	}, s3Client, broker, logger)
	if err != nil {
		logger.Error("Failed to create transcription client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Reply generation client
	generator, err := generate.NewClient(generate.Config{
		ModelID:      cfg.Generation.ModelID,
		MaxTokens:    cfg.Generation.MaxTokens,
		Temperature:  cfg.Generation.Temperature,
		SystemPrompt: cfg.Generation.SystemPrompt,
		Timeout:      cfg.Generation.GetTimeoutDuration(),
	}, bedrockClient, broker, logger)
	if err != nil {
		logger.Error("Failed to create generation client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Closing-intent predicate for conversation endings
	closing, err := session.NewPatternPredicate(cfg.Session.ClosingPatterns)
	if err != nil {
		logger.Error("Failed to compile closing patterns", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Session manager with per-stage deadline and retry policies
	sessionMgr := session.NewManager(logger, appMetrics, broker, routes,
		mediaCtrl, transcriber, generator,
		cfg.Session.GetIdleTimeout(),
		session.Config{
			Capture:     session.Policy{Deadline: cfg.Media.GetCaptureTimeout(), MaxRetries: 1},
			Transcribe:  session.Policy{Deadline: cfg.Transcription.GetTimeoutDuration(), MaxRetries: cfg.Transcription.MaxRetries},
			Generate:    session.Policy{Deadline: cfg.Generation.GetTimeoutDuration(), MaxRetries: cfg.Generation.MaxRetries},
			Playback:    session.Policy{Deadline: cfg.Media.GetPlaybackTimeout(), MaxRetries: 1},
			MaxTurns:    cfg.Session.MaxTurns,
			ApologyText: cfg.Media.ApologyText,
			Closing:     closing,
		})
	logger.Info("Session manager initialized",
		slog.Duration("idle_timeout", cfg.Session.GetIdleTimeout()),
		slog.Int("max_turns", cfg.Session.MaxTurns),
	)

	// Initialize and start HTTP server (webhook + monitoring API)
	httpServer := server.NewHTTPServer(logger, cfg, sessionMgr, appMetrics)
	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("http_address", fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)),
	)

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new events)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	// Stop session manager (hang up active calls and await orchestrators)
	sessionMgr.Stop()

	// Get final statistics
	mediaStats := mediaCtrl.GetStats()
	transcribeStats := transcriber.GetStats()
	generateStats := generator.GetStats()
	logger.Info("Final service statistics",
		slog.Uint64("actions_issued", mediaStats.ActionsIssued),
		slog.Uint64("action_errors", mediaStats.ActionErrors),
		slog.Uint64("transcription_requests", transcribeStats.TotalRequests),
		slog.Uint64("generation_requests", generateStats.TotalRequests),
	)

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo // default fallback
	}

	// Configure handler options
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	case "text", "":
		handler = slog.NewTextHandler(output, opts)
	default:
		// Default to text format
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
