// Copyright 2024 AI Plan Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main provides the conversational planning assistant service.
// It runs the staged plan workflow (theme selection, topic selection,
// question round) behind a tool-calling dialogue API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/your-org/ai-plan-assistant/internal/config"
	"github.com/your-org/ai-plan-assistant/internal/conversation"
	"github.com/your-org/ai-plan-assistant/internal/health"
	"github.com/your-org/ai-plan-assistant/internal/openai"
	"github.com/your-org/ai-plan-assistant/internal/orchestrator"
	"github.com/your-org/ai-plan-assistant/internal/quickreply"
	"github.com/your-org/ai-plan-assistant/internal/resilience"
	"github.com/your-org/ai-plan-assistant/internal/session"
	"github.com/your-org/ai-plan-assistant/internal/tools"
)

const (
	// ServiceName identifies this service in health responses and logs
	ServiceName = "assistant"
	// ServiceVersion is the reported service version
	ServiceVersion = "1.0.0"
	// HealthCheckTimeout defines the timeout for health checks
	HealthCheckTimeout = 5 * time.Second
	// ShutdownTimeout defines how long in-flight turns get to finish on shutdown
	ShutdownTimeout = 10 * time.Second
)

var configPath string

// ServiceDependencies holds initialized service dependencies
type ServiceDependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Sessions     *session.Manager
	Orchestrator *orchestrator.Orchestrator
}

func main() {
	// A missing .env file is fine; the environment may carry everything.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "assistant",
		Short: "Conversational planning assistant service",
		Long: "Runs the planning assistant: a staged dialogue that collects themes and " +
			"topics, asks one question per topic, and records the answers into a plan.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the assistant HTTP service",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runServe()
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the service version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("%s %s\n", ServiceName, ServiceVersion)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe() error {
	// Load configuration first to get logging settings
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, level, err := initializeLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	// Log configuration with masked sensitive values
	maskedConfig := cfg.MaskSensitiveValues()
	logger.Info("Configuration loaded successfully",
		zap.String("service", ServiceName),
		zap.String("environment", os.Getenv("ENVIRONMENT")),
		zap.String("model", maskedConfig.OpenAI.Model),
		zap.String("openai_endpoint", maskedConfig.OpenAI.Endpoint),
		zap.String("openai_api_key", maskedConfig.OpenAI.APIKey),
		zap.String("session_db_path", maskedConfig.Session.DBPath),
		zap.Int("max_tool_rounds", maskedConfig.Workflow.MaxToolRounds),
	)

	// Pick up log level edits without a restart
	if err := config.WatchConfig(configPath, func(next *config.Config) {
		level.SetLevel(logLevel(next.Logging.Level))
		logger.Info("Log level updated from configuration",
			zap.String("level", next.Logging.Level))
	}); err != nil {
		logger.Warn("Configuration watching unavailable", zap.Error(err))
	}

	// Initialize service dependencies
	deps, err := initializeDependencies(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize dependencies", zap.Error(err))
		return err
	}
	defer func() {
		if err := deps.Sessions.Close(); err != nil {
			logger.Warn("Failed to close session store", zap.Error(err))
		}
	}()

	// Set Gin mode based on log level
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	apiHandler := conversation.NewAPIHandler(deps.Orchestrator, deps.Sessions, logger)

	router := gin.New()
	router.Use(apiHandler.RequestLoggingMiddleware())
	router.Use(gin.Recovery())
	router.Use(conversation.CORSMiddleware(cfg.Server.AllowedOrigins))

	// Initialize health check manager
	healthManager := health.NewManager(ServiceName, ServiceVersion, logger)
	setupHealthChecks(healthManager, deps)

	router.GET("/health", gin.WrapH(healthManager.HTTPHandler()))
	apiHandler.RegisterRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("Starting assistant service",
		zap.String("addr", server.Addr),
		zap.String("model", cfg.OpenAI.Model),
		zap.Int("max_tool_rounds", cfg.Workflow.MaxToolRounds),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		logger.Error("Server failed", zap.Error(err))
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down assistant service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
		return err
	}

	return nil
}

// initializeLogger creates a logger based on configuration settings. The
// returned level stays adjustable at runtime.
func initializeLogger(cfg *config.Config) (*zap.Logger, zap.AtomicLevel, error) {
	var zapConfig zap.Config

	if cfg.Logging.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	zapConfig.Level = zap.NewAtomicLevelAt(logLevel(cfg.Logging.Level))

	// Set output destination
	if cfg.Logging.Output == "file" {
		zapConfig.OutputPaths = []string{"assistant.log"}
		zapConfig.ErrorOutputPaths = []string{"assistant.log"}
	} else {
		zapConfig.OutputPaths = []string{"stdout"}
		zapConfig.ErrorOutputPaths = []string{"stderr"}
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, zapConfig.Level, err
	}
	return logger, zapConfig.Level, nil
}

// logLevel maps a configuration level name to a zap level
func logLevel(name string) zapcore.Level {
	switch name {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// initializeDependencies initializes all service dependencies
func initializeDependencies(cfg *config.Config, logger *zap.Logger) (*ServiceDependencies, error) {
	logger.Info("Initializing service dependencies")

	storage, err := session.NewSQLiteStorage(cfg.Session.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize session storage: %w", err)
	}

	cache := session.NewCache(session.CacheConfig{
		TTL:             cfg.Session.CacheTTL,
		CleanupInterval: cfg.Session.CleanupInterval,
	})
	sessions := session.NewManager(storage, cache, logger)

	client, err := openai.NewClient(openai.ClientConfig{
		APIKey:         cfg.OpenAI.APIKey,
		Endpoint:       cfg.OpenAI.Endpoint,
		Model:          cfg.OpenAI.Model,
		MaxRetries:     cfg.OpenAI.MaxRetries,
		RequestTimeout: cfg.OpenAI.RequestTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize completion client: %w", err)
	}

	registry := tools.NewRegistry(sessions, logger)
	compactor := conversation.NewCompactor(client, cfg.OpenAI.SummarizerModel, logger)
	suggestions := quickreply.NewGenerator(client, cfg.OpenAI.ClassifierModel, logger)

	orch := orchestrator.NewOrchestrator(
		cfg,
		client,
		registry,
		sessions,
		compactor,
		suggestions,
		logger,
	)

	logger.Info("Service dependencies initialized successfully")

	return &ServiceDependencies{
		Config:       cfg,
		Logger:       logger,
		Sessions:     sessions,
		Orchestrator: orch,
	}, nil
}

// setupHealthChecks configures health checks for the assistant service
func setupHealthChecks(manager *health.Manager, deps *ServiceDependencies) {
	// Session store health check; a transient ping failure gets one retry
	// before the endpoint reports unhealthy
	manager.AddChecker("session_store", health.DatabaseHealthChecker("sqlite", func(ctx context.Context) error {
		return resilience.RetryWithMaxAttempts(ctx, deps.Logger, 1, deps.Sessions.Ping)
	}))

	// Completion service health check
	manager.AddChecker("completion_service", health.ExternalServiceHealthChecker("openai", func(_ context.Context) error {
		if deps.Config.OpenAI.APIKey == "" {
			return errors.New("completion service not configured")
		}
		return nil
	}))

	// Session cache occupancy
	manager.AddCheckerFunc("session_cache", func(_ context.Context) health.CheckResult {
		return health.CheckResult{
			Status: health.StatusHealthy,
			Metadata: map[string]interface{}{
				"cached_sessions": deps.Sessions.CachedSessions(),
			},
		}
	})

	manager.SetTimeout(HealthCheckTimeout)
}
