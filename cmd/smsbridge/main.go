package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"smsbridge/internal/classify"
	"smsbridge/internal/config"
	"smsbridge/internal/constants"
	"smsbridge/internal/database"
	"smsbridge/internal/models"
	"smsbridge/internal/retry"
	"smsbridge/internal/service"
	"smsbridge/internal/tracing"
	"smsbridge/pkg/matrix"
	"smsbridge/pkg/smsgw"

	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes sensitive information)")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("smsbridge %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting smsbridge")

	configWatcher := config.NewWatcher(*configPath, logger)
	if err := configWatcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	defer configWatcher.Stop()
	cfg := configWatcher.Config()

	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled - sensitive information will be logged")
	} else if cfg.LogLevel != "" {
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			logger.Warnf("Invalid log level %q, defaulting to info", cfg.LogLevel)
			logger.SetLevel(logrus.InfoLevel)
		} else {
			if level > logrus.InfoLevel {
				level = logrus.InfoLevel
			}
			logger.SetLevel(level)
		}
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	// Initialize OpenTelemetry tracing
	tracingManager := tracing.NewManager(tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: cfg.Tracing.ServiceVersion,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SampleRate:     cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
		UseStdout:      cfg.Tracing.UseStdout,
	}, logger)

	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	// Initialize database with exponential backoff retry
	var db *database.Database
	backoffConfig := retry.BackoffConfig{
		InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	}
	backoff := retry.NewBackoff(backoffConfig)

	err := backoff.Retry(ctx, func() error {
		var initErr error
		db, initErr = database.New(cfg.Database.Path)
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	defer db.Close()

	gatewayHTTPClient := &http.Client{
		Timeout: time.Duration(cfg.SMSGateway.TimeoutSec) * time.Second,
	}
	gwClient := smsgw.NewClientWithLogger(
		cfg.SMSGateway.APIBaseURL,
		os.Getenv("SMSBRIDGE_GATEWAY_API_KEY"),
		gatewayHTTPClient,
		logger,
	)

	// Sync long-poll needs headroom beyond the sync timeout itself
	matrixHTTPClient := &http.Client{
		Timeout: time.Duration(cfg.Matrix.SyncTimeoutSec+30) * time.Second,
	}
	mxClient := matrix.NewClientWithLogger(
		cfg.Matrix.HomeserverURL,
		cfg.Matrix.AccessToken,
		cfg.Matrix.UserID,
		matrixHTTPClient,
		logger,
	)

	var classifier service.ServiceClassifier
	if cfg.Classification.GroupShortCodes {
		base, err := buildClassifier(&cfg.Classification)
		if err != nil {
			return fmt.Errorf("failed to build classifier: %w", err)
		}
		swappable := classify.NewSwappable(base)
		classifier = swappable
		logger.Info("Short-code grouping enabled")

		// Rule edits apply live; everything else needs a restart.
		configWatcher.OnReload(func(newCfg *models.Config) {
			next, err := buildClassifier(&newCfg.Classification)
			if err != nil {
				logger.WithError(err).Error("Failed to reload classification rules, keeping previous")
				return
			}
			swappable.Swap(next)
			logger.Info("Classification rules reloaded")
		})
	}

	ledger := service.NewLedger(db, cfg.MaxRetries, logger)
	resolver := service.NewRoomResolver(
		db,
		mxClient,
		classifier,
		cfg.SMSGateway.SelfNumber,
		cfg.Matrix.Domain,
		cfg.Matrix.AliasPrefix,
		cfg.Classification.GroupShortCodes,
		logger,
	)
	orchestrator := service.NewOrchestrator(
		ledger,
		resolver,
		gwClient,
		mxClient,
		cfg.SMSGateway.SelfNumber,
		cfg.Matrix.UserID,
		logger,
	)

	scheduler := service.NewScheduler(ledger, orchestrator, gwClient, db, service.SchedulerConfig{
		RetryInterval:   time.Duration(cfg.Scheduler.RetryIntervalSec) * time.Second,
		RecoveryWindow:  time.Duration(cfg.Scheduler.RecoveryWindowHours) * time.Hour,
		CleanupInterval: time.Duration(cfg.Scheduler.CleanupIntervalHours) * time.Hour,
		RetentionDays:   cfg.RetentionDays,
		Backoff: retry.BackoffConfig{
			InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
			MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
			Multiplier:   2.0,
			MaxAttempts:  cfg.Retry.MaxAttempts,
			Jitter:       true,
		},
	}, logger)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	matrixPoller := service.NewMatrixPoller(
		mxClient,
		orchestrator,
		cfg.Matrix.SyncTimeoutSec,
		time.Duration(cfg.Matrix.PollIntervalSec)*time.Second,
		logger,
	)
	matrixPoller.Start(ctx)
	defer matrixPoller.Stop()

	var eventStream *smsgw.EventStream
	if cfg.SMSGateway.UseWebSocket {
		eventStream = smsgw.NewEventStream(
			cfg.SMSGateway.WebSocketURL,
			os.Getenv("SMSBRIDGE_GATEWAY_API_KEY"),
			orchestrator.HandleGatewayEvent,
			logger,
		)
		eventStream.Start(ctx)
		defer eventStream.Stop()
	}

	server := NewServer(cfg, orchestrator, ledger, logger)
	serverErrCh := make(chan error, constants.ServerErrorChannelSize)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}

	logger.Info("Server shutdown completed")
	return nil
}

func buildClassifier(cfg *models.ClassificationConfig) (*classify.Classifier, error) {
	rules, err := classify.LoadRules(cfg.RulesPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load classification rules: %w", err)
	}
	return classify.NewClassifier(rules, cfg.ConfidenceThreshold)
}
