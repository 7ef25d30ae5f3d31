package config

import (
	"encoding/json"
	"fmt"
	"os"

	"smsbridge/internal/constants"
	"smsbridge/internal/models"
	"smsbridge/internal/security"
)

var (
	ErrMissingGatewayURL    = models.ConfigError{Message: "missing SMS gateway API URL"}
	ErrMissingHomeserverURL = models.ConfigError{Message: "missing Matrix homeserver URL"}
	ErrMissingDBPath        = models.ConfigError{Message: "missing database path"}
	ErrMissingSelfNumber    = models.ConfigError{Message: "missing SMS gateway self number"}
)

func LoadConfig(path string) (*models.Config, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - path validated above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	if err := validate(&config); err != nil {
		return nil, err
	}

	applyEnvironmentOverrides(&config)

	if err := validateSecurity(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(c *models.Config) error {
	if c.SMSGateway.APIBaseURL == "" {
		return ErrMissingGatewayURL
	}
	if c.Matrix.HomeserverURL == "" {
		return ErrMissingHomeserverURL
	}
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}
	if c.SMSGateway.SelfNumber == "" {
		return ErrMissingSelfNumber
	}
	if c.Classification.GroupShortCodes && c.Classification.RulesPath == "" {
		return models.ConfigError{Message: "classification rules path is required when short-code grouping is enabled"}
	}

	if c.RetentionDays <= 0 {
		c.RetentionDays = constants.DefaultRetentionDays
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = constants.DefaultMaxRetries
	}
	if c.SMSGateway.TimeoutSec <= 0 {
		c.SMSGateway.TimeoutSec = constants.DefaultHTTPTimeoutSec
	}
	if c.SMSGateway.HistoryPageSize <= 0 {
		c.SMSGateway.HistoryPageSize = constants.DefaultHistoryPageSize
	}
	if c.Matrix.SyncTimeoutSec <= 0 {
		c.Matrix.SyncTimeoutSec = constants.DefaultMatrixSyncTimeoutSec
	}
	if c.Matrix.PollIntervalSec <= 0 {
		c.Matrix.PollIntervalSec = constants.DefaultMatrixPollIntervalSec
	}
	if c.Matrix.AliasPrefix == "" {
		c.Matrix.AliasPrefix = "sms"
	}
	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultRetryBackoffMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultMaxBackoffMs
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = constants.DefaultMaxAttempts
	}
	if c.Scheduler.RetryIntervalSec <= 0 {
		c.Scheduler.RetryIntervalSec = constants.DefaultRetryIntervalSec
	}
	if c.Scheduler.RecoveryWindowHours <= 0 {
		c.Scheduler.RecoveryWindowHours = constants.DefaultRecoveryWindowHours
	}
	if c.Scheduler.CleanupIntervalHours <= 0 {
		c.Scheduler.CleanupIntervalHours = constants.DefaultCleanupIntervalHours
	}
	if c.Classification.ConfidenceThreshold <= 0 {
		c.Classification.ConfidenceThreshold = constants.DefaultConfidenceThreshold
	}
	if c.Server.Port <= 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.WebhookMaxSkewSec <= 0 {
		c.Server.WebhookMaxSkewSec = constants.DefaultWebhookMaxSkewSec
	}
	return nil
}

func applyEnvironmentOverrides(c *models.Config) {
	if url := os.Getenv("SMS_GATEWAY_API_URL"); url != "" {
		c.SMSGateway.APIBaseURL = url
	}

	// Secrets belong in the environment, not the config file
	if secret := os.Getenv("SMSBRIDGE_WEBHOOK_SECRET"); secret != "" {
		c.SMSGateway.WebhookSecret = secret
	}
	if token := os.Getenv("SMSBRIDGE_MATRIX_ACCESS_TOKEN"); token != "" {
		c.Matrix.AccessToken = token
	}

	if url := os.Getenv("MATRIX_HOMESERVER_URL"); url != "" {
		c.Matrix.HomeserverURL = url
	}
	if path := os.Getenv("DB_PATH"); path != "" {
		c.Database.Path = path
	}
}

func validateSecurity(c *models.Config) error {
	isProduction := os.Getenv("SMSBRIDGE_ENV") == "production"

	if isProduction {
		if c.SMSGateway.WebhookSecret == "" {
			return models.ConfigError{Message: "webhook secret is required in production (set SMSBRIDGE_WEBHOOK_SECRET environment variable)"}
		}
		if len(c.SMSGateway.WebhookSecret) < 32 {
			return models.ConfigError{Message: "webhook secret must be at least 32 characters long"}
		}
		if c.LogLevel == "debug" {
			return models.ConfigError{Message: "debug logging should not be used in production (message content may be logged)"}
		}
	} else {
		if c.SMSGateway.WebhookSecret == "" {
			fmt.Fprintf(os.Stderr, "WARNING: webhook secret not set. Set SMSBRIDGE_WEBHOOK_SECRET environment variable for security.\n")
		}
	}

	return nil
}
