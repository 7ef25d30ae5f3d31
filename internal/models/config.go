package models

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}

type DatabaseConfig struct {
	Path string `json:"path"`
}

type SMSGatewayConfig struct {
	APIBaseURL      string `json:"apiBaseUrl"`
	WebhookSecret   string `json:"webhookSecret,omitempty"`
	UseWebSocket    bool   `json:"useWebSocket"`
	WebSocketURL    string `json:"webSocketUrl,omitempty"`
	SelfNumber      string `json:"selfNumber"`
	TimeoutSec      int    `json:"timeoutSec"`
	HistoryPageSize int    `json:"historyPageSize,omitempty"`
}

type MatrixConfig struct {
	HomeserverURL   string `json:"homeserverUrl"`
	Domain          string `json:"domain"`
	UserID          string `json:"userId"`
	AccessToken     string `json:"accessToken,omitempty"`
	AliasPrefix     string `json:"aliasPrefix"`
	SyncTimeoutSec  int    `json:"syncTimeoutSec"`
	PollIntervalSec int    `json:"pollIntervalSec"`
}

type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs"`
	MaxAttempts      int `json:"maxAttempts"`
}

type SchedulerConfig struct {
	RetryIntervalSec     int `json:"retryIntervalSec"`
	RecoveryWindowHours  int `json:"recoveryWindowHours"`
	CleanupIntervalHours int `json:"cleanupIntervalHours"`
}

type ClassificationConfig struct {
	RulesPath           string  `json:"rulesPath"`
	GroupShortCodes     bool    `json:"groupShortCodes"`
	ConfidenceThreshold float64 `json:"confidenceThreshold"`
}

type ServerConfig struct {
	Port              int `json:"port"`
	WebhookMaxSkewSec int `json:"webhookMaxSkewSec"`
}

type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"serviceName"`
	ServiceVersion string  `json:"serviceVersion"`
	Environment    string  `json:"environment"`
	OTLPEndpoint   string  `json:"otlpEndpoint"`
	SampleRate     float64 `json:"sampleRate"`
	UseStdout      bool    `json:"useStdout"`
}

type Config struct {
	LogLevel       string               `json:"logLevel"`
	RetentionDays  int                  `json:"retentionDays"`
	MaxRetries     int                  `json:"maxRetries"`
	Database       DatabaseConfig       `json:"database"`
	SMSGateway     SMSGatewayConfig     `json:"smsGateway"`
	Matrix         MatrixConfig         `json:"matrix"`
	Retry          RetryConfig          `json:"retry"`
	Scheduler      SchedulerConfig      `json:"scheduler"`
	Classification ClassificationConfig `json:"classification"`
	Server         ServerConfig         `json:"server"`
	Tracing        TracingConfig        `json:"tracing"`
}
