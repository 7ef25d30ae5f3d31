package constants

// Bridge reliability defaults
const (
	DefaultMaxRetries           = 5
	DefaultRetentionDays        = 30
	DefaultRetryIntervalSec     = 60
	DefaultRecoveryWindowHours  = 24
	DefaultCleanupIntervalHours = 24
)

// Classification defaults
const (
	DefaultConfidenceThreshold = 0.7
	MinShortCodeDigits         = 3
	MaxShortCodeDigits         = 8
)

// Transport and server defaults
const (
	DefaultServerPort            = 8084
	DefaultHTTPTimeoutSec        = 30
	DefaultMatrixSyncTimeoutSec  = 30
	DefaultMatrixPollIntervalSec = 2
	DefaultWebhookMaxSkewSec     = 300
	DefaultHistoryPageSize       = 200
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
	DefaultGracefulShutdownSec   = 30
	ServerErrorChannelSize       = 1
)

// Retry/backoff defaults
const (
	DefaultRetryBackoffMs        = 1000
	DefaultMaxBackoffMs          = 60000
	DefaultMaxAttempts           = 5
	DefaultDatabaseRetryAttempts = 3
)

// Encryption salts. The lookup salt must stay stable across releases or
// deterministic lookups against existing rows stop matching.
const (
	EncryptionSalt       = "smsbridge-db-salt-v1"
	EncryptionLookupSalt = "smsbridge-lookup-salt-v1"
)

// Privacy settings
const (
	DefaultPhoneMaskLength = 4
)
