package errors

import (
	"github.com/sirupsen/logrus"
)

// LogError logs an error with its structured fields. Retryable errors are
// logged at warn level since the scheduler will drive another attempt.
func LogError(logger *logrus.Logger, err error, message string) {
	if err == nil {
		return
	}

	entry := logger.WithError(err)
	if appErr, ok := err.(*AppError); ok {
		entry = entry.WithField("code", string(appErr.Code))
		for k, v := range appErr.Context {
			entry = entry.WithField(k, v)
		}
		if appErr.Retryable {
			entry.Warn(message)
			return
		}
	}
	entry.Error(message)
}
