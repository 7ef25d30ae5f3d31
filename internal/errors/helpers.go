package errors

import (
	"context"
	stderrors "errors"
	"net"
	"strings"
)

// NewDatabaseError wraps a database failure, classifying the usual transient
// sqlite conditions as retryable.
func NewDatabaseError(err error, operation string) *AppError {
	if err == nil {
		return nil
	}
	appErr := Wrap(err, ErrCodeDatabaseQuery, "database operation failed").
		WithContext("operation", operation)
	if isTransient(err) {
		appErr.Retryable = true
	}
	return appErr
}

// NewSMSGatewayError wraps a local-transport failure. Network-level failures
// are retryable; the ledger's retry budget decides when to give up.
func NewSMSGatewayError(err error, operation string) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{
		Code:      ErrCodeSMSGatewayAPI,
		Message:   "sms gateway request failed",
		Cause:     err,
		Retryable: true,
		Context:   map[string]interface{}{"operation": operation},
	}
}

// NewMatrixError wraps a remote-transport failure. The core cannot reliably
// tell permanent from transient remote failures, so everything is recorded
// and retried until the budget is exhausted.
func NewMatrixError(err error, operation string) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{
		Code:      ErrCodeMatrixAPI,
		Message:   "matrix request failed",
		Cause:     err,
		Retryable: true,
		Context:   map[string]interface{}{"operation": operation},
	}
}

// NewResolutionError marks a failed room resolution. The record stays pending
// so the scheduler can retry once the remote side recovers.
func NewResolutionError(err error, key string) *AppError {
	return &AppError{
		Code:      ErrCodeResolutionFailed,
		Message:   "could not resolve a destination room",
		Cause:     err,
		Retryable: true,
		Context:   map[string]interface{}{"conversationKey": key},
	}
}

func isTransient(err error) bool {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "disk I/O error") ||
		strings.Contains(msg, "connection refused")
}
