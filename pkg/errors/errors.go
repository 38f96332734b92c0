package errors

import (
	"context"
	"errors"
	"fmt"

	"github.com/nmxmxh/ovasabi-relay/pkg/logger"
	"go.uber.org/zap"
)

// Failure taxonomy of the event distribution core.
var (
	// ErrTransportUnavailable is returned when an adapter is not connected at publish time.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrHandlerFailure is returned when at least one subscriber handler failed for a message.
	ErrHandlerFailure = errors.New("handler failure")
	// ErrDeliveryFailure is recorded when a webhook endpoint could not be reached after retries.
	ErrDeliveryFailure = errors.New("delivery failure")
	// ErrAuthenticationFailure is returned when a realtime handshake is rejected.
	ErrAuthenticationFailure = errors.New("authentication failure")
)

var (
	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidToken is returned when a token is invalid.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenExpired is returned when a token has expired.
	ErrTokenExpired = errors.New("token expired")
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
)

// New creates a new error with the given message.
func New(msg string) error {
	return errors.New(msg)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Wrap wraps an error with additional context, keeping it matchable with Is.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// LogWithError logs the error with context and returns a wrapped error.
func LogWithError(ctx context.Context, log *zap.Logger, msg string, err error, fields ...zap.Field) error {
	if log != nil {
		if id := logger.CorrelationID(ctx); id != "" {
			fields = append(fields, zap.String("correlation_id", id))
		}
		log.Error(msg, append(fields, zap.Error(err))...)
	}
	return Wrap(err, msg)
}
