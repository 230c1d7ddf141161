package chatsesh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Monitor receives audit events for authorizations, sessions and provider failures.
type Monitor interface {
	// Authorization events
	AuditAuthorizationSuccess(ctx context.Context, user UserID, authID string) error
	AuditAuthorizationFailure(ctx context.Context, user UserID, reason string) error

	// Session events
	AuditSessionStarted(ctx context.Context, user UserID, sessionID uuid.UUID) error
	AuditSessionClosed(ctx context.Context, user UserID, sessionID uuid.UUID, reason string) error

	// Provider events
	AuditProviderError(ctx context.Context, provider string, err error, metadata map[string]string) error
}

// NoopMonitor is a monitor that does nothing
type NoopMonitor struct{}

func (n *NoopMonitor) AuditAuthorizationSuccess(ctx context.Context, user UserID, authID string) error {
	return nil
}

func (n *NoopMonitor) AuditAuthorizationFailure(ctx context.Context, user UserID, reason string) error {
	return nil
}

func (n *NoopMonitor) AuditSessionStarted(ctx context.Context, user UserID, sessionID uuid.UUID) error {
	return nil
}

func (n *NoopMonitor) AuditSessionClosed(ctx context.Context, user UserID, sessionID uuid.UUID, reason string) error {
	return nil
}

func (n *NoopMonitor) AuditProviderError(ctx context.Context, provider string, err error, metadata map[string]string) error {
	return nil
}

var _ Monitor = &NoopMonitor{}

// LoggerMonitor writes audit events to a structured logger.
type LoggerMonitor struct {
	logger *slog.Logger
}

func NewLoggerMonitor(logger *slog.Logger) *LoggerMonitor {
	return &LoggerMonitor{
		logger: logger,
	}
}

// hashSessionID shortens a session id so raw ids never reach the log.
func (l *LoggerMonitor) hashSessionID(id uuid.UUID) string {
	hash := sha256.Sum256(id[:])
	return hex.EncodeToString(hash[:8])
}

func (l *LoggerMonitor) AuditAuthorizationSuccess(ctx context.Context, user UserID, authID string) error {
	if authID == "" {
		return fmt.Errorf("auth ID cannot be empty for successful authorization")
	}
	l.logger.InfoContext(ctx, "Authorization success", "user_id", user, "auth_id", authID)
	return nil
}

func (l *LoggerMonitor) AuditAuthorizationFailure(ctx context.Context, user UserID, reason string) error {
	l.logger.WarnContext(ctx, "Authorization failure", "user_id", user, "reason", reason)
	return nil
}

func (l *LoggerMonitor) AuditSessionStarted(ctx context.Context, user UserID, sessionID uuid.UUID) error {
	if sessionID == uuid.Nil {
		return fmt.Errorf("session ID cannot be nil")
	}
	l.logger.InfoContext(ctx, "Session started", "session_id", l.hashSessionID(sessionID), "user_id", user)
	return nil
}

func (l *LoggerMonitor) AuditSessionClosed(ctx context.Context, user UserID, sessionID uuid.UUID, reason string) error {
	if sessionID == uuid.Nil {
		return fmt.Errorf("session ID cannot be nil")
	}
	l.logger.InfoContext(ctx, "Session closed", "session_id", l.hashSessionID(sessionID), "user_id", user, "reason", reason)
	return nil
}

func (l *LoggerMonitor) AuditProviderError(ctx context.Context, provider string, err error, metadata map[string]string) error {
	l.logger.ErrorContext(ctx, "Provider error", "provider", provider, "error", err, "metadata", metadata)
	return nil
}

var _ Monitor = &LoggerMonitor{}

// ErrorMonitor always fails. It exercises the paths where auditing errors are logged and ignored.
type ErrorMonitor struct{}

func (e *ErrorMonitor) AuditAuthorizationSuccess(ctx context.Context, user UserID, authID string) error {
	return fmt.Errorf("fake error: authorization success")
}

func (e *ErrorMonitor) AuditAuthorizationFailure(ctx context.Context, user UserID, reason string) error {
	return fmt.Errorf("fake error: authorization failure")
}

func (e *ErrorMonitor) AuditSessionStarted(ctx context.Context, user UserID, sessionID uuid.UUID) error {
	return fmt.Errorf("fake error: session started")
}

func (e *ErrorMonitor) AuditSessionClosed(ctx context.Context, user UserID, sessionID uuid.UUID, reason string) error {
	return fmt.Errorf("fake error: session closed")
}

func (e *ErrorMonitor) AuditProviderError(ctx context.Context, provider string, err error, metadata map[string]string) error {
	return fmt.Errorf("fake error: provider error")
}

var _ Monitor = &ErrorMonitor{}
