package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection. User ids
// and emails are hashed before they reach the log stream.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	UserID    string
	Email     string
	Provider  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"email_hash", hashForLogging(event.Email),
		"provider", event.Provider,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogSignIn logs a successful authentication, local or OAuth
func (a *Auditor) LogSignIn(userID, provider, ipAddress string) {
	a.LogEvent(Event{
		Type:      "sign_in",
		UserID:    userID,
		Provider:  provider,
		IPAddress: ipAddress,
	})
}

// LogSignOut logs a session destruction requested by the user
func (a *Auditor) LogSignOut(userID, ipAddress string) {
	a.LogEvent(Event{
		Type:      "sign_out",
		UserID:    userID,
		IPAddress: ipAddress,
	})
}

// LogAccountLinked logs a provider account being linked to a user
func (a *Auditor) LogAccountLinked(userID, provider, ipAddress string) {
	a.LogEvent(Event{
		Type:      "account_linked",
		UserID:    userID,
		Provider:  provider,
		IPAddress: ipAddress,
	})
}

// LogAccountUnlinked logs a provider account being unlinked
func (a *Auditor) LogAccountUnlinked(userID, provider, ipAddress string) {
	a.LogEvent(Event{
		Type:      "account_unlinked",
		UserID:    userID,
		Provider:  provider,
		IPAddress: ipAddress,
	})
}

// LogCSRFViolation logs a state-changing request rejected for a token
// mismatch
func (a *Auditor) LogCSRFViolation(userID, ipAddress, action string) {
	a.LogEvent(Event{
		Type:      "csrf_violation",
		UserID:    userID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"action": action,
		},
	})
}

// LogEmailTokenIssued logs a pending email sign-in verification
func (a *Auditor) LogEmailTokenIssued(email, ipAddress string) {
	a.LogEvent(Event{
		Type:      "email_token_issued",
		Email:     email,
		IPAddress: ipAddress,
	})
}

// LogAuthFailure logs an authentication failure
func (a *Auditor) LogAuthFailure(ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      "auth_failure",
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ipAddress, identifier string) {
	a.LogEvent(Event{
		Type:      "rate_limit_exceeded",
		IPAddress: ipAddress,
		Details: map[string]any{
			"identifier_hash": hashForLogging(identifier),
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
