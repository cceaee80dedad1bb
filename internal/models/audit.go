package models

import "time"

// AuditEventType names a security-relevant event emitted by the protocol engine.
type AuditEventType string

const (
	AuditCodeIssued            AuditEventType = "authorization_code_issued"
	AuditCodeExchanged         AuditEventType = "authorization_code_exchanged"
	AuditCodeReplay            AuditEventType = "authorization_code_replay"
	AuditTokenIssued           AuditEventType = "token_issued"
	AuditRefreshRotated        AuditEventType = "refresh_token_rotated"
	AuditRefreshRevoked        AuditEventType = "refresh_token_revoked"
	AuditUserTokensRevoked     AuditEventType = "user_tokens_revoked"
	AuditClientAuthFailed      AuditEventType = "client_authentication_failed"
	AuditConsentGranted        AuditEventType = "consent_granted"
	AuditConsentRevoked        AuditEventType = "consent_revoked"
	AuditInvalidRedirectURI    AuditEventType = "invalid_redirect_uri"
	AuditScopeEscalationDenied AuditEventType = "scope_escalation_denied"
)

// AuditEvent is a single audit record. Identifiers are hashed by the sinks that
// forward events off-host.
type AuditEvent struct {
	Type      AuditEventType    `json:"type"`
	ClientID  string            `json:"client_id,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
