// Package securitylog keeps the rolling security event log: call records,
// classified threats and failed authentication attempts, with persistence,
// remote forwarding and dashboard analytics.
package securitylog

import (
	"time"
)

// EntryType classifies a log entry.
type EntryType string

const (
	TypeAPICall                EntryType = "API_CALL"
	TypeAPIError               EntryType = "API_ERROR"
	TypeSlowOperation          EntryType = "SLOW_OPERATION"
	TypeThreatDetected         EntryType = "THREAT_DETECTED"
	TypeBruteForce             EntryType = "BRUTE_FORCE_ATTEMPT"
	TypeSQLInjection           EntryType = "SQL_INJECTION_ATTEMPT"
	TypeSessionCompromise      EntryType = "SESSION_COMPROMISE"
	TypeRateLimitExceeded      EntryType = "RATE_LIMIT_EXCEEDED"
	TypeLoginFailed            EntryType = "LOGIN_FAILED"
	TypeInvalidInput           EntryType = "INVALID_INPUT"
	TypeInvalidSession         EntryType = "INVALID_SESSION"
	TypeUnauthorizedAccess     EntryType = "UNAUTHORIZED_STORE_ACCESS"
	TypeSessionTimeout         EntryType = "SESSION_TIMEOUT"
	TypeLogout                 EntryType = "LOGOUT"
	TypeBurstPattern           EntryType = "BURST_PATTERN_DETECTED"
	TypeCSPViolation           EntryType = "CSP_VIOLATION"
	TypeFeaturePolicyViolation EntryType = "FEATURE_POLICY_VIOLATION"
)

// critical types are forwarded to the remote sink.
var criticalTypes = map[EntryType]bool{
	TypeThreatDetected:    true,
	TypeBruteForce:        true,
	TypeSQLInjection:      true,
	TypeSessionCompromise: true,
	TypeRateLimitExceeded: true,
	TypeLoginFailed:       true,
	TypeInvalidInput:      true,
}

// IsCritical reports whether entries of this type are forwarded remotely.
func (t EntryType) IsCritical() bool {
	return criticalTypes[t]
}

// Severity is the threat severity level.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ThreatType classifies a threat.
type ThreatType string

const (
	ThreatSQLInjection        ThreatType = "SQL_INJECTION_ATTEMPT"
	ThreatAuthorizationBypass ThreatType = "AUTHORIZATION_BYPASS_ATTEMPT"
	ThreatDataExfiltration    ThreatType = "DATA_EXFILTRATION_ATTEMPT"
	ThreatUnauthorizedStore   ThreatType = "UNAUTHORIZED_STORE_ACCESS"
	ThreatHighFrequency       ThreatType = "HIGH_FREQUENCY_OPERATION"
	ThreatSuspiciousActivity  ThreatType = "SUSPICIOUS_ACTIVITY"
	ThreatBruteForce          ThreatType = "BRUTE_FORCE_ATTEMPT"
	ThreatSessionCompromise   ThreatType = "SESSION_COMPROMISE"
	ThreatSuspiciousInput     ThreatType = "SUSPICIOUS_INPUT"
	ThreatRateLimitAbuse      ThreatType = "RATE_LIMIT_ABUSE"
)

// Metadata keys always present on a LogEntry.
const (
	MetaSessionID = "session_id"
	MetaOriginURL = "origin_url"
	MetaCaller    = "caller"
	MetaOperation = "operation"
)

// LogEntry is one record in the rolling event log.
type LogEntry struct {
	ID        string         `json:"id" yaml:"id"`
	Timestamp time.Time      `json:"timestamp" yaml:"timestamp"`
	Type      EntryType      `json:"type" yaml:"type"`
	Message   string         `json:"message" yaml:"message"`
	Metadata  map[string]any `json:"metadata" yaml:"metadata"`
}

// Operation returns the operation name recorded in the metadata, if any.
func (e LogEntry) Operation() string {
	op, _ := e.Metadata[MetaOperation].(string)
	return op
}

// ThreatEntry is a classified security-relevant event.
type ThreatEntry struct {
	ID        string         `json:"id" yaml:"id"`
	Timestamp time.Time      `json:"timestamp" yaml:"timestamp"`
	Type      ThreatType     `json:"type" yaml:"type"`
	Severity  Severity       `json:"severity" yaml:"severity"`
	Details   map[string]any `json:"details" yaml:"details"`
	SessionID string         `json:"session_id" yaml:"session_id"`
}

// ThreatInput describes a threat to record.
type ThreatInput struct {
	Type     ThreatType
	Severity Severity
	Details  map[string]any
}

// FailedAuthAttempt is a failed login, with the credential masked.
type FailedAuthAttempt struct {
	ID               string    `json:"id" yaml:"id"`
	Timestamp        time.Time `json:"timestamp" yaml:"timestamp"`
	MaskedCredential string    `json:"masked_credential" yaml:"masked_credential"`
	StoreContext     string    `json:"store_context" yaml:"store_context"`
	Error            string    `json:"error" yaml:"error"`
	SessionID        string    `json:"session_id" yaml:"session_id"`
}

// Snapshot is the persisted state of the logger.
type Snapshot struct {
	Logs       []LogEntry          `json:"logs" yaml:"logs"`
	Threats    []ThreatEntry       `json:"threats" yaml:"threats"`
	FailedAuth []FailedAuthAttempt `json:"failed_auth" yaml:"failed_auth"`
}

// Event is what the logger forwards to a remote sink. Exactly one of Log or
// Threat is set.
type Event struct {
	Log    *LogEntry    `json:"log,omitempty"`
	Threat *ThreatEntry `json:"threat,omitempty"`
}

// Kind returns "threat" or "log".
func (e Event) Kind() string {
	if e.Threat != nil {
		return "threat"
	}
	return "log"
}
