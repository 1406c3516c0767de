// Package audit holds the structured security-event entity dual-written to
// the append-only log file and the durable audit_logs table.
package audit

import "time"

// EventType enumerates the audit event categories the coordinator emits.
type EventType string

const (
	EventAuthorization EventType = "authorization"
	EventTransaction   EventType = "transaction"
	EventRateLimit     EventType = "rate_limit"
	EventSecurity      EventType = "security"
)

// Record is one append-only audit row.
type Record struct {
	ID        int64
	Timestamp time.Time
	EventType EventType
	UserID    string
	IPAddress string
	Details   map[string]any
}
