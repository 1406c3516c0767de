// Package audit implements the audit sink (C11): every security-relevant
// event is dual-written to an append-only file and an audit_logs row.
// Neither write path may block or fail the request that triggered it; a
// broken audit sink degrades observability, never availability.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	domainaudit "github.com/troop/coordinator/internal/app/domain/audit"
	"github.com/troop/coordinator/internal/app/storage"
	"github.com/troop/coordinator/pkg/logger"
)

// Sink dual-writes audit events to a file and the durable store.
type Sink struct {
	mu   sync.Mutex
	file *os.File

	store storage.LedgerStore
	log   *logger.Logger
}

// New opens (creating if necessary) the audit log file at path and returns a
// Sink backed by it and store.
func New(path string, store storage.LedgerStore, log *logger.Logger) (*Sink, error) {
	if log == nil {
		log = logger.NewDefault("audit")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Sink{file: f, store: store, log: log}, nil
}

// fileLine is the JSON shape appended to the audit log file, one object per
// line.
type fileLine struct {
	Timestamp time.Time      `json:"timestamp"`
	Event     string         `json:"event"`
	UserID    string         `json:"user_id,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Record appends an audit event to the file and the durable store. Both
// writes are best-effort: a failure is logged but never returned to the
// caller, since an audit failure must not abort the primary operation.
func (s *Sink) Record(ctx context.Context, eventType domainaudit.EventType, userID, ipAddress string, details map[string]any) {
	now := time.Now().UTC()

	s.writeFileLine(fileLine{
		Timestamp: now,
		Event:     string(eventType),
		UserID:    userID,
		IPAddress: ipAddress,
		Details:   details,
	})

	rec := domainaudit.Record{
		Timestamp: now,
		EventType: eventType,
		UserID:    userID,
		IPAddress: ipAddress,
		Details:   details,
	}
	if err := s.store.AppendAudit(ctx, rec); err != nil {
		s.log.WithField("event_type", eventType).WithField("error", err.Error()).
			Warn("audit: failed to persist audit row")
	}
}

func (s *Sink) writeFileLine(line fileLine) {
	encoded, err := json.Marshal(line)
	if err != nil {
		s.log.WithField("error", err.Error()).Warn("audit: failed to encode audit line")
		return
	}
	encoded = append(encoded, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(encoded); err != nil {
		s.log.WithField("error", err.Error()).Warn("audit: failed to write audit file")
	}
}

// Authorization records an /authorize attempt.
func (s *Sink) Authorization(ctx context.Context, requesterPK, model, nodeID, ipAddress string, success bool, reason string) {
	s.Record(ctx, domainaudit.EventAuthorization, requesterPK, ipAddress, map[string]any{
		"model":   model,
		"node_id": nodeID,
		"success": success,
		"reason":  reason,
	})
}

// Transaction records a settled job completion.
func (s *Sink) Transaction(ctx context.Context, jobID, requesterPK, workerNodeID string, duration, credits int64, ipAddress string) {
	s.Record(ctx, domainaudit.EventTransaction, requesterPK, ipAddress, map[string]any{
		"job_id":        jobID,
		"worker_id":     workerNodeID,
		"duration":      duration,
		"credits":       credits,
	})
}

// RateLimit records a rate limit violation.
func (s *Sink) RateLimit(ctx context.Context, ipAddress, endpoint string, limit int, windowSeconds int) {
	s.Record(ctx, domainaudit.EventRateLimit, "", ipAddress, map[string]any{
		"endpoint": endpoint,
		"limit":    limit,
		"window":   windowSeconds,
	})
}

// Security records a security-relevant event not covered by the other
// helpers, e.g. a forged job receipt.
func (s *Sink) Security(ctx context.Context, eventType, ipAddress string, details map[string]any) {
	merged := map[string]any{"type": eventType}
	for k, v := range details {
		merged[k] = v
	}
	s.Record(ctx, domainaudit.EventSecurity, "", ipAddress, merged)
}

// Close flushes and closes the underlying audit file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
