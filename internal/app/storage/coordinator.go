package storage

import (
	"context"

	"github.com/troop/coordinator/internal/app/domain/audit"
	"github.com/troop/coordinator/internal/app/domain/ledger"
	"github.com/troop/coordinator/internal/app/domain/node"
	"github.com/troop/coordinator/internal/app/domain/user"
)

// LedgerStore persists the durable tables owned exclusively by the
// coordinator: users, nodes, transactions and audit_logs. Implementations
// must provide the transactional unit described by ReserveCredits and
// SettleJob: either every row changes commit together, or none do.
type LedgerStore interface {
	// GetUser returns ErrNotFound if no account exists for the public key.
	GetUser(ctx context.Context, publicKey string) (user.Account, error)
	// EnsureUser inserts the account and its starter-grant transaction in a
	// single transaction if absent; it is a no-op returning the existing
	// account otherwise. Must be safe under concurrent calls for the same
	// public key (P3: exactly one row, one grant, ever).
	EnsureUser(ctx context.Context, publicKey string) (user.Account, error)

	// ReserveCredits atomically checks balance >= amount and, if so,
	// decrements it and bumps LastActive, inside one row-locked
	// transaction. Returns ErrInsufficientCredits otherwise.
	ReserveCredits(ctx context.Context, publicKey string, amount int64) error
	// RefundCredits credits amount back to publicKey and appends a refund
	// Transaction row, atomically.
	RefundCredits(ctx context.Context, publicKey string, amount int64, jobID string) error

	// GetNode returns ErrNotFound if no node is registered under nodeID.
	GetNode(ctx context.Context, nodeID string) (node.Node, error)
	// UpsertBenchmark writes the Proof-of-Hardware-derived fields of a node,
	// creating the row (and its owner account, if unknown) when absent.
	UpsertBenchmark(ctx context.Context, n node.Node) (node.Node, error)

	// SettleJob applies a verified job receipt: credits the node owner,
	// bumps node stats, and appends a job_completion Transaction, all in one
	// transaction. It must reject a jobID that has already settled
	// (ErrAlreadySettled) even under concurrent resubmission.
	SettleJob(ctx context.Context, settlement JobSettlement) (JobSettlementResult, error)

	// ListTransactions returns the transaction history for a public key,
	// most recent first, bounded by limit.
	ListTransactions(ctx context.Context, publicKey string, limit int) ([]ledger.Transaction, error)

	// AppendAudit writes one audit row; failures are non-fatal to callers
	// since the file sink is authoritative for availability.
	AppendAudit(ctx context.Context, rec audit.Record) error
	// ListAudit returns audit rows filtered by the non-zero fields of
	// filter, most recent first, bounded by limit/offset.
	ListAudit(ctx context.Context, filter AuditFilter, limit, offset int) ([]audit.Record, int, error)
}

// JobSettlement is the input to SettleJob: a receipt already verified by the
// credit engine (signature checked, credits computed) and ready to commit.
type JobSettlement struct {
	JobID           string
	RequesterPK     string
	NodeID          string
	OwnerPK         string
	DurationSeconds int64
	Credits         int64
	Multiplier      float64
}

// JobSettlementResult is returned to the caller after a successful commit.
type JobSettlementResult struct {
	CreditsTransferred int64
	RequesterBalance   int64
	WorkerBalance      int64
}

// AuditFilter narrows ListAudit queries; zero-value fields are ignored.
type AuditFilter struct {
	EventType string
	UserID    string
}
