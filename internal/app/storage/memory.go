package storage

import (
	"sync"

	"github.com/troop/coordinator/internal/app/domain/audit"
	"github.com/troop/coordinator/internal/app/domain/ledger"
	"github.com/troop/coordinator/internal/app/domain/node"
	"github.com/troop/coordinator/internal/app/domain/user"
)

// Memory is a thread-safe in-memory implementation of LedgerStore. It is
// intended for tests and local prototyping, not as a production store.
type Memory struct {
	mu sync.RWMutex

	users        map[string]user.Account
	nodes        map[string]node.Node
	transactions []ledger.Transaction
	auditLogs    []audit.Record
	nextTxnID    int64
	nextAuditID  int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:       make(map[string]user.Account),
		nodes:       make(map[string]node.Node),
		nextTxnID:   1,
		nextAuditID: 1,
	}
}
