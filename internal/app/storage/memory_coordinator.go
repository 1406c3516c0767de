package storage

import (
	"context"
	"time"

	"github.com/troop/coordinator/internal/app/domain/audit"
	"github.com/troop/coordinator/internal/app/domain/ledger"
	"github.com/troop/coordinator/internal/app/domain/node"
	"github.com/troop/coordinator/internal/app/domain/user"
)

var _ LedgerStore = (*Memory)(nil)

func (m *Memory) GetUser(_ context.Context, publicKey string) (user.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.users[publicKey]
	if !ok {
		return user.Account{}, ErrNotFound
	}
	return acct, nil
}

func (m *Memory) EnsureUser(_ context.Context, publicKey string) (user.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if acct, ok := m.users[publicKey]; ok {
		return acct, nil
	}

	now := time.Now().UTC()
	acct := user.Account{
		PublicKey:      publicKey,
		BalanceSeconds: user.StarterCredits,
		CreatedAt:      now,
		LastActive:     now,
	}
	m.users[publicKey] = acct
	m.transactions = append(m.transactions, ledger.Transaction{
		ID:                 m.nextTxnIDLocked(),
		ToUser:             publicKey,
		CreditsTransferred: user.StarterCredits,
		JobID:              "starter_grant",
		Timestamp:          now,
		Meta:               ledger.Meta{Type: ledger.TransactionStarterGrant},
	})
	return acct, nil
}

func (m *Memory) ReserveCredits(_ context.Context, publicKey string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.users[publicKey]
	if !ok {
		return ErrNotFound
	}
	if acct.BalanceSeconds < amount {
		return ErrInsufficientCredits
	}
	acct.BalanceSeconds -= amount
	acct.LastActive = time.Now().UTC()
	m.users[publicKey] = acct
	return nil
}

func (m *Memory) RefundCredits(_ context.Context, publicKey string, amount int64, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.users[publicKey]
	if !ok {
		return ErrNotFound
	}
	acct.BalanceSeconds += amount
	acct.LastActive = time.Now().UTC()
	m.users[publicKey] = acct
	m.transactions = append(m.transactions, ledger.Transaction{
		ID:                 m.nextTxnIDLocked(),
		ToUser:             publicKey,
		CreditsTransferred: amount,
		JobID:              jobID,
		Timestamp:          acct.LastActive,
		Meta:               ledger.Meta{Type: ledger.TransactionRefund},
	})
	return nil
}

func (m *Memory) GetNode(_ context.Context, nodeID string) (node.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[nodeID]
	if !ok {
		return node.Node{}, ErrNotFound
	}
	return n, nil
}

func (m *Memory) UpsertBenchmark(_ context.Context, n node.Node) (node.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n.OwnerPublicKey == "" {
		n.OwnerPublicKey = user.SystemOwnerPublicKey
	}
	if _, ok := m.users[n.OwnerPublicKey]; !ok {
		now := time.Now().UTC()
		m.users[n.OwnerPublicKey] = user.Account{PublicKey: n.OwnerPublicKey, CreatedAt: now, LastActive: now}
	}

	now := time.Now().UTC()
	n.LastBenchmark = now
	n.LastSeen = now

	if existing, ok := m.nodes[n.NodeID]; ok {
		n.CreatedAt = existing.CreatedAt
		n.TrustScore = existing.TrustScore
		n.TotalJobsCompleted = existing.TotalJobsCompleted
	} else {
		n.CreatedAt = now
		n.TrustScore = 0.1
		n.TotalJobsCompleted = 0
	}
	m.nodes[n.NodeID] = n
	return n, nil
}

func (m *Memory) SettleJob(_ context.Context, settlement JobSettlement) (JobSettlementResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.transactions {
		if t.JobID == settlement.JobID && t.Meta.Type == ledger.TransactionJobCompletion {
			return JobSettlementResult{}, ErrAlreadySettled
		}
	}

	requester, ok := m.users[settlement.RequesterPK]
	if !ok {
		return JobSettlementResult{}, ErrNotFound
	}

	n, ok := m.nodes[settlement.NodeID]
	if !ok {
		return JobSettlementResult{}, ErrNotFound
	}

	owner, ok := m.users[settlement.OwnerPK]
	if !ok {
		now := time.Now().UTC()
		owner = user.Account{PublicKey: settlement.OwnerPK, CreatedAt: now, LastActive: now}
	}
	owner.BalanceSeconds += settlement.Credits
	owner.LastActive = time.Now().UTC()
	m.users[settlement.OwnerPK] = owner

	n.TotalJobsCompleted++
	n.LastSeen = owner.LastActive
	n.TrustScore = node.BumpTrust(n.TrustScore)
	m.nodes[settlement.NodeID] = n

	m.transactions = append(m.transactions, ledger.Transaction{
		ID:                 m.nextTxnIDLocked(),
		FromUser:           settlement.RequesterPK,
		ToUser:             settlement.OwnerPK,
		DurationSeconds:    settlement.DurationSeconds,
		CreditsTransferred: settlement.Credits,
		JobID:              settlement.JobID,
		NodeID:             settlement.NodeID,
		Timestamp:          owner.LastActive,
		Meta:               ledger.Meta{Type: ledger.TransactionJobCompletion, Multiplier: settlement.Multiplier},
	})

	return JobSettlementResult{
		CreditsTransferred: settlement.Credits,
		RequesterBalance:   requester.BalanceSeconds,
		WorkerBalance:      owner.BalanceSeconds,
	}, nil
}

func (m *Memory) ListTransactions(_ context.Context, publicKey string, limit int) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.Transaction
	for i := len(m.transactions) - 1; i >= 0; i-- {
		t := m.transactions[i]
		if t.FromUser == publicKey || t.ToUser == publicKey {
			out = append(out, t)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) AppendAudit(_ context.Context, rec audit.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = m.nextAuditIDLocked()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	m.auditLogs = append(m.auditLogs, rec)
	return nil
}

func (m *Memory) ListAudit(_ context.Context, filter AuditFilter, limit, offset int) ([]audit.Record, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []audit.Record
	for i := len(m.auditLogs) - 1; i >= 0; i-- {
		rec := m.auditLogs[i]
		if filter.EventType != "" && string(rec.EventType) != filter.EventType {
			continue
		}
		if filter.UserID != "" && rec.UserID != filter.UserID {
			continue
		}
		matched = append(matched, rec)
	}
	total := len(matched)
	if offset >= len(matched) {
		return nil, total, nil
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total, nil
}

func (m *Memory) nextTxnIDLocked() int64 {
	id := m.nextTxnID
	m.nextTxnID++
	return id
}

func (m *Memory) nextAuditIDLocked() int64 {
	id := m.nextAuditID
	m.nextAuditID++
	return id
}
