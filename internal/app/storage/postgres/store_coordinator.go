package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/troop/coordinator/internal/app/domain/audit"
	"github.com/troop/coordinator/internal/app/domain/ledger"
	"github.com/troop/coordinator/internal/app/domain/node"
	"github.com/troop/coordinator/internal/app/domain/user"
	"github.com/troop/coordinator/internal/app/storage"
)

var _ storage.LedgerStore = (*Store)(nil)

func (s *Store) GetUser(ctx context.Context, publicKey string) (user.Account, error) {
	return s.getUser(ctx, s.db, publicKey)
}

func (s *Store) getUser(ctx context.Context, q querier, publicKey string) (user.Account, error) {
	var acct user.Account
	err := q.QueryRowContext(ctx, `
		SELECT public_key, balance_seconds, created_at, last_active
		FROM users WHERE public_key = $1
	`, publicKey).Scan(&acct.PublicKey, &acct.BalanceSeconds, &acct.CreatedAt, &acct.LastActive)
	if errors.Is(err, sql.ErrNoRows) {
		return user.Account{}, storage.ErrNotFound
	}
	if err != nil {
		return user.Account{}, err
	}
	return acct, nil
}

// querier abstracts *sql.DB / *sql.Tx so lookup helpers work inside and
// outside a transaction.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) EnsureUser(ctx context.Context, publicKey string) (user.Account, error) {
	if existing, err := s.getUser(ctx, s.db, publicKey); err == nil {
		return existing, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return user.Account{}, err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return user.Account{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if existing, err := s.getUser(ctx, tx, publicKey); err == nil {
		// lost the race to another EnsureUser call; nothing to insert.
		if err := tx.Commit(); err != nil {
			return user.Account{}, err
		}
		return existing, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return user.Account{}, err
	}

	now := time.Now().UTC()
	acct := user.Account{
		PublicKey:      publicKey,
		BalanceSeconds: user.StarterCredits,
		CreatedAt:      now,
		LastActive:     now,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO users (public_key, balance_seconds, created_at, last_active)
		VALUES ($1, $2, $3, $4)
	`, acct.PublicKey, acct.BalanceSeconds, acct.CreatedAt, acct.LastActive); err != nil {
		return user.Account{}, err
	}

	metaJSON, err := json.Marshal(ledger.Meta{Type: ledger.TransactionStarterGrant})
	if err != nil {
		return user.Account{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (from_user, to_user, duration_seconds, credits_transferred, job_id, node_id, timestamp, meta)
		VALUES (NULL, $1, 0, $2, 'starter_grant', NULL, $3, $4)
	`, acct.PublicKey, user.StarterCredits, now, metaJSON); err != nil {
		return user.Account{}, err
	}

	if err := tx.Commit(); err != nil {
		return user.Account{}, err
	}
	return acct, nil
}

func (s *Store) ReserveCredits(ctx context.Context, publicKey string, amount int64) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var balance int64
	err = tx.QueryRowContext(ctx, `
		SELECT balance_seconds FROM users WHERE public_key = $1 FOR UPDATE
	`, publicKey).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	if balance < amount {
		return storage.ErrInsufficientCredits
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE users SET balance_seconds = balance_seconds - $1, last_active = $2
		WHERE public_key = $3
	`, amount, now, publicKey); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) RefundCredits(ctx context.Context, publicKey string, amount int64, jobID string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		SELECT 1 FROM users WHERE public_key = $1 FOR UPDATE
	`, publicKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		return err
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE users SET balance_seconds = balance_seconds + $1, last_active = $2
		WHERE public_key = $3
	`, amount, now, publicKey); err != nil {
		return err
	}

	metaJSON, err := json.Marshal(ledger.Meta{Type: ledger.TransactionRefund})
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (from_user, to_user, duration_seconds, credits_transferred, job_id, node_id, timestamp, meta)
		VALUES (NULL, $1, 0, $2, $3, NULL, $4, $5)
	`, publicKey, amount, jobID, now, metaJSON); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetNode(ctx context.Context, nodeID string) (node.Node, error) {
	var n node.Node
	err := s.db.QueryRowContext(ctx, `
		SELECT node_id, owner_public_key, multiplier, benchmark_score, trust_score,
		       total_jobs_completed, hardware_model, last_benchmark, last_seen, created_at
		FROM nodes WHERE node_id = $1
	`, nodeID).Scan(&n.NodeID, &n.OwnerPublicKey, &n.Multiplier, &n.BenchmarkScore, &n.TrustScore,
		&n.TotalJobsCompleted, &n.HardwareModel, &n.LastBenchmark, &n.LastSeen, &n.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return node.Node{}, storage.ErrNotFound
	}
	if err != nil {
		return node.Node{}, err
	}
	return n, nil
}

func (s *Store) UpsertBenchmark(ctx context.Context, n node.Node) (node.Node, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return node.Node{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if n.OwnerPublicKey == "" {
		n.OwnerPublicKey = user.SystemOwnerPublicKey
		if err := s.ensureOwnerTx(ctx, tx, n.OwnerPublicKey); err != nil {
			return node.Node{}, err
		}
	}

	now := time.Now().UTC()
	n.LastBenchmark = now
	n.LastSeen = now

	var existingCreatedAt time.Time
	err = tx.QueryRowContext(ctx, `SELECT created_at FROM nodes WHERE node_id = $1 FOR UPDATE`, n.NodeID).Scan(&existingCreatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		n.CreatedAt = now
		n.TrustScore = 0.1
		n.TotalJobsCompleted = 0
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO nodes (node_id, owner_public_key, multiplier, benchmark_score, trust_score,
			                    total_jobs_completed, hardware_model, last_benchmark, last_seen, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, n.NodeID, n.OwnerPublicKey, n.Multiplier, n.BenchmarkScore, n.TrustScore,
			n.TotalJobsCompleted, n.HardwareModel, n.LastBenchmark, n.LastSeen, n.CreatedAt); err != nil {
			return node.Node{}, err
		}
	case err != nil:
		return node.Node{}, err
	default:
		n.CreatedAt = existingCreatedAt
		if _, err := tx.ExecContext(ctx, `
			UPDATE nodes SET owner_public_key = $1, multiplier = $2, benchmark_score = $3,
			                  hardware_model = $4, last_benchmark = $5, last_seen = $6
			WHERE node_id = $7
		`, n.OwnerPublicKey, n.Multiplier, n.BenchmarkScore, n.HardwareModel, n.LastBenchmark, n.LastSeen, n.NodeID); err != nil {
			return node.Node{}, err
		}
		row := tx.QueryRowContext(ctx, `SELECT trust_score, total_jobs_completed FROM nodes WHERE node_id = $1`, n.NodeID)
		if err := row.Scan(&n.TrustScore, &n.TotalJobsCompleted); err != nil {
			return node.Node{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return node.Node{}, err
	}
	return n, nil
}

func (s *Store) ensureOwnerTx(ctx context.Context, tx *sql.Tx, publicKey string) error {
	var exists int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM users WHERE public_key = $1`, publicKey).Scan(&exists)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (public_key, balance_seconds, created_at, last_active)
		VALUES ($1, 0, $2, $3)
		ON CONFLICT (public_key) DO NOTHING
	`, publicKey, now, now)
	return err
}

func (s *Store) SettleJob(ctx context.Context, settlement storage.JobSettlement) (storage.JobSettlementResult, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return storage.JobSettlementResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var alreadySettled int
	err = tx.QueryRowContext(ctx, `
		SELECT 1 FROM transactions WHERE job_id = $1 AND meta->>'type' = 'job_completion'
	`, settlement.JobID).Scan(&alreadySettled)
	if err == nil {
		return storage.JobSettlementResult{}, storage.ErrAlreadySettled
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return storage.JobSettlementResult{}, err
	}

	if err := s.ensureOwnerTx(ctx, tx, settlement.OwnerPK); err != nil {
		return storage.JobSettlementResult{}, err
	}

	var ownerBalance int64
	err = tx.QueryRowContext(ctx, `
		SELECT balance_seconds FROM users WHERE public_key = $1 FOR UPDATE
	`, settlement.OwnerPK).Scan(&ownerBalance)
	if err != nil {
		return storage.JobSettlementResult{}, err
	}
	ownerBalance += settlement.Credits

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE users SET balance_seconds = $1, last_active = $2 WHERE public_key = $3
	`, ownerBalance, now, settlement.OwnerPK); err != nil {
		return storage.JobSettlementResult{}, err
	}

	var requesterBalance int64
	err = tx.QueryRowContext(ctx, `SELECT balance_seconds FROM users WHERE public_key = $1`, settlement.RequesterPK).Scan(&requesterBalance)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.JobSettlementResult{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.JobSettlementResult{}, err
	}

	var trustScore float64
	err = tx.QueryRowContext(ctx, `SELECT trust_score FROM nodes WHERE node_id = $1 FOR UPDATE`, settlement.NodeID).Scan(&trustScore)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.JobSettlementResult{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.JobSettlementResult{}, err
	}
	trustScore = node.BumpTrust(trustScore)

	if _, err := tx.ExecContext(ctx, `
		UPDATE nodes SET total_jobs_completed = total_jobs_completed + 1, last_seen = $1, trust_score = $2
		WHERE node_id = $3
	`, now, trustScore, settlement.NodeID); err != nil {
		return storage.JobSettlementResult{}, err
	}

	metaJSON, err := json.Marshal(ledger.Meta{Type: ledger.TransactionJobCompletion, Multiplier: settlement.Multiplier})
	if err != nil {
		return storage.JobSettlementResult{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (from_user, to_user, duration_seconds, credits_transferred, job_id, node_id, timestamp, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, settlement.RequesterPK, settlement.OwnerPK, settlement.DurationSeconds, settlement.Credits,
		settlement.JobID, settlement.NodeID, now, metaJSON); err != nil {
		// a unique partial index on (job_id) where meta->>'type'='job_completion'
		// is the second line of defense against a race between the
		// pre-check above and this insert.
		return storage.JobSettlementResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return storage.JobSettlementResult{}, err
	}

	return storage.JobSettlementResult{
		CreditsTransferred: settlement.Credits,
		RequesterBalance:   requesterBalance,
		WorkerBalance:      ownerBalance,
	}, nil
}

func (s *Store) ListTransactions(ctx context.Context, publicKey string, limit int) ([]ledger.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(from_user, ''), COALESCE(to_user, ''), duration_seconds, credits_transferred,
		       COALESCE(job_id, ''), COALESCE(node_id, ''), timestamp, meta
		FROM transactions
		WHERE from_user = $1 OR to_user = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`, publicKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		var t ledger.Transaction
		var metaJSON []byte
		if err := rows.Scan(&t.ID, &t.FromUser, &t.ToUser, &t.DurationSeconds, &t.CreditsTransferred,
			&t.JobID, &t.NodeID, &t.Timestamp, &metaJSON); err != nil {
			return nil, err
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &t.Meta); err != nil {
				return nil, err
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) AppendAudit(ctx context.Context, rec audit.Record) error {
	detailsJSON, err := json.Marshal(rec.Details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (timestamp, event_type, user_id, ip_address, details)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5)
	`, rec.Timestamp, string(rec.EventType), rec.UserID, rec.IPAddress, detailsJSON)
	return err
}

func (s *Store) ListAudit(ctx context.Context, filter storage.AuditFilter, limit, offset int) ([]audit.Record, int, error) {
	where := "WHERE 1=1"
	var args []any
	idx := 1
	if filter.EventType != "" {
		where += " AND event_type = $" + itoa(idx)
		args = append(args, filter.EventType)
		idx++
	}
	if filter.UserID != "" {
		where += " AND user_id = $" + itoa(idx)
		args = append(args, filter.UserID)
		idx++
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM audit_logs " + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	query := "SELECT id, timestamp, event_type, COALESCE(user_id, ''), COALESCE(ip_address, ''), details FROM audit_logs " +
		where + " ORDER BY timestamp DESC LIMIT $" + itoa(idx) + " OFFSET $" + itoa(idx+1)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		var rec audit.Record
		var detailsJSON []byte
		var eventType string
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &eventType, &rec.UserID, &rec.IPAddress, &detailsJSON); err != nil {
			return nil, 0, err
		}
		rec.EventType = audit.EventType(eventType)
		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &rec.Details); err != nil {
				return nil, 0, err
			}
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

func itoa(i int) string {
	if i < 10 {
		return string(rune('0' + i))
	}
	// falls back for the rare query with more than nine placeholders.
	digits := []byte{}
	for i > 0 {
		digits = append([]byte{byte('0' + i%10)}, digits...)
		i /= 10
	}
	return string(digits)
}
