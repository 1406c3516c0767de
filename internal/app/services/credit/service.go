// Package credit implements the credit engine (C7): balances, reservations,
// refunds and job settlement. Every balance mutation is delegated to the
// durable store's transactional methods; this package adds the
// receipt-verification and multiplier arithmetic the store does not know
// about.
package credit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math"

	core "github.com/troop/coordinator/internal/app/core/service"
	"github.com/troop/coordinator/internal/app/domain/user"
	"github.com/troop/coordinator/internal/app/storage"
)

// settleRetryPolicy allows SettleJob a single retry: the store call is a
// single row-locked transaction with no side effects on failure, so retrying
// once absorbs a transient connection drop without risking a double credit.
var settleRetryPolicy = core.RetryPolicy{Attempts: 2, InitialBackoff: 0}

// StarterCredits is granted once, the first time a public key is seen.
const StarterCredits = user.StarterCredits

// EstimatedJobDuration is the conservative per-job reservation amount used
// at authorization time, before the real duration is known.
const EstimatedJobDuration = 300

// Errors surfaced by the credit engine; the HTTP layer maps each to a
// specific status code.
var (
	ErrInsufficientCredits = errors.New("credit: insufficient balance")
	ErrInvalidReceipt      = errors.New("credit: receipt signature does not match")
	ErrUnknownNode         = errors.New("credit: worker node not found")
	ErrUnknownRequester    = errors.New("credit: requester has no account")
)

// Service is the credit engine.
type Service struct {
	store         storage.LedgerStore
	receiptSecret []byte
	hooks         core.ObservationHooks
}

// New constructs a Service. receiptSecret must be non-empty; callers are
// expected to fail startup rather than run with an empty secret (an empty
// key would make every receipt forgeable).
func New(store storage.LedgerStore, receiptSecret string) (*Service, error) {
	if receiptSecret == "" {
		return nil, fmt.Errorf("credit: receipt secret must not be empty")
	}
	return &Service{store: store, receiptSecret: []byte(receiptSecret), hooks: core.NoopObservationHooks}, nil
}

// WithObservationHooks configures callbacks fired around Settle attempts.
func (s *Service) WithObservationHooks(hooks core.ObservationHooks) {
	s.hooks = hooks
}

// EnsureUser creates publicKey's account (with its starter grant) if it does
// not already exist.
func (s *Service) EnsureUser(ctx context.Context, publicKey string) (user.Account, error) {
	return s.store.EnsureUser(ctx, publicKey)
}

// Balance returns publicKey's balance, or zero if the account does not
// exist yet.
func (s *Service) Balance(ctx context.Context, publicKey string) (int64, error) {
	acct, err := s.store.GetUser(ctx, publicKey)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return acct.BalanceSeconds, nil
}

// HasBalance reports whether publicKey can cover amount seconds.
func (s *Service) HasBalance(ctx context.Context, publicKey string, amount int64) (bool, error) {
	balance, err := s.Balance(ctx, publicKey)
	if err != nil {
		return false, err
	}
	return balance >= amount, nil
}

// Reserve pre-debits amount seconds from publicKey's balance. The amount is
// forfeited unless a matching Refund is issued.
func (s *Service) Reserve(ctx context.Context, publicKey string, amount int64) error {
	err := s.store.ReserveCredits(ctx, publicKey, amount)
	if errors.Is(err, storage.ErrInsufficientCredits) {
		return ErrInsufficientCredits
	}
	return err
}

// Refund returns amount seconds to publicKey, recorded against jobID.
func (s *Service) Refund(ctx context.Context, publicKey string, amount int64, jobID string) error {
	return s.store.RefundCredits(ctx, publicKey, amount, jobID)
}

// SettleResult is returned after a job receipt is accepted and committed.
type SettleResult struct {
	CreditsTransferred int64 `json:"credits_transferred"`
	RequesterBalance   int64 `json:"requester_balance"`
	WorkerBalance      int64 `json:"worker_balance"`
}

// Settle verifies a worker's signed job receipt and, if valid, credits the
// node's owner and records a job_completion transaction. The requester's
// balance is never decremented here; that already happened at Reserve time.
func (s *Service) Settle(ctx context.Context, jobID, requesterPK, nodeID string, durationSeconds int64, receiptSignature string) (result SettleResult, err error) {
	finishObs := core.StartObservation(ctx, s.hooks, map[string]string{"job_id": jobID, "node_id": nodeID})
	defer func() { finishObs(err) }()

	if !s.validReceipt(jobID, nodeID, durationSeconds, receiptSignature) {
		return SettleResult{}, ErrInvalidReceipt
	}

	n, err := s.store.GetNode(ctx, nodeID)
	if errors.Is(err, storage.ErrNotFound) {
		return SettleResult{}, ErrUnknownNode
	}
	if err != nil {
		return SettleResult{}, err
	}

	if _, err := s.store.GetUser(ctx, requesterPK); errors.Is(err, storage.ErrNotFound) {
		return SettleResult{}, ErrUnknownRequester
	} else if err != nil {
		return SettleResult{}, err
	}

	credits := int64(math.Floor(float64(durationSeconds) * n.Multiplier))

	var settled storage.JobSettlementResult
	err = core.Retry(ctx, settleRetryPolicy, func() error {
		var settleErr error
		settled, settleErr = s.store.SettleJob(ctx, storage.JobSettlement{
			JobID:           jobID,
			RequesterPK:     requesterPK,
			NodeID:          nodeID,
			OwnerPK:         n.OwnerPublicKey,
			DurationSeconds: durationSeconds,
			Credits:         credits,
			Multiplier:      n.Multiplier,
		})
		return settleErr
	})
	if err != nil {
		return SettleResult{}, err
	}

	result = SettleResult{
		CreditsTransferred: settled.CreditsTransferred,
		RequesterBalance:   settled.RequesterBalance,
		WorkerBalance:      settled.WorkerBalance,
	}
	return result, nil
}

// validReceipt recomputes the HMAC over "job_id:node_id:duration_seconds"
// and compares it to the supplied signature in constant time.
func (s *Service) validReceipt(jobID, nodeID string, durationSeconds int64, signature string) bool {
	expected := s.signReceipt(jobID, nodeID, durationSeconds)

	decoded, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	expectedBytes, err := hex.DecodeString(expected)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(decoded, expectedBytes) == 1
}

func (s *Service) signReceipt(jobID, nodeID string, durationSeconds int64) string {
	message := fmt.Sprintf("%s:%s:%d", jobID, nodeID, durationSeconds)
	mac := hmac.New(sha256.New, s.receiptSecret)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignReceipt exposes the HMAC receipt signature for tooling and tests that
// need to construct a valid worker receipt end to end.
func (s *Service) SignReceipt(jobID, nodeID string, durationSeconds int64) string {
	return s.signReceipt(jobID, nodeID, durationSeconds)
}
