// Package poh implements the Proof-of-Hardware protocol (C5): a node proves
// it owns the compute it claims by racing a seeded, bounded-time benchmark.
// The coordinator never re-executes the benchmark; it only times how long
// the node took and derives a multiplier from that duration. This is a
// performance assignment, not a Sybil-resistance mechanism.
package poh

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	core "github.com/troop/coordinator/internal/app/core/service"
	"github.com/troop/coordinator/internal/app/domain/node"
	"github.com/troop/coordinator/internal/app/domain/user"
	"github.com/troop/coordinator/internal/app/storage"
	"github.com/troop/coordinator/internal/platform/ephemeral"
)

// ChallengeTTL is how long an issued challenge remains redeemable.
const ChallengeTTL = 60 * time.Second

// Baseline is the fixed reference duration (seconds) a multiplier of 1.0
// represents: an RTX 3060 completing the benchmark matrix in 35 seconds.
const Baseline = 35.0

// MatrixSize is the fixed dimension of the benchmark matrix every challenge
// asks the node to multiply.
const MatrixSize = 4096

// HighPerformanceThreshold is the multiplier above which a node is reported
// as "High Performance" rather than "Standard".
const HighPerformanceThreshold = 3.0

const challengeKeyPrefix = "challenge:"

// Errors returned by VerifyProof. The HTTP layer maps both to 400.
var (
	ErrChallengeExpired = errors.New("poh: challenge expired or unknown")
	ErrBadProofFormat   = errors.New("poh: proof hash is not 64 hex characters")
)

// Challenge is returned to a node requesting a benchmark assignment.
type Challenge struct {
	ChallengeToken string `json:"challenge_token"`
	Seed           string `json:"seed"`
	MatrixSize     int    `json:"matrix_size"`
}

// VerifyResult is returned once a proof has been accepted.
type VerifyResult struct {
	Status     string  `json:"status"`
	Multiplier float64 `json:"assigned_multiplier"`
	Tier       string  `json:"tier"`
}

// Service implements the Proof-of-Hardware protocol.
type Service struct {
	ephemeral *ephemeral.Store
	ledger    storage.LedgerStore
	hooks     core.ObservationHooks
}

// New constructs a Service.
func New(ephemeralStore *ephemeral.Store, ledger storage.LedgerStore) *Service {
	return &Service{ephemeral: ephemeralStore, ledger: ledger, hooks: core.NoopObservationHooks}
}

// WithObservationHooks configures callbacks fired around VerifyProof attempts.
func (s *Service) WithObservationHooks(hooks core.ObservationHooks) {
	s.hooks = hooks
}

// IssueChallenge generates a fresh seed and token for nodeID and stores the
// seed for ChallengeTTL. nodeID is not validated or persisted here; it is
// only used by callers to correlate the response with a pending benchmark.
func (s *Service) IssueChallenge(ctx context.Context, nodeID string) (Challenge, error) {
	token, err := randomHex(16)
	if err != nil {
		return Challenge{}, fmt.Errorf("poh: generate challenge token: %w", err)
	}
	seed, err := randomHex(16)
	if err != nil {
		return Challenge{}, fmt.Errorf("poh: generate seed: %w", err)
	}

	if err := s.ephemeral.SetWithTTL(ctx, challengeKeyPrefix+token, seed, ChallengeTTL); err != nil {
		return Challenge{}, fmt.Errorf("poh: store challenge: %w", err)
	}

	return Challenge{ChallengeToken: token, Seed: seed, MatrixSize: MatrixSize}, nil
}

// VerifyProof accepts a node's claimed benchmark duration for a previously
// issued challenge, derives its performance multiplier and persists it.
// The seed itself is not used beyond confirming the challenge is live; proof
// re-execution is out of scope (see package doc).
func (s *Service) VerifyProof(ctx context.Context, nodeID, challengeToken, proofHash string, duration float64, deviceName string) (result VerifyResult, err error) {
	finishObs := core.StartObservation(ctx, s.hooks, map[string]string{"node_id": nodeID})
	defer func() { finishObs(err) }()

	if _, err := s.ephemeral.Get(ctx, challengeKeyPrefix+challengeToken); err != nil {
		if errors.Is(err, ephemeral.ErrNotFound) {
			return VerifyResult{}, ErrChallengeExpired
		}
		return VerifyResult{}, fmt.Errorf("poh: lookup challenge: %w", err)
	}

	if !isHex64(proofHash) {
		return VerifyResult{}, ErrBadProofFormat
	}

	multiplier := calculateMultiplier(duration)

	n := node.Node{
		NodeID:         nodeID,
		OwnerPublicKey: user.SystemOwnerPublicKey,
		Multiplier:     multiplier,
		BenchmarkScore: duration,
		HardwareModel:  deviceName,
		LastBenchmark:  time.Now(),
	}
	if _, err := s.ledger.UpsertBenchmark(ctx, n); err != nil {
		return VerifyResult{}, fmt.Errorf("poh: persist benchmark: %w", err)
	}

	// Best-effort cleanup; an expired challenge cannot be redeemed a second
	// time regardless, since Get above would already fail.
	_ = s.ephemeral.Delete(ctx, challengeKeyPrefix+challengeToken)

	tier := "Standard"
	if multiplier > HighPerformanceThreshold {
		tier = "High Performance"
	}

	return VerifyResult{Status: "verified", Multiplier: multiplier, Tier: tier}, nil
}

// calculateMultiplier converts a benchmark duration into the [0, 20]
// performance multiplier, rounded to two decimal places.
func calculateMultiplier(duration float64) float64 {
	if duration <= 0 {
		return 0
	}
	raw := node.ClampMultiplier(Baseline / duration)
	return math.Round(raw*100) / 100
}

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
