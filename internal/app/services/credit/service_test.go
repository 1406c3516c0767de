package credit

import (
	"context"
	"errors"
	"testing"

	"github.com/troop/coordinator/internal/app/domain/node"
	"github.com/troop/coordinator/internal/app/storage"
)

func nodeFixture(nodeID, ownerPK string, multiplier float64) node.Node {
	return node.Node{NodeID: nodeID, OwnerPublicKey: ownerPK, Multiplier: multiplier}
}

func newTestService(t *testing.T) (*Service, *storage.Memory) {
	t.Helper()
	mem := storage.NewMemory()
	svc, err := New(mem, "test-receipt-secret")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return svc, mem
}

func TestNewRejectsEmptySecret(t *testing.T) {
	if _, err := New(storage.NewMemory(), ""); err == nil {
		t.Fatalf("expected error for empty receipt secret")
	}
}

func TestEnsureUserGrantsStarterCreditsOnce(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.EnsureUser(ctx, "client-1"); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	balance, err := svc.Balance(ctx, "client-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != StarterCredits {
		t.Fatalf("expected starter credits %d, got %d", StarterCredits, balance)
	}

	if _, err := svc.EnsureUser(ctx, "client-1"); err != nil {
		t.Fatalf("ensure user (idempotent): %v", err)
	}
	balance, _ = svc.Balance(ctx, "client-1")
	if balance != StarterCredits {
		t.Fatalf("expected balance unchanged after second ensure, got %d", balance)
	}
}

func TestBalanceOfUnknownUserIsZero(t *testing.T) {
	svc, _ := newTestService(t)
	balance, err := svc.Balance(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 0 {
		t.Fatalf("expected zero balance for unknown user, got %d", balance)
	}
}

func TestReserveRejectsOverdraw(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	svc.EnsureUser(ctx, "client-1")

	if err := svc.Reserve(ctx, "client-1", StarterCredits+1); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
}

func TestReserveAndRefundRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	svc.EnsureUser(ctx, "client-1")

	if err := svc.Reserve(ctx, "client-1", EstimatedJobDuration); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	balance, _ := svc.Balance(ctx, "client-1")
	if balance != StarterCredits-EstimatedJobDuration {
		t.Fatalf("unexpected balance after reserve: %d", balance)
	}

	if err := svc.Refund(ctx, "client-1", EstimatedJobDuration, "job-1"); err != nil {
		t.Fatalf("refund: %v", err)
	}
	balance, _ = svc.Balance(ctx, "client-1")
	if balance != StarterCredits {
		t.Fatalf("unexpected balance after refund: %d", balance)
	}
}

func TestSettleRejectsForgedReceipt(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()
	svc.EnsureUser(ctx, "client-1")
	mem.UpsertBenchmark(ctx, nodeFixture("node-1", "owner-1", 2.0))

	_, err := svc.Settle(ctx, "job-1", "client-1", "node-1", 120, "deadbeef")
	if !errors.Is(err, ErrInvalidReceipt) {
		t.Fatalf("expected ErrInvalidReceipt, got %v", err)
	}
}

func TestSettleTransfersCreditsToNodeOwner(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()
	svc.EnsureUser(ctx, "client-1")
	mem.UpsertBenchmark(ctx, nodeFixture("node-1", "owner-1", 2.0))

	sig := svc.SignReceipt("job-1", "node-1", 120)
	result, err := svc.Settle(ctx, "job-1", "client-1", "node-1", 120, sig)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if result.CreditsTransferred != 240 {
		t.Fatalf("expected 240 credits transferred, got %d", result.CreditsTransferred)
	}

	ownerBalance, _ := svc.Balance(ctx, "owner-1")
	if ownerBalance != 240 {
		t.Fatalf("expected owner balance 240, got %d", ownerBalance)
	}
}

func TestSettleRejectsUnknownNode(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	svc.EnsureUser(ctx, "client-1")

	sig := svc.SignReceipt("job-1", "missing-node", 120)
	_, err := svc.Settle(ctx, "job-1", "client-1", "missing-node", 120, sig)
	if !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode, got %v", err)
	}
}

func TestSettleRejectsResubmission(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()
	svc.EnsureUser(ctx, "client-1")
	mem.UpsertBenchmark(ctx, nodeFixture("node-1", "owner-1", 2.0))

	sig := svc.SignReceipt("job-1", "node-1", 120)
	if _, err := svc.Settle(ctx, "job-1", "client-1", "node-1", 120, sig); err != nil {
		t.Fatalf("first settle: %v", err)
	}
	if _, err := svc.Settle(ctx, "job-1", "client-1", "node-1", 120, sig); err == nil {
		t.Fatalf("expected resubmission of job-1 to be rejected")
	}
}
