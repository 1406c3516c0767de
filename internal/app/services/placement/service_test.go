package placement

import (
	"context"
	"errors"
	"testing"

	"github.com/troop/coordinator/internal/app/domain/fleet"
)

type stubLister struct {
	peers []fleet.Peer
	err   error
}

func (s stubLister) ListPeers(ctx context.Context, modelFilter string) ([]fleet.Peer, error) {
	return s.peers, s.err
}

func TestSelectReturnsNoCapableIdleWorkerWhenEmpty(t *testing.T) {
	svc := New(stubLister{})
	_, err := svc.Select(context.Background(), "llama3-8b")
	if !errors.Is(err, ErrNoCapableIdleWorker) {
		t.Fatalf("expected ErrNoCapableIdleWorker, got %v", err)
	}
}

func TestSelectReturnsOneOfTheCandidates(t *testing.T) {
	candidates := []fleet.Peer{
		{NodeID: "node-a"},
		{NodeID: "node-b"},
		{NodeID: "node-c"},
	}
	svc := New(stubLister{peers: candidates})

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		picked, err := svc.Select(context.Background(), "llama3-8b")
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		seen[picked.NodeID] = true
	}
	if len(seen) == 0 {
		t.Fatalf("expected at least one candidate to be picked")
	}
	for node := range seen {
		found := false
		for _, c := range candidates {
			if c.NodeID == node {
				found = true
			}
		}
		if !found {
			t.Fatalf("selected node %q was not among candidates", node)
		}
	}
}

func TestSelectPropagatesListError(t *testing.T) {
	boom := errors.New("boom")
	svc := New(stubLister{err: boom})
	_, err := svc.Select(context.Background(), "llama3-8b")
	if !errors.Is(err, boom) {
		t.Fatalf("expected underlying error to propagate, got %v", err)
	}
}
