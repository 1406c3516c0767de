// Package placement selects a worker for a client's inference request (C6).
// Selection is deliberately simple: a uniform random pick among the fleet's
// currently capable, idle peers. No load balancing by multiplier or trust
// score happens at this layer.
package placement

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"

	"github.com/troop/coordinator/internal/app/domain/fleet"
)

// ErrNoCapableIdleWorker is returned when no live, idle node advertises the
// requested model.
var ErrNoCapableIdleWorker = errors.New("placement: no capable idle worker available")

// PeerLister is the subset of the fleet registry placement depends on.
type PeerLister interface {
	ListPeers(ctx context.Context, modelFilter string) ([]fleet.Peer, error)
}

// Service selects a worker for a requested model.
type Service struct {
	fleet PeerLister
}

// New constructs a Service over a fleet registry.
func New(fleet PeerLister) *Service {
	return &Service{fleet: fleet}
}

// Select returns a uniformly random capable, idle peer for model.
func (s *Service) Select(ctx context.Context, model string) (fleet.Peer, error) {
	candidates, err := s.fleet.ListPeers(ctx, model)
	if err != nil {
		return fleet.Peer{}, err
	}
	if len(candidates) < 1 {
		return fleet.Peer{}, ErrNoCapableIdleWorker
	}

	idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(candidates))))
	if err != nil {
		return fleet.Peer{}, err
	}
	return candidates[idx.Int64()], nil
}
