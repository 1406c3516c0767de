// Package ratelimit implements the coordinator's two fixed-window request
// budgets (C9): discovery endpoints (heartbeat, peers, models) and the
// inference/authorization endpoint, each keyed by (bucket, identity) and
// windowed to one hour.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Window is the fixed-window duration every bucket shares.
const Window = time.Hour

// Bucket names, matching the ephemeral key prefix ratelimit:{bucket}:{identity}.
const (
	BucketDiscovery = "discovery"
	BucketInference = "inference"
)

// Limits per bucket, requests per Window.
const (
	DiscoveryLimit = 100
	InferenceLimit = 20
)

// counter is the atomic increment-with-expiry operation Allow relies on for
// correctness. ephemeral.Store satisfies this; tests can supply an in-memory
// fake instead of standing up Redis.
type counter interface {
	IncrWithTTL(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Service enforces per-(bucket,identity) fixed-window limits.
type Service struct {
	store counter
}

// New constructs a Service over the ephemeral store.
func New(store counter) *Service {
	return &Service{store: store}
}

// Allow checks whether identity may make another request against bucket. If
// not, it returns the duration the caller should wait before retrying. The
// single atomic IncrWithTTL round trip is the entire decision: there is no
// local pre-check that could reject a request before it is ever counted.
func (s *Service) Allow(ctx context.Context, bucket, identity string, limit int) (allowed bool, retryAfter time.Duration, err error) {
	key := fmt.Sprintf("ratelimit:%s:%s", bucket, identity)
	count, err := s.store.IncrWithTTL(ctx, key, Window)
	if err != nil {
		return false, 0, err
	}
	if count > int64(limit) {
		return false, Window, nil
	}
	return true, 0, nil
}

// AllowDiscovery checks the 100/hour discovery budget for an IP address.
func (s *Service) AllowDiscovery(ctx context.Context, ipAddress string) (bool, time.Duration, error) {
	return s.Allow(ctx, BucketDiscovery, ipAddress, DiscoveryLimit)
}

// AllowInference checks the 20/hour authorization budget for an IP address.
func (s *Service) AllowInference(ctx context.Context, ipAddress string) (bool, time.Duration, error) {
	return s.Allow(ctx, BucketInference, ipAddress, InferenceLimit)
}
