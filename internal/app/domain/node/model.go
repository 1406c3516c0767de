// Package node holds the coordinator's worker-node entity, the record
// created the first time a node passes Proof-of-Hardware verification and
// updated on every settlement.
package node

import "time"

// Node is a GPU worker registered with the coordinator. Its multiplier is
// written exclusively by Proof-of-Hardware verification, never by
// settlement.
type Node struct {
	NodeID              string
	OwnerPublicKey      string
	Multiplier          float64
	BenchmarkScore      float64
	TrustScore          float64
	TotalJobsCompleted  int64
	HardwareModel       string
	LastBenchmark       time.Time
	LastSeen            time.Time
	CreatedAt           time.Time
}

// ClampMultiplier bounds a computed multiplier to the [0, 20] range the
// coordinator will ever assign.
func ClampMultiplier(m float64) float64 {
	if m < 0 {
		return 0
	}
	if m > 20 {
		return 20
	}
	return m
}

// BumpTrust increases a node's trust score by the fixed per-job increment,
// never exceeding 1.0.
func BumpTrust(current float64) float64 {
	next := current + 0.01
	if next > 1.0 {
		return 1.0
	}
	return next
}
