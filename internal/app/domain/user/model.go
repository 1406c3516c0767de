// Package user holds the coordinator's credit-account entity. A user's
// identity is its public key; accounts are created lazily the first time a
// public key is seen at authorization or settlement time.
package user

import "time"

// StarterCredits is the one-time balance granted the first time a public key
// is seen by the coordinator.
const StarterCredits int64 = 3600

// SystemOwnerPublicKey is the lazily-created account that owns nodes whose
// real owner is unknown at Proof-of-Hardware verification time.
const SystemOwnerPublicKey = "system-owner"

// Account is a credit-bearing identity, keyed by public key rather than a
// synthetic id so nodes and transactions can reference it before it exists.
type Account struct {
	PublicKey      string
	BalanceSeconds int64
	CreatedAt      time.Time
	LastActive     time.Time
}
