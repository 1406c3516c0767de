package storage

import "errors"

// ErrNotFound is returned by LedgerStore lookups when no row matches.
var ErrNotFound = errors.New("storage: not found")

// ErrInsufficientCredits is returned by ReserveCredits when the account
// balance is smaller than the requested reservation.
var ErrInsufficientCredits = errors.New("storage: insufficient credits")

// ErrAlreadySettled is returned by SettleJob when job_id already has a
// job_completion transaction recorded; the caller must not retry.
var ErrAlreadySettled = errors.New("storage: job already settled")
