// Package keypool tracks health, remaining quota, and reset time for a pool
// of upstream API credentials, and selects the best one available for the
// next lookup.
//
// Design Notes:
//   - A single mutex covers the whole pool (not one per credential) because
//     Pick must compare `remaining` across all credentials to choose the
//     best one; a per-credential lock can't give that a consistent view.
//   - The lock is never held across a network call — callers observe
//     results of an upstream call and report them back via ObserveHeaders,
//     MarkRateLimited, or MarkInvalid after the call returns.
//   - secret never leaves this package except through the one field that
//     callers need to build the upstream request; it is never part of any
//     log field, error message, or String() output.
package keypool

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Status is the health state of a credential. Exactly one status is set at
// a time.
type Status int

const (
	StatusOk Status = iota
	StatusCooldown
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusCooldown:
		return "cooldown"
	case StatusInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// unknownRemaining marks a credential whose remaining-quota header has never
// been observed. It is distinct from 0 (exhausted) so Pick can still
// round-robin among credentials with unknown quota rather than treating
// them as out of capacity.
const unknownRemaining = -1

// Credential is one upstream API key and its mutable health state.
//
// ID is the only form ever logged; Secret must never appear in logs or
// errors.
type Credential struct {
	ID     string
	Secret string

	Status    Status
	Remaining int // unknownRemaining if never observed
	ResetAt   time.Time
	LastError string
}

// newCredential builds a Credential for secret, deriving ID from the first
// 8 hex characters of sha256(secret) so the logged identifier never carries
// any prefix of the secret itself.
func newCredential(secret string) Credential {
	sum := sha256.Sum256([]byte(secret))
	return Credential{
		ID:        hex.EncodeToString(sum[:])[:8],
		Secret:    secret,
		Status:    StatusOk,
		Remaining: unknownRemaining,
	}
}

// Redacted returns a copy of the Credential safe to log: Secret is blanked.
func (c Credential) Redacted() Credential {
	c.Secret = ""
	return c
}

func (c Credential) String() string {
	return fmt.Sprintf("Credential[%s status=%s remaining=%d]", c.ID, c.Status, c.Remaining)
}
