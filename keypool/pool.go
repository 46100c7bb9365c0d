package keypool

import (
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrNoCredentials is returned by New when the credential list is empty.
var ErrNoCredentials = errors.New("keypool: at least one credential is required")

// Pool tracks a set of credentials and selects the best available one for
// the next upstream call.
type Pool struct {
	mu    sync.Mutex
	creds []Credential
	rr    int // round-robin cursor, advanced only when falling back to it

	defaultCooldown time.Duration
	invalidCooldown time.Duration
}

// New builds a Pool from secrets, deduplicating and preserving input order.
// defaultCooldown and invalidCooldown back MarkRateLimited/MarkInvalid when
// the caller doesn't supply an explicit duration.
func New(secrets []string, defaultCooldown, invalidCooldown time.Duration) (*Pool, error) {
	deduped := dedupe(secrets)
	if len(deduped) == 0 {
		return nil, ErrNoCredentials
	}

	creds := make([]Credential, 0, len(deduped))
	for _, s := range deduped {
		creds = append(creds, newCredential(s))
	}

	return &Pool{
		creds:           creds,
		defaultCooldown: defaultCooldown,
		invalidCooldown: invalidCooldown,
	}, nil
}

// SplitCredentials splits a comma-joined credential string into a slice,
// trimming whitespace around each entry. Empty entries are dropped.
func SplitCredentials(joined string) []string {
	parts := strings.Split(joined, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func dedupe(secrets []string) []string {
	seen := make(map[string]bool, len(secrets))
	out := make([]string, 0, len(secrets))
	for _, s := range secrets {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// Pick returns the best currently-usable credential, or false if every
// credential is Invalid or in Cooldown with ResetAt in the future.
//
// Selection order: among Status==Ok credentials, prefer the highest
// Remaining; if Remaining is unknown for all of them, fall back to
// round-robin; ties are broken by stable (construction) order.
func (p *Pool) Pick() (Credential, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	p.promoteExpiredLocked(now)

	var okIdx []int
	for i, c := range p.creds {
		if c.Status == StatusOk {
			okIdx = append(okIdx, i)
		}
	}
	if len(okIdx) == 0 {
		return Credential{}, false
	}

	if best, ok := p.bestByRemainingLocked(okIdx); ok {
		return p.creds[best], true
	}

	idx := okIdx[p.rr%len(okIdx)]
	p.rr++
	return p.creds[idx], true
}

// promoteExpiredLocked auto-promotes Cooldown/Invalid credentials whose
// ResetAt has elapsed back to Ok. Must be called with p.mu held.
func (p *Pool) promoteExpiredLocked(now time.Time) {
	for i := range p.creds {
		c := &p.creds[i]
		if c.Status != StatusOk && !c.ResetAt.IsZero() && !now.Before(c.ResetAt) {
			c.Status = StatusOk
			c.ResetAt = time.Time{}
		}
	}
}

// bestByRemainingLocked returns the index (into p.creds) of the candidate
// with the highest known Remaining, or false if none of the candidates has
// a known Remaining (signaling the caller should round-robin instead).
func (p *Pool) bestByRemainingLocked(candidates []int) (int, bool) {
	best := -1
	bestRemaining := unknownRemaining
	for _, i := range candidates {
		r := p.creds[i].Remaining
		if r == unknownRemaining {
			continue
		}
		if best == -1 || r > bestRemaining {
			best = i
			bestRemaining = r
		}
	}
	if best == -1 {
		return 0, false
	}
	return best, true
}

// ObserveHeaders updates remaining/resetAt for the credential identified by
// id from observed rate-limit headers, clearing Cooldown if quota is
// positive. A nil pointer means "header absent"; absent fields are left
// untouched (never synthesized).
func (p *Pool) ObserveHeaders(id string, remaining *int, resetAt *time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := p.findLocked(id)
	if c == nil {
		return
	}

	if remaining != nil {
		c.Remaining = *remaining
	}
	if resetAt != nil {
		c.ResetAt = *resetAt
	}
	if c.Status == StatusCooldown && c.Remaining != unknownRemaining && c.Remaining > 0 {
		c.Status = StatusOk
		c.ResetAt = time.Time{}
	}
}

// MarkRateLimited puts the credential identified by id into Cooldown.
// retryAfter, if non-nil and positive, wins; otherwise resetHeader;
// otherwise the pool's configured default cooldown. A zero retryAfter is
// treated like an absent one.
func (p *Pool) MarkRateLimited(id string, retryAfter *time.Duration, resetHeader *time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := p.findLocked(id)
	if c == nil {
		return
	}

	now := time.Now()
	c.Status = StatusCooldown
	c.Remaining = 0

	switch {
	case retryAfter != nil && *retryAfter > 0:
		c.ResetAt = now.Add(*retryAfter)
	case resetHeader != nil:
		c.ResetAt = *resetHeader
	default:
		c.ResetAt = now.Add(p.defaultCooldown)
	}
}

// MarkInvalid marks the credential identified by id Invalid, re-evaluable
// after the pool's configured invalidCooldown window.
func (p *Pool) MarkInvalid(id string, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := p.findLocked(id)
	if c == nil {
		return
	}

	c.Status = StatusInvalid
	c.ResetAt = time.Now().Add(p.invalidCooldown)
	c.LastError = reason
}

// EarliestResetTime returns the minimum ResetAt among non-Ok credentials,
// used to compute a queued request's ETA. Returns false if every credential
// is Ok (nothing to wait on) or the pool is empty of non-Ok entries.
func (p *Pool) EarliestResetTime() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var earliest time.Time
	found := false
	for _, c := range p.creds {
		if c.Status == StatusOk {
			continue
		}
		if !found || c.ResetAt.Before(earliest) {
			earliest = c.ResetAt
			found = true
		}
	}
	return earliest, found
}

func (p *Pool) findLocked(id string) *Credential {
	for i := range p.creds {
		if p.creds[i].ID == id {
			return &p.creds[i]
		}
	}
	return nil
}

// Snapshot returns a redacted copy of every credential's current state, for
// stats reporting. Secrets are never included.
func (p *Pool) Snapshot() []Credential {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Credential, len(p.creds))
	for i, c := range p.creds {
		out[i] = c.Redacted()
	}
	return out
}

// Size returns the number of credentials in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds)
}
