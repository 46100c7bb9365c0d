// Package orchestrator is the public facade over the Reputation
// Orchestrator: it wires the Normalizer, Key Pool, Cache, Coalescer,
// Upstream Adapter, and Scheduler into a single constructed value with one
// public entrypoint per caller-facing operation.
//
// Design Choices:
//   - Orchestrator is an explicit constructed value returned by New; there
//     is no package-level singleton and no import-time side effect. This
//     deliberately diverges from the teacher's `var svc *Service` +
//     `sync.Once` global-service pattern (cache-manager/service.go,
//     warming/service.go), which exists there because Encore wires services
//     at import time — this domain has no such framework requirement, and
//     an explicit value is easier to test and to run more than one of.
//   - Credential secrets never reach a log field or error string; only
//     Credential.ID does.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/threatguard/reputation-orchestrator/cache"
	"github.com/threatguard/reputation-orchestrator/coalesce"
	"github.com/threatguard/reputation-orchestrator/indicator"
	"github.com/threatguard/reputation-orchestrator/keypool"
	"github.com/threatguard/reputation-orchestrator/scheduler"
	"github.com/threatguard/reputation-orchestrator/upstream"
)

// Sentinel errors, per the error taxonomy.
var (
	ErrInvalidIndicator = indicator.ErrInvalidIndicator
	ErrAllKeysUnusable  = errors.New("orchestrator: all credentials are unusable")
	ErrUpstreamFailure  = errors.New("orchestrator: upstream attempts exhausted")
	ErrCancelled        = errors.New("orchestrator: lookup cancelled")
)

// Config configures an Orchestrator. Zero-value fields fall back to
// DefaultConfig's values via New.
type Config struct {
	Credentials []string

	CacheTTL        time.Duration
	RequestTimeout  time.Duration
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	DefaultCooldown time.Duration
	InvalidCooldown time.Duration
	RateLimitRPS    float64

	BaseURL          string
	CredentialHeader string
	HeaderNames      upstream.HeaderNames
	MetricsNamespace string
	Logger           *logrus.Logger
}

// DefaultConfig returns the configuration spec.md §6 names as defaults.
func DefaultConfig() Config {
	return Config{
		CacheTTL:         45 * time.Minute,
		RequestTimeout:   30 * time.Second,
		MaxAttempts:      3,
		BackoffBase:      1 * time.Second,
		BackoffCap:       30 * time.Second,
		DefaultCooldown:  60 * time.Second,
		InvalidCooldown:  5 * time.Minute,
		CredentialHeader: "x-apikey",
		HeaderNames:      upstream.DefaultHeaderNames(),
		MetricsNamespace: "reputation_orchestrator",
	}
}

// LookupOptions customizes a single Lookup call.
type LookupOptions struct {
	Kind         indicator.Kind
	ForceRefresh bool
}

// ResultStatus is the tagged outcome of a Lookup call.
type ResultStatus = scheduler.Status

const (
	ServedFromCache   = scheduler.StatusServedFromCache
	ServedLive        = scheduler.StatusServedLive
	QueuedRateLimited = scheduler.StatusQueuedRateLimited
	Failed            = scheduler.StatusFailed
)

// LookupResult is returned to callers.
type LookupResult struct {
	RequestID    string
	Status       ResultStatus
	Indicator    indicator.Indicator
	Summary      cache.Summary
	ExternalLink string
	UsedKeyID    string

	RateLimitRemaining  *int
	RateLimitResetAt    *time.Time
	RateLimitRetryAfter *time.Duration

	ETA   *time.Time
	Error string
}

// StatsSnapshot is a point-in-time view of Orchestrator activity.
type StatsSnapshot struct {
	SnapshotAt time.Time

	TotalLookups int64
	CacheHits    int64
	CacheMisses  int64
	Queued       int64
	Failed       int64
	KeyRotations int64

	CacheSize  int
	QueueDepth int

	Credentials []keypool.Credential
}

// Orchestrator is the constructed, explicit value wiring every sub-module
// together. Safe for concurrent use by many callers.
type Orchestrator struct {
	cfg   Config
	log   *logrus.Logger
	cache *cache.Cache
	pool  *keypool.Pool
	sched *scheduler.Scheduler
}

// New builds an Orchestrator from cfg. Credentials must be non-empty (after
// dedup) or New returns an error immediately, per spec.md §8's "an empty
// credential list at construction time fails immediately."
func New(cfg Config) (*Orchestrator, error) {
	def := DefaultConfig()
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffCap == 0 {
		cfg.BackoffCap = def.BackoffCap
	}
	if cfg.DefaultCooldown == 0 {
		cfg.DefaultCooldown = def.DefaultCooldown
	}
	if cfg.InvalidCooldown == 0 {
		cfg.InvalidCooldown = def.InvalidCooldown
	}
	if cfg.CredentialHeader == "" {
		cfg.CredentialHeader = def.CredentialHeader
	}
	if cfg.HeaderNames == (upstream.HeaderNames{}) {
		cfg.HeaderNames = def.HeaderNames
	}
	if cfg.MetricsNamespace == "" {
		cfg.MetricsNamespace = def.MetricsNamespace
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	pool, err := keypool.New(cfg.Credentials, cfg.DefaultCooldown, cfg.InvalidCooldown)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	c := cache.New(cache.WithTTL(cfg.CacheTTL))
	group := coalesce.New()
	client := upstream.New(upstream.Config{
		BaseURL:     cfg.BaseURL,
		HeaderName:  cfg.CredentialHeader,
		HeaderNames: cfg.HeaderNames,
		Timeout:     cfg.RequestTimeout,
	})

	schedCfg := scheduler.Config{
		MaxAttempts:  cfg.MaxAttempts,
		BackoffBase:  cfg.BackoffBase,
		BackoffCap:   cfg.BackoffCap,
		DrainPause:   100 * time.Millisecond,
		RateLimitRPS: cfg.RateLimitRPS,
	}
	sched := scheduler.New(schedCfg, c, pool, group, client, cfg.Logger)

	return &Orchestrator{cfg: cfg, log: cfg.Logger, cache: c, pool: pool, sched: sched}, nil
}

// Lookup normalizes raw, then runs it through cache/coalesce/scheduler. A
// cancelled ctx surfaces as a LookupResult with Status Failed wrapping
// ErrCancelled only to the cancelling caller; other waiters on the same
// in-flight call are unaffected.
func (o *Orchestrator) Lookup(ctx context.Context, raw string, opts LookupOptions) (LookupResult, error) {
	requestID := uuid.NewString()

	ind, err := indicator.Normalize(raw, opts.Kind)
	if err != nil {
		o.log.WithFields(logrus.Fields{"request_id": requestID, "raw": raw}).Debug("invalid indicator")
		return LookupResult{RequestID: requestID, Status: scheduler.StatusFailed, Error: err.Error()}, err
	}

	res := o.sched.Lookup(ctx, ind, opts.ForceRefresh)

	out := LookupResult{
		RequestID:           requestID,
		Status:              res.Status,
		Indicator:           res.Indicator,
		Summary:             res.Summary,
		ExternalLink:        res.ExternalLink,
		UsedKeyID:           res.UsedKeyID,
		RateLimitRemaining:  res.RateLimitRemaining,
		RateLimitResetAt:    res.RateLimitResetAt,
		RateLimitRetryAfter: res.RateLimitRetryAfter,
		ETA:                 res.ETA,
		Error:               res.Err,
	}

	if res.Status == scheduler.StatusFailed {
		if ctxErr := ctx.Err(); ctxErr != nil {
			out.Error = ErrCancelled.Error()
			return out, fmt.Errorf("%w: %s", ErrCancelled, ctxErr)
		}
		return out, o.classifyFailure(res.Err)
	}

	o.log.WithFields(logrus.Fields{
		"request_id": requestID,
		"indicator":  ind.CacheKey(),
		"status":     res.Status.String(),
	}).Debug("lookup resolved")

	return out, nil
}

func (o *Orchestrator) classifyFailure(msg string) error {
	var allInvalid = true
	for _, c := range o.pool.Snapshot() {
		if c.Status != keypool.StatusInvalid {
			allInvalid = false
			break
		}
	}
	if allInvalid {
		return fmt.Errorf("%w: %s", ErrAllKeysUnusable, msg)
	}
	return fmt.Errorf("%w: %s", ErrUpstreamFailure, msg)
}

// Stats returns a point-in-time snapshot of activity.
func (o *Orchestrator) Stats() StatsSnapshot {
	return StatsSnapshot{
		SnapshotAt:   time.Now(),
		TotalLookups: o.sched.TotalLookups(),
		CacheHits:    o.sched.CacheHits(),
		CacheMisses:  o.sched.CacheMisses(),
		Queued:       o.sched.QueuedTotal(),
		Failed:       o.sched.FailedTotal(),
		KeyRotations: o.sched.KeyRotations(),
		CacheSize:    o.cache.Size(),
		QueueDepth:   o.sched.QueueDepth(),
		Credentials:  o.pool.Snapshot(),
	}
}

// ClearCache wipes every cached entry.
func (o *Orchestrator) ClearCache() {
	o.cache.Clear()
}

// DrainQueue synchronously advances the drainer, for hosts (e.g.
// serverless) that cannot rely on a long-lived background goroutine.
func (o *Orchestrator) DrainQueue(ctx context.Context) int {
	return o.sched.DrainQueue(ctx)
}

// Shutdown stops the background drainer and discards outstanding queued
// requests.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	return o.sched.Shutdown(ctx)
}
