// Package scheduler implements the retry-with-backoff, key-rotation, and
// rate-limit-queueing algorithm that drives every lookup: pick a credential,
// call upstream, react to the outcome, and fall back to a drained queue when
// every credential is temporarily unusable.
//
// Grounded on warming/worker_pool.go's retryTask (attempt loop with
// exponential backoff) and warming/service.go's rate.Limiter-gated
// executeWarmTaskInternal, generalized from a fixed warming task to the
// Normalizer -> Cache -> Coalescer -> Key Pool -> Upstream Adapter flow.
// The hand-rolled `backoff*2^attempt + jitter` formula is replaced with
// github.com/cenkalti/backoff/v4, configured to the same shape (base 1s,
// doubling, 10% jitter, 30s cap) — both gravitational-teleport's and
// incubusfree-consul's go.mod already carry a cenkalti/backoff variant
// transitively; this module promotes it to a direct, deliberate dependency.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/threatguard/reputation-orchestrator/cache"
	"github.com/threatguard/reputation-orchestrator/coalesce"
	"github.com/threatguard/reputation-orchestrator/indicator"
	"github.com/threatguard/reputation-orchestrator/keypool"
	"github.com/threatguard/reputation-orchestrator/upstream"
)

// Status is the tagged result of a Lookup call, replacing the loosely-typed
// status strings the source used.
type Status int

const (
	StatusServedFromCache Status = iota
	StatusServedLive
	StatusQueuedRateLimited
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusServedFromCache:
		return "served_from_cache"
	case StatusServedLive:
		return "served_live"
	case StatusQueuedRateLimited:
		return "queued_rate_limited"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is what a Lookup call resolves to.
type Result struct {
	Status       Status
	Indicator    indicator.Indicator
	Summary      cache.Summary
	ExternalLink string
	UsedKeyID    string

	RateLimitRemaining  *int
	RateLimitResetAt    *time.Time
	RateLimitRetryAfter *time.Duration

	ETA *time.Time
	Err string
}

// Config configures a Scheduler.
type Config struct {
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	DrainPause   time.Duration // floor between drain iterations
	RateLimitRPS float64       // additional self-pacing ceiling on the drainer; 0 means unlimited
}

// DefaultConfig returns the configuration spec.md §6 calls out as defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BackoffBase: 1 * time.Second,
		BackoffCap:  30 * time.Second,
		DrainPause:  100 * time.Millisecond,
	}
}

type queuedRequest struct {
	ctx        context.Context
	ind        indicator.Indicator
	enqueuedAt time.Time
}

// Scheduler wires the Cache, Coalescer, Key Pool, and Upstream Adapter into
// the attempt/rotate/queue/drain algorithm.
type Scheduler struct {
	cfg    Config
	cache  *cache.Cache
	pool   *keypool.Pool
	group  *coalesce.Group
	client *upstream.Client
	log    *logrus.Logger

	drainLimiter *rate.Limiter

	queueMu        sync.Mutex
	queue          []queuedRequest
	drainerRunning bool
	shutdownCh     chan struct{}
	drainerDone    chan struct{}
	shuttingDown   bool

	totalLookups atomic.Int64
	cacheHits    atomic.Int64
	cacheMisses  atomic.Int64
	queuedTotal  atomic.Int64
	failedTotal  atomic.Int64
	keyRotations atomic.Int64
}

// New builds a Scheduler. log must not be nil; pass logrus.StandardLogger()
// if no specific instance is wired in.
func New(cfg Config, c *cache.Cache, pool *keypool.Pool, group *coalesce.Group, client *upstream.Client, log *logrus.Logger) *Scheduler {
	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), 1)
	}
	return &Scheduler{
		cfg:          cfg,
		cache:        c,
		pool:         pool,
		group:        group,
		client:       client,
		log:          log,
		drainLimiter: limiter,
		shutdownCh:   make(chan struct{}),
	}
}

// Lookup runs the full control flow for ind: cache check, coalescing,
// attempt loop with rotation and backoff, and queueing when no credential is
// usable. forceRefresh bypasses the cache read but still writes the cache on
// success.
func (s *Scheduler) Lookup(ctx context.Context, ind indicator.Indicator, forceRefresh bool) Result {
	s.totalLookups.Add(1)
	key := ind.CacheKey()

	if !forceRefresh {
		if summary, ok := s.cache.Get(key); ok {
			s.cacheHits.Add(1)
			return Result{Status: StatusServedFromCache, Indicator: ind, Summary: summary}
		}
	}
	s.cacheMisses.Add(1)

	val, err, _ := s.group.Do(ctx, key, func(callCtx context.Context) (interface{}, error) {
		return s.runAttempts(callCtx, ind), nil
	})
	if err != nil {
		return Result{Status: StatusFailed, Indicator: ind, Err: err.Error()}
	}
	return val.(Result)
}

// runAttempts is the body shared by Lookup and the drainer: up to
// cfg.MaxAttempts tries, rotating credentials on rate-limit/invalid
// outcomes, backing off on transient failures, queueing when no credential
// is available.
func (s *Scheduler) runAttempts(ctx context.Context, ind indicator.Indicator) Result {
	key := ind.CacheKey()
	bo := s.newBackoff()

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		cred, ok := s.pool.Pick()
		if !ok {
			return s.enqueue(ctx, ind)
		}

		res := s.client.Lookup(ctx, ind, cred.Secret)

		switch res.Outcome {
		case upstream.OutcomeSuccess:
			s.pool.ObserveHeaders(cred.ID, res.RateLimit.Remaining, res.RateLimit.ResetAt)
			s.cache.Put(key, res.Summary)
			s.log.WithFields(logrus.Fields{"indicator": key, "key_id": cred.ID}).Debug("lookup served live")
			return Result{
				Status:              StatusServedLive,
				Indicator:           ind,
				Summary:             res.Summary,
				ExternalLink:        res.ExternalLink,
				UsedKeyID:           cred.ID,
				RateLimitRemaining:  res.RateLimit.Remaining,
				RateLimitResetAt:    res.RateLimit.ResetAt,
				RateLimitRetryAfter: res.RateLimit.RetryAfter,
			}

		case upstream.OutcomeNotFound:
			s.pool.ObserveHeaders(cred.ID, res.RateLimit.Remaining, res.RateLimit.ResetAt)
			return Result{Status: StatusServedLive, Indicator: ind, Summary: cache.Summary{}, UsedKeyID: cred.ID}

		case upstream.OutcomeInvalidKey:
			s.pool.MarkInvalid(cred.ID, res.Err.Error())
			s.keyRotations.Add(1)
			lastErr = res.Err
			continue

		case upstream.OutcomeRateLimited:
			s.pool.MarkRateLimited(cred.ID, res.RateLimit.RetryAfter, res.RateLimit.ResetAt)
			s.keyRotations.Add(1)
			lastErr = fmt.Errorf("rate limited")
			continue

		case upstream.OutcomeTransient:
			lastErr = res.Err
			s.sleepBackoff(ctx, bo)
			continue

		default: // OutcomeNonRetryable
			s.failedTotal.Add(1)
			return Result{Status: StatusFailed, Indicator: ind, Err: res.Err.Error()}
		}
	}

	s.failedTotal.Add(1)
	msg := "all attempts failed"
	if lastErr != nil {
		msg = fmt.Sprintf("all attempts failed: %v", lastErr)
	}
	return Result{Status: StatusFailed, Indicator: ind, Err: msg}
}

func (s *Scheduler) newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.BackoffBase
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.1
	bo.MaxInterval = s.cfg.BackoffCap
	bo.MaxElapsedTime = 0 // the attempt loop itself bounds total retries
	return bo
}

func (s *Scheduler) sleepBackoff(ctx context.Context, bo *backoff.ExponentialBackOff) {
	d := bo.NextBackOff()
	if d == backoff.Stop {
		d = s.cfg.BackoffCap
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// enqueue appends ind to the FIFO queue and resolves immediately with
// QueuedRateLimited carrying an ETA, per spec.md §4.6 step 5: the caller
// learns they are queued, and the drainer later warms the cache.
func (s *Scheduler) enqueue(ctx context.Context, ind indicator.Indicator) Result {
	s.queueMu.Lock()
	s.queue = append(s.queue, queuedRequest{ctx: ctx, ind: ind, enqueuedAt: time.Now()})
	s.queuedTotal.Add(1)
	needsDrainer := !s.drainerRunning && !s.shuttingDown
	if needsDrainer {
		s.drainerRunning = true
		s.drainerDone = make(chan struct{})
	}
	s.queueMu.Unlock()

	if needsDrainer {
		go s.runDrainer()
	}

	var eta *time.Time
	if t, ok := s.pool.EarliestResetTime(); ok {
		eta = &t
	}

	return Result{Status: StatusQueuedRateLimited, Indicator: ind, ETA: eta}
}

// runDrainer is the single background task that processes the queue,
// terminating once it is empty or shutdown is requested. Exactly one
// instance runs at a time, guarded by drainerRunning under queueMu, per
// Design Notes §9 ("background task management").
func (s *Scheduler) runDrainer() {
	defer func() {
		s.queueMu.Lock()
		s.drainerRunning = false
		done := s.drainerDone
		s.queueMu.Unlock()
		if done != nil {
			close(done)
		}
	}()

	for {
		select {
		case <-s.shutdownCh:
			return
		default:
		}

		s.queueMu.Lock()
		if len(s.queue) == 0 {
			s.queueMu.Unlock()
			return
		}
		s.queueMu.Unlock()

		if eta, ok := s.pool.EarliestResetTime(); ok {
			if wait := time.Until(eta); wait > 0 {
				if wait > 60*time.Second {
					wait = 60 * time.Second
				}
				select {
				case <-time.After(wait):
				case <-s.shutdownCh:
					return
				}
				continue
			}
		}

		req, ok := s.dequeueNextLive()
		if !ok {
			continue
		}

		if s.drainLimiter != nil {
			_ = s.drainLimiter.Wait(context.Background())
		}

		// Consult the cache first: if another caller already warmed it
		// (spec.md §5's optimization note), skip the redundant upstream call.
		if _, hit := s.cache.Get(req.ind.CacheKey()); !hit {
			s.runAttempts(context.Background(), req.ind)
		}

		select {
		case <-time.After(s.cfg.DrainPause):
		case <-s.shutdownCh:
			return
		}
	}
}

// dequeueNextLive pops entries off the front of the queue, discarding any
// whose context has already been cancelled, and returns the first live one.
func (s *Scheduler) dequeueNextLive() (queuedRequest, bool) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	for len(s.queue) > 0 {
		req := s.queue[0]
		s.queue = s.queue[1:]
		if req.ctx != nil && req.ctx.Err() != nil {
			continue
		}
		return req, true
	}
	return queuedRequest{}, false
}

// DrainQueue synchronously processes up to the current queue depth, for
// hosts that advance the drainer manually instead of relying on the
// background goroutine (spec.md §6's serverless hook). It returns the
// number of requests processed.
func (s *Scheduler) DrainQueue(ctx context.Context) int {
	processed := 0
	for depth := s.QueueDepth(); depth > 0; depth-- {
		req, ok := s.dequeueNextLive()
		if !ok {
			return processed
		}
		if _, hit := s.cache.Get(req.ind.CacheKey()); !hit {
			s.runAttempts(ctx, req.ind)
		}
		processed++
	}
	return processed
}

// QueueDepth returns the number of requests currently queued.
func (s *Scheduler) QueueDepth() int {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return len(s.queue)
}

// Shutdown stops the drainer and discards any remaining queued requests.
// The original callers already received QueuedRateLimited synchronously,
// so discarded requests are not resolved again and are not counted as
// failed; shutdown only stops the background warming work and logs how
// many requests were dropped.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.queueMu.Lock()
	if s.shuttingDown {
		s.queueMu.Unlock()
		return nil
	}
	s.shuttingDown = true
	dropped := len(s.queue)
	s.queue = nil
	running := s.drainerRunning
	done := s.drainerDone
	s.queueMu.Unlock()

	close(s.shutdownCh)

	if running && done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if dropped > 0 {
		s.log.WithField("dropped", dropped).Warn("discarding queued requests on shutdown")
	}
	return nil
}

// Stats snapshot accessors, consumed by the orchestrator facade's Stats().
func (s *Scheduler) TotalLookups() int64 { return s.totalLookups.Load() }
func (s *Scheduler) CacheHits() int64    { return s.cacheHits.Load() }
func (s *Scheduler) CacheMisses() int64  { return s.cacheMisses.Load() }
func (s *Scheduler) QueuedTotal() int64  { return s.queuedTotal.Load() }
func (s *Scheduler) FailedTotal() int64  { return s.failedTotal.Load() }
func (s *Scheduler) KeyRotations() int64 { return s.keyRotations.Load() }
