package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/threatguard/reputation-orchestrator/cache"
	"github.com/threatguard/reputation-orchestrator/coalesce"
	"github.com/threatguard/reputation-orchestrator/indicator"
	"github.com/threatguard/reputation-orchestrator/keypool"
	"github.com/threatguard/reputation-orchestrator/upstream"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel) // keep test output quiet
	return l
}

func testHash() string {
	return "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
}

func newTestScheduler(t *testing.T, pool *keypool.Pool, srv *httptest.Server, cfg Config) *Scheduler {
	t.Helper()
	client := upstream.New(upstream.Config{BaseURL: srv.URL, HeaderName: "x-apikey"})
	return New(cfg, cache.New(cache.WithTTL(time.Hour)), pool, coalesce.New(), client, testLogger())
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.BackoffBase = 1 * time.Millisecond
	cfg.BackoffCap = 5 * time.Millisecond
	cfg.DrainPause = 1 * time.Millisecond
	return cfg
}

func TestLookup_ServedLiveThenCacheHit(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"data":{"attributes":{"last_analysis_stats":{"malicious":5,"suspicious":2,"harmless":50,"undetected":3}}}}`))
	}))
	defer srv.Close()

	pool, err := keypool.New([]string{"key-a"}, time.Minute, 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	s := newTestScheduler(t, pool, srv, fastConfig())

	ind, _ := indicator.Normalize(testHash(), indicator.KindUnknown)

	res := s.Lookup(context.Background(), ind, false)
	if res.Status != StatusServedLive {
		t.Fatalf("first lookup Status = %v, want ServedLive", res.Status)
	}
	if res.Summary.TotalScans != 60 {
		t.Fatalf("Summary = %+v", res.Summary)
	}

	res2 := s.Lookup(context.Background(), ind, false)
	if res2.Status != StatusServedFromCache {
		t.Fatalf("second lookup Status = %v, want ServedFromCache", res2.Status)
	}
	if res2.Summary != res.Summary {
		t.Fatalf("cached summary %+v != original %+v", res2.Summary, res.Summary)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("upstream called %d times, want 1", got)
	}
}

func TestLookup_KeyRotationOn500(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"data":{"attributes":{"last_analysis_stats":{"malicious":1,"suspicious":0,"harmless":60,"undetected":2}}}}`))
	}))
	defer srv.Close()

	pool, err := keypool.New([]string{"key-a", "key-b"}, time.Minute, 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	s := newTestScheduler(t, pool, srv, fastConfig())

	ind, _ := indicator.Normalize(testHash(), indicator.KindUnknown)
	res := s.Lookup(context.Background(), ind, false)

	if res.Status != StatusServedLive {
		t.Fatalf("Status = %v, want ServedLive", res.Status)
	}
	if res.Summary.TotalScans != 63 {
		t.Fatalf("Summary = %+v", res.Summary)
	}
	if got := s.KeyRotations(); got != 0 {
		t.Fatalf("KeyRotations() = %d, want 0 (500 is transient, not a rotation)", got)
	}
}

func TestLookup_InvalidKeyRotationOn401(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"data":{"attributes":{"last_analysis_stats":{"malicious":0,"suspicious":0,"harmless":1,"undetected":0}}}}`))
	}))
	defer srv.Close()

	pool, err := keypool.New([]string{"key-a", "key-b"}, time.Minute, 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	s := newTestScheduler(t, pool, srv, fastConfig())

	ind, _ := indicator.Normalize(testHash(), indicator.KindUnknown)
	res := s.Lookup(context.Background(), ind, false)

	if res.Status != StatusServedLive {
		t.Fatalf("Status = %v, want ServedLive", res.Status)
	}
	if got := s.KeyRotations(); got != 1 {
		t.Fatalf("KeyRotations() = %d, want 1", got)
	}

	var invalid int
	for _, c := range pool.Snapshot() {
		if c.Status == keypool.StatusInvalid {
			invalid++
		}
	}
	if invalid != 1 {
		t.Fatalf("invalid credentials = %d, want 1", invalid)
	}
}

func TestLookup_AllKeysInvalidFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	pool, err := keypool.New([]string{"a", "b", "c"}, time.Minute, 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	s := newTestScheduler(t, pool, srv, fastConfig())

	ind, _ := indicator.Normalize(testHash(), indicator.KindUnknown)
	res := s.Lookup(context.Background(), ind, false)

	if res.Status != StatusFailed {
		t.Fatalf("Status = %v, want Failed", res.Status)
	}

	for _, c := range pool.Snapshot() {
		if c.Status != keypool.StatusInvalid {
			t.Errorf("credential %s Status = %v, want Invalid", c.ID, c.Status)
		}
	}
}

func TestLookup_RateLimitedQueuesWithETA(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	pool, err := keypool.New([]string{"only-key"}, time.Minute, 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	s := newTestScheduler(t, pool, srv, fastConfig())

	ind, _ := indicator.Normalize(testHash(), indicator.KindUnknown)
	res := s.Lookup(context.Background(), ind, false)

	if res.Status != StatusQueuedRateLimited {
		t.Fatalf("Status = %v, want QueuedRateLimited", res.Status)
	}
	if res.ETA == nil {
		t.Fatal("expected non-nil ETA")
	}
	if s.QueueDepth() != 1 {
		t.Fatalf("QueueDepth() = %d, want 1", s.QueueDepth())
	}

	var found bool
	for _, c := range pool.Snapshot() {
		if c.Status == keypool.StatusCooldown {
			found = true
		}
	}
	if !found {
		t.Fatal("expected credential to be in Cooldown")
	}

	_ = s.Shutdown(context.Background())
}

func TestLookup_RateLimitRotationCountsTowardKeyRotations(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"data":{"attributes":{"last_analysis_stats":{"malicious":0,"suspicious":0,"harmless":4,"undetected":0}}}}`))
	}))
	defer srv.Close()

	pool, err := keypool.New([]string{"key-a", "key-b"}, time.Minute, 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	s := newTestScheduler(t, pool, srv, fastConfig())
	defer s.Shutdown(context.Background())

	ind, _ := indicator.Normalize(testHash(), indicator.KindUnknown)
	res := s.Lookup(context.Background(), ind, false)

	if res.Status != StatusServedLive {
		t.Fatalf("Status = %v, want ServedLive", res.Status)
	}
	if got := s.KeyRotations(); got != 1 {
		t.Fatalf("KeyRotations() = %d, want 1 (rate-limited rotation must count)", got)
	}
}

func TestLookup_ConcurrentDuplicatesCoalesce(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"data":{"attributes":{"last_analysis_stats":{"malicious":1,"suspicious":1,"harmless":1,"undetected":1}}}}`))
	}))
	defer srv.Close()

	pool, err := keypool.New([]string{"only-key"}, time.Minute, 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	s := newTestScheduler(t, pool, srv, fastConfig())

	ind, _ := indicator.Normalize(testHash(), indicator.KindUnknown)

	var wg sync.WaitGroup
	results := make([]Result, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.Lookup(context.Background(), ind, false)
		}(i)
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("upstream called %d times, want exactly 1", got)
	}
	for i, r := range results {
		if r.Status != StatusServedLive {
			t.Errorf("results[%d].Status = %v, want ServedLive", i, r.Status)
		}
		if r.Summary != results[0].Summary {
			t.Errorf("results[%d].Summary = %+v, want %+v", i, r.Summary, results[0].Summary)
		}
	}
}

func TestDrainQueue_WarmsCacheManually(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"data":{"attributes":{"last_analysis_stats":{"malicious":0,"suspicious":0,"harmless":9,"undetected":0}}}}`))
	}))
	defer srv.Close()

	pool, err := keypool.New([]string{"only-key"}, 5*time.Millisecond, 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	s := newTestScheduler(t, pool, srv, fastConfig())

	ind, _ := indicator.Normalize(testHash(), indicator.KindUnknown)
	res := s.Lookup(context.Background(), ind, false)
	if res.Status != StatusQueuedRateLimited {
		t.Fatalf("Status = %v, want QueuedRateLimited", res.Status)
	}

	// Stop the background drainer this test doesn't want racing with the
	// manual DrainQueue call below.
	_ = s.Shutdown(context.Background())

	time.Sleep(10 * time.Millisecond) // let the cooldown expire

	// Re-enqueue manually since Shutdown discarded the queue.
	s.queueMu.Lock()
	s.shuttingDown = false
	s.shutdownCh = make(chan struct{})
	s.queue = append(s.queue, queuedRequest{ctx: context.Background(), ind: ind, enqueuedAt: time.Now()})
	s.queueMu.Unlock()

	processed := s.DrainQueue(context.Background())
	if processed != 1 {
		t.Fatalf("DrainQueue() processed %d, want 1", processed)
	}

	if _, ok := s.cache.Get(ind.CacheKey()); !ok {
		t.Fatal("expected cache to be warmed by drain")
	}
}

func TestShutdown_StopsDrainerAndDropsQueue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	pool, err := keypool.New([]string{"only-key"}, time.Minute, 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	s := newTestScheduler(t, pool, srv, fastConfig())

	ind, _ := indicator.Normalize(testHash(), indicator.KindUnknown)
	s.Lookup(context.Background(), ind, false)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if s.QueueDepth() != 0 {
		t.Fatalf("QueueDepth() = %d after Shutdown, want 0", s.QueueDepth())
	}
}
