// Package coalesce deduplicates concurrent lookups for the same key into a
// single upstream call, so a stampede of callers asking for the same
// indicator at once produces exactly one request.
//
// Grounded on the request-coalescing pattern in cache-manager/singleflight.go
// (the "at most one execution in flight per key" shape, and the InFlight
// counter for observability), but built on the real
// golang.org/x/sync/singleflight.Group rather than the hand-rolled
// map+sync.WaitGroup version — the same standardization the teacher itself
// already made in warming/service.go, whose deduper field uses the real
// library directly.
package coalesce

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// call tracks the shared, caller-independent context for one in-flight
// execution of a key, plus how many waiters are still attached to it.
type call struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Group coalesces concurrent calls sharing a key into one execution, with
// context-aware cancellation for waiters: a caller whose context is
// cancelled returns immediately rather than waiting for the in-flight call
// to finish, without affecting any other waiter still attached to the same
// key. Because singleflight.Group only ever invokes the first registrant's
// closure, that closure cannot be bound to any single caller's ctx — doing
// so would abort the shared call the moment that one caller (and only that
// one) gave up. Instead each key's execution runs against its own
// independent context, and is only cancelled once the waiter count for that
// key drops to zero.
type Group struct {
	g        singleflight.Group
	inFlight atomic.Int64

	mu    sync.Mutex
	calls map[string]*call
}

// New builds an empty Group.
func New() *Group {
	return &Group{calls: make(map[string]*call)}
}

// Do executes fn for key if no call for key is already in flight, or waits
// for and shares the result of the in-flight call. fn receives a context
// independent of any individual caller's ctx — it is cancelled only once
// every waiter attached to key has itself given up, never by a single
// caller's cancellation while others remain attached.
//
// If ctx is cancelled before the shared result is available, Do returns
// ctx.Err() immediately. The in-flight call keeps running for the benefit
// of any other still-attached waiter, and still populates the cache for
// later lookups, unless this was the last waiter, in which case the call's
// own context is cancelled too.
func (g *Group) Do(ctx context.Context, key string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error, bool) {
	g.mu.Lock()
	c, attached := g.calls[key]
	if !attached {
		callCtx, cancel := context.WithCancel(context.Background())
		c = &call{ctx: callCtx, cancel: cancel}
		g.calls[key] = c
	}
	c.waiters++
	g.mu.Unlock()

	resultCh := g.g.DoChan(key, func() (interface{}, error) {
		g.inFlight.Add(1)
		defer g.inFlight.Add(-1)
		defer c.cancel()
		defer func() {
			g.mu.Lock()
			if cur, ok := g.calls[key]; ok && cur == c {
				delete(g.calls, key)
			}
			g.mu.Unlock()
		}()
		return fn(c.ctx)
	})

	select {
	case res := <-resultCh:
		return res.Val, res.Err, res.Shared
	case <-ctx.Done():
		g.mu.Lock()
		c.waiters--
		lastWaiter := c.waiters <= 0
		if lastWaiter {
			if cur, ok := g.calls[key]; ok && cur == c {
				delete(g.calls, key)
			}
		}
		g.mu.Unlock()
		if lastWaiter {
			c.cancel()
		}
		return nil, ctx.Err(), false
	}
}

// Forget tells the Group to forget about key, so the next call for it is
// guaranteed to execute fn rather than being coalesced into a call that may
// already be winding down.
func (g *Group) Forget(key string) {
	g.g.Forget(key)
}

// InFlight returns the number of distinct keys with a call currently
// executing.
func (g *Group) InFlight() int64 {
	return g.inFlight.Load()
}
