package dht

import (
	"net/netip"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const limiterCacheSize = 4096

// queryLimiter throttles inbound queries per source address. Buckets for
// the least recently seen addresses are forgotten once the cache is full.
type queryLimiter struct {
	buckets *lru.Cache[netip.Addr, *rate.Limiter]
	limit   rate.Limit
	burst   int
}

// newQueryLimiter returns nil when perSecond is not positive, which
// disables limiting.
func newQueryLimiter(perSecond float64, burst int) *queryLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	cache, err := lru.New[netip.Addr, *rate.Limiter](limiterCacheSize)
	if err != nil {
		return nil
	}
	return &queryLimiter{
		buckets: cache,
		limit:   rate.Limit(perSecond),
		burst:   burst,
	}
}

// allow reports whether a query from addr may be answered.
func (l *queryLimiter) allow(addr netip.Addr) bool {
	if l == nil {
		return true
	}
	bkt, ok := l.buckets.Get(addr)
	if !ok {
		bkt = rate.NewLimiter(l.limit, l.burst)
		l.buckets.Add(addr, bkt)
	}
	return bkt.Allow()
}
