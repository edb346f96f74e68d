package security

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Client limiter defaults.
const (
	DefaultVisitorTTL      = 3 * time.Minute
	DefaultCleanupInterval = time.Minute
)

// ClientLimiter keeps a token bucket per client address.
type ClientLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	ttl      time.Duration
	now      func() time.Time

	stop chan struct{}
	once sync.Once
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewClientLimiter allows perSecond requests per client with the given burst.
// Idle clients are forgotten after DefaultVisitorTTL.
func NewClientLimiter(perSecond float64, burst int) *ClientLimiter {
	return &ClientLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		ttl:      DefaultVisitorTTL,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// Allow reports whether a request from client may proceed now.
func (c *ClientLimiter) Allow(client string) bool {
	return c.get(client).AllowN(c.now(), 1)
}

func (c *ClientLimiter) get(client string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.visitors[client]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(c.limit, c.burst)}
		c.visitors[client] = v
	}
	v.lastSeen = c.now()
	return v.limiter
}

// SetRate changes the limit for existing and future clients.
func (c *ClientLimiter) SetRate(perSecond float64, burst int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limit = rate.Limit(perSecond)
	c.burst = burst
	now := c.now()
	for _, v := range c.visitors {
		v.limiter.SetLimitAt(now, c.limit)
		v.limiter.SetBurstAt(now, burst)
	}
}

// Clients returns the number of tracked clients.
func (c *ClientLimiter) Clients() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.visitors)
}

// Sweep forgets clients idle for longer than the TTL.
func (c *ClientLimiter) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	cutoff := c.now().Add(-c.ttl)
	for client, v := range c.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(c.visitors, client)
			removed++
		}
	}
	return removed
}

// Run sweeps idle clients every interval until Close.
func (c *ClientLimiter) Run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Close stops Run.
func (c *ClientLimiter) Close() {
	c.once.Do(func() { close(c.stop) })
}

// Middleware rejects requests over the limit by calling limited instead of
// next.
func (c *ClientLimiter) Middleware(next http.Handler, limited http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.Allow(ClientAddr(r)) {
			limited(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientAddr returns the remote host of r without the port.
func ClientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return host
}
