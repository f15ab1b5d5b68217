package middleware

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxFailuresPerMinute is the default number of failed auth
	// attempts tolerated per client per minute.
	DefaultMaxFailuresPerMinute = 10

	defaultMaxTrackedClients = 10000
	pruneInterval            = time.Minute
	staleAfter               = 5 * time.Minute
)

type failureEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// FailureLimiter throttles clients by their rate of failed authentication
// attempts. Idle clients are pruned lazily as failures are recorded.
type FailureLimiter struct {
	mu         sync.Mutex
	entries    map[string]*failureEntry
	perMinute  int
	maxClients int
	lastPrune  time.Time
	now        func() time.Time
}

// NewFailureLimiter returns a limiter allowing perMinute failures per
// client. A non-positive value selects [DefaultMaxFailuresPerMinute].
func NewFailureLimiter(perMinute int) *FailureLimiter {
	if perMinute <= 0 {
		perMinute = DefaultMaxFailuresPerMinute
	}
	return &FailureLimiter{
		entries:    make(map[string]*failureEntry),
		perMinute:  perMinute,
		maxClients: defaultMaxTrackedClients,
		now:        time.Now,
	}
}

// RecordFailure records a failed attempt by client and reports whether the
// client is still within its budget.
func (l *FailureLimiter) RecordFailure(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastPrune) >= pruneInterval {
		l.pruneLocked(now)
	}

	e, ok := l.entries[client]
	if !ok {
		if len(l.entries) >= l.maxClients {
			l.evictOldestLocked()
		}
		e = &failureEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(l.perMinute)/60.0), l.perMinute),
		}
		l.entries[client] = e
	}
	e.lastSeen = now

	return e.limiter.AllowN(now, 1)
}

// Tracked returns the number of clients with recorded failures.
func (l *FailureLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *FailureLimiter) pruneLocked(now time.Time) {
	for client, e := range l.entries {
		if now.Sub(e.lastSeen) > staleAfter {
			delete(l.entries, client)
		}
	}
	l.lastPrune = now
}

func (l *FailureLimiter) evictOldestLocked() {
	var (
		oldest     string
		oldestSeen time.Time
	)
	for client, e := range l.entries {
		if oldest == "" || e.lastSeen.Before(oldestSeen) {
			oldest, oldestSeen = client, e.lastSeen
		}
	}
	delete(l.entries, oldest)
}

// ExtractIP strips the port from a remote address.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
