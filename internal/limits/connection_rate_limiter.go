// Package limits provides connection-accept and per-session frame rate
// limiting.
package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnectionRateLimiter throttles connection attempts at two levels: a
// per-IP token bucket against a single flooding client and a global bucket
// against distributed floods. Legitimate reconnect bursts pass through the
// burst allowance.
type ConnectionRateLimiter struct {
	ipMu       sync.RWMutex
	ipLimiters map[string]*ipLimiterEntry
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	globalLimiter *rate.Limiter

	logger        zerolog.Logger
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnectionRateLimiterConfig configures a ConnectionRateLimiter. Zero
// values take defaults: per IP 10 burst at 1/s with a 5 minute TTL, global
// 300 burst at 50/s.
type ConnectionRateLimiterConfig struct {
	IPBurst int
	IPRate  float64
	IPTTL   time.Duration

	GlobalBurst int
	GlobalRate  float64

	Logger zerolog.Logger
}

// NewConnectionRateLimiter builds the limiter and starts the stale-IP
// cleanup loop.
func NewConnectionRateLimiter(config ConnectionRateLimiterConfig) *ConnectionRateLimiter {
	if config.IPBurst == 0 {
		config.IPBurst = 10
	}
	if config.IPRate == 0 {
		config.IPRate = 1.0
	}
	if config.IPTTL == 0 {
		config.IPTTL = 5 * time.Minute
	}
	if config.GlobalBurst == 0 {
		config.GlobalBurst = 300
	}
	if config.GlobalRate == 0 {
		config.GlobalRate = 50.0
	}

	l := &ConnectionRateLimiter{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       config.IPBurst,
		ipRate:        config.IPRate,
		ipTTL:         config.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		logger:        config.Logger.With().Str("component", "connection_rate_limiter").Logger(),
		stopCleanup:   make(chan struct{}),
	}

	l.cleanupTicker = time.NewTicker(1 * time.Minute)
	go l.cleanupLoop()

	return l
}

// Allow reports whether a connection attempt from ip may proceed. The
// global bucket is checked first, then the per-IP bucket.
func (l *ConnectionRateLimiter) Allow(ip string) bool {
	if !l.globalLimiter.Allow() {
		l.logger.Debug().Str("ip", ip).Msg("Connection rejected: global rate limit exceeded")
		return false
	}
	if !l.ipLimiter(ip).Allow() {
		l.logger.Debug().Str("ip", ip).Msg("Connection rejected: per-IP rate limit exceeded")
		return false
	}
	return true
}

func (l *ConnectionRateLimiter) ipLimiter(ip string) *rate.Limiter {
	l.ipMu.RLock()
	entry, exists := l.ipLimiters[ip]
	l.ipMu.RUnlock()
	if exists {
		l.ipMu.Lock()
		entry.lastAccess = time.Now()
		l.ipMu.Unlock()
		return entry.limiter
	}

	l.ipMu.Lock()
	defer l.ipMu.Unlock()
	if entry, exists = l.ipLimiters[ip]; exists {
		entry.lastAccess = time.Now()
		return entry.limiter
	}
	limiter := rate.NewLimiter(rate.Limit(l.ipRate), l.ipBurst)
	l.ipLimiters[ip] = &ipLimiterEntry{limiter: limiter, lastAccess: time.Now()}
	return limiter
}

func (l *ConnectionRateLimiter) cleanupLoop() {
	for {
		select {
		case <-l.cleanupTicker.C:
			l.cleanup()
		case <-l.stopCleanup:
			l.cleanupTicker.Stop()
			return
		}
	}
}

func (l *ConnectionRateLimiter) cleanup() {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()
	now := time.Now()
	for ip, entry := range l.ipLimiters {
		if now.Sub(entry.lastAccess) > l.ipTTL {
			delete(l.ipLimiters, ip)
		}
	}
}

// Stop terminates the cleanup loop.
func (l *ConnectionRateLimiter) Stop() {
	close(l.stopCleanup)
}

// TrackedIPs returns the number of IPs with live limiters.
func (l *ConnectionRateLimiter) TrackedIPs() int {
	l.ipMu.RLock()
	defer l.ipMu.RUnlock()
	return len(l.ipLimiters)
}

// FrameLimiter throttles inbound WAMP frames on one session. It allows
// bursts of rapid requests while capping the sustained rate.
type FrameLimiter struct {
	limiter *rate.Limiter
}

// NewFrameLimiter creates a per-session frame limiter. Zero values take
// defaults: 100 burst at 10 frames/s.
func NewFrameLimiter(framesPerSec float64, burst int) *FrameLimiter {
	if framesPerSec == 0 {
		framesPerSec = 10
	}
	if burst == 0 {
		burst = 100
	}
	return &FrameLimiter{limiter: rate.NewLimiter(rate.Limit(framesPerSec), burst)}
}

// Allow reports whether one more frame may be processed now.
func (f *FrameLimiter) Allow() bool {
	return f.limiter.Allow()
}
