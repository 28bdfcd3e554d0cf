package server

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"

	"github.com/thruflo/fieldtrack/internal/logging"
)

// RateLimitConfig limits authentication attempts, control requests and feed
// connections per client IP.
type RateLimitConfig struct {
	MaxRequests int           // Maximum requests per window (default: 10)
	Window      time.Duration // Sliding window (default: 1 minute)
	BlockAfter  int           // Block after this many rejected requests (default: 20)
	BlockTime   time.Duration // Base block duration (default: 5 minutes, doubles each block)
}

// DefaultRateLimitConfig returns the default rate limiting configuration.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxRequests: 10,
		Window:      time.Minute,
		BlockAfter:  20,
		BlockTime:   5 * time.Minute,
	}
}

// rateLimiter is a sliding window limiter. Clients that keep hitting the limit
// are blocked with exponential backoff.
type rateLimiter struct {
	mu     sync.Mutex
	config RateLimitConfig
	clock  clockwork.Clock
	logger *logging.Logger

	requests map[string][]time.Time
	rejected map[string]int
	blocked  map[string]time.Time
}

func newRateLimiter(config RateLimitConfig, clock clockwork.Clock, logger *logging.Logger) *rateLimiter {
	defaults := DefaultRateLimitConfig()
	if config.MaxRequests <= 0 {
		config.MaxRequests = defaults.MaxRequests
	}
	if config.Window <= 0 {
		config.Window = defaults.Window
	}
	if config.BlockAfter <= 0 {
		config.BlockAfter = defaults.BlockAfter
	}
	if config.BlockTime <= 0 {
		config.BlockTime = defaults.BlockTime
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = logging.Discard()
	}

	return &rateLimiter{
		config:   config,
		clock:    clock,
		logger:   logger,
		requests: make(map[string][]time.Time),
		rejected: make(map[string]int),
		blocked:  make(map[string]time.Time),
	}
}

// checkResult is the outcome of one rate limit check.
type checkResult struct {
	Allowed    bool
	RetryAfter time.Duration
	IsBlocked  bool
	Reason     string
}

// check records a request from ip and reports whether it may proceed.
func (rl *rateLimiter) check(ip string) checkResult {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()

	if expiry, ok := rl.blocked[ip]; ok {
		if now.Before(expiry) {
			return checkResult{RetryAfter: expiry.Sub(now), IsBlocked: true, Reason: "too many rejected requests"}
		}
		delete(rl.blocked, ip)
	}

	rl.requests[ip] = pruneBefore(rl.requests[ip], now.Add(-rl.config.Window))

	if n := len(rl.requests[ip]); n >= rl.config.MaxRequests {
		retryAfter := rl.requests[ip][0].Add(rl.config.Window).Sub(now)
		if retryAfter <= 0 {
			retryAfter = time.Second
		}
		rl.reject(ip, now)
		return checkResult{RetryAfter: retryAfter, Reason: "rate limit exceeded"}
	}

	rl.requests[ip] = append(rl.requests[ip], now)
	return checkResult{Allowed: true}
}

// reject counts a rejection and blocks ip once BlockAfter is reached. Each
// further BlockAfter rejections double the block, capped at 24 hours.
func (rl *rateLimiter) reject(ip string, now time.Time) {
	rl.rejected[ip]++
	count := rl.rejected[ip]
	if count < rl.config.BlockAfter {
		return
	}

	blocks := (count - rl.config.BlockAfter) / rl.config.BlockAfter
	if blocks > 16 {
		blocks = 16
	}
	d := rl.config.BlockTime * time.Duration(1<<blocks)
	if maxBlock := 24 * time.Hour; d > maxBlock {
		d = maxBlock
	}
	rl.blocked[ip] = now.Add(d)
	rl.logger.Warn("client blocked", "ip", ip, "duration", d, "rejected", count)
}

// fail counts a failed attempt from ip toward its block.
func (rl *rateLimiter) fail(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.reject(ip, rl.clock.Now())
}

// cleanup drops expired windows, blocks and rejection counts.
func (rl *rateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	windowStart := now.Add(-rl.config.Window)

	for ip, ts := range rl.requests {
		if valid := pruneBefore(ts, windowStart); len(valid) > 0 {
			rl.requests[ip] = valid
		} else {
			delete(rl.requests, ip)
		}
	}
	for ip, expiry := range rl.blocked {
		if now.After(expiry) {
			delete(rl.blocked, ip)
		}
	}
	// Rejection counts survive only while the client is blocked or active.
	for ip := range rl.rejected {
		_, isBlocked := rl.blocked[ip]
		_, isActive := rl.requests[ip]
		if !isBlocked && !isActive {
			delete(rl.rejected, ip)
		}
	}
}

func pruneBefore(ts []time.Time, start time.Time) []time.Time {
	valid := ts[:0]
	for _, t := range ts {
		if t.After(start) {
			valid = append(valid, t)
		}
	}
	return valid
}

// middleware rejects over-limit clients with 429 and a Retry-After header.
func (rl *rateLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		res := rl.check(c.ClientIP())
		if !res.Allowed {
			secs := int(res.RetryAfter.Round(time.Second) / time.Second)
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": res.Reason})
			return
		}
		c.Next()
	}
}
