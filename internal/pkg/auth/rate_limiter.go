package auth

import (
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/endorses/oapxray/internal/pkg/logger"
)

const (
	// DefaultMaxFailures is how many bad keys a client may present per window.
	DefaultMaxFailures = 5
	// DefaultBlockDuration is both the failure window and the block length.
	DefaultBlockDuration = 60 * time.Second

	sweepInterval = 30 * time.Second
)

// ErrRateLimited is returned when a client is rate limited.
var ErrRateLimited = errors.New("too many authentication failures, try again later")

type strikes struct {
	count        int
	windowStart  time.Time
	blockedUntil time.Time
}

// RateLimiter blocks client addresses that keep presenting bad API keys.
type RateLimiter struct {
	mu          sync.Mutex
	clients     map[string]*strikes
	maxFailures int
	window      time.Duration
	done        chan struct{}
	wg          sync.WaitGroup
}

// NewRateLimiter creates a limiter with the default thresholds.
func NewRateLimiter() *RateLimiter {
	return NewRateLimiterWithConfig(DefaultMaxFailures, DefaultBlockDuration)
}

// NewRateLimiterWithConfig blocks a client for window once it reaches
// maxFailures failures within window.
func NewRateLimiterWithConfig(maxFailures int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		clients:     make(map[string]*strikes),
		maxFailures: maxFailures,
		window:      window,
		done:        make(chan struct{}),
	}
	rl.wg.Add(1)
	go rl.sweepLoop()
	return rl
}

// IsBlocked reports whether the client behind r is currently blocked.
func (rl *RateLimiter) IsBlocked(r *http.Request) bool {
	ip := clientIP(r)
	if ip == "" {
		return false
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	s, ok := rl.clients[ip]
	return ok && time.Now().Before(s.blockedUntil)
}

// RecordFailure counts a failed attempt and reports whether the client is
// now blocked.
func (rl *RateLimiter) RecordFailure(r *http.Request) bool {
	ip := clientIP(r)
	if ip == "" {
		return false
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	s, ok := rl.clients[ip]
	if !ok || now.Sub(s.windowStart) >= rl.window {
		// New client, or the previous window (and any block) has run out.
		rl.clients[ip] = &strikes{count: 1, windowStart: now}
		return rl.maxFailures <= 1 && rl.block(ip, rl.clients[ip], now)
	}

	s.count++
	if s.count >= rl.maxFailures {
		return rl.block(ip, s, now)
	}
	return false
}

func (rl *RateLimiter) block(ip string, s *strikes, now time.Time) bool {
	s.blockedUntil = now.Add(rl.window)
	logger.Warn("Client blocked due to authentication failures",
		"client_ip", ip,
		"failure_count", s.count)
	return true
}

// RecordSuccess forgets earlier failures of the client behind r.
func (rl *RateLimiter) RecordSuccess(r *http.Request) {
	ip := clientIP(r)
	if ip == "" {
		return
	}
	rl.mu.Lock()
	delete(rl.clients, ip)
	rl.mu.Unlock()
}

func (rl *RateLimiter) sweepLoop() {
	defer rl.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case now := <-ticker.C:
			rl.sweep(now)
		}
	}
}

// sweep drops clients that are neither blocked nor inside a failure window.
func (rl *RateLimiter) sweep(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, s := range rl.clients {
		if now.After(s.blockedUntil) && now.Sub(s.windowStart) >= rl.window {
			delete(rl.clients, ip)
		}
	}
}

// Stop stops the sweeper goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.done)
	rl.wg.Wait()
}

// clientIP is the remote address of r without its port.
func clientIP(r *http.Request) string {
	if r.RemoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
