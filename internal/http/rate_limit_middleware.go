package httpx

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const rateLimiterSweepInterval = 5 * time.Minute

// RateLimiter counts requests per key within fixed windows.
type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	count     int
	windowEnd time.Time
}

// rateRule is one bucket a request is charged against. A request must pass
// every rule attached to its route.
type rateRule struct {
	limit  int
	window time.Duration
	key    func(*http.Request) string
}

// peerRule buckets by connecting address and route pattern.
func peerRule(limit int, window time.Duration) rateRule {
	return rateRule{limit: limit, window: window, key: rateLimitKeyPeer}
}

// releaseRule buckets lifecycle writes per release, shared by every client
// and every lifecycle route of that release.
func releaseRule(limit int, window time.Duration) rateRule {
	return rateRule{limit: limit, window: window, key: rateLimitKeyRelease}
}

type windowCounter struct {
	count     int
	windowEnd time.Time
}

type memoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]windowCounter
	stopCh  chan struct{}
	once    sync.Once
}

// NewMemoryRateLimiter returns a process-local limiter. Expired windows are
// swept periodically until Close.
func NewMemoryRateLimiter() RateLimiter {
	rl := &memoryRateLimiter{
		windows: make(map[string]windowCounter),
		stopCh:  make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

func (rl *memoryRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	switch {
	case !ok || now.After(w.windowEnd):
		w = windowCounter{count: 1, windowEnd: now.Add(window)}
	case w.count >= limit:
		return rateDecision{allowed: false, count: w.count, windowEnd: w.windowEnd}
	default:
		w.count++
	}
	rl.windows[key] = w
	return rateDecision{allowed: true, count: w.count, windowEnd: w.windowEnd}
}

func (rl *memoryRateLimiter) sweepLoop() {
	ticker := time.NewTicker(rateLimiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			rl.sweep(now)
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *memoryRateLimiter) sweep(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, w := range rl.windows {
		if now.After(w.windowEnd) {
			delete(rl.windows, key)
		}
	}
}

func (rl *memoryRateLimiter) Close() {
	rl.once.Do(func() {
		close(rl.stopCh)
	})
}

// withRateLimit charges the request against each rule in order and rejects it
// with 429 on the first exhausted bucket. Rules with no limit are skipped.
func (r *Router) withRateLimit(route string, rules []rateRule, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.limiter == nil {
			next(w, req)
			return
		}
		for _, rule := range rules {
			if rule.limit <= 0 {
				continue
			}
			key := rule.key(req)
			if key == "" {
				key = rateLimitKeyPeer(req)
			}
			decision := r.limiter.Allow(key, rule.limit, rule.window)
			r.applyRateHeaders(w, rule.limit, decision)
			if !decision.allowed {
				r.recordRateLimitHit(route, rateMetricKey(key))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
		}
		next(w, req)
	}
}

// rateLimitKeyPeer uses the connecting address only. Forwarded headers are
// set by the caller and are not trusted for accounting.
func rateLimitKeyPeer(req *http.Request) string {
	host := remoteHost(req)
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host + ":" + req.Pattern
}

func rateLimitKeyRelease(req *http.Request) string {
	id := strings.TrimSpace(req.PathValue("release_id"))
	if id == "" {
		return ""
	}
	return "release:" + id
}

func remoteHost(req *http.Request) string {
	addr := strings.TrimSpace(req.RemoteAddr)
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func rateMetricKey(key string) string {
	if key == "" {
		return "unknown"
	}
	if idx := strings.IndexRune(key, ':'); idx > 0 {
		return key[:idx]
	}
	return key
}
