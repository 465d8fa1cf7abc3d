package velox

import (
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RequestID returns a middleware that echoes the client's x-request-id or
// assigns a new one, on the response headers.
func RequestID() Middleware {
	return func(next Handler) Handler {
		return func(req *Request, res *Response) {
			id := req.Header.Get("x-request-id")
			if id == "" {
				id = uuid.NewString()
			}
			res.Header().Set("x-request-id", id)
			next(req, res)
		}
	}
}

// RateLimiterConfig holds configuration for the RateLimiter middleware.
type RateLimiterConfig struct {
	// RequestsPerSecond is the sustained rate per client.
	RequestsPerSecond int
	// BurstSize is the bucket capacity (default: twice the rate).
	BurstSize int
	// KeyFunc identifies the client (default: x-forwarded-for, then the
	// peer IP).
	KeyFunc func(req *Request) string
}

// RateLimiter returns a token-bucket rate limiter answering 429 once a
// client's bucket is empty.
func RateLimiter(requestsPerSecond int) Middleware {
	return RateLimiterWithConfig(RateLimiterConfig{RequestsPerSecond: requestsPerSecond})
}

// RateLimiterWithConfig returns a rate limiter with custom configuration.
func RateLimiterWithConfig(config RateLimiterConfig) Middleware {
	if config.RequestsPerSecond <= 0 {
		panic("velox: requests per second must be positive")
	}
	if config.BurstSize <= 0 {
		config.BurstSize = config.RequestsPerSecond * 2
	}
	if config.KeyFunc == nil {
		config.KeyFunc = clientKey
	}
	limit := strconv.Itoa(config.RequestsPerSecond)
	buckets := &bucketSet{buckets: make(map[string]*tokenBucket)}

	return func(next Handler) Handler {
		return func(req *Request, res *Response) {
			key := config.KeyFunc(req)
			if key == "" {
				next(req, res)
				return
			}
			remaining, ok := buckets.take(key, config.RequestsPerSecond, config.BurstSize, time.Now())
			res.Header().Set("x-ratelimit-limit", limit)
			res.Header().Set("x-ratelimit-remaining", strconv.Itoa(remaining))
			if !ok {
				res.Header().Set("retry-after", "1")
				_, _ = res.WriteString("Too Many Requests")
				_ = res.Complete(429)
				return
			}
			next(req, res)
		}
	}
}

func clientKey(req *Request) string {
	if ip := req.Header.Get("x-forwarded-for"); ip != "" {
		return ip
	}
	if ip := req.Header.Get("x-real-ip"); ip != "" {
		return ip
	}
	if req.RemoteAddr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr.String())
	if err != nil {
		return req.RemoteAddr.String()
	}
	return host
}

// bucketIdle is how long an unused bucket is kept.
const bucketIdle = 10 * time.Minute

type bucketSet struct {
	mu        sync.Mutex
	buckets   map[string]*tokenBucket
	lastSweep time.Time
}

func (s *bucketSet) take(key string, rate, burst int, now time.Time) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Sub(s.lastSweep) > bucketIdle {
		for k, b := range s.buckets {
			if now.Sub(b.lastAccess) > bucketIdle {
				delete(s.buckets, k)
			}
		}
		s.lastSweep = now
	}
	b, ok := s.buckets[key]
	if !ok {
		b = &tokenBucket{capacity: burst, tokens: float64(burst), rate: float64(rate), lastRefill: now}
		s.buckets[key] = b
	}
	return b.allow(now)
}

// tokenBucket implements a token bucket rate limiter.
type tokenBucket struct {
	capacity   int
	tokens     float64
	rate       float64
	lastRefill time.Time
	lastAccess time.Time
}

func (b *tokenBucket) allow(now time.Time) (int, bool) {
	b.lastAccess = now
	b.tokens = min(float64(b.capacity), b.tokens+now.Sub(b.lastRefill).Seconds()*b.rate)
	b.lastRefill = now
	if b.tokens < 1 {
		return 0, false
	}
	b.tokens--
	return int(b.tokens), true
}

var startTime = time.Now()

// Health returns a handler reporting liveness as JSON.
func Health() Handler {
	return func(_ *Request, res *Response) {
		body, _ := json.Marshal(map[string]string{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"uptime":    time.Since(startTime).Round(time.Second).String(),
		})
		res.Header().Set("content-type", "application/json")
		res.Header().Set("cache-control", "no-store")
		_, _ = res.Write(body)
		_ = res.Complete(200)
	}
}
