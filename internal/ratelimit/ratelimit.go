// Package ratelimit guards HTTP routes with a Redis token bucket.
package ratelimit

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucket refills ARGV[2] tokens per second up to ARGV[1] and spends one
// token per call. last only advances by the time converted into whole tokens,
// so callers spaced closer than 1/rps still accrue credit. Returns 1 when the
// call is allowed.
const tokenBucket = `
local key = KEYS[1]
local max_tokens = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local bucket = redis.call('HMGET', key, 'tokens', 'last')
local tokens = tonumber(bucket[1])
local last = tonumber(bucket[2])
if tokens == nil or last == nil then
  tokens = max_tokens
  last = now
end
local refill = math.floor(math.max(0, now - last) * refill_rate / 1000)
if refill > 0 then
  tokens = tokens + refill
  last = last + math.floor(refill * 1000 / refill_rate)
end
if tokens >= max_tokens then
  tokens = max_tokens
  last = now
end
local allowed = 0
if tokens > 0 then
  tokens = tokens - 1
  allowed = 1
end
redis.call('HSET', key, 'tokens', tokens, 'last', last)
redis.call('EXPIRE', key, math.ceil(max_tokens / refill_rate) + 1)
return allowed
`

// Evaler is the part of *redis.Client the limiter uses.
type Evaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

type Config struct {
	RPS   int
	Burst int
}

type Limiter struct {
	redis  Evaler
	prefix string
	cfg    Config
	now    func() time.Time
}

func New(rdb Evaler, prefix string, cfg Config) *Limiter {
	return &Limiter{redis: rdb, prefix: prefix, cfg: cfg, now: time.Now}
}

// Middleware rejects requests over budget with 429. Redis errors let the
// request through so the relay keeps serving when Redis is down.
func (l *Limiter) Middleware(keyFunc func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := l.prefix + ":" + keyFunc(r)
			allowed, err := l.Allow(r.Context(), key)
			if err != nil {
				slog.Warn("rate limiter unavailable, allowing request", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				w.Header().Set("Retry-After", "1")
				writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	now := l.now().UnixMilli()
	res, err := l.redis.Eval(ctx, tokenBucket, []string{key}, l.cfg.Burst, l.cfg.RPS, now).Result()
	if err != nil {
		return false, err
	}
	var allowed int64
	switch v := res.(type) {
	case int64:
		allowed = v
	case string:
		allowed, _ = strconv.ParseInt(v, 10, 64)
	}
	slog.Debug("token bucket", "key", key, "allowed", allowed, "burst", l.cfg.Burst, "rps", l.cfg.RPS)
	return allowed == 1, nil
}

func KeyByIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `","code":` + strconv.Itoa(status) + `}`))
}
