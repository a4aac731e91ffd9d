// Package httpapi implements the HTTP surface alongside /ws: the
// catalog-proxy endpoints (/search, /suggestions, /playlist, /related,
// /check-embeddable), a health check, and /metrics.
package httpapi

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/syncwatch/room-backend/internal/contextkey"
)

// requestIDMiddleware assigns each inbound request a uuid.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id := uuid.New()
		ctx := context.WithValue(req.Context(), contextkey.ContextKeyRequestID, id)
		req = req.WithContext(ctx)
		w.Header().Set("X-Request-ID", id.String())
		next.ServeHTTP(w, req)
	})
}

// RateLimiter is a Redis-backed token bucket keyed by source address.
// Keeping the bucket in Redis makes the limit hold across the whole
// fleet, not per process.
type RateLimiter struct {
	redisClient *redis.Client
	capacity    int64
	rate        float64
}

// NewRateLimiter builds a RateLimiter backed by client, allowing
// ratePerSecond sustained requests per source address.
func NewRateLimiter(client *redis.Client, ratePerSecond float64) *RateLimiter {
	capacity := int64(ratePerSecond)
	if capacity < 1 {
		capacity = 1
	}
	return &RateLimiter{redisClient: client, capacity: capacity, rate: ratePerSecond}
}

// Middleware applies the token bucket to every request reaching next.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !rl.Allow(req.Context(), sourceAddress(req)) {
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// sourceAddress extracts the caller's address, preferring the leading
// hop of X-Forwarded-For when present.
func sourceAddress(req *http.Request) string {
	if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

// Allow reports whether a request from addr may proceed, consuming a
// token if so.
func (rl *RateLimiter) Allow(ctx context.Context, addr string) bool {
	key := fmt.Sprintf("rate_limit:%s", addr)

	val, err := rl.redisClient.HMGet(ctx, key, "tokens", "last_refill").Result()
	if err != nil {
		// Fail open: a Redis hiccup should not take the catalog proxy
		// down with it.
		return true
	}

	currentTokens := rl.capacity
	lastRefillTime := time.Now()
	if val[0] != nil && val[1] != nil {
		if t, err := strconv.ParseFloat(val[0].(string), 64); err == nil {
			currentTokens = int64(t)
		}
		if t, err := time.Parse(time.RFC3339Nano, val[1].(string)); err == nil {
			lastRefillTime = t
		}
	}

	now := time.Now()
	tokensToAdd := int64(now.Sub(lastRefillTime).Seconds() * rl.rate)
	currentTokens = int64(math.Min(float64(rl.capacity), float64(currentTokens+tokensToAdd)))

	if currentTokens < 1 {
		return false
	}
	currentTokens--
	_, err = rl.redisClient.HSet(ctx, key, "tokens", currentTokens, "last_refill", now.Format(time.RFC3339Nano)).Result()
	if err != nil {
		return true
	}
	rl.redisClient.Expire(ctx, key, time.Minute)
	return true
}
