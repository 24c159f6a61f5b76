// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"errors"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jeranaias/openyap/internal/auth"
	"github.com/jeranaias/openyap/internal/storage"
)

// ============================================================================
// Auth Middleware
// ============================================================================

// authenticate resolves the bearer token to a user and stores it in the
// request context. Requests without a valid token get 401.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.BearerToken(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="openyap"`)
			writeError(w, http.StatusUnauthorized, "authentication_error", "Missing bearer token.")
			return
		}

		user, err := auth.Authenticate(r.Context(), s.store, token)
		switch {
		case err == nil:
		case errors.Is(err, auth.ErrMalformedToken), errors.Is(err, storage.ErrNotFound):
			s.logger.Info("AUTH_FAILED",
				zap.String("ip", r.RemoteAddr),
				zap.String("token", auth.Fingerprint(token)))
			w.Header().Set("WWW-Authenticate", `Bearer realm="openyap", error="invalid_token"`)
			writeError(w, http.StatusUnauthorized, "authentication_error", "Invalid bearer token.")
			return
		default:
			s.internalError(w, r, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), user)))
	})
}

// ============================================================================
// Rate Limiting
// ============================================================================

// RateLimiter hands out a token bucket per key. Buckets idle for longer
// than idleTTL are swept during Allow.
type RateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	limit     rate.Limit
	burst     int
	perMinute int
	idleTTL   time.Duration
	lastSweep time.Time
}

type bucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// NewRateLimiter allows perMinute requests per key with the given burst.
// It returns nil when perMinute is not positive; a nil limiter allows
// everything.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		buckets:   make(map[string]*bucket),
		limit:     rate.Limit(float64(perMinute) / 60),
		burst:     burst,
		perMinute: perMinute,
		idleTTL:   10 * time.Minute,
	}
}

// Allow reports whether key may make a request now. When it may not,
// retryAfter is how long until it can.
func (rl *RateLimiter) Allow(key string) (ok bool, retryAfter time.Duration) {
	if rl == nil {
		return true, 0
	}
	now := time.Now()

	rl.mu.Lock()
	if now.Sub(rl.lastSweep) > rl.idleTTL {
		for k, b := range rl.buckets {
			if now.Sub(b.seen) > rl.idleTTL {
				delete(rl.buckets, k)
			}
		}
		rl.lastSweep = now
	}
	b, found := rl.buckets[key]
	if !found {
		b = &bucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.seen = now
	rl.mu.Unlock()

	if b.limiter.AllowN(now, 1) {
		return true, 0
	}
	res := b.limiter.ReserveN(now, 1)
	delay := res.DelayFrom(now)
	res.CancelAt(now)
	return false, delay
}

// Len returns the number of tracked keys.
func (rl *RateLimiter) Len() int {
	if rl == nil {
		return 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// rateLimit enforces the limiter per authenticated user. It must run after
// authenticate.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if u, ok := auth.UserFrom(r.Context()); ok {
			key = u.ID
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(s.limiter.perMinute))
		if ok, retry := s.limiter.Allow(key); !ok {
			secs := int(retry.Round(time.Second) / time.Second)
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			s.logger.Info("RATE_LIMIT_EXCEEDED", zap.String("key", key), zap.Int("per_minute", s.limiter.perMinute))
			writeError(w, http.StatusTooManyRequests, "rate_limit_error", "Too many requests. Try again shortly.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ============================================================================
// Request Logging Middleware
// ============================================================================

// logRequests logs every request and records it in the HTTP metrics under
// its route pattern.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if id := middleware.GetReqID(r.Context()); id != "" {
			w.Header().Set("X-Request-Id", id)
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(start)
		if s.metrics != nil {
			s.metrics.ObserveHTTP(route, r.Method, status, elapsed)
		}

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", elapsed),
			zap.String("ip", r.RemoteAddr),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		}
		if status >= http.StatusInternalServerError {
			s.logger.Warn("HTTP_REQUEST", fields...)
		} else {
			s.logger.Debug("HTTP_REQUEST", fields...)
		}
	})
}

// ============================================================================
// Security Headers Middleware
// ============================================================================

// SecurityHeadersMiddleware returns HTTP middleware that adds security headers.
//
// Headers set:
//   - X-Content-Type-Options: nosniff
//   - X-Frame-Options: DENY
//   - Content-Security-Policy: default-src 'none'
//   - Cache-Control: no-store
//   - Referrer-Policy: no-referrer
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Cache-Control", "no-store")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// ============================================================================
// Recovery Middleware
// ============================================================================

// recoverPanics logs a panic with its stack and answers 500. Aborted
// handlers (http.ErrAbortHandler) are re-panicked so net/http can drop the
// connection quietly.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.logger.Error("PANIC_RECOVERED",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Any("error", rec),
				zap.ByteString("stack", debug.Stack()))
			writeError(w, http.StatusInternalServerError, "server_error", genericFailure)
		}()
		next.ServeHTTP(w, r)
	})
}

// ============================================================================
// IP Extraction
// ============================================================================

// defaultTrustedProxies is used when the configuration names none.
var defaultTrustedProxies = []string{
	"127.0.0.1/32",   // IPv4 localhost
	"::1/128",        // IPv6 localhost
	"10.0.0.0/8",     // Private network (RFC 1918)
	"172.16.0.0/12",  // Private network (RFC 1918)
	"192.168.0.0/16", // Private network (RFC 1918)
	"fc00::/7",       // IPv6 Unique Local Addresses (RFC 4193)
}

// ipResolver finds the client address of a request, honouring forwarding
// headers only from trusted proxies.
type ipResolver struct {
	trusted []*net.IPNet
}

func newIPResolver(cidrs []string, logger *zap.Logger) *ipResolver {
	if len(cidrs) == 0 {
		cidrs = defaultTrustedProxies
	}
	res := &ipResolver{trusted: make([]*net.IPNet, 0, len(cidrs))}
	for _, c := range cidrs {
		if !strings.Contains(c, "/") {
			if ip := net.ParseIP(c); ip != nil {
				bits := 128
				if ip.To4() != nil {
					bits = 32
				}
				c = c + "/" + strconv.Itoa(bits)
			}
		}
		_, ipNet, err := net.ParseCIDR(c)
		if err != nil {
			logger.Warn("TRUSTED_PROXY_INVALID", zap.String("cidr", c))
			continue
		}
		res.trusted = append(res.trusted, ipNet)
	}
	return res
}

func (res *ipResolver) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range res.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// clientIP returns the validated client address of r.
//
// X-Forwarded-For and X-Real-IP are only read when the connection comes
// from a trusted proxy, so clients cannot spoof their address to dodge
// rate limits.
func (res *ipResolver) clientIP(r *http.Request) string {
	connIP := remoteIP(r.RemoteAddr)
	if !res.isTrusted(connIP) {
		return connIP
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); net.ParseIP(ip) != nil {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(xri) != nil {
		return xri
	}
	return connIP
}

// middleware rewrites RemoteAddr to the client IP.
func (res *ipResolver) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.RemoteAddr = res.clientIP(r)
		next.ServeHTTP(w, r)
	})
}

// remoteIP strips the port from an "IP:port" or "[IPv6]:port" address.
func remoteIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
