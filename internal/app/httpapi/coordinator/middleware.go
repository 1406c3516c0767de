package coordinator

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/troop/coordinator/internal/app/services/audit"
	"github.com/troop/coordinator/internal/app/services/ratelimit"
	"github.com/troop/coordinator/pkg/logger"
)

// endpointTimeouts gives each known path its own deadline; everything else
// falls back to defaultTimeout. This is the binding contract of C10: a
// request that exceeds its deadline is cancelled, not abandoned, and the
// caller sees 504 with the elapsed time it actually ran for.
var endpointTimeouts = map[string]time.Duration{
	"/health":              5 * time.Second,
	"/public-key":          5 * time.Second,
	"/v1/models":           5 * time.Second,
	"/peers":               5 * time.Second,
	"/heartbeat":           5 * time.Second,
	"/authorize":           30 * time.Second,
	"/hardware/challenge":  30 * time.Second,
	"/hardware/verify":     30 * time.Second,
	"/transactions/submit": 30 * time.Second,
}

const defaultTimeout = 30 * time.Second
const usersPrefixTimeout = 5 * time.Second

func timeoutFor(path string) time.Duration {
	if t, ok := endpointTimeouts[path]; ok {
		return t
	}
	if strings.HasPrefix(path, "/users/") {
		return usersPrefixTimeout
	}
	return defaultTimeout
}

// wrapWithTimeout enforces the per-endpoint deadline table. The handler
// continues to run in its own goroutine after a timeout fires so in-flight
// I/O is cancelled through ctx rather than abandoned; the response has
// already been written by the time it notices.
func wrapWithTimeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline := timeoutFor(r.URL.Path)
		ctx, cancel := context.WithTimeout(r.Context(), deadline)
		defer cancel()

		start := time.Now()
		done := make(chan struct{})
		go func() {
			defer close(done)
			next.ServeHTTP(w, r.WithContext(ctx))
		}()

		select {
		case <-done:
		case <-ctx.Done():
			elapsedMs := time.Since(start).Milliseconds()
			w.Header().Set("X-Timeout-Ms", strconv.FormatInt(elapsedMs, 10))
			writeJSONError(w, http.StatusGatewayTimeout, "gateway_timeout", "request exceeded its deadline")
			<-done
		}
	})
}

type ctxKey string

const ctxRequestID ctxKey = "coordinator.request_id"

// wrapWithTracing assigns or propagates a request ID and reports elapsed
// time on every response, mirroring the worker-facing tracing headers.
func wrapWithTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), ctxRequestID, requestID)

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))

		w.Header().Set("X-Request-ID", requestID)
		w.Header().Set("X-Response-Time", strconv.FormatInt(time.Since(start).Milliseconds(), 10)+"ms")
	})
}

var discoveryPaths = map[string]struct{}{
	"/heartbeat": {},
	"/peers":     {},
	"/v1/models": {},
}

const inferencePath = "/authorize"

// wrapWithRateLimit enforces the C9 discovery/inference budgets per client
// IP, auditing and returning 429+Retry-After on violation. Endpoints not in
// either bucket are unmetered here (health, public-key, admin, user queries).
func wrapWithRateLimit(next http.Handler, limiter *ratelimit.Service, sink *audit.Sink, log *logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)

		var bucket string
		var limit int
		switch {
		case r.URL.Path == inferencePath:
			bucket, limit = ratelimit.BucketInference, ratelimit.InferenceLimit
		default:
			if _, ok := discoveryPaths[r.URL.Path]; ok {
				bucket, limit = ratelimit.BucketDiscovery, ratelimit.DiscoveryLimit
			}
		}
		if bucket == "" {
			next.ServeHTTP(w, r)
			return
		}

		allowed, retryAfter, err := limiter.Allow(r.Context(), bucket, ip, limit)
		if err != nil {
			log.WithField("error", err.Error()).Warn("rate limiter unavailable; allowing request")
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			if sink != nil {
				sink.RateLimit(r.Context(), ip, r.URL.Path, limit, int(ratelimit.Window.Seconds()))
			}
			w.Header().Set("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()), 10))
			writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		return host[:idx]
	}
	return host
}
