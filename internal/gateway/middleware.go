package gateway

import (
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/CosmoTheDev/ctrlscan-relay/internal/relayerr"
)

// visitorIdle is how long an unused per-IP bucket is kept.
const visitorIdle = 10 * time.Minute

// ipLimiter is a per-client token bucket. A non-positive rate disables it.
type ipLimiter struct {
	mu        sync.Mutex
	perMinute int
	burst     int
	visitors  map[string]*visitor
	lastSweep time.Time
	now       func() time.Time
}

type visitor struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// rateInfo carries the X-RateLimit-* header values.
type rateInfo struct {
	limit     int
	remaining int
	reset     time.Time
}

func newIPLimiter(perMinute, burst int) *ipLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &ipLimiter{
		perMinute: perMinute,
		burst:     burst,
		visitors:  make(map[string]*visitor),
		now:       time.Now,
	}
}

func (l *ipLimiter) enabled() bool { return l != nil && l.perMinute > 0 }

// allow takes one token from key's bucket.
func (l *ipLimiter) allow(key string) (bool, rateInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > time.Minute {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) > visitorIdle {
				delete(l.visitors, k)
			}
		}
		l.lastSweep = now
	}

	v, ok := l.visitors[key]
	if !ok {
		perSecond := rate.Limit(float64(l.perMinute) / 60)
		v = &visitor{lim: rate.NewLimiter(perSecond, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now

	allowed := v.lim.AllowN(now, 1)
	tokens := v.lim.TokensAt(now)
	if tokens < 0 {
		tokens = 0
	}
	refill := (float64(l.burst) - tokens) / (float64(l.perMinute) / 60)
	return allowed, rateInfo{
		limit:     l.perMinute,
		remaining: int(tokens),
		reset:     now.Add(time.Duration(refill * float64(time.Second))),
	}
}

func (ri rateInfo) apply(h http.Header) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(ri.limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(ri.remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(ri.reset.Unix(), 10))
}

// rateLimit applies the per-IP token bucket to next.
func (gw *Gateway) rateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !gw.limiter.enabled() {
			next(w, r)
			return
		}
		ip := clientIP(r)
		allowed, info := gw.limiter.allow(ip)
		info.apply(w.Header())
		if !allowed {
			gw.metrics.rateLimited.Inc()
			slog.Warn("gateway: rate limit exceeded", "ip", ip)
			writeRelayError(w, relayerr.RateLimited("Rate limit exceeded"))
			return
		}
		next(w, r)
	}
}

// requireAPIKey guards next with gateway.api_key when one is configured.
// The key is accepted from the X-API-Key header or the api_key query
// parameter (for browser EventSource clients).
func (gw *Gateway) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		want := gw.cfg.Gateway.APIKey
		if want == "" {
			next(w, r)
			return
		}
		got := r.Header.Get("X-API-Key")
		if got == "" {
			got = r.URL.Query().Get("api_key")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			writeError(w, http.StatusUnauthorized, "Authentication required")
			return
		}
		next(w, r)
	}
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter { return sr.ResponseWriter }

// logRequests logs one line per request. Health endpoints log at debug.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := slog.LevelInfo
		switch r.URL.Path {
		case "/health", "/ready", "/ping", "/metrics", "/events":
			level = slog.LevelDebug
		}
		slog.Log(r.Context(), level, "gateway: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", float64(time.Since(start).Microseconds())/1000,
			"ip", clientIP(r))
	})
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// connection's remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
