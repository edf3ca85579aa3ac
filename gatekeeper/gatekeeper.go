// Package gatekeeper is the per-request interceptor in front of the app:
// it refreshes session cookies, attaches the security header set, and
// rate-limits the authentication endpoints. It runs independently of the
// in-page lifecycle and never fails a request on its own behalf. The
// single deliberate block is the 429 for rate-limit violations.
package gatekeeper

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pulsefit/authkit/gatekeeper/ratelimit"
	"github.com/pulsefit/authkit/identity"
)

// Cookie names the gatekeeper reads and rewrites.
const (
	AccessTokenCookie  = "auth_token"
	RefreshTokenCookie = "auth_refresh_token"
	ExpiryCookie       = "auth_expires_at"
)

// Config configures a Gatekeeper.
type Config struct {
	// PathPrefixes is the allow-list of intercepted path prefixes.
	// Requests outside it pass through untouched, so static assets and
	// API routes never pay the interception cost. Defaults to
	// /dashboard, /profile and /auth.
	PathPrefixes []string

	// AuthPathPrefix marks the endpoints subject to rate limiting
	// (default /auth).
	AuthPathPrefix string

	// RateLimit is the injected counter store. Defaults to an in-memory
	// store with the standard 15-minute/100-request window.
	RateLimit ratelimit.Store

	// Identity performs cookie session refreshes. When nil the refresh
	// step is skipped entirely.
	Identity identity.Service

	// RefreshThreshold refreshes sessions expiring within this horizon
	// (default 5m).
	RefreshThreshold time.Duration

	// ServiceTimeout bounds the refresh call (default 5s).
	ServiceTimeout time.Duration

	// ConnectSources extends the Content-Security-Policy connect-src
	// list, e.g. the identity provider's origins.
	ConnectSources []string

	// SecureCookies marks rewritten cookies Secure (default true; turn
	// off for plain-HTTP development only).
	SecureCookies *bool
}

// Gatekeeper intercepts matching requests.
type Gatekeeper struct {
	prefixes         []string
	authPrefix       string
	limiter          ratelimit.Store
	identity         identity.Service
	refreshThreshold time.Duration
	serviceTimeout   time.Duration
	csp              string
	secureCookies    bool
	now              func() time.Time
}

// New creates a Gatekeeper from cfg.
func New(cfg Config) *Gatekeeper {
	prefixes := cfg.PathPrefixes
	if len(prefixes) == 0 {
		prefixes = []string{"/dashboard", "/profile", "/auth"}
	}
	authPrefix := cfg.AuthPathPrefix
	if authPrefix == "" {
		authPrefix = "/auth"
	}
	limiter := cfg.RateLimit
	if limiter == nil {
		limiter = ratelimit.NewMemoryStore(ratelimit.DefaultWindow, ratelimit.DefaultMax)
	}
	threshold := cfg.RefreshThreshold
	if threshold <= 0 {
		threshold = 5 * time.Minute
	}
	timeout := cfg.ServiceTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	secure := true
	if cfg.SecureCookies != nil {
		secure = *cfg.SecureCookies
	}

	return &Gatekeeper{
		prefixes:         prefixes,
		authPrefix:       authPrefix,
		limiter:          limiter,
		identity:         cfg.Identity,
		refreshThreshold: threshold,
		serviceTimeout:   timeout,
		csp:              buildCSP(cfg.ConnectSources),
		secureCookies:    secure,
		now:              time.Now,
	}
}

func buildCSP(connectSources []string) string {
	connect := "'self'"
	if len(connectSources) > 0 {
		connect += " " + strings.Join(connectSources, " ")
	}
	return "default-src 'self'; " +
		"script-src 'self' 'unsafe-inline'; " +
		"style-src 'self' 'unsafe-inline'; " +
		"img-src 'self' data: https:; " +
		"font-src 'self' data:; " +
		"connect-src " + connect + ";"
}

// Middleware wraps next with the interception pipeline.
func (g *Gatekeeper) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.matches(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		// Refresh first so rewritten cookies ride on whatever response
		// follows, including a 429.
		g.refreshSessionCookies(w, r)

		g.setSecurityHeaders(w)

		if strings.HasPrefix(r.URL.Path, g.authPrefix) && !g.allowRequest(r) {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte("Too Many Requests"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (g *Gatekeeper) matches(path string) bool {
	for _, prefix := range g.prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// setSecurityHeaders attaches the fixed header set. Identical on every
// intercepted response regardless of outcome.
func (g *Gatekeeper) setSecurityHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("X-Frame-Options", "SAMEORIGIN")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	h.Set("Content-Security-Policy", g.csp)
	h.Set("X-XSS-Protection", "1; mode=block")
	h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
}

// allowRequest counts the request against its client key. Limiter
// failures fail open: an unavailable counter must not block traffic.
func (g *Gatekeeper) allowRequest(r *http.Request) bool {
	key := clientIP(r)

	res, err := g.limiter.Increment(r.Context(), key)
	if err != nil {
		slog.Error("Rate limit store unavailable, allowing request", "error", err)
		return true
	}
	if res.Limited {
		slog.Warn("Rate limit exceeded", "client", key, "count", res.Count, "reset_at", res.ResetAt)
		return false
	}
	return true
}
