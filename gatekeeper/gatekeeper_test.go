package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pulsefit/authkit/gatekeeper/ratelimit"
	"github.com/pulsefit/authkit/identity"
)

// fakeLimiter scripts Increment results per call.
type fakeLimiter struct {
	results []ratelimit.Result
	err     error
	calls   int
	keys    []string
}

func (f *fakeLimiter) Increment(_ context.Context, key string) (ratelimit.Result, error) {
	f.calls++
	f.keys = append(f.keys, key)
	if f.err != nil {
		return ratelimit.Result{}, f.err
	}
	if len(f.results) == 0 {
		return ratelimit.Result{Count: f.calls}, nil
	}
	res := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return res, nil
}

// refreshOnlyService implements identity.Service for the one call the
// gatekeeper makes. Everything else is unreachable from these tests.
type refreshOnlyService struct {
	refreshFunc func(ctx context.Context, refreshToken string) (*identity.Grant, error)
	calls       int
}

func (s *refreshOnlyService) Refresh(ctx context.Context, refreshToken string) (*identity.Grant, error) {
	s.calls++
	return s.refreshFunc(ctx, refreshToken)
}

func (s *refreshOnlyService) Authenticate(context.Context, string, string) (*identity.Grant, error) {
	return nil, identity.ErrServiceUnavailable
}

func (s *refreshOnlyService) Register(context.Context, string, string, string) (*identity.Grant, error) {
	return nil, identity.ErrServiceUnavailable
}

func (s *refreshOnlyService) SendPasswordReset(context.Context, string) error {
	return identity.ErrServiceUnavailable
}

func (s *refreshOnlyService) VerifyEmailToken(context.Context, string) error {
	return identity.ErrServiceUnavailable
}

func (s *refreshOnlyService) OAuthLogin(context.Context, string) (*identity.Grant, error) {
	return nil, identity.ErrServiceUnavailable
}

func (s *refreshOnlyService) UpdateUser(context.Context, string, identity.ProfilePatch) (*identity.User, error) {
	return nil, identity.ErrServiceUnavailable
}

func (s *refreshOnlyService) ChangePassword(context.Context, string, string, string) error {
	return identity.ErrServiceUnavailable
}

func (s *refreshOnlyService) ValidateSession(context.Context, string) (*identity.User, error) {
	return nil, identity.ErrServiceUnavailable
}

func (s *refreshOnlyService) Logout(context.Context, string) error {
	return identity.ErrServiceUnavailable
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
}

func securityHeaderSet() map[string]string {
	return map[string]string{
		"X-Frame-Options":           "SAMEORIGIN",
		"X-Content-Type-Options":    "nosniff",
		"Referrer-Policy":           "strict-origin-when-cross-origin",
		"X-XSS-Protection":          "1; mode=block",
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
	}
}

func TestSecurityHeadersOnAllowedResponse(t *testing.T) {
	g := New(Config{RateLimit: &fakeLimiter{}})

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	rec := httptest.NewRecorder()
	g.Middleware(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	for name, want := range securityHeaderSet() {
		if got := rec.Header().Get(name); got != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}
	if csp := rec.Header().Get("Content-Security-Policy"); csp == "" {
		t.Error("Content-Security-Policy header missing")
	}
}

func TestSecurityHeadersOnRateLimitedResponse(t *testing.T) {
	limiter := &fakeLimiter{results: []ratelimit.Result{{Count: 101, Limited: true}}}
	g := New(Config{RateLimit: limiter})

	req := httptest.NewRequest(http.MethodGet, "/auth/login", nil)
	rec := httptest.NewRecorder()
	g.Middleware(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if body := rec.Body.String(); body != "Too Many Requests" {
		t.Errorf("body = %q, want %q", body, "Too Many Requests")
	}
	// The blocked response carries the same header set as an allowed one.
	for name, want := range securityHeaderSet() {
		if got := rec.Header().Get(name); got != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}
}

func TestRateLimitCeiling(t *testing.T) {
	g := New(Config{RateLimit: ratelimit.NewMemoryStore(15*time.Minute, 100)})
	handler := g.Middleware(okHandler())

	for i := 1; i <= 100; i++ {
		req := httptest.NewRequest(http.MethodGet, "/auth/login", nil)
		req.RemoteAddr = "203.0.113.7:5511"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/auth/login", nil)
	req.RemoteAddr = "203.0.113.7:5511"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("101st request: status = %d, want 429", rec.Code)
	}
}

func TestRateLimitSkipsNonAuthPaths(t *testing.T) {
	limiter := &fakeLimiter{}
	g := New(Config{RateLimit: limiter})
	handler := g.Middleware(okHandler())

	for _, path := range []string{"/dashboard", "/profile/settings"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", path, rec.Code)
		}
	}
	if limiter.calls != 0 {
		t.Errorf("limiter consulted %d times for non-auth paths, want 0", limiter.calls)
	}
}

func TestUnmatchedPathsPassThroughUntouched(t *testing.T) {
	limiter := &fakeLimiter{}
	g := New(Config{RateLimit: limiter})

	req := httptest.NewRequest(http.MethodGet, "/static/app.css", nil)
	rec := httptest.NewRecorder()
	g.Middleware(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-Frame-Options") != "" {
		t.Error("unmatched path received security headers")
	}
	if limiter.calls != 0 {
		t.Error("unmatched path was rate limited")
	}
}

func TestRateLimitFailsOpenOnStoreError(t *testing.T) {
	limiter := &fakeLimiter{err: errors.New("redis: connection refused")}
	g := New(Config{RateLimit: limiter})

	req := httptest.NewRequest(http.MethodGet, "/auth/login", nil)
	rec := httptest.NewRecorder()
	g.Middleware(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 when the limiter store is down", rec.Code)
	}
}

func TestRateLimitKeyedByClientIP(t *testing.T) {
	limiter := &fakeLimiter{}
	g := New(Config{RateLimit: limiter})
	handler := g.Middleware(okHandler())

	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		wantKey    string
	}{
		{
			name:       "forwarded for wins",
			remoteAddr: "10.0.0.1:443",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.4, 10.0.0.1"},
			wantKey:    "198.51.100.4",
		},
		{
			name:       "real ip next",
			remoteAddr: "10.0.0.1:443",
			headers:    map[string]string{"X-Real-IP": "198.51.100.9"},
			wantKey:    "198.51.100.9",
		},
		{
			name:       "garbage forwarded header ignored",
			remoteAddr: "192.0.2.20:9000",
			headers:    map[string]string{"X-Forwarded-For": "not-an-ip"},
			wantKey:    "192.0.2.20",
		},
		{
			name:       "remote addr fallback",
			remoteAddr: "192.0.2.33:51000",
			wantKey:    "192.0.2.33",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/auth/login", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			handler.ServeHTTP(httptest.NewRecorder(), req)

			got := limiter.keys[len(limiter.keys)-1]
			if got != tt.wantKey {
				t.Errorf("limiter key = %q, want %q", got, tt.wantKey)
			}
		})
	}
}

func TestCookieRefreshNearExpiry(t *testing.T) {
	renewedExpiry := time.Now().Add(24 * time.Hour).UnixMilli()
	svc := &refreshOnlyService{
		refreshFunc: func(_ context.Context, refreshToken string) (*identity.Grant, error) {
			if refreshToken != "refresh-1" {
				return nil, identity.ErrInvalidToken
			}
			return &identity.Grant{
				Token:        "token-2",
				RefreshToken: "refresh-2",
				ExpiresAt:    renewedExpiry,
			}, nil
		},
	}
	g := New(Config{RateLimit: &fakeLimiter{}, Identity: svc})

	// Opaque token, so the expiry comes from the stored expiry cookie.
	soon := time.Now().Add(time.Minute).UnixMilli()
	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: AccessTokenCookie, Value: "token-1"})
	req.AddCookie(&http.Cookie{Name: RefreshTokenCookie, Value: "refresh-1"})
	req.AddCookie(&http.Cookie{Name: ExpiryCookie, Value: strconv.FormatInt(soon, 10)})
	rec := httptest.NewRecorder()
	g.Middleware(okHandler()).ServeHTTP(rec, req)

	if svc.calls != 1 {
		t.Fatalf("Refresh called %d times, want 1", svc.calls)
	}

	got := map[string]string{}
	for _, c := range rec.Result().Cookies() {
		got[c.Name] = c.Value
	}
	if got[AccessTokenCookie] != "token-2" {
		t.Errorf("access cookie = %q, want token-2", got[AccessTokenCookie])
	}
	if got[RefreshTokenCookie] != "refresh-2" {
		t.Errorf("refresh cookie = %q, want refresh-2", got[RefreshTokenCookie])
	}
	if got[ExpiryCookie] != fmt.Sprintf("%d", renewedExpiry) {
		t.Errorf("expiry cookie = %q, want %d", got[ExpiryCookie], renewedExpiry)
	}
}

func TestCookieRefreshSkippedFarFromExpiry(t *testing.T) {
	svc := &refreshOnlyService{
		refreshFunc: func(context.Context, string) (*identity.Grant, error) {
			return nil, identity.ErrServiceUnavailable
		},
	}
	g := New(Config{RateLimit: &fakeLimiter{}, Identity: svc})

	far := time.Now().Add(12 * time.Hour).UnixMilli()
	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: AccessTokenCookie, Value: "token-1"})
	req.AddCookie(&http.Cookie{Name: RefreshTokenCookie, Value: "refresh-1"})
	req.AddCookie(&http.Cookie{Name: ExpiryCookie, Value: strconv.FormatInt(far, 10)})
	g.Middleware(okHandler()).ServeHTTP(httptest.NewRecorder(), req)

	if svc.calls != 0 {
		t.Errorf("Refresh called %d times for a fresh session, want 0", svc.calls)
	}
}

func TestCookieRefreshFailureDegradesToPassThrough(t *testing.T) {
	svc := &refreshOnlyService{
		refreshFunc: func(context.Context, string) (*identity.Grant, error) {
			return nil, identity.ErrServiceUnavailable
		},
	}
	g := New(Config{RateLimit: &fakeLimiter{}, Identity: svc})

	soon := time.Now().Add(time.Minute).UnixMilli()
	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: AccessTokenCookie, Value: "token-1"})
	req.AddCookie(&http.Cookie{Name: RefreshTokenCookie, Value: "refresh-1"})
	req.AddCookie(&http.Cookie{Name: ExpiryCookie, Value: strconv.FormatInt(soon, 10)})
	rec := httptest.NewRecorder()
	g.Middleware(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 despite refresh failure", rec.Code)
	}
	if len(rec.Result().Cookies()) != 0 {
		t.Error("failed refresh must not rewrite cookies")
	}
}

func TestCookieRefreshSkippedWithoutCookies(t *testing.T) {
	svc := &refreshOnlyService{
		refreshFunc: func(context.Context, string) (*identity.Grant, error) {
			return nil, identity.ErrServiceUnavailable
		},
	}
	g := New(Config{RateLimit: &fakeLimiter{}, Identity: svc})

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	g.Middleware(okHandler()).ServeHTTP(httptest.NewRecorder(), req)

	if svc.calls != 0 {
		t.Errorf("Refresh called %d times for an anonymous request, want 0", svc.calls)
	}
}

func TestConnectSourcesExtendCSP(t *testing.T) {
	g := New(Config{
		RateLimit:      &fakeLimiter{},
		ConnectSources: []string{"https://id.example.com"},
	})

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	rec := httptest.NewRecorder()
	g.Middleware(okHandler()).ServeHTTP(rec, req)

	csp := rec.Header().Get("Content-Security-Policy")
	want := "connect-src 'self' https://id.example.com;"
	if !strings.Contains(csp, want) {
		t.Errorf("CSP %q missing %q", csp, want)
	}
}
