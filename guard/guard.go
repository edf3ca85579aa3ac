// Package guard gates protected views on the lifecycle manager's auth
// state. The decision is pure and re-evaluated on every state change, so
// a logout in another operation or tab redirects an already-rendered view
// instead of leaving it stale.
package guard

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/pulsefit/authkit/auth"
)

// Redirect targets.
const (
	LoginPath       = "/auth/login"
	VerifyEmailPath = "/auth/verify-email"
)

// Decision is the outcome of evaluating auth state for a protected view.
type Decision int

const (
	// Allow renders the wrapped content.
	Allow Decision = iota
	// ShowLoading renders a neutral placeholder; no redirect while the
	// auth state is still settling.
	ShowLoading
	// RedirectLogin sends the visitor to the login screen.
	RedirectLogin
	// RedirectVerifyEmail sends the visitor to the email-verification screen.
	RedirectVerifyEmail
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case ShowLoading:
		return "loading"
	case RedirectLogin:
		return "redirect_login"
	case RedirectVerifyEmail:
		return "redirect_verify_email"
	default:
		return "unknown"
	}
}

// Decide evaluates a state snapshot. Precedence: loading blocks any
// redirect; then an absent user or absent/expired session redirects to
// login; then a missing verification redirects to the verification
// screen when the caller requires one.
func Decide(state auth.State, requireVerified bool, now time.Time) Decision {
	if state.IsLoading {
		return ShowLoading
	}
	if state.User == nil || !state.Session.Valid(now) {
		return RedirectLogin
	}
	if requireVerified && !state.User.EmailVerified {
		return RedirectVerifyEmail
	}
	return Allow
}

// Guard re-evaluates a Manager's state for one protected view.
type Guard struct {
	manager         *auth.Manager
	requireVerified bool
	now             func() time.Time
}

// New creates a guard over manager. requireVerified additionally enforces
// a verified email address.
func New(manager *auth.Manager, requireVerified bool) *Guard {
	return &Guard{manager: manager, requireVerified: requireVerified, now: time.Now}
}

// Decide evaluates the manager's current state.
func (g *Guard) Decide() Decision {
	return Decide(g.manager.State(), g.requireVerified, g.now())
}

// Watch delivers the current decision and then a decision per state
// change until ctx ends. Cancelling ctx (navigating away) stops further
// deliveries; identity-service calls already in flight run to completion
// and their results are simply no longer observed here.
func (g *Guard) Watch(ctx context.Context, fn func(Decision)) {
	sub := g.manager.Subscribe()

	go func() {
		defer sub.Close()

		fn(Decide(g.manager.State(), g.requireVerified, g.now()))
		for {
			select {
			case <-ctx.Done():
				return
			case state, ok := <-sub.States():
				if !ok || ctx.Err() != nil {
					return
				}
				fn(Decide(state, g.requireVerified, g.now()))
			}
		}
	}()
}

// Middleware is the HTTP form of the guard: loading renders a neutral
// placeholder, denied states redirect, and allowed requests reach next.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch d := g.Decide(); d {
		case ShowLoading:
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("<!doctype html><title>Loading</title><p>Loading…</p>"))
		case RedirectLogin:
			slog.Debug("Guard redirecting to login", "path", r.URL.Path)
			http.Redirect(w, r, LoginPath, http.StatusFound)
		case RedirectVerifyEmail:
			slog.Debug("Guard redirecting to email verification", "path", r.URL.Path)
			http.Redirect(w, r, VerifyEmailPath, http.StatusFound)
		default:
			next.ServeHTTP(w, r)
		}
	})
}
