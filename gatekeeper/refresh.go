package gatekeeper

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pulsefit/authkit/identity"
)

// refreshSessionCookies renews the session cookies when the access token
// is close to expiring. Every failure path degrades to a pass-through:
// the in-page session manager owns recovery, the gatekeeper only keeps
// long-lived tabs from hitting the server with a token mid-expiry.
func (g *Gatekeeper) refreshSessionCookies(w http.ResponseWriter, r *http.Request) {
	if g.identity == nil {
		return
	}

	access, err := r.Cookie(AccessTokenCookie)
	if err != nil || access.Value == "" {
		return
	}
	refresh, err := r.Cookie(RefreshTokenCookie)
	if err != nil || refresh.Value == "" {
		return
	}

	expiresAt, ok := g.tokenExpiry(access.Value, r)
	if !ok {
		return
	}
	if expiresAt.Sub(g.now()) >= g.refreshThreshold {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.serviceTimeout)
	defer cancel()

	grant, err := g.identity.Refresh(ctx, refresh.Value)
	if err != nil {
		slog.Warn("Session refresh at the edge failed", "error", err)
		return
	}

	g.writeSessionCookies(w, grant)
	slog.Debug("Session cookies refreshed", "expires_at", grant.ExpiresAt)
}

// tokenExpiry reads the expiry out of the access token. The claim is
// taken unverified: the gatekeeper only schedules refreshes with it, the
// identity service is what actually authenticates the token. Opaque
// tokens fall back to the stored expiry cookie.
func (g *Gatekeeper) tokenExpiry(token string, r *http.Request) (time.Time, bool) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time, true
		}
	}

	if c, err := r.Cookie(ExpiryCookie); err == nil && c.Value != "" {
		if ms, err := strconv.ParseInt(c.Value, 10, 64); err == nil {
			return time.UnixMilli(ms), true
		}
	}
	return time.Time{}, false
}

func (g *Gatekeeper) writeSessionCookies(w http.ResponseWriter, grant *identity.Grant) {
	maxAge := int(time.UnixMilli(grant.ExpiresAt).Sub(g.now()).Seconds())
	if maxAge < 0 {
		maxAge = 0
	}

	http.SetCookie(w, &http.Cookie{
		Name:     AccessTokenCookie,
		Value:    grant.Token,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   g.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshTokenCookie,
		Value:    grant.RefreshToken,
		Path:     "/",
		HttpOnly: true,
		Secure:   g.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     ExpiryCookie,
		Value:    strconv.FormatInt(grant.ExpiresAt, 10),
		Path:     "/",
		MaxAge:   maxAge,
		Secure:   g.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}
