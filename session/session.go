// Package session holds the client-side proof of authentication and the
// storage contract for persisting it across page loads. A session whose
// expiry has passed is never returned to callers: every Store treats it as
// absent and clears it on read.
package session

import "time"

// Session is an opaque token pair plus its absolute expiry.
type Session struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"` // epoch milliseconds
}

// Valid reports whether the session exists and has not expired.
func (s *Session) Valid(now time.Time) bool {
	return s != nil && s.Token != "" && s.ExpiresAt > now.UnixMilli()
}

// Expired reports whether the session exists but its expiry has passed.
func (s *Session) Expired(now time.Time) bool {
	return s != nil && s.ExpiresAt <= now.UnixMilli()
}

// Store persists a single session record in durable client storage.
//
// Load returns (nil, nil) when no usable session exists. Malformed or
// expired stored data is treated as absent and cleared as a side effect,
// so a second Load also returns absent.
type Store interface {
	Save(s *Session) error
	Load() (*Session, error)
	Clear() error
}
