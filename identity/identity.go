// Package identity defines the boundary to the external identity provider:
// the data it returns and the calls the session lifecycle makes against it.
// Credential verification itself lives behind this boundary and is never
// performed locally.
package identity

import (
	"context"
	"errors"
)

// Common errors returned across Service implementations.
var (
	// ErrInvalidCredentials is returned for authentication failures
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserExists is returned when attempting to register an email that is taken
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound is returned when a user cannot be found
	ErrUserNotFound = errors.New("user not found")
	// ErrInvalidToken is returned for unknown or expired tokens of any kind
	ErrInvalidToken = errors.New("invalid token")
	// ErrInvalidProvider is returned when an unsupported OAuth provider is specified
	ErrInvalidProvider = errors.New("invalid OAuth provider")
	// ErrInvalidOAuthState is returned when a redirect-flow callback carries an unknown, reused or expired state token
	ErrInvalidOAuthState = errors.New("invalid OAuth state")
	// ErrServiceUnavailable is returned when the identity service cannot be reached
	ErrServiceUnavailable = errors.New("identity service unavailable")
)

// User is the identity record the provider vouches for.
type User struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Email         string            `json:"email"`
	EmailVerified bool              `json:"email_verified"`
	Preferences   map[string]string `json:"preferences,omitempty"`
}

// ProfilePatch carries partial user fields for profile updates. Nil fields
// are left unchanged.
type ProfilePatch struct {
	Name        *string           `json:"name,omitempty"`
	Email       *string           `json:"email,omitempty"`
	Preferences map[string]string `json:"preferences,omitempty"`
}

// Grant is a successful authentication result: the user plus a token pair.
// ExpiresAt is epoch milliseconds.
type Grant struct {
	User         *User  `json:"user"`
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
}

// Service is the set of identity-provider calls the lifecycle core makes.
// Implementations must honor context cancellation on every call.
type Service interface {
	Authenticate(ctx context.Context, email, password string) (*Grant, error)
	Register(ctx context.Context, name, email, password string) (*Grant, error)
	SendPasswordReset(ctx context.Context, email string) error
	VerifyEmailToken(ctx context.Context, token string) error
	Refresh(ctx context.Context, refreshToken string) (*Grant, error)
	OAuthLogin(ctx context.Context, provider string) (*Grant, error)
	UpdateUser(ctx context.Context, token string, patch ProfilePatch) (*User, error)
	ChangePassword(ctx context.Context, token, oldPassword, newPassword string) error
	ValidateSession(ctx context.Context, token string) (*User, error)
	Logout(ctx context.Context, token string) error
}
