// Package local is an in-process identity provider implementing
// identity.Service. It backs development servers and tests with real
// credential handling (bcrypt hashes, opaque rotating tokens) while
// keeping the boundary identical to the production HTTP client. It is a
// dev convenience, not a hardened identity provider.
package local

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/pulsefit/authkit/identity"
)

// Config configures the local provider.
type Config struct {
	// TokenLifetime is how long issued sessions remain valid (default 24h).
	TokenLifetime time.Duration
	// OAuthUsers maps a provider name to the identity an OAuthLogin for
	// that provider yields. Providers not listed are rejected.
	OAuthUsers map[string]identity.User
}

type account struct {
	user         identity.User
	passwordHash string
}

type grantRecord struct {
	userID    string
	expiresAt time.Time
}

// Provider is an in-memory identity.Service.
type Provider struct {
	mu            sync.Mutex
	accounts      map[string]*account // keyed by lowercased email
	sessions      map[string]grantRecord
	refreshTokens map[string]string // refresh token -> user ID
	verifyTokens  map[string]string // verification token -> user ID
	resetTokens   map[string]string // reset token -> user ID
	oauthUsers    map[string]identity.User
	tokenLifetime time.Duration
	now           func() time.Time
}

// New creates an empty local provider.
func New(cfg Config) *Provider {
	lifetime := cfg.TokenLifetime
	if lifetime == 0 {
		lifetime = 24 * time.Hour
	}
	return &Provider{
		accounts:      make(map[string]*account),
		sessions:      make(map[string]grantRecord),
		refreshTokens: make(map[string]string),
		verifyTokens:  make(map[string]string),
		resetTokens:   make(map[string]string),
		oauthUsers:    cfg.OAuthUsers,
		tokenLifetime: lifetime,
		now:           time.Now,
	}
}

func generateSecureToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(bytes), nil
}

func (p *Provider) Register(ctx context.Context, name, email, password string) (*identity.Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := strings.ToLower(email)

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.accounts[key]; exists {
		return nil, identity.ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	acct := &account{
		user: identity.User{
			ID:    uuid.NewString(),
			Name:  name,
			Email: key,
		},
		passwordHash: string(hash),
	}
	p.accounts[key] = acct

	// Issue a verification token the way a real provider would send one
	// by email. Logged so development flows can complete verification.
	verifyToken, err := generateSecureToken(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate verification token: %w", err)
	}
	p.verifyTokens[verifyToken] = acct.user.ID
	slog.Info("Issued email verification token", "email", key, "token", verifyToken)

	return p.issueGrantLocked(&acct.user)
}

func (p *Provider) Authenticate(ctx context.Context, email, password string) (*identity.Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	acct, ok := p.accounts[strings.ToLower(email)]
	if !ok {
		// Burn a comparison so lookups and mismatches cost the same.
		bcrypt.CompareHashAndPassword([]byte("$2a$10$invalidinvalidinvalidinvalidinvalidinvalid"), []byte(password))
		return nil, identity.ErrInvalidCredentials
	}

	if bcrypt.CompareHashAndPassword([]byte(acct.passwordHash), []byte(password)) != nil {
		return nil, identity.ErrInvalidCredentials
	}

	return p.issueGrantLocked(&acct.user)
}

func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*identity.Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	userID, ok := p.refreshTokens[refreshToken]
	if !ok {
		return nil, identity.ErrInvalidToken
	}

	user := p.userByIDLocked(userID)
	if user == nil {
		return nil, identity.ErrUserNotFound
	}

	// Rotate: the old refresh token is single-use.
	delete(p.refreshTokens, refreshToken)
	return p.issueGrantLocked(user)
}

func (p *Provider) ValidateSession(ctx context.Context, token string) (*identity.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.sessions[token]
	if !ok {
		return nil, identity.ErrInvalidToken
	}
	if p.now().After(rec.expiresAt) {
		delete(p.sessions, token)
		return nil, identity.ErrInvalidToken
	}

	user := p.userByIDLocked(rec.userID)
	if user == nil {
		return nil, identity.ErrUserNotFound
	}
	cp := *user
	return &cp, nil
}

func (p *Provider) Logout(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, token)
	return nil
}

func (p *Provider) SendPasswordReset(ctx context.Context, email string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	acct, ok := p.accounts[strings.ToLower(email)]
	if !ok {
		// Do not reveal whether the address is registered.
		slog.Debug("Password reset requested for unknown email", "email", email)
		return nil
	}

	token, err := generateSecureToken(32)
	if err != nil {
		return fmt.Errorf("failed to generate reset token: %w", err)
	}
	p.resetTokens[token] = acct.user.ID
	slog.Info("Issued password reset token", "email", acct.user.Email, "token", token)
	return nil
}

func (p *Provider) VerifyEmailToken(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	userID, ok := p.verifyTokens[token]
	if !ok {
		return identity.ErrInvalidToken
	}
	delete(p.verifyTokens, token)

	user := p.userByIDLocked(userID)
	if user == nil {
		return identity.ErrUserNotFound
	}
	user.EmailVerified = true
	return nil
}

func (p *Provider) OAuthLogin(ctx context.Context, provider string) (*identity.Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	tmpl, ok := p.oauthUsers[provider]
	if !ok {
		return nil, identity.ErrInvalidProvider
	}

	key := strings.ToLower(tmpl.Email)
	acct, exists := p.accounts[key]
	if !exists {
		acct = &account{user: tmpl}
		if acct.user.ID == "" {
			acct.user.ID = uuid.NewString()
		}
		acct.user.Email = key
		// Provider-asserted addresses arrive verified.
		acct.user.EmailVerified = true
		p.accounts[key] = acct
	}

	return p.issueGrantLocked(&acct.user)
}

func (p *Provider) UpdateUser(ctx context.Context, token string, patch identity.ProfilePatch) (*identity.User, error) {
	user, err := p.ValidateSession(ctx, token)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	acct, ok := p.accounts[strings.ToLower(user.Email)]
	if !ok {
		return nil, identity.ErrUserNotFound
	}

	if patch.Name != nil {
		acct.user.Name = *patch.Name
	}
	if patch.Email != nil && !strings.EqualFold(*patch.Email, acct.user.Email) {
		newKey := strings.ToLower(*patch.Email)
		if _, taken := p.accounts[newKey]; taken {
			return nil, identity.ErrUserExists
		}
		delete(p.accounts, strings.ToLower(acct.user.Email))
		acct.user.Email = newKey
		acct.user.EmailVerified = false
		p.accounts[newKey] = acct
	}
	if patch.Preferences != nil {
		if acct.user.Preferences == nil {
			acct.user.Preferences = make(map[string]string)
		}
		for k, v := range patch.Preferences {
			acct.user.Preferences[k] = v
		}
	}

	cp := acct.user
	return &cp, nil
}

func (p *Provider) ChangePassword(ctx context.Context, token, oldPassword, newPassword string) error {
	user, err := p.ValidateSession(ctx, token)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	acct, ok := p.accounts[strings.ToLower(user.Email)]
	if !ok {
		return identity.ErrUserNotFound
	}

	if bcrypt.CompareHashAndPassword([]byte(acct.passwordHash), []byte(oldPassword)) != nil {
		return identity.ErrInvalidCredentials
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	acct.passwordHash = string(hash)
	return nil
}

// ResetPassword redeems a reset token issued by SendPasswordReset and
// sets a new password. Not part of identity.Service; development flows
// call it directly with the logged token.
func (p *Provider) ResetPassword(ctx context.Context, token, newPassword string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	userID, ok := p.resetTokens[token]
	if !ok {
		return identity.ErrInvalidToken
	}
	delete(p.resetTokens, token)

	user := p.userByIDLocked(userID)
	if user == nil {
		return identity.ErrUserNotFound
	}
	acct := p.accounts[strings.ToLower(user.Email)]

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	acct.passwordHash = string(hash)
	return nil
}

// issueGrantLocked mints a fresh token pair for user. Callers hold p.mu.
func (p *Provider) issueGrantLocked(user *identity.User) (*identity.Grant, error) {
	token, err := generateSecureToken(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate session token: %w", err)
	}
	refresh, err := generateSecureToken(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}

	expiresAt := p.now().Add(p.tokenLifetime)
	p.sessions[token] = grantRecord{userID: user.ID, expiresAt: expiresAt}
	p.refreshTokens[refresh] = user.ID

	cp := *user
	return &identity.Grant{
		User:         &cp,
		Token:        token,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt.UnixMilli(),
	}, nil
}

func (p *Provider) userByIDLocked(id string) *identity.User {
	for _, acct := range p.accounts {
		if acct.user.ID == id {
			return &acct.user
		}
	}
	return nil
}
