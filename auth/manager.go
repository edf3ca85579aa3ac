// Package auth owns the client-side authentication state: the current
// user, the current session, and every operation that changes them. All
// operations run against an external identity.Service; the session is
// mirrored into a session.Store so it survives restarts.
//
// Overlapping operations of different kinds interleave at await points
// and resolve last-writer-wins on the shared state; that is accepted, not
// guaranteed-consistent. Overlapping operations of the same kind are
// rejected with ErrOperationInFlight.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/pulsefit/authkit/identity"
	"github.com/pulsefit/authkit/password"
	"github.com/pulsefit/authkit/session"
)

// Defaults for Config zero values.
const (
	DefaultRefreshInterval = 5 * time.Minute
	DefaultServiceTimeout  = 15 * time.Second
	DefaultSessionLifetime = 24 * time.Hour
	RememberMeLifetime     = 30 * 24 * time.Hour
)

// Operation kinds used by the in-flight guard.
const (
	opCheckAuth      = "check_auth"
	opLogin          = "login"
	opSignup         = "signup"
	opLogout         = "logout"
	opResetPassword  = "reset_password"
	opGoogleLogin    = "google_login"
	opVerifyEmail    = "verify_email"
	opUpdateProfile  = "update_profile"
	opChangePassword = "change_password"
	opRefresh        = "refresh"
)

// State is a snapshot of the Manager's auth state.
type State struct {
	User      *identity.User
	Session   *session.Session
	IsLoading bool
	Err       *Error
}

// Authenticated reports whether both a user and a valid session are present.
func (s State) Authenticated(now time.Time) bool {
	return s.User != nil && s.Session.Valid(now)
}

// Config configures a Manager.
type Config struct {
	Service identity.Service // identity provider (required)
	Store   session.Store    // durable session storage (required)

	// RefreshInterval is the background refresh tick and the threshold
	// under which a session is considered due for refresh (default 5m).
	RefreshInterval time.Duration
	// ServiceTimeout bounds every identity-service call (default 15s).
	ServiceTimeout time.Duration
	// SessionLifetime is the client-side expiry for plain logins (default 24h).
	SessionLifetime time.Duration
}

// Manager is the session lifecycle manager.
type Manager struct {
	service identity.Service
	store   session.Store
	cfg     Config
	valid   *validator.Validate

	mu       sync.Mutex
	user     *identity.User
	session  *session.Session
	loading  bool
	err      *Error
	inflight map[string]bool

	notifier notifier

	refreshCancel context.CancelFunc
	refreshDone   chan struct{}
	closeOnce     sync.Once

	now func() time.Time
}

// NewManager creates a Manager. The background refresh loop is not
// started until StartRefresh is called.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Service == nil {
		return nil, fmt.Errorf("identity service is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.ServiceTimeout <= 0 {
		cfg.ServiceTimeout = DefaultServiceTimeout
	}
	if cfg.SessionLifetime <= 0 {
		cfg.SessionLifetime = DefaultSessionLifetime
	}

	return &Manager{
		service: cfg.Service,
		store:   cfg.Store,
		cfg:     cfg,
		valid:   validator.New(),
		// Loading until the initial CheckAuth settles, so guards show a
		// placeholder instead of redirecting before state is known.
		loading:  true,
		inflight: make(map[string]bool),
		now:      time.Now,
	}, nil
}

// State returns a snapshot of the current auth state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *Manager) stateLocked() State {
	return State{User: m.user, Session: m.session, IsLoading: m.loading, Err: m.err}
}

// Subscribe registers an observer of state changes. The caller must Close
// the subscription when done.
func (m *Manager) Subscribe() *Subscription {
	return m.notifier.subscribe()
}

// ValidatePassword is a pass-through to the password policy evaluator,
// exposed here so forms need only the Manager.
func (m *Manager) ValidatePassword(pw string) password.Validation {
	return password.Validate(pw)
}

// begin marks an operation started: loading set, error cleared, duplicate
// operations of the same kind rejected.
func (m *Manager) begin(op string) error {
	m.mu.Lock()
	if m.inflight[op] {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", op, ErrOperationInFlight)
	}
	m.inflight[op] = true
	m.loading = true
	m.err = nil
	state := m.stateLocked()
	m.mu.Unlock()

	m.notifier.publish(state)
	return nil
}

// finish marks an operation done and records its outcome.
func (m *Manager) finish(op string, opErr *Error) {
	m.mu.Lock()
	delete(m.inflight, op)
	m.loading = len(m.inflight) > 0
	m.err = opErr
	state := m.stateLocked()
	m.mu.Unlock()

	m.notifier.publish(state)
}

func (m *Manager) serviceCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.cfg.ServiceTimeout)
}

// CheckAuth loads the persisted session and validates it against the
// identity service, populating the user on success. Any failure clears
// the session entirely and is never surfaced as an error: the route guard
// redirects instead.
func (m *Manager) CheckAuth(ctx context.Context) error {
	if err := m.begin(opCheckAuth); err != nil {
		return err
	}
	m.doCheckAuth(ctx)
	m.finish(opCheckAuth, nil)
	return nil
}

func (m *Manager) doCheckAuth(ctx context.Context) {
	sess, err := m.store.Load()
	if err != nil {
		slog.Error("Auth check failed to load session", "error", err)
		m.clearSession()
		return
	}
	if sess == nil {
		return
	}

	m.mu.Lock()
	m.session = sess
	m.mu.Unlock()

	cctx, cancel := m.serviceCtx(ctx)
	defer cancel()

	user, err := m.service.ValidateSession(cctx, sess.Token)
	if err != nil {
		slog.Warn("Stored session failed validation", "error", err)
		m.clearSession()
		return
	}

	m.mu.Lock()
	m.user = user
	m.mu.Unlock()
}

type loginInput struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required"`
}

// Login authenticates with email and password. The persisted expiry is
// now+30d when rememberMe is set, now+24h otherwise.
func (m *Manager) Login(ctx context.Context, email, pw string, rememberMe bool) error {
	if err := m.begin(opLogin); err != nil {
		return err
	}
	opErr := m.doLogin(ctx, email, pw, rememberMe)
	m.finish(opLogin, opErr)
	if opErr != nil {
		return opErr
	}
	return nil
}

func (m *Manager) doLogin(ctx context.Context, email, pw string, rememberMe bool) *Error {
	if err := m.valid.Struct(loginInput{Email: email, Password: pw}); err != nil {
		return validationError(msgInvalidCredentials, err)
	}

	cctx, cancel := m.serviceCtx(ctx)
	defer cancel()

	grant, err := m.service.Authenticate(cctx, email, pw)
	if err != nil {
		slog.Warn("Login failed", "error", err)
		return classify(err, msgInvalidCredentials)
	}

	lifetime := m.cfg.SessionLifetime
	if rememberMe {
		lifetime = RememberMeLifetime
	}
	sess := &session.Session{
		Token:        grant.Token,
		RefreshToken: grant.RefreshToken,
		ExpiresAt:    m.now().Add(lifetime).UnixMilli(),
	}

	m.setAuthenticated(grant.User, sess)
	slog.Info("User logged in", "user_id", grant.User.ID, "remember_me", rememberMe)
	return nil
}

type signupInput struct {
	Name     string `validate:"required"`
	Email    string `validate:"required,email"`
	Password string `validate:"required"`
}

// Signup registers a new account. The confirmation must match and the
// password must satisfy the full policy before the identity service is
// called.
func (m *Manager) Signup(ctx context.Context, name, email, pw, confirm string) error {
	if err := m.begin(opSignup); err != nil {
		return err
	}
	opErr := m.doSignup(ctx, name, email, pw, confirm)
	m.finish(opSignup, opErr)
	if opErr != nil {
		return opErr
	}
	return nil
}

func (m *Manager) doSignup(ctx context.Context, name, email, pw, confirm string) *Error {
	if err := m.valid.Struct(signupInput{Name: name, Email: email, Password: pw}); err != nil {
		return validationError(msgRegistrationFailed, err)
	}
	if !password.MatchConfirmation(pw, confirm) {
		return validationError(msgPasswordMismatch, nil)
	}
	if !password.Validate(pw).OK() {
		return validationError(msgPasswordTooWeak, nil)
	}

	cctx, cancel := m.serviceCtx(ctx)
	defer cancel()

	grant, err := m.service.Register(cctx, name, email, pw)
	if err != nil {
		slog.Warn("Signup failed", "error", err)
		return classify(err, msgRegistrationFailed)
	}

	sess := &session.Session{
		Token:        grant.Token,
		RefreshToken: grant.RefreshToken,
		ExpiresAt:    m.now().Add(m.cfg.SessionLifetime).UnixMilli(),
	}
	m.setAuthenticated(grant.User, sess)
	slog.Info("User registered", "user_id", grant.User.ID)
	return nil
}

// Logout clears the user and session, locally and with the identity
// service. Service failures are logged, never returned; calling Logout
// while already logged out is a no-op.
func (m *Manager) Logout(ctx context.Context) error {
	if err := m.begin(opLogout); err != nil {
		return err
	}

	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()

	if sess != nil {
		cctx, cancel := m.serviceCtx(ctx)
		if err := m.service.Logout(cctx, sess.Token); err != nil {
			slog.Error("Logout call failed", "error", err)
		}
		cancel()
	}

	m.mu.Lock()
	m.user = nil
	m.mu.Unlock()
	m.clearSession()

	m.finish(opLogout, nil)
	return nil
}

type emailInput struct {
	Email string `validate:"required,email"`
}

// ResetPassword asks the identity service to send a password-reset email.
func (m *Manager) ResetPassword(ctx context.Context, email string) error {
	if err := m.begin(opResetPassword); err != nil {
		return err
	}
	opErr := m.doResetPassword(ctx, email)
	m.finish(opResetPassword, opErr)
	if opErr != nil {
		return opErr
	}
	return nil
}

func (m *Manager) doResetPassword(ctx context.Context, email string) *Error {
	if err := m.valid.Struct(emailInput{Email: email}); err != nil {
		return validationError(msgResetFailed, err)
	}

	cctx, cancel := m.serviceCtx(ctx)
	defer cancel()

	if err := m.service.SendPasswordReset(cctx, email); err != nil {
		slog.Warn("Password reset request failed", "error", err)
		return classify(err, msgResetFailed)
	}
	return nil
}

// GoogleLogin authenticates through the Google OAuth provider.
func (m *Manager) GoogleLogin(ctx context.Context) error {
	if err := m.begin(opGoogleLogin); err != nil {
		return err
	}
	opErr := m.doGoogleLogin(ctx)
	m.finish(opGoogleLogin, opErr)
	if opErr != nil {
		return opErr
	}
	return nil
}

func (m *Manager) doGoogleLogin(ctx context.Context) *Error {
	cctx, cancel := m.serviceCtx(ctx)
	defer cancel()

	grant, err := m.service.OAuthLogin(cctx, "google")
	if err != nil {
		slog.Warn("Google login failed", "error", err)
		return classify(err, msgGoogleLoginFailed)
	}

	expiresAt := grant.ExpiresAt
	if expiresAt == 0 {
		expiresAt = m.now().Add(m.cfg.SessionLifetime).UnixMilli()
	}
	sess := &session.Session{
		Token:        grant.Token,
		RefreshToken: grant.RefreshToken,
		ExpiresAt:    expiresAt,
	}
	m.setAuthenticated(grant.User, sess)
	slog.Info("User logged in via Google", "user_id", grant.User.ID)
	return nil
}

// VerifyEmail redeems an email-verification token and marks the current
// user verified.
func (m *Manager) VerifyEmail(ctx context.Context, token string) error {
	if err := m.begin(opVerifyEmail); err != nil {
		return err
	}
	opErr := m.doVerifyEmail(ctx, token)
	m.finish(opVerifyEmail, opErr)
	if opErr != nil {
		return opErr
	}
	return nil
}

func (m *Manager) doVerifyEmail(ctx context.Context, token string) *Error {
	cctx, cancel := m.serviceCtx(ctx)
	defer cancel()

	if err := m.service.VerifyEmailToken(cctx, token); err != nil {
		slog.Warn("Email verification failed", "error", err)
		return classify(err, msgVerifyFailed)
	}

	m.mu.Lock()
	if m.user != nil {
		verified := *m.user
		verified.EmailVerified = true
		m.user = &verified
	}
	m.mu.Unlock()
	return nil
}

// UpdateProfile applies a partial profile change and replaces the user
// with the server-returned record.
func (m *Manager) UpdateProfile(ctx context.Context, patch identity.ProfilePatch) error {
	if err := m.begin(opUpdateProfile); err != nil {
		return err
	}
	opErr := m.doUpdateProfile(ctx, patch)
	m.finish(opUpdateProfile, opErr)
	if opErr != nil {
		return opErr
	}
	return nil
}

func (m *Manager) doUpdateProfile(ctx context.Context, patch identity.ProfilePatch) *Error {
	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()
	if !sess.Valid(m.now()) {
		return &Error{Kind: KindCredential, Message: msgProfileFailed}
	}

	cctx, cancel := m.serviceCtx(ctx)
	defer cancel()

	user, err := m.service.UpdateUser(cctx, sess.Token, patch)
	if err != nil {
		slog.Warn("Profile update failed", "error", err)
		return classify(err, msgProfileFailed)
	}

	m.mu.Lock()
	m.user = user
	m.mu.Unlock()
	return nil
}

// ChangePassword changes the account password. Confirmation and policy
// are checked before the identity service is called. No local state
// changes beyond the loading flags.
func (m *Manager) ChangePassword(ctx context.Context, oldPw, newPw, confirm string) error {
	if err := m.begin(opChangePassword); err != nil {
		return err
	}
	opErr := m.doChangePassword(ctx, oldPw, newPw, confirm)
	m.finish(opChangePassword, opErr)
	if opErr != nil {
		return opErr
	}
	return nil
}

func (m *Manager) doChangePassword(ctx context.Context, oldPw, newPw, confirm string) *Error {
	if !password.MatchConfirmation(newPw, confirm) {
		return validationError(msgPasswordMismatch, nil)
	}
	if !password.Validate(newPw).OK() {
		return validationError(msgPasswordTooWeak, nil)
	}

	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()
	if !sess.Valid(m.now()) {
		return &Error{Kind: KindCredential, Message: msgPasswordFailed}
	}

	cctx, cancel := m.serviceCtx(ctx)
	defer cancel()

	if err := m.service.ChangePassword(cctx, sess.Token, oldPw, newPw); err != nil {
		slog.Warn("Password change failed", "error", err)
		return classify(err, msgPasswordFailed)
	}
	return nil
}

// setAuthenticated installs a fresh user and session and persists the
// session. A persistence failure keeps the in-memory session usable for
// the current run and is only logged.
func (m *Manager) setAuthenticated(user *identity.User, sess *session.Session) {
	if err := m.store.Save(sess); err != nil {
		slog.Error("Failed to persist session", "error", err)
	}

	m.mu.Lock()
	m.user = user
	m.session = sess
	state := m.stateLocked()
	m.mu.Unlock()

	m.notifier.publish(state)
}

// clearSession removes the session from memory and durable storage.
func (m *Manager) clearSession() {
	if err := m.store.Clear(); err != nil {
		slog.Error("Failed to clear persisted session", "error", err)
	}

	m.mu.Lock()
	m.session = nil
	state := m.stateLocked()
	m.mu.Unlock()

	m.notifier.publish(state)
}

// Close tears the Manager down: the refresh loop is stopped and all
// subscriptions are closed. Safe to call more than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		cancel := m.refreshCancel
		done := m.refreshDone
		m.mu.Unlock()

		if cancel != nil {
			cancel()
			<-done
		}
		m.notifier.close()
	})
}
