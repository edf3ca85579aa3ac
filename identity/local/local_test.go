package local

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pulsefit/authkit/identity"
)

func register(t *testing.T, p *Provider, name, email, password string) *identity.Grant {
	t.Helper()
	grant, err := p.Register(context.Background(), name, email, password)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return grant
}

func TestRegisterAndAuthenticate(t *testing.T) {
	p := New(Config{})
	ctx := context.Background()

	grant := register(t, p, "Jamie", "Jamie@Example.com", "Str0ng!pass")
	if grant.User.Email != "jamie@example.com" {
		t.Errorf("Email = %q, want lowercased", grant.User.Email)
	}
	if grant.User.EmailVerified {
		t.Error("new accounts must start unverified")
	}
	if grant.Token == "" || grant.RefreshToken == "" {
		t.Error("grant is missing tokens")
	}

	// Login works case-insensitively on the email.
	if _, err := p.Authenticate(ctx, "JAMIE@example.COM", "Str0ng!pass"); err != nil {
		t.Errorf("Authenticate failed: %v", err)
	}

	if _, err := p.Authenticate(ctx, "jamie@example.com", "wrong"); !errors.Is(err, identity.ErrInvalidCredentials) {
		t.Errorf("wrong password: err = %v, want ErrInvalidCredentials", err)
	}
	if _, err := p.Authenticate(ctx, "nobody@example.com", "Str0ng!pass"); !errors.Is(err, identity.ErrInvalidCredentials) {
		t.Errorf("unknown email: err = %v, want ErrInvalidCredentials", err)
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	p := New(Config{})
	register(t, p, "Jamie", "jamie@example.com", "Str0ng!pass")

	_, err := p.Register(context.Background(), "Other", "JAMIE@example.com", "An0ther!pw")
	if !errors.Is(err, identity.ErrUserExists) {
		t.Errorf("err = %v, want ErrUserExists", err)
	}
}

func TestValidateSessionExpiry(t *testing.T) {
	p := New(Config{TokenLifetime: time.Hour})
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return base }
	ctx := context.Background()

	grant := register(t, p, "Jamie", "jamie@example.com", "Str0ng!pass")

	user, err := p.ValidateSession(ctx, grant.Token)
	if err != nil {
		t.Fatalf("ValidateSession failed: %v", err)
	}
	if user.ID != grant.User.ID {
		t.Errorf("user ID = %q, want %q", user.ID, grant.User.ID)
	}

	p.now = func() time.Time { return base.Add(2 * time.Hour) }
	if _, err := p.ValidateSession(ctx, grant.Token); !errors.Is(err, identity.ErrInvalidToken) {
		t.Errorf("expired session: err = %v, want ErrInvalidToken", err)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	p := New(Config{})
	ctx := context.Background()

	grant := register(t, p, "Jamie", "jamie@example.com", "Str0ng!pass")

	renewed, err := p.Refresh(ctx, grant.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if renewed.RefreshToken == grant.RefreshToken {
		t.Error("refresh token was not rotated")
	}
	if renewed.User.ID != grant.User.ID {
		t.Errorf("refreshed user ID = %q, want %q", renewed.User.ID, grant.User.ID)
	}

	// The spent token is single-use.
	if _, err := p.Refresh(ctx, grant.RefreshToken); !errors.Is(err, identity.ErrInvalidToken) {
		t.Errorf("spent token: err = %v, want ErrInvalidToken", err)
	}
}

func TestLogoutInvalidatesSession(t *testing.T) {
	p := New(Config{})
	ctx := context.Background()

	grant := register(t, p, "Jamie", "jamie@example.com", "Str0ng!pass")
	if err := p.Logout(ctx, grant.Token); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if _, err := p.ValidateSession(ctx, grant.Token); !errors.Is(err, identity.ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken after logout", err)
	}

	// Logging out an unknown token is not an error.
	if err := p.Logout(ctx, "never-issued"); err != nil {
		t.Errorf("Logout of unknown token failed: %v", err)
	}
}

func TestVerifyEmailToken(t *testing.T) {
	p := New(Config{})
	ctx := context.Background()

	grant := register(t, p, "Jamie", "jamie@example.com", "Str0ng!pass")

	var token string
	p.mu.Lock()
	for tok, userID := range p.verifyTokens {
		if userID == grant.User.ID {
			token = tok
		}
	}
	p.mu.Unlock()
	if token == "" {
		t.Fatal("registration issued no verification token")
	}

	if err := p.VerifyEmailToken(ctx, token); err != nil {
		t.Fatalf("VerifyEmailToken failed: %v", err)
	}
	user, err := p.ValidateSession(ctx, grant.Token)
	if err != nil {
		t.Fatalf("ValidateSession failed: %v", err)
	}
	if !user.EmailVerified {
		t.Error("user still unverified after token redemption")
	}

	// Tokens are single-use.
	if err := p.VerifyEmailToken(ctx, token); !errors.Is(err, identity.ErrInvalidToken) {
		t.Errorf("reused token: err = %v, want ErrInvalidToken", err)
	}
}

func TestPasswordResetFlow(t *testing.T) {
	p := New(Config{})
	ctx := context.Background()

	grant := register(t, p, "Jamie", "jamie@example.com", "Str0ng!pass")

	if err := p.SendPasswordReset(ctx, "jamie@example.com"); err != nil {
		t.Fatalf("SendPasswordReset failed: %v", err)
	}
	// Unknown addresses are indistinguishable from known ones.
	if err := p.SendPasswordReset(ctx, "nobody@example.com"); err != nil {
		t.Errorf("SendPasswordReset for unknown email failed: %v", err)
	}

	var token string
	p.mu.Lock()
	for tok, userID := range p.resetTokens {
		if userID == grant.User.ID {
			token = tok
		}
	}
	p.mu.Unlock()
	if token == "" {
		t.Fatal("no reset token issued")
	}

	if err := p.ResetPassword(ctx, token, "N3w!password"); err != nil {
		t.Fatalf("ResetPassword failed: %v", err)
	}
	if _, err := p.Authenticate(ctx, "jamie@example.com", "Str0ng!pass"); !errors.Is(err, identity.ErrInvalidCredentials) {
		t.Error("old password still accepted after reset")
	}
	if _, err := p.Authenticate(ctx, "jamie@example.com", "N3w!password"); err != nil {
		t.Errorf("new password rejected: %v", err)
	}
	if err := p.ResetPassword(ctx, token, "again"); !errors.Is(err, identity.ErrInvalidToken) {
		t.Errorf("reused reset token: err = %v, want ErrInvalidToken", err)
	}
}

func TestOAuthLogin(t *testing.T) {
	p := New(Config{
		OAuthUsers: map[string]identity.User{
			"google": {Name: "Jamie G", Email: "Jamie@gmail.example"},
		},
	})
	ctx := context.Background()

	grant, err := p.OAuthLogin(ctx, "google")
	if err != nil {
		t.Fatalf("OAuthLogin failed: %v", err)
	}
	if grant.User.Email != "jamie@gmail.example" {
		t.Errorf("Email = %q, want lowercased", grant.User.Email)
	}
	if !grant.User.EmailVerified {
		t.Error("provider-asserted address must arrive verified")
	}

	// A second login maps to the same account.
	again, err := p.OAuthLogin(ctx, "google")
	if err != nil {
		t.Fatalf("second OAuthLogin failed: %v", err)
	}
	if again.User.ID != grant.User.ID {
		t.Errorf("second login user ID = %q, want %q", again.User.ID, grant.User.ID)
	}

	if _, err := p.OAuthLogin(ctx, "myspace"); !errors.Is(err, identity.ErrInvalidProvider) {
		t.Errorf("unknown provider: err = %v, want ErrInvalidProvider", err)
	}
}

func TestUpdateUser(t *testing.T) {
	p := New(Config{})
	ctx := context.Background()

	grant := register(t, p, "Jamie", "jamie@example.com", "Str0ng!pass")
	register(t, p, "Taken", "taken@example.com", "Str0ng!pass")

	name := "Jamie Q"
	user, err := p.UpdateUser(ctx, grant.Token, identity.ProfilePatch{
		Name:        &name,
		Preferences: map[string]string{"units": "metric"},
	})
	if err != nil {
		t.Fatalf("UpdateUser failed: %v", err)
	}
	if user.Name != "Jamie Q" {
		t.Errorf("Name = %q, want %q", user.Name, "Jamie Q")
	}
	if user.Preferences["units"] != "metric" {
		t.Errorf("Preferences = %v, want units=metric", user.Preferences)
	}

	// Changing the address drops verification and rejects taken emails.
	newEmail := "jamie2@example.com"
	user, err = p.UpdateUser(ctx, grant.Token, identity.ProfilePatch{Email: &newEmail})
	if err != nil {
		t.Fatalf("UpdateUser email change failed: %v", err)
	}
	if user.Email != "jamie2@example.com" || user.EmailVerified {
		t.Errorf("after email change: %+v", user)
	}

	taken := "taken@example.com"
	if _, err := p.UpdateUser(ctx, grant.Token, identity.ProfilePatch{Email: &taken}); !errors.Is(err, identity.ErrUserExists) {
		t.Errorf("taken email: err = %v, want ErrUserExists", err)
	}

	if _, err := p.UpdateUser(ctx, "bad-token", identity.ProfilePatch{Name: &name}); !errors.Is(err, identity.ErrInvalidToken) {
		t.Errorf("bad session: err = %v, want ErrInvalidToken", err)
	}
}

func TestChangePassword(t *testing.T) {
	p := New(Config{})
	ctx := context.Background()

	grant := register(t, p, "Jamie", "jamie@example.com", "Str0ng!pass")

	if err := p.ChangePassword(ctx, grant.Token, "wrong", "N3w!password"); !errors.Is(err, identity.ErrInvalidCredentials) {
		t.Errorf("wrong current password: err = %v, want ErrInvalidCredentials", err)
	}
	if err := p.ChangePassword(ctx, grant.Token, "Str0ng!pass", "N3w!password"); err != nil {
		t.Fatalf("ChangePassword failed: %v", err)
	}
	if _, err := p.Authenticate(ctx, "jamie@example.com", "N3w!password"); err != nil {
		t.Errorf("new password rejected: %v", err)
	}
}

func TestContextCancellation(t *testing.T) {
	p := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.Authenticate(ctx, "jamie@example.com", "pw"); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if _, err := p.Register(ctx, "Jamie", "jamie@example.com", "pw"); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
