package auth

import (
	"context"
	"testing"
	"time"

	"github.com/pulsefit/authkit/identity"
	"github.com/pulsefit/authkit/session"
)

func TestRefreshTickNoopWhenFarFromExpiry(t *testing.T) {
	svc := &fakeService{}
	store := session.NewMemStore()
	m := mustManager(t, svc, store)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	m.mu.Lock()
	m.session = &session.Session{Token: "tok", RefreshToken: "ref", ExpiresAt: base.Add(time.Hour).UnixMilli()}
	m.mu.Unlock()

	m.RefreshTick(context.Background())

	if svc.callCount("refresh") != 0 {
		t.Error("refresh must not run while expiry is beyond the interval")
	}
	if m.State().Session == nil {
		t.Error("session must be untouched")
	}
}

func TestRefreshTickNoopWithoutSession(t *testing.T) {
	svc := &fakeService{}
	m := mustManager(t, svc, session.NewMemStore())

	m.RefreshTick(context.Background())

	if svc.callCount("refresh") != 0 {
		t.Error("refresh must not run without a session")
	}
}

func TestRefreshTickRenewsNearExpiry(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	renewedExpiry := base.Add(time.Hour).UnixMilli()

	svc := &fakeService{refreshFn: func(refreshToken string) (*identity.Grant, error) {
		if refreshToken != "ref" {
			return nil, identity.ErrInvalidToken
		}
		return &identity.Grant{
			User:         testUser(),
			Token:        "new-tok",
			RefreshToken: "new-ref",
			ExpiresAt:    renewedExpiry,
		}, nil
	}}
	store := session.NewMemStore()
	m := mustManager(t, svc, store)
	m.now = func() time.Time { return base }

	m.mu.Lock()
	m.session = &session.Session{Token: "tok", RefreshToken: "ref", ExpiresAt: base.Add(time.Minute).UnixMilli()}
	m.mu.Unlock()

	m.RefreshTick(context.Background())

	state := m.State()
	if state.Session == nil || state.Session.Token != "new-tok" {
		t.Fatalf("expected renewed session, got %+v", state.Session)
	}
	if state.Session.ExpiresAt != renewedExpiry {
		t.Errorf("ExpiresAt = %d, want %d", state.Session.ExpiresAt, renewedExpiry)
	}

	persisted, _ := store.Load()
	if persisted == nil || persisted.Token != "new-tok" {
		t.Errorf("expected renewed session persisted, got %+v", persisted)
	}
}

func TestRefreshTickClearsOnFailure(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	store := session.NewMemStore()
	store.Save(&session.Session{Token: "tok", RefreshToken: "ref", ExpiresAt: base.Add(time.Minute).UnixMilli()})

	m := mustManager(t, &fakeService{}, store) // refresh errors
	m.now = func() time.Time { return base }

	m.mu.Lock()
	m.session = &session.Session{Token: "tok", RefreshToken: "ref", ExpiresAt: base.Add(time.Minute).UnixMilli()}
	m.mu.Unlock()

	m.RefreshTick(context.Background())

	// Never a session left unchanged past its refresh threshold: on
	// failure it is cleared entirely.
	if m.State().Session != nil {
		t.Error("expected session cleared after refresh failure")
	}
	if persisted, _ := store.Load(); persisted != nil {
		t.Error("expected persisted session cleared after refresh failure")
	}
}

func TestStartRefreshStopsOnClose(t *testing.T) {
	svc := &fakeService{}
	m := mustManager(t, svc, session.NewMemStore())

	m.StartRefresh(context.Background())
	m.StartRefresh(context.Background()) // second call is a no-op

	m.mu.Lock()
	done := m.refreshDone
	m.mu.Unlock()
	if done == nil {
		t.Fatal("expected refresh loop running")
	}

	m.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh loop did not stop on Close")
	}

	// Close again must not panic or block.
	m.Close()
}
