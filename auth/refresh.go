package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/pulsefit/authkit/session"
)

// StartRefresh starts the background refresh loop: a fixed-interval tick
// that renews the session shortly before it expires so it never lapses
// silently during an active visit. The loop is owned by the Manager's
// lifetime and is stopped exactly once, by Close (or when ctx ends).
// Calling StartRefresh twice is a no-op.
func (m *Manager) StartRefresh(ctx context.Context) {
	m.mu.Lock()
	if m.refreshCancel != nil {
		m.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.refreshCancel = cancel
	m.refreshDone = done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.RefreshTick(loopCtx)
			}
		}
	}()
}

// RefreshTick runs one refresh pass. It is a no-op unless a session
// exists and its expiry is closer than the refresh interval; in that case
// the session is either replaced with a renewed one or cleared entirely,
// never left unchanged past its refresh threshold. Exposed so tests and
// host schedulers can drive it with their own clock.
func (m *Manager) RefreshTick(ctx context.Context) {
	m.mu.Lock()
	if m.inflight[opRefresh] {
		m.mu.Unlock()
		return
	}
	sess := m.session
	if sess == nil || time.Duration(sess.ExpiresAt-m.now().UnixMilli())*time.Millisecond >= m.cfg.RefreshInterval {
		m.mu.Unlock()
		return
	}
	m.inflight[opRefresh] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.inflight, opRefresh)
		m.mu.Unlock()
	}()

	cctx, cancel := m.serviceCtx(ctx)
	defer cancel()

	grant, err := m.service.Refresh(cctx, sess.RefreshToken)
	if err != nil {
		slog.Warn("Session refresh failed, clearing session", "error", err)
		m.clearSession()
		return
	}

	renewed := &session.Session{
		Token:        grant.Token,
		RefreshToken: grant.RefreshToken,
		ExpiresAt:    grant.ExpiresAt,
	}
	if renewed.ExpiresAt == 0 {
		renewed.ExpiresAt = m.now().Add(m.cfg.SessionLifetime).UnixMilli()
	}

	if err := m.store.Save(renewed); err != nil {
		slog.Error("Failed to persist refreshed session", "error", err)
	}

	m.mu.Lock()
	m.session = renewed
	if grant.User != nil {
		m.user = grant.User
	}
	state := m.stateLocked()
	m.mu.Unlock()

	m.notifier.publish(state)
	slog.Debug("Session refreshed", "expires_at", renewed.ExpiresAt)
}
