package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/pulsefit/authkit/auth"
	"github.com/pulsefit/authkit/gatekeeper"
	"github.com/pulsefit/authkit/gatekeeper/ratelimit"
	"github.com/pulsefit/authkit/guard"
	"github.com/pulsefit/authkit/identity"
	"github.com/pulsefit/authkit/identity/local"
	"github.com/pulsefit/authkit/session"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway HTTP server",
		RunE:  runServe,
	}

	cmd.Flags().String("config", "authgate.yaml", "Path to config file")
	cmd.Flags().String("listen", "", "Listen address (overrides config)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	// .env is optional; explicit environment always wins.
	if err := godotenv.Load(); err == nil {
		slog.Debug("Loaded environment from .env")
	}

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := loadConfig(configPath, cmd.Flags().Changed("config"))
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Listen = listen
	}

	setupLogging(cfg.LogLevel)

	svc, err := buildIdentityService(cfg.Identity)
	if err != nil {
		return err
	}

	limiter, closeLimiter, err := buildRateLimitStore(cmd.Context(), cfg.RateLimit)
	if err != nil {
		return err
	}
	defer closeLimiter()

	store, err := buildSessionStore(cfg.SessionFile)
	if err != nil {
		return err
	}

	manager, err := auth.NewManager(auth.Config{Service: svc, Store: store})
	if err != nil {
		return err
	}
	defer manager.Close()

	// Settle the persisted session before serving, then keep it fresh.
	if err := manager.CheckAuth(cmd.Context()); err != nil {
		return fmt.Errorf("failed to restore session: %w", err)
	}
	manager.StartRefresh(cmd.Context())

	gk := gatekeeper.New(gatekeeper.Config{
		PathPrefixes:   cfg.PathPrefixes,
		RateLimit:      limiter,
		Identity:       svc,
		ConnectSources: cfg.ConnectSources,
		SecureCookies:  &cfg.SecureCookies,
	})

	router := buildRouter(gk, guard.New(manager, cfg.RequireVerified), manager)

	server := &http.Server{
		Addr:         cfg.Listen,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("authgate listening", "addr", cfg.Listen)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func buildIdentityService(cfg identityConfig) (identity.Service, error) {
	switch cfg.Mode {
	case "", "local":
		slog.Warn("Using the in-process identity provider; accounts do not survive restarts")
		return local.New(local.Config{}), nil
	case "http":
		return identity.NewClient(identity.ClientConfig{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
		})
	default:
		return nil, fmt.Errorf("unknown identity mode %q", cfg.Mode)
	}
}

func buildRateLimitStore(ctx context.Context, cfg rateLimitConfig) (ratelimit.Store, func(), error) {
	switch cfg.Backend {
	case "", "memory":
		s := ratelimit.NewMemoryStore(cfg.Window.Duration(), cfg.Max)
		return s, s.Close, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
		}
		s := ratelimit.NewRedisStore(client, cfg.Window.Duration(), cfg.Max)
		return s, func() { client.Close() }, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres pool: %w", err)
		}
		s, err := ratelimit.NewPostgresStore(ctx, pool, cfg.Window.Duration(), cfg.Max)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return s, func() {
			s.Close()
			pool.Close()
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown rate limit backend %q", cfg.Backend)
	}
}

func buildSessionStore(path string) (session.Store, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		path = filepath.Join(home, ".authgate", "session.json")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	return session.NewFileStore(path), nil
}

func buildRouter(gk *gatekeeper.Gatekeeper, g *guard.Guard, m *auth.Manager) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(gk.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	h := &apiHandler{manager: m}
	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", h.login)
		r.Post("/signup", h.signup)
		r.Post("/logout", h.logout)
		r.Post("/reset-password", h.resetPassword)
		r.Post("/verify-email", h.verifyEmail)
		r.Get("/session", h.sessionState)
		r.Get("/login", loginPage)
		r.Get("/verify-email", verifyEmailPage)
	})

	r.Group(func(r chi.Router) {
		r.Use(g.Middleware)
		r.Get("/dashboard", dashboardPage)
		r.Get("/profile", profilePage)
		r.Put("/profile", h.updateProfile)
		r.Put("/profile/password", h.changePassword)
	})

	return r
}

func dashboardPage(w http.ResponseWriter, _ *http.Request) {
	writePage(w, "Dashboard", "Your training plan lives here.")
}

func profilePage(w http.ResponseWriter, _ *http.Request) {
	writePage(w, "Profile", "Account settings.")
}

func loginPage(w http.ResponseWriter, _ *http.Request) {
	writePage(w, "Sign in", "POST /auth/login with email and password.")
}

func verifyEmailPage(w http.ResponseWriter, _ *http.Request) {
	writePage(w, "Verify your email", "Check your inbox for the verification link.")
}

func writePage(w http.ResponseWriter, title, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<!doctype html><title>%s</title><h1>%s</h1><p>%s</p>", title, title, body)
}

// apiHandler exposes the session lifecycle over JSON.
type apiHandler struct {
	manager *auth.Manager
}

type loginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	RememberMe bool   `json:"remember_me"`
}

type signupRequest struct {
	Name            string `json:"name"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
}

func (h *apiHandler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.manager.Login(r.Context(), req.Email, req.Password, req.RememberMe); err != nil {
		writeAuthError(w, err)
		return
	}
	h.sessionState(w, r)
}

func (h *apiHandler) signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.manager.Signup(r.Context(), req.Name, req.Email, req.Password, req.ConfirmPassword); err != nil {
		writeAuthError(w, err)
		return
	}
	h.sessionState(w, r)
}

func (h *apiHandler) logout(w http.ResponseWriter, r *http.Request) {
	h.manager.Logout(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (h *apiHandler) resetPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.manager.ResetPassword(r.Context(), req.Email); err != nil {
		writeAuthError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *apiHandler) verifyEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.manager.VerifyEmail(r.Context(), req.Token); err != nil {
		writeAuthError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *apiHandler) updateProfile(w http.ResponseWriter, r *http.Request) {
	var patch identity.ProfilePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.manager.UpdateProfile(r.Context(), patch); err != nil {
		writeAuthError(w, err)
		return
	}
	h.sessionState(w, r)
}

func (h *apiHandler) changePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OldPassword     string `json:"old_password"`
		NewPassword     string `json:"new_password"`
		ConfirmPassword string `json:"confirm_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.manager.ChangePassword(r.Context(), req.OldPassword, req.NewPassword, req.ConfirmPassword); err != nil {
		writeAuthError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *apiHandler) sessionState(w http.ResponseWriter, _ *http.Request) {
	state := h.manager.State()

	resp := struct {
		Authenticated bool           `json:"authenticated"`
		User          *identity.User `json:"user,omitempty"`
		ExpiresAt     int64          `json:"expires_at,omitempty"`
	}{
		Authenticated: state.Authenticated(time.Now()),
		User:          state.User,
	}
	if state.Session != nil {
		resp.ExpiresAt = state.Session.ExpiresAt
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeAuthError maps lifecycle errors onto HTTP statuses, carrying the
// fixed user-facing message through.
func writeAuthError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := err.Error()

	var authErr *auth.Error
	if errors.As(err, &authErr) {
		switch authErr.Kind {
		case auth.KindCredential:
			status = http.StatusUnauthorized
		case auth.KindValidation:
			status = http.StatusBadRequest
		case auth.KindConflict:
			status = http.StatusConflict
		case auth.KindService:
			status = http.StatusBadGateway
		}
		message = authErr.Message
	}
	if errors.Is(err, auth.ErrOperationInFlight) {
		status = http.StatusConflict
		message = "Another request is already in progress"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
