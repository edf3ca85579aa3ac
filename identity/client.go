package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ClientConfig configures the HTTP identity client.
type ClientConfig struct {
	// BaseURL is the identity API root, e.g. "https://id.example.com/v1".
	BaseURL string
	// APIKey is sent as a bearer credential on every request (optional).
	APIKey string
	// HTTPClient overrides the transport (optional; a 15s-timeout client
	// is used when nil).
	HTTPClient *http.Client
	// OAuthProviders configures the browser OAuth legs (optional).
	OAuthProviders map[string]OAuthProviderConfig
}

// Client talks to a JSON identity API implementing the Service call set.
type Client struct {
	baseURL      string
	apiKey       string
	http         *http.Client
	oauthConfigs oauthConfigs

	statesMu sync.Mutex
	states   map[string]oauthStateRecord
	now      func() time.Time
}

// NewClient creates an HTTP identity client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		http:         httpClient,
		oauthConfigs: buildOAuthConfigs(cfg.OAuthProviders),
		states:       make(map[string]oauthStateRecord),
		now:          time.Now,
	}, nil
}

// Wire payloads. The API mirrors the Service call set one route per call.

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type passwordChangeRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

type apiError struct {
	Error string `json:"error"`
}

func (c *Client) Authenticate(ctx context.Context, email, password string) (*Grant, error) {
	var grant Grant
	err := c.post(ctx, "/authenticate", "", credentialsRequest{Email: email, Password: password}, &grant)
	if err != nil {
		return nil, err
	}
	return &grant, nil
}

func (c *Client) Register(ctx context.Context, name, email, password string) (*Grant, error) {
	var grant Grant
	err := c.post(ctx, "/register", "", credentialsRequest{Name: name, Email: email, Password: password}, &grant)
	if err != nil {
		return nil, err
	}
	return &grant, nil
}

func (c *Client) SendPasswordReset(ctx context.Context, email string) error {
	return c.post(ctx, "/password-reset", "", emailRequest{Email: email}, nil)
}

func (c *Client) VerifyEmailToken(ctx context.Context, token string) error {
	return c.post(ctx, "/verify-email", "", tokenRequest{Token: token}, nil)
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Grant, error) {
	var grant Grant
	err := c.post(ctx, "/refresh", "", tokenRequest{Token: refreshToken}, &grant)
	if err != nil {
		return nil, err
	}
	return &grant, nil
}

// OAuthLogin obtains a grant for a provider-side identity the API has
// already captured (device or server-initiated flows). Browser redirect
// flows use AuthCodeURL / ExchangeCode instead.
func (c *Client) OAuthLogin(ctx context.Context, provider string) (*Grant, error) {
	if _, ok := c.oauthConfigs[provider]; !ok {
		return nil, ErrInvalidProvider
	}
	var grant Grant
	err := c.post(ctx, "/oauth/"+provider, "", struct{}{}, &grant)
	if err != nil {
		return nil, err
	}
	return &grant, nil
}

func (c *Client) UpdateUser(ctx context.Context, token string, patch ProfilePatch) (*User, error) {
	var user User
	if err := c.post(ctx, "/user", token, patch, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (c *Client) ChangePassword(ctx context.Context, token, oldPassword, newPassword string) error {
	return c.post(ctx, "/password", token, passwordChangeRequest{OldPassword: oldPassword, NewPassword: newPassword}, nil)
}

func (c *Client) ValidateSession(ctx context.Context, token string) (*User, error) {
	var user User
	if err := c.post(ctx, "/validate", token, struct{}{}, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (c *Client) Logout(ctx context.Context, token string) error {
	return c.post(ctx, "/logout", token, struct{}{}, nil)
}

// post issues a JSON POST and decodes the response into out (when non-nil).
// HTTP status codes are mapped onto the package's sentinel errors so
// callers never branch on transport detail.
func (c *Client) post(ctx context.Context, path, sessionToken string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if sessionToken != "" {
		req.Header.Set("Authorization", "Bearer "+sessionToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.mapError(resp)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) mapError(resp *http.Response) error {
	var apiErr apiError
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
		slog.Debug("Identity API error", "status", resp.StatusCode, "error", apiErr.Error)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrInvalidCredentials
	case http.StatusConflict:
		return ErrUserExists
	case http.StatusNotFound:
		return ErrUserNotFound
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return ErrInvalidToken
	default:
		return fmt.Errorf("%w: status %d", ErrServiceUnavailable, resp.StatusCode)
	}
}
