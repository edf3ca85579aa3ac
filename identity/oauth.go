package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// googleUserInfoURL is where Google's userinfo endpoint lives.
var googleUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// OAuthProviderConfig defines the configuration for an OAuth2 provider.
type OAuthProviderConfig struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	RedirectURL  string   `json:"redirect_url"`
	AuthURL      string   `json:"auth_url"`  // optional for known providers
	TokenURL     string   `json:"token_url"` // optional for known providers
	Scopes       []string `json:"scopes"`
}

// NewGoogleOAuthProvider creates a Google OAuth provider configuration with defaults.
func NewGoogleOAuthProvider(clientID, clientSecret, redirectURL string) OAuthProviderConfig {
	return OAuthProviderConfig{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		AuthURL:      google.Endpoint.AuthURL,
		TokenURL:     google.Endpoint.TokenURL,
		Scopes:       []string{"https://www.googleapis.com/auth/userinfo.email", "https://www.googleapis.com/auth/userinfo.profile"},
	}
}

type oauthConfigs map[string]*oauth2.Config

func buildOAuthConfigs(providers map[string]OAuthProviderConfig) oauthConfigs {
	configs := make(oauthConfigs)
	for provider, cfg := range providers {
		configs[provider] = &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		}
	}
	return configs
}

// oauthStateLifetime bounds how long a pending redirect flow stays
// redeemable. A callback arriving later than this is rejected.
const oauthStateLifetime = 10 * time.Minute

// oauthStateRecord is a pending redirect-flow login awaiting its callback.
type oauthStateRecord struct {
	createdAt time.Time
	expiresAt time.Time
}

func generateStateToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// issueState mints and records a state token. Records whose flow was
// abandoned are dropped here, so the map stays bounded by recent logins.
func (c *Client) issueState() (string, error) {
	token, err := generateStateToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate OAuth state: %w", err)
	}

	now := c.now()
	c.statesMu.Lock()
	defer c.statesMu.Unlock()
	for state, rec := range c.states {
		if now.After(rec.expiresAt) {
			delete(c.states, state)
		}
	}
	c.states[token] = oauthStateRecord{createdAt: now, expiresAt: now.Add(oauthStateLifetime)}
	return token, nil
}

// consumeState checks a callback's state token against the pending
// records and burns it. Unknown, replayed and expired values all fail
// the same way.
func (c *Client) consumeState(state string) error {
	if state == "" {
		return ErrInvalidOAuthState
	}

	c.statesMu.Lock()
	defer c.statesMu.Unlock()
	rec, ok := c.states[state]
	if !ok {
		return ErrInvalidOAuthState
	}
	delete(c.states, state)
	if c.now().After(rec.expiresAt) {
		return ErrInvalidOAuthState
	}
	return nil
}

// oauthUser is the subset of provider userinfo the exchange needs.
type oauthUser struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	Name          string `json:"name"`
	VerifiedEmail bool   `json:"verified_email"`
}

// AuthCodeURL returns the provider authorization URL for the browser
// redirect leg of an OAuth login. The URL embeds a freshly issued state
// token; ExchangeCode only accepts callbacks that return it unchanged.
func (c *Client) AuthCodeURL(provider string) (string, error) {
	config, ok := c.oauthConfigs[provider]
	if !ok {
		return "", ErrInvalidProvider
	}
	state, err := c.issueState()
	if err != nil {
		return "", err
	}
	return config.AuthCodeURL(state), nil
}

// ExchangeCode completes the browser OAuth leg: verifies the callback's
// state token against the pending flow, exchanges the code for a provider
// token, fetches the provider's userinfo, and trades both to the identity
// API for a session grant. The state is single-use.
func (c *Client) ExchangeCode(ctx context.Context, provider, code, state string) (*Grant, error) {
	config, ok := c.oauthConfigs[provider]
	if !ok {
		return nil, ErrInvalidProvider
	}
	if err := c.consumeState(state); err != nil {
		return nil, err
	}

	token, err := config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange OAuth code: %w", err)
	}

	info, err := fetchOAuthUser(ctx, config, token)
	if err != nil {
		return nil, err
	}

	var grant Grant
	payload := struct {
		AccessToken string `json:"access_token"`
		ProviderID  string `json:"provider_id"`
		Email       string `json:"email"`
		Name        string `json:"name"`
	}{token.AccessToken, info.ID, info.Email, info.Name}

	if err := c.post(ctx, "/oauth/"+provider+"/callback", "", payload, &grant); err != nil {
		return nil, err
	}
	return &grant, nil
}

func fetchOAuthUser(ctx context.Context, config *oauth2.Config, token *oauth2.Token) (*oauthUser, error) {
	client := config.Client(ctx, token)
	client.Timeout = 10 * time.Second

	resp, err := client.Get(googleUserInfoURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch provider userinfo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider userinfo request failed: status %d", resp.StatusCode)
	}

	var info oauthUser
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode provider userinfo: %w", err)
	}
	return &info, nil
}
