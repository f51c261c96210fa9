package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	defaultGameURL = "https://bsp-td-prod.atoma.cloud"
	defaultAuthURL = "https://bsp-auth-prod.atoma.cloud"
)

// Client is the set of upstream operations performed on behalf of an
// account. All four authenticate with a bearer token from the credential.
type Client interface {
	GetSummary(ctx context.Context, auth *Auth) (*Summary, error)
	GetStore(ctx context.Context, auth *Auth, currency CurrencyType, character Character) (*Store, error)
	GetMasterData(ctx context.Context, auth *Auth) (*MasterData, error)
	RefreshAuth(ctx context.Context, auth *Auth) (*Auth, error)
}

// Config controls the HTTP client. Zero values take upstream defaults.
type Config struct {
	GameURL  string
	AuthURL  string
	ProxyURL string // socks5:// or http(s):// outbound proxy
	Timeout  time.Duration
}

// HTTPClient is the production Client.
type HTTPClient struct {
	client  *http.Client
	gameURL string
	authURL string
}

func NewClient(cfg Config) (*HTTPClient, error) {
	rt, err := newTransport(cfg.ProxyURL)
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &HTTPClient{
		client:  &http.Client{Transport: rt, Timeout: timeout},
		gameURL: cfg.GameURL,
		authURL: cfg.AuthURL,
	}
	if c.gameURL == "" {
		c.gameURL = defaultGameURL
	}
	if c.authURL == "" {
		c.authURL = defaultAuthURL
	}
	return c, nil
}

func (c *HTTPClient) GetSummary(ctx context.Context, auth *Auth) (*Summary, error) {
	u := fmt.Sprintf("%s/web/%s/summary", c.gameURL, auth.Sub)
	var summary Summary
	if err := c.getJSON(ctx, u, auth.AccessToken, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

func (c *HTTPClient) GetStore(ctx context.Context, auth *Auth, currency CurrencyType, character Character) (*Store, error) {
	u := fmt.Sprintf("%s/store/storefront/%s_store_%s/store", c.gameURL, currency, character.Archetype)
	q := url.Values{}
	q.Set("accountId", auth.Sub.String())
	q.Set("personal", "true")
	q.Set("characterId", character.ID.String())
	var store Store
	if err := c.getJSON(ctx, u+"?"+q.Encode(), auth.AccessToken, &store); err != nil {
		return nil, err
	}
	return &store, nil
}

func (c *HTTPClient) GetMasterData(ctx context.Context, auth *Auth) (*MasterData, error) {
	u := fmt.Sprintf("%s/web/%s/masterdata", c.gameURL, auth.Sub)
	var md MasterData
	if err := c.getJSON(ctx, u, auth.AccessToken, &md); err != nil {
		return nil, err
	}
	return &md, nil
}

// RefreshAuth exchanges the refresh token for a fresh credential.
func (c *HTTPClient) RefreshAuth(ctx context.Context, auth *Auth) (*Auth, error) {
	var refreshed Auth
	if err := c.getJSON(ctx, c.authURL+"/queue/refresh", auth.RefreshToken, &refreshed); err != nil {
		return nil, err
	}
	return &refreshed, nil
}

// getJSON issues a bearer-authorized GET and decodes the response into out.
// Non-2xx responses become StatusError, malformed bodies DecodeError.
func (c *HTTPClient) getJSON(ctx context.Context, u, bearer string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: body}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &DecodeError{Err: err}
	}
	return nil
}
