// Package auth supplies bearer tokens for the collaboration and chat APIs.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// TokenProvider hands out a bearer token valid for at least the next call.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Static is a fixed-token provider, useful for tests and local setups.
type Static string

func (s Static) Token(ctx context.Context) (string, error) {
	if s == "" {
		return "", fmt.Errorf("auth: no static token configured")
	}
	return string(s), nil
}

// ClientCredentials implements the OAuth2 client-credentials grant with an
// in-memory cache. The token is renewed one minute before expiry.
type ClientCredentials struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scope        string

	client *resty.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewClientCredentials(tokenURL, clientID, clientSecret, scope string) *ClientCredentials {
	return &ClientCredentials{
		TokenURL:     tokenURL,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scope:        scope,
		client:       resty.New().SetTimeout(15 * time.Second),
	}
}

func (c *ClientCredentials) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.expiresAt.Add(-time.Minute)) {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.ClientID)
	form.Set("client_secret", c.ClientSecret)
	if c.Scope != "" {
		form.Set("scope", c.Scope)
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(form.Encode()).
		Post(c.TokenURL)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned no access_token")
	}

	c.token = body.AccessToken
	c.expiresAt = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	return c.token, nil
}
