// Package auth resolves bearer tokens against the identity provider.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrInvalidToken means the provider rejected the token.
var ErrInvalidToken = errors.New("invalid authentication credentials")

// Identity is the authenticated subject.
type Identity struct {
	ID        string
	Email     string
	FullName  string
	AvatarURL string
}

// Client calls GET {url}/auth/v1/user with the caller's token.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a Client for the provider at baseURL.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type providerUser struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	UserMetadata struct {
		FullName  string `json:"full_name"`
		Name      string `json:"name"`
		AvatarURL string `json:"avatar_url"`
	} `json:"user_metadata"`
}

// Verify returns the identity behind token.
func (c *Client) Verify(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity provider: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrInvalidToken
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("identity provider: %d %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var u providerUser
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	if u.ID == "" {
		return nil, ErrInvalidToken
	}
	name := u.UserMetadata.FullName
	if name == "" {
		name = u.UserMetadata.Name
	}
	return &Identity{ID: u.ID, Email: u.Email, FullName: name, AvatarURL: u.UserMetadata.AvatarURL}, nil
}

// BearerToken extracts the token of an "Authorization: Bearer ..." header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}
