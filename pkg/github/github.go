// Package github talks to the GitHub REST API on behalf of a user: it
// checks that a stored token carries the scopes repository setup needs,
// creates or looks up repositories and pushes an initial scaffold commit.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"
)

// DefaultBaseURL is the public GitHub API.
const DefaultBaseURL = "https://api.github.com"

// RequiredScopes are the OAuth scopes repository setup needs.
var RequiredScopes = []string{"repo", "admin:repo_hook", "read:user", "user:email"}

// implied lists the scopes a broader scope grants.
var implied = map[string][]string{
	"repo":            {"repo:status", "repo_deployment", "public_repo", "repo:invite", "security_events"},
	"admin:repo_hook": {"write:repo_hook", "read:repo_hook"},
	"user":            {"read:user", "user:email", "user:follow"},
}

var (
	ErrNoToken      = errors.New("github token not found")
	ErrInvalidToken = errors.New("invalid github token")
)

// ScopeError reports scopes a token lacks.
type ScopeError struct {
	Missing []string
}

func (e *ScopeError) Error() string {
	return "github token has insufficient permissions. Missing scopes: " + strings.Join(e.Missing, ", ")
}

// APIError is a non-2xx response from GitHub.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github api: %d %s", e.Status, e.Message)
}

// Identity is the account a token belongs to.
type Identity struct {
	Login  string   `json:"login"`
	Name   string   `json:"name"`
	Email  string   `json:"email"`
	Scopes []string `json:"scopes"`
}

// Repository is a created repository.
type Repository struct {
	FullName      string `json:"full_name"`
	HTMLURL       string `json:"html_url"`
	CloneURL      string `json:"clone_url"`
	DefaultBranch string `json:"default_branch"`
}

// Client is a minimal GitHub REST client.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Client. An empty baseURL uses DefaultBaseURL.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Validate checks the token against GET /user and verifies it carries
// every required scope.
func (c *Client) Validate(ctx context.Context, token string, required []string) (*Identity, error) {
	if token == "" {
		return nil, ErrNoToken
	}
	var id Identity
	resp, err := c.do(ctx, token, http.MethodGet, "/user", nil, &id)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	id.Scopes = ParseScopes(resp.Header.Get("X-OAuth-Scopes"))
	if missing := MissingScopes(id.Scopes, required); len(missing) > 0 {
		return &id, &ScopeError{Missing: missing}
	}
	return &id, nil
}

// CreateRepository creates a repository owned by the token's user.
func (c *Client) CreateRepository(ctx context.Context, token, name, description string, private bool) (*Repository, error) {
	body := map[string]any{
		"name":        name,
		"description": description,
		"private":     private,
		"auto_init":   false,
	}
	var repo Repository
	if _, err := c.do(ctx, token, http.MethodPost, "/user/repos", body, &repo); err != nil {
		return nil, fmt.Errorf("create repository %s: %w", name, err)
	}
	if repo.DefaultBranch == "" {
		repo.DefaultBranch = "main"
	}
	return &repo, nil
}

// GetRepository fetches owner/name.
func (c *Client) GetRepository(ctx context.Context, token, owner, name string) (*Repository, error) {
	var repo Repository
	path := "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(name)
	if _, err := c.do(ctx, token, http.MethodGet, path, nil, &repo); err != nil {
		return nil, fmt.Errorf("get repository %s/%s: %w", owner, name, err)
	}
	if repo.DefaultBranch == "" {
		repo.DefaultBranch = "main"
	}
	return &repo, nil
}

func (c *Client) do(ctx context.Context, token, method, path string, in, out any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&e)
		return resp, &APIError{Status: resp.StatusCode, Message: e.Message}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp, fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return resp, nil
}

// ParseScopes splits an X-OAuth-Scopes header.
func ParseScopes(header string) []string {
	var scopes []string
	for _, s := range strings.Split(header, ",") {
		if s = strings.TrimSpace(s); s != "" {
			scopes = append(scopes, s)
		}
	}
	return scopes
}

// MissingScopes returns the required scopes that granted does not cover,
// sorted.
func MissingScopes(granted, required []string) []string {
	have := make(map[string]bool)
	for _, g := range granted {
		have[g] = true
		for _, s := range implied[g] {
			have[s] = true
		}
	}
	var missing []string
	for _, r := range required {
		if !have[r] {
			missing = append(missing, r)
		}
	}
	sort.Strings(missing)
	return missing
}

var nonRepoChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// RepoName turns a project name into a valid repository name.
func RepoName(projectName string) string {
	name := nonRepoChars.ReplaceAllString(strings.TrimSpace(projectName), "-")
	name = strings.Trim(name, "-.")
	if name == "" {
		return "taskflow-project"
	}
	if len(name) > 100 {
		name = name[:100]
	}
	return strings.ToLower(name)
}
