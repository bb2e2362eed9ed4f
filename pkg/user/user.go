package user

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Role is an access level. Higher roles include every lower one.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
	RoleSuper Role = "super"
)

var roleRank = map[Role]int{RoleUser: 1, RoleAdmin: 2, RoleSuper: 3}

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	if _, ok := roleRank[Role(s)]; !ok {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return Role(s), nil
}

// AtLeast reports whether r grants everything min grants.
func (r Role) AtLeast(min Role) bool {
	return roleRank[r] >= roleRank[min]
}

// User is an account known to TaskFlow. ID is the identity provider's subject.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	Role        Role      `json:"role"`
	FullName    string    `json:"full_name"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	Banned      bool      `json:"banned"`
	GitHubToken string    `json:"-"`
	HasGitHub   bool      `json:"has_github_token"`
	CreatedAt   time.Time `json:"created_at"`
}

var ErrNotFound = errors.New("user not found")

// Store is the contract for user persistence.
type Store interface {
	// Register creates the user on first sight or returns the existing
	// record. Idempotent on ID.
	Register(ctx context.Context, id, email, fullName, avatarURL string) (*User, error)

	Get(ctx context.Context, id string) (*User, error)
	List(ctx context.Context) ([]User, error)

	SetRole(ctx context.Context, id string, role Role) error
	SetBanned(ctx context.Context, id string, banned bool) error

	// SetGitHubToken stores the user's GitHub access token. An empty token
	// clears it.
	SetGitHubToken(ctx context.Context, id, token string) error

	EnsureTable(ctx context.Context) error
}
