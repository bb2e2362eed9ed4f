package project

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"taskflow/pkg/artifact"
)

// Project is a user-owned idea that the pipeline turns into documents.
type Project struct {
	ID                    string          `json:"id"`
	OwnerID               string          `json:"owner_id"`
	Name                  string          `json:"name"`
	Objective             string          `json:"objective"`
	EstimatedIncome       *float64        `json:"estimated_income,omitempty"`
	EstimatedOutcome      *float64        `json:"estimated_outcome,omitempty"`
	StartDate             *time.Time      `json:"start_date,omitempty"`
	EndDate               *time.Time      `json:"end_date,omitempty"`
	GitHubURL             string          `json:"github_url,omitempty"`
	TasksGenerationStatus artifact.Status `json:"tasks_generation_status"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

const (
	maxNameLen      = 100
	maxGitHubURLLen = 255
)

// ErrNotFound is returned when a project does not exist or is not owned by
// the caller.
var ErrNotFound = errors.New("project not found")

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid project")

// Validate checks the fields required on create.
func (p *Project) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if utf8.RuneCountInString(p.Name) > maxNameLen {
		return fmt.Errorf("%w: name must be at most %d characters", ErrInvalid, maxNameLen)
	}
	if strings.TrimSpace(p.Objective) == "" {
		return fmt.Errorf("%w: objective is required", ErrInvalid)
	}
	if len(p.GitHubURL) > maxGitHubURLLen {
		return fmt.Errorf("%w: github_url must be at most %d characters", ErrInvalid, maxGitHubURLLen)
	}
	if p.StartDate != nil && p.EndDate != nil && p.EndDate.Before(*p.StartDate) {
		return fmt.Errorf("%w: end_date must not be before start_date", ErrInvalid)
	}
	return nil
}

// Store is the contract for project persistence.
type Store interface {
	Create(ctx context.Context, p *Project) (*Project, error)
	Get(ctx context.Context, id string) (*Project, error)
	// GetOwned returns ErrNotFound unless ownerID owns the project.
	GetOwned(ctx context.Context, id, ownerID string) (*Project, error)
	List(ctx context.Context, ownerID string) ([]Project, error)
	// Update modifies project fields. Supported keys: name, objective,
	// estimated_income, estimated_outcome, start_date, end_date, github_url.
	Update(ctx context.Context, id string, updates map[string]any) (*Project, error)
	// Delete removes the project; artifacts and tasks cascade.
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
	EnsureTable(ctx context.Context) error

	artifact.ProjectRecord
}
