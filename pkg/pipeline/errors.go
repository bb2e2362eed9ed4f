package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"taskflow/pkg/artifact"
)

// ErrUnsupportedKind is returned for a kind with no registered generator.
var ErrUnsupportedKind = errors.New("no generator registered for artifact kind")

// PreconditionError is returned when a prerequisite artifact is missing or
// not completed. Nothing was written.
type PreconditionError struct {
	Kind    artifact.Kind
	Missing []artifact.Kind
}

func (e *PreconditionError) Error() string {
	names := make([]string, len(e.Missing))
	for i, k := range e.Missing {
		names[i] = string(k)
	}
	return fmt.Sprintf("%s requires %s to be completed first", e.Kind, strings.Join(names, " and "))
}

// AuthorizationError is returned when the actor's GitHub credential is
// missing, invalid or lacks scopes. Nothing was written.
type AuthorizationError struct {
	Reason        string
	MissingScopes []string
	Err           error
}

func (e *AuthorizationError) Error() string {
	if len(e.MissingScopes) > 0 {
		return "github token has insufficient permissions. Missing scopes: " + strings.Join(e.MissingScopes, ", ")
	}
	return e.Reason
}

func (e *AuthorizationError) Unwrap() error { return e.Err }

// Forbidden reports whether the credential is valid but under-scoped.
func (e *AuthorizationError) Forbidden() bool { return len(e.MissingScopes) > 0 }

// GenerationError is the failure of a background unit. It is recorded on
// the artifact and in the dispatch journal; callers of RequestGeneration
// never see it.
type GenerationError struct {
	ProjectID string
	Kind      artifact.Kind
	Reason    string
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate %s for project %s: %s", e.Kind, e.ProjectID, e.Reason)
}
