package api

import (
	"errors"
	"log"
	"net/http"

	"taskflow/pkg/artifact"
	"taskflow/pkg/dispatch"
	"taskflow/pkg/feedback"
	"taskflow/pkg/pipeline"
	"taskflow/pkg/project"
	"taskflow/pkg/task"
	"taskflow/pkg/user"
)

// statusOf maps an error to its HTTP status.
func statusOf(err error) int {
	var pre *pipeline.PreconditionError
	var authErr *pipeline.AuthorizationError
	switch {
	case errors.As(err, &pre):
		return http.StatusConflict
	case errors.As(err, &authErr):
		if authErr.Forbidden() {
			return http.StatusForbidden
		}
		return http.StatusUnauthorized
	case errors.Is(err, project.ErrNotFound), errors.Is(err, task.ErrNotFound),
		errors.Is(err, user.ErrNotFound), errors.Is(err, artifact.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, project.ErrInvalid), errors.Is(err, task.ErrInvalid),
		errors.Is(err, feedback.ErrInvalid), errors.Is(err, pipeline.ErrUnsupportedKind):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrQueueFull), errors.Is(err, dispatch.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeErr(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		log.Printf("api: %v", err)
	}
	writeError(w, status, err.Error())
}
