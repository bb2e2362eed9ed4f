package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"taskflow/pkg/feedback"
	"taskflow/pkg/github"
	"taskflow/pkg/user"
)

// TokenChecker validates a GitHub token before it is stored. *github.Client
// implements it.
type TokenChecker interface {
	Validate(ctx context.Context, token string, required []string) (*github.Identity, error)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, currentUser(r.Context()))
}

// handleGitHubToken stores the caller's GitHub token after checking its
// scopes. An empty token disconnects GitHub.
func (s *Server) handleGitHubToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid JSON: "+err.Error())
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	u := currentUser(r.Context())

	var login string
	if req.Token != "" && s.GitHub != nil {
		id, err := s.GitHub.Validate(r.Context(), req.Token, github.RequiredScopes)
		var scopeErr *github.ScopeError
		switch {
		case errors.As(err, &scopeErr):
			writeError(w, 403, err.Error())
			return
		case errors.Is(err, github.ErrInvalidToken):
			writeError(w, 401, err.Error())
			return
		case err != nil:
			writeError(w, 502, err.Error())
			return
		}
		login = id.Login
	}

	if err := s.Users.SetGitHubToken(r.Context(), u.ID, req.Token); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{"connected": req.Token != "", "login": login})
}

func (s *Server) handleFeedbackCreate(w http.ResponseWriter, r *http.Request) {
	var f feedback.Feedback
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		writeError(w, 400, "invalid JSON: "+err.Error())
		return
	}
	f.UserID = currentUser(r.Context()).ID
	if err := f.Validate(); err != nil {
		writeError(w, 400, err.Error())
		return
	}
	created, err := s.Feedback.Create(r.Context(), &f)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, 201, created)
}

func (s *Server) handleFeedbackList(w http.ResponseWriter, r *http.Request) {
	items, err := s.Feedback.List(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, 200, items)
}

func (s *Server) handleUserList(w http.ResponseWriter, r *http.Request) {
	users, err := s.Users.List(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, 200, users)
}

func (s *Server) handleUserBan(banned bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("userID")
		if id == currentUser(r.Context()).ID {
			writeError(w, 400, "cannot change your own ban status")
			return
		}
		target, err := s.Users.Get(r.Context(), id)
		if err != nil {
			writeErr(w, err)
			return
		}
		if !currentUser(r.Context()).Role.AtLeast(target.Role) {
			writeError(w, 403, "not enough permissions")
			return
		}
		if err := s.Users.SetBanned(r.Context(), id, banned); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, 200, map[string]any{"id": id, "banned": banned})
	}
}

func (s *Server) handleUserRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid JSON: "+err.Error())
		return
	}
	role, err := user.ParseRole(req.Role)
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	id := r.PathValue("userID")
	if _, err := s.Users.Get(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.Users.SetRole(r.Context(), id, role); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{"id": id, "role": role})
}
