package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"slices"
	"strings"

	"taskflow/internal/auth"
	"taskflow/pkg/activity"
	"taskflow/pkg/artifact"
	"taskflow/pkg/dispatch"
	"taskflow/pkg/feedback"
	"taskflow/pkg/pipeline"
	"taskflow/pkg/project"
	"taskflow/pkg/task"
	"taskflow/pkg/user"
)

// Verifier resolves a bearer token to an identity. *auth.Client implements it.
type Verifier interface {
	Verify(ctx context.Context, token string) (*auth.Identity, error)
}

// Pipeline requests and reports artifact generation. *pipeline.Controller
// implements it.
type Pipeline interface {
	RequestGeneration(ctx context.Context, req pipeline.Request) (*pipeline.Outcome, error)
	Status(ctx context.Context, projectID string) ([]artifact.Artifact, error)
}

// Subscriber streams new activity events. *activity.Bus implements it.
type Subscriber interface {
	Subscribe() chan *activity.Event
	Unsubscribe(ch chan *activity.Event)
}

// Jobs reports background units. *dispatch.Dispatcher implements it.
type Jobs interface {
	Recent(ctx context.Context, limit int) ([]dispatch.Entry, error)
	Stats() dispatch.Stats
}

// Deps are the collaborators of a Server.
type Deps struct {
	Auth      Verifier
	Users     user.Store
	Projects  project.Store
	Tasks     task.Store
	Feedback  feedback.Store
	Artifacts artifact.Store
	Pipeline  Pipeline
	GitHub    TokenChecker
	Activity  activity.Log
	Events    pipeline.Recorder
	Stream    Subscriber
	Jobs      Jobs

	// AllowedOrigins are the browser origins allowed by CORS. "*" allows
	// any origin.
	AllowedOrigins []string
}

// Server is the HTTP API server.
type Server struct {
	Deps
	hub *Hub
	mux *http.ServeMux
}

// New creates a new Server.
func New(deps Deps) *Server {
	s := &Server{
		Deps: deps,
		hub:  NewHub(deps.Stream),
		mux:  http.NewServeMux(),
	}
	s.hub.visible = func(ctx context.Context, owner, projectID string) bool {
		_, err := s.Projects.GetOwned(ctx, projectID, owner)
		return err == nil
	}
	s.hub.originAllowed = s.originAllowed
	s.routes()
	return s
}

// Hub returns the WebSocket hub. Its Run loop must be started by the caller.
func (s *Server) Hub() *Hub { return s.hub }

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.cors(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	member := s.require(user.RoleUser)
	admin := s.require(user.RoleAdmin)
	super := s.require(user.RoleSuper)

	// Projects
	s.mux.Handle("GET /api/projects", member(s.handleProjectList))
	s.mux.Handle("POST /api/projects", member(s.handleProjectCreate))
	s.mux.Handle("GET /api/projects/{id}", member(s.handleProjectGet))
	s.mux.Handle("PATCH /api/projects/{id}", member(s.handleProjectUpdate))
	s.mux.Handle("DELETE /api/projects/{id}", member(s.handleProjectDelete))

	// Pipeline
	s.mux.Handle("GET /api/projects/{id}/artifacts", member(s.handleArtifactList))
	s.mux.Handle("POST /api/projects/{id}/artifacts/{kind}", member(s.handleArtifactRequest))
	s.mux.Handle("GET /api/projects/{id}/artifacts/{kind}", member(s.handleArtifactGet))
	s.mux.Handle("GET /api/projects/{id}/artifacts/{kind}/html", member(s.handleArtifactHTML))
	for alias, kind := range legacyRoutes {
		s.mux.Handle("POST /api/projects/{id}/"+alias, member(s.handleLegacyRequest(kind)))
	}

	// Tasks
	s.mux.Handle("GET /api/projects/{id}/tasks", member(s.handleTaskList))
	s.mux.Handle("POST /api/projects/{id}/tasks", member(s.handleTaskCreate))
	s.mux.Handle("PATCH /api/projects/{id}/tasks/reorder", member(s.handleTaskReorder))
	s.mux.Handle("GET /api/projects/{id}/tasks/{taskID}", member(s.handleTaskGet))
	s.mux.Handle("PATCH /api/projects/{id}/tasks/{taskID}", member(s.handleTaskUpdate))
	s.mux.Handle("DELETE /api/projects/{id}/tasks/{taskID}", member(s.handleTaskDelete))

	// Account
	s.mux.Handle("GET /api/me", member(s.handleMe))
	s.mux.Handle("PUT /api/settings/github-token", member(s.handleGitHubToken))
	s.mux.Handle("POST /api/feedback", member(s.handleFeedbackCreate))

	// Activity
	s.mux.Handle("GET /api/activity", member(s.handleActivityList))
	s.mux.Handle("GET /api/activity/stream", member(s.handleActivityStream))
	s.mux.Handle("GET /ws/activity", member(s.hub.HandleWebSocket))

	// Admin
	s.mux.Handle("GET /api/admin/users", admin(s.handleUserList))
	s.mux.Handle("POST /api/admin/users/{userID}/ban", admin(s.handleUserBan(true)))
	s.mux.Handle("POST /api/admin/users/{userID}/unban", admin(s.handleUserBan(false)))
	s.mux.Handle("GET /api/admin/feedback", admin(s.handleFeedbackList))
	s.mux.Handle("PUT /api/super/users/{userID}/role", super(s.handleUserRole))

	// System
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.Handle("GET /api/jobs", admin(s.handleJobList))
}

// cors sets the CORS headers for allowed origins.
func (s *Server) cors(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	if !s.originAllowed(origin) {
		return
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	h.Add("Vary", "Origin")
}

// originAllowed reports whether origin is in AllowedOrigins. CORS and the
// WebSocket upgrade share it.
func (s *Server) originAllowed(origin string) bool {
	return slices.Contains(s.AllowedOrigins, "*") || slices.Contains(s.AllowedOrigins, strings.TrimRight(origin, "/"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write json: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
