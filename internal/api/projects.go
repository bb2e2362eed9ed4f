package api

import (
	"encoding/json"
	"net/http"

	"taskflow/pkg/activity"
	"taskflow/pkg/artifact"
	"taskflow/pkg/project"
)

type projectRequest struct {
	Name             string   `json:"name"`
	Objective        string   `json:"objective"`
	EstimatedIncome  *float64 `json:"estimated_income"`
	EstimatedOutcome *float64 `json:"estimated_outcome"`
	StartDate        any      `json:"start_date"`
	EndDate          any      `json:"end_date"`
	GitHubURL        string   `json:"github_url"`
}

// projectDetail is a project with every artifact.
type projectDetail struct {
	*project.Project
	Artifacts []artifact.Artifact `json:"artifacts"`
}

func (s *Server) handleProjectList(w http.ResponseWriter, r *http.Request) {
	projects, err := s.Projects.List(r.Context(), currentUser(r.Context()).ID)
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	writeJSON(w, 200, projects)
}

func (s *Server) handleProjectCreate(w http.ResponseWriter, r *http.Request) {
	var req projectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid JSON: "+err.Error())
		return
	}
	p := &project.Project{
		OwnerID:          currentUser(r.Context()).ID,
		Name:             req.Name,
		Objective:        req.Objective,
		EstimatedIncome:  req.EstimatedIncome,
		EstimatedOutcome: req.EstimatedOutcome,
		GitHubURL:        req.GitHubURL,
	}
	var err error
	if p.StartDate, err = project.ParseDate(req.StartDate); err != nil {
		writeError(w, 400, "start_date: "+err.Error())
		return
	}
	if p.EndDate, err = project.ParseDate(req.EndDate); err != nil {
		writeError(w, 400, "end_date: "+err.Error())
		return
	}
	if err := p.Validate(); err != nil {
		writeError(w, 400, err.Error())
		return
	}

	created, err := s.Projects.Create(r.Context(), p)
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	s.recordActivity(r, activity.Entry{
		Type:      activity.ProjectCreated,
		ProjectID: created.ID,
		Content:   map[string]any{"name": created.Name},
	})
	writeJSON(w, 201, created)
}

func (s *Server) handleProjectGet(w http.ResponseWriter, r *http.Request) {
	p, ok := s.ownedProject(w, r)
	if !ok {
		return
	}
	artifacts, err := s.Pipeline.Status(r.Context(), p.ID)
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	writeJSON(w, 200, projectDetail{Project: p, Artifacts: artifacts})
}

func (s *Server) handleProjectUpdate(w http.ResponseWriter, r *http.Request) {
	p, ok := s.ownedProject(w, r)
	if !ok {
		return
	}
	var updates map[string]any
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		writeError(w, 400, "invalid JSON: "+err.Error())
		return
	}
	updated, err := s.Projects.Update(r.Context(), p.ID, updates)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, 200, updated)
}

func (s *Server) handleProjectDelete(w http.ResponseWriter, r *http.Request) {
	p, ok := s.ownedProject(w, r)
	if !ok {
		return
	}
	if err := s.Projects.Delete(r.Context(), p.ID); err != nil {
		writeErr(w, err)
		return
	}
	s.recordActivity(r, activity.Entry{
		Type:      activity.ProjectDeleted,
		ProjectID: p.ID,
		Content:   map[string]any{"name": p.Name},
	})
	w.WriteHeader(http.StatusNoContent)
}

// ownedProject loads the {id} project of the current user, writing a 404
// when it is missing or owned by someone else.
func (s *Server) ownedProject(w http.ResponseWriter, r *http.Request) (*project.Project, bool) {
	p, err := s.Projects.GetOwned(r.Context(), r.PathValue("id"), currentUser(r.Context()).ID)
	if err != nil {
		writeErr(w, err)
		return nil, false
	}
	return p, true
}

// recordActivity appends an event for the current user. Failures are
// logged by the recorder and never fail the request.
func (s *Server) recordActivity(r *http.Request, e activity.Entry) {
	if s.Events == nil {
		return
	}
	if e.Actor == "" {
		e.Actor = currentUser(r.Context()).ID
	}
	s.Events.Record(r.Context(), e)
}
