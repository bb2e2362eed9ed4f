package api

import (
	"encoding/json"
	"net/http"

	"taskflow/pkg/task"
)

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	p, ok := s.ownedProject(w, r)
	if !ok {
		return
	}
	var status task.Status
	if v := r.URL.Query().Get("status"); v != "" {
		st, err := task.ParseStatus(v)
		if err != nil {
			writeError(w, 400, err.Error())
			return
		}
		status = st
	}
	tasks, err := s.Tasks.List(r.Context(), p.ID, status)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, 200, tasks)
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	p, ok := s.ownedProject(w, r)
	if !ok {
		return
	}
	t, err := s.Tasks.Get(r.Context(), p.ID, r.PathValue("taskID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	p, ok := s.ownedProject(w, r)
	if !ok {
		return
	}
	var t task.Task
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, 400, "invalid JSON: "+err.Error())
		return
	}
	t.ProjectID = p.ID
	if t.Type == "" {
		t.Type = task.TypeTask
	}
	if t.Status == "" {
		t.Status = task.StatusBacklog
	}
	if t.StoryPoints == 0 {
		t.StoryPoints = 1
	}
	if err := t.Validate(); err != nil {
		writeError(w, 400, err.Error())
		return
	}
	created, err := s.Tasks.Create(r.Context(), &t)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, 201, created)
}

func (s *Server) handleTaskUpdate(w http.ResponseWriter, r *http.Request) {
	p, ok := s.ownedProject(w, r)
	if !ok {
		return
	}
	var updates map[string]any
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		writeError(w, 400, "invalid JSON: "+err.Error())
		return
	}
	t, err := s.Tasks.Update(r.Context(), p.ID, r.PathValue("taskID"), updates)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) handleTaskDelete(w http.ResponseWriter, r *http.Request) {
	p, ok := s.ownedProject(w, r)
	if !ok {
		return
	}
	if err := s.Tasks.Delete(r.Context(), p.ID, r.PathValue("taskID")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTaskReorder moves one task to a position in a status column.
func (s *Server) handleTaskReorder(w http.ResponseWriter, r *http.Request) {
	p, ok := s.ownedProject(w, r)
	if !ok {
		return
	}
	var req struct {
		TaskID   string `json:"task_id"`
		Status   string `json:"status"`
		Position int    `json:"position"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid JSON: "+err.Error())
		return
	}
	if req.TaskID == "" {
		writeError(w, 400, "task_id is required")
		return
	}
	status, err := task.ParseStatus(req.Status)
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	if _, err := s.Tasks.Move(r.Context(), p.ID, req.TaskID, status, req.Position); err != nil {
		writeErr(w, err)
		return
	}
	tasks, err := s.Tasks.List(r.Context(), p.ID, "")
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, 200, tasks)
}
