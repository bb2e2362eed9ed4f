package api

import (
	"net/http"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	projectCount, err := s.Projects.Count(ctx)
	if err != nil {
		writeErr(w, err)
		return
	}
	eventCount, err := s.Activity.Count(ctx)
	if err != nil {
		writeErr(w, err)
		return
	}

	status := map[string]any{
		"projects":   projectCount,
		"events":     eventCount,
		"ws_clients": s.hub.Clients(),
	}
	if s.Jobs != nil {
		status["jobs"] = s.Jobs.Stats()
	}
	writeJSON(w, 200, status)
}

func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	if s.Jobs == nil {
		writeJSON(w, 200, []any{})
		return
	}
	entries, err := s.Jobs.Recent(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, 200, entries)
}
