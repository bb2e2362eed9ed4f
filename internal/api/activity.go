package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"taskflow/pkg/activity"
)

// handleActivityList returns recent events of the caller's projects. With
// ?project= it is limited to that project.
func (s *Server) handleActivityList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := queryInt(r, "limit", 50)
	u := currentUser(ctx)

	if pid := r.URL.Query().Get("project"); pid != "" {
		if _, err := s.Projects.GetOwned(ctx, pid, u.ID); err != nil {
			writeErr(w, err)
			return
		}
		events, err := s.Activity.ByProject(ctx, pid, limit)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, 200, events)
		return
	}

	owned, err := s.ownedProjectIDs(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	events, err := s.Activity.Recent(ctx, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	visible := []activity.Event{}
	for _, e := range events {
		if owned[e.ProjectID] {
			visible = append(visible, e)
		}
	}
	writeJSON(w, 200, visible)
}

// handleActivityStream pushes new events of the caller's projects as
// server-sent events.
func (s *Server) handleActivityStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, 500, "streaming not supported")
		return
	}
	if s.Stream == nil {
		writeError(w, 503, "activity stream not available")
		return
	}

	ch := s.Stream.Subscribe()
	defer s.Stream.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	owner := currentUser(ctx).ID
	owned := map[string]bool{}

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case e, ok := <-ch:
			if !ok {
				return
			}
			visible, seen := owned[e.ProjectID]
			if !seen {
				_, err := s.Projects.GetOwned(ctx, e.ProjectID, owner)
				visible = err == nil
				owned[e.ProjectID] = visible
			}
			if !visible {
				continue
			}
			data, err := json.Marshal(e)
			if err != nil {
				log.Printf("api: encode event %s: %v", e.ID, err)
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data)
			flusher.Flush()
		}
	}
}

func (s *Server) ownedProjectIDs(r *http.Request) (map[string]bool, error) {
	projects, err := s.Projects.List(r.Context(), currentUser(r.Context()).ID)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool, len(projects))
	for _, p := range projects {
		ids[p.ID] = true
	}
	return ids, nil
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}
