package api

import (
	"bytes"
	"errors"
	"net/http"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"taskflow/pkg/artifact"
	"taskflow/pkg/pipeline"
)

// legacyRoutes are the per-stage endpoints of the first API version.
var legacyRoutes = map[string]artifact.Kind{
	"generate-brd":     artifact.KindBRD,
	"generate-prd":     artifact.KindPRD,
	"generate-scope":   artifact.KindTasks,
	"validate-market":  artifact.KindMarketResearch,
	"setup-repository": artifact.KindGitHubSetup,
	"generate-preview": artifact.KindMockup,
}

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

func (s *Server) handleArtifactList(w http.ResponseWriter, r *http.Request) {
	p, ok := s.ownedProject(w, r)
	if !ok {
		return
	}
	artifacts, err := s.Pipeline.Status(r.Context(), p.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, 200, artifacts)
}

func (s *Server) handleArtifactRequest(w http.ResponseWriter, r *http.Request) {
	kind, err := artifact.ParseKind(r.PathValue("kind"))
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	s.requestGeneration(w, r, kind)
}

func (s *Server) handleLegacyRequest(kind artifact.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.requestGeneration(w, r, kind)
	}
}

// requestGeneration answers 202 while the artifact is being generated and
// 200 with the content once it is completed.
func (s *Server) requestGeneration(w http.ResponseWriter, r *http.Request, kind artifact.Kind) {
	p, ok := s.ownedProject(w, r)
	if !ok {
		return
	}
	out, err := s.Pipeline.RequestGeneration(r.Context(), pipeline.Request{
		ProjectID: p.ID,
		Kind:      kind,
		Actor:     currentUser(r.Context()).ID,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	status := http.StatusAccepted
	if out.Status == artifact.Completed {
		status = http.StatusOK
	}
	writeJSON(w, status, out)
}

func (s *Server) handleArtifactGet(w http.ResponseWriter, r *http.Request) {
	a, ok := s.ownedArtifact(w, r)
	if !ok {
		return
	}
	writeJSON(w, 200, a)
}

// handleArtifactHTML renders a completed artifact's markdown.
func (s *Server) handleArtifactHTML(w http.ResponseWriter, r *http.Request) {
	a, ok := s.ownedArtifact(w, r)
	if !ok {
		return
	}
	if a.Status != artifact.Completed {
		writeError(w, 404, string(a.Kind)+" is "+string(a.Status))
		return
	}
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(a.Content), &buf); err != nil {
		writeError(w, 500, "render markdown: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(200)
	w.Write(buf.Bytes())
}

// ownedArtifact loads {kind} of the caller's {id} project. A kind never
// requested is reported as not_started.
func (s *Server) ownedArtifact(w http.ResponseWriter, r *http.Request) (*artifact.Artifact, bool) {
	kind, err := artifact.ParseKind(r.PathValue("kind"))
	if err != nil {
		writeError(w, 400, err.Error())
		return nil, false
	}
	p, ok := s.ownedProject(w, r)
	if !ok {
		return nil, false
	}
	a, err := s.Artifacts.Get(r.Context(), p.ID, kind)
	if errors.Is(err, artifact.ErrNotFound) {
		return &artifact.Artifact{ProjectID: p.ID, Kind: kind, Status: artifact.NotStarted}, true
	}
	if err != nil {
		writeErr(w, err)
		return nil, false
	}
	return a, true
}
