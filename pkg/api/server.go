// Package api exposes the local ops HTTP surface over the orchestrator:
// starting and continuing investigations, hypothesis actions, status, and
// log/metrics endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"investigator/pkg/investigate"
	"investigator/pkg/logx"
	"investigator/pkg/notebook"
	"investigator/pkg/persistence"
	"investigator/pkg/remote"
)

// Server is the ops HTTP server.
type Server struct {
	orch   *investigate.Orchestrator
	store  *persistence.Store
	logger *logx.Logger
}

// NewServer creates the ops server.
func NewServer(orch *investigate.Orchestrator, store *persistence.Store) *Server {
	return &Server{
		orch:   orch,
		store:  store,
		logger: logx.NewLogger("api"),
	}
}

// RegisterRoutes sets up HTTP routes for the API.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/notebooks", s.handleCreateNotebook)
	mux.HandleFunc("/api/investigate", s.handleInvestigate)
	mux.HandleFunc("/api/rerun", s.handleRerun)
	mux.HandleFunc("/api/continue", s.handleContinue)
	mux.HandleFunc("/api/cancel", s.handleCancel)
	mux.HandleFunc("/api/findings", s.handleAddFinding)
	mux.HandleFunc("/api/hypotheses/toggle", s.handleToggle)
	mux.HandleFunc("/api/hypotheses/primary", s.handlePrimary)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/logs", s.handleLogs)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
}

type investigateRequest struct {
	NotebookID  string            `json:"notebookId"`
	Question    string            `json:"question"`
	InitialGoal string            `json:"initialGoal,omitempty"`
	TimeRange   *remote.TimeRange `json:"timeRange,omitempty"`
}

type findingRequest struct {
	NotebookID string `json:"notebookId"`
	Text       string `json:"text"`
}

type hypothesisRequest struct {
	NotebookID   string `json:"notebookId"`
	HypothesisID string `json:"hypothesisId"`
}

// handleCreateNotebook implements POST /api/notebooks.
func (s *Server) handleCreateNotebook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	nb := &notebook.Notebook{ID: notebook.GenerateNotebookID(), Title: req.Title}
	if err := s.store.CreateNotebook(nb); err != nil {
		s.logger.Error("failed to create notebook: %v", err)
		http.Error(w, "Failed to create notebook", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, nb)
}

// handleInvestigate implements POST /api/investigate. The run executes in
// the background; poll /api/status for progress.
func (s *Server) handleInvestigate(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeInvestigate(w, r)
	if !ok {
		return
	}
	go func() {
		// Not the request context: the run outlives this request.
		if err := s.orch.Investigate(context.Background(), req.NotebookID, req.Question, req.TimeRange); err != nil {
			s.logger.Warn("investigation failed for %s: %v", req.NotebookID, err)
		}
	}()
	s.writeAccepted(w, req.NotebookID)
}

// handleRerun implements POST /api/rerun.
func (s *Server) handleRerun(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeInvestigate(w, r)
	if !ok {
		return
	}
	go func() {
		if err := s.orch.Rerun(context.Background(), req.NotebookID, req.Question, req.InitialGoal, req.TimeRange); err != nil {
			s.logger.Warn("rerun failed for %s: %v", req.NotebookID, err)
		}
	}()
	s.writeAccepted(w, req.NotebookID)
}

// handleContinue implements POST /api/continue.
func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeInvestigate(w, r)
	if !ok {
		return
	}
	go func() {
		if err := s.orch.Continue(context.Background(), req.NotebookID); err != nil {
			s.logger.Warn("continue failed for %s: %v", req.NotebookID, err)
		}
	}()
	s.writeAccepted(w, req.NotebookID)
}

// handleCancel implements POST /api/cancel.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeInvestigate(w, r)
	if !ok {
		return
	}
	s.orch.Cancel(req.NotebookID)
	s.writeJSON(w, map[string]string{"status": "cancelled", "notebookId": req.NotebookID})
}

// handleAddFinding implements POST /api/findings.
func (s *Server) handleAddFinding(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req findingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NotebookID == "" || req.Text == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	p, err := s.orch.AddFinding(r.Context(), req.NotebookID, req.Text)
	if err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	s.writeJSON(w, p)
}

// handleToggle implements POST /api/hypotheses/toggle.
func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeHypothesis(w, r)
	if !ok {
		return
	}
	promoted, err := s.orch.ToggleHypothesisStatus(req.NotebookID, req.HypothesisID)
	if err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	hyps, err := s.store.ListHypotheses(req.NotebookID)
	if err != nil {
		http.Error(w, "Failed to load hypotheses", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, map[string]any{"justPromoted": promoted, "hypotheses": hyps})
}

// handlePrimary implements POST /api/hypotheses/primary.
func (s *Server) handlePrimary(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeHypothesis(w, r)
	if !ok {
		return
	}
	if err := s.orch.ReplaceAsPrimary(req.NotebookID, req.HypothesisID); err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	hyps, err := s.store.ListHypotheses(req.NotebookID)
	if err != nil {
		http.Error(w, "Failed to load hypotheses", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, map[string]any{"hypotheses": hyps})
}

// handleStatus implements GET /api/status?notebook=<id>.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	notebookID := r.URL.Query().Get("notebook")
	if notebookID == "" {
		http.Error(w, "Missing notebook parameter", http.StatusBadRequest)
		return
	}
	st, err := s.orch.Status(notebookID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			http.Error(w, "Notebook not found", http.StatusNotFound)
			return
		}
		s.logger.Error("failed to read status for %s: %v", notebookID, err)
		http.Error(w, "Failed to read status", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, st)
}

// handleLogs implements GET /api/logs?component=<name>&since=<RFC3339>.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	component := r.URL.Query().Get("component")
	since := time.Time{}
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		parsed, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			http.Error(w, "Invalid since parameter", http.StatusBadRequest)
			return
		}
		since = parsed
	}
	entries := logx.RecentEntries(component, since)
	if entries == nil {
		entries = []logx.Entry{}
	}
	s.writeJSON(w, entries)
}

// handleHealth implements GET /healthz.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) decodeInvestigate(w http.ResponseWriter, r *http.Request) (*investigateRequest, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}
	var req investigateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NotebookID == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return nil, false
	}
	return &req, true
}

func (s *Server) decodeHypothesis(w http.ResponseWriter, r *http.Request) (*hypothesisRequest, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}
	var req hypothesisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NotebookID == "" || req.HypothesisID == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return nil, false
	}
	return &req, true
}

func (s *Server) writeOrchestratorError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, investigate.ErrReadOnlyNotebook), errors.Is(err, investigate.ErrOwnershipConflict):
		status = http.StatusConflict
	case errors.Is(err, persistence.ErrNotFound):
		status = http.StatusNotFound
	}
	http.Error(w, err.Error(), status)
}

func (s *Server) writeAccepted(w http.ResponseWriter, notebookID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "accepted", "notebookId": notebookID}); err != nil {
		s.logger.Error("failed to encode response: %v", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response: %v", err)
	}
}
