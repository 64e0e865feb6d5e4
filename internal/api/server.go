// Package api exposes the grading engine over HTTP: session bootstrap,
// grading dispatch, and the discrepancy statistics endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/gradebench/gradebench/internal/domain"
	"github.com/gradebench/gradebench/internal/grading"
	"github.com/gradebench/gradebench/internal/prompt"
	"github.com/gradebench/gradebench/internal/stats"
	"github.com/gradebench/gradebench/internal/store"
)

// estimatedPromptTokens approximates the text portion of a grading
// prompt when splitting images into batches.
const estimatedPromptTokens = 2000

// Server wires the HTTP surface to the engine components.
type Server struct {
	store     store.Store
	scheduler *grading.Scheduler
	calc      *stats.Calculator
	batchCfg  prompt.BatchConfig
	templates prompt.Templates
	logger    *slog.Logger
}

// NewServer builds the HTTP layer. A nil logger falls back to
// slog.Default.
func NewServer(
	st store.Store,
	scheduler *grading.Scheduler,
	calc *stats.Calculator,
	batchCfg prompt.BatchConfig,
	templates prompt.Templates,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:     st,
		scheduler: scheduler,
		calc:      calc,
		batchCfg:  batchCfg,
		templates: templates,
		logger:    logger.With("component", "api"),
	}
}

// Router returns the configured route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{session_id}", s.handleGetSession).Methods(http.MethodGet)
	r.HandleFunc("/grade/single", s.handleGrade).Methods(http.MethodPost)
	r.HandleFunc("/stats/{session_id}", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/reports/{session_id}", s.handleReport).Methods(http.MethodGet)
	r.Use(s.logRequests)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Info("request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CreateSessionRequest registers a session's questions and the human
// benchmark marks.
type CreateSessionRequest struct {
	Questions  []domain.Question  `json:"questions"`
	HumanMarks map[string]float64 `json:"human_marks"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	session := domain.NewSession()
	if err := s.store.CreateSession(r.Context(), *session, req.Questions, req.HumanMarks); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	session, err := s.store.ReadSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// GradeRequest dispatches a grading run for an existing session.
type GradeRequest struct {
	SessionID          string                 `json:"session_id"`
	Models             []domain.ModelSpec     `json:"models,omitempty"`
	ModelPairs         []domain.ModelPairSpec `json:"model_pairs,omitempty"`
	DefaultTries       int                    `json:"default_tries"`
	StudentImageURLs   []string               `json:"student_image_urls"`
	AnswerKeyImageURLs []string               `json:"answer_key_image_urls"`
	PagesPerStudent    int                    `json:"pages_per_student"`
}

func (s *Server) handleGrade(w http.ResponseWriter, r *http.Request) {
	var req GradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, domain.NewConfigurationError("session_id", "required"))
		return
	}

	if _, err := s.store.ReadSession(r.Context(), req.SessionID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	questions, err := s.store.ReadQuestions(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	pagesPerStudent := req.PagesPerStudent
	if pagesPerStudent < 1 {
		pagesPerStudent = 1
	}
	studentURLs := normalizeAll(req.StudentImageURLs)
	keyURLs := normalizeAll(req.AnswerKeyImageURLs)

	// Single-stage calls carry every answer-key image alongside the
	// student batch, so the key images consume part of each batch's
	// image and token budget.
	studentCfg := s.batchCfg
	if len(req.Models) > 0 {
		studentCfg = studentCfg.ReserveImages(len(keyURLs))
	}
	studentBatches, err := prompt.SplitImages(studentCfg, studentURLs, pagesPerStudent, estimatedPromptTokens)
	if err != nil {
		s.failSession(r.Context(), req.SessionID)
		writeError(w, statusFor(err), err)
		return
	}
	rubricBatches, err := prompt.SplitImages(s.batchCfg, keyURLs, 1, estimatedPromptTokens)
	if err != nil {
		s.failSession(r.Context(), req.SessionID)
		writeError(w, statusFor(err), err)
		return
	}

	tasks, err := grading.Expand(grading.ExpandRequest{
		SessionID:      req.SessionID,
		Models:         req.Models,
		ModelPairs:     req.ModelPairs,
		DefaultTries:   req.DefaultTries,
		StudentBatches: studentBatches,
		RubricBatches:  rubricBatches,
	})
	if err != nil {
		s.failSession(r.Context(), req.SessionID)
		writeError(w, statusFor(err), err)
		return
	}

	job := grading.SessionJob{
		SessionID:     req.SessionID,
		Tasks:         tasks,
		Questions:     questions,
		AnswerKeyURLs: keyURLs,
		Templates:     s.templates,
	}

	// The run outlives the HTTP request; results land in the store and
	// are read back through the stats endpoint.
	go func() {
		if _, err := s.scheduler.Grade(context.Background(), job); err != nil {
			s.logger.Error("grading run failed",
				"session_id", req.SessionID,
				"error", err,
			)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"session_id": req.SessionID,
		"status":     string(domain.SessionGrading),
		"task_count": len(tasks),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	ctx := r.Context()

	if _, err := s.store.ReadSession(ctx, sessionID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	results, err := s.store.ReadResults(ctx, sessionID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	questions, err := s.store.ReadQuestions(ctx, sessionID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	humanMarks, err := s.store.ReadHumanMarks(ctx, sessionID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	report := s.calc.Report(sessionID, results, questions, humanMarks)
	if err := s.store.SaveReport(ctx, report); err != nil {
		s.logger.Error("report save failed", "session_id", sessionID, "error", err)
	}
	writeJSON(w, http.StatusOK, report)
}

// handleReport serves the report persisted by the most recent stats
// computation without recomputing it.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]

	report, err := s.store.ReadReport(r.Context(), sessionID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// failSession marks a session failed after a configuration error settled
// it before any task was dispatched.
func (s *Server) failSession(ctx context.Context, sessionID string) {
	if err := s.store.SetSessionStatus(ctx, sessionID, domain.SessionFailed); err != nil {
		s.logger.Error("session status update failed",
			"session_id", sessionID,
			"status", string(domain.SessionFailed),
			"error", err,
		)
	}
}

func normalizeAll(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		out = append(out, prompt.NormalizeURL(u))
	}
	return out
}

func statusFor(err error) int {
	var cfgErr *domain.ConfigurationError
	switch {
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, store.ErrReportNotFound):
		return http.StatusNotFound
	case errors.As(err, &cfgErr):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
