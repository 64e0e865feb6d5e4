// Package store persists session state: lifecycle status, per-task
// result rows, the human benchmark, and derived discrepancy reports.
// Three interchangeable implementations cover the contract: in-memory
// for tests and single-process runs, Redis for shared ephemeral state,
// and Postgres for durable storage.
package store

import (
	"context"
	"errors"

	"github.com/gradebench/gradebench/internal/domain"
)

// ErrReportNotFound indicates no discrepancy report has been computed
// for the session yet.
var ErrReportNotFound = errors.New("report not found")

// Store is the full session state contract. Result upserts are
// idempotent by the row's unique key so scheduler retries never
// duplicate rows.
type Store interface {
	// CreateSession registers a session with its question list and the
	// human benchmark marks. Questions are immutable once grading starts.
	CreateSession(ctx context.Context, session domain.Session, questions []domain.Question, humanMarks map[string]float64) error

	// ReadSession returns the session or domain.ErrSessionNotFound.
	ReadSession(ctx context.Context, sessionID string) (domain.Session, error)

	// SetSessionStatus transitions the session's lifecycle state.
	SetSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus) error

	// UpsertResult writes one result row, replacing any prior row with
	// the same (session, question, model instance, try) key.
	UpsertResult(ctx context.Context, item domain.ResultItem) error

	// ReadResults returns every result row persisted for the session.
	ReadResults(ctx context.Context, sessionID string) ([]domain.ResultItem, error)

	// ReadQuestions returns the session's question list.
	ReadQuestions(ctx context.Context, sessionID string) ([]domain.Question, error)

	// ReadHumanMarks returns the human benchmark as question ID to mark.
	ReadHumanMarks(ctx context.Context, sessionID string) (map[string]float64, error)

	// SaveReport persists a computed discrepancy report. Reports are
	// derived data and may be overwritten by recomputation.
	SaveReport(ctx context.Context, report domain.DiscrepancyReport) error

	// ReadReport returns the last saved report or ErrReportNotFound.
	ReadReport(ctx context.Context, sessionID string) (domain.DiscrepancyReport, error)
}
