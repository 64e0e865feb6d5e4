package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver

	"github.com/gradebench/gradebench/internal/domain"
)

// Schema applied by Migrate. Result rows carry the composite unique key
// the upsert conflicts on; raw output and validation errors live in the
// row so failures are auditable without a second table.
const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS questions (
	session_id  TEXT NOT NULL REFERENCES sessions(id),
	question_id TEXT NOT NULL,
	number      INT NOT NULL,
	max_marks   DOUBLE PRECISION NOT NULL,
	human_mark  DOUBLE PRECISION,
	PRIMARY KEY (session_id, question_id)
);

CREATE TABLE IF NOT EXISTS results (
	session_id        TEXT NOT NULL,
	question_id       TEXT NOT NULL,
	model_instance_id TEXT NOT NULL,
	try_index         INT NOT NULL,
	marks_awarded     DOUBLE PRECISION,
	rubric_notes      TEXT NOT NULL DEFAULT '',
	raw_output        TEXT NOT NULL DEFAULT '',
	validation_errors JSONB,
	input_tokens      BIGINT NOT NULL DEFAULT 0,
	output_tokens     BIGINT NOT NULL DEFAULT 0,
	reasoning_tokens  BIGINT NOT NULL DEFAULT 0,
	total_tokens      BIGINT NOT NULL DEFAULT 0,
	cost_usd          DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (session_id, question_id, model_instance_id, try_index)
);

CREATE TABLE IF NOT EXISTS reports (
	session_id TEXT PRIMARY KEY,
	report     JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresStore persists session state in Postgres via sqlx.
type PostgresStore struct {
	db *sqlx.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects and pings the database.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies the schema. Idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) CreateSession(ctx context.Context, session domain.Session, questions []domain.Question, humanMarks map[string]float64) error {
	if err := domain.ValidateQuestionList(questions); err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, status, created_at, updated_at) VALUES ($1, $2, $3, $4)`,
		session.ID, string(session.Status), session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	for _, q := range questions {
		var humanMark *float64
		if mark, ok := humanMarks[q.QuestionID]; ok {
			humanMark = &mark
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO questions (session_id, question_id, number, max_marks, human_mark)
			 VALUES ($1, $2, $3, $4, $5)`,
			session.ID, q.QuestionID, q.Number, q.MaxMarks, humanMark,
		)
		if err != nil {
			return fmt.Errorf("insert question %s: %w", q.QuestionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReadSession(ctx context.Context, sessionID string) (domain.Session, error) {
	var row struct {
		ID        string    `db:"id"`
		Status    string    `db:"status"`
		CreatedAt time.Time `db:"created_at"`
		UpdatedAt time.Time `db:"updated_at"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT id, status, created_at, updated_at FROM sessions WHERE id = $1`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, fmt.Errorf("session %s: %w", sessionID, domain.ErrSessionNotFound)
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("read session: %w", err)
	}
	return domain.Session{
		ID:        row.ID,
		Status:    domain.SessionStatus(row.Status),
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

func (s *PostgresStore) SetSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin status update: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var current string
	err = tx.GetContext(ctx, &current,
		`SELECT status FROM sessions WHERE id = $1 FOR UPDATE`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("session %s: %w", sessionID, domain.ErrSessionNotFound)
	}
	if err != nil {
		return fmt.Errorf("read session status: %w", err)
	}

	session := domain.Session{Status: domain.SessionStatus(current)}
	if err := session.TransitionTo(status); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET status = $2, updated_at = now() WHERE id = $1`,
		sessionID, string(status),
	)
	if err != nil {
		return fmt.Errorf("set session status: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) UpsertResult(ctx context.Context, item domain.ResultItem) error {
	validationErrors, err := json.Marshal(item.ValidationErrors)
	if err != nil {
		return fmt.Errorf("marshal validation errors: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO results (
			session_id, question_id, model_instance_id, try_index,
			marks_awarded, rubric_notes, raw_output, validation_errors,
			input_tokens, output_tokens, reasoning_tokens, total_tokens, cost_usd, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())
		ON CONFLICT (session_id, question_id, model_instance_id, try_index) DO UPDATE SET
			marks_awarded     = EXCLUDED.marks_awarded,
			rubric_notes      = EXCLUDED.rubric_notes,
			raw_output        = EXCLUDED.raw_output,
			validation_errors = EXCLUDED.validation_errors,
			input_tokens      = EXCLUDED.input_tokens,
			output_tokens     = EXCLUDED.output_tokens,
			reasoning_tokens  = EXCLUDED.reasoning_tokens,
			total_tokens      = EXCLUDED.total_tokens,
			cost_usd          = EXCLUDED.cost_usd,
			updated_at        = now()`,
		item.SessionID, item.QuestionID, item.ModelInstanceID, item.TryIndex,
		item.MarksAwarded, item.RubricNotes, item.RawOutput, validationErrors,
		item.Usage.Input, item.Usage.Output, item.Usage.Reasoning, item.Usage.Total, item.Usage.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("upsert result: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReadResults(ctx context.Context, sessionID string) ([]domain.ResultItem, error) {
	var rows []struct {
		SessionID        string          `db:"session_id"`
		QuestionID       string          `db:"question_id"`
		ModelInstanceID  string          `db:"model_instance_id"`
		TryIndex         int             `db:"try_index"`
		MarksAwarded     *float64        `db:"marks_awarded"`
		RubricNotes      string          `db:"rubric_notes"`
		RawOutput        string          `db:"raw_output"`
		ValidationErrors json.RawMessage `db:"validation_errors"`
		InputTokens      int64           `db:"input_tokens"`
		OutputTokens     int64           `db:"output_tokens"`
		ReasoningTokens  int64           `db:"reasoning_tokens"`
		TotalTokens      int64           `db:"total_tokens"`
		CostUSD          float64         `db:"cost_usd"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT session_id, question_id, model_instance_id, try_index,
		       marks_awarded, rubric_notes, raw_output, validation_errors,
		       input_tokens, output_tokens, reasoning_tokens, total_tokens, cost_usd
		FROM results WHERE session_id = $1`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("read results: %w", err)
	}

	out := make([]domain.ResultItem, 0, len(rows))
	for _, row := range rows {
		var validationErrors []string
		if len(row.ValidationErrors) > 0 {
			if err := json.Unmarshal(row.ValidationErrors, &validationErrors); err != nil {
				return nil, fmt.Errorf("decode validation errors: %w", err)
			}
		}
		out = append(out, domain.ResultItem{
			SessionID:        row.SessionID,
			QuestionID:       row.QuestionID,
			ModelInstanceID:  row.ModelInstanceID,
			TryIndex:         row.TryIndex,
			MarksAwarded:     row.MarksAwarded,
			RubricNotes:      row.RubricNotes,
			RawOutput:        row.RawOutput,
			ValidationErrors: validationErrors,
			Usage: domain.TokenUsage{
				Input:     row.InputTokens,
				Output:    row.OutputTokens,
				Reasoning: row.ReasoningTokens,
				Total:     row.TotalTokens,
				CostUSD:   row.CostUSD,
			},
		})
	}
	return out, nil
}

func (s *PostgresStore) ReadQuestions(ctx context.Context, sessionID string) ([]domain.Question, error) {
	var rows []struct {
		QuestionID string  `db:"question_id"`
		Number     int     `db:"number"`
		MaxMarks   float64 `db:"max_marks"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT question_id, number, max_marks FROM questions WHERE session_id = $1 ORDER BY number`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("read questions: %w", err)
	}
	if len(rows) == 0 {
		if _, err := s.ReadSession(ctx, sessionID); err != nil {
			return nil, err
		}
	}

	out := make([]domain.Question, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.Question{
			QuestionID: row.QuestionID,
			Number:     row.Number,
			MaxMarks:   row.MaxMarks,
		})
	}
	return out, nil
}

func (s *PostgresStore) ReadHumanMarks(ctx context.Context, sessionID string) (map[string]float64, error) {
	var rows []struct {
		QuestionID string   `db:"question_id"`
		HumanMark  *float64 `db:"human_mark"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT question_id, human_mark FROM questions WHERE session_id = $1`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("read human marks: %w", err)
	}

	marks := make(map[string]float64, len(rows))
	for _, row := range rows {
		if row.HumanMark != nil {
			marks[row.QuestionID] = *row.HumanMark
		}
	}
	return marks, nil
}

func (s *PostgresStore) SaveReport(ctx context.Context, report domain.DiscrepancyReport) error {
	raw, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reports (session_id, report, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (session_id) DO UPDATE SET report = EXCLUDED.report, updated_at = now()`,
		report.SessionID, raw,
	)
	if err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReadReport(ctx context.Context, sessionID string) (domain.DiscrepancyReport, error) {
	var raw []byte
	err := s.db.GetContext(ctx, &raw, `SELECT report FROM reports WHERE session_id = $1`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DiscrepancyReport{}, fmt.Errorf("session %s: %w", sessionID, ErrReportNotFound)
	}
	if err != nil {
		return domain.DiscrepancyReport{}, fmt.Errorf("read report: %w", err)
	}

	var report domain.DiscrepancyReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return domain.DiscrepancyReport{}, fmt.Errorf("decode report: %w", err)
	}
	return report, nil
}
