package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/gradebench/gradebench/internal/domain"
)

// MemoryStore keeps all session state in process memory under a single
// mutex. It is the default store and the fixture for scheduler and API
// tests.
type MemoryStore struct {
	mu sync.RWMutex

	sessions   map[string]domain.Session
	questions  map[string][]domain.Question
	humanMarks map[string]map[string]float64
	results    map[string]map[string]domain.ResultItem
	reports    map[string]domain.DiscrepancyReport
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:   make(map[string]domain.Session),
		questions:  make(map[string][]domain.Question),
		humanMarks: make(map[string]map[string]float64),
		results:    make(map[string]map[string]domain.ResultItem),
		reports:    make(map[string]domain.DiscrepancyReport),
	}
}

func (s *MemoryStore) CreateSession(_ context.Context, session domain.Session, questions []domain.Question, humanMarks map[string]float64) error {
	if err := domain.ValidateQuestionList(questions); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	s.sessions[session.ID] = session
	s.questions[session.ID] = append([]domain.Question(nil), questions...)

	marks := make(map[string]float64, len(humanMarks))
	for id, mark := range humanMarks {
		marks[id] = mark
	}
	s.humanMarks[session.ID] = marks
	s.results[session.ID] = make(map[string]domain.ResultItem)
	return nil
}

func (s *MemoryStore) ReadSession(_ context.Context, sessionID string) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.Session{}, fmt.Errorf("session %s: %w", sessionID, domain.ErrSessionNotFound)
	}
	return session, nil
}

func (s *MemoryStore) SetSessionStatus(_ context.Context, sessionID string, status domain.SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, domain.ErrSessionNotFound)
	}
	if err := session.TransitionTo(status); err != nil {
		return err
	}
	s.sessions[sessionID] = session
	return nil
}

func (s *MemoryStore) UpsertResult(_ context.Context, item domain.ResultItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, ok := s.results[item.SessionID]
	if !ok {
		rows = make(map[string]domain.ResultItem)
		s.results[item.SessionID] = rows
	}
	rows[item.Key()] = item
	return nil
}

func (s *MemoryStore) ReadResults(_ context.Context, sessionID string) ([]domain.ResultItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.results[sessionID]
	out := make([]domain.ResultItem, 0, len(rows))
	for _, row := range rows {
		out = append(out, row)
	}
	return out, nil
}

func (s *MemoryStore) ReadQuestions(_ context.Context, sessionID string) ([]domain.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	questions, ok := s.questions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrSessionNotFound)
	}
	return append([]domain.Question(nil), questions...), nil
}

func (s *MemoryStore) ReadHumanMarks(_ context.Context, sessionID string) (map[string]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	marks, ok := s.humanMarks[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrSessionNotFound)
	}
	out := make(map[string]float64, len(marks))
	for id, mark := range marks {
		out[id] = mark
	}
	return out, nil
}

func (s *MemoryStore) SaveReport(_ context.Context, report domain.DiscrepancyReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[report.SessionID] = report
	return nil
}

func (s *MemoryStore) ReadReport(_ context.Context, sessionID string) (domain.DiscrepancyReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report, ok := s.reports[sessionID]
	if !ok {
		return domain.DiscrepancyReport{}, fmt.Errorf("session %s: %w", sessionID, ErrReportNotFound)
	}
	return report, nil
}
