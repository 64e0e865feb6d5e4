package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gradebench/gradebench/internal/domain"
)

// Redis key layout, all namespaced under gradebench:.
//   gradebench:session:<id>     JSON-encoded domain.Session
//   gradebench:questions:<id>   JSON-encoded question list
//   gradebench:marks:<id>       hash of question ID to human mark
//   gradebench:results:<id>     hash of result key to JSON row
//   gradebench:report:<id>      JSON-encoded discrepancy report
const redisKeyPrefix = "gradebench"

// RedisStore persists session state in Redis, one hash per session for
// result rows so upserts are single HSET calls idempotent by field name.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps a connected client. A zero ttl keeps session data
// until explicitly deleted.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func sessionKey(sessionID string) string {
	return fmt.Sprintf("%s:session:%s", redisKeyPrefix, sessionID)
}

func questionsKey(sessionID string) string {
	return fmt.Sprintf("%s:questions:%s", redisKeyPrefix, sessionID)
}

func marksKey(sessionID string) string {
	return fmt.Sprintf("%s:marks:%s", redisKeyPrefix, sessionID)
}

func resultsKey(sessionID string) string {
	return fmt.Sprintf("%s:results:%s", redisKeyPrefix, sessionID)
}

func reportKey(sessionID string) string {
	return fmt.Sprintf("%s:report:%s", redisKeyPrefix, sessionID)
}

func (s *RedisStore) CreateSession(ctx context.Context, session domain.Session, questions []domain.Question, humanMarks map[string]float64) error {
	if err := domain.ValidateQuestionList(questions); err != nil {
		return err
	}

	sessionJSON, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	questionsJSON, err := json.Marshal(questions)
	if err != nil {
		return fmt.Errorf("marshal questions: %w", err)
	}

	ok, err := s.client.SetNX(ctx, sessionKey(session.ID), sessionJSON, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if !ok {
		return fmt.Errorf("session %s already exists", session.ID)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, questionsKey(session.ID), questionsJSON, s.ttl)
	if len(humanMarks) > 0 {
		fields := make(map[string]any, len(humanMarks))
		for id, mark := range humanMarks {
			fields[id] = mark
		}
		pipe.HSet(ctx, marksKey(session.ID), fields)
		if s.ttl > 0 {
			pipe.Expire(ctx, marksKey(session.ID), s.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create session state: %w", err)
	}
	return nil
}

func (s *RedisStore) ReadSession(ctx context.Context, sessionID string) (domain.Session, error) {
	raw, err := s.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Session{}, fmt.Errorf("session %s: %w", sessionID, domain.ErrSessionNotFound)
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("read session: %w", err)
	}

	var session domain.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return domain.Session{}, fmt.Errorf("decode session: %w", err)
	}
	return session, nil
}

func (s *RedisStore) SetSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus) error {
	session, err := s.ReadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := session.TransitionTo(status); err != nil {
		return err
	}

	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, sessionKey(sessionID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("set session status: %w", err)
	}
	return nil
}

func (s *RedisStore) UpsertResult(ctx context.Context, item domain.ResultItem) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	key := resultsKey(item.SessionID)
	if err := s.client.HSet(ctx, key, item.Key(), raw).Err(); err != nil {
		return fmt.Errorf("upsert result: %w", err)
	}
	if s.ttl > 0 {
		s.client.Expire(ctx, key, s.ttl)
	}
	return nil
}

func (s *RedisStore) ReadResults(ctx context.Context, sessionID string) ([]domain.ResultItem, error) {
	rows, err := s.client.HGetAll(ctx, resultsKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read results: %w", err)
	}

	out := make([]domain.ResultItem, 0, len(rows))
	for field, raw := range rows {
		var item domain.ResultItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return nil, fmt.Errorf("decode result %s: %w", field, err)
		}
		out = append(out, item)
	}
	return out, nil
}

func (s *RedisStore) ReadQuestions(ctx context.Context, sessionID string) ([]domain.Question, error) {
	raw, err := s.client.Get(ctx, questionsKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read questions: %w", err)
	}

	var questions []domain.Question
	if err := json.Unmarshal(raw, &questions); err != nil {
		return nil, fmt.Errorf("decode questions: %w", err)
	}
	return questions, nil
}

func (s *RedisStore) ReadHumanMarks(ctx context.Context, sessionID string) (map[string]float64, error) {
	// Existence is keyed off the session record: an empty marks hash is
	// a valid state, not a missing session.
	if _, err := s.ReadSession(ctx, sessionID); err != nil {
		return nil, err
	}

	fields, err := s.client.HGetAll(ctx, marksKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read human marks: %w", err)
	}

	marks := make(map[string]float64, len(fields))
	for id, raw := range fields {
		mark, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("decode human mark %s: %w", id, err)
		}
		marks[id] = mark
	}
	return marks, nil
}

func (s *RedisStore) SaveReport(ctx context.Context, report domain.DiscrepancyReport) error {
	raw, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := s.client.Set(ctx, reportKey(report.SessionID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}

func (s *RedisStore) ReadReport(ctx context.Context, sessionID string) (domain.DiscrepancyReport, error) {
	raw, err := s.client.Get(ctx, reportKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
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
