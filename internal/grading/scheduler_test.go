package grading

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gradebench/gradebench/internal/completion"
	"github.com/gradebench/gradebench/internal/domain"
	"github.com/gradebench/gradebench/internal/prompt"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock advances instantly through sleeps and records each one.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

func (c *fakeClock) recordedSleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// fakeStore records upserts and status transitions, counting writes per
// result key to verify the one-upsert-per-settled-task guarantee.
type fakeStore struct {
	mu       sync.Mutex
	items    map[string]domain.ResultItem
	writes   map[string]int
	statuses []domain.SessionStatus
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		items:  make(map[string]domain.ResultItem),
		writes: make(map[string]int),
	}
}

func (s *fakeStore) UpsertResult(_ context.Context, item domain.ResultItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.Key()] = item
	s.writes[item.Key()]++
	return nil
}

func (s *fakeStore) SetSessionStatus(_ context.Context, _ string, status domain.SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	return nil
}

func (s *fakeStore) item(t *testing.T, key string) domain.ResultItem {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[key]
	require.True(t, ok, "no result row for key %s (have %v)", key, s.writes)
	return item
}

func (s *fakeStore) finalStatus(t *testing.T) domain.SessionStatus {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.statuses)
	return s.statuses[len(s.statuses)-1]
}

// scriptedHandler answers completion calls from a per-call function while
// recording every request it saw.
type scriptedHandler struct {
	mu       sync.Mutex
	requests []*completion.Request
	respond  func(req *completion.Request, call int) (*completion.Response, error)
	calls    map[string]int
}

func newScriptedHandler(respond func(req *completion.Request, call int) (*completion.Response, error)) *scriptedHandler {
	return &scriptedHandler{respond: respond, calls: make(map[string]int)}
}

func (h *scriptedHandler) Handle(_ context.Context, req *completion.Request) (*completion.Response, error) {
	h.mu.Lock()
	h.requests = append(h.requests, req)
	key := req.ModelInstanceID
	call := h.calls[key]
	h.calls[key]++
	h.mu.Unlock()
	return h.respond(req, call)
}

func (h *scriptedHandler) seenRequests() []*completion.Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*completion.Request(nil), h.requests...)
}

var schedulerQuestions = []domain.Question{
	{QuestionID: "Q1", Number: 1, MaxMarks: 10},
	{QuestionID: "Q2", Number: 2, MaxMarks: 15},
}

const goodResponse = `{"answers":[{"question_id":"Q1","marks_awarded":8,"rubric_notes":"ok"},{"question_id":"Q2","marks_awarded":12}]}`

func okResponse(content string) *completion.Response {
	return &completion.Response{
		Content: content,
		Usage:   domain.TokenUsage{Input: 1000, Output: 100, Total: 1100},
	}
}

func newTestScheduler(t *testing.T, handler completion.Handler, store ResultStore, clock Clock) *Scheduler {
	t.Helper()
	cfg := DefaultSchedulerConfig()
	cfg.Workers = 2
	cfg.Retry.UseJitter = false
	cfg.Retry.InitialInterval = time.Second
	s := NewScheduler(cfg, handler, store, clock, testLogger(), nil)
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

func singleTask(instanceID string, try int) domain.GradingTask {
	return domain.GradingTask{
		SessionID:       "sess-1",
		ModelInstanceID: instanceID,
		Spec:            domain.ModelSpec{Name: "openai/gpt-4o"},
		TryIndex:        try,
		Stage:           domain.StageSingle,
		InputBatches:    []domain.ImageBatch{{URLs: []string{"https://img.test/s1.png"}}},
	}
}

func TestScheduler_GradeSuccess(t *testing.T) {
	handler := newScriptedHandler(func(_ *completion.Request, _ int) (*completion.Response, error) {
		return okResponse(goodResponse), nil
	})
	store := newFakeStore()
	s := newTestScheduler(t, handler, store, newFakeClock())

	outcomes, err := s.Grade(context.Background(), SessionJob{
		SessionID: "sess-1",
		Tasks:     []domain.GradingTask{singleTask("m1", 1), singleTask("m1", 2)},
		Questions: schedulerQuestions,
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.Equal(t, TaskSucceeded, o.State)
	}

	q1 := store.item(t, "sess-1|Q1|m1|1")
	require.NotNil(t, q1.MarksAwarded)
	assert.Equal(t, 8.0, *q1.MarksAwarded)
	assert.Equal(t, "ok", q1.RubricNotes)
	assert.Equal(t, int64(1100), q1.Usage.Total)

	store.item(t, "sess-1|Q2|m1|1")
	store.item(t, "sess-1|Q1|m1|2")
	store.item(t, "sess-1|Q2|m1|2")

	assert.Equal(t, domain.SessionGraded, store.finalStatus(t))
	assert.Equal(t, domain.SessionGrading, store.statuses[0])
}

func TestScheduler_PartialFailureIsolation(t *testing.T) {
	handler := newScriptedHandler(func(req *completion.Request, _ int) (*completion.Response, error) {
		if req.ModelInstanceID == "bad" {
			return nil, &completion.ProviderError{StatusCode: 401, Type: completion.ErrorTypeAuth, Message: "bad key"}
		}
		return okResponse(goodResponse), nil
	})
	store := newFakeStore()
	s := newTestScheduler(t, handler, store, newFakeClock())

	outcomes, err := s.Grade(context.Background(), SessionJob{
		SessionID: "sess-1",
		Tasks: []domain.GradingTask{
			singleTask("good-1", 1),
			singleTask("bad", 1),
			singleTask("good-2", 1),
		},
		Questions: schedulerQuestions,
	})
	require.NoError(t, err)

	states := make(map[string]TaskState)
	for _, o := range outcomes {
		states[o.Task.ModelInstanceID] = o.State
	}
	assert.Equal(t, TaskSucceeded, states["good-1"])
	assert.Equal(t, TaskSucceeded, states["good-2"])
	assert.Equal(t, TaskExhausted, states["bad"])

	// The failed task persisted a terminal row with a null mark.
	sentinel := store.item(t, "sess-1|"+domain.ParseErrorQuestionID+"|bad|1")
	assert.Nil(t, sentinel.MarksAwarded)
	assert.NotEmpty(t, sentinel.ValidationErrors)

	// One auth failure never fails a session with surviving siblings.
	assert.Equal(t, domain.SessionGraded, store.finalStatus(t))
}

func TestScheduler_RetryHonorsRetryAfter(t *testing.T) {
	handler := newScriptedHandler(func(_ *completion.Request, call int) (*completion.Response, error) {
		if call < 2 {
			return nil, &completion.RateLimitError{RetryAfter: 5}
		}
		return okResponse(goodResponse), nil
	})
	store := newFakeStore()
	clock := newFakeClock()
	s := newTestScheduler(t, handler, store, clock)

	outcomes, err := s.Grade(context.Background(), SessionJob{
		SessionID: "sess-1",
		Tasks:     []domain.GradingTask{singleTask("m1", 1)},
		Questions: schedulerQuestions,
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, TaskSucceeded, outcomes[0].State)

	// Provider-mandated wait doubles per attempt: 5s, then 10s.
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, clock.recordedSleeps())
}

func TestScheduler_RetryExhaustion(t *testing.T) {
	handler := newScriptedHandler(func(_ *completion.Request, _ int) (*completion.Response, error) {
		return nil, &completion.ProviderError{StatusCode: 503, Type: completion.ErrorTypeProvider, Message: "down"}
	})
	store := newFakeStore()
	clock := newFakeClock()
	s := newTestScheduler(t, handler, store, clock)

	outcomes, err := s.Grade(context.Background(), SessionJob{
		SessionID: "sess-1",
		Tasks:     []domain.GradingTask{singleTask("m1", 1)},
		Questions: schedulerQuestions,
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, TaskExhausted, outcomes[0].State)

	// MaxRetries backoffs: 1s, 2s, 4s without jitter.
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, clock.recordedSleeps())

	sentinel := store.item(t, "sess-1|"+domain.ParseErrorQuestionID+"|m1|1")
	assert.Nil(t, sentinel.MarksAwarded)
	assert.Equal(t, domain.SessionFailed, store.finalStatus(t))
}

func TestScheduler_ValidationFailure(t *testing.T) {
	handler := newScriptedHandler(func(_ *completion.Request, _ int) (*completion.Response, error) {
		return okResponse("I refuse to answer in JSON."), nil
	})
	store := newFakeStore()
	s := newTestScheduler(t, handler, store, newFakeClock())

	outcomes, err := s.Grade(context.Background(), SessionJob{
		SessionID: "sess-1",
		Tasks:     []domain.GradingTask{singleTask("m1", 1)},
		Questions: schedulerQuestions,
	})
	require.NoError(t, err)
	assert.Equal(t, TaskValidationFailed, outcomes[0].State)

	// Validation failures are terminal, never retried.
	assert.Len(t, handler.seenRequests(), 1)

	sentinel := store.item(t, "sess-1|"+domain.ParseErrorQuestionID+"|m1|1")
	assert.Contains(t, sentinel.RawOutput, "I refuse")
	assert.Equal(t, domain.SessionFailed, store.finalStatus(t))
}

func pairTasks(instanceID string, try int) (rubric, assessment domain.GradingTask) {
	rubric = domain.GradingTask{
		SessionID:       "sess-1",
		ModelInstanceID: instanceID,
		Spec:            domain.ModelSpec{Name: "openai/gpt-4o"},
		TryIndex:        try,
		Stage:           domain.StageRubric,
		InputBatches:    []domain.ImageBatch{{URLs: []string{"https://img.test/key.png"}}},
	}
	assessment = domain.GradingTask{
		SessionID:       "sess-1",
		ModelInstanceID: instanceID,
		Spec:            domain.ModelSpec{Name: "anthropic/claude-sonnet-4"},
		TryIndex:        try,
		Stage:           domain.StageAssessment,
		InputBatches:    []domain.ImageBatch{{URLs: []string{"https://img.test/s1.png"}}},
	}
	return rubric, assessment
}

func TestScheduler_PairThreading(t *testing.T) {
	const rubricText = "Q1: full marks require complete working."

	handler := newScriptedHandler(func(req *completion.Request, _ int) (*completion.Response, error) {
		if req.Model == "openai/gpt-4o" {
			return okResponse(rubricText), nil
		}
		return okResponse(goodResponse), nil
	})
	store := newFakeStore()
	s := newTestScheduler(t, handler, store, newFakeClock())

	rubric, assessment := pairTasks("pair-1", 1)
	outcomes, err := s.Grade(context.Background(), SessionJob{
		SessionID: "sess-1",
		Tasks:     []domain.GradingTask{rubric, assessment},
		Questions: schedulerQuestions,
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	// Rubric settles first; the assessment call carries its output text.
	assert.Equal(t, domain.StageRubric, outcomes[0].Task.Stage)
	assert.Equal(t, TaskSucceeded, outcomes[0].State)
	assert.Equal(t, domain.StageAssessment, outcomes[1].Task.Stage)
	assert.Equal(t, TaskSucceeded, outcomes[1].State)
	assert.True(t, !outcomes[1].SettledAt.Before(outcomes[0].SettledAt))

	var assessmentReq *completion.Request
	for _, r := range handler.seenRequests() {
		if r.Model == "anthropic/claude-sonnet-4" {
			assessmentReq = r
		}
	}
	require.NotNil(t, assessmentReq)
	var joined strings.Builder
	for _, m := range assessmentReq.Messages {
		joined.WriteString(m.Text)
		for _, p := range m.Parts {
			joined.WriteString(p.Text)
		}
	}
	assert.Contains(t, joined.String(), rubricText)

	// The rubric raw output was preserved for audit.
	rubricRow := store.item(t, "sess-1|"+domain.RubricQuestionID+"|pair-1|1")
	assert.Contains(t, rubricRow.RawOutput, rubricText)
	assert.Nil(t, rubricRow.MarksAwarded)
}

func TestScheduler_RubricFailureBlocksAssessment(t *testing.T) {
	handler := newScriptedHandler(func(req *completion.Request, _ int) (*completion.Response, error) {
		if req.Model == "openai/gpt-4o" {
			return nil, &completion.ProviderError{StatusCode: 401, Type: completion.ErrorTypeAuth, Message: "bad key"}
		}
		t.Errorf("assessment model must never be called when rubric fails, got call for %s", req.Model)
		return okResponse(goodResponse), nil
	})
	store := newFakeStore()
	s := newTestScheduler(t, handler, store, newFakeClock())

	rubric, assessment := pairTasks("pair-1", 1)
	outcomes, err := s.Grade(context.Background(), SessionJob{
		SessionID: "sess-1",
		Tasks:     []domain.GradingTask{rubric, assessment},
		Questions: schedulerQuestions,
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	byStage := make(map[domain.TaskStage]TaskOutcome)
	for _, o := range outcomes {
		byStage[o.Task.Stage] = o
	}
	assert.Equal(t, TaskExhausted, byStage[domain.StageRubric].State)
	assert.Equal(t, TaskExhausted, byStage[domain.StageAssessment].State)

	var depErr *domain.UpstreamDependencyError
	require.ErrorAs(t, byStage[domain.StageAssessment].Err, &depErr)
	assert.Equal(t, "pair-1|1|rubric", depErr.RubricTaskKey)

	sentinel := store.item(t, "sess-1|"+domain.ParseErrorQuestionID+"|pair-1|1")
	assert.Contains(t, strings.Join(sentinel.ValidationErrors, " "), "upstream")
}

func TestScheduler_OneUpsertPerSettledTask(t *testing.T) {
	handler := newScriptedHandler(func(_ *completion.Request, call int) (*completion.Response, error) {
		if call == 0 {
			return nil, &completion.RateLimitError{RetryAfter: 1}
		}
		return okResponse(goodResponse), nil
	})
	store := newFakeStore()
	s := newTestScheduler(t, handler, store, newFakeClock())

	_, err := s.Grade(context.Background(), SessionJob{
		SessionID: "sess-1",
		Tasks:     []domain.GradingTask{singleTask("m1", 1)},
		Questions: schedulerQuestions,
	})
	require.NoError(t, err)

	store.mu.Lock()
	defer store.mu.Unlock()
	for key, count := range store.writes {
		assert.Equal(t, 1, count, "result %s written more than once", key)
	}
}

func TestScheduler_SessionCancellation(t *testing.T) {
	handler := newScriptedHandler(func(_ *completion.Request, _ int) (*completion.Response, error) {
		return okResponse(goodResponse), nil
	})
	store := newFakeStore()
	s := newTestScheduler(t, handler, store, newFakeClock())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcomes, err := s.Grade(ctx, SessionJob{
		SessionID: "sess-1",
		Tasks:     []domain.GradingTask{singleTask("m1", 1), singleTask("m1", 2)},
		Questions: schedulerQuestions,
	})
	require.NoError(t, err)

	for _, o := range outcomes {
		assert.Equal(t, TaskCancelled, o.State)
		assert.Empty(t, o.Items)
	}
	assert.Empty(t, handler.seenRequests())
	assert.Equal(t, domain.SessionFailed, store.finalStatus(t))
}

func TestScheduler_CancelledPairPersistsNothing(t *testing.T) {
	handler := newScriptedHandler(func(_ *completion.Request, _ int) (*completion.Response, error) {
		return okResponse(goodResponse), nil
	})
	store := newFakeStore()
	s := newTestScheduler(t, handler, store, newFakeClock())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rubric, assessment := pairTasks("pair-1", 1)
	outcomes, err := s.Grade(ctx, SessionJob{
		SessionID: "sess-1",
		Tasks:     []domain.GradingTask{rubric, assessment},
		Questions: schedulerQuestions,
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	for _, o := range outcomes {
		assert.Equal(t, TaskCancelled, o.State, "stage %s", o.Task.Stage)
		assert.Empty(t, o.Items)
	}
	assert.Empty(t, store.writes, "cancelled tasks must not persist result rows")
	assert.Empty(t, handler.seenRequests())
}

func TestScheduler_NoTasks(t *testing.T) {
	s := newTestScheduler(t, newScriptedHandler(nil), newFakeStore(), newFakeClock())
	_, err := s.Grade(context.Background(), SessionJob{SessionID: "sess-1"})
	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestScheduler_MessagesForStages(t *testing.T) {
	job := &SessionJob{
		SessionID:     "sess-1",
		Questions:     schedulerQuestions,
		AnswerKeyURLs: []string{"https://img.test/key.png"},
		Templates:     prompt.Templates{},
	}
	s := NewScheduler(DefaultSchedulerConfig(), newScriptedHandler(nil), newFakeStore(), newFakeClock(), testLogger(), nil)

	batch := domain.ImageBatch{URLs: []string{"https://img.test/s1.png"}}

	single := singleTask("m1", 1)
	msgs := s.messagesFor(job, single, batch)
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0].Text, "strict grader")

	rubric, assessment := pairTasks("pair-1", 1)
	msgs = s.messagesFor(job, rubric, domain.ImageBatch{URLs: []string{"https://img.test/key.png"}})
	assert.Contains(t, msgs[0].Text, "grading rubric")

	assessment.UpstreamText = "criteria here"
	msgs = s.messagesFor(job, assessment, batch)
	var text strings.Builder
	for _, p := range msgs[1].Parts {
		text.WriteString(p.Text)
	}
	assert.Contains(t, text.String(), "criteria here")
}
