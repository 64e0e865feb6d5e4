package grading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gradebench/gradebench/internal/completion"
	"github.com/gradebench/gradebench/internal/domain"
	"github.com/gradebench/gradebench/internal/prompt"
)

// TaskState is the per-task scheduler state.
type TaskState string

const (
	// TaskPending means the task is queued and not yet picked up.
	TaskPending TaskState = "pending"

	// TaskRunning means a worker is executing the task's completion calls.
	TaskRunning TaskState = "running"

	// TaskRetrying means the task hit a retryable error and is waiting out
	// its backoff before re-entering running.
	TaskRetrying TaskState = "retrying"

	// TaskSucceeded means at least one mark was parsed from the response.
	TaskSucceeded TaskState = "succeeded"

	// TaskValidationFailed means a response arrived but nothing usable
	// could be parsed from it.
	TaskValidationFailed TaskState = "validation_failed"

	// TaskExhausted means retries ran out or a fatal error occurred; a
	// terminal result with a null mark was recorded.
	TaskExhausted TaskState = "exhausted"

	// TaskCancelled means the session was cancelled before the task
	// started; nothing was persisted for it.
	TaskCancelled TaskState = "cancelled"
)

// ResultStore is the slice of the session state store the scheduler
// writes through. Upserts are idempotent by the result's unique key.
type ResultStore interface {
	UpsertResult(ctx context.Context, item domain.ResultItem) error
	SetSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus) error
}

// Metrics receives scheduler observability events. Implementations must
// be safe for concurrent use.
type Metrics interface {
	TaskSettled(stage, state string)
	TaskRetried(stage string)
	ObserveTaskDuration(stage string, d time.Duration)
	SetInFlight(n int)
}

// NoOpMetrics discards all scheduler metrics.
type NoOpMetrics struct{}

func (NoOpMetrics) TaskSettled(_, _ string)                       {}
func (NoOpMetrics) TaskRetried(_ string)                          {}
func (NoOpMetrics) ObserveTaskDuration(_ string, _ time.Duration) {}
func (NoOpMetrics) SetInFlight(_ int)                             {}

// SchedulerConfig tunes the process-wide grading scheduler.
type SchedulerConfig struct {
	// Workers is the fixed worker pool size shared by all sessions.
	Workers int `yaml:"workers" json:"workers"`

	// QueueDepth bounds the shared pending queue.
	QueueDepth int `yaml:"queue_depth" json:"queue_depth"`

	// RequestTimeout bounds each completion call.
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`

	// Retry is the per-task retry policy.
	Retry RetryConfig `yaml:"retry" json:"retry"`
}

// DefaultSchedulerConfig returns the standard scheduler tuning: a modest
// pool so one large session cannot monopolize provider quota.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Workers:        4,
		QueueDepth:     256,
		RequestTimeout: 90 * time.Second,
		Retry:          DefaultRetryConfig(),
	}
}

// SessionJob is one session's worth of expanded tasks plus the context
// the prompts are built from.
type SessionJob struct {
	SessionID     string
	Tasks         []domain.GradingTask
	Questions     []domain.Question
	AnswerKeyURLs []string
	Templates     prompt.Templates
}

// TaskOutcome is the settled record of one task.
type TaskOutcome struct {
	Task       domain.GradingTask
	State      TaskState
	Items      []domain.ResultItem
	OutputText string
	Err        error
	SettledAt  time.Time
}

// taskRun is a queue entry: the task, its session context (gating
// dequeue, not in-flight work), and the channel outcomes return on.
type taskRun struct {
	task       domain.GradingTask
	job        *SessionJob
	sessionCtx context.Context
	outcomes   chan<- TaskOutcome
}

// Scheduler executes grading tasks under a fixed-size worker pool shared
// across the whole process. Construct one at startup with NewScheduler,
// call Start, and Stop on drain; Grade may be called concurrently for
// any number of sessions.
type Scheduler struct {
	cfg     SchedulerConfig
	handler completion.Handler
	store   ResultStore
	clock   Clock
	logger  *slog.Logger
	metrics Metrics

	queue chan *taskRun
	wg    sync.WaitGroup

	inFlightMu sync.Mutex
	inFlight   int

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewScheduler wires a scheduler. Nil clock, logger, or metrics fall back
// to the real clock, slog.Default, and no-op metrics.
func NewScheduler(cfg SchedulerConfig, handler completion.Handler, store ResultStore, clock Clock, logger *slog.Logger, m Metrics) *Scheduler {
	if cfg.Workers < 1 {
		cfg.Workers = DefaultSchedulerConfig().Workers
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = DefaultSchedulerConfig().QueueDepth
	}
	if clock == nil {
		clock = NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = NoOpMetrics{}
	}
	return &Scheduler{
		cfg:     cfg,
		handler: handler,
		store:   store,
		clock:   clock,
		logger:  logger.With("component", "scheduler"),
		metrics: m,
		queue:   make(chan *taskRun, cfg.QueueDepth),
	}
}

// Start launches the worker pool. Safe to call once; subsequent calls
// are no-ops.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		for i := 0; i < s.cfg.Workers; i++ {
			s.wg.Add(1)
			go s.worker()
		}
	})
}

// Stop closes the queue and waits for in-flight tasks to drain. Grade
// must not be called after Stop.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.queue)
		s.wg.Wait()
	})
}

// Grade runs all of a session's tasks to settlement and returns their
// outcomes. Cancelling ctx stops new tasks from starting for this
// session; tasks already in flight finish and persist their results.
// The session status is set to grading on entry and to graded or failed
// on return per the any-success policy.
func (s *Scheduler) Grade(ctx context.Context, job SessionJob) ([]TaskOutcome, error) {
	if len(job.Tasks) == 0 {
		return nil, domain.NewConfigurationError("tasks", "no grading tasks to run")
	}

	// Persistence must survive session cancellation.
	storeCtx := context.WithoutCancel(ctx)

	if err := s.store.SetSessionStatus(storeCtx, job.SessionID, domain.SessionGrading); err != nil {
		return nil, fmt.Errorf("set session status: %w", err)
	}

	// Assessment tasks wait for their rubric sibling; index them by the
	// (instance, try) pair they share.
	type pairKey struct {
		instanceID string
		tryIndex   int
	}
	held := make(map[pairKey]domain.GradingTask)
	var initial []domain.GradingTask
	for _, t := range job.Tasks {
		if t.Stage == domain.StageAssessment {
			held[pairKey{t.ModelInstanceID, t.TryIndex}] = t
		} else {
			initial = append(initial, t)
		}
	}

	outcomes := make(chan TaskOutcome, len(job.Tasks))
	enqueue := func(t domain.GradingTask) {
		s.queue <- &taskRun{task: t, job: &job, sessionCtx: ctx, outcomes: outcomes}
	}
	for _, t := range initial {
		enqueue(t)
	}

	settled := make([]TaskOutcome, 0, len(job.Tasks))
	anyParsed := false

	for len(settled) < len(job.Tasks) {
		outcome := <-outcomes

		for _, item := range outcome.Items {
			if err := s.store.UpsertResult(storeCtx, item); err != nil {
				s.logger.ErrorContext(ctx, "result upsert failed",
					"session_id", job.SessionID,
					"result_key", item.Key(),
					"error", err,
				)
			}
			if item.IsParsed() {
				anyParsed = true
			}
		}
		settled = append(settled, outcome)

		if outcome.Task.Stage != domain.StageRubric {
			continue
		}

		// A settled rubric task releases or blocks its assessment sibling.
		key := pairKey{outcome.Task.ModelInstanceID, outcome.Task.TryIndex}
		assessment, ok := held[key]
		if !ok {
			continue
		}
		delete(held, key)

		if outcome.State == TaskSucceeded {
			assessment.UpstreamText = outcome.OutputText
			enqueue(assessment)
			continue
		}

		// Rubric failed upstream: the assessment stage settles exhausted
		// without ever reaching running.
		blocked := s.settleBlocked(assessment, outcome)
		for _, item := range blocked.Items {
			if err := s.store.UpsertResult(storeCtx, item); err != nil {
				s.logger.ErrorContext(ctx, "result upsert failed",
					"session_id", job.SessionID,
					"result_key", item.Key(),
					"error", err,
				)
			}
		}
		settled = append(settled, blocked)
	}

	status := domain.SessionFailed
	if anyParsed {
		status = domain.SessionGraded
	}
	if err := s.store.SetSessionStatus(storeCtx, job.SessionID, status); err != nil {
		return settled, fmt.Errorf("set session status: %w", err)
	}

	s.logger.InfoContext(ctx, "session settled",
		"session_id", job.SessionID,
		"tasks", len(settled),
		"status", string(status),
	)
	return settled, nil
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for run := range s.queue {
		s.trackInFlight(1)
		outcome := s.execute(run)
		s.trackInFlight(-1)

		s.metrics.TaskSettled(string(run.task.Stage), string(outcome.State))
		run.outcomes <- outcome
	}
}

func (s *Scheduler) trackInFlight(delta int) {
	s.inFlightMu.Lock()
	s.inFlight += delta
	s.metrics.SetInFlight(s.inFlight)
	s.inFlightMu.Unlock()
}

// execute drives one task through its state machine to settlement.
func (s *Scheduler) execute(run *taskRun) TaskOutcome {
	task := run.task

	// Session cancelled while the task sat in the queue: it never runs.
	if run.sessionCtx.Err() != nil {
		return TaskOutcome{Task: task, State: TaskCancelled, Err: run.sessionCtx.Err(), SettledAt: s.clock.Now()}
	}

	start := s.clock.Now()
	defer func() {
		s.metrics.ObserveTaskDuration(string(task.Stage), s.clock.Now().Sub(start))
	}()

	// In-flight calls deliberately outlive session cancellation so
	// completed work is never silently dropped.
	callCtx := context.WithoutCancel(run.sessionCtx)

	var lastErr error
	for attempt := 0; ; attempt++ {
		text, usage, err := s.callTask(callCtx, run, task)
		if err == nil {
			return s.settle(task, run.job, text, usage)
		}
		lastErr = err

		if !completion.IsRetryable(err) || attempt >= s.cfg.Retry.MaxRetries {
			break
		}

		s.metrics.TaskRetried(string(task.Stage))
		wait := s.cfg.Retry.backoffFor(attempt+1, err)
		s.logger.Warn("task retrying",
			"session_id", task.SessionID,
			"task", task.Key(),
			"attempt", attempt+1,
			"backoff", wait.String(),
			"error", err,
		)
		if sleepErr := s.clock.Sleep(run.sessionCtx, wait); sleepErr != nil {
			// Cancelled mid-backoff: settle with what we know.
			lastErr = fmt.Errorf("cancelled during retry backoff: %w", lastErr)
			break
		}
	}

	return s.settleExhausted(task, lastErr)
}

// callTask issues the task's completion calls, one per input batch, and
// concatenates the responses. Any batch failing fails the whole attempt.
func (s *Scheduler) callTask(ctx context.Context, run *taskRun, task domain.GradingTask) (string, domain.TokenUsage, error) {
	var combined []string
	var usage domain.TokenUsage

	batches := task.InputBatches
	if len(batches) == 0 {
		// Tasks with no images still grade from the text prompt alone.
		batches = []domain.ImageBatch{{}}
	}

	for _, batch := range batches {
		req := &completion.Request{
			Model:           task.Spec.Name,
			Messages:        s.messagesFor(run.job, task, batch),
			Reasoning:       task.Spec.Reasoning,
			SessionID:       task.SessionID,
			ModelInstanceID: task.ModelInstanceID,
			TryIndex:        task.TryIndex,
			Timeout:         s.cfg.RequestTimeout,
		}
		resp, err := s.handler.Handle(ctx, req)
		if err != nil {
			return "", usage, err
		}
		combined = append(combined, resp.Content)
		usage.Add(resp.Usage)
	}

	return strings.Join(combined, "\n"), usage, nil
}

func (s *Scheduler) messagesFor(job *SessionJob, task domain.GradingTask, batch domain.ImageBatch) []completion.ChatMessage {
	switch task.Stage {
	case domain.StageRubric:
		return prompt.BuildRubricMessages(prompt.Input{
			AnswerKeyURLs: batch.URLs,
			Questions:     job.Questions,
		})
	case domain.StageAssessment:
		return prompt.BuildMessages(job.Templates, prompt.Input{
			StudentURLs: batch.URLs,
			Questions:   job.Questions,
			RubricText:  task.UpstreamText,
		})
	default:
		return prompt.BuildMessages(job.Templates, prompt.Input{
			StudentURLs:   batch.URLs,
			AnswerKeyURLs: job.AnswerKeyURLs,
			Questions:     job.Questions,
		})
	}
}

// settle converts a completed response into result rows. Rubric output is
// preserved verbatim for the assessment stage; grading output is parsed
// and range-checked per question.
func (s *Scheduler) settle(task domain.GradingTask, job *SessionJob, text string, usage domain.TokenUsage) TaskOutcome {
	now := s.clock.Now()

	if task.Stage == domain.StageRubric {
		if text == "" {
			return TaskOutcome{
				Task:      task,
				State:     TaskValidationFailed,
				Items:     []domain.ResultItem{parseErrorItem(task, usage, "", "empty rubric output")},
				SettledAt: now,
			}
		}
		return TaskOutcome{
			Task:  task,
			State: TaskSucceeded,
			Items: []domain.ResultItem{{
				SessionID:       task.SessionID,
				QuestionID:      domain.RubricQuestionID,
				ModelInstanceID: task.ModelInstanceID,
				TryIndex:        task.TryIndex,
				RawOutput:       truncateRaw(text),
				Usage:           usage,
			}},
			OutputText: text,
			SettledAt:  now,
		}
	}

	validation := ValidateResponse(text, job.Questions)
	if len(validation.Answers) == 0 {
		return TaskOutcome{
			Task:      task,
			State:     TaskValidationFailed,
			Items:     []domain.ResultItem{parseErrorItem(task, usage, validation.RawOutput, validation.Errors...)},
			Err:       errors.New("response validation produced no marks"),
			SettledAt: now,
		}
	}

	state := TaskSucceeded
	if !validation.Parsed() {
		// Rows exist but none carries a usable mark (notes only).
		state = TaskValidationFailed
	}

	items := make([]domain.ResultItem, 0, len(validation.Answers))
	for _, a := range validation.Answers {
		items = append(items, domain.ResultItem{
			SessionID:       task.SessionID,
			QuestionID:      a.QuestionID,
			ModelInstanceID: task.ModelInstanceID,
			TryIndex:        task.TryIndex,
			MarksAwarded:    a.MarksAwarded,
			RubricNotes:     a.RubricNotes,
			Usage:           usage,
		})
	}

	if len(validation.Errors) > 0 {
		s.logger.Warn("response partially valid",
			"session_id", task.SessionID,
			"task", task.Key(),
			"parsed", len(validation.Answers),
			"errors", validation.Errors,
		)
	}

	return TaskOutcome{Task: task, State: state, Items: items, SettledAt: now}
}

// settleExhausted records a terminal failure: one sentinel row with a
// null mark and the error, per the failure-isolation policy.
func (s *Scheduler) settleExhausted(task domain.GradingTask, err error) TaskOutcome {
	reason := "task failed"
	if err != nil {
		reason = err.Error()
	}
	return TaskOutcome{
		Task:      task,
		State:     TaskExhausted,
		Items:     []domain.ResultItem{parseErrorItem(task, domain.TokenUsage{}, "", reason)},
		Err:       err,
		SettledAt: s.clock.Now(),
	}
}

// settleBlocked settles an assessment task whose rubric sibling failed.
// A cancelled rubric means the operator stopped the run, not that the
// pair failed; its sibling is cancelled too and persists nothing.
func (s *Scheduler) settleBlocked(task domain.GradingTask, rubric TaskOutcome) TaskOutcome {
	if rubric.State == TaskCancelled {
		return TaskOutcome{
			Task:      task,
			State:     TaskCancelled,
			Err:       rubric.Err,
			SettledAt: s.clock.Now(),
		}
	}
	depErr := &domain.UpstreamDependencyError{
		RubricTaskKey: rubric.Task.Key(),
		Reason:        fmt.Sprintf("rubric stage settled %s", rubric.State),
	}
	return TaskOutcome{
		Task:      task,
		State:     TaskExhausted,
		Items:     []domain.ResultItem{parseErrorItem(task, domain.TokenUsage{}, "", depErr.Error())},
		Err:       depErr,
		SettledAt: s.clock.Now(),
	}
}

func parseErrorItem(task domain.GradingTask, usage domain.TokenUsage, raw string, errs ...string) domain.ResultItem {
	// Rubric failures keep their own row so they never collide with the
	// paired assessment task's sentinel for the same instance and try.
	questionID := domain.ParseErrorQuestionID
	if task.Stage == domain.StageRubric {
		questionID = domain.RubricQuestionID
	}
	return domain.ResultItem{
		SessionID:        task.SessionID,
		QuestionID:       questionID,
		ModelInstanceID:  task.ModelInstanceID,
		TryIndex:         task.TryIndex,
		RawOutput:        raw,
		ValidationErrors: errs,
		Usage:            usage,
	}
}
