package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gradebench/gradebench/internal/completion"
	"github.com/gradebench/gradebench/internal/domain"
	"github.com/gradebench/gradebench/internal/grading"
	"github.com/gradebench/gradebench/internal/prompt"
	"github.com/gradebench/gradebench/internal/stats"
	"github.com/gradebench/gradebench/internal/store"
)

const gradedJSON = `{"answers":[{"question_id":"Q1","marks_awarded":10},{"question_id":"Q2","marks_awarded":12}]}`

type fixture struct {
	server *Server
	store  *store.MemoryStore
	ts     *httptest.Server
}

func newFixture(t *testing.T, handle completion.HandlerFunc) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if handle == nil {
		handle = func(_ context.Context, _ *completion.Request) (*completion.Response, error) {
			return &completion.Response{Content: gradedJSON}, nil
		}
	}

	st := store.NewMemoryStore()
	cfg := grading.DefaultSchedulerConfig()
	cfg.Workers = 2
	scheduler := grading.NewScheduler(cfg, handle, st, nil, logger, nil)
	scheduler.Start()
	t.Cleanup(scheduler.Stop)

	server := NewServer(
		st,
		scheduler,
		stats.NewCalculator(stats.DefaultRangeThresholds(), logger),
		prompt.DefaultBatchConfig(),
		prompt.Templates{},
		logger,
	)
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return &fixture{server: server, store: st, ts: ts}
}

func (f *fixture) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.ts.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func (f *fixture) createSession(t *testing.T) string {
	t.Helper()
	resp := f.postJSON(t, "/sessions", CreateSessionRequest{
		Questions: []domain.Question{
			{QuestionID: "Q1", Number: 1, MaxMarks: 10},
			{QuestionID: "Q2", Number: 2, MaxMarks: 15},
		},
		HumanMarks: map[string]float64{"Q1": 10, "Q2": 14},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var session domain.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&session))
	require.NotEmpty(t, session.ID)
	return session.ID
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)
	resp, err := http.Get(f.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	sessionID := f.createSession(t)

	resp, err := http.Get(f.ts.URL + "/sessions/" + sessionID)
	require.NoError(t, err)
	session := decodeJSON[domain.Session](t, resp)
	assert.Equal(t, domain.SessionCreated, session.Status)

	resp, err = http.Get(f.ts.URL + "/sessions/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGrade_FullFlow(t *testing.T) {
	f := newFixture(t, nil)
	sessionID := f.createSession(t)

	resp := f.postJSON(t, "/grade/single", GradeRequest{
		SessionID:        sessionID,
		Models:           []domain.ModelSpec{{Name: "openai/gpt-4o", Tries: 1}},
		StudentImageURLs: []string{"https://img.test/s1 p1.png"},
		PagesPerStudent:  1,
	})
	accepted := decodeJSON[map[string]any](t, resp)
	assert.Equal(t, float64(1), accepted["task_count"])

	// The run is asynchronous; wait for settlement.
	require.Eventually(t, func() bool {
		session, err := f.store.ReadSession(context.Background(), sessionID)
		return err == nil && session.Status == domain.SessionGraded
	}, 5*time.Second, 10*time.Millisecond)

	statsResp, err := http.Get(f.ts.URL + "/stats/" + sessionID)
	require.NoError(t, err)
	report := decodeJSON[domain.DiscrepancyReport](t, statsResp)
	require.Len(t, report.Models, 1)
	attempt := report.Models[0].Attempts[0]
	assert.Equal(t, 50.0, attempt.Metrics.DiscrepanciesPct)
	assert.Equal(t, 88.0, attempt.Metrics.TotalScore)

	// The computed report was also persisted.
	saved, err := f.store.ReadReport(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, report.SessionID, saved.SessionID)
}

func TestGrade_ValidationFailures(t *testing.T) {
	f := newFixture(t, nil)
	sessionID := f.createSession(t)

	tests := []struct {
		name string
		req  GradeRequest
		want int
	}{
		{
			name: "missing session id",
			req:  GradeRequest{Models: []domain.ModelSpec{{Name: "openai/gpt-4o"}}},
			want: http.StatusBadRequest,
		},
		{
			name: "unknown session",
			req: GradeRequest{
				SessionID: "does-not-exist",
				Models:    []domain.ModelSpec{{Name: "openai/gpt-4o"}},
			},
			want: http.StatusNotFound,
		},
		{
			name: "no models",
			req:  GradeRequest{SessionID: sessionID},
			want: http.StatusBadRequest,
		},
		{
			name: "empty model name",
			req: GradeRequest{
				SessionID: sessionID,
				Models:    []domain.ModelSpec{{Name: ""}},
			},
			want: http.StatusBadRequest,
		},
		{
			name: "oversized student page count",
			req: GradeRequest{
				SessionID:        sessionID,
				Models:           []domain.ModelSpec{{Name: "openai/gpt-4o"}},
				StudentImageURLs: manyURLs(20),
				PagesPerStudent:  20,
			},
			want: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.postJSON(t, "/grade/single", tt.req)
			resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func manyURLs(n int) []string {
	urls := make([]string, n)
	for i := range urls {
		urls[i] = "https://img.test/page.png"
	}
	return urls
}

func TestStats_UnknownSession(t *testing.T) {
	f := newFixture(t, nil)
	resp, err := http.Get(f.ts.URL + "/stats/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGrade_ProviderFailureStillSettles(t *testing.T) {
	f := newFixture(t, func(_ context.Context, _ *completion.Request) (*completion.Response, error) {
		return nil, &completion.ProviderError{StatusCode: 401, Type: completion.ErrorTypeAuth, Message: "bad key"}
	})
	sessionID := f.createSession(t)

	resp := f.postJSON(t, "/grade/single", GradeRequest{
		SessionID: sessionID,
		Models:    []domain.ModelSpec{{Name: "openai/gpt-4o", Tries: 1}},
	})
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		session, err := f.store.ReadSession(context.Background(), sessionID)
		return err == nil && session.Status == domain.SessionFailed
	}, 5*time.Second, 10*time.Millisecond)

	// The failure is visible in the result rows, not swallowed.
	rows, err := f.store.ReadResults(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].MarksAwarded)
	assert.NotEmpty(t, rows[0].ValidationErrors)
}

func TestGrade_ConfigurationErrorFailsSession(t *testing.T) {
	f := newFixture(t, nil)
	sessionID := f.createSession(t)

	resp := f.postJSON(t, "/grade/single", GradeRequest{SessionID: sessionID})
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	session, err := f.store.ReadSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionFailed, session.Status)
}

func TestGrade_AnswerKeyImagesCountAgainstCeiling(t *testing.T) {
	var mu sync.Mutex
	var seen []*completion.Request
	f := newFixture(t, func(_ context.Context, req *completion.Request) (*completion.Response, error) {
		mu.Lock()
		seen = append(seen, req)
		mu.Unlock()
		return &completion.Response{Content: gradedJSON}, nil
	})
	sessionID := f.createSession(t)

	// Eight single-page students plus a two-page answer key: without
	// reserving key capacity every call would carry ten images against
	// the default ceiling of eight.
	resp := f.postJSON(t, "/grade/single", GradeRequest{
		SessionID:          sessionID,
		Models:             []domain.ModelSpec{{Name: "openai/gpt-4o", Tries: 1}},
		StudentImageURLs:   manyURLs(8),
		AnswerKeyImageURLs: []string{"https://img.test/key1.png", "https://img.test/key2.png"},
		PagesPerStudent:    1,
	})
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		session, err := f.store.ReadSession(context.Background(), sessionID)
		return err == nil && session.Status == domain.SessionGraded
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	for _, req := range seen {
		images := 0
		for _, msg := range req.Messages {
			for _, part := range msg.Parts {
				if part.Type == completion.PartImageURL {
					images++
				}
			}
		}
		assert.LessOrEqual(t, images, prompt.DefaultMaxImagesPerRequest,
			"single call exceeds the per-request image ceiling")
		assert.GreaterOrEqual(t, images, 3, "call should still carry students plus the answer key")
	}
}

func TestReport_ServesPersistedReport(t *testing.T) {
	f := newFixture(t, nil)
	sessionID := f.createSession(t)

	resp, err := http.Get(f.ts.URL + "/reports/" + sessionID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "no report before stats are computed")

	gradeResp := f.postJSON(t, "/grade/single", GradeRequest{
		SessionID:        sessionID,
		Models:           []domain.ModelSpec{{Name: "openai/gpt-4o", Tries: 1}},
		StudentImageURLs: []string{"https://img.test/s1p1.png"},
	})
	gradeResp.Body.Close()

	require.Eventually(t, func() bool {
		session, err := f.store.ReadSession(context.Background(), sessionID)
		return err == nil && session.Status == domain.SessionGraded
	}, 5*time.Second, 10*time.Millisecond)

	statsResp, err := http.Get(f.ts.URL + "/stats/" + sessionID)
	require.NoError(t, err)
	computed := decodeJSON[domain.DiscrepancyReport](t, statsResp)

	reportResp, err := http.Get(f.ts.URL + "/reports/" + sessionID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, reportResp.StatusCode)
	saved := decodeJSON[domain.DiscrepancyReport](t, reportResp)
	assert.Equal(t, computed.SessionID, saved.SessionID)
	assert.Equal(t, len(computed.Models), len(saved.Models))
}
