package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/tts-pipeline/internal/api"
	"github.com/book-expert/tts-pipeline/internal/core"
)

type fakeRunner struct {
	mu       sync.Mutex
	requests []core.PipelineRequest
	err      error
	panics   bool
}

func (f *fakeRunner) Run(_ context.Context, req core.PipelineRequest) (*core.Manifest, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.panics {
		panic("engine exploded")
	}

	if f.err != nil {
		return nil, f.err
	}

	return &core.Manifest{
		JobID:       "job-1",
		ContainLang: []core.Language{core.LanguageJapanese, core.LanguageEnglish},
		Duration:    4.5,
		Version:     core.ManifestVersion,
	}, nil
}

func (f *fakeRunner) Segment(input string) []core.Segment {
	half := len([]rune(input)) / 2

	return []core.Segment{
		{Text: string([]rune(input)[:half]), Language: core.LanguageJapanese, Start: 0, End: half},
		{Text: string([]rune(input)[half:]), Language: core.LanguageEnglish, Start: half, End: len([]rune(input))},
	}
}

func (f *fakeRunner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.requests)
}

func createTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	lg, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = lg.Close() })

	return lg
}

func newTestRouter(t *testing.T, runner *fakeRunner) http.Handler {
	t.Helper()

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("pipeline_runs_total 1\n"))
	})

	return api.NewRouter(api.NewHandler(runner, createTestLogger(t)), api.RouterConfig{Metrics: metrics})
}

func serve(handler http.Handler, method, target, body string) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(method, target, strings.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	handler.ServeHTTP(recorder, request)

	return recorder
}

func TestRunPipeline_Success(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	router := newTestRouter(t, runner)

	recorder := serve(router, http.MethodPost, "/v2/tts/pipeline",
		`{"text":"黄昏の駅で","ref_audio_path":"/refs/a.wav","prompt_text":"hi","speed_factor":1.2}`)
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())

	var manifest core.Manifest
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &manifest))
	assert.Equal(t, "job-1", manifest.JobID)
	assert.Equal(t, []core.Language{core.LanguageJapanese, core.LanguageEnglish}, manifest.ContainLang)

	require.Equal(t, 1, runner.calls())

	req := runner.requests[0]
	assert.Equal(t, "黄昏の駅で", req.Text)
	assert.InDelta(t, 1.2, req.SpeedFactor, 1e-9)
	assert.Equal(t, core.DefaultBatchSize, req.BatchSize)
	assert.Equal(t, core.DefaultPromptLang, req.PromptLang)
	assert.NotEmpty(t, recorder.Header().Get("Content-Type"))
}

func TestRunPipeline_RejectsMalformedBodies(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		body string
	}{
		{name: "unknown field", body: `{"text":"hi","ref_audio_path":"/a.wav","voice":"x"}`},
		{name: "not json", body: `text=hi`},
		{name: "two objects", body: `{"text":"hi"} {"text":"again"}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			runner := &fakeRunner{}
			recorder := serve(newTestRouter(t, runner), http.MethodPost, "/v2/tts/pipeline", tc.body)

			require.Equal(t, http.StatusBadRequest, recorder.Code)

			var body core.ErrorBody
			require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
			assert.Equal(t, core.KindValidation, body.Kind)
			assert.Zero(t, runner.calls())
		})
	}
}

func TestRunPipeline_ErrorStatuses(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		err    error
		status int
		kind   core.Kind
	}{
		{core.ErrValidation, http.StatusBadRequest, core.KindValidation},
		{core.ErrJobInProgress, http.StatusConflict, core.KindJobInProgress},
		{core.ErrSynthesisUnavailable, http.StatusBadGateway, core.KindSynthesisUnavailable},
		{core.ErrAlignmentFailure, http.StatusUnprocessableEntity, core.KindAlignmentFailure},
		{core.ErrAudioParameterMismatch, http.StatusInternalServerError, core.KindAudioParameterMismatch},
		{core.ErrStorageFailure, http.StatusBadGateway, core.KindStorageFailure},
		{fmt.Errorf("unexpected"), http.StatusInternalServerError, core.KindInternal},
	}

	for _, tc := range testCases {
		t.Run(string(tc.kind), func(t *testing.T) {
			t.Parallel()

			runner := &fakeRunner{err: fmt.Errorf("job x: %w", tc.err)}
			recorder := serve(newTestRouter(t, runner), http.MethodPost, "/v2/tts/pipeline",
				`{"text":"hi","ref_audio_path":"/a.wav"}`)

			assert.Equal(t, tc.status, recorder.Code)

			var body core.ErrorBody
			require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
			assert.Equal(t, tc.kind, body.Kind)
			assert.Contains(t, body.Message, "job x")
		})
	}
}

func TestRunPipeline_RecoversFromPanic(t *testing.T) {
	t.Parallel()

	recorder := serve(newTestRouter(t, &fakeRunner{panics: true}), http.MethodPost, "/v2/tts/pipeline",
		`{"text":"hi","ref_audio_path":"/a.wav"}`)

	assert.Equal(t, http.StatusInternalServerError, recorder.Code)
}

func TestSegments(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t, &fakeRunner{})

	recorder := serve(router, http.MethodPost, "/v2/text/segments", `{"text":"駅でNext"}`)
	require.Equal(t, http.StatusOK, recorder.Code)

	var response api.SegmentsResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, []core.Language{core.LanguageJapanese, core.LanguageEnglish}, response.ContainLang)
	require.Len(t, response.Segments, 2)
	assert.Contains(t, recorder.Body.String(), `"langcode":"ja"`)

	recorder = serve(router, http.MethodPost, "/v2/text/segments", `{"text":"  "}`)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t, &fakeRunner{})

	recorder := serve(router, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.JSONEq(t, `{"ok":true,"service":"hololang-pipeline","version":"2.0.0"}`, recorder.Body.String())

	recorder = serve(router, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "pipeline_runs_total")
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t, &fakeRunner{})

	request := httptest.NewRequest(http.MethodOptions, "/v2/tts/pipeline", http.NoBody)
	request.Header.Set("Origin", "http://example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	assert.Equal(t, "*", recorder.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.StatusInternalServerError, api.StatusFor(core.Kind("unknown")))
}
