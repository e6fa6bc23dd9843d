package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/tts-pipeline/internal/api"
	"github.com/book-expert/tts-pipeline/internal/core"
)

type fakeService struct {
	mu       sync.Mutex
	requests []core.PipelineRequest
	conflict bool
}

func (f *fakeService) lastRequest() core.PipelineRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.requests[len(f.requests)-1]
}

func (f *fakeService) start(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()

	var server *httptest.Server

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(api.HealthResponse{OK: true, Service: api.ServiceName, Version: core.ManifestVersion})
	})

	mux.HandleFunc("POST /v2/text/segments", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(api.SegmentsResponse{
			ContainLang: []core.Language{core.LanguageJapanese},
			Segments:    []core.Segment{{Text: "駅で", Language: core.LanguageJapanese, Start: 0, End: 2}},
		})
	})

	mux.HandleFunc("POST /v2/tts/pipeline", func(w http.ResponseWriter, r *http.Request) {
		var req core.PipelineRequest

		decodeErr := json.NewDecoder(r.Body).Decode(&req)
		assert.NoError(t, decodeErr)

		f.mu.Lock()
		f.requests = append(f.requests, req)
		conflict := f.conflict
		f.mu.Unlock()

		if conflict {
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(core.ErrorBody{Kind: core.KindJobInProgress, Message: "job j1 is running"})

			return
		}

		_ = json.NewEncoder(w).Encode(core.Manifest{
			JobID:       "j1",
			ContainLang: []core.Language{core.LanguageJapanese},
			Duration:    0.2,
			URLs:        core.ManifestURLs{AudioPresignedURL: server.URL + "/bucket/final.wav", PresignTTLSec: 3600},
			Version:     core.ManifestVersion,
		})
	})

	mux.HandleFunc("GET /bucket/final.wav", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("RIFF-audio"))
	})

	server = httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return server
}

func TestParseFlags(t *testing.T) {
	t.Parallel()

	flags, err := parseFlags([]string{"--text", "Hello, world!", "--timeout", "30s"})
	require.NoError(t, err)

	assert.Equal(t, "Hello, world!", flags.text)
	assert.Equal(t, defaultServiceURL, flags.url)
	assert.Equal(t, core.DefaultPromptLang, flags.promptLang)
	assert.Equal(t, 30*time.Second, flags.timeout)

	_, err = parseFlags([]string{"--no-such-flag"})
	require.Error(t, err)
}

func TestValidateFlags(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		flags   appFlags
		wantErr error
	}{
		{name: "text", flags: appFlags{text: "some text"}},
		{name: "text file", flags: appFlags{textFile: "in.txt"}},
		{name: "both", flags: appFlags{text: "a", textFile: "in.txt"}, wantErr: errCannotSpecifyBoth},
		{name: "neither", flags: appFlags{}, wantErr: errEitherTextOrFile},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := validateFlags(tc.flags)
			if tc.wantErr == nil {
				require.NoError(t, err)

				return
			}

			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestRun_Health(t *testing.T) {
	t.Parallel()

	server := (&fakeService{}).start(t)

	var stdout bytes.Buffer

	err := run([]string{"--url", server.URL, "--health", "--log-dir", t.TempDir()}, &stdout)
	require.NoError(t, err)
	assert.Contains(t, stdout.String(), msgServiceHealthy)
	assert.Contains(t, stdout.String(), api.ServiceName)
}

func TestRun_Segments(t *testing.T) {
	t.Parallel()

	server := (&fakeService{}).start(t)

	var stdout bytes.Buffer

	err := run([]string{"--url", server.URL, "--segments", "--text", "駅で", "--log-dir", t.TempDir()}, &stdout)
	require.NoError(t, err)

	var response api.SegmentsResponse
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &response))
	assert.Equal(t, []core.Language{core.LanguageJapanese}, response.ContainLang)
}

func TestRun_PipelineWithDownload(t *testing.T) {
	t.Parallel()

	service := &fakeService{}
	server := service.start(t)

	dir := t.TempDir()
	textPath := filepath.Join(dir, "input.txt")
	outputPath := filepath.Join(dir, "out", "final.wav")
	require.NoError(t, os.WriteFile(textPath, []byte("黄昏の駅で"), 0o600))

	var stdout bytes.Buffer

	err := run([]string{
		"--url", server.URL + "/",
		"--text-file", textPath,
		"--ref-audio", "/refs/a.wav",
		"--prompt-text", "hello",
		"--job-id", "j1",
		"--output", outputPath,
		"--log-dir", dir,
	}, &stdout)
	require.NoError(t, err)

	req := service.lastRequest()
	assert.Equal(t, "黄昏の駅で", req.Text)
	assert.Equal(t, "j1", req.JobID)
	assert.Equal(t, "/refs/a.wav", req.RefAudioPath)
	assert.Equal(t, core.DefaultBatchSize, req.BatchSize)

	var manifest core.Manifest
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &manifest))
	assert.Equal(t, "j1", manifest.JobID)

	audio, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	assert.Equal(t, "RIFF-audio", string(audio))
}

func TestRun_ServiceErrors(t *testing.T) {
	t.Parallel()

	server := (&fakeService{conflict: true}).start(t)

	err := run([]string{"--url", server.URL, "--text", "hi", "--ref-audio", "/a.wav", "--log-dir", t.TempDir()},
		&bytes.Buffer{})
	require.ErrorIs(t, err, ErrServiceError)
	assert.Contains(t, err.Error(), string(core.KindJobInProgress))
	assert.Contains(t, err.Error(), "job j1 is running")
}

func TestRun_RequiresRefAudio(t *testing.T) {
	t.Parallel()

	err := run([]string{"--text", "hi", "--log-dir", t.TempDir()}, &bytes.Buffer{})
	require.ErrorIs(t, err, errRefAudioRequired)
}
