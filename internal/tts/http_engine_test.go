package tts_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/book-expert/tts-pipeline/internal/tts"
	"github.com/book-expert/tts-pipeline/internal/tts/audio"
)

var engineParams = core.WAVParams{SampleRate: 16000, BitDepth: 16, Channels: 1}

func createTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	lg, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = lg.Close() })

	return lg
}

// framesPerRune makes the synthesised duration proportional to the text length.
const framesPerRune = 1600

func createMockTTSServer(t *testing.T, inFlight, peak *atomic.Int32) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := inFlight.Add(1)
		defer inFlight.Add(-1)

		for {
			observed := peak.Load()
			if current <= observed || peak.CompareAndSwap(observed, current) {
				break
			}
		}

		var req tts.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)

			return
		}

		if req.Text == "fail" {
			http.Error(w, "boom", http.StatusInternalServerError)

			return
		}

		time.Sleep(10 * time.Millisecond)

		samples := make([]int, len([]rune(req.Text))*framesPerRune)

		data, err := audio.EncodeWAV(engineParams, samples)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)

			return
		}

		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(data)
	}))
}

func segmentsOf(texts ...string) []core.Segment {
	segments := make([]core.Segment, 0, len(texts))
	start := 0

	for _, text := range texts {
		end := start + len([]rune(text))
		segments = append(segments, core.Segment{
			Text:     text,
			Language: core.LanguageEnglish,
			Start:    start,
			End:      end,
		})
		start = end
	}

	return segments
}

func newTestEngine(t *testing.T, serverURL string, concurrency int) *tts.Engine {
	t.Helper()

	client := tts.NewHTTPClient(serverURL, 5*time.Second)

	return tts.NewEngine(client, createTestLogger(t), concurrency)
}

func engineConfig() core.EngineConfig {
	cfg := core.DefaultEngineConfig()
	cfg.RefAudioPath = "/refs/voice.wav"

	return cfg
}

func TestEngine_SynthesizeAll_PreservesOrder(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32

	server := createMockTTSServer(t, &inFlight, &peak)
	defer server.Close()

	engine := newTestEngine(t, server.URL, 3)
	segments := segmentsOf("one", "three", "a", "fifteen")

	results, err := engine.SynthesizeAll(context.Background(), segments, engineConfig())
	require.NoError(t, err)
	require.Len(t, results, len(segments))

	for i, result := range results {
		assert.Equal(t, segments[i], result.Segment)
		assert.Equal(t, engineParams, result.Params)

		expected := float64(len([]rune(segments[i].Text))*framesPerRune) / float64(engineParams.SampleRate)
		assert.InDelta(t, expected, result.Duration, 1e-9)
	}

	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestEngine_SynthesizeAll_SequentialByDefault(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32

	server := createMockTTSServer(t, &inFlight, &peak)
	defer server.Close()

	engine := newTestEngine(t, server.URL, 0)

	_, err := engine.SynthesizeAll(context.Background(), segmentsOf("a", "b", "c", "d"), engineConfig())
	require.NoError(t, err)
	assert.Equal(t, int32(1), peak.Load())
}

func TestEngine_SynthesizeAll_FailureAbortsBatch(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32

	server := createMockTTSServer(t, &inFlight, &peak)
	defer server.Close()

	engine := newTestEngine(t, server.URL, 2)

	results, err := engine.SynthesizeAll(context.Background(), segmentsOf("ok", "fail", "ok"), engineConfig())
	require.ErrorIs(t, err, core.ErrSynthesisUnavailable)
	assert.Nil(t, results)
}

type staticGenerator struct {
	mu    sync.Mutex
	calls int
	data  []byte
}

func (g *staticGenerator) GenerateSpeech(_ context.Context, _ tts.Request) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls++

	return g.data, nil
}

func TestEngine_Synthesize_UndecodableAudio(t *testing.T) {
	t.Parallel()

	generator := &staticGenerator{data: []byte("not a wav")}
	engine := tts.NewEngine(generator, createTestLogger(t), 1)

	_, err := engine.Synthesize(context.Background(), segmentsOf("hi")[0], engineConfig())
	require.ErrorIs(t, err, core.ErrSynthesisUnavailable)
	require.ErrorIs(t, err, audio.ErrInvalidWAV)
	assert.Equal(t, 1, generator.calls)
}
