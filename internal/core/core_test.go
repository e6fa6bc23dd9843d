package core_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/tts-pipeline/internal/core"
)

func validRequest() core.PipelineRequest {
	req := core.NewPipelineRequest()
	req.Text = "hello"
	req.RefAudioPath = "/refs/voice.wav"
	req.PromptText = "reference transcript"

	return req
}

func TestPipelineRequest_DecodeKeepsDefaults(t *testing.T) {
	t.Parallel()

	req := core.NewPipelineRequest()
	err := json.Unmarshal([]byte(`{"text":"  hi  ","ref_audio_path":"/r.wav","prompt_text":"ref","top_k":9}`), &req)
	require.NoError(t, err)

	req.Normalize()

	assert.Equal(t, "hi", req.Text)
	assert.Equal(t, 9, req.TopK)
	assert.Equal(t, core.DefaultBatchSize, req.BatchSize)
	assert.Equal(t, core.MediaTypeWAV, req.MediaType)
	assert.Equal(t, core.DefaultSeed, req.Seed)
	assert.True(t, req.SplitBucket)
	require.NoError(t, req.Validate())
}

func TestPipelineRequest_Validate(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		mutate func(r *core.PipelineRequest)
		want   error
	}{
		{"empty text", func(r *core.PipelineRequest) { r.Text = "   " }, core.ErrTextEmpty},
		{"missing ref audio", func(r *core.PipelineRequest) { r.RefAudioPath = "" }, core.ErrRefAudioPathEmpty},
		{"missing prompt text", func(r *core.PipelineRequest) { r.PromptText = " " }, core.ErrPromptTextEmpty},
		{"missing prompt lang", func(r *core.PipelineRequest) { r.PromptLang = "" }, core.ErrPromptLangEmpty},
		{"mp3 output", func(r *core.PipelineRequest) { r.MediaType = "mp3" }, core.ErrUnsupportedMediaType},
		{"batch size", func(r *core.PipelineRequest) { r.BatchSize = 0 }, core.ErrBatchSizeRange},
		{"batch threshold", func(r *core.PipelineRequest) { r.BatchThreshold = 1.5 }, core.ErrBatchThresholdRange},
		{"fragment interval", func(r *core.PipelineRequest) { r.FragmentInterval = -1 }, core.ErrFragmentIntervalRange},
		{"speed factor", func(r *core.PipelineRequest) { r.SpeedFactor = 0 }, core.ErrSpeedFactorRange},
		{"top k", func(r *core.PipelineRequest) { r.TopK = -1 }, core.ErrTopKRange},
		{"top p", func(r *core.PipelineRequest) { r.TopP = 0 }, core.ErrTopPRange},
		{"temperature", func(r *core.PipelineRequest) { r.Temperature = 0 }, core.ErrTemperatureRange},
		{"repetition penalty", func(r *core.PipelineRequest) { r.RepetitionPenalty = -0.5 }, core.ErrRepetitionPenaltyRange},
		{"sample steps", func(r *core.PipelineRequest) { r.SampleSteps = 0 }, core.ErrSampleStepsRange},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			req := validRequest()
			tc.mutate(&req)

			err := req.Validate()
			require.Error(t, err)
			require.ErrorIs(t, err, tc.want)
			require.ErrorIs(t, err, core.ErrValidation)
			assert.Equal(t, core.KindValidation, core.KindOf(err))
		})
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, core.KindSynthesisUnavailable,
		core.KindOf(fmt.Errorf("segment 2: %w", core.ErrSynthesisUnavailable)))
	assert.Equal(t, core.KindAlignmentFailure, core.KindOf(core.ErrAlignmentFailure))
	assert.Equal(t, core.KindAudioParameterMismatch, core.KindOf(core.ErrAudioParameterMismatch))
	assert.Equal(t, core.KindStorageFailure, core.KindOf(core.ErrStorageFailure))
	assert.Equal(t, core.KindJobInProgress, core.KindOf(core.ErrJobInProgress))
	assert.Equal(t, core.KindInternal, core.KindOf(errors.New("boom")))

	body := core.NewErrorBody(fmt.Errorf("upload: %w", core.ErrStorageFailure))
	assert.Equal(t, core.KindStorageFailure, body.Kind)
	assert.Equal(t, "upload: storage failure", body.Message)
}

func TestParseLanguage(t *testing.T) {
	t.Parallel()

	lang, err := core.ParseLanguage(" JA ")
	require.NoError(t, err)
	assert.Equal(t, core.LanguageJapanese, lang)

	_, err = core.ParseLanguage("fr")
	require.ErrorIs(t, err, core.ErrValidation)
}

func TestCharTimestamp_Validate(t *testing.T) {
	t.Parallel()

	require.NoError(t, core.CharTimestamp{Char: "a", Start: 0.1, End: 0.1}.Validate())
	require.ErrorIs(t, core.CharTimestamp{Char: "a", Start: -0.1, End: 0.1}.Validate(), core.ErrAlignmentFailure)
	require.ErrorIs(t, core.CharTimestamp{Char: "a", Start: 0.5, End: 0.1}.Validate(), core.ErrAlignmentFailure)
}

func TestManifest_JSONShape(t *testing.T) {
	t.Parallel()

	created := time.Date(2025, 3, 1, 12, 30, 45, 123456000, time.UTC)
	manifest := core.Manifest{
		JobID:       "job-1",
		CreatedAt:   core.FormatCreatedAt(created),
		ContainLang: []core.Language{core.LanguageJapanese, core.LanguageEnglish},
		Duration:    1.5,
		Keys:        core.ManifestKeys{Audio: "tts/job-1/final.wav", Chars: "tts/job-1/chars_merged.json"},
		ETag:        core.ManifestKeys{Audio: "a", Chars: "c"},
		URLs:        core.ManifestURLs{AudioPresignedURL: "http://a", CharsPresignedURL: "http://c", PresignTTLSec: 3600},
		Version:     core.ManifestVersion,
	}

	raw, err := json.Marshal(manifest)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.Equal(t, "2025-03-01T12:30:45.123456Z", decoded["created_at"])
	assert.Equal(t, []any{"ja", "en"}, decoded["contain_lang"])
	assert.Equal(t, "2.0.0", decoded["version"])
	assert.Contains(t, decoded, "keys")
	assert.Contains(t, decoded, "etag")

	urls, ok := decoded["urls"].(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, 3600, urls["presign_ttl_sec"], 0)
}

func TestTimedChar_JSONShape(t *testing.T) {
	t.Parallel()

	row := core.TimedChar{
		CharTimestamp: core.CharTimestamp{Char: "駅", Start: 0.25, End: 0.5},
		Language:      core.LanguageJapanese,
	}

	raw, err := json.Marshal(row)
	require.NoError(t, err)
	assert.JSONEq(t, `{"char":"駅","start":0.25,"end":0.5,"lang":"ja"}`, string(raw))
}
