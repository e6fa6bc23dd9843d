package audio_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/book-expert/tts-pipeline/internal/tts/audio"
)

const floatTolerance = 1e-9

var mono16k = core.WAVParams{SampleRate: 16000, BitDepth: 16, Channels: 1}

func makeWAV(t *testing.T, params core.WAVParams, frames int, value int) []byte {
	t.Helper()

	samples := make([]int, frames*params.Channels)
	for i := range samples {
		samples[i] = value
	}

	data, err := audio.EncodeWAV(params, samples)
	require.NoError(t, err)

	return data
}

func makePart(t *testing.T, params core.WAVParams, frames int, lang core.Language, chars ...core.CharTimestamp) audio.Part {
	t.Helper()

	data := makeWAV(t, params, frames, 100)

	return audio.Part{
		Segment: core.SynthesizedSegment{
			Segment:  core.Segment{Language: lang},
			Audio:    data,
			Params:   params,
			Duration: float64(frames) / float64(params.SampleRate),
		},
		Chars: chars,
	}
}

func TestReadWAV_RoundTrip(t *testing.T) {
	t.Parallel()

	stereo := core.WAVParams{SampleRate: 32000, BitDepth: 16, Channels: 2}
	data := makeWAV(t, stereo, 8000, -42)

	clip, err := audio.ReadWAV(data)
	require.NoError(t, err)

	assert.Equal(t, stereo, clip.Params)
	assert.Equal(t, 8000, clip.Frames)
	assert.InDelta(t, 0.25, clip.Duration, floatTolerance)
	require.Len(t, clip.Buffer.Data, 16000)
	assert.Equal(t, -42, clip.Buffer.Data[0])
}

func TestReadWAV_RejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := audio.ReadWAV([]byte("definitely not a riff file"))
	require.ErrorIs(t, err, audio.ErrInvalidWAV)
}

func TestEncodeWAV_RejectsInvalidParams(t *testing.T) {
	t.Parallel()

	_, err := audio.EncodeWAV(core.WAVParams{SampleRate: 16000, BitDepth: 12, Channels: 1}, nil)
	require.ErrorIs(t, err, audio.ErrInvalidWAV)

	_, err = audio.EncodeWAV(core.WAVParams{SampleRate: 0, BitDepth: 16, Channels: 1}, nil)
	require.ErrorIs(t, err, audio.ErrInvalidWAV)

	_, err = audio.EncodeWAV(core.WAVParams{SampleRate: 16000, BitDepth: 16, Channels: 9}, nil)
	require.ErrorIs(t, err, audio.ErrInvalidWAV)
}

func TestAssemble_ShiftsTimestampsByCumulativeDuration(t *testing.T) {
	t.Parallel()

	parts := []audio.Part{
		makePart(t, mono16k, 8000, core.LanguageJapanese,
			core.CharTimestamp{Char: "駅", Start: 0.0, End: 0.2},
			core.CharTimestamp{Char: "で", Start: 0.2, End: 0.5}),
		makePart(t, mono16k, 16000, core.LanguageEnglish,
			core.CharTimestamp{Char: "N", Start: 0.1, End: 0.3},
			core.CharTimestamp{Char: "e", Start: 0.3, End: 0.4}),
		makePart(t, mono16k, 4000, core.LanguageEnglish,
			core.CharTimestamp{Char: "x", Start: 0.05, End: 0.25}),
	}

	assembly, err := audio.Assemble(parts)
	require.NoError(t, err)

	assert.InDelta(t, 1.75, assembly.Duration, floatTolerance)
	require.Len(t, assembly.Offsets, 3)
	assert.InDelta(t, 0.0, assembly.Offsets[0], floatTolerance)
	assert.InDelta(t, 0.5, assembly.Offsets[1], floatTolerance)
	assert.InDelta(t, 1.5, assembly.Offsets[2], floatTolerance)

	require.Len(t, assembly.Chars, 5)
	assert.InDelta(t, 0.6, assembly.Chars[2].Start, floatTolerance)
	assert.InDelta(t, 0.8, assembly.Chars[2].End, floatTolerance)
	assert.Equal(t, core.LanguageEnglish, assembly.Chars[2].Language)
	assert.InDelta(t, 1.55, assembly.Chars[4].Start, floatTolerance)

	for i := 1; i < len(assembly.Chars); i++ {
		assert.GreaterOrEqual(t, assembly.Chars[i].Start, assembly.Chars[i-1].Start)
	}

	clip, err := audio.ReadWAV(assembly.Audio)
	require.NoError(t, err)
	assert.Equal(t, mono16k, clip.Params)
	assert.Equal(t, 28000, clip.Frames)
}

func TestAssemble_ClampsLocalTimestamps(t *testing.T) {
	t.Parallel()

	parts := []audio.Part{
		makePart(t, mono16k, 8000, core.LanguageChinese,
			core.CharTimestamp{Char: "a", Start: 0.4, End: 0.9}),
		makePart(t, mono16k, 8000, core.LanguageChinese,
			core.CharTimestamp{Char: "b", Start: 0.1, End: 0.2}),
	}

	assembly, err := audio.Assemble(parts)
	require.NoError(t, err)

	require.Len(t, assembly.Chars, 2)
	assert.InDelta(t, 0.5, assembly.Chars[0].End, floatTolerance)
	assert.LessOrEqual(t, assembly.Chars[0].End, assembly.Chars[1].Start)
	assert.InDelta(t, 0.6, assembly.Chars[1].Start, floatTolerance)
}

func TestAssemble_SampleRateMismatch(t *testing.T) {
	t.Parallel()

	other := core.WAVParams{SampleRate: 32000, BitDepth: 16, Channels: 1}
	parts := []audio.Part{
		makePart(t, mono16k, 1600, core.LanguageJapanese),
		makePart(t, other, 3200, core.LanguageEnglish),
	}

	assembly, err := audio.Assemble(parts)
	require.ErrorIs(t, err, core.ErrAudioParameterMismatch)
	assert.Nil(t, assembly)
}

func TestAssemble_DeclaredParamsMustMatchAudio(t *testing.T) {
	t.Parallel()

	part := makePart(t, mono16k, 1600, core.LanguageEnglish)
	part.Segment.Params = core.WAVParams{SampleRate: 48000, BitDepth: 16, Channels: 1}

	_, err := audio.Assemble([]audio.Part{part})
	require.ErrorIs(t, err, core.ErrAudioParameterMismatch)
}

func TestAssemble_NoParts(t *testing.T) {
	t.Parallel()

	_, err := audio.Assemble(nil)
	require.ErrorIs(t, err, audio.ErrNoParts)
}

func TestAssembler_SilenceBetween(t *testing.T) {
	t.Parallel()

	parts := []audio.Part{
		makePart(t, mono16k, 8000, core.LanguageChinese),
		makePart(t, mono16k, 8000, core.LanguageEnglish,
			core.CharTimestamp{Char: "h", Start: 0, End: 0.1}),
	}

	assembly, err := audio.NewAssembler(250 * time.Millisecond).Assemble(parts)
	require.NoError(t, err)

	assert.InDelta(t, 1.25, assembly.Duration, floatTolerance)
	assert.InDelta(t, 0.75, assembly.Offsets[1], floatTolerance)
	require.Len(t, assembly.Chars, 1)
	assert.InDelta(t, 0.75, assembly.Chars[0].Start, floatTolerance)
}

func TestAssembler_SilenceLevelFollowsBitDepth(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		params  core.WAVParams
		silence int
	}{
		{name: "unsigned 8-bit", params: core.WAVParams{SampleRate: 8000, BitDepth: 8, Channels: 1}, silence: 128},
		{name: "signed 16-bit", params: core.WAVParams{SampleRate: 8000, BitDepth: 16, Channels: 1}, silence: 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			parts := []audio.Part{
				makePart(t, tc.params, 800, core.LanguageChinese),
				makePart(t, tc.params, 800, core.LanguageEnglish),
			}

			assembly, err := audio.NewAssembler(100 * time.Millisecond).Assemble(parts)
			require.NoError(t, err)

			clip, err := audio.ReadWAV(assembly.Audio)
			require.NoError(t, err)
			require.Len(t, clip.Buffer.Data, 2400)

			assert.Equal(t, 100, clip.Buffer.Data[799])
			assert.Equal(t, tc.silence, clip.Buffer.Data[800])
			assert.Equal(t, tc.silence, clip.Buffer.Data[1599])
			assert.Equal(t, 100, clip.Buffer.Data[1600])
		})
	}
}
