package audio

import (
	"fmt"
	"math"
	"time"

	"github.com/book-expert/tts-pipeline/internal/core"
)

const (
	errFmtParamMismatch = "%w: segment %d is %s, segment 0 is %s"
	errFmtDecodePart    = "segment %d: %w"
	unsigned8BitSilence = 128
)

// Part is one synthesised segment with its segment-local character timestamps.
type Part struct {
	Segment core.SynthesizedSegment
	Chars   []core.CharTimestamp
}

// Assembly is the concatenated audio and its global character timeline.
type Assembly struct {
	Audio    []byte
	Params   core.WAVParams
	Chars    []core.TimedChar
	Duration float64
	// Offsets holds the global start time of each part, in seconds.
	Offsets []float64
}

// Assembler concatenates parts, optionally inserting silence between them.
type Assembler struct {
	silenceBetween time.Duration
}

// NewAssembler creates an assembler that pads silenceBetween between consecutive parts.
// Negative values are treated as zero.
func NewAssembler(silenceBetween time.Duration) *Assembler {
	return &Assembler{silenceBetween: max(silenceBetween, 0)}
}

// Assemble concatenates parts back to back.
func Assemble(parts []Part) (*Assembly, error) {
	return NewAssembler(0).Assemble(parts)
}

// Assemble checks that every part shares the WAV parameters of the first, joins
// their PCM frames into one WAV, and shifts each part's timestamps by the
// duration of everything before it. Local timestamps are clamped to the part's
// own duration so the global timeline stays non-decreasing.
func (a *Assembler) Assemble(parts []Part) (*Assembly, error) {
	if len(parts) == 0 {
		return nil, ErrNoParts
	}

	reference := parts[0].Segment.Params
	for i, part := range parts[1:] {
		if part.Segment.Params != reference {
			return nil, fmt.Errorf(errFmtParamMismatch,
				core.ErrAudioParameterMismatch, i+1, part.Segment.Params, reference)
		}
	}

	clips := make([]*Clip, len(parts))
	for i, part := range parts {
		clip, err := ReadWAV(part.Segment.Audio)
		if err != nil {
			return nil, fmt.Errorf(errFmtDecodePart, i, err)
		}

		if clip.Params != reference {
			return nil, fmt.Errorf(errFmtParamMismatch,
				core.ErrAudioParameterMismatch, i, clip.Params, reference)
		}

		clips[i] = clip
	}

	silenceFrames := int(math.Round(a.silenceBetween.Seconds() * float64(reference.SampleRate)))
	silenceSamples := silenceFrames * reference.Channels
	silenceDuration := float64(silenceFrames) / float64(reference.SampleRate)

	totalSamples := 0
	for _, clip := range clips {
		totalSamples += len(clip.Buffer.Data)
	}

	totalSamples += silenceSamples * (len(clips) - 1)

	samples := make([]int, 0, totalSamples)
	offsets := make([]float64, len(parts))
	chars := make([]core.TimedChar, 0)
	offset := 0.0

	for i, clip := range clips {
		if i > 0 && silenceSamples > 0 {
			samples = appendSilence(samples, silenceSamples, reference.BitDepth)
			offset += silenceDuration
		}

		offsets[i] = offset
		samples = append(samples, clip.Buffer.Data...)
		chars = appendShifted(chars, parts[i], clip.Duration, offset)
		offset += clip.Duration
	}

	encoded, err := EncodeWAV(reference, samples)
	if err != nil {
		return nil, err
	}

	return &Assembly{
		Audio:    encoded,
		Params:   reference,
		Chars:    chars,
		Duration: float64(len(samples)/reference.Channels) / float64(reference.SampleRate),
		Offsets:  offsets,
	}, nil
}

// appendSilence pads n samples of silence. 8-bit PCM is unsigned, so its midpoint is silence.
func appendSilence(samples []int, n, bitDepth int) []int {
	level := 0
	if bitDepth == BIT_DEPTH_8 {
		level = unsigned8BitSilence
	}

	for range n {
		samples = append(samples, level)
	}

	return samples
}

func appendShifted(chars []core.TimedChar, part Part, duration, offset float64) []core.TimedChar {
	for _, local := range part.Chars {
		start := clamp(local.Start, 0, duration)
		end := clamp(local.End, start, duration)

		chars = append(chars, core.TimedChar{
			CharTimestamp: core.CharTimestamp{
				Char:  local.Char,
				Start: start + offset,
				End:   end + offset,
			},
			Language: part.Segment.Language,
		})
	}

	return chars
}

func clamp(value, low, high float64) float64 {
	return math.Min(math.Max(value, low), high)
}
