// Package audio decodes engine WAV output and assembles per-segment audio into a
// single WAV on a shared timeline.
package audio

import (
	"bytes"
	"errors"
	"fmt"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/book-expert/tts-pipeline/internal/core"
)

// Constants for supported bit depths.
const (
	BIT_DEPTH_8  = 8
	BIT_DEPTH_16 = 16
	BIT_DEPTH_24 = 24
	BIT_DEPTH_32 = 32
)

// Constants for parameter validation limits.
const (
	MAX_SAMPLE_RATE = 192000
	MAX_CHANNELS    = 8
	wavFormatPCM    = 1
)

// Constants for error messages and formats.
const (
	ERR_FMT_SAMPLE_RATE_RANGE = "%w: sample rate must be between 1 and %d Hz, got %d"
	ERR_FMT_BIT_DEPTH_VALUES  = "%w: bit depth must be 8, 16, 24, or 32, got %d"
	ERR_FMT_CHANNELS_RANGE    = "%w: channels must be between 1 and %d, got %d"
	ERR_FMT_NOT_PCM           = "%w: only PCM WAV is supported, got format %d"
	ERR_FMT_DECODE            = "%w: %w"
	ERR_FMT_ENCODE            = "failed to encode WAV: %w"
)

// Common errors for the audio package.
var (
	// ErrInvalidWAV indicates bytes that are not a decodable PCM WAV.
	ErrInvalidWAV = errors.New("invalid WAV data")
	// ErrNoParts indicates an assembly request without audio.
	ErrNoParts = errors.New("no audio parts to assemble")
)

// Clip is a decoded WAV payload.
type Clip struct {
	Params   core.WAVParams
	Buffer   *goaudio.IntBuffer
	Frames   int
	Duration float64
}

// ReadWAV decodes data and reports its parameters, frame count and duration in seconds.
func ReadWAV(data []byte) (*Clip, error) {
	decoder := wav.NewDecoder(bytes.NewReader(data))
	decoder.ReadInfo()

	err := decoder.Err()
	if err != nil {
		return nil, fmt.Errorf(ERR_FMT_DECODE, ErrInvalidWAV, err)
	}

	if decoder.WavAudioFormat != wavFormatPCM {
		return nil, fmt.Errorf(ERR_FMT_NOT_PCM, ErrInvalidWAV, decoder.WavAudioFormat)
	}

	params := core.WAVParams{
		SampleRate: int(decoder.SampleRate),
		BitDepth:   int(decoder.BitDepth),
		Channels:   int(decoder.NumChans),
	}

	err = validateParams(params)
	if err != nil {
		return nil, err
	}

	buffer, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf(ERR_FMT_DECODE, ErrInvalidWAV, err)
	}

	frames := len(buffer.Data) / params.Channels

	return &Clip{
		Params:   params,
		Buffer:   buffer,
		Frames:   frames,
		Duration: float64(frames) / float64(params.SampleRate),
	}, nil
}

// EncodeWAV writes interleaved samples as a PCM WAV with the given parameters.
func EncodeWAV(params core.WAVParams, samples []int) ([]byte, error) {
	err := validateParams(params)
	if err != nil {
		return nil, err
	}

	out := &writeSeeker{}
	encoder := wav.NewEncoder(out, params.SampleRate, params.BitDepth, params.Channels, wavFormatPCM)

	buffer := &goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: params.Channels,
			SampleRate:  params.SampleRate,
		},
		Data:           samples,
		SourceBitDepth: params.BitDepth,
	}

	err = encoder.Write(buffer)
	if err != nil {
		return nil, fmt.Errorf(ERR_FMT_ENCODE, err)
	}

	err = encoder.Close()
	if err != nil {
		return nil, fmt.Errorf(ERR_FMT_ENCODE, err)
	}

	return out.Bytes(), nil
}

func validateParams(params core.WAVParams) error {
	if params.SampleRate <= 0 || params.SampleRate > MAX_SAMPLE_RATE {
		return fmt.Errorf(ERR_FMT_SAMPLE_RATE_RANGE, ErrInvalidWAV, MAX_SAMPLE_RATE, params.SampleRate)
	}

	switch params.BitDepth {
	case BIT_DEPTH_8, BIT_DEPTH_16, BIT_DEPTH_24, BIT_DEPTH_32:
	default:
		return fmt.Errorf(ERR_FMT_BIT_DEPTH_VALUES, ErrInvalidWAV, params.BitDepth)
	}

	if params.Channels <= 0 || params.Channels > MAX_CHANNELS {
		return fmt.Errorf(ERR_FMT_CHANNELS_RANGE, ErrInvalidWAV, MAX_CHANNELS, params.Channels)
	}

	return nil
}
