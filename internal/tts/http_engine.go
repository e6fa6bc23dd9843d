package tts

import (
	"context"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"golang.org/x/sync/errgroup"

	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/book-expert/tts-pipeline/internal/tts/audio"
	"github.com/book-expert/tts-pipeline/internal/tts/ttsutils"
)

const (
	// HealthCheckTimeout bounds a single engine health check.
	HealthCheckTimeout = 10 * time.Second
	// DefaultConcurrency synthesises segments one at a time.
	DefaultConcurrency = 1
)

const (
	errFmtSegmentFailed      = "segment %d (%s): %w"
	errFmtUndecodableAudio   = "%w: engine returned undecodable audio: %w"
	logFmtSegmentSynthesized = "Synthesized segment %d/%d [%s] %d runes -> %s (%s)"
	logFmtSegmentFailed      = "Failed to synthesize segment %d/%d [%s]: %v"
)

// SpeechGenerator is the engine call the Engine depends on.
type SpeechGenerator interface {
	GenerateSpeech(ctx context.Context, req Request) ([]byte, error)
}

// Engine turns pipeline segments into decoded WAV audio using the TTS engine.
type Engine struct {
	client      SpeechGenerator
	logger      *logger.Logger
	concurrency int
}

// NewEngine creates an Engine that keeps at most concurrency engine calls in flight.
// Values below one fall back to DefaultConcurrency.
func NewEngine(client SpeechGenerator, log *logger.Logger, concurrency int) *Engine {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}

	return &Engine{
		client:      client,
		logger:      log,
		concurrency: concurrency,
	}
}

// Synthesize generates and decodes the audio for one segment.
func (e *Engine) Synthesize(ctx context.Context, segment core.Segment, cfg core.EngineConfig) (core.SynthesizedSegment, error) {
	req := Request{
		Text:         segment.Text,
		TextLang:     string(segment.Language),
		EngineConfig: cfg,
	}

	data, err := e.client.GenerateSpeech(ctx, req)
	if err != nil {
		return core.SynthesizedSegment{}, err
	}

	clip, err := audio.ReadWAV(data)
	if err != nil {
		return core.SynthesizedSegment{}, fmt.Errorf(errFmtUndecodableAudio, core.ErrSynthesisUnavailable, err)
	}

	return core.SynthesizedSegment{
		Segment:  segment,
		Audio:    data,
		Params:   clip.Params,
		Duration: clip.Duration,
	}, nil
}

// SynthesizeAll synthesises every segment and returns the results in input order.
// The first failure cancels the calls still pending.
func (e *Engine) SynthesizeAll(ctx context.Context, segments []core.Segment, cfg core.EngineConfig) ([]core.SynthesizedSegment, error) {
	results := make([]core.SynthesizedSegment, len(segments))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.concurrency)

	for index, segment := range segments {
		group.Go(func() error {
			synthesized, err := e.Synthesize(groupCtx, segment, cfg)
			if err != nil {
				e.logger.Error(logFmtSegmentFailed, index+1, len(segments), segment.Language, err)

				return fmt.Errorf(errFmtSegmentFailed, index, segment.Language, err)
			}

			e.logger.Info(logFmtSegmentSynthesized, index+1, len(segments), segment.Language,
				segment.End-segment.Start, ttsutils.FormatDuration(synthesized.Duration), synthesized.Params)

			results[index] = synthesized

			return nil
		})
	}

	err := group.Wait()
	if err != nil {
		return nil, err
	}

	return results, nil
}
