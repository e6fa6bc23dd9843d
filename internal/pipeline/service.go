// Package pipeline runs a text request through segmentation, synthesis, alignment,
// assembly and upload, and returns the manifest of the stored artifacts.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"

	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/book-expert/tts-pipeline/internal/telemetry"
	"github.com/book-expert/tts-pipeline/internal/tts/audio"
	"github.com/book-expert/tts-pipeline/internal/tts/text"
	"github.com/book-expert/tts-pipeline/internal/tts/ttsutils"
)

// Object names and content types of the stored artifacts.
const (
	AudioObjectName    = "final.wav"
	CharsObjectName    = "chars_merged.json"
	AudioContentType   = "audio/wav"
	CharsContentType   = "application/json; charset=utf-8"
	DefaultKeyPrefix   = "tts"
	DefaultPresignTTL  = time.Hour
	jobIDTimeLayout    = "20060102150405"
	jobIDSuffixLength  = 6
	durationPrecision  = 1e6
	charsJSONIndent    = "  "
	stageSegment       = "segment"
	stageSynthesize    = "synthesize"
	stageAlign         = "align"
	stageAssemble      = "assemble"
	stageUpload        = "upload"
	stagePresign       = "presign"
	errFmtNoSegments   = "%w: text contains nothing to synthesise"
	errFmtStage        = "job %s: %s: %w"
	errFmtAlignSegment = "job %s: align segment %d (%s): %w"
	errFmtEncodeChars  = "job %s: encode character timeline: %w"
	errFmtMissingDep   = "%w: %s"
	logFmtRunStarted   = "Job %s: %d segments %v from %d chars of text"
	logFmtRunFinished  = "Job %s: finished in %s, audio %s (%s), %d chars"
	logFmtRunFailed    = "Job %s: failed (%s): %v"
	logFmtCallerJobID  = "Job id %q sanitised to %q"
)

// ErrMissingDependency is returned by NewService when a collaborator is nil.
var ErrMissingDependency = errors.New("missing pipeline dependency")

// AudioAssembler joins synthesised parts into one WAV with a global timeline.
type AudioAssembler interface {
	Assemble(parts []audio.Part) (*audio.Assembly, error)
}

// Dependencies are the collaborators a Service runs a job through.
type Dependencies struct {
	Segmenter   core.Segmenter
	Synthesizer core.Synthesizer
	Aligner     core.Aligner
	Assembler   AudioAssembler
	Store       core.ArtifactStore
	Lock        core.JobLock
	Telemetry   *telemetry.Telemetry
	Logger      *logger.Logger
}

// Options tune key layout and URL lifetime.
type Options struct {
	KeyPrefix  string
	PresignTTL time.Duration
	// Now is the clock used for job ids and created_at; nil means time.Now.
	Now func() time.Time
}

// Service is the pipeline orchestrator.
type Service struct {
	deps    Dependencies
	options Options
}

// NewService validates deps and fills option defaults.
func NewService(deps Dependencies, options Options) (*Service, error) {
	required := []struct {
		name    string
		missing bool
	}{
		{"segmenter", deps.Segmenter == nil},
		{"synthesizer", deps.Synthesizer == nil},
		{"aligner", deps.Aligner == nil},
		{"assembler", deps.Assembler == nil},
		{"artifact store", deps.Store == nil},
		{"job lock", deps.Lock == nil},
		{"logger", deps.Logger == nil},
	}

	for _, dep := range required {
		if dep.missing {
			return nil, fmt.Errorf(errFmtMissingDep, ErrMissingDependency, dep.name)
		}
	}

	if deps.Telemetry == nil {
		deps.Telemetry = telemetry.NewNoop()
	}

	options.KeyPrefix = strings.Trim(options.KeyPrefix, "/")
	if options.KeyPrefix == "" {
		options.KeyPrefix = DefaultKeyPrefix
	}

	if options.PresignTTL <= 0 {
		options.PresignTTL = DefaultPresignTTL
	}

	if options.Now == nil {
		options.Now = time.Now
	}

	return &Service{deps: deps, options: options}, nil
}

// Segment runs only the language segmentation step.
func (s *Service) Segment(input string) []core.Segment {
	return s.deps.Segmenter.Segment(input)
}

// Run executes one job. Any failure aborts the run; no partial manifest is returned.
func (s *Service) Run(ctx context.Context, req core.PipelineRequest) (*core.Manifest, error) {
	req.Normalize()

	jobID := s.resolveJobID(req.JobID)

	manifest, err := s.run(ctx, jobID, req)
	if err != nil {
		kind := core.KindOf(err)
		s.deps.Logger.Error(logFmtRunFailed, jobID, kind, err)
		s.deps.Telemetry.RecordRun(ctx, telemetry.OutcomeFailure, string(kind))

		return nil, err
	}

	s.deps.Telemetry.RecordRun(ctx, telemetry.OutcomeSuccess, "")

	return manifest, nil
}

func (s *Service) run(ctx context.Context, jobID string, req core.PipelineRequest) (*core.Manifest, error) {
	started := s.options.Now()

	err := req.Validate()
	if err != nil {
		return nil, err
	}

	release, err := s.deps.Lock.Acquire(ctx, jobID)
	if err != nil {
		return nil, err
	}
	defer release()

	segments, err := s.segment(ctx, jobID, req.Text)
	if err != nil {
		return nil, err
	}

	languages := text.Languages(segments)
	s.deps.Logger.Info(logFmtRunStarted, jobID, len(segments), languages, len([]rune(req.Text)))

	synthesized, err := s.synthesize(ctx, jobID, segments, req.EngineConfig)
	if err != nil {
		return nil, err
	}

	parts, err := s.align(ctx, jobID, synthesized)
	if err != nil {
		return nil, err
	}

	assembly, err := s.assemble(ctx, jobID, parts)
	if err != nil {
		return nil, err
	}

	manifest, err := s.store(ctx, jobID, assembly)
	if err != nil {
		return nil, err
	}

	manifest.CreatedAt = core.FormatCreatedAt(started)
	manifest.ContainLang = languages

	s.deps.Logger.Info(logFmtRunFinished, jobID,
		ttsutils.FormatDuration(s.options.Now().Sub(started).Seconds()),
		ttsutils.FormatDuration(assembly.Duration),
		ttsutils.FormatFileSize(int64(len(assembly.Audio))),
		len(assembly.Chars))

	return manifest, nil
}

func (s *Service) segment(ctx context.Context, jobID, input string) ([]core.Segment, error) {
	_, finish := s.deps.Telemetry.StartStage(ctx, stageSegment)

	segments := s.deps.Segmenter.Segment(input)

	var err error
	if len(segments) == 0 {
		err = fmt.Errorf(errFmtStage, jobID, stageSegment, fmt.Errorf(errFmtNoSegments, core.ErrValidation))
	}

	finish(err)

	return segments, err
}

func (s *Service) synthesize(
	ctx context.Context, jobID string, segments []core.Segment, cfg core.EngineConfig,
) ([]core.SynthesizedSegment, error) {
	stageCtx, finish := s.deps.Telemetry.StartStage(ctx, stageSynthesize)

	synthesized, err := s.deps.Synthesizer.SynthesizeAll(stageCtx, segments, cfg)
	if err != nil {
		err = fmt.Errorf(errFmtStage, jobID, stageSynthesize, err)
	}

	finish(err)

	return synthesized, err
}

func (s *Service) align(ctx context.Context, jobID string, synthesized []core.SynthesizedSegment) ([]audio.Part, error) {
	stageCtx, finish := s.deps.Telemetry.StartStage(ctx, stageAlign)

	parts := make([]audio.Part, 0, len(synthesized))

	for i, segment := range synthesized {
		chars, err := s.deps.Aligner.Align(stageCtx, segment.Audio, segment.Text, segment.Language)
		if err != nil {
			err = fmt.Errorf(errFmtAlignSegment, jobID, i, segment.Language, err)
			finish(err)

			return nil, err
		}

		parts = append(parts, audio.Part{Segment: segment, Chars: chars})
	}

	finish(nil)

	return parts, nil
}

func (s *Service) assemble(ctx context.Context, jobID string, parts []audio.Part) (*audio.Assembly, error) {
	_, finish := s.deps.Telemetry.StartStage(ctx, stageAssemble)

	assembly, err := s.deps.Assembler.Assemble(parts)
	if err != nil {
		err = fmt.Errorf(errFmtStage, jobID, stageAssemble, err)
	}

	finish(err)

	return assembly, err
}

// store uploads both artifacts and presigns them.
func (s *Service) store(ctx context.Context, jobID string, assembly *audio.Assembly) (*core.Manifest, error) {
	charsJSON, err := EncodeChars(assembly.Chars)
	if err != nil {
		return nil, fmt.Errorf(errFmtEncodeChars, jobID, err)
	}

	keys := core.ManifestKeys{
		Audio: s.objectKey(jobID, AudioObjectName),
		Chars: s.objectKey(jobID, CharsObjectName),
	}

	stageCtx, finish := s.deps.Telemetry.StartStage(ctx, stageUpload)

	audioUpload, err := s.deps.Store.Upload(stageCtx, keys.Audio, assembly.Audio, AudioContentType)
	if err != nil {
		err = fmt.Errorf(errFmtStage, jobID, stageUpload, err)
		finish(err)

		return nil, err
	}

	charsUpload, err := s.deps.Store.Upload(stageCtx, keys.Chars, charsJSON, CharsContentType)
	if err != nil {
		err = fmt.Errorf(errFmtStage, jobID, stageUpload, err)
		finish(err)

		return nil, err
	}

	finish(nil)

	stageCtx, finish = s.deps.Telemetry.StartStage(ctx, stagePresign)

	audioURL, err := s.deps.Store.Presign(stageCtx, keys.Audio, s.options.PresignTTL)
	if err != nil {
		err = fmt.Errorf(errFmtStage, jobID, stagePresign, err)
		finish(err)

		return nil, err
	}

	charsURL, err := s.deps.Store.Presign(stageCtx, keys.Chars, s.options.PresignTTL)
	if err != nil {
		err = fmt.Errorf(errFmtStage, jobID, stagePresign, err)
		finish(err)

		return nil, err
	}

	finish(nil)

	return &core.Manifest{
		JobID:    jobID,
		Duration: RoundDuration(assembly.Duration),
		Keys:     keys,
		ETag:     core.ManifestKeys{Audio: audioUpload.ETag, Chars: charsUpload.ETag},
		URLs: core.ManifestURLs{
			AudioPresignedURL: audioURL.URL,
			CharsPresignedURL: charsURL.URL,
			PresignTTLSec:     int(s.options.PresignTTL / time.Second),
		},
		Version: core.ManifestVersion,
	}, nil
}

// resolveJobID sanitises a caller-supplied id or generates YYYYMMDDhhmmss-xxxxxx.
func (s *Service) resolveJobID(requested string) string {
	if requested != "" {
		jobID := ttsutils.SanitizeKeySegment(requested)
		if jobID != requested {
			s.deps.Logger.Warn(logFmtCallerJobID, requested, jobID)
		}

		return jobID
	}

	return NewJobID(s.options.Now())
}

func (s *Service) objectKey(jobID, name string) string {
	return path.Join(s.options.KeyPrefix, jobID, name)
}

// NewJobID builds a time-ordered job id with a short random suffix.
func NewJobID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:jobIDSuffixLength]

	return now.UTC().Format(jobIDTimeLayout) + "-" + suffix
}

// EncodeChars renders the character timeline as indented JSON with non-ASCII kept as is.
func EncodeChars(chars []core.TimedChar) ([]byte, error) {
	if chars == nil {
		chars = []core.TimedChar{}
	}

	var buf bytes.Buffer

	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	encoder.SetIndent("", charsJSONIndent)

	err := encoder.Encode(chars)
	if err != nil {
		return nil, err
	}

	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// RoundDuration rounds seconds to microsecond precision.
func RoundDuration(seconds float64) float64 {
	return math.Round(seconds*durationPrecision) / durationPrecision
}
