package core

import (
	"errors"
	"fmt"
	"strings"
)

// Engine parameter defaults.
const (
	DefaultPromptLang        = "zh"
	DefaultTextSplitMethod   = "cut5"
	DefaultBatchSize         = 60
	DefaultBatchThreshold    = 0.75
	DefaultFragmentInterval  = 0.27
	DefaultSpeedFactor       = 1.0
	DefaultTopK              = 6
	DefaultTopP              = 1.0
	DefaultTemperature       = 0.65
	DefaultRepetitionPenalty = 1.25
	DefaultSampleSteps       = 32
	DefaultSeed              = -1
	MediaTypeWAV             = "wav"
)

// Validation errors for pipeline requests.
var (
	// ErrTextEmpty indicates the request text is empty after trimming.
	ErrTextEmpty = errors.New("text cannot be empty")
	// ErrRefAudioPathEmpty indicates a missing reference audio path.
	ErrRefAudioPathEmpty = errors.New("ref_audio_path cannot be empty")
	// ErrPromptTextEmpty indicates a missing reference transcript.
	ErrPromptTextEmpty = errors.New("prompt_text cannot be empty")
	// ErrPromptLangEmpty indicates a missing prompt language.
	ErrPromptLangEmpty = errors.New("prompt_lang cannot be empty")
	// ErrUnsupportedMediaType indicates a non-WAV output format.
	ErrUnsupportedMediaType = errors.New("only media_type 'wav' can be concatenated")
	// ErrBatchSizeRange indicates batch_size < 1.
	ErrBatchSizeRange = errors.New("batch_size must be >= 1")
	// ErrBatchThresholdRange indicates batch_threshold outside [0, 1].
	ErrBatchThresholdRange = errors.New("batch_threshold must be between 0.0 and 1.0")
	// ErrFragmentIntervalRange indicates a negative fragment_interval.
	ErrFragmentIntervalRange = errors.New("fragment_interval must be >= 0.0")
	// ErrSpeedFactorRange indicates speed_factor <= 0.
	ErrSpeedFactorRange = errors.New("speed_factor must be > 0.0")
	// ErrTopKRange indicates a negative top_k.
	ErrTopKRange = errors.New("top_k must be >= 0")
	// ErrTopPRange indicates top_p outside (0, 1].
	ErrTopPRange = errors.New("top_p must be in (0.0, 1.0]")
	// ErrTemperatureRange indicates temperature <= 0.
	ErrTemperatureRange = errors.New("temperature must be > 0.0")
	// ErrRepetitionPenaltyRange indicates repetition_penalty <= 0.
	ErrRepetitionPenaltyRange = errors.New("repetition_penalty must be > 0.0")
	// ErrSampleStepsRange indicates sample_steps < 1.
	ErrSampleStepsRange = errors.New("sample_steps must be >= 1")
)

// EngineConfig holds the per-request voice and sampling parameters forwarded to the TTS engine.
type EngineConfig struct {
	RefAudioPath      string   `json:"ref_audio_path"`
	AuxRefAudioPaths  []string `json:"aux_ref_audio_paths"`
	PromptText        string   `json:"prompt_text"`
	PromptLang        string   `json:"prompt_lang"`
	TextSplitMethod   string   `json:"text_split_method"`
	BatchSize         int      `json:"batch_size"`
	BatchThreshold    float64  `json:"batch_threshold"`
	SplitBucket       bool     `json:"split_bucket"`
	ParallelInfer     bool     `json:"parallel_infer"`
	FragmentInterval  float64  `json:"fragment_interval"`
	SpeedFactor       float64  `json:"speed_factor"`
	TopK              int      `json:"top_k"`
	TopP              float64  `json:"top_p"`
	Temperature       float64  `json:"temperature"`
	RepetitionPenalty float64  `json:"repetition_penalty"`
	SampleSteps       int      `json:"sample_steps"`
	SuperSampling     bool     `json:"super_sampling"`
	MediaType         string   `json:"media_type"`
	StreamingMode     bool     `json:"streaming_mode"`
	Seed              int      `json:"seed"`
}

// DefaultEngineConfig returns the engine parameters used when a request leaves them unset.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		RefAudioPath:      "",
		AuxRefAudioPaths:  []string{},
		PromptText:        "",
		PromptLang:        DefaultPromptLang,
		TextSplitMethod:   DefaultTextSplitMethod,
		BatchSize:         DefaultBatchSize,
		BatchThreshold:    DefaultBatchThreshold,
		SplitBucket:       true,
		ParallelInfer:     true,
		FragmentInterval:  DefaultFragmentInterval,
		SpeedFactor:       DefaultSpeedFactor,
		TopK:              DefaultTopK,
		TopP:              DefaultTopP,
		Temperature:       DefaultTemperature,
		RepetitionPenalty: DefaultRepetitionPenalty,
		SampleSteps:       DefaultSampleSteps,
		SuperSampling:     false,
		MediaType:         MediaTypeWAV,
		StreamingMode:     false,
		Seed:              DefaultSeed,
	}
}

// Validate ensures the engine parameters are within the ranges the engine accepts.
func (c EngineConfig) Validate() error {
	if strings.TrimSpace(c.RefAudioPath) == "" {
		return ErrRefAudioPathEmpty
	}

	if strings.TrimSpace(c.PromptText) == "" {
		return ErrPromptTextEmpty
	}

	if strings.TrimSpace(c.PromptLang) == "" {
		return ErrPromptLangEmpty
	}

	if c.MediaType != MediaTypeWAV {
		return fmt.Errorf("%w: got %q", ErrUnsupportedMediaType, c.MediaType)
	}

	return c.validateSampling()
}

func (c EngineConfig) validateSampling() error {
	switch {
	case c.BatchSize < 1:
		return fmt.Errorf("%w: got %d", ErrBatchSizeRange, c.BatchSize)
	case c.BatchThreshold < 0 || c.BatchThreshold > 1:
		return fmt.Errorf("%w: got %f", ErrBatchThresholdRange, c.BatchThreshold)
	case c.FragmentInterval < 0:
		return fmt.Errorf("%w: got %f", ErrFragmentIntervalRange, c.FragmentInterval)
	case c.SpeedFactor <= 0:
		return fmt.Errorf("%w: got %f", ErrSpeedFactorRange, c.SpeedFactor)
	case c.TopK < 0:
		return fmt.Errorf("%w: got %d", ErrTopKRange, c.TopK)
	case c.TopP <= 0 || c.TopP > 1:
		return fmt.Errorf("%w: got %f", ErrTopPRange, c.TopP)
	case c.Temperature <= 0:
		return fmt.Errorf("%w: got %f", ErrTemperatureRange, c.Temperature)
	case c.RepetitionPenalty <= 0:
		return fmt.Errorf("%w: got %f", ErrRepetitionPenaltyRange, c.RepetitionPenalty)
	case c.SampleSteps < 1:
		return fmt.Errorf("%w: got %d", ErrSampleStepsRange, c.SampleSteps)
	}

	return nil
}

// PipelineRequest is the inbound pipeline payload.
// Engine parameters are flattened into the top-level JSON object.
type PipelineRequest struct {
	Text  string `json:"text"`
	JobID string `json:"job_id,omitempty"`

	EngineConfig
}

// NewPipelineRequest returns a request pre-populated with engine defaults, ready to be
// decoded into so that absent fields keep their defaults.
func NewPipelineRequest() PipelineRequest {
	return PipelineRequest{
		Text:         "",
		JobID:        "",
		EngineConfig: DefaultEngineConfig(),
	}
}

// Normalize trims the text the way the engine expects it.
func (r *PipelineRequest) Normalize() {
	r.Text = strings.TrimSpace(r.Text)
	r.JobID = strings.TrimSpace(r.JobID)
}

// Validate checks the request and tags every failure as ErrValidation.
func (r PipelineRequest) Validate() error {
	if strings.TrimSpace(r.Text) == "" {
		return errors.Join(ErrValidation, ErrTextEmpty)
	}

	err := r.EngineConfig.Validate()
	if err != nil {
		return errors.Join(ErrValidation, err)
	}

	return nil
}
