package core

import (
	"fmt"
	"strings"
	"time"
)

// Language is a segment language code understood by both the TTS engine and the aligner.
type Language string

// Supported languages.
const (
	LanguageChinese  Language = "zh"
	LanguageEnglish  Language = "en"
	LanguageJapanese Language = "ja"
)

// SupportedLanguages lists every language the pipeline can segment, synthesise and align.
var SupportedLanguages = []Language{LanguageChinese, LanguageJapanese, LanguageEnglish}

// ParseLanguage validates a language code.
func ParseLanguage(code string) (Language, error) {
	lang := Language(strings.ToLower(strings.TrimSpace(code)))
	switch lang {
	case LanguageChinese, LanguageEnglish, LanguageJapanese:
		return lang, nil
	default:
		return "", fmt.Errorf("%w: unsupported language %q", ErrValidation, code)
	}
}

// Segment is a maximal run of text assigned to one language.
// Start and End are rune offsets into the original text, half-open.
type Segment struct {
	Text     string   `json:"text"`
	Language Language `json:"langcode"`
	Start    int      `json:"start"`
	End      int      `json:"end"`
}

// WAVParams is the PCM layout of a WAV payload.
type WAVParams struct {
	SampleRate int `json:"sample_rate"`
	BitDepth   int `json:"bit_depth"`
	Channels   int `json:"channels"`
}

func (p WAVParams) String() string {
	return fmt.Sprintf("%dHz/%dbit/%dch", p.SampleRate, p.BitDepth, p.Channels)
}

// SynthesizedSegment is a segment together with the audio the engine produced for it.
type SynthesizedSegment struct {
	Segment

	Audio    []byte
	Params   WAVParams
	Duration float64
}

// CharTimestamp maps one character to an interval in seconds.
type CharTimestamp struct {
	Char  string  `json:"char"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Validate checks that the interval is non-negative and ordered.
func (c CharTimestamp) Validate() error {
	if c.Start < 0 || c.End < 0 {
		return fmt.Errorf("%w: negative timestamp for %q", ErrAlignmentFailure, c.Char)
	}

	if c.End < c.Start {
		return fmt.Errorf("%w: end (%f) < start (%f) for %q", ErrAlignmentFailure, c.End, c.Start, c.Char)
	}

	return nil
}

// TimedChar is a character timestamp on the global pipeline timeline.
type TimedChar struct {
	CharTimestamp

	Language Language `json:"lang"`
}

// PipelineOutput is the assembled audio and its global character timeline.
type PipelineOutput struct {
	Audio     []byte
	Chars     []TimedChar
	Duration  float64
	Languages []Language
}

// ManifestKeys are the object keys of the stored artifacts.
type ManifestKeys struct {
	Audio string `json:"audio"`
	Chars string `json:"chars"`
}

// ManifestURLs are the presigned URLs of the stored artifacts.
type ManifestURLs struct {
	AudioPresignedURL string `json:"audio_presigned_url"`
	CharsPresignedURL string `json:"chars_presigned_url"`
	PresignTTLSec     int    `json:"presign_ttl_sec"`
}

// Manifest is returned to the caller once a pipeline run has been stored.
type Manifest struct {
	JobID       string       `json:"job_id"`
	CreatedAt   string       `json:"created_at"`
	ContainLang []Language   `json:"contain_lang"`
	Duration    float64      `json:"duration"`
	Keys        ManifestKeys `json:"keys"`
	ETag        ManifestKeys `json:"etag"`
	URLs        ManifestURLs `json:"urls"`
	Version     string       `json:"version"`
}

// ManifestVersion is stamped on every manifest.
const ManifestVersion = "2.0.0"

// FormatCreatedAt renders a manifest creation time.
func FormatCreatedAt(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000") + "Z"
}
